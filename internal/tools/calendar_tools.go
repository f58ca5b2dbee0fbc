package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/khairulanwarjo/gestella/internal/gcal"
)

// Replies the calendar tools give when the turn carries no usable Google
// credential.
const (
	CalendarAccessLost      = "❌ Error: Calendar access lost. Please type 'login' to re-authenticate."
	CalendarAccessLostShort = "❌ Error: Calendar access lost."
	NoUpcomingEvents        = "No upcoming events found."
)

// upcomingLimit is how many events list_calendar_events shows.
const upcomingLimit = 10

type listCalendarArgs struct{}

type addCalendarArgs struct {
	Summary     string `json:"summary" jsonschema_description:"Title of the event (e.g., \"Meeting with John\")."`
	StartTime   string `json:"start_time" jsonschema_description:"ISO format string (e.g., \"2024-01-20T14:00:00\")."`
	EndTime     string `json:"end_time" jsonschema_description:"ISO format string (e.g., \"2024-01-20T15:00:00\")."`
	Description string `json:"description,omitempty" jsonschema_description:"Optional details."`
}

func listCalendarTool(cal gcal.Calendar) *Tool {
	return Define("list_calendar_events",
		"Lists the next 10 upcoming events on the user's calendar. Useful for checking schedule, availability, or conflicts.",
		func(ctx context.Context, _ listCalendarArgs) (string, error) {
			cred, ok := usableCredential(ctx)
			if !ok || cal == nil {
				return CalendarAccessLost, nil
			}

			events, err := cal.Upcoming(ctx, cred.TokenSource, upcomingLimit)
			if err != nil {
				return "❌ Calendar API Error: " + err.Error(), nil
			}
			if len(events) == 0 {
				return NoUpcomingEvents, nil
			}

			var sb strings.Builder
			sb.WriteString("📅 **Upcoming Events:**\n")
			for _, ev := range events {
				fmt.Fprintf(&sb, "- %s: %s\n", ev.Start, ev.Summary)
			}
			return sb.String(), nil
		})
}

func addCalendarTool(cal gcal.Calendar, timeZone string) *Tool {
	return Define("add_calendar_event",
		"Adds a new event to the user's calendar.",
		func(ctx context.Context, args addCalendarArgs) (string, error) {
			cred, ok := usableCredential(ctx)
			if !ok || cal == nil {
				return CalendarAccessLostShort, nil
			}

			ev, err := cal.Insert(ctx, cred.TokenSource, gcal.NewEvent{
				Summary:     args.Summary,
				Description: args.Description,
				Start:       args.StartTime,
				End:         args.EndTime,
				TimeZone:    timeZone,
			})
			if err != nil {
				return "❌ Failed to create event: " + err.Error(), nil
			}
			return "✅ Event created: " + ev.Link, nil
		})
}

// usableCredential returns the turn's credential only if its token
// source can currently produce a token, refreshing it when expired.
func usableCredential(ctx context.Context) (Credential, bool) {
	cred, ok := CredentialFrom(ctx)
	if !ok {
		return Credential{}, false
	}
	if _, err := cred.TokenSource.Token(); err != nil {
		return Credential{}, false
	}
	return cred, true
}
