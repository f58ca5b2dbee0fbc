package gcal

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

// Event is the subset of a calendar event the tools display.
type Event struct {
	Summary string
	// Start is the event's dateTime, or its date for all-day events,
	// exactly as the API returned it.
	Start string
	Link  string
}

// NewEvent describes an event to insert.
type NewEvent struct {
	Summary     string
	Description string
	Start       string // ISO 8601 local date-time, e.g. 2024-01-20T14:00:00
	End         string
	TimeZone    string // IANA zone; the API interprets Start and End in it
}

// Calendar is the calendar API surface the tools need.
type Calendar interface {
	Upcoming(ctx context.Context, ts oauth2.TokenSource, limit int64) ([]Event, error)
	Insert(ctx context.Context, ts oauth2.TokenSource, ev NewEvent) (*Event, error)
}

// Client talks to the Calendar v3 API on the user's primary calendar.
// A service is built per call from the caller's token source, so one
// Client serves every user.
type Client struct {
	opts []option.ClientOption
	now  func() time.Time
}

// NewClient creates a calendar client. Extra options (an endpoint
// override in tests) are appended to each service.
func NewClient(opts ...option.ClientOption) *Client {
	return &Client{opts: opts, now: time.Now}
}

func (c *Client) service(ctx context.Context, ts oauth2.TokenSource) (*calendar.Service, error) {
	opts := append([]option.ClientOption{option.WithHTTPClient(oauth2.NewClient(ctx, ts))}, c.opts...)
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	return svc, nil
}

// Upcoming lists the next limit events from now, expanded and ordered by
// start time.
func (c *Client) Upcoming(ctx context.Context, ts oauth2.TokenSource, limit int64) ([]Event, error) {
	svc, err := c.service(ctx, ts)
	if err != nil {
		return nil, err
	}

	res, err := svc.Events.List("primary").
		Context(ctx).
		TimeMin(c.now().UTC().Format(time.RFC3339)).
		MaxResults(limit).
		SingleEvents(true).
		OrderBy("startTime").
		Do()
	if err != nil {
		return nil, err
	}

	events := make([]Event, 0, len(res.Items))
	for _, item := range res.Items {
		ev := Event{Summary: item.Summary, Link: item.HtmlLink}
		if item.Start != nil {
			ev.Start = item.Start.DateTime
			if ev.Start == "" {
				ev.Start = item.Start.Date
			}
		}
		events = append(events, ev)
	}
	return events, nil
}

// Insert creates an event on the primary calendar.
func (c *Client) Insert(ctx context.Context, ts oauth2.TokenSource, ev NewEvent) (*Event, error) {
	svc, err := c.service(ctx, ts)
	if err != nil {
		return nil, err
	}

	created, err := svc.Events.Insert("primary", &calendar.Event{
		Summary:     ev.Summary,
		Description: ev.Description,
		Start:       &calendar.EventDateTime{DateTime: ev.Start, TimeZone: ev.TimeZone},
		End:         &calendar.EventDateTime{DateTime: ev.End, TimeZone: ev.TimeZone},
	}).Context(ctx).Do()
	if err != nil {
		return nil, err
	}

	out := &Event{Summary: created.Summary, Link: created.HtmlLink}
	if created.Start != nil {
		out.Start = created.Start.DateTime
	}
	return out, nil
}
