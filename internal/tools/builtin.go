package tools

import (
	"context"
	"log/slog"
	"strings"
	"unicode"

	"github.com/khairulanwarjo/gestella/internal/gcal"
	"github.com/khairulanwarjo/gestella/internal/memory"
)

// MemoryService saves and searches a user's long-term memories.
type MemoryService interface {
	Save(ctx context.Context, userID, text, category string) string
	Search(ctx context.Context, userID, query string, threshold float64, limit int) string
}

// MeetingAnalyzer turns a transcript into structured minutes.
type MeetingAnalyzer interface {
	Analyze(ctx context.Context, transcript string) (string, error)
}

// Deps are the collaborators behind the assistant's tools. A nil
// dependency leaves its tools registered but reporting an error.
type Deps struct {
	Memory   MemoryService
	Calendar gcal.Calendar
	Analyzer MeetingAnalyzer
	// TimeZone is the IANA zone new calendar events are created in.
	TimeZone string
	// SearchThreshold and SearchLimit tune search_memory. Zero selects
	// the memory package defaults.
	SearchThreshold float64
	SearchLimit     int
}

// DefaultTimeZone is used when Deps.TimeZone is empty.
const DefaultTimeZone = "Asia/Singapore"

// New returns the registry holding the assistant's full tool set.
func New(deps Deps, logger *slog.Logger) *Registry {
	if deps.TimeZone == "" {
		deps.TimeZone = DefaultTimeZone
	}
	if deps.SearchThreshold <= 0 {
		deps.SearchThreshold = memory.DefaultThreshold
	}
	if deps.SearchLimit <= 0 {
		deps.SearchLimit = memory.DefaultLimit
	}
	r := NewRegistry(logger)
	r.Register(saveMemoryTool(deps.Memory))
	r.Register(searchMemoryTool(deps.Memory, deps.SearchThreshold, deps.SearchLimit))
	r.Register(calculatorTool())
	r.Register(listCalendarTool(deps.Calendar))
	r.Register(addCalendarTool(deps.Calendar, deps.TimeZone))
	r.Register(analyzeMeetingTool(deps.Analyzer))
	return r
}

// CleanUserID keeps only the digits of raw, so "User ID: 12345" becomes
// "12345". Input without digits is returned unchanged.
func CleanUserID(raw string) string {
	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, raw)
	if digits == "" {
		return raw
	}
	return digits
}
