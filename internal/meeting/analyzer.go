// Package meeting turns long meeting transcripts into structured minutes
// using a dedicated analyst prompt, separate from the assistant persona.
package meeting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/khairulanwarjo/gestella/internal/llm"
	"github.com/khairulanwarjo/gestella/internal/prompts"
)

// ErrEmptyTranscript is returned when there is nothing to analyze.
var ErrEmptyTranscript = errors.New("transcript is empty")

// Analyzer runs the analyst prompt against a chat model.
type Analyzer struct {
	client llm.Client
	model  string
	logger *slog.Logger
}

// NewAnalyzer creates an analyzer that sends transcripts to model.
func NewAnalyzer(client llm.Client, model string, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		client: client,
		model:  model,
		logger: logger.With("component", "meeting"),
	}
}

// Analyze returns the markdown minutes for transcript. The report is
// returned as the model wrote it; structural gaps are only logged.
func (a *Analyzer) Analyze(ctx context.Context, transcript string) (string, error) {
	if strings.TrimSpace(transcript) == "" {
		return "", ErrEmptyTranscript
	}

	start := time.Now()
	resp, err := a.client.Chat(ctx, a.model, []llm.Message{
		llm.SystemMessage(prompts.MeetingAnalystPrompt()),
		llm.UserMessage(transcript),
	}, nil)
	if err != nil {
		return "", fmt.Errorf("analyst model: %w", err)
	}

	report := resp.Message.Content
	outline := ParseOutline(report)
	if missing := outline.Missing(); len(missing) > 0 {
		a.logger.Warn("meeting report is missing sections",
			"missing", missing,
			"title", outline.Title,
		)
	}
	a.logger.Info("meeting analyzed",
		"model", a.model,
		"transcript_chars", len([]rune(transcript)),
		"sections", len(outline.Sections),
		"action_items", outline.ActionItems,
		"elapsed", time.Since(start),
	)
	return report, nil
}
