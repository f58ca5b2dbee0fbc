// Package checkpoint persists conversation threads between turns.
//
// A thread is the full message history of one chat, keyed by the
// transport's thread key. The persona lives at index 0 and is rewritten
// by the agent on every turn, so stored threads always carry the most
// recent persona.
package checkpoint

import (
	"context"
	"slices"
	"time"

	"github.com/khairulanwarjo/gestella/internal/llm"
)

// Thread is one conversation's history.
type Thread struct {
	Key       string        `json:"key"`
	Messages  []llm.Message `json:"messages"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Clone returns a deep enough copy that appending to or editing the
// messages of either thread does not affect the other.
func (t *Thread) Clone() *Thread {
	if t == nil {
		return nil
	}
	out := &Thread{Key: t.Key, UpdatedAt: t.UpdatedAt, Messages: make([]llm.Message, len(t.Messages))}
	for i, m := range t.Messages {
		m.ToolCalls = slices.Clone(m.ToolCalls)
		out.Messages[i] = m
	}
	return out
}

// Store loads and saves threads. Load of an unknown key returns an
// empty thread, not an error.
type Store interface {
	Load(ctx context.Context, key string) (*Thread, error)
	Save(ctx context.Context, key string, thread *Thread) error
}
