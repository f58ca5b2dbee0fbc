// Package memory is the long-term, per-user memory of the assistant.
//
// Memories are short facts stored next to their embedding. Every read
// is scoped to one user: backends apply the user filter inside the same
// query that scores similarity, so a search can never surface another
// user's rows, not even as a candidate that is filtered out later.
package memory

import (
	"context"
	"time"
)

// DefaultCategory is applied when a memory is saved without one.
const DefaultCategory = "general"

// Record is one stored memory.
type Record struct {
	ID        string
	UserID    string
	Content   string
	Category  string
	Embedding []float32
	CreatedAt time.Time
}

// Match is a search hit with its cosine similarity to the query.
type Match struct {
	Content string
	Score   float64
}

// Store is a vector-capable memory backend.
type Store interface {
	// Insert appends a record. Records are never updated.
	Insert(ctx context.Context, rec Record) error

	// Match returns the user's records whose similarity to query is at
	// least threshold, best first, at most limit rows.
	Match(ctx context.Context, userID string, query []float32, threshold float64, limit int) ([]Match, error)
}
