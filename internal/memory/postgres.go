package memory

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// PostgresStore keeps memories in Postgres with the pgvector extension.
// Similarity is 1 - cosine distance (the <=> operator).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates the extension, table and index if needed.
// dimension fixes the vector column width.
func NewPostgresStore(ctx context.Context, db *sql.DB, dimension int) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(ctx, dimension); err != nil {
		return nil, fmt.Errorf("migrate memories: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context, dimension int) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memories (
			id         UUID PRIMARY KEY,
			user_id    TEXT NOT NULL,
			content    TEXT NOT NULL,
			category   TEXT NOT NULL DEFAULT 'general',
			embedding  vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, dimension),
		`CREATE INDEX IF NOT EXISTS idx_memories_user ON memories(user_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Insert stores rec.
func (s *PostgresStore) Insert(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (id, user_id, content, category, embedding, created_at) VALUES ($1, $2, $3, $4, $5::vector, $6)`,
		rec.ID, rec.UserID, rec.Content, rec.Category, vectorLiteral(rec.Embedding), rec.CreatedAt,
	)
	return err
}

// Match scores only the given user's rows.
func (s *PostgresStore) Match(ctx context.Context, userID string, query []float32, threshold float64, limit int) ([]Match, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT content, score FROM (
			SELECT content, 1 - (embedding <=> $2::vector) AS score
			FROM memories
			WHERE user_id = $1
		) scored
		WHERE score >= $3
		ORDER BY score DESC
		LIMIT $4`,
		userID, vectorLiteral(query), threshold, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.Content, &m.Score); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// vectorLiteral renders v in pgvector's text form, e.g. "[0.1,0.2]".
func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.Grow(len(v) * 10)
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(x), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
