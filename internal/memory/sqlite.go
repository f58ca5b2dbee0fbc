package memory

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"time"

	"modernc.org/sqlite"

	"github.com/khairulanwarjo/gestella/internal/embeddings"
)

func init() {
	sqlite.MustRegisterDeterministicScalarFunction("cosine_similarity", 2, cosineSimilaritySQL)
}

// cosineSimilaritySQL implements cosine_similarity(a BLOB, b BLOB) over
// vectors packed by [embeddings.EncodeVector]. NULL inputs yield NULL.
func cosineSimilaritySQL(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	a, ok := args[0].([]byte)
	if !ok {
		return nil, nil
	}
	b, ok := args[1].([]byte)
	if !ok {
		return nil, nil
	}
	va, err := embeddings.DecodeVector(a)
	if err != nil {
		return nil, err
	}
	vb, err := embeddings.DecodeVector(b)
	if err != nil {
		return nil, err
	}
	return float64(embeddings.CosineSimilarity(va, vb)), nil
}

// SQLiteStore keeps memories in a SQLite table and scores them with a
// registered cosine_similarity function.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the memories table if needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate memories: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS memories (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			content    TEXT NOT NULL,
			category   TEXT NOT NULL DEFAULT 'general',
			embedding  BLOB NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_memories_user ON memories(user_id);
	`)
	return err
}

// Insert stores rec.
func (s *SQLiteStore) Insert(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (id, user_id, content, category, embedding, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.Content, rec.Category,
		embeddings.EncodeVector(rec.Embedding), rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// Match scores only the given user's rows.
func (s *SQLiteStore) Match(ctx context.Context, userID string, query []float32, threshold float64, limit int) ([]Match, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT content, score FROM (
			SELECT content, cosine_similarity(embedding, ?) AS score
			FROM memories
			WHERE user_id = ?
		)
		WHERE score >= ?
		ORDER BY score DESC
		LIMIT ?`,
		embeddings.EncodeVector(query), userID, threshold, limit,
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
