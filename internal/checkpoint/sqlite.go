package checkpoint

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// SQLiteStore persists threads as gzip-compressed JSON.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a thread store using the given database.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS threads (
			key           TEXT PRIMARY KEY,
			updated_at    TEXT NOT NULL,
			state_gz      BLOB NOT NULL,
			byte_size     INTEGER NOT NULL,
			message_count INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_threads_updated
			ON threads(updated_at);
	`)
	return err
}

// Load returns the stored thread, or an empty one for an unknown key.
func (s *SQLiteStore) Load(ctx context.Context, key string) (*Thread, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT state_gz FROM threads WHERE key = ?`, key).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return &Thread{Key: key}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query thread: %w", err)
	}

	gz, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	defer gz.Close()

	data, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("read decompressed: %w", err)
	}

	var t Thread
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal thread: %w", err)
	}
	t.Key = key
	return &t, nil
}

// Save upserts the thread under key.
func (s *SQLiteStore) Save(ctx context.Context, key string, thread *Thread) error {
	t := *thread
	t.Key = key
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now()
	}

	data, err := json.Marshal(&t)
	if err != nil {
		return fmt.Errorf("marshal thread: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return fmt.Errorf("compress: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("close gzip: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO threads (key, updated_at, state_gz, byte_size, message_count)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			updated_at = excluded.updated_at,
			state_gz = excluded.state_gz,
			byte_size = excluded.byte_size,
			message_count = excluded.message_count
	`, key, t.UpdatedAt.UTC().Format(time.RFC3339Nano), buf.Bytes(), buf.Len(), len(t.Messages))
	if err != nil {
		return fmt.Errorf("upsert thread: %w", err)
	}
	return nil
}

// Prune removes threads not updated within olderThan and returns how
// many were deleted.
func (s *SQLiteStore) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339Nano)
	result, err := s.db.ExecContext(ctx, `DELETE FROM threads WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune threads: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}
