// Package usage records token usage and cost for every model call the
// assistant makes. Records are append-only and indexed by timestamp,
// turn, and user for the daily status sensors and the usage command.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/khairulanwarjo/gestella/internal/config"
)

// Roles a record can carry.
const (
	RoleInteractive = "interactive" // the agent loop answering a user
	RoleAnalyst     = "analyst"     // analyze_meeting's dedicated model call
)

// Record represents a single model call's token usage and cost.
type Record struct {
	ID           string
	Timestamp    time.Time
	TurnID       string
	ThreadKey    string
	UserID       string
	Model        string
	Provider     string // "openai", "anthropic"
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Role         string
}

// Summary holds aggregated token usage and cost totals.
type Summary struct {
	TotalRecords      int
	TotalTurns        int
	TotalInputTokens  int64
	TotalOutputTokens int64
	TotalCostUSD      float64
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store is an append-only store for usage records. All public methods
// are safe for concurrent use.
type Store struct {
	db *sql.DB
}

// NewStore creates a usage store on db. The schema is created
// automatically on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage_records (
		id            TEXT PRIMARY KEY,
		timestamp     TEXT NOT NULL,
		turn_id       TEXT NOT NULL,
		thread_key    TEXT,
		user_id       TEXT,
		model         TEXT NOT NULL,
		provider      TEXT NOT NULL,
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		cost_usd      REAL NOT NULL,
		role          TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage_records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_usage_user ON usage_records(user_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists a usage record. If rec.ID is empty, a UUIDv7 is
// generated. The context is used for cancellation only.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records
			(id, timestamp, turn_id, thread_key, user_id, model, provider,
			 input_tokens, output_tokens, cost_usd, role)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(timeLayout),
		rec.TurnID,
		rec.ThreadKey,
		rec.UserID,
		rec.Model,
		rec.Provider,
		rec.InputTokens,
		rec.OutputTokens,
		rec.CostUSD,
		rec.Role,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Summary returns aggregated totals for records within [start, end).
func (s *Store) Summary(ctx context.Context, start, end time.Time) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT turn_id), COALESCE(SUM(input_tokens), 0),
		        COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM usage_records
		 WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(timeLayout),
		end.UTC().Format(timeLayout),
	)

	var sum Summary
	if err := row.Scan(&sum.TotalRecords, &sum.TotalTurns, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.TotalCostUSD); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// SummaryByModel returns per-model aggregated totals for records within [start, end).
func (s *Store) SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "model", start, end)
}

// SummaryByUser returns per-user aggregated totals for records within [start, end).
func (s *Store) SummaryByUser(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "user_id", start, end)
}

func (s *Store) summaryGroupedBy(ctx context.Context, column string, start, end time.Time) (map[string]*Summary, error) {
	// column is always a compile-time constant from our own methods,
	// never user input, so embedding it directly is safe.
	query := fmt.Sprintf(
		`SELECT COALESCE(%s, ''), COUNT(*), COUNT(DISTINCT turn_id), COALESCE(SUM(input_tokens), 0),
		        COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM usage_records
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s
		 ORDER BY SUM(cost_usd) DESC`,
		column, column,
	)

	rows, err := s.db.QueryContext(ctx, query,
		start.UTC().Format(timeLayout),
		end.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.TotalRecords, &sum.TotalTurns, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.TotalCostUSD); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}

// LastActivity returns the timestamp of the newest record, or the zero
// time when nothing has been recorded.
func (s *Store) LastActivity(ctx context.Context) (time.Time, error) {
	var ts sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(timestamp) FROM usage_records`).Scan(&ts); err != nil {
		return time.Time{}, fmt.Errorf("query last activity: %w", err)
	}
	if !ts.Valid || ts.String == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, ts.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse last activity: %w", err)
	}
	return t, nil
}

// ComputeCost calculates the USD cost for a model's token usage based
// on the pricing table. Models not in the table are treated as free.
func ComputeCost(model string, inputTokens, outputTokens int, pricing map[string]config.PricingEntry) float64 {
	entry, ok := pricing[model]
	if !ok {
		return 0
	}
	cost := float64(inputTokens) / 1_000_000.0 * entry.InputPerMillion
	cost += float64(outputTokens) / 1_000_000.0 * entry.OutputPerMillion
	return cost
}

// DayBounds returns the start and end of the calendar day containing t
// in loc.
func DayBounds(t time.Time, loc *time.Location) (time.Time, time.Time) {
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}
