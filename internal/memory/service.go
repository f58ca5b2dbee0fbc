package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/khairulanwarjo/gestella/internal/embeddings"
)

// Search defaults.
const (
	DefaultThreshold = 0.5
	DefaultLimit     = 5
)

// NoMatches is returned by [Service.Search] when nothing clears the
// threshold.
const NoMatches = "No relevant memories found."

// Service implements save and search on top of an Embedder and a Store.
// Its string-returning methods never fail: errors are rendered into the
// result so the model can read them.
type Service struct {
	embedder embeddings.Embedder
	store    Store
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a memory service.
func NewService(embedder embeddings.Embedder, store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		embedder: embedder,
		store:    store,
		logger:   logger.With("component", "memory"),
		now:      time.Now,
	}
}

// Save embeds text and stores it under userID.
func (s *Service) Save(ctx context.Context, userID, text, category string) string {
	if err := s.SaveRecord(ctx, userID, text, category); err != nil {
		s.logger.Warn("save failed", "user_id", userID, "error", err)
		return fmt.Sprintf("Error saving memory: %v", err)
	}
	return "Success: Memory saved."
}

// SaveRecord is the error-returning form of [Service.Save].
func (s *Service) SaveRecord(ctx context.Context, userID, text, category string) error {
	if strings.TrimSpace(userID) == "" {
		return errors.New("user id is required")
	}
	if category == "" {
		category = DefaultCategory
	}
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate id: %w", err)
	}
	rec := Record{
		ID:        id.String(),
		UserID:    userID,
		Content:   text,
		Category:  category,
		Embedding: vec,
		CreatedAt: s.now(),
	}
	if err := s.store.Insert(ctx, rec); err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	s.logger.Debug("memory saved", "user_id", userID, "category", category, "chars", len(text))
	return nil
}

// Search returns the user's memories most similar to query, one per
// line. Non-positive threshold or limit fall back to the defaults.
func (s *Service) Search(ctx context.Context, userID, query string, threshold float64, limit int) string {
	contents, err := s.SearchRecords(ctx, userID, query, threshold, limit)
	if err != nil {
		s.logger.Warn("search failed", "user_id", userID, "error", err)
		return fmt.Sprintf("Error searching memory: %v", err)
	}
	if len(contents) == 0 {
		return NoMatches
	}
	return strings.Join(contents, "\n")
}

// SearchRecords is the error-returning form of [Service.Search].
func (s *Service) SearchRecords(ctx context.Context, userID, query string, threshold float64, limit int) ([]string, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("user id is required")
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	matches, err := s.store.Match(ctx, userID, vec, threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("match: %w", err)
	}

	contents := make([]string, 0, len(matches))
	for _, m := range matches {
		contents = append(contents, m.Content)
	}
	s.logger.Debug("memory search", "user_id", userID, "hits", len(contents), "threshold", threshold)
	return contents, nil
}
