package memory

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// mapEmbedder returns fixed vectors per text.
type mapEmbedder struct {
	vecs map[string][]float32
	err  error
}

func (m *mapEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if m.err != nil {
		return nil, m.err
	}
	if v, ok := m.vecs[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

type failingStore struct{ err error }

func (f *failingStore) Insert(context.Context, Record) error { return f.err }
func (f *failingStore) Match(context.Context, string, []float32, float64, int) ([]Match, error) {
	return nil, f.err
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	emb := &mapEmbedder{vecs: map[string][]float32{
		"My dog is Rex":        {1, 0, 0},
		"I like nasi lemak":    {0, 1, 0},
		"what's my dog's name": {0.95, 0.05, 0},
		"food":                 {0, 1, 0},
		"dog and food":         {1, 0.5, 0},
	}}
	return NewService(emb, setupSQLiteStore(t), nil)
}

func TestService_SaveAndSearch(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if got := svc.Save(ctx, "111", "My dog is Rex", ""); got != "Success: Memory saved." {
		t.Fatalf("Save = %q", got)
	}
	if got := svc.Save(ctx, "111", "I like nasi lemak", "preference"); got != "Success: Memory saved." {
		t.Fatalf("Save = %q", got)
	}

	if got := svc.Search(ctx, "111", "what's my dog's name", 0, 0); got != "My dog is Rex" {
		t.Errorf("Search = %q, want the dog memory only", got)
	}
}

func TestService_SearchJoinsWithNewlines(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	svc.Save(ctx, "111", "My dog is Rex", "")
	svc.Save(ctx, "111", "I like nasi lemak", "")

	// Scores 0.89 for the dog memory and 0.45 for the food memory.
	got := svc.Search(ctx, "111", "dog and food", 0.4, 5)
	if got != "My dog is Rex\nI like nasi lemak" {
		t.Fatalf("Search = %q", got)
	}

	if got := svc.Search(ctx, "111", "dog and food", 0.4, 1); got != "My dog is Rex" {
		t.Errorf("limit 1 Search = %q", got)
	}
}

func TestService_SearchIsolatedPerUser(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	svc.Save(ctx, "111", "My dog is Rex", "")

	if got := svc.Search(ctx, "222", "what's my dog's name", 0, 0); got != NoMatches {
		t.Errorf("other user Search = %q, want %q", got, NoMatches)
	}
}

func TestService_Errors(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")

	embFail := NewService(&mapEmbedder{err: boom}, setupSQLiteStore(t), nil)
	if got := embFail.Save(ctx, "111", "x", ""); !strings.HasPrefix(got, "Error saving memory: ") {
		t.Errorf("Save with embed failure = %q", got)
	}
	if got := embFail.Search(ctx, "111", "x", 0, 0); !strings.HasPrefix(got, "Error searching memory: ") {
		t.Errorf("Search with embed failure = %q", got)
	}

	storeFail := NewService(&mapEmbedder{}, &failingStore{err: boom}, nil)
	if got := storeFail.Save(ctx, "111", "x", ""); !strings.Contains(got, "boom") {
		t.Errorf("Save with store failure = %q", got)
	}
	if got := storeFail.Search(ctx, "111", "x", 0, 0); !strings.Contains(got, "boom") {
		t.Errorf("Search with store failure = %q", got)
	}

	if got := storeFail.Save(ctx, "  ", "x", ""); !strings.HasPrefix(got, "Error saving memory: ") {
		t.Errorf("Save with blank user = %q", got)
	}
}

func TestService_DefaultCategory(t *testing.T) {
	var captured Record
	store := &captureStore{rec: &captured}
	svc := NewService(&mapEmbedder{}, store, nil)
	svc.Save(context.Background(), "111", "note", "")
	if captured.Category != DefaultCategory {
		t.Errorf("category = %q, want %q", captured.Category, DefaultCategory)
	}
	if captured.ID == "" || captured.CreatedAt.IsZero() {
		t.Errorf("record missing id or timestamp: %+v", captured)
	}
}

type captureStore struct{ rec *Record }

func (c *captureStore) Insert(_ context.Context, r Record) error { *c.rec = r; return nil }
func (c *captureStore) Match(context.Context, string, []float32, float64, int) ([]Match, error) {
	return nil, nil
}
