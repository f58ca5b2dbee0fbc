package embeddings

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// CachedEmbedder memoizes another Embedder. Only successful vectors are
// cached; errors always reach the caller.
type CachedEmbedder struct {
	next  Embedder
	model string
	cache *ristretto.Cache
}

// NewCachedEmbedder wraps next with a cache bounded by maxCost bytes of
// vector data. model scopes the keys so two models never share entries.
func NewCachedEmbedder(next Embedder, model string, maxCost int64) (*CachedEmbedder, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		// Roughly 10x the number of 1536-dim vectors that fit.
		NumCounters:        max(maxCost/(4*1536)*10, 1000),
		MaxCost:            maxCost,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &CachedEmbedder{next: next, model: model, cache: cache}, nil
}

// Embed returns a cached vector when available, otherwise delegates.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.model + "\x00" + text
	if v, ok := c.cache.Get(key); ok {
		return v.([]float32), nil
	}

	vec, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, vec, int64(4*len(vec)))
	return vec, nil
}

// Wait blocks until pending cache writes are visible to Get.
func (c *CachedEmbedder) Wait() { c.cache.Wait() }

// Close releases the cache's background goroutines.
func (c *CachedEmbedder) Close() { c.cache.Close() }
