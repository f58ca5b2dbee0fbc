package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/qdrant/go-client/qdrant"
)

// QdrantConfig describes a Qdrant gRPC endpoint.
type QdrantConfig struct {
	Host       string // default "localhost"
	Port       int    // gRPC port, default 6334
	APIKey     string
	UseTLS     bool
	Collection string // default "memories"
	Dimension  uint64
}

// QdrantStore keeps memories as points in one Qdrant collection. The
// user_id payload field is indexed and always part of the query filter.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
}

// NewQdrantStore connects and ensures the collection exists.
func NewQdrantStore(ctx context.Context, cfg QdrantConfig) (*QdrantStore, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.Collection == "" {
		cfg.Collection = "memories"
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to qdrant: %w", err)
	}

	s := &QdrantStore{client: client, collection: cfg.Collection}
	if err := s.ensureCollection(ctx, cfg.Dimension); err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context, dimension uint64) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("check collection %s: %w", s.collection, err)
	}
	if exists {
		return nil
	}
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     dimension,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", s.collection, err)
	}
	_, err = s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: s.collection,
		FieldName:      "user_id",
		FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
	})
	if err != nil {
		return fmt.Errorf("index user_id: %w", err)
	}
	return nil
}

// Ping runs the server health check.
func (s *QdrantStore) Ping(ctx context.Context) error {
	if _, err := s.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("qdrant health check: %w", err)
	}
	return nil
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// Insert upserts rec as a new point keyed by its UUID.
func (s *QdrantStore) Insert(ctx context.Context, rec Record) error {
	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDUUID(rec.ID),
			Vectors: qdrant.NewVectors(rec.Embedding...),
			Payload: map[string]*qdrant.Value{
				"user_id":    qdrant.NewValueString(rec.UserID),
				"content":    qdrant.NewValueString(rec.Content),
				"category":   qdrant.NewValueString(rec.Category),
				"created_at": qdrant.NewValueString(rec.CreatedAt.UTC().Format(time.RFC3339)),
			},
		}},
	})
	if err != nil {
		return fmt.Errorf("upsert point: %w", err)
	}
	return nil
}

// Match queries with a mandatory user_id keyword filter.
func (s *QdrantStore) Match(ctx context.Context, userID string, query []float32, threshold float64, limit int) ([]Match, error) {
	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(query...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		ScoreThreshold: qdrant.PtrOf(float32(threshold)),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter:         userFilter(userID),
	})
	if err != nil {
		return nil, fmt.Errorf("query points: %w", err)
	}

	out := make([]Match, 0, len(results))
	for _, r := range results {
		content := r.GetPayload()["content"].GetStringValue()
		out = append(out, Match{Content: content, Score: float64(r.GetScore())})
	}
	return out, nil
}

func userFilter(userID string) *qdrant.Filter {
	return &qdrant.Filter{
		Must: []*qdrant.Condition{{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: "user_id",
					Match: &qdrant.Match{
						MatchValue: &qdrant.Match_Keyword{Keyword: userID},
					},
				},
			},
		}},
	}
}
