package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/atelier-ai/atelier/internal/common/apperr"
)

// Service binds an embedder to a vector store so callers deal in text.
type Service struct {
	store    VectorStore
	embedder Embedder
}

// NewService creates a memory service over the given backends.
func NewService(store VectorStore, embedder Embedder) *Service {
	return &Service{store: store, embedder: embedder}
}

// Add embeds content and stores it in the collection. The stored metadata
// always carries the timestamp; callers add {type, task_id, success}.
func (s *Service) Add(ctx context.Context, collection, content string, metadata map[string]string) (Record, error) {
	if content == "" {
		return Record{}, apperr.New(apperr.KindValidation, "content must not be empty")
	}

	vector, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return Record{}, apperr.Wrap(apperr.KindTransient, err, "embed content")
	}

	now := time.Now().UTC()
	md := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		md[k] = v
	}
	md["timestamp"] = now.Format(time.RFC3339)

	rec := Record{
		ID:        uuid.New().String(),
		Content:   content,
		Metadata:  md,
		CreatedAt: now,
	}
	if err := s.store.Upsert(ctx, collection, rec, vector); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Search embeds the query and returns the closest stored records.
func (s *Service) Search(ctx context.Context, collection, query string, limit int, filters map[string]string) ([]Hit, error) {
	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, err, "embed query")
	}
	return s.store.Search(ctx, collection, vector, limit, filters)
}

// Clear removes the collection and everything in it.
func (s *Service) Clear(ctx context.Context, collection string) error {
	return s.store.DropCollection(ctx, collection)
}

// Score returns the similarity between two texts, used by the router to
// rank agents by description relevance.
func (s *Service) Score(ctx context.Context, a, b string) (float64, error) {
	va, err := s.embedder.Embed(ctx, a)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindTransient, err, "embed text")
	}
	vb, err := s.embedder.Embed(ctx, b)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindTransient, err, "embed text")
	}
	return cosine(va, vb), nil
}
