// Package memory provides agent long-term context storage: a vector store
// contract, a deterministic embedder, and a bundled in-memory index for
// development and tests. Each agent owns one collection named after its
// tenant, project, and agent name.
package memory

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Record is one stored interaction with its retrieval metadata.
type Record struct {
	ID        string            `json:"id"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Hit is a retrieved record with its similarity score in [0, 1].
type Hit struct {
	Record Record  `json:"record"`
	Score  float64 `json:"score"`
}

// VectorStore is the contract the core holds against any vector backend.
type VectorStore interface {
	// Upsert stores a record and its embedding under a collection.
	Upsert(ctx context.Context, collection string, rec Record, vector []float32) error
	// Search returns up to limit hits ordered by descending score.
	// Filters match exactly against record metadata; nil means no filter.
	Search(ctx context.Context, collection string, vector []float32, limit int, filters map[string]string) ([]Hit, error)
	// DropCollection removes a collection and all its vectors.
	DropCollection(ctx context.Context, collection string) error
	Close() error
}

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// CollectionName derives an agent's context collection. The format is part
// of the storage contract; changing it orphans existing collections.
func CollectionName(userID, projectID, agentName string) string {
	return fmt.Sprintf("user%s_project%s_%s_context",
		sanitize(userID), sanitize(projectID), sanitize(agentName))
}

// sanitize keeps collection names portable across vector backends.
func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}
