package memory

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectionName(t *testing.T) {
	assert.Equal(t, "useru1_projectp1_coder_context", CollectionName("u1", "p1", "coder"))
	// Unsafe characters are flattened, not dropped.
	assert.Equal(t, "useru-1_projectp-1_my-agent_context", CollectionName("u_1", "p.1", "my agent"))
}

func TestHashEmbedderDeterministic(t *testing.T) {
	e := NewHashEmbedder()
	ctx := context.Background()

	a, err := e.Embed(ctx, "review the pull request")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "review the pull request")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, e.Dimension())

	// Normalized to unit length.
	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-6)
}

func TestIndexSearchRanksBySimilarity(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewIndex(), NewHashEmbedder())

	_, err := svc.Add(ctx, "c1", "writing code in go and fixing bugs", nil)
	require.NoError(t, err)
	_, err = svc.Add(ctx, "c1", "baking sourdough bread at home", nil)
	require.NoError(t, err)

	hits, err := svc.Search(ctx, "c1", "fixing go code bugs", 10, nil)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Contains(t, hits[0].Record.Content, "go")
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestIndexSearchRespectsLimitAndFilters(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewIndex(), NewHashEmbedder())

	for i := 0; i < 5; i++ {
		_, err := svc.Add(ctx, "c1", fmt.Sprintf("interaction number %d about deployments", i),
			map[string]string{"type": "interaction", "success": "true"})
		require.NoError(t, err)
	}
	_, err := svc.Add(ctx, "c1", "a failed deployment attempt",
		map[string]string{"type": "interaction", "success": "false"})
	require.NoError(t, err)

	hits, err := svc.Search(ctx, "c1", "deployments", 3, nil)
	require.NoError(t, err)
	assert.Len(t, hits, 3)

	hits, err = svc.Search(ctx, "c1", "deployment", 10, map[string]string{"success": "false"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a failed deployment attempt", hits[0].Record.Content)
}

func TestIndexCollectionsAreIsolated(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewIndex(), NewHashEmbedder())

	_, err := svc.Add(ctx, "useru1_projectp1_coder_context", "tenant one data", nil)
	require.NoError(t, err)

	hits, err := svc.Search(ctx, "useru2_projectp1_coder_context", "tenant one data", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestClearDropsCollection(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	svc := NewService(idx, NewHashEmbedder())

	_, err := svc.Add(ctx, "c1", "something to forget", nil)
	require.NoError(t, err)
	require.Equal(t, 1, idx.Count("c1"))

	require.NoError(t, svc.Clear(ctx, "c1"))
	assert.Equal(t, 0, idx.Count("c1"))

	hits, err := svc.Search(ctx, "c1", "something", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestScoreOrdersRelatedTextsFirst(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewIndex(), NewHashEmbedder())

	related, err := svc.Score(ctx, "write go code", "writes and reviews go code")
	require.NoError(t, err)
	unrelated, err := svc.Score(ctx, "write go code", "paints watercolor landscapes")
	require.NoError(t, err)
	assert.Greater(t, related, unrelated)
}
