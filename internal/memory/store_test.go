package memory

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewStoreWithClient(client, time.Hour, zap.NewNop()), mr
}

func TestStoreAndGetRecent(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	for _, q := range []string{"first", "second", "third"} {
		kept, err := store.StoreTurn(ctx, "s1", Turn{
			UserQuery: "what is the formula of Dopamine, " + q,
			Answer:    "C8H11NO2",
			Source:    "graph",
		})
		require.NoError(t, err)
		assert.True(t, kept)
	}

	recent, err := store.GetRecent(ctx, "s1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Contains(t, recent[0].UserQuery, "second")
	assert.Contains(t, recent[1].UserQuery, "third")
}

func TestStoreTurnFiltersEmptyAndFailed(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	kept, err := store.StoreTurn(ctx, "s1", Turn{UserQuery: "q", Answer: "  "})
	require.NoError(t, err)
	assert.False(t, kept)

	kept, err = store.StoreTurn(ctx, "s1", Turn{
		UserQuery: "q", Answer: "something", Tags: []string{"failed"},
	})
	require.NoError(t, err)
	assert.False(t, kept)

	recent, err := store.GetRecent(ctx, "s1", 10)
	require.NoError(t, err)
	assert.Empty(t, recent)
}

func TestStoreTurnExtractsEntityFromQuery(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	kept, err := store.StoreTurn(ctx, "s1", Turn{
		UserQuery: "tell me about HMDB0000073",
		Answer:    "Dopamine is a neurotransmitter.",
		Source:    "graph",
	})
	require.NoError(t, err)
	require.True(t, kept)

	recent, err := store.GetRecent(ctx, "s1", 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.NotEmpty(t, recent[0].Entity)
	assert.NotEmpty(t, recent[0].Tags)
}

func TestFindRelevantRanksEntityOverlapFirst(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	_, err := store.StoreTurn(ctx, "s1", Turn{
		UserQuery: "what is the chemical formula of citric acid",
		Answer:    "C6H8O7",
		Entity:    "citric acid",
		Source:    "graph",
	})
	require.NoError(t, err)
	_, err = store.StoreTurn(ctx, "s1", Turn{
		UserQuery: "list pathways involving Glucose",
		Answer:    "Glycolysis, gluconeogenesis.",
		Entity:    "Glucose",
		Source:    "graph",
	})
	require.NoError(t, err)

	relevant, err := store.FindRelevant(ctx, "s1", "please report known concentration measurements of citric acid in blood", 0.1)
	require.NoError(t, err)
	require.NotEmpty(t, relevant)
	assert.Equal(t, "citric acid", relevant[0].Entity)
	assert.Greater(t, relevant[0].Components["entity_match"], 0.0)
}

func TestFindRelevantAmbiguousFollowupPrefersRecent(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	_, err := store.StoreTurn(ctx, "s1", Turn{
		UserQuery: "what is the chemical formula of Glucose",
		Answer:    "C6H12O6",
		Entity:    "Glucose",
		Source:    "graph",
	})
	require.NoError(t, err)
	_, err = store.StoreTurn(ctx, "s1", Turn{
		UserQuery: "what is the chemical formula of Dopamine",
		Answer:    "C8H11NO2",
		Entity:    "Dopamine",
		Source:    "graph",
	})
	require.NoError(t, err)

	// A short follow-up leans on recency, not entity overlap.
	relevant, err := store.FindRelevant(ctx, "s1", "what about its pathways", 0.1)
	require.NoError(t, err)
	require.NotEmpty(t, relevant)
	assert.Equal(t, "Dopamine", relevant[0].Entity)
	assert.Contains(t, relevant[0].Components, "ambiguity_boost")
}

func TestFindRelevantMismatchPenalty(t *testing.T) {
	_, components := relevanceScore(
		"give me molecular structure details of stearic acid please now today",
		Turn{UserQuery: "what is the chemical formula of Glucose", Entity: "Glucose"},
		0, 1,
	)
	assert.Contains(t, components, "entity_mismatch")
	assert.Equal(t, mismatchPenalty, components["entity_mismatch"])
}

func TestClearRemovesSession(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	_, err := store.StoreTurn(ctx, "s1", Turn{UserQuery: "q", Answer: "a", Source: "llm"})
	require.NoError(t, err)

	existed, err := store.Clear(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = store.Clear(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, existed)

	recent, err := store.GetRecent(ctx, "s1", 10)
	require.NoError(t, err)
	assert.Empty(t, recent)
}

func TestSessionDocumentExpires(t *testing.T) {
	store, mr := testStore(t)
	ctx := context.Background()

	_, err := store.StoreTurn(ctx, "s1", Turn{UserQuery: "q", Answer: "a", Source: "llm"})
	require.NoError(t, err)

	mr.FastForward(2 * time.Hour)

	recent, err := store.GetRecent(ctx, "s1", 10)
	require.NoError(t, err)
	assert.Empty(t, recent)
}

func TestCreateSessionAllocatesID(t *testing.T) {
	store, _ := testStore(t)
	id, err := store.CreateSession(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	recent, err := store.GetRecent(context.Background(), id, 10)
	require.NoError(t, err)
	assert.Empty(t, recent)
}
