package vocabulary

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"manifold/internal/kg/vocabulary/memvocab"
)

func TestMergeRewritesEdgesAndRecordsSynonym(t *testing.T) {
	store := memvocab.New()
	store.SeedEdge("A", "B", "OLD_TYPE")
	store.SeedEdge("C", "D", "OLD_TYPE")
	require.NoError(t, store.Add(context.Background(), Entry{RelType: "OLD_TYPE", IsBuiltin: false}))
	require.NoError(t, store.Add(context.Background(), Entry{RelType: "CANON", IsBuiltin: false}))

	m := New(store, nil)
	require.NoError(t, m.Merge(context.Background(), "OLD_TYPE", "CANON", "duplicate of CANON", "curator"))

	require.Equal(t, 0, store.EdgesOfType("OLD_TYPE"))
	require.Equal(t, 2, store.EdgesOfType("CANON"))

	entry, ok, err := store.Get(context.Background(), "OLD_TYPE")
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, entry.IsActive)

	canon, ok, err := store.Get(context.Background(), "CANON")
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, canon.Synonyms, "OLD_TYPE")

	audit := store.Audit()
	require.Len(t, audit, 1)
	require.Equal(t, "merge", audit[0].Action)
}

func TestPruneDropsEdgesWithoutFabricatingATarget(t *testing.T) {
	store := memvocab.New()
	store.SeedEdge("A", "B", "RARE_TYPE")
	require.NoError(t, store.Add(context.Background(), Entry{RelType: "RARE_TYPE", IsBuiltin: false}))

	m := New(store, nil)
	require.NoError(t, m.Prune(context.Background(), "RARE_TYPE", "low value score", "vocabulary-manager"))

	require.Equal(t, 0, store.EdgesOfType("RARE_TYPE"))

	entry, ok, err := store.Get(context.Background(), "RARE_TYPE")
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, entry.IsActive)

	_, ok, err = store.Get(context.Background(), "PRUNED")
	require.NoError(t, err)
	require.False(t, ok, "prune must not fabricate an active PRUNED bucket type")

	audit := store.Audit()
	require.Len(t, audit, 1)
	require.Equal(t, "prune", audit[0].Action)
}

func TestExecuteAutoApprovedPrunesRatherThanMerging(t *testing.T) {
	store := memvocab.New()
	store.SeedEdge("X", "Y", "LOW_VALUE")
	require.NoError(t, store.Add(context.Background(), Entry{RelType: "LOW_VALUE", IsBuiltin: false}))

	m := New(store, nil)
	executed, err := m.ExecuteAutoApproved(context.Background(), []Recommendation{
		{Kind: RecommendPrune, From: "LOW_VALUE", ReviewLevel: ReviewNone, Status: "pending"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, executed)
	require.Equal(t, 0, store.EdgesOfType("LOW_VALUE"))

	_, ok, err := store.Get(context.Background(), "PRUNED")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestZoneOfBoundaries(t *testing.T) {
	th := DefaultThresholds()
	require.Equal(t, ZoneGreen, ZoneOf(10, th))
	require.Equal(t, ZoneWatch, ZoneOf(50, th))
	require.Equal(t, ZoneDanger, ZoneOf(100, th))
	require.Equal(t, ZoneEmergency, ZoneOf(250, th))
}

func TestAggressivenessMonotonic(t *testing.T) {
	th := DefaultThresholds()
	c := Curve{Profile: ProfileBalanced}
	require.Equal(t, 0.0, c.Aggressiveness(th.Min, th))
	require.Equal(t, 1.0, c.Aggressiveness(th.Emergency, th))
	mid := c.Aggressiveness((th.Min+th.Emergency)/2, th)
	require.Greater(t, mid, 0.0)
	require.Less(t, mid, 1.0)
}

func TestGenerateRecommendationsSkipsBuiltinPairs(t *testing.T) {
	store := memvocab.New()
	require.NoError(t, store.Add(context.Background(), Entry{RelType: "CAUSES", IsBuiltin: true, Embedding: []float32{1, 0, 0}}))
	require.NoError(t, store.Add(context.Background(), Entry{RelType: "LEADS_TO", IsBuiltin: true, Embedding: []float32{1, 0, 0}}))

	m := New(store, nil)
	recs, err := m.GenerateRecommendations(context.Background())
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestGenerateRecommendationsProposesMergeForNearDuplicateCustomTypes(t *testing.T) {
	store := memvocab.New()
	require.NoError(t, store.Add(context.Background(), Entry{RelType: "SUPPORTS_CLAIM", IsBuiltin: false, Embedding: []float32{1, 0, 0}}))
	require.NoError(t, store.Add(context.Background(), Entry{RelType: "BACKS_CLAIM", IsBuiltin: false, Embedding: []float32{0.999, 0.001, 0}}))

	m := New(store, nil)
	recs, err := m.GenerateRecommendations(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, recs)
	require.Equal(t, RecommendMerge, recs[0].Kind)
}
