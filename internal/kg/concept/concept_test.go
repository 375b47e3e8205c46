package concept

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"manifold/internal/kg/capability"
	"manifold/internal/kg/graphstore"
	"manifold/internal/kg/graphstore/memgraph"
)

func TestMatchReturnsNewConceptWhenGraphEmpty(t *testing.T) {
	g := memgraph.New(nil)
	emb := capability.NewDeterministicEmbedder(32, true, 1)
	m := New(g, emb, 5)

	dec, _, err := m.Match(context.Background(), graphstore.Proto{Label: "Zhuangzi"}, "X", DefaultIngestThreshold)
	require.NoError(t, err)
	require.Equal(t, DecisionNewConcept, dec.Kind)
}

func TestMatchLinksIdenticalLabel(t *testing.T) {
	g := memgraph.New(nil)
	emb := capability.NewDeterministicEmbedder(32, true, 1)
	m := New(g, emb, 5)
	ctx := context.Background()

	vec, err := emb.Embed(ctx, EmbedText("Zhuangzi", nil))
	require.NoError(t, err)

	tx, err := g.BeginTx(ctx)
	require.NoError(t, err)
	id, err := tx.UpsertConcept(ctx, "X", graphstore.Proto{Label: "Zhuangzi"}, vec)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	dec, _, err := m.Match(ctx, graphstore.Proto{Label: "Zhuangzi"}, "X", DefaultIngestThreshold)
	require.NoError(t, err)
	require.Equal(t, DecisionLink, dec.Kind)
	require.Equal(t, id, dec.ConceptID)
}
