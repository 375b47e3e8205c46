package llmadapter_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"manifold/internal/kg/capability"
	"manifold/internal/kg/capability/llmadapter"
	"manifold/internal/llm"
)

type fakeProvider struct {
	reply llm.Message
	err   error
	seen  []llm.Message
}

func (f *fakeProvider) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string) (llm.Message, error) {
	f.seen = msgs
	return f.reply, f.err
}

func (f *fakeProvider) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, h llm.StreamHandler) error {
	return nil
}

func TestExtractParsesWellFormedJSON(t *testing.T) {
	provider := &fakeProvider{reply: llm.Message{Content: `{
		"concepts": [{"label": "Zhuangzi", "description": "philosopher", "search_terms": ["daoism"], "evidence_quotes": ["Zhuangzi dreamed"]}],
		"relationships": [{"from_label": "Zhuangzi", "to_label": "Butterfly", "rel_type": "DREAMED_OF", "confidence": 0.9, "category": "narrative"}]
	}`}}
	extractor := llmadapter.NewExtractor(provider, "gpt-test")

	res, err := extractor.Extract(context.Background(), "Zhuangzi dreamed he was a butterfly.", capability.GraphContext{
		RecentConceptLabels: []string{"Daoism"},
	})
	require.NoError(t, err)
	require.Len(t, res.Concepts, 1)
	require.Equal(t, "Zhuangzi", res.Concepts[0].Label)
	require.Len(t, res.Relationships, 1)
	require.Equal(t, "DREAMED_OF", res.Relationships[0].RelType)
	require.Len(t, provider.seen, 2)
}

func TestExtractFailsOnNonConformingJSON(t *testing.T) {
	provider := &fakeProvider{reply: llm.Message{Content: "not json"}}
	extractor := llmadapter.NewExtractor(provider, "gpt-test")

	_, err := extractor.Extract(context.Background(), "text", capability.GraphContext{})
	require.Error(t, err)
}

func TestDescribeEmbedsImageAsDataURL(t *testing.T) {
	provider := &fakeProvider{reply: llm.Message{Content: "a photo of a cat"}}
	vision := llmadapter.NewVisionExtractor(provider, "gpt-vision")

	desc, err := vision.Describe(context.Background(), []byte{0xFF, 0xD8}, "image/jpeg")
	require.NoError(t, err)
	require.Equal(t, "a photo of a cat", desc)
	require.Len(t, provider.seen, 2)
	require.Contains(t, provider.seen[1].Content, "data:image/jpeg;base64,")
}
