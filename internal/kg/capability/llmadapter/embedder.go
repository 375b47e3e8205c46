package llmadapter

import (
	"context"

	"manifold/internal/kg/kgerr"
	"manifold/internal/llm"
)

// Embedder adapts the teacher's internal/llm.FetchEmbeddings HTTP client
// into the capability.Embedder port (single-text batch, one request per
// call, matching the rate-limited single-item calls
// internal/rag/embedder/embedder.go uses to avoid llama.cpp batching
// issues).
type Embedder struct {
	host   string
	apiKey string
	model  string
	dim    int
}

// NewEmbedder binds an embedding endpoint/model/dimension to the port.
func NewEmbedder(host, apiKey, model string, dim int) *Embedder {
	return &Embedder{host: host, apiKey: apiKey, model: model, dim: dim}
}

func (e *Embedder) Dimension() int { return e.dim }

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	req := llm.EmbeddingRequest{Input: []string{text}, Model: e.model, EncodingFormat: "float"}
	vecs, err := llm.FetchEmbeddings(e.host, req, e.apiKey)
	if err != nil {
		return nil, kgerr.New(kgerr.CapabilityTransient, "embed call failed", err)
	}
	if len(vecs) == 0 {
		return nil, kgerr.New(kgerr.CapabilityPermanent, "embed call returned no vectors", nil)
	}
	return vecs[0], nil
}
