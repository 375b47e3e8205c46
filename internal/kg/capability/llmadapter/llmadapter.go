// Package llmadapter binds the capability.Extractor and
// capability.VisionExtractor ports to the teacher's internal/llm.Provider
// abstraction, so the concrete Anthropic/OpenAI/Google client is a config
// choice rather than a code fork, matching
// internal/llm/providers/factory.go's provider-selection pattern.
package llmadapter

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"manifold/internal/kg/capability"
	"manifold/internal/kg/kgerr"
	"manifold/internal/llm"
)

// Extractor adapts an llm.Provider into a capability.Extractor by prompting
// for a strict JSON extraction contract and parsing the response.
type Extractor struct {
	provider llm.Provider
	model    string
}

// NewExtractor binds provider/model to the Extractor port.
func NewExtractor(provider llm.Provider, model string) *Extractor {
	return &Extractor{provider: provider, model: model}
}

type extractionWire struct {
	Concepts []struct {
		Label          string   `json:"label"`
		Description    string   `json:"description,omitempty"`
		SearchTerms    []string `json:"search_terms"`
		EvidenceQuotes []string `json:"evidence_quotes"`
	} `json:"concepts"`
	Relationships []struct {
		FromLabel  string  `json:"from_label"`
		ToLabel    string  `json:"to_label"`
		RelType    string  `json:"rel_type"`
		Confidence float64 `json:"confidence"`
		Category   string  `json:"category,omitempty"`
	} `json:"relationships"`
}

const extractionSystemPrompt = `You extract semantic concepts and typed relationships from a chunk of text.
Respond with a single JSON object matching exactly:
{"concepts":[{"label":string,"description":string,"search_terms":[string],"evidence_quotes":[string]}],
 "relationships":[{"from_label":string,"to_label":string,"rel_type":string,"confidence":number,"category":string}]}
Evidence quotes must be verbatim substrings of the input chunk. Never invent ids, only labels.
Use recent_concepts as background context for continuity; do not repeat them unless they reappear in the chunk.`

func (e *Extractor) Extract(ctx context.Context, text string, graphCtx capability.GraphContext) (capability.ExtractionResult, error) {
	prompt := fmt.Sprintf("recent_concepts: %v\n\nchunk:\n%s", graphCtx.RecentConceptLabels, text)
	msgs := []llm.Message{
		{Role: "system", Content: extractionSystemPrompt},
		{Role: "user", Content: prompt},
	}

	resp, err := e.provider.Chat(ctx, msgs, nil, e.model)
	if err != nil {
		return capability.ExtractionResult{}, kgerr.New(kgerr.CapabilityTransient, "extractor chat call failed", err)
	}

	var wire extractionWire
	if err := json.Unmarshal([]byte(resp.Content), &wire); err != nil {
		return capability.ExtractionResult{}, kgerr.New(kgerr.CapabilityPermanent, "extractor returned non-conforming JSON", err)
	}

	var out capability.ExtractionResult
	for _, c := range wire.Concepts {
		out.Concepts = append(out.Concepts, capability.ExtractedConcept{
			Label: c.Label, Description: c.Description,
			SearchTerms: c.SearchTerms, EvidenceQuotes: c.EvidenceQuotes,
		})
	}
	for _, r := range wire.Relationships {
		out.Relationships = append(out.Relationships, capability.ExtractedRelationship{
			FromLabel: r.FromLabel, ToLabel: r.ToLabel, RelType: r.RelType,
			Confidence: r.Confidence, Category: r.Category,
		})
	}
	return out, nil
}

// VisionExtractor adapts an llm.Provider into a capability.VisionExtractor
// by embedding the image as an inline data URL in the user message, the
// same way the teacher's chat handlers attach image payloads.
type VisionExtractor struct {
	provider llm.Provider
	model    string
}

func NewVisionExtractor(provider llm.Provider, model string) *VisionExtractor {
	return &VisionExtractor{provider: provider, model: model}
}

func (v *VisionExtractor) Describe(ctx context.Context, imageBytes []byte, contentType string) (string, error) {
	dataURL := fmt.Sprintf("data:%s;base64,%s", contentType, base64.StdEncoding.EncodeToString(imageBytes))
	msgs := []llm.Message{
		{Role: "system", Content: "Describe the image in prose suitable for downstream concept extraction."},
		{Role: "user", Content: dataURL},
	}
	resp, err := v.provider.Chat(ctx, msgs, nil, v.model)
	if err != nil {
		return "", kgerr.New(kgerr.CapabilityTransient, "vision extractor chat call failed", err)
	}
	return resp.Content, nil
}
