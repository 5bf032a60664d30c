// Package provider defines the model-provider contracts used by the
// analysis engines, plus the shared error taxonomy and retry helper.
package provider

import "context"

// EmbeddingProvider turns text into embedding vectors. EmbedBatch returns
// one vector per input, in input order.
type EmbeddingProvider interface {
	Embed(ctx context.Context, model, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, model string, texts []string) ([][]float32, error)
}

// Message is one turn of a chat exchange.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Schema describes the expected JSON output structure for structured
// completions.
type Schema struct {
	Type       string                    `json:"type"`
	Properties map[string]SchemaProperty `json:"properties"`
	Required   []string                  `json:"required,omitempty"`
}

// SchemaProperty describes a single field within a Schema.
type SchemaProperty struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// LLMProvider generates completions. When schema is non-nil the provider
// requests structured JSON output matching it.
type LLMProvider interface {
	Complete(ctx context.Context, model string, messages []Message, schema *Schema) (string, error)
}
