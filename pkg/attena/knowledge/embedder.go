// Package knowledge implements reference-text retrieval for the agent:
// a Gemini embedding client and a cosine-similarity retriever over the
// ingested knowledge chunks.
package knowledge

import "context"

// Embedder generates embedding vectors for texts.
type Embedder interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the output vector dimensionality.
	Dimensions() int

	// Model returns the embedding model identifier.
	Model() string
}

// EmbedderConfig configures an embedding provider.
type EmbedderConfig struct {
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	BaseURL    string `yaml:"base_url"`
	Dimensions int    `yaml:"dimensions"`
}
