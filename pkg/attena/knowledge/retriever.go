package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/attena/attena/pkg/attena/store"
)

// topK is how many chunks are included in the assembled context.
const topK = 3

// ChunkSource provides the knowledge chunks to search over.
type ChunkSource interface {
	AllChunks(ctx context.Context) ([]store.KnowledgeChunk, error)
}

// Retriever finds reference text relevant to a query by embedding the
// query and ranking stored chunks by cosine similarity.
type Retriever struct {
	source   ChunkSource
	embedder Embedder
	logger   *slog.Logger
}

// NewRetriever creates a Retriever over the given chunk source.
func NewRetriever(source ChunkSource, embedder Embedder, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		source:   source,
		embedder: embedder,
		logger:   logger.With("component", "knowledge"),
	}
}

// RetrieveContext returns reference text relevant to query, each chunk
// prefixed with its source and joined by a visible separator. Retrieval
// is best-effort enrichment: every failure path returns an empty string,
// never an error.
func (r *Retriever) RetrieveContext(ctx context.Context, query string) string {
	if strings.TrimSpace(query) == "" {
		return ""
	}

	chunks, err := r.source.AllChunks(ctx)
	if err != nil {
		r.logger.Warn("knowledge lookup failed", "error", err)
		return ""
	}
	if len(chunks) == 0 {
		return ""
	}

	vectors, err := r.embedder.Embed(ctx, []string{query})
	if err != nil || len(vectors) == 0 {
		r.logger.Warn("query embedding failed", "error", err)
		return ""
	}
	queryVec := vectors[0]

	type scored struct {
		chunk store.KnowledgeChunk
		score float64
	}
	ranked := make([]scored, 0, len(chunks))
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			continue
		}
		ranked = append(ranked, scored{chunk: c, score: cosineSimilarity(queryVec, c.Embedding)})
	}
	if len(ranked) == 0 {
		return ""
	}

	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}

	parts := make([]string, len(ranked))
	for i, s := range ranked {
		parts[i] = fmt.Sprintf("[%s] %s", s.chunk.Source, s.chunk.Content)
	}
	return strings.Join(parts, "\n---\n")
}

// cosineSimilarity computes the cosine similarity between two vectors.
// Returns 0 for mismatched lengths or zero vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
