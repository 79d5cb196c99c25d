// Package ingest populates the knowledge store: it splits documents
// into fixed-size chunks, batch-embeds them, and upserts the results.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/attena/attena/pkg/attena/knowledge"
	"github.com/attena/attena/pkg/attena/store"
)

// chunkSize is the maximum chunk length in runes.
const chunkSize = 1000

// minReadableChars is the minimum document length worth ingesting.
const minReadableChars = 10

// ChunkStore persists ingested chunks.
type ChunkStore interface {
	UpsertKnowledgeChunk(ctx context.Context, c store.KnowledgeChunk) error
}

// Pipeline ingests documents into the knowledge store.
type Pipeline struct {
	store    ChunkStore
	embedder knowledge.Embedder
	logger   *slog.Logger
}

// New creates an ingestion pipeline.
func New(st ChunkStore, embedder knowledge.Embedder, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:    st,
		embedder: embedder,
		logger:   logger.With("component", "ingest"),
	}
}

// IngestFile reads one document, chunks it, embeds the chunks, and
// upserts them keyed by (filename, position). Returns the chunk count.
func (p *Pipeline) IngestFile(ctx context.Context, path string) (int, error) {
	text, err := extractText(path)
	if err != nil {
		return 0, err
	}
	if len(strings.TrimSpace(text)) < minReadableChars {
		p.logger.Warn("skipping file, no readable text", "file", path)
		return 0, nil
	}

	chunks := splitChunks(text, chunkSize)
	p.logger.Info("embedding document", "file", path, "chunks", len(chunks))

	vectors, err := p.embedder.Embed(ctx, chunks)
	if err != nil {
		return 0, fmt.Errorf("embedding %s: %w", path, err)
	}

	source := filepath.Base(path)
	for i, chunk := range chunks {
		var vec []float32
		if i < len(vectors) {
			vec = vectors[i]
		}
		err := p.store.UpsertKnowledgeChunk(ctx, store.KnowledgeChunk{
			Source:    source,
			Position:  i,
			Content:   chunk,
			Embedding: vec,
		})
		if err != nil {
			return i, fmt.Errorf("storing chunk %d of %s: %w", i, path, err)
		}
	}

	return len(chunks), nil
}

// IngestDir ingests every supported file in a directory. Unsupported
// and unreadable files are skipped with a warning.
func (p *Pipeline) IngestDir(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("reading directory: %w", err)
	}

	total := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		n, err := p.IngestFile(ctx, path)
		if err != nil {
			p.logger.Warn("skipping file", "file", path, "error", err)
			continue
		}
		total += n
	}
	return total, nil
}

// extractText reads a document's text content. Plain text formats
// only; anything else is rejected.
func extractText(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md", ".csv":
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", path, err)
		}
		return string(data), nil
	default:
		return "", fmt.Errorf("unsupported file type: %s", path)
	}
}

// splitChunks cuts text into rune-safe blocks of at most size runes.
func splitChunks(text string, size int) []string {
	runes := []rune(text)
	var chunks []string
	for start := 0; start < len(runes); start += size {
		end := min(start+size, len(runes))
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
