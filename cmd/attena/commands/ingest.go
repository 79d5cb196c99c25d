package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/attena/attena/pkg/attena/ingest"
	"github.com/attena/attena/pkg/attena/knowledge"
	"github.com/attena/attena/pkg/attena/store"
)

func newIngestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <file-or-directory>...",
		Short: "Embed documents into the knowledge store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(args)
		},
	}
}

func runIngest(paths []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()

	st, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	embedder := knowledge.NewGeminiEmbedder(cfg.Embeddings)
	pipeline := ingest.New(st, embedder, logger)

	total := 0
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}

		var n int
		if info.IsDir() {
			n, err = pipeline.IngestDir(ctx, path)
		} else {
			n, err = pipeline.IngestFile(ctx, path)
		}
		if err != nil {
			return err
		}
		total += n
	}

	fmt.Printf("Ingested %d chunks from %d path(s).\n", total, len(paths))
	return nil
}
