package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/attena/attena/pkg/attena/agent"
	"github.com/attena/attena/pkg/attena/channels/whatsapp"
	"github.com/attena/attena/pkg/attena/coordinator"
	"github.com/attena/attena/pkg/attena/knowledge"
	"github.com/attena/attena/pkg/attena/maintenance"
	"github.com/attena/attena/pkg/attena/scheduling"
	"github.com/attena/attena/pkg/attena/store"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect to WhatsApp and serve conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	loc, err := time.LoadLocation(cfg.Agent.Timezone)
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", cfg.Agent.Timezone, err)
	}

	embedder := knowledge.NewGeminiEmbedder(cfg.Embeddings)
	retriever := knowledge.NewRetriever(st, embedder, logger)
	llm := agent.NewLLMClient(cfg.LLM, logger)
	scheduler := scheduling.New(cfg.Scheduling, logger)
	engine := agent.NewEngine(llm, scheduler, retriever, loc, logger)

	wa := whatsapp.New(cfg.WhatsApp, logger)
	wa.OnQR(func(code string) {
		fmt.Fprintln(os.Stderr, "\nScan this code with WhatsApp (Linked Devices):")
		fmt.Fprintln(os.Stderr, code)
	})

	coord := coordinator.New(st, engine, wa, wa, cfg.Coordinator, logger)

	if cfg.Maintenance.Schedule != "" {
		sweeper := maintenance.New(st, coord, logger)
		if err := sweeper.Start(ctx, cfg.Maintenance.Schedule); err != nil {
			return err
		}
		defer sweeper.Stop()
	}

	if err := wa.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to WhatsApp: %w", err)
	}

	go coord.Run(ctx, wa)

	logger.Info("attena is live", "timezone", cfg.Agent.Timezone)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	cancel()

	done := make(chan struct{})
	go func() {
		wa.Disconnect()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out")
	}

	return nil
}
