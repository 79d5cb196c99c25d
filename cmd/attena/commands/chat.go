package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/attena/attena/pkg/attena/agent"
	"github.com/attena/attena/pkg/attena/knowledge"
	"github.com/attena/attena/pkg/attena/scheduling"
	"github.com/attena/attena/pkg/attena/store"
)

func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Talk to the engine locally, without WhatsApp",
		Long: `Opens a local REPL against the reasoning engine using the same
configuration as serve. Useful for testing prompts, knowledge retrieval,
and the booking tools before going live. History is kept in memory only.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat()
		},
	}
}

func runChat() error {
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

	loc, err := time.LoadLocation(cfg.Agent.Timezone)
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", cfg.Agent.Timezone, err)
	}

	embedder := knowledge.NewGeminiEmbedder(cfg.Embeddings)
	retriever := knowledge.NewRetriever(st, embedder, logger)
	llm := agent.NewLLMClient(cfg.LLM, logger)
	scheduler := scheduling.New(cfg.Scheduling, logger)
	engine := agent.NewEngine(llm, scheduler, retriever, loc, logger)

	rl, err := readline.New("you> ")
	if err != nil {
		return fmt.Errorf("initializing readline: %w", err)
	}
	defer rl.Close()

	fmt.Println("Attena local chat. Ctrl+D to exit.")

	var history []agent.Turn
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if line == "" {
			continue
		}

		reply := engine.GenerateReply(ctx, agent.Request{
			History:  history,
			UserText: line,
		})
		fmt.Printf("attena> %s\n", reply.Text)

		history = append(history,
			agent.Turn{Role: "user", Text: line},
			agent.Turn{Role: "assistant", Text: reply.Text},
		)
	}
}
