package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/attena/attena/pkg/attena/config"
)

func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive first-run configuration",
		Long: `Walks through the required settings and writes the configuration
file. API keys are stored in the OS keyring when one is available, so
they never land on disk.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSetup()
		},
	}
}

func runSetup() error {
	reader := bufio.NewReader(os.Stdin)
	cfg := config.Default()

	fmt.Println("Attena setup")
	fmt.Println("------------")

	cfg.LLM.BaseURL = prompt(reader, "LLM base URL", cfg.LLM.BaseURL)
	cfg.LLM.Model = prompt(reader, "LLM model", cfg.LLM.Model)
	cfg.Agent.Timezone = prompt(reader, "Time zone", cfg.Agent.Timezone)

	adminPhone := prompt(reader, "Admin phone for booking alerts (blank to skip)", "")
	if adminPhone != "" {
		cfg.Coordinator.AdminJID = normalizePhone(adminPhone) + "@s.whatsapp.net"
	}

	useKeyring := config.KeyringAvailable()
	if useKeyring {
		fmt.Println("\nOS keyring detected, keys will be stored there.")
	} else {
		fmt.Println("\nNo OS keyring available, keys will be written to the config file.")
	}

	secrets := []struct {
		label      string
		keyringKey string
		dest       *string
	}{
		{"LLM API key", config.KeyLLMAPIKey, &cfg.LLM.APIKey},
		{"Google API key (embeddings)", config.KeyGoogleAPIKey, &cfg.Embeddings.APIKey},
		{"Cal.com API key", config.KeyCalAPIKey, &cfg.Scheduling.APIKey},
	}
	for _, s := range secrets {
		val, err := promptSecret(s.label)
		if err != nil {
			return err
		}
		if val == "" {
			continue
		}
		if useKeyring {
			if err := config.SetSecret(s.keyringKey, val); err != nil {
				fmt.Printf("  keyring write failed (%v), storing in config file\n", err)
				*s.dest = val
			}
		} else {
			*s.dest = val
		}
	}

	if err := config.SaveToFile(&cfg, configPath); err != nil {
		return err
	}

	fmt.Printf("\nConfiguration written to %s\n", configPath)
	fmt.Println("Run `attena serve` and scan the QR code to link WhatsApp.")
	return nil
}

func prompt(reader *bufio.Reader, label, defaultValue string) string {
	if defaultValue != "" {
		fmt.Printf("%s [%s]: ", label, defaultValue)
	} else {
		fmt.Printf("%s: ", label)
	}
	line, err := reader.ReadString('\n')
	if err != nil {
		return defaultValue
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return defaultValue
	}
	return line
}

func promptSecret(label string) (string, error) {
	fmt.Printf("%s (input hidden, blank to skip): ", label)
	data, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", label, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// normalizePhone strips everything but digits.
func normalizePhone(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}
