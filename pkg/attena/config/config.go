// Package config loads the Attena YAML configuration with environment
// variable expansion, .env loading, and keyring-backed secrets.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/attena/attena/pkg/attena/agent"
	"github.com/attena/attena/pkg/attena/channels/whatsapp"
	"github.com/attena/attena/pkg/attena/coordinator"
	"github.com/attena/attena/pkg/attena/knowledge"
	"github.com/attena/attena/pkg/attena/scheduling"
)

// Config is the full application configuration.
type Config struct {
	Logging     LoggingConfig            `yaml:"logging"`
	Database    DatabaseConfig           `yaml:"database"`
	WhatsApp    whatsapp.Config          `yaml:"whatsapp"`
	LLM         agent.LLMConfig          `yaml:"llm"`
	Embeddings  knowledge.EmbedderConfig `yaml:"embeddings"`
	Scheduling  scheduling.Config        `yaml:"scheduling"`
	Coordinator coordinator.Config       `yaml:"coordinator"`
	Agent       AgentConfig              `yaml:"agent"`
	Maintenance MaintenanceConfig        `yaml:"maintenance"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// DatabaseConfig locates the application SQLite database.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AgentConfig holds reasoning engine settings outside the LLM wire
// config.
type AgentConfig struct {
	// Timezone is rendered into the system prompt, e.g. "Asia/Dubai".
	Timezone string `yaml:"timezone"`
}

// MaintenanceConfig controls the summarization catch-up sweep.
type MaintenanceConfig struct {
	// Schedule is a cron expression; empty disables the sweep.
	Schedule string `yaml:"schedule"`
}

// Default returns the baseline configuration that the YAML file
// overlays.
func Default() Config {
	return Config{
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Database: DatabaseConfig{Path: "./data/attena.db"},
		WhatsApp: whatsapp.DefaultConfig(),
		LLM: agent.LLMConfig{
			BaseURL:   "https://generativelanguage.googleapis.com/v1beta/openai",
			Model:     "gemini-2.0-flash",
			MaxTokens: 1024,
		},
		Agent:       AgentConfig{Timezone: "Asia/Dubai"},
		Maintenance: MaintenanceConfig{Schedule: "@hourly"},
	}
}

// envVarPattern matches ${VAR}, ${VAR:-default}, and ${VAR:?error}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*)|:\?([^}]*))?\}`)

// LoadFromFile reads, expands, and parses the configuration at path.
// .env and .env.local in the working directory are loaded first so
// their values are visible to ${VAR} expansion.
func LoadFromFile(path string, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	loadEnvFiles(logger)

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	checkFilePermissions(path, logger)

	expanded, err := expandEnvVars(string(raw))
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	resolveSecrets(&cfg, logger)
	resolveRelativePaths(&cfg, filepath.Dir(path))
	return &cfg, nil
}

func loadEnvFiles(logger *slog.Logger) {
	for _, name := range []string{".env.local", ".env"} {
		if err := godotenv.Load(name); err == nil {
			logger.Debug("loaded env file", "file", name)
		}
	}
}

// expandEnvVars substitutes ${VAR} references. ${VAR:?message} fails
// loading when VAR is unset, ${VAR:-default} substitutes the default.
func expandEnvVars(s string) (string, error) {
	var expandErr error
	out := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name := groups[1]

		if val, ok := os.LookupEnv(name); ok && val != "" {
			return val
		}
		switch {
		case strings.HasPrefix(groups[2], ":-"):
			return groups[3]
		case strings.HasPrefix(groups[2], ":?"):
			msg := groups[4]
			if msg == "" {
				msg = "required environment variable not set"
			}
			expandErr = fmt.Errorf("%s: %s", name, msg)
			return ""
		default:
			return ""
		}
	})
	return out, expandErr
}

// resolveSecrets fills empty API keys from the OS keyring, then from
// well-known environment variables.
func resolveSecrets(cfg *Config, logger *slog.Logger) {
	cfg.LLM.APIKey = resolveSecret(cfg.LLM.APIKey, KeyLLMAPIKey, "LLM_API_KEY", logger)
	cfg.Embeddings.APIKey = resolveSecret(cfg.Embeddings.APIKey, KeyGoogleAPIKey, "GOOGLE_API_KEY", logger)
	cfg.Scheduling.APIKey = resolveSecret(cfg.Scheduling.APIKey, KeyCalAPIKey, "CAL_API_KEY", logger)
}

func resolveSecret(current, keyringKey, envName string, logger *slog.Logger) string {
	if current != "" {
		return current
	}
	if val, err := GetSecret(keyringKey); err == nil && val != "" {
		logger.Debug("secret resolved from keyring", "key", keyringKey)
		return val
	}
	return os.Getenv(envName)
}

func resolveRelativePaths(cfg *Config, baseDir string) {
	if cfg.Database.Path != "" && !filepath.IsAbs(cfg.Database.Path) {
		cfg.Database.Path = filepath.Join(baseDir, cfg.Database.Path)
	}
	if cfg.WhatsApp.DatabasePath != "" && !filepath.IsAbs(cfg.WhatsApp.DatabasePath) {
		cfg.WhatsApp.DatabasePath = filepath.Join(baseDir, cfg.WhatsApp.DatabasePath)
	}
}

// checkFilePermissions warns when the config file is readable by other
// users, since it may carry API keys.
func checkFilePermissions(path string, logger *slog.Logger) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if info.Mode().Perm()&0o044 != 0 {
		logger.Warn("config file is readable by other users, consider chmod 600", "path", path)
	}
}

// SaveToFile writes the configuration as YAML with owner-only
// permissions.
func SaveToFile(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}
