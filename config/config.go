// Package config loads the daemon configuration from the process
// environment, with optional .env overlay.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/synaptic-labs/synapse/toolpool"
)

// Config is the daemon's runtime configuration.
type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string

	// RedisURL selects the shared stream cache. Empty runs the in-memory
	// cache, which serves a single process only.
	RedisURL string

	// MongoURI selects the document store. Empty falls back to SQLite at
	// SQLitePath.
	MongoURI      string
	MongoDatabase string
	SQLitePath    string

	// KeySecret seals neuron API keys at rest. Empty disables encryption.
	KeySecret string

	// SystemPrompt is the process-wide prompt injected into every request.
	SystemPrompt string
	// DefaultGraphID overrides the built-in system default workflow.
	DefaultGraphID string

	// MaxContextTokens and SummaryCushionTokens are the context window
	// budgets the orchestrator forwards to the history server.
	MaxContextTokens     int
	SummaryCushionTokens int

	// ToolServers configures the tool process pool.
	ToolServers []toolpool.ServerConfig
}

// FromEnv builds the configuration. A .env file in the working directory is
// loaded first when present; real environment variables win over it.
func FromEnv() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:           envOr("SYNAPSE_LISTEN_ADDR", ":8080"),
		RedisURL:             os.Getenv("SYNAPSE_REDIS_URL"),
		MongoURI:             os.Getenv("SYNAPSE_MONGO_URI"),
		MongoDatabase:        envOr("SYNAPSE_MONGO_DB", "synapse"),
		SQLitePath:           envOr("SYNAPSE_SQLITE_PATH", "synapse.db"),
		KeySecret:            os.Getenv("SYNAPSE_KEY_SECRET"),
		SystemPrompt:         os.Getenv("SYSTEM_PROMPT"),
		DefaultGraphID:       os.Getenv("SYNAPSE_DEFAULT_GRAPH_ID"),
		MaxContextTokens:     8000,
		SummaryCushionTokens: 1000,
	}

	var err error
	if cfg.MaxContextTokens, err = envInt("MAX_CONTEXT_TOKENS", cfg.MaxContextTokens); err != nil {
		return nil, err
	}
	if cfg.SummaryCushionTokens, err = envInt("SUMMARY_CUSHION_TOKENS", cfg.SummaryCushionTokens); err != nil {
		return nil, err
	}

	if raw := os.Getenv("SYNAPSE_TOOL_SERVERS"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.ToolServers); err != nil {
			return nil, fmt.Errorf("SYNAPSE_TOOL_SERVERS: %w", err)
		}
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
