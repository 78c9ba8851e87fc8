// Package config loads the demo binary's configuration: defaults, then a
// TOML file, then environment variables (env wins).
package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Telegram   TelegramConfig   `toml:"telegram"`
	Classifier LLMConfig        `toml:"classifier"`
	Agent      LLMConfig        `toml:"agent"`
	Embedding  EmbeddingConfig  `toml:"embedding"`
	Database   DatabaseConfig   `toml:"database"`
	Retriever  RetrieverConfig  `toml:"retriever"`
	Guardrail  GuardrailConfig  `toml:"guardrail"`
	Telemetry  TelemetryConfig  `toml:"telemetry"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
}

type TelegramConfig struct {
	Token         string `toml:"token"`
	AllowedUserID string `toml:"allowed_user_id"`
}

type LLMConfig struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
	APIKey   string `toml:"api_key"`
}

type EmbeddingConfig struct {
	Provider   string `toml:"provider"`
	Model      string `toml:"model"`
	Dimensions int    `toml:"dimensions"`
	APIKey     string `toml:"api_key"`
}

type DatabaseConfig struct {
	Backend     string `toml:"backend"` // "sqlite", "postgres", or "memory"
	SQLitePath  string `toml:"sqlite_path"`
	PostgresURL string `toml:"postgres_url"`
}

type RetrieverConfig struct {
	TopK          int     `toml:"top_k"`
	KeywordWeight float32 `toml:"keyword_weight"`
}

type GuardrailConfig struct {
	Enabled bool `toml:"enabled"`
}

type TelemetryConfig struct {
	Enabled     bool   `toml:"enabled"`
	ServiceName string `toml:"service_name"`
}

type OrchestratorConfig struct {
	MaxRetries              int  `toml:"max_retries"`
	MaxMessagePairsPerAgent int  `toml:"max_message_pairs_per_agent"`
	LogExecutionTimes       bool `toml:"log_execution_times"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Classifier: LLMConfig{Provider: "gemini", Model: "gemini-2.5-flash-lite"},
		Agent:      LLMConfig{Provider: "gemini", Model: "gemini-2.5-flash"},
		Embedding:  EmbeddingConfig{Provider: "gemini", Model: "gemini-embedding-001", Dimensions: 1536},
		Database:   DatabaseConfig{Backend: "sqlite", SQLitePath: "chorus.db"},
		Retriever:  RetrieverConfig{TopK: 5, KeywordWeight: 0.3},
		Orchestrator: OrchestratorConfig{
			MaxRetries:              0,
			MaxMessagePairsPerAgent: 10,
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "chorus.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	if v := os.Getenv("CHORUS_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("CHORUS_CLASSIFIER_API_KEY"); v != "" {
		cfg.Classifier.APIKey = v
	}
	if v := os.Getenv("CHORUS_AGENT_API_KEY"); v != "" {
		cfg.Agent.APIKey = v
	}
	if v := os.Getenv("CHORUS_EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("CHORUS_POSTGRES_URL"); v != "" {
		cfg.Database.PostgresURL = v
	}
	if os.Getenv("CHORUS_TELEMETRY_ENABLED") == "true" || os.Getenv("CHORUS_TELEMETRY_ENABLED") == "1" {
		cfg.Telemetry.Enabled = true
	}
	if os.Getenv("CHORUS_GUARDRAIL_ENABLED") == "true" || os.Getenv("CHORUS_GUARDRAIL_ENABLED") == "1" {
		cfg.Guardrail.Enabled = true
	}

	// Agent falls back to the classifier's provider/key when unset, so a
	// single API key covers both by default.
	if cfg.Agent.Provider == "" {
		cfg.Agent.Provider = cfg.Classifier.Provider
		cfg.Agent.Model = cfg.Classifier.Model
	}
	if cfg.Agent.APIKey == "" {
		cfg.Agent.APIKey = cfg.Classifier.APIKey
	}
	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = cfg.Classifier.APIKey
	}

	return cfg
}
