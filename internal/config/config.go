// Package config loads the engine's immutable configuration snapshot:
// defaults, then an optional TOML file, then ATHANOR_* env overrides.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/athanor-ai/athanor"
)

type Config struct {
	Server    ServerConfig           `toml:"server"`
	Providers ProvidersConfig        `toml:"providers"`
	Database  DatabaseConfig         `toml:"database"`
	Sandbox   SandboxConfig          `toml:"sandbox"`
	Council   CouncilConfig          `toml:"council"`
	Observer  ObserverConfig         `toml:"observer"`
	Tiers     map[string]TierConfig  `toml:"tiers"`
	DevModels []string               `toml:"dev_models"`
	Agents    []AgentConfig          `toml:"agents"`
	Users     []UserConfig           `toml:"users"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
	// RateLimit is requests per user per minute at the HTTP surface.
	// Distinct from quota; zero disables the limiter.
	RateLimit int `toml:"rate_limit"`
}

type ProvidersConfig struct {
	// Default names the provider used when a request does not override it.
	Default      string `toml:"default"`
	DefaultModel string `toml:"default_model"`
	MaxTokens    int    `toml:"max_tokens"`

	Anthropic AnthropicConfig `toml:"anthropic"`
	OpenAI    OpenAIConfig    `toml:"openai"`
}

type AnthropicConfig struct {
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
}

type OpenAIConfig struct {
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
}

type DatabaseConfig struct {
	// Driver selects the substrate: "sqlite" or "postgres".
	Driver string `toml:"driver"`
	// Path is the SQLite file.
	Path string `toml:"path"`
	// URL is the Postgres connection string.
	URL string `toml:"url"`
}

type SandboxConfig struct {
	PythonBin      string `toml:"python_bin"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	Workspace      string `toml:"workspace"`
}

type CouncilConfig struct {
	MaxRounds            int     `toml:"max_rounds"`
	ConvergenceThreshold float64 `toml:"convergence_threshold"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// TierConfig is one tier's capability bundle as written in TOML.
type TierConfig struct {
	Limits           map[string]int64 `toml:"limits"`
	AllowedModels    []string         `toml:"allowed_models"`
	ToolsEnabled     bool             `toml:"tools_enabled"`
	MaxContextTokens int              `toml:"max_context_tokens"`
	Features         []string         `toml:"features"`
}

// UserConfig is one entry in the static bearer token table. Production
// deployments front the server with a real identity provider; the table
// covers development and single-operator installs.
type UserConfig struct {
	ID      string `toml:"id"`
	Token   string `toml:"token"`
	Tier    string `toml:"tier"`
	DevMode bool   `toml:"dev_mode"`
}

// AgentConfig is one persona definition.
type AgentConfig struct {
	ID           string   `toml:"id"`
	Name         string   `toml:"name"`
	SystemPrompt string   `toml:"system_prompt"`
	Tools        []string `toml:"tools"`
	DefaultModel string   `toml:"default_model"`
}

// Default returns a Config with all defaults applied, including a complete
// tier table.
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080", RateLimit: 60},
		Providers: ProvidersConfig{
			Default:      "anthropic",
			DefaultModel: "claude-sonnet-4-5",
			MaxTokens:    4096,
		},
		Database: DatabaseConfig{Driver: "sqlite", Path: "athanor.db"},
		Sandbox:  SandboxConfig{PythonBin: "python3", TimeoutSeconds: 30},
		Council:  CouncilConfig{MaxRounds: 5, ConvergenceThreshold: 0.8},
		Tiers: map[string]TierConfig{
			"trial": {
				Limits:           map[string]int64{"messages_total": 50, "messages_haiku": 50},
				AllowedModels:    []string{"claude-haiku-3-5"},
				ToolsEnabled:     false,
				MaxContextTokens: 8_000,
			},
			"seeker": {
				Limits:           map[string]int64{"messages_total": 500, "messages_haiku": 500, "messages_sonnet": 100},
				AllowedModels:    []string{"claude-haiku-3-5", "claude-sonnet-4-5"},
				ToolsEnabled:     true,
				MaxContextTokens: 32_000,
			},
			"alchemist": {
				Limits: map[string]int64{
					"messages_total": 2000, "messages_haiku": -1, "messages_sonnet": 1000,
					"messages_opus": 100, "council_sessions": 10, "council_rounds": 50,
					"music_generations": 20,
				},
				AllowedModels:    []string{"claude-haiku-3-5", "claude-sonnet-4-5", "claude-opus-4"},
				ToolsEnabled:     true,
				MaxContextTokens: 100_000,
				Features:         []string{"council", "music", "code_execution"},
			},
			"adept": {
				Limits: map[string]int64{
					"messages_total": 10_000, "messages_haiku": -1, "messages_sonnet": -1,
					"messages_opus": 1000, "council_sessions": 50, "council_rounds": 500,
					"music_generations": 100, "jam_sessions": 20,
				},
				AllowedModels:    []string{"claude-haiku-3-5", "claude-sonnet-4-5", "claude-opus-4"},
				ToolsEnabled:     true,
				MaxContextTokens: 200_000,
				Features:         []string{"council", "music", "jam", "code_execution"},
			},
			"opus": {
				Limits: map[string]int64{
					"messages_total": -1, "messages_haiku": -1, "messages_sonnet": -1,
					"messages_opus": -1, "council_sessions": -1, "council_rounds": -1,
					"music_generations": -1, "jam_sessions": -1, "training_jobs": 10,
				},
				AllowedModels:    []string{"claude-haiku-3-5", "claude-sonnet-4-5", "claude-opus-4"},
				ToolsEnabled:     true,
				MaxContextTokens: 200_000,
				Features:         []string{"council", "music", "jam", "training", "code_execution"},
			},
			"azothic": {
				Limits: map[string]int64{
					"messages_total": -1, "messages_haiku": -1, "messages_sonnet": -1,
					"messages_opus": -1, "council_sessions": -1, "council_rounds": -1,
					"music_generations": -1, "jam_sessions": -1, "training_jobs": -1,
					"vault_bytes": -1,
				},
				AllowedModels:    []string{"claude-haiku-3-5", "claude-sonnet-4-5", "claude-opus-4"},
				ToolsEnabled:     true,
				MaxContextTokens: 200_000,
				Features:         []string{"council", "music", "jam", "training", "code_execution", "dev_mode"},
			},
		},
		Agents: []AgentConfig{
			{
				ID:           "assistant",
				Name:         "Assistant",
				SystemPrompt: "You are a helpful assistant.",
				Tools:        []string{"calculator", "get_current_time", "http_fetch"},
			},
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins). A missing
// file falls back to defaults; a file that fails to parse is an error so a
// typo never degrades silently.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = "athanor.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	// Env overrides
	if v := os.Getenv("ATHANOR_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("ATHANOR_ANTHROPIC_API_KEY"); v != "" {
		cfg.Providers.Anthropic.APIKey = v
	}
	if v := os.Getenv("ATHANOR_OPENAI_API_KEY"); v != "" {
		cfg.Providers.OpenAI.APIKey = v
	}
	if v := os.Getenv("ATHANOR_DATABASE_URL"); v != "" {
		cfg.Database.Driver = "postgres"
		cfg.Database.URL = v
	}
	if v := os.Getenv("ATHANOR_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("ATHANOR_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg, nil
}

// TierPolicies converts the TOML tier table to the engine's policy types.
// Unknown tier names are skipped; unknown counters are carried verbatim.
func (c Config) TierPolicies() map[athanor.Tier]athanor.TierPolicy {
	out := make(map[athanor.Tier]athanor.TierPolicy, len(c.Tiers))
	for name, tc := range c.Tiers {
		tier := athanor.Tier(name)
		if !tier.Valid() {
			continue
		}
		limits := make(map[athanor.Counter]int64, len(tc.Limits))
		for k, v := range tc.Limits {
			limits[athanor.Counter(k)] = v
		}
		out[tier] = athanor.TierPolicy{
			Limits:           limits,
			AllowedModels:    tc.AllowedModels,
			ToolsEnabled:     tc.ToolsEnabled,
			MaxContextTokens: tc.MaxContextTokens,
			Features:         tc.Features,
		}
	}
	return out
}

// AgentCatalog converts the configured personas to the engine's catalog.
func (c Config) AgentCatalog() *athanor.AgentCatalog {
	agents := make([]athanor.Agent, 0, len(c.Agents))
	for _, a := range c.Agents {
		agents = append(agents, athanor.Agent{
			ID:           a.ID,
			Name:         a.Name,
			SystemPrompt: a.SystemPrompt,
			Tools:        a.Tools,
			DefaultModel: a.DefaultModel,
		})
	}
	return athanor.NewAgentCatalog(agents...)
}

// TokenTable builds the bearer token lookup for the static user table.
// Entries without a token are skipped.
func (c Config) TokenTable() map[string]athanor.User {
	out := make(map[string]athanor.User, len(c.Users))
	for _, u := range c.Users {
		if u.Token == "" {
			continue
		}
		out[u.Token] = athanor.User{ID: u.ID, Tier: athanor.Tier(u.Tier), DevMode: u.DevMode}
	}
	return out
}

// PricingOverrides converts the observer pricing table.
func (c Config) PricingOverrides() map[string]Pricing {
	out := make(map[string]Pricing, len(c.Observer.Pricing))
	for model, p := range c.Observer.Pricing {
		out[model] = Pricing{Input: p.Input, Output: p.Output}
	}
	return out
}

// Pricing is a per-million-token price pair, decoupled from the observer
// package so config stays dependency-light.
type Pricing struct {
	Input  float64
	Output float64
}
