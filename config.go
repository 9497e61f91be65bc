package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// RetryConfig tunes the transport's retry behaviour. It is passed into
// the client at construction so tests can override delays without
// touching process-wide state.
type RetryConfig struct {
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// DefaultRetryConfig returns the production retry tuning: 3 retries
// (4 attempts total) with 1s/2x/30s exponential backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
	}
}

// Config holds all runtime configuration. It is read-only after
// LoadConfig returns; the council, transport and store each receive it
// (or a slice of it) at construction.
type Config struct {
	OpenRouterAPIKey string
	OpenRouterAPIURL string

	CouncilModels []string
	ChairmanModel string
	TitleModel    string
	SummaryModel  string

	// Light mode runs a smaller slate of fast models and skips Stage 2;
	// requests opt in per message.
	LightCouncilModels []string
	LightChairmanModel string

	// QuickMode skips Stage 2 (peer ranking) for every turn; individual
	// requests can also opt in per message.
	QuickMode bool

	// RankSelf controls whether a ranking model sees its own Stage-1
	// response among the candidates it ranks.
	RankSelf bool

	// CustomInstructions, when set, is prepended to every prompt.
	CustomInstructions string

	Retry             RetryConfig
	ModelQueryTimeout time.Duration
	TitleGenTimeout   time.Duration
	TitleWaitBound    time.Duration

	DataDir string

	CORSAllowedOrigins []string
	MaxRequestBodySize int64

	// Rate limit for the message endpoints, per client IP.
	RateLimitPerMinute int
	RateLimitBurst     int

	PageCacheTTL time.Duration

	// History shaping for multi-turn conversations.
	MaxHistoryExchanges    int
	SummarizationThreshold int
	RecentExchangesToKeep  int
	HistoryTokenBudget     int
}

// councilFile is the YAML shape of an optional council.yaml overriding
// the model slate and policy flags.
type councilFile struct {
	CouncilModels      []string     `yaml:"council_models"`
	ChairmanModel      string       `yaml:"chairman_model"`
	TitleModel         string       `yaml:"title_model"`
	SummaryModel       string       `yaml:"summary_model"`
	LightCouncilModels []string     `yaml:"light_council_models"`
	LightChairmanModel string       `yaml:"light_chairman_model"`
	QuickMode          *bool        `yaml:"quick_mode"`
	RankSelf           *bool        `yaml:"rank_self"`
	CustomInstructions string       `yaml:"custom_instructions"`
	DataDir            string       `yaml:"data_dir"`
	Retry              *RetryConfig `yaml:"retry"`
}

// DefaultConfig returns the built-in configuration without reading the
// environment. The model slate matches the production council.
func DefaultConfig() *Config {
	return &Config{
		OpenRouterAPIURL: "https://openrouter.ai/api/v1/chat/completions",
		CouncilModels: []string{
			"openai/gpt-5.1",
			"google/gemini-3-pro-preview",
			"anthropic/claude-sonnet-4.5",
			"x-ai/grok-4",
		},
		ChairmanModel: "google/gemini-3-pro-preview",
		TitleModel:    "google/gemini-2.5-flash",
		SummaryModel:  "google/gemini-2.5-flash",
		LightCouncilModels: []string{
			"google/gemini-2.5-flash",
			"anthropic/claude-haiku-4.5",
			"x-ai/grok-4-fast",
		},
		LightChairmanModel: "google/gemini-2.5-flash",
		RankSelf:           true,

		Retry:             DefaultRetryConfig(),
		ModelQueryTimeout: 120 * time.Second,
		TitleGenTimeout:   30 * time.Second,
		TitleWaitBound:    10 * time.Second,

		DataDir:            "data/conversations",
		MaxRequestBodySize: 1 << 20,
		RateLimitPerMinute: 10,
		RateLimitBurst:     3,
		PageCacheTTL:       5 * time.Minute,

		MaxHistoryExchanges:    5,
		SummarizationThreshold: 8,
		RecentExchangesToKeep:  3,
		HistoryTokenBudget:     4000,
	}
}

// LoadConfig builds the runtime configuration: defaults, then an
// optional council.yaml, then environment variables (.env aware).
// Returns an error if the OpenRouter API key is missing.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	// Load .env file - try multiple locations
	envLocations := []string{
		".env",    // Current directory
		"../.env", // Parent directory
	}

	envLoaded := false
	for _, envPath := range envLocations {
		absPath, err := filepath.Abs(envPath)
		if err != nil {
			continue
		}
		if _, err := os.Stat(absPath); err == nil {
			if err := godotenv.Load(absPath); err == nil {
				log.Info("loaded .env", "path", absPath)
				envLoaded = true
				break
			}
		}
	}
	if !envLoaded {
		log.Warn(".env file not found in any expected location")
	}

	// Optional council.yaml (path overridable via COUNCIL_CONFIG)
	yamlPath := os.Getenv("COUNCIL_CONFIG")
	if yamlPath == "" {
		yamlPath = "council.yaml"
	}
	if err := cfg.applyCouncilFile(yamlPath); err != nil {
		return nil, err
	}

	cfg.OpenRouterAPIKey = os.Getenv("OPENROUTER_API_KEY")
	if cfg.OpenRouterAPIKey == "" {
		return nil, fmt.Errorf("OPENROUTER_API_KEY environment variable is required")
	}

	if url := os.Getenv("OPENROUTER_API_URL"); url != "" {
		cfg.OpenRouterAPIURL = url
	}
	if dir := os.Getenv("COUNCIL_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}

	// CORS origins from environment, list-separated like PATH
	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		cfg.CORSAllowedOrigins = nil
		for _, origin := range filepath.SplitList(corsOrigins) {
			if origin != "" {
				cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, origin)
			}
		}
	}

	log.Info("configuration loaded",
		"council_models", len(cfg.CouncilModels),
		"chairman", cfg.ChairmanModel,
		"quick_mode", cfg.QuickMode)
	return cfg, nil
}

// applyCouncilFile overlays a council.yaml onto the config. A missing
// file is not an error; a malformed one is.
func (c *Config) applyCouncilFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read council config %s: %w", path, err)
	}

	var file councilFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse council config %s: %w", path, err)
	}

	if len(file.CouncilModels) > 0 {
		c.CouncilModels = file.CouncilModels
	}
	if file.ChairmanModel != "" {
		c.ChairmanModel = file.ChairmanModel
	}
	if file.TitleModel != "" {
		c.TitleModel = file.TitleModel
	}
	if file.SummaryModel != "" {
		c.SummaryModel = file.SummaryModel
	}
	if len(file.LightCouncilModels) > 0 {
		c.LightCouncilModels = file.LightCouncilModels
	}
	if file.LightChairmanModel != "" {
		c.LightChairmanModel = file.LightChairmanModel
	}
	if file.QuickMode != nil {
		c.QuickMode = *file.QuickMode
	}
	if file.RankSelf != nil {
		c.RankSelf = *file.RankSelf
	}
	if file.CustomInstructions != "" {
		c.CustomInstructions = file.CustomInstructions
	}
	if file.DataDir != "" {
		c.DataDir = file.DataDir
	}
	if file.Retry != nil {
		if file.Retry.MaxRetries > 0 {
			c.Retry.MaxRetries = file.Retry.MaxRetries
		}
		if file.Retry.InitialDelay > 0 {
			c.Retry.InitialDelay = file.Retry.InitialDelay
		}
		if file.Retry.Multiplier > 0 {
			c.Retry.Multiplier = file.Retry.Multiplier
		}
		if file.Retry.MaxDelay > 0 {
			c.Retry.MaxDelay = file.Retry.MaxDelay
		}
	}

	log.Info("applied council config", "path", path)
	return nil
}
