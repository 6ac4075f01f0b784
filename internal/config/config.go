package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	DefaultModel            = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens        = 8192
	DefaultBatchSize        = 5
	DefaultMinTokens        = 1
	DefaultMaxEventTokens   = 4000
	DefaultBatchTokenBudget = 12000
	DefaultFlushInterval    = "30s"
	DefaultTargetHourlyRate = 10.0
	DefaultMaxHourlyRate    = 15.0
	DefaultMaxTotalCost     = 0.0 // unlimited
	DefaultRequestsPerHour  = 100
	DefaultBurst            = 10
	DefaultHorizonDays      = 30
	DefaultEscalationAge    = "1h"
	DefaultEventTimeout     = "5m"
	DefaultCostPerKiloToken = 0.001
	DefaultWebhookHost      = "0.0.0.0"
	DefaultWebhookPort      = 18980
)

type Config struct {
	Store     StoreConfig     `json:"store"`
	Events    EventsConfig    `json:"events"`
	Cost      CostConfig      `json:"cost"`
	RateLimit RateLimitConfig `json:"rateLimit"`
	Retention RetentionConfig `json:"retention"`
	Engine    EngineConfig    `json:"engine"`
	Webhook   WebhookConfig   `json:"webhook"`
	Notify    NotifyConfig    `json:"notify"`
}

type StoreConfig struct {
	DBPath string `json:"dbPath,omitempty"`
}

// EventRule holds per-type admission limits.
type EventRule struct {
	Actions   []string `json:"actions"`
	BatchSize int      `json:"batchSize"`
	MinTokens int      `json:"minTokens"`
	MaxTokens int      `json:"maxTokens"`
}

type EventsConfig struct {
	Issue       EventRule `json:"issue"`
	PullRequest EventRule `json:"pullRequest"`
	Discussion  EventRule `json:"discussion"`
}

// Rule returns the admission rule for an event type name.
func (e EventsConfig) Rule(eventType string) (EventRule, bool) {
	switch eventType {
	case "issue":
		return e.Issue, true
	case "pull_request":
		return e.PullRequest, true
	case "discussion":
		return e.Discussion, true
	}
	return EventRule{}, false
}

// AllowsAction reports whether the rule admits the given sub-action.
func (r EventRule) AllowsAction(action string) bool {
	for _, a := range r.Actions {
		if a == action {
			return true
		}
	}
	return false
}

type CostConfig struct {
	TargetHourlyRate   float64 `json:"targetHourlyRate"`
	MaxHourlyRate      float64 `json:"maxHourlyRate"`
	MaxTotalCost       float64 `json:"maxTotalCost"`
	BatchTokenBudget   int     `json:"batchTokenBudget"`
	FlushInterval      string  `json:"flushInterval"`
	DeferEscalationAge string  `json:"deferEscalationAge"`
}

type RateLimitConfig struct {
	RequestsPerHour int `json:"requestsPerHour"`
	Burst           int `json:"burst"`
}

type RetentionConfig struct {
	HorizonDays int    `json:"horizonDays"`
	Schedule    string `json:"schedule,omitempty"` // cron expression, seconds field included
}

type EngineConfig struct {
	Provider         string  `json:"provider,omitempty"` // "anthropic" (default) or "openai"
	APIKey           string  `json:"apiKey"`
	BaseURL          string  `json:"baseUrl,omitempty"`
	Model            string  `json:"model"`
	MaxTokens        int     `json:"maxTokens"`
	Workspace        string  `json:"workspace"`
	CostPerKiloToken float64 `json:"costPerKiloToken"`
	EventTimeout     string  `json:"eventTimeout"`
}

type WebhookConfig struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Secret string `json:"secret"`
}

type NotifyConfig struct {
	TelegramToken  string `json:"telegramToken,omitempty"`
	TelegramChatID int64  `json:"telegramChatId,omitempty"`
}

func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Store: StoreConfig{},
		Events: EventsConfig{
			Issue: EventRule{
				Actions:   []string{"opened", "edited"},
				BatchSize: DefaultBatchSize,
				MinTokens: DefaultMinTokens,
				MaxTokens: DefaultMaxEventTokens,
			},
			PullRequest: EventRule{
				Actions:   []string{"opened", "synchronize"},
				BatchSize: DefaultBatchSize,
				MinTokens: DefaultMinTokens,
				MaxTokens: DefaultMaxEventTokens,
			},
			Discussion: EventRule{
				Actions:   []string{"created", "edited"},
				BatchSize: DefaultBatchSize,
				MinTokens: DefaultMinTokens,
				MaxTokens: DefaultMaxEventTokens,
			},
		},
		Cost: CostConfig{
			TargetHourlyRate:   DefaultTargetHourlyRate,
			MaxHourlyRate:      DefaultMaxHourlyRate,
			MaxTotalCost:       DefaultMaxTotalCost,
			BatchTokenBudget:   DefaultBatchTokenBudget,
			FlushInterval:      DefaultFlushInterval,
			DeferEscalationAge: DefaultEscalationAge,
		},
		RateLimit: RateLimitConfig{
			RequestsPerHour: DefaultRequestsPerHour,
			Burst:           DefaultBurst,
		},
		Retention: RetentionConfig{
			HorizonDays: DefaultHorizonDays,
			Schedule:    "0 0 5 * * *",
		},
		Engine: EngineConfig{
			Model:            DefaultModel,
			MaxTokens:        DefaultMaxTokens,
			Workspace:        filepath.Join(home, ".gitclaw", "workspace"),
			CostPerKiloToken: DefaultCostPerKiloToken,
			EventTimeout:     DefaultEventTimeout,
		},
		Webhook: WebhookConfig{
			Host: DefaultWebhookHost,
			Port: DefaultWebhookPort,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".gitclaw")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func DataDir() string {
	return filepath.Join(ConfigDir(), "data")
}

func LoadConfig() (*Config, error) {
	return LoadConfigFrom(ConfigPath())
}

func LoadConfigFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if key := os.Getenv("GITCLAW_API_KEY"); key != "" {
		cfg.Engine.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Engine.APIKey == "" {
		cfg.Engine.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Engine.APIKey == "" {
		cfg.Engine.APIKey = key
		if cfg.Engine.Provider == "" {
			cfg.Engine.Provider = "openai"
		}
	}
	if url := os.Getenv("GITCLAW_BASE_URL"); url != "" {
		cfg.Engine.BaseURL = url
	}
	if secret := os.Getenv("GITCLAW_WEBHOOK_SECRET"); secret != "" {
		cfg.Webhook.Secret = secret
	}
	if dbPath := os.Getenv("GITCLAW_DB_PATH"); dbPath != "" {
		cfg.Store.DBPath = dbPath
	}
	if rate := os.Getenv("GITCLAW_TARGET_HOURLY_RATE"); rate != "" {
		if parsed, err := strconv.ParseFloat(rate, 64); err == nil {
			cfg.Cost.TargetHourlyRate = parsed
		}
	}
	if rate := os.Getenv("GITCLAW_MAX_HOURLY_RATE"); rate != "" {
		if parsed, err := strconv.ParseFloat(rate, 64); err == nil {
			cfg.Cost.MaxHourlyRate = parsed
		}
	}
	if token := os.Getenv("GITCLAW_TELEGRAM_TOKEN"); token != "" {
		cfg.Notify.TelegramToken = token
	}
	if chatID := os.Getenv("GITCLAW_TELEGRAM_CHAT_ID"); chatID != "" {
		if parsed, err := strconv.ParseInt(chatID, 10, 64); err == nil {
			cfg.Notify.TelegramChatID = parsed
		}
	}

	applyFallbacks(cfg)
	return cfg, nil
}

func applyFallbacks(cfg *Config) {
	if cfg.Store.DBPath == "" {
		cfg.Store.DBPath = filepath.Join(ConfigDir(), "data", "state.db")
	}
	if cfg.Cost.MaxHourlyRate <= 0 {
		cfg.Cost.MaxHourlyRate = DefaultMaxHourlyRate
	}
	if cfg.Cost.TargetHourlyRate <= 0 {
		cfg.Cost.TargetHourlyRate = DefaultTargetHourlyRate
	}
	if cfg.Cost.TargetHourlyRate > cfg.Cost.MaxHourlyRate {
		cfg.Cost.TargetHourlyRate = cfg.Cost.MaxHourlyRate
	}
	if cfg.Cost.BatchTokenBudget <= 0 {
		cfg.Cost.BatchTokenBudget = DefaultBatchTokenBudget
	}
	if cfg.Cost.FlushInterval == "" {
		cfg.Cost.FlushInterval = DefaultFlushInterval
	}
	if cfg.Cost.DeferEscalationAge == "" {
		cfg.Cost.DeferEscalationAge = DefaultEscalationAge
	}
	if cfg.RateLimit.RequestsPerHour <= 0 {
		cfg.RateLimit.RequestsPerHour = DefaultRequestsPerHour
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = DefaultBurst
	}
	if cfg.Retention.HorizonDays <= 0 {
		cfg.Retention.HorizonDays = DefaultHorizonDays
	}
	if cfg.Retention.Schedule == "" {
		cfg.Retention.Schedule = "0 0 5 * * *"
	}
	if cfg.Engine.EventTimeout == "" {
		cfg.Engine.EventTimeout = DefaultEventTimeout
	}
	if cfg.Engine.CostPerKiloToken <= 0 {
		cfg.Engine.CostPerKiloToken = DefaultCostPerKiloToken
	}
	for _, rule := range []*EventRule{&cfg.Events.Issue, &cfg.Events.PullRequest, &cfg.Events.Discussion} {
		if rule.BatchSize <= 0 {
			rule.BatchSize = DefaultBatchSize
		}
		if rule.MinTokens <= 0 {
			rule.MinTokens = DefaultMinTokens
		}
		if rule.MaxTokens <= 0 {
			rule.MaxTokens = DefaultMaxEventTokens
		}
	}
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
