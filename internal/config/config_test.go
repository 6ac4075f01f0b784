package config

import (
	"os"
	"path/filepath"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"GITCLAW_API_KEY", "ANTHROPIC_API_KEY", "OPENAI_API_KEY",
		"GITCLAW_BASE_URL", "GITCLAW_WEBHOOK_SECRET", "GITCLAW_DB_PATH",
		"GITCLAW_TARGET_HOURLY_RATE", "GITCLAW_MAX_HOURLY_RATE",
		"GITCLAW_TELEGRAM_TOKEN", "GITCLAW_TELEGRAM_CHAT_ID",
	} {
		t.Setenv(key, "")
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadConfigFrom(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("LoadConfigFrom error: %v", err)
	}

	if cfg.Cost.TargetHourlyRate != DefaultTargetHourlyRate {
		t.Errorf("target rate = %v, want %v", cfg.Cost.TargetHourlyRate, DefaultTargetHourlyRate)
	}
	if cfg.Events.Issue.BatchSize != DefaultBatchSize {
		t.Errorf("issue batch size = %d, want %d", cfg.Events.Issue.BatchSize, DefaultBatchSize)
	}
	if cfg.RateLimit.RequestsPerHour != DefaultRequestsPerHour {
		t.Errorf("requests per hour = %d, want %d", cfg.RateLimit.RequestsPerHour, DefaultRequestsPerHour)
	}
	if cfg.Retention.HorizonDays != DefaultHorizonDays {
		t.Errorf("horizon = %d, want %d", cfg.Retention.HorizonDays, DefaultHorizonDays)
	}
	if cfg.Store.DBPath == "" {
		t.Error("expected fallback DB path to be set")
	}
}

func TestLoadFromFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{
		"cost": {"targetHourlyRate": 5, "maxHourlyRate": 8},
		"events": {"issue": {"actions": ["opened"], "batchSize": 2, "minTokens": 1, "maxTokens": 100}},
		"webhook": {"port": 9999, "secret": "filesecret"}
	}`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfigFrom(path)
	if err != nil {
		t.Fatalf("LoadConfigFrom error: %v", err)
	}
	if cfg.Cost.TargetHourlyRate != 5 || cfg.Cost.MaxHourlyRate != 8 {
		t.Errorf("cost rates = %v/%v, want 5/8", cfg.Cost.TargetHourlyRate, cfg.Cost.MaxHourlyRate)
	}
	if cfg.Events.Issue.BatchSize != 2 {
		t.Errorf("issue batch size = %d, want 2", cfg.Events.Issue.BatchSize)
	}
	if cfg.Webhook.Port != 9999 || cfg.Webhook.Secret != "filesecret" {
		t.Errorf("webhook = %+v", cfg.Webhook)
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("GITCLAW_API_KEY", "sk-test")
	t.Setenv("GITCLAW_WEBHOOK_SECRET", "envsecret")
	t.Setenv("GITCLAW_MAX_HOURLY_RATE", "20")

	cfg, err := LoadConfigFrom(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("LoadConfigFrom error: %v", err)
	}
	if cfg.Engine.APIKey != "sk-test" {
		t.Errorf("api key = %q", cfg.Engine.APIKey)
	}
	if cfg.Webhook.Secret != "envsecret" {
		t.Errorf("webhook secret = %q", cfg.Webhook.Secret)
	}
	if cfg.Cost.MaxHourlyRate != 20 {
		t.Errorf("max hourly rate = %v, want 20", cfg.Cost.MaxHourlyRate)
	}
}

func TestOpenAIKeySetsProvider(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-openai")

	cfg, err := LoadConfigFrom(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("LoadConfigFrom error: %v", err)
	}
	if cfg.Engine.Provider != "openai" {
		t.Errorf("provider = %q, want openai", cfg.Engine.Provider)
	}
}

func TestTargetClampedToCeiling(t *testing.T) {
	clearEnv(t)
	t.Setenv("GITCLAW_TARGET_HOURLY_RATE", "50")
	t.Setenv("GITCLAW_MAX_HOURLY_RATE", "15")

	cfg, err := LoadConfigFrom(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("LoadConfigFrom error: %v", err)
	}
	if cfg.Cost.TargetHourlyRate != 15 {
		t.Errorf("target should clamp to ceiling, got %v", cfg.Cost.TargetHourlyRate)
	}
}

func TestRuleLookup(t *testing.T) {
	cfg := DefaultConfig()

	rule, ok := cfg.Events.Rule("pull_request")
	if !ok {
		t.Fatal("expected a rule for pull_request")
	}
	if !rule.AllowsAction("synchronize") {
		t.Error("pull_request rule should allow synchronize")
	}
	if rule.AllowsAction("closed") {
		t.Error("pull_request rule should not allow closed")
	}
	if _, ok := cfg.Events.Rule("release"); ok {
		t.Error("unexpected rule for unsupported type")
	}
}
