package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleConfig = `
app:
  environment: test
openai:
  api_key: file-key
  model: gpt-4o-mini
broker:
  simulated_equity: 50000
sizing:
  max_pct_portfolio: 0.05
  max_dollar_amount: 20000
channels:
  - id: 1072559822366576780
    name: Ryan
    mode: live
    parser: titled
    multiplier: 1.0
    initial_stop_loss: 0.35
    trailing_stop_loss_pct: 0.20
  - id: 1368713891072315483
    name: FiFi
    mode: test
    parser: strict
    multiplier: 1.0
    initial_stop_loss: 0.30
    trailing_stop_loss_pct: 0.15
webhooks:
  timeout: 5s
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_AppliesFileDefaultsAndEnv(t *testing.T) {
	t.Setenv("ALERTS_OPENAI_API_KEY", "env-key")

	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.OpenAI.APIKey != "env-key" {
		t.Errorf("expected env override for openai.api_key, got %q", cfg.OpenAI.APIKey)
	}
	if cfg.Broker.SimulatedEquity != 50000 {
		t.Errorf("expected simulated equity 50000, got %v", cfg.Broker.SimulatedEquity)
	}
	if cfg.Sizing.BuyPricePadding != 0.02 || cfg.Sizing.MinTradeQuantity != 1 {
		t.Errorf("expected sizing defaults, got %+v", cfg.Sizing)
	}
	if cfg.Webhooks.Timeout != 5*time.Second {
		t.Errorf("expected webhook timeout 5s, got %v", cfg.Webhooks.Timeout)
	}
	if cfg.Lock.Backend != LockBackendLocal {
		t.Errorf("expected local lock backend, got %q", cfg.Lock.Backend)
	}

	ryan, ok := cfg.Channel(1072559822366576780)
	if !ok {
		t.Fatalf("expected Ryan channel to be configured")
	}
	if !ryan.Live() || ryan.Parser != ParserTitled || ryan.InitialStopLoss != 0.35 {
		t.Errorf("unexpected channel config %+v", ryan)
	}
	if fifi, _ := cfg.Channel(1368713891072315483); fifi.Live() {
		t.Errorf("expected FiFi to be a test channel")
	}
	if _, ok := cfg.Channel(42); ok {
		t.Errorf("expected unknown channel lookup to fail")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestValidate_AggregatesChannelErrors(t *testing.T) {
	body := strings.Replace(sampleConfig, "mode: test", "mode: paper", 1)
	body = strings.Replace(body, "parser: strict", "parser: fancy", 1)

	_, err := Load(writeConfig(t, body))
	if err == nil {
		t.Fatalf("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{"channels[1].mode", "channels[1].parser"} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected %q in error, got %s", want, msg)
		}
	}
}

func TestValidate_RedisLockNeedsAddress(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	cfg.Lock.Backend = LockBackendRedis
	cfg.Lock.RedisAddr = ""

	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "lock.redis_addr") {
		t.Fatalf("expected redis address error, got %v", err)
	}
}

func TestValidate_RedisLockTTLCoversRetryBudget(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	cfg.Lock.Backend = LockBackendRedis
	cfg.Lock.RedisAddr = "127.0.0.1:6379"
	cfg.Broker.Retry.MaxAttempts = 4
	cfg.Broker.Retry.MinDelay = time.Second
	cfg.Broker.Retry.MaxDelay = 10 * time.Second

	if got := cfg.Broker.Retry.Budget(); got != 30*time.Second {
		t.Fatalf("expected 30s budget, got %s", got)
	}

	cfg.Lock.TTL = 30 * time.Second
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "lock.ttl") {
		t.Fatalf("expected ttl budget error, got %v", err)
	}

	cfg.Lock.TTL = 45 * time.Second
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}
