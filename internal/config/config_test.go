package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.React.MaxSteps != 25 || cfg.Embedding.Dimension != 1024 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
react:
  max_steps: 7
embedding:
  dimension: 256
doomloop:
  daily_quota: 5
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.React.MaxSteps != 7 {
		t.Fatalf("react.max_steps = %d, want 7", cfg.React.MaxSteps)
	}
	if cfg.Embedding.Dimension != 256 {
		t.Fatalf("embedding.dimension = %d, want 256", cfg.Embedding.Dimension)
	}
	if cfg.DoomLoop.DailyQuota != 5 {
		t.Fatalf("doomloop.daily_quota = %d, want 5", cfg.DoomLoop.DailyQuota)
	}
	// Untouched sections keep their defaults.
	if cfg.Vector.L1CacheSize != 500 {
		t.Fatalf("vector.l1_cache_size = %d, want default 500", cfg.Vector.L1CacheSize)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CODESCOUT_LLM_BASE_URL", "http://llm.internal:9000")
	t.Setenv("CODESCOUT_LLM_API_KEY", "sk-test")
	t.Setenv("CODESCOUT_BGE_ENDPOINT", "http://bge.internal:8080")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.LLM.BaseURL != "http://llm.internal:9000" {
		t.Fatalf("llm base url not overridden: %s", cfg.LLM.BaseURL)
	}
	if cfg.LLM.APIKey != "sk-test" {
		t.Fatalf("llm api key not overridden: %s", cfg.LLM.APIKey)
	}
	if cfg.Embedding.Endpoint != "http://bge.internal:8080" {
		t.Fatalf("bge endpoint not overridden: %s", cfg.Embedding.Endpoint)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Embedding.Dimension = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("zero dimension accepted")
	}

	cfg = DefaultConfig()
	cfg.DoomLoop.CapMs = cfg.DoomLoop.BaseMs - 1
	if err := cfg.Validate(); err == nil {
		t.Fatal("cap below base accepted")
	}
}

func TestDurationGetters(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tools.TimeoutMs = 0
	if got := cfg.GetToolTimeout(); got != 60*time.Second {
		t.Fatalf("tool timeout default = %v, want 60s", got)
	}
	cfg.Tools.TimeoutMs = 1500
	if got := cfg.GetToolTimeout(); got != 1500*time.Millisecond {
		t.Fatalf("tool timeout = %v, want 1.5s", got)
	}

	cfg.LLM.Timeout = "nonsense"
	if got := cfg.GetLLMTimeout(); got != 120*time.Second {
		t.Fatalf("llm timeout fallback = %v, want 120s", got)
	}
}
