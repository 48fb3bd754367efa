package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("BROKER_API_KEY", "key")
	t.Setenv("BROKER_API_SECRET", "secret")
	t.Setenv("BROKER_BASE_URL", "")
	t.Setenv("PAPER", "")
	t.Setenv("BASKET", "SGOL,SCO,CPER")
	t.Setenv("BUDGET_PER_SIDE", "")
	t.Setenv("PULLBACK_THRESHOLD", "")
	t.Setenv("PROFIT_TARGET", "")
	t.Setenv("STOP_LOSS", "")
	t.Setenv("LOOKBACK_DAYS", "")
	t.Setenv("END_OF_DAY_CUTOFF", "")
	t.Setenv("TICK_INTERVAL_SECONDS", "")
	t.Setenv("PRESETS_FILE", "")
	t.Setenv("PRESET", "")
	t.Setenv("STATE_URL", "")
	t.Setenv("STATE_KEY", "")
}

func TestLoadDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if !cfg.Paper {
		t.Fatalf("expected paper mode by default")
	}
	if cfg.BaseURL != paperBaseURL {
		t.Fatalf("expected paper base URL, got %q", cfg.BaseURL)
	}
	if cfg.PullbackThreshold != 0.02 || cfg.ProfitTarget != 0.05 || cfg.StopLoss != 0.05 {
		t.Fatalf("unexpected strategy defaults: %+v", cfg)
	}
	if cfg.LookbackDays != 10 {
		t.Fatalf("expected lookback 10, got %d", cfg.LookbackDays)
	}
	if cfg.EODCutoff.String() != "15:55" {
		t.Fatalf("expected cutoff 15:55, got %s", cfg.EODCutoff)
	}
	if cfg.TickInterval != 15*time.Minute {
		t.Fatalf("expected 15m tick interval, got %s", cfg.TickInterval)
	}
	if len(cfg.Basket) != 3 || cfg.Basket[0] != "SGOL" {
		t.Fatalf("unexpected basket: %v", cfg.Basket)
	}
}

func TestLoadRejectsMissingCredentials(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("BROKER_API_KEY", "")

	if _, err := Load(); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestLoadRejectsEmptyBasket(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("BASKET", "")

	if _, err := Load(); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for empty basket, got %v", err)
	}
}

func TestLoadRejectsBadThreshold(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("PULLBACK_THRESHOLD", "not-a-number")

	if _, err := Load(); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestLoadLiveBaseURL(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("PAPER", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Paper {
		t.Fatalf("expected live mode")
	}
	if cfg.BaseURL != liveBaseURL {
		t.Fatalf("expected live base URL, got %q", cfg.BaseURL)
	}
}

func TestLoadBasketNormalization(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("BASKET", " sgol , CPER,, ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if len(cfg.Basket) != 2 || cfg.Basket[0] != "SGOL" || cfg.Basket[1] != "CPER" {
		t.Fatalf("unexpected basket: %v", cfg.Basket)
	}
}

func TestLoadAppliesPreset(t *testing.T) {
	setBaseEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "presets.yaml")
	contents := `presets:
  oil-spike:
    basket: [SCO]
    pullback_threshold: 0.03
    budget_per_side: 500
    end_of_day_cutoff: "15:45"
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write presets: %v", err)
	}
	t.Setenv("PRESETS_FILE", path)
	t.Setenv("PRESET", "oil-spike")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if len(cfg.Basket) != 1 || cfg.Basket[0] != "SCO" {
		t.Fatalf("expected preset basket, got %v", cfg.Basket)
	}
	if cfg.PullbackThreshold != 0.03 {
		t.Fatalf("expected preset threshold, got %v", cfg.PullbackThreshold)
	}
	if cfg.BudgetPerSide != 500 {
		t.Fatalf("expected preset budget, got %v", cfg.BudgetPerSide)
	}
	if cfg.EODCutoff.String() != "15:45" {
		t.Fatalf("expected preset cutoff, got %s", cfg.EODCutoff)
	}
	// Profit target not set by the preset keeps its default.
	if cfg.ProfitTarget != 0.05 {
		t.Fatalf("expected default profit target, got %v", cfg.ProfitTarget)
	}
}

func TestLoadUnknownPreset(t *testing.T) {
	setBaseEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "presets.yaml")
	if err := os.WriteFile(path, []byte("presets: {}\n"), 0o600); err != nil {
		t.Fatalf("write presets: %v", err)
	}
	t.Setenv("PRESETS_FILE", path)
	t.Setenv("PRESET", "missing")

	if _, err := Load(); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestParseClockTime(t *testing.T) {
	cutoff, err := ParseClockTime("15:55")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cutoff.Minutes() != 15*60+55 {
		t.Fatalf("unexpected minutes: %d", cutoff.Minutes())
	}
	for _, bad := range []string{"", "1555", "25:00", "12:61", "a:b"} {
		if _, err := ParseClockTime(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
