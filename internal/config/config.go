package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrConfig marks configuration problems; the CLI maps it to exit code 3.
var ErrConfig = errors.New("config error")

const (
	paperBaseURL = "https://paper-api.alpaca.markets"
	liveBaseURL  = "https://api.alpaca.markets"
)

// ClockTime is a wall-clock time of day in the exchange timezone.
type ClockTime struct {
	Hour   int
	Minute int
}

func (t ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Minutes returns the time of day as minutes after midnight.
func (t ClockTime) Minutes() int {
	return t.Hour*60 + t.Minute
}

// ParseClockTime parses "HH:MM".
func ParseClockTime(value string) (ClockTime, error) {
	parts := strings.SplitN(value, ":", 2)
	if len(parts) != 2 {
		return ClockTime{}, fmt.Errorf("invalid time %q, want HH:MM", value)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil {
		return ClockTime{}, fmt.Errorf("invalid hour in %q", value)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil {
		return ClockTime{}, fmt.Errorf("invalid minute in %q", value)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return ClockTime{}, fmt.Errorf("time %q out of range", value)
	}
	return ClockTime{Hour: hour, Minute: minute}, nil
}

type Config struct {
	APIKey    string
	APISecret string
	BaseURL   string
	Paper     bool

	StateURL string
	StateKey string

	Basket            []string
	BudgetPerSide     float64
	PullbackThreshold float64
	ProfitTarget      float64
	StopLoss          float64
	LookbackDays      int
	EODCutoff         ClockTime
	FractionalShares  bool

	Verbose      bool
	Loop         bool
	TickInterval time.Duration

	PresetsFile string
	Preset      string
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first without overriding variables already set.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		APIKey:            os.Getenv("BROKER_API_KEY"),
		APISecret:         os.Getenv("BROKER_API_SECRET"),
		BaseURL:           os.Getenv("BROKER_BASE_URL"),
		Paper:             envBool("PAPER", true),
		StateURL:          os.Getenv("STATE_URL"),
		StateKey:          os.Getenv("STATE_KEY"),
		BudgetPerSide:     250,
		PullbackThreshold: 0.02,
		ProfitTarget:      0.05,
		StopLoss:          0.05,
		LookbackDays:      10,
		EODCutoff:         ClockTime{Hour: 15, Minute: 55},
		FractionalShares:  envBool("FRACTIONAL_SHARES", true),
		Verbose:           envBool("VERBOSE", false),
		Loop:              envBool("LOOP", false),
		TickInterval:      15 * time.Minute,
		PresetsFile:       os.Getenv("PRESETS_FILE"),
		Preset:            os.Getenv("PRESET"),
	}

	if v := os.Getenv("BASKET"); v != "" {
		for _, sym := range strings.Split(v, ",") {
			sym = strings.ToUpper(strings.TrimSpace(sym))
			if sym != "" {
				cfg.Basket = append(cfg.Basket, sym)
			}
		}
	}
	if err := envFloat("BUDGET_PER_SIDE", &cfg.BudgetPerSide); err != nil {
		return cfg, err
	}
	if err := envFloat("PULLBACK_THRESHOLD", &cfg.PullbackThreshold); err != nil {
		return cfg, err
	}
	if err := envFloat("PROFIT_TARGET", &cfg.ProfitTarget); err != nil {
		return cfg, err
	}
	if err := envFloat("STOP_LOSS", &cfg.StopLoss); err != nil {
		return cfg, err
	}
	if err := envInt("LOOKBACK_DAYS", &cfg.LookbackDays); err != nil {
		return cfg, err
	}
	if v := os.Getenv("END_OF_DAY_CUTOFF"); v != "" {
		cutoff, err := ParseClockTime(v)
		if err != nil {
			return cfg, fmt.Errorf("%w: END_OF_DAY_CUTOFF: %v", ErrConfig, err)
		}
		cfg.EODCutoff = cutoff
	}
	if v := os.Getenv("TICK_INTERVAL_SECONDS"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil || seconds <= 0 {
			return cfg, fmt.Errorf("%w: TICK_INTERVAL_SECONDS must be a positive integer", ErrConfig)
		}
		cfg.TickInterval = time.Duration(seconds) * time.Second
	}

	if cfg.BaseURL == "" {
		if cfg.Paper {
			cfg.BaseURL = paperBaseURL
		} else {
			cfg.BaseURL = liveBaseURL
		}
	}

	if cfg.Preset != "" {
		if err := applyPreset(&cfg); err != nil {
			return cfg, err
		}
	}

	if err := validate(cfg); err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return fmt.Errorf("BROKER_API_KEY and BROKER_API_SECRET are required")
	}
	if len(cfg.Basket) == 0 {
		return fmt.Errorf("BASKET must name at least one symbol")
	}
	if len(cfg.Basket) > 8 {
		return fmt.Errorf("BASKET is limited to 8 symbols, got %d", len(cfg.Basket))
	}
	if cfg.BudgetPerSide <= 0 {
		return fmt.Errorf("BUDGET_PER_SIDE must be > 0")
	}
	if cfg.PullbackThreshold <= 0 || cfg.PullbackThreshold >= 1 {
		return fmt.Errorf("PULLBACK_THRESHOLD must be in (0, 1)")
	}
	if cfg.ProfitTarget <= 0 {
		return fmt.Errorf("PROFIT_TARGET must be > 0")
	}
	if cfg.StopLoss <= 0 || cfg.StopLoss >= 1 {
		return fmt.Errorf("STOP_LOSS must be in (0, 1)")
	}
	if cfg.LookbackDays <= 0 {
		return fmt.Errorf("LOOKBACK_DAYS must be > 0")
	}
	return nil
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func envFloat(key string, dst *float64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%w: %s must be a number, got %q", ErrConfig, key, v)
	}
	*dst = parsed
	return nil
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%w: %s must be an integer, got %q", ErrConfig, key, v)
	}
	*dst = parsed
	return nil
}
