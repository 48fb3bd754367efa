package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Preset is a named strategy parameter set. The historical trader variants
// (gold pullback, copper pullback, inverse-oil spike) differ only in these
// numbers, so each survives as a preset entry rather than its own script.
type Preset struct {
	Basket            []string `yaml:"basket"`
	BudgetPerSide     *float64 `yaml:"budget_per_side"`
	PullbackThreshold *float64 `yaml:"pullback_threshold"`
	ProfitTarget      *float64 `yaml:"profit_target"`
	StopLoss          *float64 `yaml:"stop_loss"`
	LookbackDays      *int     `yaml:"lookback_days"`
	EODCutoff         string   `yaml:"end_of_day_cutoff"`
}

type presetsFile struct {
	Presets map[string]Preset `yaml:"presets"`
}

// applyPreset overlays the named preset from cfg.PresetsFile onto cfg.
// Only fields the preset sets are overridden.
func applyPreset(cfg *Config) error {
	if cfg.PresetsFile == "" {
		return fmt.Errorf("%w: PRESET=%q requires PRESETS_FILE", ErrConfig, cfg.Preset)
	}
	data, err := os.ReadFile(cfg.PresetsFile)
	if err != nil {
		return fmt.Errorf("%w: read presets file: %v", ErrConfig, err)
	}
	var file presetsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("%w: parse presets file: %v", ErrConfig, err)
	}
	preset, ok := file.Presets[cfg.Preset]
	if !ok {
		return fmt.Errorf("%w: preset %q not found in %s", ErrConfig, cfg.Preset, cfg.PresetsFile)
	}

	if len(preset.Basket) > 0 {
		cfg.Basket = preset.Basket
	}
	if preset.BudgetPerSide != nil {
		cfg.BudgetPerSide = *preset.BudgetPerSide
	}
	if preset.PullbackThreshold != nil {
		cfg.PullbackThreshold = *preset.PullbackThreshold
	}
	if preset.ProfitTarget != nil {
		cfg.ProfitTarget = *preset.ProfitTarget
	}
	if preset.StopLoss != nil {
		cfg.StopLoss = *preset.StopLoss
	}
	if preset.LookbackDays != nil {
		cfg.LookbackDays = *preset.LookbackDays
	}
	if preset.EODCutoff != "" {
		cutoff, err := ParseClockTime(preset.EODCutoff)
		if err != nil {
			return fmt.Errorf("%w: preset %q: %v", ErrConfig, cfg.Preset, err)
		}
		cfg.EODCutoff = cutoff
	}
	return nil
}
