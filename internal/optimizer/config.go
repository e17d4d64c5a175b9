package optimizer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config is the persisted optimizer state. Written atomically (temp
// file + rename); multi-process safety is best-effort.
type Config struct {
	Thresholds Thresholds     `json:"thresholds"`
	Weights    Weights        `json:"weights"`
	Safety     Safety         `json:"safety"`
	Tuning     Tuning         `json:"tuning"`
	Analysis   Analysis       `json:"analysis"`
	Quality    QualityOptions `json:"quality"`
}

// Thresholds split the total score into depths: ≤FlatMax → flat,
// ≤LightMax → light, else structured. The tuner keeps
// LightMax ≥ FlatMax + 3.
type Thresholds struct {
	FlatMax  int `json:"flat_max"`
	LightMax int `json:"light_max"`
}

// Weights balance quality against cost when the tuner ranks depths.
type Weights struct {
	Quality float64 `json:"quality"`
	Cost    float64 `json:"cost"`
}

// Safety gates tuner commits.
type Safety struct {
	MinSuccessRate     float64 `json:"min_success_rate"`
	MaxThresholdChange int     `json:"max_threshold_change"`
}

// Tuning controls when the auto-tuner runs.
type Tuning struct {
	Enabled      bool `json:"enabled"`
	MinSamples   int  `json:"min_samples"`
	IntervalDays int  `json:"interval_days"`
}

// Analysis configures the TaskAnalyzer's LLM call.
type Analysis struct {
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

// QualityOptions configures success inference. The negative-keyword
// boundary is deliberately configuration, not code.
type QualityOptions struct {
	NegativeKeywords []string `json:"negative_keywords"`
}

// DefaultConfig returns the shipped defaults.
func DefaultConfig() *Config {
	return &Config{
		Thresholds: Thresholds{FlatMax: 10, LightMax: 20},
		Weights:    Weights{Quality: 0.7, Cost: 0.3},
		Safety:     Safety{MinSuccessRate: 0.6, MaxThresholdChange: 3},
		Tuning:     Tuning{Enabled: true, MinSamples: 20, IntervalDays: 7},
		Analysis:   Analysis{MaxTokens: 512, Temperature: 0.0},
		Quality: QualityOptions{
			NegativeKeywords: []string{
				"failed", "cannot", "unable to", "error occurred",
				"できません", "失敗しました",
			},
		},
	}
}

// LoadConfig reads the config file, filling defaults for a missing
// file or missing fields.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("optimizer: read config: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("optimizer: parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces internal consistency.
func (c *Config) Validate() error {
	if c.Thresholds.FlatMax >= c.Thresholds.LightMax {
		return fmt.Errorf("optimizer: flat_max (%d) must be below light_max (%d)",
			c.Thresholds.FlatMax, c.Thresholds.LightMax)
	}
	if c.Safety.MaxThresholdChange <= 0 {
		return fmt.Errorf("optimizer: max_threshold_change must be positive")
	}
	return nil
}

// Save writes the config atomically: temp file in the same directory,
// fsync, rename.
func (c *Config) Save(path string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("optimizer: save config: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "optimizer-*.tmp")
	if err != nil {
		return fmt.Errorf("optimizer: save config: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
