// Package config loads the runtime configuration file. The format is
// JSON5 so hand-edited configs can carry comments and trailing commas;
// secrets may be left out of the file and supplied via environment
// variables instead.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Config is the full runtime configuration.
type Config struct {
	Server    Server    `json:"server"`
	Providers Providers `json:"providers"`
	Profiles  Profiles  `json:"profiles"`
	Data      Data      `json:"data"`
	Runtime   Runtime   `json:"runtime"`
	Scheduler Scheduler `json:"scheduler"`
	Costs     Costs     `json:"costs"`
	Log       Log       `json:"log"`
	Tracing   Tracing   `json:"tracing"`
}

type Server struct {
	Addr string `json:"addr"`
}

// Providers holds the chat/embedding backends in priority order.
type Providers struct {
	Anthropic ProviderConfig `json:"anthropic"`
	OpenAI    ProviderConfig `json:"openai"`
	// Priority lists provider names, primary first.
	Priority []string `json:"priority"`
	// RPS paces outgoing calls process-wide.
	RPS float64 `json:"rps"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
}

type Profiles struct {
	Root    string `json:"root"`
	Default string `json:"default"`
}

// Data points at the local databases and artifact directories.
type Data struct {
	Dir string `json:"dir"`
}

func (d Data) SessionsDB() string  { return filepath.Join(d.Dir, "sessions.db") }
func (d Data) MetricsDB() string   { return filepath.Join(d.Dir, "metrics.db") }
func (d Data) MemoryDB() string    { return filepath.Join(d.Dir, "memory.db") }
func (d Data) SchedulerDB() string { return filepath.Join(d.Dir, "scheduler.db") }
func (d Data) OptimizerConfig() string {
	return filepath.Join(d.Dir, "optimizer.json")
}
func (d Data) SpillDir() string { return filepath.Join(d.Dir, "artifacts") }

type Runtime struct {
	WorkingDir      string `json:"working_dir"`
	RunBudgetTokens int    `json:"run_budget_tokens"`
	MaxIterations   int    `json:"max_iterations"`
	Model           string `json:"model"` // override of the provider default
}

type Scheduler struct {
	Enabled bool `json:"enabled"`
}

type Costs struct {
	BudgetUSD float64 `json:"budget_usd"` // 0 = unlimited
}

type Log struct {
	Level  string `json:"level"`  // debug|info|warn|error
	Format string `json:"format"` // text|json
}

type Tracing struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"` // OTLP HTTP endpoint
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Server: Server{Addr: ":8700"},
		Providers: Providers{
			Priority: []string{"anthropic", "openai"},
			RPS:      5,
		},
		Profiles: Profiles{Root: "profiles", Default: "default"},
		Data:     Data{Dir: "data"},
		Runtime:  Runtime{WorkingDir: "."},
		Log:      Log{Level: "info", Format: "text"},
	}
}

// Load reads the config file, fills defaults, and applies environment
// overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets secrets and common knobs come from the environment,
// overriding the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.Providers.Anthropic.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Providers.OpenAI.APIKey = v
	}
	if v := os.Getenv("RENGA_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("RENGA_DATA_DIR"); v != "" {
		c.Data.Dir = v
	}
	if v := os.Getenv("RENGA_PROFILE"); v != "" {
		c.Profiles.Default = v
	}
	if v := os.Getenv("RENGA_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("RENGA_SCHEDULER"); v == "1" || v == "true" {
		c.Scheduler.Enabled = true
	}
	if v := os.Getenv("RENGA_COST_BUDGET_USD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Costs.BudgetUSD = f
		}
	}
}

func (c *Config) validate() error {
	if c.Providers.Anthropic.APIKey == "" && c.Providers.OpenAI.APIKey == "" {
		return fmt.Errorf("config: no provider API key configured (set ANTHROPIC_API_KEY or OPENAI_API_KEY)")
	}
	for _, name := range c.Providers.Priority {
		if name != "anthropic" && name != "openai" {
			return fmt.Errorf("config: unknown provider %q in priority list", name)
		}
	}
	return nil
}

// EnsureDataDirs creates the data directory tree.
func (c *Config) EnsureDataDirs() error {
	for _, dir := range []string{c.Data.Dir, c.Data.SpillDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create %s: %w", dir, err)
		}
	}
	return nil
}
