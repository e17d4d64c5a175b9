package optimizer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/soracode/renga/internal/profile"
	"github.com/soracode/renga/internal/providers"
)

// Optimizer ties the analyzer, selector, tracker, and tuner behind one
// surface the orchestrator can call.
type Optimizer struct {
	mu         sync.Mutex
	cfg        *Config
	configPath string
	analyzer   *Analyzer
	tracker    *QualityTracker
	tuner      *AutoTuner
	lastTune   time.Time
	logger     *slog.Logger
}

// New builds an Optimizer. provider may be nil (heuristic scoring
// only); metricsPath is the metrics database file.
func New(configPath, metricsPath string, provider providers.Provider) (*Optimizer, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	tracker, err := NewQualityTracker(metricsPath, cfg.Quality.NegativeKeywords)
	if err != nil {
		return nil, err
	}
	return &Optimizer{
		cfg:        cfg,
		configPath: configPath,
		analyzer:   NewAnalyzer(provider, cfg.Analysis),
		tracker:    tracker,
		tuner:      NewAutoTuner(tracker, configPath),
		logger:     slog.Default(),
	}, nil
}

func (o *Optimizer) Close() error { return o.tracker.Close() }

// Tracker exposes the metrics store for recording and stats queries.
func (o *Optimizer) Tracker() *QualityTracker { return o.tracker }

// Config returns a snapshot of the current configuration.
func (o *Optimizer) Config() Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	return *o.cfg
}

// Plan scores the request and selects participating agents. rules and
// available come from the active profile.
func (o *Optimizer) Plan(ctx context.Context, text string, rules profile.RuleMap, available []string) (TaskScores, SelectionResult) {
	scores := o.analyzer.Analyze(ctx, text)

	o.mu.Lock()
	thresholds := o.cfg.Thresholds
	o.mu.Unlock()

	selection := NewSelector(thresholds, rules).Select(scores, available)
	o.logger.Debug("request planned",
		"total", selection.TotalScore, "depth", selection.Depth,
		"task_type", scores.TaskType, "agents", selection.Agents)
	return scores, selection
}

// Guidance renders the selection as the guidance block prepended to
// the entry agent's input.
func Guidance(scores TaskScores, sel SelectionResult) string {
	var sb strings.Builder
	sb.WriteString("[Orchestration guidance]\n")
	fmt.Fprintf(&sb, "- Depth: %s (total score %d, task type %s)\n", sel.Depth, sel.TotalScore, scores.TaskType)
	if len(sel.Agents) > 0 {
		fmt.Fprintf(&sb, "- Recommended agents: %s\n", strings.Join(sel.Agents, ", "))
	} else {
		sb.WriteString("- Recommended agents: none (answer directly)\n")
	}
	if len(sel.Skipped) > 0 {
		fmt.Fprintf(&sb, "- Skipped agents: %s\n", strings.Join(sel.Skipped, ", "))
	}
	fmt.Fprintf(&sb, "- Reason: %s\n", sel.Reason)
	return sb.String()
}

// MaybeTune runs a tuning pass when tuning is enabled and the
// configured interval has elapsed since the last run in this process.
func (o *Optimizer) MaybeTune(ctx context.Context) (*TuneResult, error) {
	o.mu.Lock()
	cfg := o.cfg
	interval := time.Duration(cfg.Tuning.IntervalDays) * 24 * time.Hour
	due := cfg.Tuning.Enabled && time.Since(o.lastTune) >= interval
	o.mu.Unlock()

	if !due {
		return nil, nil
	}
	return o.Tune(ctx)
}

// Tune forces one tuning pass regardless of interval.
func (o *Optimizer) Tune(ctx context.Context) (*TuneResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	result, err := o.tuner.Tune(ctx, o.cfg)
	if err != nil {
		return nil, err
	}
	o.lastTune = time.Now()
	return result, nil
}
