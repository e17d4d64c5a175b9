package optimizer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
)

// Tuner status values.
const (
	TuneApplied = "applied"
	TuneSkipped = "skipped"
	TuneNoop    = "no_change"
)

// TuneResult reports one tuning run. Old and New are always populated
// so callers can render a diff even on a skip.
type TuneResult struct {
	Status      string             `json:"status"`
	Reason      string             `json:"reason"`
	Old         Thresholds         `json:"old"`
	New         Thresholds         `json:"new"`
	SamplesUsed int                `json:"samples_used"`
	Analysis    []DepthBucketStats `json:"analysis,omitempty"`
}

// costFactor is the relative token cost of each depth; lower is
// cheaper. Flat is the baseline.
var costFactor = map[Depth]float64{
	DepthFlat:       1.0,
	DepthLight:      0.6,
	DepthStructured: 0.3,
}

// AutoTuner periodically adjusts the depth thresholds from recorded
// outcomes. Each run is a bounded grid search: candidate thresholds
// within ±max_threshold_change of the current ones, scored by how well
// they would have routed the observed score buckets to their
// best-performing depth.
type AutoTuner struct {
	tracker    *QualityTracker
	configPath string
	logger     *slog.Logger
}

func NewAutoTuner(tracker *QualityTracker, configPath string) *AutoTuner {
	return &AutoTuner{tracker: tracker, configPath: configPath, logger: slog.Default()}
}

// Tune runs one tuning pass against cfg and persists the new
// thresholds if they changed. cfg is updated in place on apply.
func (a *AutoTuner) Tune(ctx context.Context, cfg *Config) (*TuneResult, error) {
	result := &TuneResult{
		Old: cfg.Thresholds,
		New: cfg.Thresholds,
	}

	if !cfg.Tuning.Enabled {
		result.Status = TuneSkipped
		result.Reason = "tuning disabled"
		return result, nil
	}

	const days = 30
	samples, err := a.tracker.SampleCount(ctx, days)
	if err != nil {
		return nil, err
	}
	result.SamplesUsed = samples
	if samples < cfg.Tuning.MinSamples {
		result.Status = TuneSkipped
		result.Reason = fmt.Sprintf("insufficient samples: %d of %d required", samples, cfg.Tuning.MinSamples)
		return result, nil
	}

	stats, err := a.tracker.Stats(ctx, days)
	if err != nil {
		return nil, err
	}
	result.Analysis = stats

	best := bestDepthPerBucket(stats, cfg.Weights)
	if len(best) == 0 {
		result.Status = TuneSkipped
		result.Reason = "no bucket statistics"
		return result, nil
	}

	proposed := a.gridSearch(cfg.Thresholds, cfg.Safety, best)
	proposed = applySafety(cfg.Thresholds, proposed, stats, cfg.Safety.MinSuccessRate)

	if proposed == cfg.Thresholds {
		result.Status = TuneNoop
		result.Reason = "current thresholds already optimal"
		return result, nil
	}

	old := cfg.Thresholds
	cfg.Thresholds = proposed
	if err := cfg.Save(a.configPath); err != nil {
		cfg.Thresholds = old
		return nil, fmt.Errorf("optimizer: persist tuned config: %w", err)
	}

	a.logger.Info("thresholds tuned",
		"flat_max", proposed.FlatMax, "light_max", proposed.LightMax,
		"prev_flat_max", old.FlatMax, "prev_light_max", old.LightMax,
		"samples", samples)

	result.Status = TuneApplied
	result.Reason = "grid search found better routing"
	result.New = proposed
	return result, nil
}

// bucketChoice is the winning depth for one score bucket, with the
// sample weight behind it.
type bucketChoice struct {
	bucket int
	depth  Depth
	count  int
}

// bestDepthPerBucket picks, for each observed score bucket, the depth
// with the highest weighted value: w_q·avg_success + w_c·cost_factor.
func bestDepthPerBucket(stats []DepthBucketStats, w Weights) []bucketChoice {
	type cell struct {
		depth Depth
		value float64
		count int
	}
	byBucket := make(map[int][]cell)
	for _, s := range stats {
		value := w.Quality*s.AvgSuccess + w.Cost*costFactor[s.Depth]
		byBucket[s.Bucket] = append(byBucket[s.Bucket], cell{s.Depth, value, s.Count})
	}

	var out []bucketChoice
	for bucket, cells := range byBucket {
		bestCell := cells[0]
		total := cells[0].count
		for _, c := range cells[1:] {
			total += c.count
			if c.value > bestCell.value {
				bestCell = c
			}
		}
		out = append(out, bucketChoice{bucket: bucket, depth: bestCell.depth, count: total})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].bucket < out[j].bucket })
	return out
}

// gridSearch tries every (flat_max, light_max) pair within
// ±MaxThresholdChange of the current thresholds, keeping the
// light_max ≥ flat_max + 3 gap, and returns the pair that routes the
// most samples to their bucket's best depth. Routing a structured-best
// bucket to light earns half credit; everything else off-target earns
// none.
func (a *AutoTuner) gridSearch(current Thresholds, safety Safety, best []bucketChoice) Thresholds {
	delta := safety.MaxThresholdChange
	bestT := current
	bestScore := routingScore(current, best)

	for flat := current.FlatMax - delta; flat <= current.FlatMax+delta; flat++ {
		if flat < 0 {
			continue
		}
		for light := current.LightMax - delta; light <= current.LightMax+delta; light++ {
			if light < flat+3 {
				continue
			}
			cand := Thresholds{FlatMax: flat, LightMax: light}
			score := routingScore(cand, best)
			if score > bestScore {
				bestScore = score
				bestT = cand
			}
		}
	}
	return bestT
}

func routingScore(t Thresholds, best []bucketChoice) float64 {
	var score float64
	for _, b := range best {
		// Route by the bucket's representative total (its midpoint).
		total := b.bucket + 2
		var routed Depth
		switch {
		case total <= t.FlatMax:
			routed = DepthFlat
		case total <= t.LightMax:
			routed = DepthLight
		default:
			routed = DepthStructured
		}

		weight := float64(b.count)
		switch {
		case routed == b.depth:
			score += weight
		case routed == DepthStructured && b.depth == DepthLight:
			// Over-provisioning is the safe direction of a miss.
			score += 0.5 * weight
		}
	}
	return score
}

// applySafety keeps thresholds from rising when the depth below the
// boundary is underperforming: if flat's average success is below the
// floor, flat_max may only decrease (fewer requests routed flat), and
// likewise light_max for light.
func applySafety(current, proposed Thresholds, stats []DepthBucketStats, minSuccess float64) Thresholds {
	avg := func(depth Depth) (float64, bool) {
		var sum float64
		var n int
		for _, s := range stats {
			if s.Depth == depth {
				sum += s.AvgSuccess * float64(s.Count)
				n += s.Count
			}
		}
		if n == 0 {
			return 0, false
		}
		return sum / float64(n), true
	}

	if rate, ok := avg(DepthFlat); ok && rate < minSuccess && proposed.FlatMax > current.FlatMax {
		proposed.FlatMax = current.FlatMax
	}
	if rate, ok := avg(DepthLight); ok && rate < minSuccess && proposed.LightMax > current.LightMax {
		proposed.LightMax = current.LightMax
	}
	if proposed.LightMax < proposed.FlatMax+3 {
		proposed.LightMax = proposed.FlatMax + 3
	}
	return proposed
}
