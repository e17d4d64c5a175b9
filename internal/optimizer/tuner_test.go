package optimizer

import (
	"context"
	"path/filepath"
	"testing"
)

func TestTune_SkipPaths(t *testing.T) {
	tr := newTestTracker(t)
	configPath := filepath.Join(t.TempDir(), "optimizer.json")
	tuner := NewAutoTuner(tr, configPath)

	t.Run("disabled", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Tuning.Enabled = false
		res, err := tuner.Tune(context.Background(), cfg)
		if err != nil {
			t.Fatal(err)
		}
		if res.Status != TuneSkipped || res.Old != res.New {
			t.Errorf("result %+v", res)
		}
	})

	t.Run("insufficient samples", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Tuning.MinSamples = 20
		res, err := tuner.Tune(context.Background(), cfg)
		if err != nil {
			t.Fatal(err)
		}
		if res.Status != TuneSkipped {
			t.Fatalf("status = %s, want skipped", res.Status)
		}
		if res.Old != res.New {
			t.Error("skip changed thresholds")
		}
		if cfg.Thresholds != res.Old {
			t.Error("skip mutated config")
		}
	})
}

func TestGridSearch_BoundedAndGapped(t *testing.T) {
	tuner := &AutoTuner{}
	current := Thresholds{FlatMax: 10, LightMax: 20}
	safety := Safety{MaxThresholdChange: 3}

	// Bucket 10 (midpoint 12) is routed light today but performs best
	// flat: pressure to raise flat_max past 12.
	best := []bucketChoice{
		{bucket: 10, depth: DepthFlat, count: 40},
		{bucket: 25, depth: DepthStructured, count: 10},
	}
	got := tuner.gridSearch(current, safety, best)

	if d := got.FlatMax - current.FlatMax; d < -3 || d > 3 {
		t.Errorf("flat_max moved by %d, limit 3", d)
	}
	if d := got.LightMax - current.LightMax; d < -3 || d > 3 {
		t.Errorf("light_max moved by %d, limit 3", d)
	}
	if got.LightMax < got.FlatMax+3 {
		t.Errorf("gap violated: %+v", got)
	}
	if got.FlatMax < 12 {
		t.Errorf("flat_max = %d did not rise to capture the flat-best bucket", got.FlatMax)
	}
}

func TestRoutingScore(t *testing.T) {
	th := Thresholds{FlatMax: 10, LightMax: 20}
	tests := []struct {
		name string
		best []bucketChoice
		want float64
	}{
		{"exact match", []bucketChoice{{bucket: 5, depth: DepthFlat, count: 10}}, 10},
		{"miss", []bucketChoice{{bucket: 5, depth: DepthStructured, count: 10}}, 0},
		{"over-provision half credit", []bucketChoice{{bucket: 25, depth: DepthLight, count: 10}}, 5},
		{"boundary bucket routes by midpoint", []bucketChoice{{bucket: 10, depth: DepthLight, count: 4}}, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := routingScore(th, tt.best); got != tt.want {
				t.Errorf("routingScore = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestApplySafety(t *testing.T) {
	current := Thresholds{FlatMax: 10, LightMax: 20}
	stats := []DepthBucketStats{
		{Depth: DepthFlat, Bucket: 5, Count: 10, AvgSuccess: 0.4}, // below floor
		{Depth: DepthLight, Bucket: 15, Count: 10, AvgSuccess: 0.9},
	}

	// Raising flat_max while flat underperforms is blocked.
	got := applySafety(current, Thresholds{FlatMax: 13, LightMax: 21}, stats, 0.6)
	if got.FlatMax != 10 {
		t.Errorf("flat_max = %d, want capped at 10", got.FlatMax)
	}
	if got.LightMax != 21 {
		t.Errorf("light_max = %d, healthy depth should keep its raise", got.LightMax)
	}

	// Lowering is always allowed.
	got = applySafety(current, Thresholds{FlatMax: 8, LightMax: 18}, stats, 0.6)
	if got.FlatMax != 8 || got.LightMax != 18 {
		t.Errorf("lowering blocked: %+v", got)
	}

	// The gap is re-established after capping.
	got = applySafety(current, Thresholds{FlatMax: 12, LightMax: 13}, stats, 0.6)
	if got.LightMax < got.FlatMax+3 {
		t.Errorf("gap violated after safety: %+v", got)
	}
}

func TestBestDepthPerBucket(t *testing.T) {
	w := Weights{Quality: 0.7, Cost: 0.3}
	stats := []DepthBucketStats{
		// Bucket 5: flat wins on cost with equal success.
		{Depth: DepthFlat, Bucket: 5, Count: 8, AvgSuccess: 0.9},
		{Depth: DepthLight, Bucket: 5, Count: 4, AvgSuccess: 0.9},
		// Bucket 20: structured wins on quality despite cost.
		{Depth: DepthFlat, Bucket: 20, Count: 3, AvgSuccess: 0.2},
		{Depth: DepthStructured, Bucket: 20, Count: 6, AvgSuccess: 0.95},
	}
	best := bestDepthPerBucket(stats, w)
	if len(best) != 2 {
		t.Fatalf("got %d buckets", len(best))
	}
	if best[0].bucket != 5 || best[0].depth != DepthFlat || best[0].count != 12 {
		t.Errorf("bucket 5 choice %+v", best[0])
	}
	if best[1].bucket != 20 || best[1].depth != DepthStructured || best[1].count != 9 {
		t.Errorf("bucket 20 choice %+v", best[1])
	}
}
