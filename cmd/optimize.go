package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func optimizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Inspect and tune the selection thresholds",
	}
	cmd.AddCommand(optimizeTuneCmd(), optimizeStatsCmd())
	return cmd
}

func withApp(fn func(ctx context.Context, a *app) error) {
	ctx := context.Background()
	setupLogging("warn", "text")

	a, err := buildApp(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "initialization failed: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	if err := fn(ctx, a); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func optimizeTuneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tune",
		Short: "Run one tuning pass now",
		Run: func(cmd *cobra.Command, _ []string) {
			withApp(func(ctx context.Context, a *app) error {
				result, err := a.optimizer.Tune(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("status: %s\nreason: %s\nsamples: %d\n",
					result.Status, result.Reason, result.SamplesUsed)
				fmt.Printf("thresholds: flat_max %d → %d, light_max %d → %d\n",
					result.Old.FlatMax, result.New.FlatMax,
					result.Old.LightMax, result.New.LightMax)
				return nil
			})
		},
	}
}

func optimizeStatsCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show depth × score-bucket outcome statistics",
		Run: func(cmd *cobra.Command, _ []string) {
			withApp(func(ctx context.Context, a *app) error {
				stats, err := a.optimizer.Tracker().Stats(ctx, days)
				if err != nil {
					return err
				}
				cfg := a.optimizer.Config()
				fmt.Printf("thresholds: flat_max=%d light_max=%d\n\n",
					cfg.Thresholds.FlatMax, cfg.Thresholds.LightMax)
				fmt.Printf("%-12s %-8s %6s %12s %12s\n", "depth", "bucket", "count", "avg_success", "avg_tokens")
				for _, s := range stats {
					fmt.Printf("%-12s %-8d %6d %12.2f %12.0f\n",
						s.Depth, s.Bucket, s.Count, s.AvgSuccess, s.AvgTokens)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "lookback window in days")
	return cmd
}
