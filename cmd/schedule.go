package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func scheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage cron-scheduled tasks",
	}
	cmd.AddCommand(scheduleAddCmd(), scheduleListCmd(), scheduleEnableCmd(), scheduleDeleteCmd(), scheduleRunsCmd())
	return cmd
}

// withScheduler builds the app (forcing the scheduler on) and hands it
// to fn.
func withScheduler(fn func(ctx context.Context, a *app) error) {
	ctx := context.Background()
	setupLogging("warn", "text")

	os.Setenv("RENGA_SCHEDULER", "1")
	a, err := buildApp(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "initialization failed: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	if a.sched == nil {
		fmt.Fprintln(os.Stderr, "scheduler is disabled in the configuration")
		os.Exit(1)
	}
	if err := fn(ctx, a); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func scheduleAddCmd() *cobra.Command {
	var workdir string
	cmd := &cobra.Command{
		Use:   "add <cron-expr> <description>",
		Short: "Add a scheduled task",
		Args:  cobra.MinimumNArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			withScheduler(func(ctx context.Context, a *app) error {
				expr := args[0]
				description := args[1]
				task, err := a.sched.Add(ctx, description, expr, a.profile.Name, workdir)
				if err != nil {
					return err
				}
				fmt.Printf("added %s — next run %s\n", task.ID, task.NextRun.Format("2006-01-02 15:04 MST"))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&workdir, "workdir", "", "working directory for the task")
	return cmd
}

func scheduleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled tasks",
		Run: func(cmd *cobra.Command, _ []string) {
			withScheduler(func(ctx context.Context, a *app) error {
				tasks, err := a.sched.List(ctx)
				if err != nil {
					return err
				}
				for _, t := range tasks {
					state := "on"
					if !t.Enabled {
						state = "off"
					}
					fmt.Printf("%s  [%s]  %-14s  next %s  %s\n",
						t.ID, state, t.CronExpr, t.NextRun.Format("01-02 15:04"), t.Description)
				}
				return nil
			})
		},
	}
}

func scheduleEnableCmd() *cobra.Command {
	var disable bool
	cmd := &cobra.Command{
		Use:   "enable <task-id>",
		Short: "Enable (or, with --off, disable) a task",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withScheduler(func(ctx context.Context, a *app) error {
				return a.sched.SetEnabled(ctx, args[0], !disable)
			})
		},
	}
	cmd.Flags().BoolVar(&disable, "off", false, "disable instead of enable")
	return cmd
}

func scheduleDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a task and its run history",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withScheduler(func(ctx context.Context, a *app) error {
				return a.sched.Delete(ctx, args[0])
			})
		},
	}
}

func scheduleRunsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "runs <task-id>",
		Short: "Show a task's recent run history",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withScheduler(func(ctx context.Context, a *app) error {
				runs, err := a.sched.Runs(ctx, args[0])
				if err != nil {
					return err
				}
				for _, r := range runs {
					status := "ok"
					if !r.OK {
						status = "failed: " + r.Error
					}
					fmt.Printf("%s  %6dms  %s\n", r.StartedAt.Format("01-02 15:04"), r.DurationMS, status)
				}
				return nil
			})
		},
	}
}
