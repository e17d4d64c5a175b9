package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/soracode/renga/internal/gateway"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway and background services",
		Run:   runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	setupLogging("info", "text")
	a, err := buildApp(ctx)
	if err != nil {
		slog.Error("initialization failed", "error", err)
		os.Exit(1)
	}
	setupLogging(a.cfg.Log.Level, a.cfg.Log.Format)
	defer a.Close()

	if a.sched != nil {
		a.sched.Start(ctx)
	}

	srv := gateway.NewServer(gateway.Options{
		Addr:         a.cfg.Server.Addr,
		Orchestrator: a.orch,
		Store:        a.store,
		Costs:        a.costs,
		Scheduler:    a.sched,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("gateway failed", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		slog.Info("shutting down")
		shutdownCtx, cancelFn := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancelFn()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("shutdown incomplete", "error", err)
		}
	}
}
