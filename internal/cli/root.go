// Package cli implements the appgrader command-line interface using Cobra.
// serve runs the intake endpoint; round1, round2 and evaluate are the batch
// jobs; results, dispatches and tasks inspect the store.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tutu-network/appgrader/internal/daemon"
)

var rootCmd = &cobra.Command{
	Use:   "appgrader",
	Short: "Dispatch, build and grade app assignments",
	Long: `appgrader automates app-building assignments.

It dispatches task briefs to recipients, serves the intake endpoint that turns
a brief into a published static site, and grades the published repositories.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// runtime is the configuration and logger every command starts from.
type runtime struct {
	cfg    daemon.Config
	log    *slog.Logger
	closer io.Closer
}

func (r *runtime) Close() { r.closer.Close() }

// loadRuntime loads configuration and installs the configured logger as
// the process default.
func loadRuntime() (*runtime, error) {
	cfg, err := daemon.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, closer, err := daemon.NewLogger(cfg.Logging, os.Stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(log)
	return &runtime{cfg: cfg, log: log, closer: closer}, nil
}
