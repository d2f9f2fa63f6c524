// Package main provides the retina-forge binary: training, evaluation and
// prediction for the diabetic retinopathy severity classifier.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"retina-forge/internal/config"
	"retina-forge/internal/failure"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "retina-forge"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(failure.ExitCode(err))
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	overrides  config.Overrides
}

func rootCmd() *cobra.Command {
	g := &globalFlags{}
	cmd := &cobra.Command{
		Use:   appName,
		Short: "Diabetic retinopathy severity classifier",
		Long: `retina-forge trains and serves a 5-grade diabetic retinopathy classifier
for retinal fundus images.

Exit status: 0 success, 2 dataset error, 3 preprocessing error,
4 model load error, 5 inference error, 6 training divergence, 1 other.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	f := cmd.PersistentFlags()
	f.StringVarP(&g.configPath, "config", "c", "", "Path to YAML config")
	f.StringVar(&g.overrides.DataRoot, "data-root", "", "Override dataset root directory")
	f.StringVar(&g.overrides.Labels, "labels", "", "Override label table path")
	f.StringVar(&g.overrides.Checkpoint, "checkpoint", "", "Checkpoint to resume from (train) or to load (evaluate, predict)")
	f.IntVar(&g.overrides.Epochs, "epochs", 0, "Number of training epochs")
	f.IntVar(&g.overrides.BatchSize, "batch-size", 0, "Batch size")
	f.IntVar(&g.overrides.NumWorkers, "num-workers", 0, "Number of data loader workers")
	f.Float64Var(&g.overrides.LearningRate, "learning-rate", 0, "SGD learning rate")
	f.Int64Var(&g.overrides.Seed, "seed", 0, "PRNG seed")
	f.IntVar(&g.overrides.LogEvery, "log-every", 0, "Log every N steps")
	f.StringVar(&g.overrides.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		trainCmd(g),
		evaluateCmd(g),
		predictCmd(g),
		preprocessCmd(g),
		runsCmd(g),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
			},
		},
	)
	return cmd
}
