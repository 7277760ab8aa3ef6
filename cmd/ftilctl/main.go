// Command ftilctl is the coordinator's command line. It connects to the
// segment nodes listed in the network config and runs computations on them.
//
// # Usage
//
//	ftilctl --config=network.yaml nodes
//	ftilctl --config=network.yaml tags --query "SELECT account, flagged FROM accounts"
//	ftilctl --config=network.yaml saves list
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/etienne-leroy/FTILlite/config"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	ConfigFile string
	Timeout    time.Duration
	Debug      bool
	LogJSON    bool
}

func newRootCommand() *cobra.Command {
	var g globalFlags

	cmd := &cobra.Command{
		Use:   "ftilctl",
		Short: "FTILlite coordinator",
		Long: `ftilctl drives a network of FTILlite segment nodes as the coordinator.

Every subcommand reads the network description given with --config, connects
to the nodes over the configured transport and initialises them before
running.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&g.ConfigFile, "config", "c", "", "network configuration file")
	cmd.PersistentFlags().DurationVar(&g.Timeout, "timeout", 30*time.Minute, "overall deadline of the command")
	cmd.PersistentFlags().BoolVar(&g.Debug, "debug", false, "log at debug level")
	cmd.PersistentFlags().BoolVar(&g.LogJSON, "log-json", false, "log in JSON")
	cmd.MarkPersistentFlagRequired("config")

	cmd.AddCommand(
		newNodesCommand(&g),
		newTagsCommand(&g),
		newSavesCommand(&g),
	)
	return cmd
}

func (g *globalFlags) logger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if g.Debug {
		opts.Level = slog.LevelDebug
	}
	if g.LogJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func (g *globalFlags) config() (*config.NetworkConfig, error) {
	cfg, err := config.LoadConfig(g.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (g *globalFlags) context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, g.Timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
