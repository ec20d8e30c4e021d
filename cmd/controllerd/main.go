// Command controllerd is the Container Lifecycle Controller daemon.
// Grounded on pkg/cli/root.go's cobra/viper RootCommand wiring,
// narrowed to the subcommands this daemon actually needs: there is no
// agent/MCP/catalog surface here, only serve and version.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dyad-run/clc/internal/config"
	"github.com/dyad-run/clc/internal/controllerd"
	"github.com/dyad-run/clc/internal/logx"
)

var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	var fallback bool

	root := &cobra.Command{
		Use:   "controllerd",
		Short: "Container Lifecycle Controller daemon",
		Long: `controllerd starts, stops, and reaps per-app dev-server
containers, allocating host ports from a bounded range and
rediscovering state from the container engine on restart.`,
	}

	pflags := root.PersistentFlags()
	pflags.StringVar(&configPath, "config", "", "path to config file")
	_ = viper.BindPFlag("config", pflags.Lookup("config"))

	root.AddCommand(newServeCommand(&configPath, &fallback))
	root.AddCommand(newVersionCommand())

	return root
}

func newServeCommand(configPath *string, fallback *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the controller daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configPath, *fallback)
		},
	}
	cmd.Flags().BoolVar(fallback, "fallback", false, "use the local-process runner instead of a container engine")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("controllerd version %s (commit %s)\n", version, gitCommit)
			return nil
		},
	}
}

func runServe(configPath string, fallback bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var app *controllerd.App
	if fallback {
		app, err = controllerd.BuildFallback(cfg)
	} else {
		app, err = controllerd.Build(cfg)
	}
	if err != nil {
		return fmt.Errorf("build controller daemon: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-quit
		logx.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	return app.Run(ctx)
}
