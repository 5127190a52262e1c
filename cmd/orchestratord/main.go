// Package main implements orchestratord, the autonomous multi-agent task
// orchestrator's server binary: it wires together the State Store, Event
// Bus, generative model client, Tool Registry, Agent Runtime, Task Engine,
// DAG Scheduler, Lease Sweeper, Engine backend, and Command API described
// throughout the specification, and exposes a "repos register" subcommand
// for adding a target repository to the registry ahead of task submission.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/taskmesh/orchestrator/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "orchestratord: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string

	root := &cobra.Command{
		Use:   "orchestratord",
		Short: "Autonomous multi-agent task orchestrator",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config YAML file")

	root.AddCommand(serveCmd(&configPath))
	root.AddCommand(reposCmd(&configPath))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return root.ExecuteContext(ctx)
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	app, err := NewApp(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize app: %w", err)
	}
	defer app.Shutdown(context.Background())

	return app.Start(ctx)
}

func reposCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repos",
		Short: "Manage registered target repositories",
	}
	cmd.AddCommand(reposRegisterCmd(configPath))
	return cmd
}

func reposRegisterCmd(configPath *string) *cobra.Command {
	var (
		id          string
		path        string
		displayName string
		projectType string
		framework   string
	)
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a target repository so tasks can be submitted against it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReposRegister(cmd.Context(), *configPath, id, path, displayName, projectType, framework)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "repository ID (required)")
	cmd.Flags().StringVar(&path, "path", "", "absolute filesystem path to the repository working copy (required)")
	cmd.Flags().StringVar(&displayName, "display-name", "", "human-readable repository name")
	cmd.Flags().StringVar(&projectType, "project-type", "", "e.g. go, node, python")
	cmd.Flags().StringVar(&framework, "framework", "", "e.g. chi, express")
	cmd.MarkFlagRequired("id")
	cmd.MarkFlagRequired("path")
	return cmd
}

func runReposRegister(ctx context.Context, configPath, id, path, displayName, projectType, framework string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	st, _, err := buildStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if closer, ok := st.(interface{ Close(context.Context) error }); ok {
		defer closer.Close(context.Background())
	}

	return registerRepo(ctx, st, id, path, displayName, projectType, framework)
}
