package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/steveyegge/codeswarm/internal/config"
)

var (
	configPath string
	verbose    bool

	// v resolves CODESWARM_* environment variables and bound flags.
	v      = config.NewViper()
	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "codeswarm",
	Short: "Run static analysis agents as a coordinated swarm",
	Long: `codeswarm splits a code analysis request into tasks, runs security,
performance, quality and dependency agents in parallel under CPU and memory
ceilings, and merges what they report into one deduplicated result.

Agents that disagree about the same code are reconciled by a configurable
conflict resolution strategy.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A .env file is optional
		_ = godotenv.Load()

		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)

		loaded, err := loadConfig()
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

func loadConfig() (*config.Config, error) {
	var (
		loaded *config.Config
		err    error
	)
	if configPath != "" {
		loaded, err = config.LoadConfigPath(configPath)
	} else {
		var cwd string
		cwd, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting working directory: %w", err)
		}
		loaded, err = config.LoadConfigFile(cwd)
	}
	if err != nil {
		return nil, err
	}
	if err := config.ApplyOverrides(loaded, v); err != nil {
		return nil, err
	}
	return loaded, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default .codeswarm/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			if exitErr.msg != "" {
				fmt.Fprintln(os.Stderr, exitErr.msg)
			}
			os.Exit(exitErr.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// exitError carries a process exit status other than 1 out of a command.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}
