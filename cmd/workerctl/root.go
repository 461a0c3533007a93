package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	workersdk "github.com/peterson8992/workers-sdk"
)

var (
	flagConfig   string
	flagLogLevel string
	flagNoColor  bool
)

var rootCmd = &cobra.Command{
	Use:   "workerctl",
	Short: "Build, run, and deploy edge workers",
	Long: `workerctl covers the whole worker lifecycle: scaffold a project,
run it locally against SQLite-backed KV and D1 bindings, validate the
bundle, deploy it, and watch it run.

Credentials come from the environment:
  WORKERS_ACCOUNT_ID  account to operate on
  WORKERS_API_TOKEN   API token
  WORKERS_API_BASE    API endpoint override (optional)

Local-only commands (init, dev, check, kv, d1 execute) work without
credentials.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupOutput()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "Path to worker.yaml (default: nearest worker.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&flagNoColor, "no-color", false, "Disable colored output")
}

// setupOutput configures color handling and diagnostic logging before any
// command runs.
func setupOutput() error {
	if flagNoColor || os.Getenv("NO_COLOR") != "" {
		color.NoColor = true
	}
	level, err := zerolog.ParseLevel(flagLogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q (use debug, info, warn, or error)", flagLogLevel)
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05", NoColor: color.NoColor}
	workersdk.SetLogger(zerolog.New(out).Level(level).With().Timestamp().Logger())
	return nil
}

// loadProject locates and loads the project configuration. The returned
// directory is the project root, used to resolve the entry point, assets,
// and the local data directory.
func loadProject() (*workersdk.ProjectConfig, string, error) {
	path := flagConfig
	if path == "" {
		found, err := workersdk.FindProjectConfig(".")
		if err != nil {
			return nil, "", fmt.Errorf("no %s found here or in any parent directory (run `workerctl init` to start a project)", workersdk.ProjectConfigFile)
		}
		path = found
	}
	cfg, err := workersdk.LoadProjectConfig(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, filepath.Dir(path), nil
}

// projectDataDir returns the local state directory, preferring the project
// root when a config is findable so CLI commands share stores with the dev
// server.
func projectDataDir() string {
	_, dir, err := loadProject()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, workersdk.DataDir)
}

// apiClient builds a platform client from environment credentials.
func apiClient() (*workersdk.Client, error) {
	ac, err := workersdk.LoadAccountConfig()
	if err != nil {
		return nil, err
	}
	return workersdk.NewClient(ac), nil
}

// signalContext returns a context canceled by Ctrl-C or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
