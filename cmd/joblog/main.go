package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/joblog/joblog/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "joblog",
	Short: "JobLog - field time tracking client",
	Long: `JobLog tracks the working time of site crews against activities.
It keeps on-screen timers in step with the backend, works offline from a
local cache and replays queued changes when the connection returns.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	// No RunE - defaults to showing help when no subcommand is provided
}

var (
	apiAddr     string
	configPath  string
	dbPath      string
	metricsAddr string

	cfg    *config.Config
	logger zerolog.Logger
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "", "Backend address (overrides config)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "Path to the config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to the local SQLite cache (overrides config)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	rootCmd.AddCommand(tuiCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(pauseCmd, resumeCmd, finishCmd, moveCmd, startCmd)
	rootCmd.AddCommand(activityCmd)
	rootCmd.AddCommand(replayCmd, logCmd)
	rootCmd.AddCommand(loginCmd, logoutCmd)
	rootCmd.AddCommand(devserverCmd)
	rootCmd.AddCommand(versionCmd)
}

// setup loads the configuration and builds the logger for every command.
func setup(cmd *cobra.Command, args []string) error {
	c, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if apiAddr != "" {
		c.API.URL = apiAddr
	}
	if dbPath != "" {
		c.Database.Path = dbPath
	}
	if metricsAddr != "" {
		c.Metrics.Addr = metricsAddr
	}
	cfg = c

	// the tracking screen owns the terminal, so it logs to a file
	var out io.Writer = os.Stderr
	if cmd.Name() == "tui" {
		f, err := openLogFile(c.Log.File)
		if err != nil {
			return err
		}
		out = f
	}
	logger = newLogger(out, c.Log.Level, c.Log.Format)
	return nil
}

func newLogger(out io.Writer, level, format string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	if format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}
	l := zerolog.New(out).With().Timestamp().Logger()

	lvl, err := zerolog.ParseLevel(level)
	if err == nil {
		l = l.Level(lvl)
	}
	return l
}

func openLogFile(path string) (*os.File, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(home, ".joblog", "tui.log")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
