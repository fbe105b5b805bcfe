package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/deskrelay/internal/config"
	"github.com/ehrlich-b/deskrelay/internal/logger"
)

var version = "dev"

// rootFlags are shared by every subcommand.
type rootFlags struct {
	config   string
	profile  string
	logLevel string
	logFile  string
}

func main() {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "dr",
		Short:         "deskrelay: drive a desktop from a browser through a relay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.config, "config", "", "config file (default: ~/.deskrelay/config.yaml if present)")
	root.PersistentFlags().StringVar(&flags.profile, "profile", "", "deployment profile: local or cloud")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "debug, info, warn, or error")
	root.PersistentFlags().StringVar(&flags.logFile, "log-file", "", "also write logs to this file")

	root.AddCommand(
		serveCmd(flags),
		agentCmd(flags),
		issuesCmd(flags),
		versionCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// setup loads the configuration, applies flag overrides, and starts logging.
// The returned closer releases the log file.
func (f *rootFlags) setup() (*config.Config, io.Closer, error) {
	path := f.config
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path, f.profile)
	if err != nil {
		return nil, nil, err
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if f.logFile != "" {
		cfg.Logging.File = f.logFile
	}
	closer, err := logger.Init(cfg.Logging.Level, cfg.Logging.File)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	logger.Debug("config loaded", "path", path, "profile", cfg.Profile)
	return cfg, closer, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "dr %s\n", version)
			return nil
		},
	}
}
