package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/deskrelay/internal/agent"
	"github.com/ehrlich-b/deskrelay/internal/config"
	"github.com/ehrlich-b/deskrelay/internal/logger"
)

func agentCmd(root *rootFlags) *cobra.Command {
	var relayURL string
	var captureDir string
	var frameInterval time.Duration
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Register this desktop with a relay and execute its commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closer, err := root.setup()
			if err != nil {
				return err
			}
			defer closer.Close()

			ac := cfg.Agent
			if relayURL != "" {
				ac.RelayURL = relayURL
			}
			if captureDir != "" {
				ac.CaptureDir = captureDir
			}
			if frameInterval > 0 {
				ac.FrameInterval = config.Duration(frameInterval)
			}

			a, err := buildAgent(ac, dryRun)
			if err != nil {
				return err
			}
			logger.Info("agent starting", "relay", ac.RelayURL, "capture_dir", ac.CaptureDir,
				"frame_interval", ac.FrameInterval.Std(), "dry_run", dryRun)
			err = a.Run(cmd.Context())
			if cmd.Context().Err() != nil {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&relayURL, "relay", "", "relay URL (default from config)")
	cmd.Flags().StringVar(&captureDir, "capture-dir", "", "serve the newest JPEG in this directory as the screen")
	cmd.Flags().DurationVar(&frameInterval, "frame-interval", 0, "push a frame this often (0: on request only)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "log commands instead of driving the desktop")
	return cmd
}

func buildAgent(ac config.AgentConfig, dryRun bool) (*agent.Agent, error) {
	var targets agent.Targets
	if ac.TargetsFile != "" {
		t, err := agent.LoadTargets(ac.TargetsFile)
		if err != nil {
			return nil, err
		}
		targets = t
		logger.Info("focus targets loaded", "targets", targets.Names())
	}

	var input agent.Input
	var capture agent.Capture
	if dryRun {
		rec := &agent.RecordingProvider{
			Targets:  targets,
			OnAction: func(a agent.Action) { logger.Info("dry run", "action", a.String()) },
		}
		input, capture = rec, rec
	} else {
		overrides := make(map[string][]string, len(ac.Commands)+1)
		for k, v := range ac.Commands {
			overrides[k] = v
		}
		if len(ac.CaptureCommand) > 0 {
			overrides[agent.TemplateCapture] = ac.CaptureCommand
		}
		shell := agent.NewShellProvider(overrides, targets)
		input, capture = shell, shell
	}

	a := &agent.Agent{
		RelayURL:      ac.RelayURL,
		FrameInterval: ac.FrameInterval.Std(),
		Logger:        logger.Log,
		OnStateChange: func(state string, err error) {
			logger.Debug("agent state", "state", state, "err", err)
		},
	}

	if ac.CaptureDir != "" {
		if fi, err := os.Stat(ac.CaptureDir); err != nil || !fi.IsDir() {
			return nil, fmt.Errorf("%w: capture dir %s is not a directory", config.ErrInvalid, ac.CaptureDir)
		}
		dc := agent.NewDirCapture(ac.CaptureDir)
		capture = dc
		a.Watcher = dc
	}
	a.Provider = agent.Combine(input, capture)
	return a, nil
}
