package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ehrlich-b/deskrelay/internal/agent"
	"github.com/ehrlich-b/deskrelay/internal/config"
	"github.com/ehrlich-b/deskrelay/internal/issues"
	"github.com/ehrlich-b/deskrelay/internal/logger"
	"github.com/ehrlich-b/deskrelay/internal/store"
)

// issueFlags override the issues section of the config file.
type issueFlags struct {
	owner         string
	repo          string
	issue         int
	onlyAuthor    string
	defaultTarget string
	interval      time.Duration
	replayBacklog bool
}

func (f *issueFlags) bind(fs *pflag.FlagSet, prefix string) {
	fs.StringVar(&f.owner, prefix+"owner", "", "GitHub repository owner")
	fs.StringVar(&f.repo, prefix+"repo", "", "GitHub repository name")
	fs.IntVar(&f.issue, prefix+"issue", 0, "issue number whose comments become commands")
	fs.StringVar(&f.onlyAuthor, prefix+"only-author", "", "ignore comments from anyone else")
	fs.StringVar(&f.defaultTarget, prefix+"default-target", "", "focus target for comments without a prefix")
	fs.DurationVar(&f.interval, prefix+"interval", 0, "poll interval")
	fs.BoolVar(&f.replayBacklog, prefix+"replay-backlog", false, "deliver comments that predate the first poll")
}

func (f *issueFlags) apply(c *config.IssuesConfig) {
	if f.owner != "" {
		c.Owner = f.owner
	}
	if f.repo != "" {
		c.Repo = f.repo
	}
	if f.issue > 0 {
		c.Issue = f.issue
	}
	if f.onlyAuthor != "" {
		c.OnlyAuthor = f.onlyAuthor
	}
	if f.defaultTarget != "" {
		c.DefaultTarget = f.defaultTarget
	}
	if f.interval > 0 {
		c.Interval = config.Duration(f.interval)
	}
}

// pollerConfig builds the poller settings. Target names come from the agent's
// targets file when one is configured, so "chat: hi" only works if the agent
// knows where "chat" is.
func pollerConfig(cfg *config.Config, replayBacklog bool) (issues.Config, error) {
	ic := cfg.Issues
	out := issues.Config{
		API:           ic.API,
		Owner:         ic.Owner,
		Repo:          ic.Repo,
		Issue:         ic.Issue,
		Token:         ic.Token,
		OnlyAuthor:    ic.OnlyAuthor,
		DefaultTarget: ic.DefaultTarget,
		Interval:      ic.Interval.Std(),
		Branch:        ic.Branch,
		ScreenshotDir: ic.ScreenshotDir,
		ReplayBacklog: replayBacklog,
	}
	if cfg.Agent.TargetsFile != "" {
		targets, err := agent.LoadTargets(cfg.Agent.TargetsFile)
		if err != nil {
			return out, err
		}
		out.Targets = targets.Names()
	}
	if out.Token == "" {
		logger.Warn("no GitHub token; unauthenticated requests are limited to 60 per hour")
	}
	return out, nil
}

// newPoller wires a poller to its sink, its frame source for screenshot
// requests, and the store for its cursor and audit rows. st may be nil.
func newPoller(pc issues.Config, sink issues.Sink, frames issues.FrameSource, st *store.Store) *issues.Poller {
	var cursors issues.CursorStore
	if st != nil {
		cursors = st
	}
	p := issues.New(pc, sink, cursors)
	p.SetFrames(frames)
	if st != nil {
		p.SetRecorder(st)
	}
	return p
}

func issuesCmd(root *rootFlags) *cobra.Command {
	var flags issueFlags
	var relayURL string
	var dbPath string

	cmd := &cobra.Command{
		Use:   "issues",
		Short: "Turn GitHub issue comments into desktop commands",
		Long: "Polls one issue's comments and sends each new one to the relay as a paste\n" +
			"command. Prefix a comment with \"<target>:\" to pick a focus target and\n" +
			"with \"noenter:\" to leave the text unsubmitted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closer, err := root.setup()
			if err != nil {
				return err
			}
			defer closer.Close()

			flags.apply(&cfg.Issues)
			if !cfg.Issues.Enabled() {
				return fmt.Errorf("%w: --owner, --repo, and --issue are required", config.ErrInvalid)
			}
			if relayURL != "" {
				cfg.Agent.RelayURL = relayURL
			}
			if dbPath != "" {
				cfg.Store.Path = dbPath
			}

			pc, err := pollerConfig(cfg, flags.replayBacklog)
			if err != nil {
				return err
			}

			sink := issues.NewWSSink(cfg.Agent.RelayURL)
			defer sink.Close()

			var st *store.Store
			if cfg.Store.Path != "" {
				st, err = store.Open(cfg.Store.Path)
				if err != nil {
					return fmt.Errorf("open store: %w", err)
				}
				defer st.Close()
			} else {
				logger.Warn("no store configured; the cursor resets on restart")
			}

			poller := newPoller(pc, sink, sink, st)
			logger.Info("issue poller starting", "relay", cfg.Agent.RelayURL)
			err = poller.Run(cmd.Context())
			if cmd.Context().Err() != nil {
				return nil
			}
			return err
		},
	}
	flags.bind(cmd.Flags(), "")
	cmd.Flags().StringVar(&relayURL, "relay", "", "relay URL (default from config)")
	cmd.Flags().StringVar(&dbPath, "db", "", "sqlite file for the comment cursor")
	return cmd
}
