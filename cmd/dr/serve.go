package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/deskrelay/internal/issues"
	"github.com/ehrlich-b/deskrelay/internal/logger"
	"github.com/ehrlich-b/deskrelay/internal/relay"
	"github.com/ehrlich-b/deskrelay/internal/store"
)

const shutdownTimeout = 5 * time.Second

func serveCmd(root *rootFlags) *cobra.Command {
	var addrFlag string
	var dbFlag string
	var retain time.Duration
	var issueOpts issueFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay between browsers and the desktop agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closer, err := root.setup()
			if err != nil {
				return err
			}
			defer closer.Close()

			if addrFlag != "" {
				cfg.Server.Addr = addrFlag
			}
			if dbFlag != "" {
				cfg.Store.Path = dbFlag
			}
			issueOpts.apply(&cfg.Issues)

			rl := relay.New(logger.Log)
			srv := relay.NewServer(rl, relay.ServerConfig{
				Version:    version,
				Profile:    cfg.Profile,
				ReadLimit:  cfg.Server.ReadLimit,
				SendBuffer: cfg.Server.SendBuffer,
			})

			var st *store.Store
			if cfg.Store.Path != "" {
				st, err = store.Open(cfg.Store.Path)
				if err != nil {
					return fmt.Errorf("open store: %w", err)
				}
				defer st.Close()
				rl.SetRecorder(st)
				srv.Store = st
				logger.Info("audit log enabled", "path", cfg.Store.Path)
			}
			defer rl.Close()

			var poller *issues.Poller
			if cfg.Issues.Enabled() {
				pc, err := pollerConfig(cfg, issueOpts.replayBacklog)
				if err != nil {
					return err
				}
				poller = newPoller(pc, rl, issues.CachedFrames{Cache: rl.Frames}, st)
			}

			httpSrv := &http.Server{
				Addr:              cfg.Server.Addr,
				Handler:           srv,
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				logger.Info("relay listening", "addr", cfg.Server.Addr, "profile", cfg.Profile, "version", version)
				if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				logger.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				err := httpSrv.Shutdown(shutdownCtx)
				// Shutdown does not touch hijacked WebSocket connections.
				srv.CloseAll()
				return err
			})
			if st != nil && retain > 0 {
				g.Go(func() error { return pruneLoop(ctx, st, retain) })
			}
			if poller != nil {
				g.Go(func() error { return poller.Run(ctx) })
			}

			err = g.Wait()
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&addrFlag, "addr", "", "listen address (default from profile)")
	cmd.Flags().StringVar(&dbFlag, "db", "", "sqlite file for the audit log and issue cursor")
	cmd.Flags().DurationVar(&retain, "retain", 7*24*time.Hour, "drop audit events older than this; 0 keeps everything")
	issueOpts.bind(cmd.Flags(), "issues-")
	return cmd
}

// pruneLoop trims the audit log at startup and then hourly.
func pruneLoop(ctx context.Context, st *store.Store, retain time.Duration) error {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		n, err := st.Prune(time.Now().Add(-retain))
		if err != nil {
			logger.Warn("prune audit log", "err", err)
		} else if n > 0 {
			logger.Info("audit log pruned", "events", n)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
