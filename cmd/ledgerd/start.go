package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"batchledger/internal/config"
)

func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the ledger until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			every, _ := cmd.Flags().GetDuration("health-interval")
			if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
				return err
			}
			log, err := NewLogger(cfg.Logging, cmd.ErrOrStderr(), cfg.Storage.DataDir)
			if err != nil {
				return err
			}
			defer log.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runStart(ctx, cfg, log, keyDirFor(cfg), every)
		},
	}
	cmd.Flags().Duration("health-interval", time.Minute, "how often to log component health")
	return cmd
}

// runStart opens the node over the persistent data directory and drives it until ctx is done.
func runStart(ctx context.Context, cfg *config.Config, log *Logger, keyDir string, every time.Duration) error {
	n, err := newNode(cfg, log, keyDir)
	if err != nil {
		return err
	}
	defer n.Close()
	log.WithFields(logrus.Fields{
		"data_dir":   cfg.Storage.DataDir,
		"validators": cfg.Consensus.Validators,
		"pending":    n.engine.Pending(),
		"records":    n.vault.Len(),
	}).Info("node started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.run(gctx) })
	g.Go(func() error {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				n.logHealth()
			}
		}
	})
	err = g.Wait()
	log.Info("node stopped")
	return err
}
