// Command ledgerd runs the confidential batch ledger.
//
//	ledgerd init                 write a default configuration
//	ledgerd deal --out escrow    deal the disclosure escrow key into share files
//	ledgerd check-escrow         check that the share files recover the escrow key
//	ledgerd start                run the ledger until interrupted
//	ledgerd simulate             run the alice -> bob scenario in-process
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"batchledger/internal/config"
	"batchledger/internal/disclosure"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "ledgerd",
		Short:         "Confidential batch ledger with group-signed validator votes",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().String("config", "ledgerd.toml", "path to the TOML configuration")
	root.AddCommand(newInitCmd(), newDealCmd(), newCheckEscrowCmd(), newStartCmd(), newSimulateCmd())
	return root
}

// loadConfig reads the configured file, falling back to defaults when it does not exist.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return cfg, err
}

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			force, _ := cmd.Flags().GetBool("force")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", path)
			}
			cfg := config.Default()
			if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
				cfg.Storage.DataDir = dir
			}
			if err := cfg.Save(path); err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
				return fmt.Errorf("failed to create data directory: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "overwrite an existing configuration")
	cmd.Flags().String("data-dir", "", "data directory to record in the configuration")
	return cmd
}

func newDealCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deal",
		Short: "Deal the disclosure escrow key to the custodian and oversight roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			dir, _ := cmd.Flags().GetString("out")
			if dir == "" {
				dir = cfg.Path(cfg.Disclosure.EscrowDir)
			}
			d, err := disclosure.Deal(cfg.Policy())
			if err != nil {
				return err
			}
			if err := writeDealing(dir, d); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d shares and commitments to %s\n", len(d.Shares), dir)
			return nil
		},
	}
	cmd.Flags().String("out", "", "output directory (default <data_dir>/<disclosure.escrow_dir>)")
	return cmd
}

// writeDealing stores the public commitments and one private file per share holder.
func writeDealing(dir string, d *disclosure.Dealing) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create share directory: %w", err)
	}
	write := func(name string, v any, perm os.FileMode) error {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(dir, name), data, perm)
	}
	if err := write("commitments.json", d.Commitments, 0644); err != nil {
		return err
	}
	for _, s := range d.Shares {
		if err := write(s.Role+".share.json", s, 0600); err != nil {
			return err
		}
	}
	return nil
}

// newCheckEscrowCmd is the key ceremony check: the custodian and oversight share files in the
// directory must reconstruct the key the commitments fix. The key itself is never printed.
func newCheckEscrowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check-escrow",
		Short: "Check that the escrow share files recover the committed key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			dir, _ := cmd.Flags().GetString("dir")
			if dir == "" {
				dir = cfg.Path(cfg.Disclosure.EscrowDir)
			}
			d, err := readDealing(dir, cfg.Policy())
			if err != nil {
				return err
			}
			if _, err := disclosure.Reconstruct(d.Shares, cfg.Policy(), d.Commitments); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d shares in %s recover the escrow key\n", len(d.Shares), dir)
			return nil
		},
	}
	cmd.Flags().String("dir", "", "escrow directory (default <data_dir>/<disclosure.escrow_dir>)")
	return cmd
}

func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run alice -> bob through a full batch, a freeze vote and a disclosure unlock",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			keep, _ := cmd.Flags().GetBool("keep")
			timeout, _ := cmd.Flags().GetDuration("timeout")
			if n, _ := cmd.Flags().GetInt("batch-size"); n > 0 {
				cfg.Consensus.BatchSize = n
				if err := cfg.Validate(); err != nil {
					return err
				}
			}

			keyDir := keyDirFor(cfg)
			if !keep {
				if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
					return err
				}
				tmp, err := os.MkdirTemp(cfg.Storage.DataDir, "simulate-")
				if err != nil {
					return err
				}
				defer os.RemoveAll(tmp)
				cfg.Storage.DataDir = tmp
			}

			log, err := NewLogger(cfg.Logging, cmd.ErrOrStderr(), cfg.Storage.DataDir)
			if err != nil {
				return err
			}
			defer log.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSimulate(ctx, cfg, log, keyDir, timeout, cmd.OutOrStdout())
		},
	}
	cmd.Flags().Bool("keep", false, "keep the simulation databases in data_dir")
	cmd.Flags().Duration("timeout", 10*time.Minute, "how long to wait for the batch to finalize")
	cmd.Flags().Int("batch-size", 0, "override consensus.batch_size")
	return cmd
}

func runSimulate(ctx context.Context, cfg *config.Config, log *Logger, keyDir string, timeout time.Duration, out io.Writer) error {
	start := time.Now()
	n, err := newNode(cfg, log, keyDir)
	if err != nil {
		return err
	}
	defer n.Close()
	log.WithFields(logrus.Fields{
		"validators": cfg.Consensus.Validators,
		"quorum":     cfg.Consensus.Quorum,
		"batch_size": cfg.Consensus.BatchSize,
		"setup":      time.Since(start).Round(time.Millisecond),
	}).Info("node ready")

	rep, err := simulate(ctx, n, timeout)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"report":  rep,
		"metrics": n.metrics.GetMetricsSummary(),
	})
}
