package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"daybook/internal/config"
	"daybook/internal/model"
	"daybook/internal/ops"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

// loadConfig reads --config; a missing file means defaults.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	return config.LoadOrDefault(o.configPath)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "daybook-ops",
		Short:         "Maintenance tasks for a daybook data directory",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", config.DefaultPath, "path to the YAML config file")

	root.AddCommand(backupCmd(opts))
	root.AddCommand(restoreCmd())
	root.AddCommand(drillCmd(opts))
	root.AddCommand(rolloverCmd(opts))
	return root
}

func dataDirOrConfig(opts *rootOptions, flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	cfg, err := opts.loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.Storage.DataDir, nil
}

func backupCmd(opts *rootOptions) *cobra.Command {
	var dataDir, out, compression string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive the data directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := dataDirOrConfig(opts, dataDir)
			if err != nil {
				return err
			}
			if out == "" {
				comp, err := ops.ParseCompression(compression)
				if err != nil {
					return err
				}
				ts := time.Now().UTC().Format("20060102T150405Z")
				out = filepath.Join("backups", "daybook-"+ts+comp.Ext())
			}
			if err := ops.BackupDataDir(dir, out); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "data directory (default: storage.data_dir)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "archive path (.tar.gz or .tar.zst)")
	cmd.Flags().StringVar(&compression, "compression", "gzip", "gzip or zstd, used when --out is not set")
	return cmd
}

func restoreCmd() *cobra.Command {
	var archive, target string
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Unpack a backup archive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ops.RestoreDataDir(archive, target); err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), target)
			return nil
		},
	}
	cmd.Flags().StringVarP(&archive, "archive", "a", "", "backup archive to restore")
	cmd.Flags().StringVar(&target, "target-dir", "data-restored", "restore target directory")
	_ = cmd.MarkFlagRequired("archive")
	return cmd
}

func drillCmd(opts *rootOptions) *cobra.Command {
	var dataDir, workDir, compression string
	cmd := &cobra.Command{
		Use:   "drill",
		Short: "Back up, restore and compare checksums",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := dataDirOrConfig(opts, dataDir)
			if err != nil {
				return err
			}
			comp, err := ops.ParseCompression(compression)
			if err != nil {
				return err
			}
			rep, err := ops.Drill(dir, workDir, comp, time.Now())
			if err != nil {
				return fmt.Errorf("drill failed: %w", err)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintln(w, "backup:", rep.Archive)
			fmt.Fprintln(w, "restored:", rep.RestoreDir)
			fmt.Fprintln(w, "files:", rep.Files)
			fmt.Fprintln(w, "digest:", rep.Digest)
			return nil
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "data directory (default: storage.data_dir)")
	cmd.Flags().StringVar(&workDir, "work-dir", os.TempDir(), "workspace for drill artifacts")
	cmd.Flags().StringVar(&compression, "compression", "gzip", "gzip or zstd")
	return cmd
}

func rolloverCmd(opts *rootOptions) *cobra.Command {
	var owner, today string
	cmd := &cobra.Command{
		Use:   "rollover",
		Short: "Move an owner's unfinished tasks into today's buckets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			var day model.Day
			if today != "" {
				if day, err = model.ParseDay(today); err != nil {
					return fmt.Errorf("--today: %w", err)
				}
			}
			log, err := cfg.Log.NewLogger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			log = log.With(slog.String("cmd", "rollover"))

			rep, err := ops.Rollover(cmd.Context(), cfg, log, owner, day)
			if err != nil {
				return fmt.Errorf("rollover failed: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rep)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id")
	cmd.Flags().StringVar(&today, "today", "", "day to roll into, YYYY-MM-DD (default: today, UTC)")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}
