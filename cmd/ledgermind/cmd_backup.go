package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sl4m3/ledgermind-sub000/internal/backup"
	"github.com/sl4m3/ledgermind-sub000/internal/pathutil"
)

func newBackupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create, list, verify and restore store backups",
	}
	cmd.AddCommand(newBackupCreateCmd(), newBackupListCmd(), newBackupVerifyCmd(), newBackupRestoreCmd())
	return cmd
}

func newBackupCreateCmd() *cobra.Command {
	var (
		output  string
		keep    int
		maxAge  string
		maxSize string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Write a compressed snapshot of every record and event",
		Long: `Write a snapshot of the store to <root>/backups/ (or --output, which
must be inside <root>/backups/ or ~/.ledgermind/backups/).

Retention flags prune older backups in the same directory afterwards. A
backup is kept when any of the policies keeps it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			mem, err := openMemory(cmd)
			if err != nil {
				return err
			}
			defer mem.Close()

			root := mem.Config().Root
			path := output
			if path == "" {
				path = backup.GeneratePath(backup.DefaultDir(root), time.Now())
			} else {
				allowed, err := pathutil.AllowedBackupDirs(root)
				if err != nil {
					return err
				}
				if err := pathutil.ValidatePath(path, allowed); err != nil {
					return err
				}
			}

			snap, err := mem.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			header, err := backup.Write(path, snap, map[string]string{
				"namespace": mem.Config().Namespace,
				"version":   version,
			})
			if err != nil {
				return err
			}

			policy, err := retentionPolicy(keep, maxAge, maxSize)
			if err != nil {
				return err
			}
			var deleted []string
			if policy != nil {
				if deleted, err = backup.ApplyRetention(backup.DefaultDir(root), policy, time.Now()); err != nil {
					return err
				}
			}

			if jsonOutput(cmd) {
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"path":    path,
					"header":  header,
					"deleted": deleted,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backed up %d records and %d events to %s\n", header.RecordCount, header.EventCount, path)
			for _, d := range deleted {
				fmt.Fprintf(cmd.OutOrStdout(), "  removed old backup %s\n", pathutil.RedactPath(d))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Backup file path (default: <root>/backups/ledgermind-backup-<time>.json.gz)")
	cmd.Flags().IntVar(&keep, "keep", 0, "Keep the N most recent backups")
	cmd.Flags().StringVar(&maxAge, "max-age", "", "Keep backups younger than this (e.g. 36h, 30d, 2w)")
	cmd.Flags().StringVar(&maxSize, "max-size", "", "Keep the newest backups up to this total size (e.g. 500MB)")
	return cmd
}

// retentionPolicy combines the retention flags, or returns nil when none
// is set.
func retentionPolicy(keep int, maxAge, maxSize string) (backup.Policy, error) {
	var policies backup.AnyOf
	if keep > 0 {
		policies = append(policies, backup.KeepLast(keep))
	}
	if maxAge != "" {
		d, err := backup.ParseDuration(maxAge)
		if err != nil {
			return nil, err
		}
		policies = append(policies, backup.KeepWithin(d))
	}
	if maxSize != "" {
		n, err := backup.ParseSize(maxSize)
		if err != nil {
			return nil, err
		}
		policies = append(policies, backup.KeepUnderSize(n))
	}
	switch len(policies) {
	case 0:
		return nil, nil
	case 1:
		return policies[0], nil
	}
	return policies, nil
}

func newBackupListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List backups in <root>/backups/",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			backups, err := backup.List(backup.DefaultDir(cfg.Root))
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"backups": backups})
			}
			if len(backups) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No backups.")
				return nil
			}
			for _, b := range backups {
				if !b.Readable {
					fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  unreadable header\n", b.CreatedAt.Local().Format(time.DateTime), b.Path)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s: %d records, %d events, %d bytes\n",
					b.CreatedAt.Local().Format(time.DateTime), b.Path, b.Namespace, b.Records, b.Events, b.Size)
			}
			return nil
		},
	}
}

func newBackupVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <file>",
		Short: "Check a backup file's checksum",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := backup.VerifyChecksum(args[0]); err != nil {
				return fmt.Errorf("%s: %w", pathutil.RedactPath(args[0]), err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: OK\n", args[0])
			return nil
		},
	}
}

func newBackupRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <file>",
		Short: "Restore a backup into an empty store",
		Long: `Load a backup into the store at --root. The store must not hold any
records or events yet; restore into a fresh root and point your config
at it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, header, err := backup.Read(args[0])
			if err != nil {
				return err
			}

			mem, err := openMemory(cmd)
			if err != nil {
				return err
			}
			defer mem.Close()

			result, err := mem.Restore(cmd.Context(), snap)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return writeJSON(cmd.OutOrStdout(), result)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored %d records and %d events from a backup taken %s\n",
				result.Records, result.Events, header.CreatedAt.Local().Format(time.DateTime))
			return nil
		},
	}
}
