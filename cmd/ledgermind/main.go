package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sl4m3/ledgermind-sub000/internal/config"
	"github.com/sl4m3/ledgermind-sub000/internal/logging"
	"github.com/sl4m3/ledgermind-sub000/internal/memory"
	"github.com/sl4m3/ledgermind-sub000/internal/models"
)

var (
	version = "0.1.0-dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ledgermind",
		Short: "Decision memory for humans and AI agents",
		Long: `ledgermind keeps a versioned ledger of decisions, constraints and
assumptions next to an episodic log of what agents observed.

Every write is checked for conflicts with the active decision of its
target; replacing one requires an explicit supersede or deprecate.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON (for agent consumption)")
	rootCmd.PersistentFlags().String("root", "", "Storage directory (default: from config, else ./.ledgermind)")
	rootCmd.PersistentFlags().String("config", "", "Config file (default: ~/.ledgermind/config.yaml, then <root>/config.yaml)")
	rootCmd.PersistentFlags().String("namespace", "", "Namespace to operate in (default: from config)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newInitCmd(),
		// Knowledge commands
		newRecordCmd(),
		newSupersedeCmd(),
		newAcceptCmd(),
		newRejectCmd(),
		newShowCmd(),
		newListCmd(),
		newSearchCmd(),
		newLinkCmd(),
		newForgetCmd(),
		newHistoryCmd(),
		newEventCmd(),
		newTargetsCmd(),
		// Maintenance commands
		newDecayCmd(),
		newReflectCmd(),
		newIndexCmd(),
		newCheckCmd(),
		newStatsCmd(),
		newBackupCmd(),
		// Servers
		newMCPServerCmd(),
		newServeCmd(),
	)
	return rootCmd
}

// loadConfig resolves the configuration for a command: an explicit
// --config file, else <root>/config.yaml when --root is given, else the
// default locations. Flags override the file.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	root, _ := cmd.Flags().GetString("root")
	if path == "" && root != "" {
		if candidate := filepath.Join(root, "config.yaml"); fileExists(candidate) {
			path = candidate
		}
	}

	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFromFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if root != "" {
		cfg.Root = root
	}
	if ns, _ := cmd.Flags().GetString("namespace"); ns != "" {
		cfg.Namespace = ns
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openMemory opens the store for a command. Logs go to stderr so stdout
// stays clean for results and the MCP protocol.
func openMemory(cmd *cobra.Command, opts ...memory.Option) (*memory.Memory, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cmd.ErrOrStderr())
	opts = append([]memory.Option{memory.WithLogger(logger)}, opts...)
	mem, err := memory.Open(cmd.Context(), cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s: %w", cfg.Root, err)
	}
	return mem, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func jsonOutput(cmd *cobra.Command) bool {
	jsonOut, _ := cmd.Flags().GetBool("json")
	return jsonOut
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printRecord(w io.Writer, rec *models.Record) {
	fmt.Fprintf(w, "%s  %s\n", rec.ID, rec.Title)
	fmt.Fprintf(w, "  Target:     %s (%s)\n", rec.Target, rec.Namespace)
	fmt.Fprintf(w, "  Kind:       %s\n", rec.Kind)
	fmt.Fprintf(w, "  Status:     %s\n", rec.Status)
	fmt.Fprintf(w, "  Confidence: %.2f\n", rec.Confidence)
	if rec.SupersededBy != "" {
		fmt.Fprintf(w, "  Superseded by: %s\n", rec.SupersededBy)
	}
	if len(rec.Supersedes) > 0 {
		fmt.Fprintf(w, "  Supersedes: %s\n", strings.Join(rec.Supersedes, ", "))
	}
	if rec.StatusReason != "" {
		fmt.Fprintf(w, "  Reason:     %s\n", rec.StatusReason)
	}
	if rec.Rationale != "" {
		fmt.Fprintf(w, "  Rationale:  %s\n", rec.Rationale)
	}
	for _, c := range rec.Consequences {
		fmt.Fprintf(w, "  - %s\n", c)
	}
}

// explain adds a resolution hint to conflict errors.
func explain(err error) error {
	var conflict *memory.ConflictError
	if errors.As(err, &conflict) {
		ids := strings.Join(conflict.ConflictIDs, ",")
		return fmt.Errorf("%w\nresolve with --supersede %s or --deprecate %s", err, ids, ids)
	}
	return err
}
