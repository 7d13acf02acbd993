package main

import (
	"bufio"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sl4m3/ledgermind-sub000/internal/memory"
	"github.com/sl4m3/ledgermind-sub000/internal/models"
	"github.com/sl4m3/ledgermind-sub000/internal/records"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a store and its config file",
		Long: `Create the storage root, write a default config.yaml into it when
none exists, and open the store once to lay out its databases.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			path := filepath.Join(cfg.Root, "config.yaml")
			created := false
			if !fileExists(path) {
				if err := cfg.Save(path); err != nil {
					return fmt.Errorf("failed to write config: %w", err)
				}
				created = true
			}

			mem, err := openMemory(cmd)
			if err != nil {
				return err
			}
			defer mem.Close()

			if jsonOutput(cmd) {
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"root":           cfg.Root,
					"namespace":      cfg.Namespace,
					"config_created": created,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized ledgermind store at %s\n", cfg.Root)
			if created {
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			}
			return nil
		},
	}
}

// decisionFlags are the record fields shared by record and supersede.
type decisionFlags struct {
	title        string
	target       string
	rationale    string
	kind         string
	confidence   float64
	consequences []string
	evidence     []int64
	alternatives []string
	body         string
}

func (f *decisionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.title, "title", "", "Short title of the decision (required)")
	cmd.Flags().StringVar(&f.target, "target", "", "Subject the decision is about (required)")
	cmd.Flags().StringVar(&f.rationale, "rationale", "", "Why the decision was made (required)")
	cmd.Flags().StringVar(&f.kind, "kind", "decision", "Record kind: decision, proposal, constraint, assumption")
	cmd.Flags().Float64Var(&f.confidence, "confidence", 0, "Confidence in [0,1] (default depends on kind)")
	cmd.Flags().StringArrayVar(&f.consequences, "consequence", nil, "Consequence of the decision (repeatable)")
	cmd.Flags().Int64SliceVar(&f.evidence, "evidence", nil, "Episodic event ids supporting the decision")
	cmd.Flags().StringArrayVar(&f.alternatives, "alternative", nil, "Alternative that was considered (repeatable)")
	cmd.Flags().StringVar(&f.body, "body", "", "Free-form markdown body")
	cmd.MarkFlagRequired("title")
	cmd.MarkFlagRequired("target")
	cmd.MarkFlagRequired("rationale")
}

func (f *decisionFlags) input(cmd *cobra.Command) memory.DecisionInput {
	in := memory.DecisionInput{
		Title:        f.title,
		Target:       f.target,
		Rationale:    f.rationale,
		Kind:         models.RecordKind(f.kind),
		Consequences: f.consequences,
		Evidence:     f.evidence,
		Alternatives: f.alternatives,
		Body:         f.body,
		Source:       memory.SourceHuman,
	}
	if cmd.Flags().Changed("confidence") {
		c := f.confidence
		in.Confidence = &c
	}
	return in
}

func newRecordCmd() *cobra.Command {
	var (
		flags     decisionFlags
		supersede []string
		deprecate []string
		reason    string
	)
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a decision, constraint, assumption or proposal",
		Long: `Record a new semantic record for a target.

When the target already has an active record the write is refused with a
conflict. Pass --supersede or --deprecate with the conflicting ids to
replace it explicitly.

Examples:
  ledgermind record --target db --title "Use Postgres" --rationale "Team knows it well"
  ledgermind record --target db --title "Use MySQL" --rationale "Managed offering" --supersede <id>`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(supersede) > 0 && len(deprecate) > 0 {
				return fmt.Errorf("--supersede and --deprecate are mutually exclusive")
			}
			var intent *models.ResolutionIntent
			switch {
			case len(supersede) > 0:
				intent = &models.ResolutionIntent{Type: models.ResolveSupersede, Rationale: reason, TargetRecordIDs: supersede}
			case len(deprecate) > 0:
				intent = &models.ResolutionIntent{Type: models.ResolveDeprecate, Rationale: reason, TargetRecordIDs: deprecate}
			}
			if intent != nil && intent.Rationale == "" {
				intent.Rationale = flags.rationale
			}

			mem, err := openMemory(cmd)
			if err != nil {
				return err
			}
			defer mem.Close()

			rec, err := mem.RecordDecision(cmd.Context(), flags.input(cmd), intent)
			if err != nil {
				return explain(err)
			}
			return showRecord(cmd, rec, "Recorded")
		},
	}
	flags.register(cmd)
	cmd.Flags().StringSliceVar(&supersede, "supersede", nil, "Ids of conflicting records to supersede")
	cmd.Flags().StringSliceVar(&deprecate, "deprecate", nil, "Ids of conflicting records to deprecate")
	cmd.Flags().StringVar(&reason, "reason", "", "Why the conflicting records are replaced (default: the rationale)")
	return cmd
}

func newSupersedeCmd() *cobra.Command {
	var flags decisionFlags
	cmd := &cobra.Command{
		Use:   "supersede <old-id>...",
		Short: "Replace active records with a new one",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mem, err := openMemory(cmd)
			if err != nil {
				return err
			}
			defer mem.Close()

			rec, err := mem.SupersedeDecision(cmd.Context(), flags.input(cmd), args)
			if err != nil {
				return explain(err)
			}
			return showRecord(cmd, rec, "Recorded")
		},
	}
	flags.register(cmd)
	return cmd
}

func newAcceptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accept <proposal-id>",
		Short: "Accept a draft proposal as the active decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mem, err := openMemory(cmd)
			if err != nil {
				return err
			}
			defer mem.Close()

			rec, err := mem.AcceptProposal(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return showRecord(cmd, rec, "Accepted")
		},
	}
}

func newRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <proposal-id>",
		Short: "Reject a draft proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mem, err := openMemory(cmd)
			if err != nil {
				return err
			}
			defer mem.Close()

			rec, err := mem.RejectProposal(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return showRecord(cmd, rec, "Rejected")
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Why the proposal is rejected (required)")
	cmd.MarkFlagRequired("reason")
	return cmd
}

func newShowCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show the record an id resolves to",
		Long: `Show a record. In balanced mode (the default) a superseded id is
followed to its active successor; strict mode fails when the chain has no
active end; audit mode returns the record exactly as stored.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mem, err := openMemory(cmd)
			if err != nil {
				return err
			}
			defer mem.Close()

			rec, err := mem.Get(cmd.Context(), args[0], mode)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return writeJSON(cmd.OutOrStdout(), rec)
			}
			printRecord(cmd.OutOrStdout(), rec)
			if rec.Body != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "\n%s\n", rec.Body)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(records.ModeBalanced), "Resolution mode: strict, balanced, audit")
	return cmd
}

func newListCmd() *cobra.Command {
	var (
		target string
		kind   string
		status []string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List records in the namespace",
		RunE: func(cmd *cobra.Command, args []string) error {
			mem, err := openMemory(cmd)
			if err != nil {
				return err
			}
			defer mem.Close()

			f := records.Filter{
				Namespace: mem.Config().Namespace,
				Target:    target,
				Kind:      models.RecordKind(kind),
			}
			for _, s := range status {
				f.Statuses = append(f.Statuses, models.RecordStatus(s))
			}
			recs, err := mem.List(cmd.Context(), f)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"records": recs, "count": len(recs)})
			}
			if len(recs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No records.")
				return nil
			}
			for _, rec := range recs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  [%s/%s]  %s: %s\n", rec.ID, rec.Kind, rec.Status, rec.Target, rec.Title)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "Only records for this target")
	cmd.Flags().StringVar(&kind, "kind", "", "Only records of this kind")
	cmd.Flags().StringSliceVar(&status, "status", nil, "Only records with these statuses")
	return cmd
}

func newLinkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "link <event-id> <record-id>",
		Short: "Link an episodic event to a record as evidence",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			eventID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid event id %q: %w", args[0], err)
			}

			mem, err := openMemory(cmd)
			if err != nil {
				return err
			}
			defer mem.Close()

			rec, err := mem.LinkEvidence(cmd.Context(), eventID, args[1])
			if err != nil {
				return err
			}
			return showRecord(cmd, rec, fmt.Sprintf("Linked event %d to", eventID))
		},
	}
}

func newForgetCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "forget <id>",
		Short: "Permanently remove a record",
		Long: `Remove a record file, its index entry and its evidence links. The
removal is committed to the audit history; the record itself is gone.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			mem, err := openMemory(cmd)
			if err != nil {
				return err
			}
			defer mem.Close()

			rec, err := mem.Get(cmd.Context(), id, string(records.ModeAudit))
			if err != nil {
				return err
			}

			if !force && !jsonOutput(cmd) {
				fmt.Fprintf(cmd.OutOrStdout(), "Forget %s (%s: %s)? [y/N]: ", rec.ID, rec.Target, rec.Title)
				answer, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				answer = strings.TrimSpace(strings.ToLower(answer))
				if answer != "y" && answer != "yes" {
					fmt.Fprintln(cmd.OutOrStdout(), "Cancelled.")
					return nil
				}
			}

			if err := mem.Forget(cmd.Context(), id, rec.Namespace); err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"forgotten": id})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Forgot %s\n", id)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Skip confirmation")
	return cmd
}

func newHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Show the audit history of a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mem, err := openMemory(cmd)
			if err != nil {
				return err
			}
			defer mem.Close()

			entries, err := mem.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"id": args[0], "history": entries})
			}
			if len(entries) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No history for %s (is git auditing enabled?)\n", args[0])
				return nil
			}
			for _, e := range entries {
				hash := e.Hash
				if len(hash) > 10 {
					hash = hash[:10]
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s\n", hash, e.Timestamp.Local().Format(time.DateTime), e.Message)
			}
			return nil
		},
	}
}

func newEventCmd() *cobra.Command {
	var (
		kind    string
		source  string
		content string
		ctxJSON string
	)
	cmd := &cobra.Command{
		Use:   "event",
		Short: "Process a raw observation",
		Long: `Route an observation through the event pipeline. Semantic kinds
(decision, constraint, assumption, proposal) become records; everything
else is appended to the episodic log.

Examples:
  ledgermind event --kind error --content "migration timed out" --context '{"target":"db"}'
  ledgermind event --kind decision --content "Use Postgres" --context '{"title":"Use Postgres","target":"db","rationale":"Team knows it well"}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw []byte
			if ctxJSON != "" {
				raw = []byte(ctxJSON)
			}
			ec, err := models.ContextFor(models.EventKind(kind), raw)
			if err != nil {
				return fmt.Errorf("invalid --context: %w", err)
			}

			mem, err := openMemory(cmd)
			if err != nil {
				return err
			}
			defer mem.Close()

			dec, err := mem.ProcessEvent(cmd.Context(), memory.EventInput{
				Source:  source,
				Kind:    models.EventKind(kind),
				Content: content,
				Context: ec,
			})
			if err != nil {
				return explain(err)
			}
			if jsonOutput(cmd) {
				return writeJSON(cmd.OutOrStdout(), dec)
			}
			if !dec.ShouldPersist {
				fmt.Fprintf(cmd.OutOrStdout(), "Not stored: %s\n", dec.Reason)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored in %s memory: %s\n", dec.StoreType, dec.Reason)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "Event kind (required)")
	cmd.Flags().StringVar(&source, "source", memory.SourceHuman, "Who produced the event")
	cmd.Flags().StringVar(&content, "content", "", "Event content")
	cmd.Flags().StringVar(&ctxJSON, "context", "", "Event context as a JSON object")
	cmd.MarkFlagRequired("kind")
	return cmd
}

func newTargetsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "targets",
		Short: "List registered target names",
		RunE: func(cmd *cobra.Command, args []string) error {
			mem, err := openMemory(cmd)
			if err != nil {
				return err
			}
			defer mem.Close()

			names := mem.Targets()
			if jsonOutput(cmd) {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"targets": names})
			}
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		},
	}

	var aliases []string
	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Register a target name and its aliases",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mem, err := openMemory(cmd)
			if err != nil {
				return err
			}
			defer mem.Close()

			if err := mem.RegisterTarget(args[0], aliases...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered target %s\n", args[0])
			return nil
		},
	}
	add.Flags().StringSliceVar(&aliases, "alias", nil, "Alternative spellings of the target")
	cmd.AddCommand(add)
	return cmd
}

func showRecord(cmd *cobra.Command, rec *models.Record, verb string) error {
	if jsonOutput(cmd) {
		return writeJSON(cmd.OutOrStdout(), rec)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s ", verb)
	printRecord(cmd.OutOrStdout(), rec)
	return nil
}

