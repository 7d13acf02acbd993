package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sl4m3/ledgermind-sub000/internal/models"
)

// isolateHome points HOME at a temp directory so tests never read or
// write the real ~/.ledgermind/ config, and clears env overrides.
func isolateHome(t *testing.T, tmpDir string) {
	t.Helper()
	tmpHome := filepath.Join(tmpDir, "home")
	if err := os.MkdirAll(tmpHome, 0700); err != nil {
		t.Fatalf("Failed to create temp home: %v", err)
	}
	t.Setenv("HOME", tmpHome)
	for _, key := range []string{"LEDGERMIND_ROOT", "LEDGERMIND_NAMESPACE", "LEDGERMIND_EMBED_PROVIDER", "LEDGERMIND_GIT_AUDIT"} {
		t.Setenv(key, "")
	}
}

// run executes the CLI with args against root and returns stdout.
func run(t *testing.T, root, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--root", root}, args...))
	err := cmd.ExecuteContext(t.Context())
	return out.String(), err
}

func mustRun(t *testing.T, root string, args ...string) string {
	t.Helper()
	out, err := run(t, root, "", args...)
	if err != nil {
		t.Fatalf("ledgermind %s: %v", strings.Join(args, " "), err)
	}
	return out
}

func recordJSON(t *testing.T, root string, args ...string) *models.Record {
	t.Helper()
	out := mustRun(t, root, append([]string{"--json", "record"}, args...)...)
	var rec models.Record
	if err := json.Unmarshal([]byte(out), &rec); err != nil {
		t.Fatalf("decoding record output %q: %v", out, err)
	}
	return &rec
}

func TestNewRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	want := []string{
		"version", "init", "record", "supersede", "accept", "reject", "show", "list",
		"search", "link", "forget", "history", "event", "targets", "decay", "reflect",
		"index", "check", "stats", "backup", "mcp-server", "serve",
	}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestVersionCmd_JSON(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--json", "version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("decoding version: %v", err)
	}
	if got["version"] != version {
		t.Errorf("version = %q, want %q", got["version"], version)
	}
}

func TestInit_WritesConfig(t *testing.T) {
	tmpDir := t.TempDir()
	isolateHome(t, tmpDir)
	root := filepath.Join(tmpDir, "store")

	out := mustRun(t, root, "init")
	if !strings.Contains(out, "Initialized") {
		t.Errorf("init output = %q", out)
	}
	if _, err := os.Stat(filepath.Join(root, "config.yaml")); err != nil {
		t.Fatalf("config.yaml not written: %v", err)
	}

	// A second init keeps the existing config.
	out = mustRun(t, root, "init")
	if strings.Contains(out, "Wrote") {
		t.Errorf("second init rewrote config: %q", out)
	}
}

func TestRecordConflictAndSupersede(t *testing.T) {
	tmpDir := t.TempDir()
	isolateHome(t, tmpDir)
	root := filepath.Join(tmpDir, "store")

	first := recordJSON(t, root, "--target", "db", "--title", "Use Postgres", "--rationale", "The team already runs it in production")
	if first.Status != models.StatusActive {
		t.Fatalf("first status = %s, want active", first.Status)
	}

	_, err := run(t, root, "", "record", "--target", "db", "--title", "Use MySQL", "--rationale", "Managed offering is cheaper")
	if err == nil {
		t.Fatal("expected a conflict for a second active decision")
	}
	if !strings.Contains(err.Error(), "--supersede "+first.ID) {
		t.Errorf("conflict error lacks a resolution hint: %v", err)
	}

	second := recordJSON(t, root, "--target", "db", "--title", "Use MySQL", "--rationale", "Managed offering is cheaper",
		"--supersede", first.ID)
	if len(second.Supersedes) != 1 || second.Supersedes[0] != first.ID {
		t.Errorf("supersedes = %v, want [%s]", second.Supersedes, first.ID)
	}

	// The old id resolves to its successor in balanced mode.
	out := mustRun(t, root, "--json", "show", first.ID)
	var shown models.Record
	if err := json.Unmarshal([]byte(out), &shown); err != nil {
		t.Fatalf("decoding show: %v", err)
	}
	if shown.ID != second.ID {
		t.Errorf("show %s resolved to %s, want %s", first.ID, shown.ID, second.ID)
	}

	out = mustRun(t, root, "check")
	if !strings.Contains(out, "All invariants hold") {
		t.Errorf("check output = %q", out)
	}
}

func TestSearch_JSON(t *testing.T) {
	tmpDir := t.TempDir()
	isolateHome(t, tmpDir)
	root := filepath.Join(tmpDir, "store")

	rec := recordJSON(t, root, "--target", "db", "--title", "Use Postgres for storage", "--rationale", "The team already runs it in production")
	recordJSON(t, root, "--target", "cache", "--title", "Use Redis for caching", "--rationale", "Low latency and simple to operate")

	out := mustRun(t, root, "--json", "search", "postgres")
	var got struct {
		Count   int `json:"count"`
		Results []struct {
			Record models.Record `json:"record"`
		} `json:"results"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decoding search: %v", err)
	}
	if got.Count == 0 || got.Results[0].Record.ID != rec.ID {
		t.Errorf("search results = %+v, want %s first", got.Results, rec.ID)
	}

	if _, err := run(t, root, "", "search", "postgres", "--mode", "loose"); err == nil {
		t.Error("expected an error for an unknown mode")
	}
}

func TestForget_ConfirmAndForce(t *testing.T) {
	tmpDir := t.TempDir()
	isolateHome(t, tmpDir)
	root := filepath.Join(tmpDir, "store")

	rec := recordJSON(t, root, "--target", "db", "--title", "Use Postgres", "--rationale", "The team already runs it in production")

	out, err := run(t, root, "n\n", "forget", rec.ID)
	if err != nil {
		t.Fatalf("forget: %v", err)
	}
	if !strings.Contains(out, "Cancelled") {
		t.Errorf("forget without confirmation = %q", out)
	}
	mustRun(t, root, "show", rec.ID)

	mustRun(t, root, "forget", "--force", rec.ID)
	if _, err := run(t, root, "", "show", rec.ID); err == nil {
		t.Error("forgotten record is still readable")
	}
}

func TestEvent_Routing(t *testing.T) {
	tmpDir := t.TempDir()
	isolateHome(t, tmpDir)
	root := filepath.Join(tmpDir, "store")

	out := mustRun(t, root, "--json", "event", "--kind", "error", "--content", "migration timed out",
		"--context", `{"target":"db"}`)
	var dec models.Decision
	if err := json.Unmarshal([]byte(out), &dec); err != nil {
		t.Fatalf("decoding event output: %v", err)
	}
	if !dec.ShouldPersist || dec.StoreType != models.StoreEpisodic {
		t.Errorf("error event routed to %+v, want episodic", dec)
	}

	if _, err := run(t, root, "", "event", "--kind", "error", "--context", "{not json"); err == nil {
		t.Error("expected an error for malformed context")
	}
}

func TestMaintenanceCommands(t *testing.T) {
	tmpDir := t.TempDir()
	isolateHome(t, tmpDir)
	root := filepath.Join(tmpDir, "store")
	recordJSON(t, root, "--target", "db", "--title", "Use Postgres", "--rationale", "The team already runs it in production")

	out := mustRun(t, root, "decay", "--dry-run")
	if !strings.Contains(out, "Dry run") {
		t.Errorf("decay output = %q", out)
	}
	mustRun(t, root, "reflect")

	out = mustRun(t, root, "index", "rebuild")
	if !strings.Contains(out, "Indexed 1 record") {
		t.Errorf("rebuild output = %q", out)
	}
	out = mustRun(t, root, "index", "verify")
	if strings.Contains(out, "Index rebuilt") {
		t.Errorf("verify after rebuild found drift: %q", out)
	}

	out = mustRun(t, root, "--json", "stats")
	var stats struct {
		Records int  `json:"records"`
		Vectors bool `json:"vectors"`
	}
	if err := json.Unmarshal([]byte(out), &stats); err != nil {
		t.Fatalf("decoding stats: %v", err)
	}
	if stats.Records != 1 || stats.Vectors {
		t.Errorf("stats = %+v, want 1 record without vectors", stats)
	}
}

func TestBackupCreateAndRestore(t *testing.T) {
	tmpDir := t.TempDir()
	isolateHome(t, tmpDir)
	root := filepath.Join(tmpDir, "store")
	rec := recordJSON(t, root, "--target", "db", "--title", "Use Postgres", "--rationale", "The team already runs it in production")

	out := mustRun(t, root, "--json", "backup", "create", "--keep", "1")
	var created struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal([]byte(out), &created); err != nil {
		t.Fatalf("decoding backup output: %v", err)
	}
	if !strings.HasPrefix(created.Path, filepath.Join(root, "backups")) {
		t.Errorf("backup path = %s, want under %s/backups", created.Path, root)
	}
	mustRun(t, root, "backup", "verify", created.Path)

	if _, err := run(t, root, "", "backup", "create", "--output", filepath.Join(tmpDir, "elsewhere.json.gz")); err == nil {
		t.Error("expected backup outside the allowed dirs to be refused")
	}

	// The source store is not empty.
	if _, err := run(t, root, "", "backup", "restore", created.Path); err == nil {
		t.Error("expected restore into a non-empty store to fail")
	}

	fresh := filepath.Join(tmpDir, "restored")
	out = mustRun(t, fresh, "backup", "restore", created.Path)
	if !strings.Contains(out, "Restored 1 records") {
		t.Errorf("restore output = %q", out)
	}
	out = mustRun(t, fresh, "show", rec.ID)
	if !strings.Contains(out, "Use Postgres") {
		t.Errorf("restored record = %q", out)
	}
}
