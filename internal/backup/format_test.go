package backup

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sl4m3/ledgermind-sub000/internal/models"
)

func testSnapshot() *Snapshot {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &Snapshot{
		CreatedAt: at,
		Records: []*models.Record{{
			ID:               "a",
			Title:            "Use Postgres",
			Target:           "db",
			Namespace:        "default",
			Kind:             models.KindDecision,
			Status:           models.StatusActive,
			Confidence:       1,
			EvidenceEventIDs: []int64{7},
			Body:             "## Notes\n\nkept verbatim",
		}},
		Events: []*models.Event{{
			ID:        7,
			Source:    "human",
			Kind:      models.EventDecision,
			Content:   "Use Postgres",
			Context:   models.DecisionContext{Title: "Use Postgres", Target: "db"},
			Timestamp: at,
			Status:    models.EventActive,
			LinkedID:  "a",
		}},
	}
}

func TestWriteRead(t *testing.T) {
	path := GeneratePath(t.TempDir(), time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	if filepath.Base(path) != "ledgermind-backup-20260301-120000.json.gz" {
		t.Errorf("GeneratePath() = %s", filepath.Base(path))
	}

	header, err := Write(path, testSnapshot(), map[string]string{"namespace": "default"})
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if header.RecordCount != 1 || header.EventCount != 1 || !header.Compressed {
		t.Errorf("header = %+v", header)
	}
	if !strings.HasPrefix(header.Checksum, "sha256:") {
		t.Errorf("checksum = %q", header.Checksum)
	}

	snap, got, err := Read(path)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got.Metadata["namespace"] != "default" {
		t.Errorf("metadata = %v", got.Metadata)
	}
	if snap.Records[0].Body != "## Notes\n\nkept verbatim" {
		t.Errorf("record body = %q", snap.Records[0].Body)
	}
	ctx, ok := snap.Events[0].Context.(models.DecisionContext)
	if !ok || ctx.Target != "db" {
		t.Errorf("event context = %#v, want a decision context for db", snap.Events[0].Context)
	}
	if snap.Events[0].LinkedID != "a" {
		t.Errorf("linked id = %q", snap.Events[0].LinkedID)
	}
}

func TestVerifyChecksum_DetectsTampering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledgermind-backup-20260301-120000.json.gz")
	if _, err := Write(path, testSnapshot(), nil); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := VerifyChecksum(path); err != nil {
		t.Fatalf("VerifyChecksum() on intact file = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)-1] ^= 0xff
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}

	if err := VerifyChecksum(path); err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Errorf("VerifyChecksum() on tampered file = %v, want checksum mismatch", err)
	}
	if _, _, err := Read(path); err == nil {
		t.Error("Read() accepted a tampered file")
	}
}

func TestReadHeader_RejectsUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "b.json.gz")
	if err := os.WriteFile(path, []byte(`{"version":9}`+"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadHeader(path); err == nil {
		t.Error("ReadHeader() accepted version 9")
	}
}

func TestList_ReadsHeaders(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if _, err := Write(GeneratePath(dir, at), testSnapshot(), nil); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	backups, err := List(dir)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(backups) != 1 {
		t.Fatalf("List() found %d, want 1", len(backups))
	}
	if !backups[0].CreatedAt.Equal(at) || backups[0].Records != 1 || backups[0].Events != 1 {
		t.Errorf("info = %+v", backups[0])
	}
}
