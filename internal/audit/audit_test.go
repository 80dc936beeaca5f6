package audit

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/breeze-rmm/autoupdate/internal/updater"
)

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	l, err := NewLogger(filepath.Join(t.TempDir(), "audit.jsonl"), 1, 3)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	return l
}

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	var entries []Entry
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("unmarshal entry: %v", err)
		}
		entries = append(entries, e)
	}
	return entries
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	l.Log(EventUpdaterStart, "", nil)
	if err := l.Close(); err != nil {
		t.Fatalf("nil Close() returned error: %v", err)
	}
	if got := l.DroppedCount(); got != -1 {
		t.Fatalf("nil DroppedCount() = %d, want -1", got)
	}
}

func TestHashChainLinking(t *testing.T) {
	l := newTestLogger(t)
	l.Log(EventUpdaterStart, "", map[string]any{"version": "1.0"})
	l.Log(EventCheckFinished, "s1", map[string]any{"state": "succeeded"})
	l.Log(EventInstallFinished, "s2", map[string]any{"installed": 2})
	l.Close()

	entries := readEntries(t, l.filePath)
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].PrevHash != genesisHash {
		t.Fatalf("entry[0].PrevHash = %q, want genesis", entries[0].PrevHash)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].PrevHash != entries[i-1].EntryHash {
			t.Fatalf("entry[%d] does not link to entry[%d]", i, i-1)
		}
	}
	if l.DroppedCount() != 0 {
		t.Fatalf("DroppedCount() = %d, want 0", l.DroppedCount())
	}
}

func TestChainResumesAfterRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	l, err := NewLogger(path, 1, 3)
	if err != nil {
		t.Fatal(err)
	}
	l.Log(EventUpdaterStart, "", nil)
	l.Log(EventUpdaterStop, "", nil)
	l.Close()

	l, err = NewLogger(path, 1, 3)
	if err != nil {
		t.Fatal(err)
	}
	l.Log(EventUpdaterStart, "", nil)
	l.Close()

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	n, err := Verify(f)
	if err != nil || n != 3 {
		t.Fatalf("Verify = %d, %v", n, err)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	l := newTestLogger(t)
	l.Log(EventComponentResult, "s1", map[string]any{"componentId": "agent", "status": "failed"})
	l.Log(EventInstallFinished, "s1", map[string]any{"failed": 1})
	l.Close()

	data, err := os.ReadFile(l.filePath)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Verify(bytes.NewReader(data)); err != nil {
		t.Fatalf("untouched log should verify: %v", err)
	}

	tampered := bytes.Replace(data, []byte(`"failed"`), []byte(`"installed"`), 1)
	if _, err := Verify(bytes.NewReader(tampered)); err == nil {
		t.Fatal("tampered log verified")
	}
}

func TestRotationWritesLinkedSentinel(t *testing.T) {
	l := newTestLogger(t)
	l.maxSize = 300

	for i := 0; i < 10; i++ {
		l.Log(EventComponentResult, "s1", map[string]any{"i": i})
	}
	l.Close()

	entries := readEntries(t, l.filePath)
	if len(entries) == 0 || entries[0].EventType != EventLogRotated {
		t.Fatalf("current file should start with a rotation sentinel: %+v", entries)
	}
	if prev, _ := entries[0].Details["previousFile"].(string); prev == "" {
		t.Fatal("sentinel has no previousFile")
	}

	backup := readEntries(t, l.filePath+".1")
	if entries[0].PrevHash != backup[len(backup)-1].EntryHash {
		t.Fatalf("sentinel prevHash %q does not match last backup hash %q",
			entries[0].PrevHash, backup[len(backup)-1].EntryHash)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].PrevHash != entries[i-1].EntryHash {
			t.Fatalf("entry[%d] does not link after rotation", i)
		}
	}
}

func TestDroppedCountIncrementsOnWriteFailure(t *testing.T) {
	l := newTestLogger(t)

	l.file.Close()
	f, err := os.Open(l.filePath) // read-only
	if err != nil {
		t.Fatalf("open read-only: %v", err)
	}
	l.file = f

	l.Log(EventCheckFinished, "s1", nil)
	if got := l.DroppedCount(); got != 1 {
		t.Fatalf("DroppedCount() = %d, want 1", got)
	}
	l.Close()
}

func TestReporterRecordsInstallSession(t *testing.T) {
	l := newTestLogger(t)
	r := l.Reporter()

	r.OnTerminal(updater.Result{
		SessionID: "s9",
		Kind:      updater.SessionInstall,
		State:     updater.StatePartiallyFailed,
		Duration:  2 * time.Second,
		Records: []updater.ProgressRecord{
			{ComponentID: "agent", Status: updater.StatusInstalled, Message: "installed"},
			{ComponentID: "toolbar", Status: updater.StatusFailed, Err: updater.ErrHashMismatch, Kind: updater.KindHashMismatch},
		},
	})
	l.Close()

	entries := readEntries(t, l.filePath)
	if len(entries) != 3 {
		t.Fatalf("expected 2 component entries and a summary, got %d", len(entries))
	}
	if entries[1].Details["errorKind"] != "hash_mismatch" {
		t.Errorf("failed component entry: %v", entries[1].Details)
	}
	summary := entries[2]
	if summary.EventType != EventInstallFinished || summary.SessionID != "s9" {
		t.Fatalf("summary: %+v", summary)
	}
	if summary.Details["installed"] != float64(1) || summary.Details["failed"] != float64(1) {
		t.Errorf("summary counts: %v", summary.Details)
	}
}
