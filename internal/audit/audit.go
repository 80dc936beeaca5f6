// Package audit keeps a tamper-evident record of update activity: which
// components were installed or failed, by which session, and when.
package audit

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/autoupdate/internal/logging"
	"github.com/breeze-rmm/autoupdate/internal/updater"
)

var log = logging.L("audit")

const (
	EventUpdaterStart    = "updater_start"
	EventUpdaterStop     = "updater_stop"
	EventCheckFinished   = "check_finished"
	EventComponentResult = "component_result"
	EventInstallFinished = "install_finished"
	EventLogRotated      = "log_rotated"
)

const genesisHash = "genesis"

// criticalEvents are fsynced after writing.
var criticalEvents = map[string]bool{
	EventUpdaterStart:    true,
	EventUpdaterStop:     true,
	EventInstallFinished: true,
}

// Entry is a single audit record.
type Entry struct {
	Timestamp string         `json:"timestamp"`
	EventType string         `json:"eventType"`
	SessionID string         `json:"sessionId,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	PrevHash  string         `json:"prevHash"`
	EntryHash string         `json:"entryHash"`
}

// Logger appends JSONL entries linked by a SHA-256 hash chain. After
// rotation the new file starts with an EventLogRotated entry whose prevHash
// is the last hash of the old file. Restarting continues the chain of the
// existing file.
type Logger struct {
	mu         sync.Mutex
	file       *os.File
	filePath   string
	maxSize    int64
	maxBackups int
	written    int64
	prevHash   string
	dropped    atomic.Int64
}

// NewLogger opens (or creates) the audit file at path.
func NewLogger(path string, maxSizeMB, maxBackups int) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 50
	}
	if maxBackups <= 0 {
		maxBackups = 3
	}

	prev, err := lastHash(path)
	if err != nil {
		log.Warn("could not resume audit hash chain, starting a new one", "path", path, logging.KeyError, err.Error())
		prev = genesisHash
	}

	l := &Logger{
		filePath:   path,
		maxSize:    int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
		prevHash:   prev,
	}
	if err := l.openFile(); err != nil {
		return nil, err
	}

	log.Info("audit log opened", "path", path)
	return l, nil
}

// Log writes one entry. The chain only advances after a successful write.
// Safe on a nil receiver.
func (l *Logger) Log(eventType, sessionID string, details map[string]any) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		EventType: eventType,
		SessionID: sessionID,
		Details:   details,
		PrevHash:  l.prevHash,
	}
	data, err := seal(&entry)
	if err != nil {
		log.Error("failed to encode audit entry", logging.KeyError, err.Error(), "eventType", eventType)
		l.dropped.Add(1)
		return
	}

	if l.written+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			log.Error("audit log rotation failed", logging.KeyError, err.Error())
			l.dropped.Add(1)
			return
		}
		// rotation advanced the chain; reseal against the sentinel
		entry.PrevHash = l.prevHash
		if data, err = seal(&entry); err != nil {
			l.dropped.Add(1)
			return
		}
	}

	if err := l.write(data); err != nil {
		log.Error("failed to write audit entry", logging.KeyError, err.Error(), "eventType", eventType)
		l.dropped.Add(1)
		return
	}
	l.prevHash = entry.EntryHash

	if criticalEvents[eventType] {
		if err := l.file.Sync(); err != nil {
			log.Error("failed to fsync audit entry", logging.KeyError, err.Error(), "eventType", eventType)
		}
	}
}

// Close closes the file. Safe on a nil receiver.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// DroppedCount returns the number of entries that could not be written, or
// -1 on a nil logger.
func (l *Logger) DroppedCount() int64 {
	if l == nil {
		return -1
	}
	return l.dropped.Load()
}

func (l *Logger) write(data []byte) error {
	if l.file == nil {
		return os.ErrClosed
	}
	n, err := l.file.Write(data)
	l.written += int64(n)
	return err
}

// seal sets entry.EntryHash and returns the JSONL line.
func seal(entry *Entry) ([]byte, error) {
	hash, err := computeHash(*entry)
	if err != nil {
		return nil, err
	}
	entry.EntryHash = hash
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// computeHash length-prefixes every field so no two field combinations hash
// alike.
func computeHash(entry Entry) (string, error) {
	h := sha256.New()
	for _, field := range []string{entry.Timestamp, entry.EventType, entry.SessionID, entry.PrevHash} {
		fmt.Fprintf(h, "%d:%s", len(field), field)
	}
	if entry.Details != nil {
		detailBytes, err := json.Marshal(entry.Details)
		if err != nil {
			return "", fmt.Errorf("marshal details for hash: %w", err)
		}
		fmt.Fprintf(h, "%d:", len(detailBytes))
		h.Write(detailBytes)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (l *Logger) openFile() error {
	f, err := os.OpenFile(l.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	l.file = f
	l.written = info.Size()
	return nil
}

func (l *Logger) rotate() error {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}

	for i := l.maxBackups; i >= 2; i-- {
		src, dst := l.backupName(i-1), l.backupName(i)
		if i == l.maxBackups {
			if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
				log.Warn("failed to remove oldest audit backup", "path", dst, logging.KeyError, err.Error())
			}
		}
		if err := os.Rename(src, dst); err != nil && !os.IsNotExist(err) {
			log.Warn("failed to rename audit backup", "src", src, "dst", dst, logging.KeyError, err.Error())
		}
	}
	if err := os.Rename(l.filePath, l.backupName(1)); err != nil && !os.IsNotExist(err) {
		log.Warn("failed to rename current audit log", logging.KeyError, err.Error())
	}

	if err := l.openFile(); err != nil {
		return err
	}

	sentinel := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		EventType: EventLogRotated,
		PrevHash:  l.prevHash,
		Details:   map[string]any{"previousFile": l.backupName(1)},
	}
	data, err := seal(&sentinel)
	if err == nil {
		err = l.write(data)
	}
	if err != nil {
		log.Error("audit rotation sentinel not written, hash chain broken", logging.KeyError, err.Error())
		l.dropped.Add(1)
		l.prevHash = "chain-broken"
		return nil
	}
	l.prevHash = sentinel.EntryHash
	return nil
}

func (l *Logger) backupName(index int) string {
	if index == 0 {
		return l.filePath
	}
	return fmt.Sprintf("%s.%d", l.filePath, index)
}

// lastHash returns the entryHash of the last record in path, or genesis for
// a missing or empty file.
func lastHash(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return genesisHash, nil
	}
	if err != nil {
		return "", err
	}
	data = bytes.TrimRight(data, "\n")
	if len(data) == 0 {
		return genesisHash, nil
	}
	if i := bytes.LastIndexByte(data, '\n'); i >= 0 {
		data = data[i+1:]
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return "", fmt.Errorf("parse last audit entry: %w", err)
	}
	if e.EntryHash == "" {
		return "", errors.New("last audit entry has no hash")
	}
	return e.EntryHash, nil
}

// Verify checks every entry in r: each hash must match its contents and each
// prevHash the preceding entry. It returns the number of entries read and
// the first broken link.
func Verify(r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var prev string
	n := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		n++
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return n, fmt.Errorf("entry %d: %w", n, err)
		}
		want, err := computeHash(e)
		if err != nil {
			return n, fmt.Errorf("entry %d: %w", n, err)
		}
		if want != e.EntryHash {
			return n, fmt.Errorf("entry %d: hash mismatch", n)
		}
		if prev != "" && e.PrevHash != prev {
			return n, fmt.Errorf("entry %d: chain broken", n)
		}
		prev = e.EntryHash
	}
	return n, scanner.Err()
}

// Reporter records finished sessions. Install sessions produce one
// EventComponentResult per component and an EventInstallFinished summary.
func (l *Logger) Reporter() updater.Reporter {
	return updater.ReporterFuncs{Terminal: l.record}
}

func (l *Logger) record(res updater.Result) {
	base := map[string]any{
		"state":      string(res.State),
		"durationMs": res.Duration.Milliseconds(),
	}
	if res.Err != nil {
		base["error"] = res.Err.Error()
		base["errorKind"] = updater.KindOf(res.Err).String()
	}

	if res.Kind == updater.SessionCheck {
		if res.Components != nil {
			base["backend"] = res.Components.Backend()
			base["updates"] = res.Components.IDs()
		}
		l.Log(EventCheckFinished, res.SessionID, base)
		return
	}

	for _, rec := range res.Records {
		d := map[string]any{
			"componentId": rec.ComponentID,
			"status":      rec.Status.String(),
		}
		if rec.Message != "" {
			d["message"] = rec.Message
		}
		if rec.Err != nil {
			d["error"] = rec.Err.Error()
			d["errorKind"] = rec.Kind.String()
		}
		l.Log(EventComponentResult, res.SessionID, d)
	}
	counts := res.Counts()
	base["installed"] = counts[updater.StatusInstalled]
	base["failed"] = counts[updater.StatusFailed]
	base["cancelled"] = counts[updater.StatusCancelled]
	l.Log(EventInstallFinished, res.SessionID, base)
}
