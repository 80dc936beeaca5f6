package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

const (
	defaultLogMaxSizeMB  = 50
	defaultLogMaxBackups = 3
)

// RotatingWriter appends to a log file and moves it aside once it would grow
// past a size limit. Backups are named path.1 (newest) through path.N.
type RotatingWriter struct {
	path  string
	limit int64
	keep  int

	mu   sync.Mutex
	f    *os.File
	size int64
}

// NewRotatingWriter opens path for appending, creating its directory. Sizes
// and counts of zero or less fall back to 50 MB and 3 backups.
func NewRotatingWriter(path string, maxSizeMB, maxBackups int) (*RotatingWriter, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = defaultLogMaxSizeMB
	}
	if maxBackups <= 0 {
		maxBackups = defaultLogMaxBackups
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	rw := &RotatingWriter{
		path:  path,
		limit: int64(maxSizeMB) << 20,
		keep:  maxBackups,
	}
	if err := rw.open(); err != nil {
		return nil, err
	}
	return rw, nil
}

func (rw *RotatingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.f == nil {
		return 0, os.ErrClosed
	}
	// A record larger than the limit still lands in a fresh file rather
	// than rotating an empty one forever.
	if rw.size > 0 && rw.size+int64(len(p)) > rw.limit {
		if err := rw.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}
	n, err := rw.f.Write(p)
	rw.size += int64(n)
	return n, err
}

// Reopen reopens the file at path, for use after an external tool has moved
// it away.
func (rw *RotatingWriter) Reopen() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.f != nil {
		rw.f.Close()
		rw.f = nil
	}
	return rw.open()
}

func (rw *RotatingWriter) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.f == nil {
		return nil
	}
	err := rw.f.Close()
	rw.f = nil
	return err
}

func (rw *RotatingWriter) open() error {
	f, err := os.OpenFile(rw.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	rw.f, rw.size = f, info.Size()
	return nil
}

func (rw *RotatingWriter) rotate() error {
	rw.f.Close()
	rw.f = nil

	for i := rw.keep - 1; i >= 1; i-- {
		renameIfExists(rw.backup(i), rw.backup(i+1))
	}
	renameIfExists(rw.path, rw.backup(1))
	rw.prune()
	return rw.open()
}

// prune removes backups numbered above keep, which appear when the
// configured backup count shrinks between runs.
func (rw *RotatingWriter) prune() {
	matches, _ := filepath.Glob(rw.path + ".*")
	prefix := rw.path + "."
	for _, m := range matches {
		n, err := strconv.Atoi(strings.TrimPrefix(m, prefix))
		if err == nil && n > rw.keep {
			os.Remove(m)
		}
	}
}

func (rw *RotatingWriter) backup(n int) string {
	return rw.path + "." + strconv.Itoa(n)
}

func renameIfExists(from, to string) {
	if err := os.Rename(from, to); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "log rotation: %v\n", err)
	}
}

// TeeWriter writes every record to all of ws. Unlike io.MultiWriter a failing
// destination does not stop the others from receiving the record; the first
// error is returned.
func TeeWriter(ws ...io.Writer) io.Writer {
	return tee(ws)
}

type tee []io.Writer

func (t tee) Write(p []byte) (int, error) {
	var first error
	for _, w := range t {
		if _, err := w.Write(p); err != nil && first == nil {
			first = err
		}
	}
	if first != nil {
		return 0, first
	}
	return len(p), nil
}
