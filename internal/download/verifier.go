package download

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/time/rate"

	"github.com/breeze-rmm/autoupdate/internal/logging"
	"github.com/breeze-rmm/autoupdate/internal/updater"
)

var log = logging.L("download")

const (
	partSuffix              = ".part"
	copyBufferSize          = 32 * 1024
	defaultProgressInterval = 250 * time.Millisecond
)

// Progress receives bytes downloaded so far and the total (-1 when the
// source did not announce a size).
type Progress func(done, total int64)

// Verifier streams artifacts into a download directory and checks them
// against an expected digest.
type Verifier struct {
	dir              string
	fetchers         map[string]Fetcher
	progressInterval time.Duration
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithFetcher registers f for URLs of the given scheme.
func WithFetcher(scheme string, f Fetcher) Option {
	return func(v *Verifier) {
		v.fetchers[strings.ToLower(scheme)] = f
	}
}

// WithProgressInterval sets the minimum spacing between progress callbacks.
func WithProgressInterval(d time.Duration) Option {
	return func(v *Verifier) {
		v.progressInterval = d
	}
}

// NewVerifier creates dir if needed. http, https and file URLs are served by
// default.
func NewVerifier(dir string, opts ...Option) (*Verifier, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "breeze-updater")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create download directory: %w", err)
	}

	httpFetcher := NewHTTPFetcher()
	v := &Verifier{
		dir: dir,
		fetchers: map[string]Fetcher{
			"http":  httpFetcher,
			"https": httpFetcher,
			"file":  FileFetcher{},
		},
		progressInterval: defaultProgressInterval,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Dir returns the download directory.
func (v *Verifier) Dir() string { return v.dir }

// Artifact is a fully streamed download awaiting verification.
type Artifact struct {
	Path string
	Size int64

	source   string
	expected Digest
	actual   []byte
}

// Download streams src into a temporary file, hashing it with the algorithm
// of want. The context is checked between chunks; on cancellation or error
// the partial file is removed.
func (v *Verifier) Download(ctx context.Context, src string, want Digest, progress Progress) (*Artifact, error) {
	h, err := newHash(want.Algorithm)
	if err != nil {
		return nil, updater.NewError(updater.KindInvalidInput, "download", err)
	}
	u, err := url.Parse(src)
	if err != nil {
		return nil, updater.NewError(updater.KindInvalidInput, "download", err)
	}
	fetcher, ok := v.fetchers[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, updater.Errorf(updater.KindInvalidInput, "download", "no fetcher for scheme %q", u.Scheme)
	}

	body, total, err := fetcher.Open(ctx, u)
	if err != nil {
		return nil, downloadError(ctx, err)
	}
	defer body.Close()

	f, err := os.CreateTemp(v.dir, "download-*"+partSuffix)
	if err != nil {
		return nil, updater.NewError(updater.KindBackendFault, "download", err)
	}
	partPath := f.Name()

	written, err := v.copy(ctx, f, h, body, total, progress)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = updater.NewError(updater.KindBackendFault, "download", cerr)
	}
	if err != nil {
		os.Remove(partPath)
		if updater.IsCancelled(err) {
			log.Info("download cancelled, partial file removed", "url", u.Redacted(), "bytes", written)
		}
		return nil, err
	}

	log.Debug("download complete", "url", u.Redacted(), "bytes", written)
	return &Artifact{
		Path:     partPath,
		Size:     written,
		source:   src,
		expected: want,
		actual:   h.Sum(nil),
	}, nil
}

func (v *Verifier) copy(ctx context.Context, dst io.Writer, h hash.Hash, src io.Reader, total int64, progress Progress) (int64, error) {
	report := func(int64) {}
	switch {
	case progress == nil:
	case v.progressInterval <= 0:
		report = func(done int64) { progress(done, total) }
	default:
		throttle := &rate.Sometimes{Interval: v.progressInterval}
		report = func(done int64) {
			throttle.Do(func() { progress(done, total) })
		}
	}
	if progress != nil {
		progress(0, total)
	}

	w := io.MultiWriter(dst, h)
	buf := make([]byte, copyBufferSize)
	var done int64
	for {
		if err := ctx.Err(); err != nil {
			return done, updater.NewError(updater.KindCancelled, "download", err)
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return done, updater.NewError(updater.KindBackendFault, "download", werr)
			}
			done += int64(n)
			report(done)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return done, downloadError(ctx, rerr)
		}
	}
	if total >= 0 && done != total {
		return done, updater.Errorf(updater.KindNetwork, "download", "short read: got %d of %d bytes", done, total)
	}
	if progress != nil {
		progress(done, total)
	}
	return done, nil
}

// Verify compares the streamed digest with the expected one. On success the
// file is renamed to its final name and the path returned; on mismatch it is
// removed and a HashMismatch error returned.
func (a *Artifact) Verify() (string, error) {
	if !bytes.Equal(a.actual, a.expected.Value) {
		a.Discard()
		return "", updater.Errorf(updater.KindHashMismatch, "verify", "expected %s, got %s:%s",
			a.expected, a.expected.Algorithm, hex.EncodeToString(a.actual))
	}

	final := strings.TrimSuffix(a.Path, partSuffix) + "-" + artifactName(a.source)
	if err := os.Rename(a.Path, final); err != nil {
		a.Discard()
		return "", updater.NewError(updater.KindBackendFault, "verify", err)
	}
	a.Path = final
	return final, nil
}

// Discard removes the downloaded file.
func (a *Artifact) Discard() {
	if err := os.Remove(a.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("failed to remove artifact", "path", a.Path, logging.KeyError, err.Error())
	}
}

// Fetch downloads and verifies src in one step.
func (v *Verifier) Fetch(ctx context.Context, src string, want Digest, progress Progress) (string, error) {
	a, err := v.Download(ctx, src, want, progress)
	if err != nil {
		return "", err
	}
	return a.Verify()
}

// Cleanup removes partial downloads left behind by a crashed process.
func (v *Verifier) Cleanup() error {
	matches, err := filepath.Glob(filepath.Join(v.dir, "*"+partSuffix))
	if err != nil {
		return err
	}
	var result *multierror.Error
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			result = multierror.Append(result, err)
		}
	}
	if len(matches) > 0 {
		log.Info("removed stale partial downloads", "count", len(matches))
	}
	return result.ErrorOrNil()
}

// artifactName keeps the source's base name so installers retain their
// extension (.msi, .pkg, .exe).
func artifactName(src string) string {
	name := "artifact"
	if u, err := url.Parse(src); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" && base != "" {
			name = base
		}
	}
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ':' {
			return '_'
		}
		return r
	}, name)
}

func downloadError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return updater.NewError(updater.KindCancelled, "download", ctx.Err())
	}
	var uerr *updater.Error
	if errors.As(err, &uerr) {
		return err
	}
	return updater.NewError(updater.KindNetwork, "download", err)
}
