package download

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"sync"

	"github.com/breeze-rmm/autoupdate/internal/updater"
)

// Fetcher opens an artifact for streaming. size is -1 when unknown.
type Fetcher interface {
	Open(ctx context.Context, src *url.URL) (body io.ReadCloser, size int64, err error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, src *url.URL) (io.ReadCloser, int64, error)

func (f FetcherFunc) Open(ctx context.Context, src *url.URL) (io.ReadCloser, int64, error) {
	return f(ctx, src)
}

// FileFetcher serves file:// URLs, used for local mirrors and tests.
type FileFetcher struct{}

func (FileFetcher) Open(_ context.Context, src *url.URL) (io.ReadCloser, int64, error) {
	path := src.Path
	if path == "" {
		path = src.Opaque
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, updater.NewError(updater.KindNetwork, "open", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, updater.NewError(updater.KindNetwork, "open", err)
	}
	if info.IsDir() {
		f.Close()
		return nil, 0, updater.Errorf(updater.KindNetwork, "open", "%s is a directory", path)
	}
	return f, info.Size(), nil
}

// lazyFetcher defers building a client until the first download using its
// scheme, so unused cloud SDKs never need credentials.
type lazyFetcher struct {
	build func(ctx context.Context) (Fetcher, error)

	once    sync.Once
	fetcher Fetcher
	err     error
}

// Lazy wraps a fetcher constructor so that it runs on first use.
func Lazy(build func(ctx context.Context) (Fetcher, error)) Fetcher {
	return &lazyFetcher{build: build}
}

func (l *lazyFetcher) Open(ctx context.Context, src *url.URL) (io.ReadCloser, int64, error) {
	l.once.Do(func() {
		l.fetcher, l.err = l.build(ctx)
	})
	if l.err != nil {
		return nil, 0, updater.NewError(updater.KindNetwork, "connect", fmt.Errorf("%s client: %w", src.Scheme, l.err))
	}
	return l.fetcher.Open(ctx, src)
}

// splitBucketPath returns the bucket (host) and object key of
// scheme://bucket/key URLs.
func splitBucketPath(src *url.URL) (bucket, key string, err error) {
	bucket = src.Host
	key = src.Path
	if len(key) > 0 && key[0] == '/' {
		key = key[1:]
	}
	if bucket == "" || key == "" {
		return "", "", updater.Errorf(updater.KindInvalidInput, "open", "%s URL must look like %s://bucket/key", src.Scheme, src.Scheme)
	}
	return bucket, key, nil
}
