package download

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/breeze-rmm/autoupdate/internal/httputil"
	"github.com/breeze-rmm/autoupdate/internal/updater"
)

// HTTPFetcher downloads over http and https, retrying transient failures.
type HTTPFetcher struct {
	Client  *http.Client
	Retry   httputil.RetryConfig
	Headers http.Header
}

// NewHTTPFetcher returns a fetcher with the default retry policy. The client
// has no overall timeout since artifacts can be large; cancellation comes
// from the context.
func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{
		Client: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				TLSHandshakeTimeout:   15 * time.Second,
				ResponseHeaderTimeout: 60 * time.Second,
				IdleConnTimeout:       90 * time.Second,
			},
		},
		Retry: httputil.DefaultRetryConfig(),
	}
}

func (f *HTTPFetcher) Open(ctx context.Context, src *url.URL) (io.ReadCloser, int64, error) {
	resp, err := httputil.Get(ctx, f.Client, src.String(), f.Headers, f.Retry)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, updater.NewError(updater.KindCancelled, "download", ctx.Err())
		}
		return nil, 0, updater.NewError(updater.KindNetwork, "download", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, updater.NewError(updater.KindNetwork, "download",
			&httputil.StatusError{StatusCode: resp.StatusCode, URL: src.Redacted()})
	}
	return resp.Body, resp.ContentLength, nil
}
