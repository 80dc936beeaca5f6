package webfeed

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/breeze-rmm/autoupdate/internal/httputil"
	"github.com/breeze-rmm/autoupdate/internal/updater"
)

// cachedFeed is the last 200 response, replayed on 304 Not Modified.
type cachedFeed struct {
	etag         string
	lastModified string
	contentType  string
	body         []byte
}

func (b *Backend) fetchFeed(ctx context.Context) (*Document, error) {
	key := b.feedURL.String()
	headers := b.opts.Headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}

	var cached *cachedFeed
	if v, ok := b.cache.Get(key); ok {
		cached = v.(*cachedFeed)
		if cached.etag != "" {
			headers.Set("If-None-Match", cached.etag)
		}
		if cached.lastModified != "" {
			headers.Set("If-Modified-Since", cached.lastModified)
		}
	}

	resp, err := httputil.Get(ctx, b.client, key, headers, b.opts.Retry)
	if err != nil {
		if ctx.Err() != nil {
			return nil, updater.NewError(updater.KindCancelled, "check", ctx.Err())
		}
		return nil, updater.NewError(updater.KindNetwork, "check", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified && cached != nil:
		log.Debug("feed not modified, using cached copy", "url", b.feedURL.Redacted())
		return b.decode(cached)
	case resp.StatusCode != http.StatusOK:
		return nil, updater.NewError(updater.KindNetwork, "check",
			&httputil.StatusError{StatusCode: resp.StatusCode, URL: b.feedURL.Redacted()})
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedSize+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, updater.NewError(updater.KindCancelled, "check", ctx.Err())
		}
		return nil, updater.NewError(updater.KindNetwork, "check", err)
	}
	if len(body) > maxFeedSize {
		return nil, updater.Errorf(updater.KindBackendFault, "check", "feed exceeds %d bytes", maxFeedSize)
	}

	fresh := &cachedFeed{
		etag:         resp.Header.Get("ETag"),
		lastModified: resp.Header.Get("Last-Modified"),
		contentType:  resp.Header.Get("Content-Type"),
		body:         body,
	}
	doc, err := b.decode(fresh)
	if err != nil {
		return nil, err
	}
	if fresh.etag != "" || fresh.lastModified != "" {
		b.cache.SetDefault(key, fresh)
	} else {
		b.cache.Delete(key)
	}
	return doc, nil
}

func (b *Backend) decode(f *cachedFeed) (*Document, error) {
	doc, format, err := decodeDocument(f.contentType, b.feedURL.Path, f.body)
	if err != nil {
		return nil, updater.NewError(updater.KindBackendFault, "check", errors.Join(errMalformedFeed, err))
	}
	log.Debug("feed decoded", "format", format.String(), "entries", len(doc.Updates))
	return doc, nil
}

var errMalformedFeed = errors.New("malformed update feed")
