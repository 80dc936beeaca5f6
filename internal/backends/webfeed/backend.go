// Package webfeed implements an update backend over a web-hosted feed of
// installers: download, verify against the published digest, then hand off to
// the installer as a detached process.
package webfeed

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"runtime"
	"slices"
	"strings"
	"time"

	goversion "github.com/hashicorp/go-version"
	gocache "github.com/patrickmn/go-cache"
	"github.com/samber/lo"

	"github.com/breeze-rmm/autoupdate/internal/download"
	"github.com/breeze-rmm/autoupdate/internal/httputil"
	"github.com/breeze-rmm/autoupdate/internal/launcher"
	"github.com/breeze-rmm/autoupdate/internal/logging"
	"github.com/breeze-rmm/autoupdate/internal/updater"
)

var log = logging.L("webfeed")

// ID is the backend identifier used in configuration and component sets.
const ID = "webfeed"

const (
	maxFeedSize     = 10 << 20
	defaultCacheTTL = 24 * time.Hour
)

// Launcher starts a verified installer.
type Launcher interface {
	Launch(ctx context.Context, path string, args []string) (launcher.Handle, error)
}

// Options configures the backend.
type Options struct {
	FeedURL string
	Headers http.Header

	// Installed maps component IDs to the version currently installed.
	Installed map[string]string

	// GOOS/GOARCH used for platform filtering; default to the running binary.
	GOOS   string
	GOARCH string

	// MaxParallel bounds concurrent component installs; 1 is sequential.
	MaxParallel int
	// MinFreeBytes is headroom required beyond the combined download size.
	MinFreeBytes uint64

	Client   *http.Client
	Retry    httputil.RetryConfig
	CacheTTL time.Duration
}

// Backend is the web-feed update source.
type Backend struct {
	opts      Options
	feedURL   *url.URL
	client    *http.Client
	cache     *gocache.Cache
	verifier  *download.Verifier
	launcher  Launcher
	freeSpace func(ctx context.Context, dir string) (uint64, error)
}

// Payload is the per-component data the backend needs at install time.
type Payload struct {
	URL    string
	Digest download.Digest
	Args   []string
	Eula   *EulaEntry
}

// New validates opts and builds a backend that downloads through v and
// launches through l.
func New(opts Options, v *download.Verifier, l Launcher) (*Backend, error) {
	if opts.FeedURL == "" {
		return nil, updater.Errorf(updater.KindInvalidInput, "webfeed", "feed URL required")
	}
	u, err := url.Parse(opts.FeedURL)
	if err != nil || u.Scheme == "" {
		return nil, updater.Errorf(updater.KindInvalidInput, "webfeed", "invalid feed URL %q", opts.FeedURL)
	}
	if v == nil || l == nil {
		return nil, updater.Errorf(updater.KindInvalidInput, "webfeed", "verifier and launcher required")
	}
	if opts.GOOS == "" {
		opts.GOOS = runtime.GOOS
	}
	if opts.GOARCH == "" {
		opts.GOARCH = runtime.GOARCH
	}
	if opts.MaxParallel < 1 {
		opts.MaxParallel = 1
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	if opts.Retry == (httputil.RetryConfig{}) {
		opts.Retry = httputil.DefaultRetryConfig()
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}

	return &Backend{
		opts:      opts,
		feedURL:   u,
		client:    client,
		cache:     gocache.New(opts.CacheTTL, time.Hour),
		verifier:  v,
		launcher:  l,
		freeSpace: diskFree,
	}, nil
}

func (b *Backend) ID() string { return ID }

func (b *Backend) Name() string { return "Web feed (" + b.feedURL.Host + ")" }

func (b *Backend) Features() updater.Features {
	f := updater.FeatureDetachedInstall | updater.FeatureEula
	if b.opts.MaxParallel > 1 {
		f |= updater.FeatureParallelInstall
	}
	return f
}

// CheckForUpdates fetches the feed and returns entries for this platform
// whose version is newer than the installed one, highest priority first.
func (b *Backend) CheckForUpdates(ctx context.Context) ([]updater.Component, error) {
	doc, err := b.fetchFeed(ctx)
	if err != nil {
		return nil, err
	}

	entries := lo.Filter(doc.Updates, func(e Entry, _ int) bool {
		return e.matchesPlatform(b.opts.GOOS, b.opts.GOARCH)
	})
	slices.SortStableFunc(entries, func(a, c Entry) int { return c.Priority - a.Priority })

	var out []updater.Component
	for _, e := range entries {
		c, ok, err := b.component(e)
		if err != nil {
			return nil, updater.NewError(updater.KindBackendFault, "check", err)
		}
		if ok {
			out = append(out, c)
		}
	}

	log.Info("feed checked", "url", b.feedURL.Redacted(), "entries", len(doc.Updates), "updates", len(out))
	return out, nil
}

// component converts a feed entry, reporting false when the installed
// version is already current.
func (b *Backend) component(e Entry) (updater.Component, bool, error) {
	if strings.TrimSpace(e.ID) == "" {
		return updater.Component{}, false, fmt.Errorf("feed entry without id")
	}
	available, err := goversion.NewVersion(e.Version)
	if err != nil {
		return updater.Component{}, false, fmt.Errorf("entry %q: invalid version %q: %w", e.ID, e.Version, err)
	}
	digest, err := download.ParseDigest(e.Digest)
	if err != nil {
		return updater.Component{}, false, fmt.Errorf("entry %q: %w", e.ID, err)
	}
	ref, err := url.Parse(e.URL)
	if err != nil || e.URL == "" {
		return updater.Component{}, false, fmt.Errorf("entry %q: invalid url %q", e.ID, e.URL)
	}

	installed := b.opts.Installed[e.ID]
	if installed != "" {
		current, err := goversion.NewVersion(installed)
		switch {
		case err != nil:
			log.Warn("unparseable installed version, offering update",
				logging.KeyUpdateID, e.ID, "installed", installed)
		case !available.GreaterThan(current):
			return updater.Component{}, false, nil
		}
	}

	return updater.Component{
		ID:               e.ID,
		Name:             e.Name,
		InstalledVersion: installed,
		AvailableVersion: available.Original(),
		Size:             e.Size,
		Payload: &Payload{
			URL:    b.feedURL.ResolveReference(ref).String(),
			Digest: digest,
			Args:   append([]string(nil), e.Args...),
			Eula:   e.Eula,
		},
	}, true, nil
}

// RequiresEula returns the entry's license, if it declares one.
func (b *Backend) RequiresEula(_ context.Context, c updater.Component) (*updater.Eula, error) {
	p, err := payloadOf(c)
	if err != nil {
		return nil, err
	}
	if p.Eula == nil || strings.TrimSpace(p.Eula.Text) == "" {
		return nil, nil
	}
	return &updater.Eula{ComponentID: c.ID, Vendor: p.Eula.Vendor, Text: p.Eula.Text}, nil
}

func payloadOf(c updater.Component) (*Payload, error) {
	p, ok := c.Payload.(*Payload)
	if !ok || p == nil {
		return nil, updater.ForComponent(
			updater.Errorf(updater.KindBackendFault, "install", "component has no web feed payload"), c.ID)
	}
	return p, nil
}
