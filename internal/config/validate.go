package config

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult separates errors that must stop startup from values that
// were clamped into range.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool { return len(r.Fatals) > 0 }

// AllErrors returns fatals followed by warnings.
func (r ValidationResult) AllErrors() []error {
	out := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	out = append(out, r.Fatals...)
	return append(out, r.Warnings...)
}

// ValidateTiered checks the config. Out-of-range numbers are clamped and
// reported as warnings; malformed URLs, identifiers and credentials are
// fatal.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult
	fatal := func(format string, args ...any) { r.Fatals = append(r.Fatals, fmt.Errorf(format, args...)) }
	warn := func(format string, args ...any) { r.Warnings = append(r.Warnings, fmt.Errorf(format, args...)) }

	switch c.Backend {
	case BackendWebFeed:
		if c.Feed.URL == "" {
			fatal("feed.url is required for the %s backend", BackendWebFeed)
		} else if err := checkURL(c.Feed.URL, "http", "https", "file"); err != nil {
			fatal("feed.url: %w", err)
		}
	case BackendPatching:
	default:
		fatal("backend %q is not valid (use %s or %s)", c.Backend, BackendWebFeed, BackendPatching)
	}

	if c.Remote.ServerURL != "" {
		if err := checkURL(c.Remote.ServerURL, "http", "https", "ws", "wss"); err != nil {
			fatal("remote.server_url: %w", err)
		}
		clamp(&c.Remote.EulaTimeoutSeconds, "remote.eula_timeout_seconds", 10, 24*60*60, warn)
	}
	if c.Remote.DeviceID != "" {
		if _, err := uuid.Parse(c.Remote.DeviceID); err != nil {
			fatal("remote.device_id %q is not a valid UUID", c.Remote.DeviceID)
		}
	}
	if (c.Remote.TLSCertFile == "") != (c.Remote.TLSKeyFile == "") {
		fatal("remote.tls_cert_file and remote.tls_key_file must be set together")
	}
	if hasControl(c.Remote.AuthToken) {
		fatal("remote.auth_token contains control characters")
	}
	for name, value := range c.Feed.Headers {
		if hasControl(name) || hasControl(value) {
			fatal("feed.headers[%q] contains control characters", name)
		}
	}

	clamp(&c.MaxParallelInstalls, "max_parallel_installs", 1, 16, warn)
	clamp(&c.GracePeriodSeconds, "grace_period_seconds", 1, 300, warn)
	clamp(&c.AbortDelaySeconds, "abort_delay_seconds", 1, 120, warn)
	clamp(&c.CheckIntervalMinutes, "check_interval_minutes", 5, 7*24*60, warn)
	clamp(&c.Feed.MaxRetries, "feed.max_retries", 0, 10, warn)
	if c.CheckTimeoutSeconds < 0 {
		warn("check_timeout_seconds %d is negative, disabling timeout", c.CheckTimeoutSeconds)
		c.CheckTimeoutSeconds = 0
	}
	if c.Feed.CacheTTLMinutes < 0 {
		warn("feed.cache_ttl_minutes %d is negative, clamping to 0", c.Feed.CacheTTLMinutes)
		c.Feed.CacheTTLMinutes = 0
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		warn("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel)
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		warn("log_format %q is not valid (use text or json)", c.LogFormat)
	}

	for _, err := range r.Warnings {
		log.Warn("config validation", "error", err.Error())
	}
	return r
}

func clamp(v *int, name string, lo, hi int, warn func(string, ...any)) {
	switch {
	case *v < lo:
		warn("%s %d is below minimum %d, clamping", name, *v, lo)
		*v = lo
	case *v > hi:
		warn("%s %d exceeds maximum %d, clamping", name, *v, hi)
		*v = hi
	}
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%q is not a valid URL: %w", raw, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be one of %s, got %q", strings.Join(schemes, ", "), u.Scheme)
}

func hasControl(s string) bool {
	return strings.IndexFunc(s, unicode.IsControl) >= 0
}
