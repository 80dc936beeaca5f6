package config

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Feed.URL = "https://updates.example.com/feed.json"
	return cfg
}

func TestValidateTieredMissingFeedURLIsFatal(t *testing.T) {
	cfg := Default()
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("webfeed backend without feed.url should be fatal")
	}
}

func TestValidateTieredPatchingNeedsNoFeed(t *testing.T) {
	cfg := Default()
	cfg.Backend = BackendPatching
	if result := cfg.ValidateTiered(); result.HasFatals() {
		t.Fatalf("unexpected fatals: %v", result.Fatals)
	}
}

func TestValidateTieredUnknownBackendIsFatal(t *testing.T) {
	cfg := validConfig()
	cfg.Backend = "sparkle"
	if !cfg.ValidateTiered().HasFatals() {
		t.Fatal("unknown backend should be fatal")
	}
}

func TestValidateTieredInvalidDeviceIDIsFatal(t *testing.T) {
	cfg := validConfig()
	cfg.Remote.DeviceID = "not-a-uuid"
	result := cfg.ValidateTiered()
	found := false
	for _, err := range result.Fatals {
		if strings.Contains(err.Error(), "not a valid UUID") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected UUID validation error in fatals, got %v", result.Fatals)
	}
}

func TestValidateTieredInvalidURLSchemeIsFatal(t *testing.T) {
	cfg := validConfig()
	cfg.Feed.URL = "ftp://example.com/feed.json"
	if !cfg.ValidateTiered().HasFatals() {
		t.Fatal("invalid feed URL scheme should be fatal")
	}

	cfg = validConfig()
	cfg.Remote.ServerURL = "gopher://example.com"
	if !cfg.ValidateTiered().HasFatals() {
		t.Fatal("invalid server URL scheme should be fatal")
	}
}

func TestValidateTieredControlCharsInTokenIsFatal(t *testing.T) {
	cfg := validConfig()
	cfg.Remote.AuthToken = "token\x00with\x01control"
	if !cfg.ValidateTiered().HasFatals() {
		t.Fatal("control chars in token should be fatal")
	}
}

func TestValidateTieredControlCharsInHeaderIsFatal(t *testing.T) {
	cfg := validConfig()
	cfg.Feed.Headers = map[string]string{"Authorization": "Bearer x\r\nInjected: yes"}
	if !cfg.ValidateTiered().HasFatals() {
		t.Fatal("header injection should be fatal")
	}
}

func TestValidateTieredClampingIsWarning(t *testing.T) {
	cfg := validConfig()
	cfg.MaxParallelInstalls = 0
	cfg.GracePeriodSeconds = 9999
	cfg.CheckIntervalMinutes = 1
	result := cfg.ValidateTiered()

	if result.HasFatals() {
		t.Fatalf("clamped values should be warnings, not fatal: %v", result.Fatals)
	}
	if len(result.Warnings) != 3 {
		t.Fatalf("expected 3 warnings, got %v", result.Warnings)
	}
	if cfg.MaxParallelInstalls != 1 {
		t.Errorf("MaxParallelInstalls = %d, want 1", cfg.MaxParallelInstalls)
	}
	if cfg.GracePeriodSeconds != 300 {
		t.Errorf("GracePeriodSeconds = %d, want 300", cfg.GracePeriodSeconds)
	}
	if cfg.CheckIntervalMinutes != 5 {
		t.Errorf("CheckIntervalMinutes = %d, want 5", cfg.CheckIntervalMinutes)
	}
}

func TestValidateTieredNegativeTimeoutDisables(t *testing.T) {
	cfg := validConfig()
	cfg.CheckTimeoutSeconds = -1
	result := cfg.ValidateTiered()
	if result.HasFatals() || len(result.Warnings) != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if cfg.CheckTimeout() != 0 {
		t.Fatalf("CheckTimeout = %v, want 0", cfg.CheckTimeout())
	}
}

func TestValidateTieredUnknownLogLevelIsWarning(t *testing.T) {
	cfg := validConfig()
	cfg.LogLevel = "verbose"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("unknown log level should not be fatal")
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for unknown log level")
	}
}

func TestValidateTieredInvalidLogFormatIsWarning(t *testing.T) {
	cfg := validConfig()
	cfg.LogFormat = "xml"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("invalid log format should not be fatal")
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for invalid log format")
	}
}

func TestHasFatals(t *testing.T) {
	r := ValidationResult{}
	if r.HasFatals() {
		t.Fatal("HasFatals() on empty result should be false")
	}
	r.Fatals = append(r.Fatals, fmt.Errorf("test error"))
	if !r.HasFatals() {
		t.Fatal("HasFatals() should be true with a fatal error")
	}
}

func TestAllErrorsReturnsBoth(t *testing.T) {
	cfg := validConfig()
	cfg.Remote.ServerURL = "ftp://bad" // fatal
	cfg.LogFormat = "xml"              // warning
	result := cfg.ValidateTiered()

	if all := result.AllErrors(); len(all) != 2 {
		t.Fatalf("AllErrors() returned %d errors, want 2", len(all))
	}
}

func TestValidConfigHasNoErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Remote.DeviceID = "12345678-1234-1234-1234-123456789abc"
	cfg.Remote.ServerURL = "wss://example.com"
	cfg.Remote.AuthToken = "clean-token"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("valid config has fatals: %v", result.Fatals)
	}
	if len(result.Warnings) > 0 {
		t.Fatalf("valid config has warnings: %v", result.Warnings)
	}
}

func TestValidateTieredHalfTLSPairIsFatal(t *testing.T) {
	cfg := validConfig()
	cfg.Remote.TLSCertFile = "/etc/breeze/client.crt"
	if !cfg.ValidateTiered().HasFatals() {
		t.Fatal("certificate without key should be fatal")
	}

	cfg.Remote.TLSKeyFile = "/etc/breeze/client.key"
	if result := cfg.ValidateTiered(); result.HasFatals() {
		t.Fatalf("complete pair should pass: %v", result.Fatals)
	}
}

func TestValidateTieredClampsRemoteEulaTimeout(t *testing.T) {
	cfg := validConfig()
	cfg.Remote.ServerURL = "https://mgmt.example.com"
	cfg.Remote.EulaTimeoutSeconds = 0

	result := cfg.ValidateTiered()
	if result.HasFatals() || len(result.Warnings) != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if cfg.EulaTimeout() != 10*time.Second {
		t.Fatalf("EulaTimeout = %v, want 10s", cfg.EulaTimeout())
	}
	if Default().EulaTimeout() != 5*time.Minute {
		t.Fatalf("default EulaTimeout = %v, want 5m", Default().EulaTimeout())
	}
}
