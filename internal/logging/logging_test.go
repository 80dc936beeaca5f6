package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestPreInitLoggerUsesConfiguredHandler(t *testing.T) {
	logger := L("updater")

	var buf bytes.Buffer
	Init("text", "info", &buf)

	logger.Info("check finished", "updates", 3)

	out := buf.String()
	if !strings.Contains(out, `msg="check finished"`) {
		t.Fatalf("expected message, got: %s", out)
	}
	if !strings.Contains(out, "component=updater") {
		t.Fatalf("expected component field, got: %s", out)
	}
	if !strings.Contains(out, "updates=3") {
		t.Fatalf("expected updates field, got: %s", out)
	}
}

func TestPreInitLoggerRespectsConfiguredLevel(t *testing.T) {
	logger := L("updater")

	var buf bytes.Buffer
	Init("text", "warn", &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info log should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn log should be emitted: %s", out)
	}
}

func TestSetLevelAppliesWithoutReinit(t *testing.T) {
	logger := L("config")

	var buf bytes.Buffer
	Init("text", "error", &buf)
	logger.Info("before")

	SetLevel("debug")
	logger.Debug("after")

	out := buf.String()
	if strings.Contains(out, "before") {
		t.Fatalf("info log should be filtered at error level: %s", out)
	}
	if !strings.Contains(out, "after") {
		t.Fatalf("debug log should be emitted after SetLevel: %s", out)
	}
}

func TestJSONFormatCarriesSessionFields(t *testing.T) {
	var buf bytes.Buffer
	Init("json", "info", &buf)

	WithSession(L("updater"), "sess-1", "install").Info("state changed")

	out := buf.String()
	if !strings.Contains(out, `"sessionId":"sess-1"`) {
		t.Fatalf("expected sessionId field, got: %s", out)
	}
	if !strings.Contains(out, `"sessionKind":"install"`) {
		t.Fatalf("expected sessionKind field, got: %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]string{
		"debug":   "DEBUG",
		"WARNING": "WARN",
		" error ": "ERROR",
		"bogus":   "INFO",
		"":        "INFO",
	}
	for in, want := range cases {
		if got := parseLevel(in).String(); got != want {
			t.Errorf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestSensitiveAttributesAreRedacted(t *testing.T) {
	var buf bytes.Buffer
	Init("json", "info", &buf)

	L("websocket").Info("dialing", "authToken", "s3cr3t", "url", "wss://mgmt.example")

	out := buf.String()
	if strings.Contains(out, "s3cr3t") {
		t.Fatalf("token leaked into log output: %s", out)
	}
	if !strings.Contains(out, `"authToken":"[REDACTED]"`) {
		t.Fatalf("expected redacted marker, got: %s", out)
	}
	if !strings.Contains(out, `"url":"wss://mgmt.example"`) {
		t.Fatalf("ordinary fields should pass through, got: %s", out)
	}
}

func TestGroupsApplyInOrder(t *testing.T) {
	logger := L("updater").WithGroup("component").With("id", "pkg-a")

	var buf bytes.Buffer
	Init("text", "info", &buf)
	logger.Info("queued")

	if out := buf.String(); !strings.Contains(out, "component.id=pkg-a") {
		t.Fatalf("expected grouped attribute, got: %s", out)
	}
}
