package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesFields(t *testing.T) {
	err := New(
		"api",
		CodeNotFound,
		WithHTTP(404),
		WithMessage("charge not found"),
		WithRawMessage(`{"error":"no such charge"}`),
		WithField("path", "/payments/crypto/charges/ch_1"),
		WithField("method", "GET"),
		WithRemediation("verify the charge id"),
		WithCause(errors.New("http 404")),
	)

	out := err.Error()
	if !strings.Contains(out, "component=api") {
		t.Fatalf("expected component marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=not_found") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "http=404") {
		t.Fatalf("expected http status in error string: %s", out)
	}
	expectedFields := `fields=method="GET",path="/payments/crypto/charges/ch_1"`
	if !strings.Contains(out, expectedFields) {
		t.Fatalf("expected fields %q in error string: %s", expectedFields, out)
	}
	if !strings.Contains(out, `remediation="verify the charge id"`) {
		t.Fatalf("expected remediation guidance in error string: %s", out)
	}
	if !strings.Contains(out, `cause="http 404"`) {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestEmptyComponentAndCode(t *testing.T) {
	err := New("  ", "")
	out := err.Error()
	if !strings.Contains(out, "component=unknown") || !strings.Contains(out, "code=unknown") {
		t.Fatalf("expected unknown placeholders, got %s", out)
	}
}

func TestWithFieldIgnoresBlankKey(t *testing.T) {
	err := New("realtime", CodeNotConnected, WithField(" ", "x"))
	if len(err.Fields) != 0 {
		t.Fatalf("expected blank key to be ignored, got %v", err.Fields)
	}
}

func TestIsAndCodeOfWalkChain(t *testing.T) {
	base := errors.New("dial tcp: refused")
	env := New("realtime", CodeNetwork, WithCause(base))
	wrapped := fmt.Errorf("connect: %w", env)

	if !Is(wrapped, CodeNetwork) {
		t.Fatalf("expected wrapped envelope to match code")
	}
	if Is(wrapped, CodeAuth) {
		t.Fatalf("unexpected code match")
	}
	if got := CodeOf(wrapped); got != CodeNetwork {
		t.Fatalf("expected network code, got %q", got)
	}
	if got := CodeOf(base); got != "" {
		t.Fatalf("expected empty code for plain error, got %q", got)
	}
	if !errors.Is(wrapped, base) {
		t.Fatalf("expected cause to be reachable via errors.Is")
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}
