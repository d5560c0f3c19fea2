package errors

import (
	stdErrors "errors"
	"testing"
)

func TestNewUsesRegisteredMessageAsFallback(t *testing.T) {
	err := New(CodeNotFound, "")
	if err.Message() != "resource not found" {
		t.Fatalf("message = %q", err.Message())
	}
	err = New(CodeNotFound, "自定义消息")
	if err.Message() != "自定义消息" {
		t.Fatalf("message = %q", err.Message())
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := stdErrors.New("disk error")
	err := Wrap(CodeStorageFailure, cause, "写入失败")
	if !stdErrors.Is(err, cause) {
		t.Fatal("cause must be reachable via errors.Is")
	}
	if CodeOf(err) != CodeStorageFailure {
		t.Fatalf("code = %s", CodeOf(err))
	}
}

func TestIsMatchesByCode(t *testing.T) {
	a := New(CodeTimeout, "a")
	b := New(CodeTimeout, "b")
	c := New(CodeConflict, "c")
	if !stdErrors.Is(a, b) {
		t.Fatal("same code must match")
	}
	if stdErrors.Is(a, c) {
		t.Fatal("different codes must not match")
	}
}

func TestOptionsOverrideRegisteredAttributes(t *testing.T) {
	err := New(CodeNotFound, "", WithRetryable(true), WithAlert(true), WithSeverity(SeverityCritical))
	if !err.Retryable() || !err.ShouldAlert() || err.Severity() != SeverityCritical {
		t.Fatalf("overrides not applied: %v %v %v", err.Retryable(), err.ShouldAlert(), err.Severity())
	}

	plain := New(CodeNotFound, "")
	if plain.Retryable() || plain.ShouldAlert() {
		t.Fatal("defaults for NOT_FOUND must be non-retryable, non-alerting")
	}
}

func TestRegisterAddsCustomCode(t *testing.T) {
	const code Code = "TEST_CUSTOM"
	Register(code, Attributes{
		Message:   "custom",
		Severity:  SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	attr := AttributesOf(code)
	if !attr.Retryable || !attr.Alert || attr.Severity != SeverityWarning {
		t.Fatalf("attributes = %+v", attr)
	}
}

func TestHelpersOnForeignErrors(t *testing.T) {
	foreign := stdErrors.New("plain")
	if CodeOf(foreign) != CodeUnknown {
		t.Fatalf("CodeOf = %s", CodeOf(foreign))
	}
	if RetryableError(foreign) {
		t.Fatal("foreign errors are not retryable")
	}
	if ShouldAlert(foreign) {
		t.Fatal("foreign errors do not alert")
	}
	if _, ok := From(nil); ok {
		t.Fatal("From(nil) must report false")
	}
}

func TestMetadata(t *testing.T) {
	err := New(CodeConflict, "x", WithMetadata("adapter", "local"))
	meta := err.Metadata()
	if meta["adapter"] != "local" {
		t.Fatalf("metadata = %v", meta)
	}
	meta["adapter"] = "mutated"
	if err.Metadata()["adapter"] != "local" {
		t.Fatal("metadata must be copied on read")
	}
}
