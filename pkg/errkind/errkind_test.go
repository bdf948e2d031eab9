package errkind

import (
	"errors"
	"strings"
	"testing"
)

func TestError_MessageIncludesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(LLMUnavailable, cause)

	if err.Kind != LLMUnavailable {
		t.Errorf("Kind = %q, want %q", err.Kind, LLMUnavailable)
	}
	if !errors.Is(err, cause) {
		t.Error("expected Wrap to preserve the cause for errors.Is")
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("Error() = %q, want it to include the cause", err.Error())
	}
}

func TestNew_HasNoCause(t *testing.T) {
	err := New(ThreadBusy, "turn already in progress")
	if err.Unwrap() != nil {
		t.Error("New should not attach a cause")
	}
	if err.Error() == "" {
		t.Error("expected a non-empty error message")
	}
}
