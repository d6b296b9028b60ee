package qc

import (
	"errors"
	"fmt"
	"testing"
)

func TestGateErrorPredicates(t *testing.T) {
	err := NewGateError("segment", "segment_count_mismatch", "got %d, want %d", 11, 12)
	if !IsGateFailure(err) {
		t.Fatal("expected gate failure")
	}
	if IsScopeViolation(err) || IsSourceUnavailable(err) {
		t.Fatal("gate error misclassified")
	}

	wrapped := fmt.Errorf("stage failed: %w", err)
	if !IsGateFailure(wrapped) {
		t.Fatal("wrapped gate failure not detected")
	}

	var ge *GateError
	if !errors.As(wrapped, &ge) {
		t.Fatal("errors.As failed")
	}
	if ge.Stage != "segment" || ge.Reason != "segment_count_mismatch" {
		t.Fatalf("unexpected fields: %+v", ge)
	}
}

func TestScopeError(t *testing.T) {
	err := NewScopeError("mixed_pine_version", "v6", "v5")
	if !IsScopeViolation(err) {
		t.Fatal("expected scope violation")
	}
	want := "scope violation: mixed_pine_version (want v6, got v5)"
	if err.Error() != want {
		t.Fatalf("got %q, want %q", err.Error(), want)
	}
}

func TestSourceUnavailableUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := &SourceUnavailableError{URL: "https://example.com", Reason: "render_failed", Err: cause}
	if !IsSourceUnavailable(err) {
		t.Fatal("expected source unavailable")
	}
	if !errors.Is(err, cause) {
		t.Fatal("cause not reachable through Unwrap")
	}
}
