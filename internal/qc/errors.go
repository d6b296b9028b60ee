// Package qc defines the error taxonomy shared by the pipeline stages.
// Every stage commit is guarded by gates that return one of these error
// kinds; callers dispatch on the kind to decide between blocking a commit,
// entering a fallback state, or surfacing a drift report.
package qc

import (
	"errors"
	"fmt"
)

// GateError reports a QC gate failure for one stage. The failed stage
// commits nothing; artifacts from prior stages are untouched.
type GateError struct {
	Stage  string // render, segment, normalize, index, embed, eval
	Reason string // machine-readable token, e.g. segment_count_mismatch
	Detail string
}

func (e *GateError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s gate failure: %s", e.Stage, e.Reason)
	}
	return fmt.Sprintf("%s gate failure: %s (%s)", e.Stage, e.Reason, e.Detail)
}

// NewGateError builds a gate failure for a stage.
func NewGateError(stage, reason, format string, args ...interface{}) *GateError {
	return &GateError{Stage: stage, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// ScopeError reports a version scope violation: ambiguous pine_version,
// cross-version mixing, or a cross-version comparison. Always fatal.
type ScopeError struct {
	Reason string
	Want   string
	Got    string
}

func (e *ScopeError) Error() string {
	if e.Want == "" && e.Got == "" {
		return fmt.Sprintf("scope violation: %s", e.Reason)
	}
	return fmt.Sprintf("scope violation: %s (want %s, got %s)", e.Reason, e.Want, e.Got)
}

// NewScopeError builds a scope violation with the expected and actual scope.
func NewScopeError(reason, want, got string) *ScopeError {
	return &ScopeError{Reason: reason, Want: want, Got: got}
}

// SourceUnavailableError reports that the documentation source could not be
// rendered (unreachable, blocked, or incomplete). It triggers a fallback
// state transition rather than a crash.
type SourceUnavailableError struct {
	URL    string
	Reason string
	Err    error
}

func (e *SourceUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("source unavailable: %s (%s): %v", e.Reason, e.URL, e.Err)
	}
	return fmt.Sprintf("source unavailable: %s (%s)", e.Reason, e.URL)
}

func (e *SourceUnavailableError) Unwrap() error { return e.Err }

// IsGateFailure reports whether err is (or wraps) a QC gate failure.
func IsGateFailure(err error) bool {
	var ge *GateError
	return errors.As(err, &ge)
}

// IsScopeViolation reports whether err is (or wraps) a scope violation.
func IsScopeViolation(err error) bool {
	var se *ScopeError
	return errors.As(err, &se)
}

// IsSourceUnavailable reports whether err is (or wraps) a source failure.
func IsSourceUnavailable(err error) bool {
	var su *SourceUnavailableError
	return errors.As(err, &su)
}
