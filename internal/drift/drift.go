// Package drift compares consecutive render runs of the same page and
// classifies structural change. Comparison is strictly within one Pine
// version: cross-version deltas are expected and meaningless, so they are
// rejected as scope violations rather than reported as drift.
package drift

import (
	"fmt"
	"time"

	"pinedocs/internal/logging"
	"pinedocs/internal/qc"
	"pinedocs/internal/render"
)

// Severity levels, ordered.
const (
	SeverityNone   = "none"
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Recommended actions per severity.
const (
	ActionIgnore        = "ignore"
	ActionManualReview  = "manual_review"
	ActionResegment     = "resegment"
	ActionBlockPipeline = "block_pipeline"
)

// EnvDelta records one environment field that changed between runs.
type EnvDelta struct {
	Field    string `json:"field"`
	Previous string `json:"previous"`
	Current  string `json:"current"`
}

// Report is the outcome of comparing two runs of one page.
type Report struct {
	ReportID     string `json:"report_id"`
	CanonicalURL string `json:"canonical_url"`
	PineVersion  string `json:"pine_version"`
	PrevRunID    string `json:"prev_run_id"`
	CurrRunID    string `json:"curr_run_id"`
	CreatedAt    string `json:"created_at"`

	AnchorDeltaTotal int            `json:"anchor_delta_total"`
	DeltasByPrefix   map[string]int `json:"deltas_by_prefix"`
	ChecksumChanged  bool           `json:"checksum_changed"`
	EnvDeltas        []EnvDelta     `json:"env_deltas,omitempty"`

	Severity          string `json:"severity"`
	RecommendedAction string `json:"recommended_action"`
}

// Compare builds a drift report from two manifests of the same page. prev
// must be the older run.
func Compare(prev, curr *render.Manifest, highDeltaCutoff int) (*Report, error) {
	if prev.PineVersion != curr.PineVersion {
		return nil, qc.NewScopeError("cross_version_drift_comparison", prev.PineVersion, curr.PineVersion)
	}
	if prev.CanonicalURL != curr.CanonicalURL {
		return nil, qc.NewScopeError("cross_page_drift_comparison", prev.CanonicalURL, curr.CanonicalURL)
	}
	if highDeltaCutoff <= 0 {
		return nil, fmt.Errorf("high delta cutoff must be positive, got %d", highDeltaCutoff)
	}

	report := &Report{
		ReportID:         fmt.Sprintf("%s_%s_%s", curr.PineVersion, prev.RunID, curr.RunID),
		CanonicalURL:     curr.CanonicalURL,
		PineVersion:      curr.PineVersion,
		PrevRunID:        prev.RunID,
		CurrRunID:        curr.RunID,
		CreatedAt:        time.Now().UTC().Format(time.RFC3339),
		AnchorDeltaTotal: curr.AnchorCountTotal - prev.AnchorCountTotal,
		DeltasByPrefix:   prefixDeltas(prev.AnchorCountsByPrefix, curr.AnchorCountsByPrefix),
		ChecksumChanged:  prev.ArtifactChecksumSHA256 != curr.ArtifactChecksumSHA256,
		EnvDeltas:        envDeltas(prev.Environment, curr.Environment),
	}

	report.Severity = classify(report, highDeltaCutoff)
	report.RecommendedAction = actionFor(report.Severity)

	if report.Severity != SeverityNone {
		logging.DriftWarn("%s: severity=%s delta=%d env_changes=%d",
			curr.CanonicalURL, report.Severity, report.AnchorDeltaTotal, len(report.EnvDeltas))
	} else {
		logging.Drift("%s: no drift between %s and %s", curr.CanonicalURL, prev.RunID, curr.RunID)
	}
	return report, nil
}

func prefixDeltas(prev, curr map[string]int) map[string]int {
	deltas := make(map[string]int)
	for _, prefix := range render.AnchorPrefixes {
		d := curr[prefix] - prev[prefix]
		if d != 0 {
			deltas[prefix] = d
		}
	}
	return deltas
}

func envDeltas(prev, curr render.Environment) []EnvDelta {
	var deltas []EnvDelta
	add := func(field, p, c string) {
		if p != c {
			deltas = append(deltas, EnvDelta{Field: field, Previous: p, Current: c})
		}
	}
	add("browser_version", prev.BrowserVersion, curr.BrowserVersion)
	add("user_agent", prev.UserAgent, curr.UserAgent)
	add("viewport", fmt.Sprintf("%dx%d", prev.ViewportWidth, prev.ViewportHeight),
		fmt.Sprintf("%dx%d", curr.ViewportWidth, curr.ViewportHeight))
	add("locale", prev.Locale, curr.Locale)
	add("timezone", prev.Timezone, curr.Timezone)
	return deltas
}

// classify maps a report onto a severity. Environment-only changes are low:
// the content may be identical and the delta an artifact of the render
// environment, which a human should confirm before anything re-runs.
func classify(r *Report, highDeltaCutoff int) string {
	delta := r.AnchorDeltaTotal
	if delta < 0 {
		delta = -delta
	}

	structural := r.AnchorDeltaTotal != 0 || len(r.DeltasByPrefix) > 0

	switch {
	case !structural && len(r.EnvDeltas) == 0 && !r.ChecksumChanged:
		return SeverityNone
	case !structural:
		// Environment or byte-level change without anchor movement.
		return SeverityLow
	case delta < highDeltaCutoff:
		return SeverityMedium
	default:
		return SeverityHigh
	}
}

func actionFor(severity string) string {
	switch severity {
	case SeverityNone:
		return ActionIgnore
	case SeverityLow:
		return ActionManualReview
	case SeverityMedium:
		return ActionResegment
	default:
		return ActionBlockPipeline
	}
}

// Blocks reports whether a drift report must halt the pipeline.
func (r *Report) Blocks() bool {
	return r.RecommendedAction == ActionBlockPipeline
}
