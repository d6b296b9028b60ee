package drift

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"pinedocs/internal/qc"
	"pinedocs/internal/render"
)

func baseManifest(runID string) *render.Manifest {
	return &render.Manifest{
		CanonicalURL:     "https://www.tradingview.com/pine-script-reference/v6",
		DocType:          render.DocTypeReference,
		PineVersion:      "v6",
		RunID:            runID,
		AnchorCountTotal: 4200,
		AnchorCountsByPrefix: map[string]int{
			"var_": 800, "fun_": 2400, "const_": 700, "kw_": 100, "op_": 100, "an_": 100,
		},
		ArtifactChecksumSHA256: "aaaa",
		Environment: render.Environment{
			RenderEngine:   "rod",
			BrowserName:    "chromium",
			BrowserVersion: "130.0",
			UserAgent:      "pinedocs rendered acquisition/0.1",
			ViewportWidth:  1400,
			ViewportHeight: 900,
			Locale:         "en-US",
			Timezone:       "UTC",
		},
	}
}

func TestCompareNoDrift(t *testing.T) {
	prev := baseManifest("20260824T120000Z")
	curr := baseManifest("20260825T120000Z")

	report, err := Compare(prev, curr, 10)
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if report.Severity != SeverityNone || report.RecommendedAction != ActionIgnore {
		t.Fatalf("report = %s/%s, want none/ignore", report.Severity, report.RecommendedAction)
	}
	if report.Blocks() {
		t.Fatal("no-drift report must not block")
	}
	if report.ReportID != "v6_20260824T120000Z_20260825T120000Z" {
		t.Fatalf("report id = %q", report.ReportID)
	}
}

func TestCompareChecksumOnlyIsLow(t *testing.T) {
	prev := baseManifest("r1")
	curr := baseManifest("r2")
	curr.ArtifactChecksumSHA256 = "bbbb"

	report, err := Compare(prev, curr, 10)
	if err != nil {
		t.Fatal(err)
	}
	if report.Severity != SeverityLow || report.RecommendedAction != ActionManualReview {
		t.Fatalf("checksum-only change = %s/%s, want low/manual_review", report.Severity, report.RecommendedAction)
	}
}

func TestCompareEnvOnlyIsLow(t *testing.T) {
	prev := baseManifest("r1")
	curr := baseManifest("r2")
	curr.Environment.BrowserVersion = "131.0"
	curr.Environment.Timezone = "America/New_York"

	report, err := Compare(prev, curr, 10)
	if err != nil {
		t.Fatal(err)
	}
	if report.Severity != SeverityLow {
		t.Fatalf("env-only change severity = %s, want low", report.Severity)
	}

	want := []EnvDelta{
		{Field: "browser_version", Previous: "130.0", Current: "131.0"},
		{Field: "timezone", Previous: "UTC", Current: "America/New_York"},
	}
	if diff := cmp.Diff(want, report.EnvDeltas); diff != "" {
		t.Fatalf("env deltas mismatch (-want +got):\n%s", diff)
	}
}

func TestCompareSmallDeltaIsMedium(t *testing.T) {
	prev := baseManifest("r1")
	curr := baseManifest("r2")
	curr.AnchorCountTotal += 3
	curr.AnchorCountsByPrefix["fun_"] += 3
	curr.ArtifactChecksumSHA256 = "bbbb"

	report, err := Compare(prev, curr, 10)
	if err != nil {
		t.Fatal(err)
	}
	if report.Severity != SeverityMedium || report.RecommendedAction != ActionResegment {
		t.Fatalf("delta 3 = %s/%s, want medium/resegment", report.Severity, report.RecommendedAction)
	}
	if report.DeltasByPrefix["fun_"] != 3 {
		t.Fatalf("prefix deltas = %v", report.DeltasByPrefix)
	}
}

func TestCompareLargeDeltaBlocks(t *testing.T) {
	prev := baseManifest("r1")
	curr := baseManifest("r2")
	curr.AnchorCountTotal -= 50
	curr.AnchorCountsByPrefix["fun_"] -= 50
	curr.ArtifactChecksumSHA256 = "bbbb"

	report, err := Compare(prev, curr, 10)
	if err != nil {
		t.Fatal(err)
	}
	if report.Severity != SeverityHigh {
		t.Fatalf("delta -50 severity = %s, want high", report.Severity)
	}
	if !report.Blocks() {
		t.Fatal("high severity must block the pipeline")
	}
	if report.AnchorDeltaTotal != -50 {
		t.Fatalf("anchor delta = %d", report.AnchorDeltaTotal)
	}
}

func TestCompareDeltaAtCutoffIsHigh(t *testing.T) {
	prev := baseManifest("r1")
	curr := baseManifest("r2")
	curr.AnchorCountTotal += 10
	curr.AnchorCountsByPrefix["var_"] += 10

	report, err := Compare(prev, curr, 10)
	if err != nil {
		t.Fatal(err)
	}
	if report.Severity != SeverityHigh {
		t.Fatalf("delta at cutoff severity = %s, want high", report.Severity)
	}
}

func TestCompareCrossVersionRejected(t *testing.T) {
	prev := baseManifest("r1")
	curr := baseManifest("r2")
	curr.PineVersion = "v5"

	if _, err := Compare(prev, curr, 10); !qc.IsScopeViolation(err) {
		t.Fatalf("expected scope violation, got %v", err)
	}
}

func TestCompareCrossPageRejected(t *testing.T) {
	prev := baseManifest("r1")
	curr := baseManifest("r2")
	curr.CanonicalURL = "https://www.tradingview.com/pine-script-docs/welcome"

	if _, err := Compare(prev, curr, 10); !qc.IsScopeViolation(err) {
		t.Fatalf("expected scope violation, got %v", err)
	}
}
