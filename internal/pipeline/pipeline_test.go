package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"pinedocs/internal/config"
	"pinedocs/internal/drift"
	"pinedocs/internal/fallback"
	"pinedocs/internal/qc"
	"pinedocs/internal/render"
	"pinedocs/internal/store"
)

func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.ArtifactsRoot = t.TempDir()

	st, err := store.Open(filepath.Join(t.TempDir(), "pinedocs.db"), false)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	p, err := New(cfg, st)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func pipelineManifest(runID string, anchors int) render.Manifest {
	return render.Manifest{
		ManifestVersion:        "1",
		CanonicalURL:           "https://www.tradingview.com/pine-script-reference/v6",
		DocType:                render.DocTypeReference,
		PineVersion:            "v6",
		RunID:                  runID,
		CaptureMethod:          "rendered",
		AnchorCountTotal:       anchors,
		AnchorCountsByPrefix:   map[string]int{"fun_": anchors},
		ArtifactChecksumSHA256: "sum-" + runID,
		Status:                 render.StatusComplete,
	}
}

func TestCheckDriftFirstRunHasNoBaseline(t *testing.T) {
	p := newTestPipeline(t)
	m := pipelineManifest("20260825T120000Z", 4200)

	reports, err := p.CheckDrift([]render.Manifest{m})
	if err != nil {
		t.Fatalf("CheckDrift: %v", err)
	}
	if len(reports) != 0 {
		t.Fatalf("first run produced %d reports", len(reports))
	}
}

func TestCheckDriftBlocksOnLargeDelta(t *testing.T) {
	p := newTestPipeline(t)
	prev := pipelineManifest("20260824T120000Z", 4200)
	if err := p.Store().CommitManifest(&prev); err != nil {
		t.Fatal(err)
	}

	curr := pipelineManifest("20260825T120000Z", 4100)
	reports, err := p.CheckDrift([]render.Manifest{curr})
	if !qc.IsGateFailure(err) || !strings.Contains(err.Error(), "blocking_drift") {
		t.Fatalf("expected blocking_drift, got %v", err)
	}
	if len(reports) != 1 || reports[0].Severity != drift.SeverityHigh {
		t.Fatalf("reports = %+v", reports)
	}

	// The report persisted before the block fired.
	saved, err := p.Store().BlockingDriftReports("v6")
	if err != nil {
		t.Fatal(err)
	}
	if len(saved) != 1 {
		t.Fatalf("persisted blocking reports = %d", len(saved))
	}
}

func TestCheckDriftSmallDeltaPasses(t *testing.T) {
	p := newTestPipeline(t)
	prev := pipelineManifest("20260824T120000Z", 4200)
	if err := p.Store().CommitManifest(&prev); err != nil {
		t.Fatal(err)
	}

	curr := pipelineManifest("20260825T120000Z", 4203)
	reports, err := p.CheckDrift([]render.Manifest{curr})
	if err != nil {
		t.Fatalf("medium drift must not block: %v", err)
	}
	if len(reports) != 1 || reports[0].Severity != drift.SeverityMedium {
		t.Fatalf("reports = %+v", reports)
	}
}

func TestQueryAssistiveOnlyWithholdsContent(t *testing.T) {
	p := newTestPipeline(t)
	p.Machine().TriggerComplianceHold("robots disallows the docs path")

	result, err := p.Query(context.Background(), "how do alerts work", "v6", "")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(result.Hits) != 0 {
		t.Fatal("assistive-only state served scraped content")
	}
	if !strings.Contains(result.DegradedLabel, "assistive") {
		t.Fatalf("label = %q", result.DegradedLabel)
	}
	if result.TraceID == "" {
		t.Fatal("missing trace id")
	}
}

func TestQueryNoUsableIndex(t *testing.T) {
	p := newTestPipeline(t)

	_, err := p.Query(context.Background(), "ta.sma", "v6", ModeReferenceOnly)
	if !qc.IsGateFailure(err) || !strings.Contains(err.Error(), "no_usable_index") {
		t.Fatalf("expected no_usable_index, got %v", err)
	}
}

func TestQueryRejectsUnknownMode(t *testing.T) {
	p := newTestPipeline(t)
	if _, err := p.Query(context.Background(), "x", "v6", "everything"); err == nil {
		t.Fatal("unknown mode must be rejected")
	}
}

func TestIngestBlockedUnderComplianceHold(t *testing.T) {
	p := newTestPipeline(t)
	p.Machine().TriggerComplianceHold("manual hold")

	_, err := p.Ingest(context.Background(), []Target{{URL: "https://www.tradingview.com/pine-script-reference/v6", DocType: "reference"}}, "v6")
	if err == nil || !strings.Contains(err.Error(), "compliance hold") {
		t.Fatalf("expected hold to block ingestion, got %v", err)
	}
}

func TestStatusFreshStore(t *testing.T) {
	p := newTestPipeline(t)

	st, err := p.Status("v6")
	if err != nil {
		t.Fatal(err)
	}
	if st.Fallback.State != fallback.StateNominal {
		t.Fatalf("fresh state = %q", st.Fallback.State)
	}
	if st.UsableIndex != nil {
		t.Fatal("fresh store reported a usable index")
	}
}

func TestFallbackStateSurvivesRestart(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.ArtifactsRoot = t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "pinedocs.db")

	st, err := store.Open(dbPath, false)
	if err != nil {
		t.Fatal(err)
	}
	p, err := New(cfg, st)
	if err != nil {
		t.Fatal(err)
	}
	p.Machine().RecordRenderFailure("timeout")
	p.saveFallback()
	_ = p.Close()
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	st2, err := store.Open(dbPath, false)
	if err != nil {
		t.Fatal(err)
	}
	defer st2.Close()
	p2, err := New(cfg, st2)
	if err != nil {
		t.Fatal(err)
	}
	defer p2.Close()

	if got := p2.Machine().Current().State; got != fallback.StateCached {
		t.Fatalf("restored state = %q, want cached", got)
	}
}

func TestSecondRenderFailureEscalatesToCookbookOnly(t *testing.T) {
	p := newTestPipeline(t)

	if st := p.Machine().RecordRenderFailure("timeout"); st.State != fallback.StateCached {
		t.Fatalf("after first failure state = %q, want cached", st.State)
	}
	if st := p.Machine().RecordRenderFailure("timeout"); st.State != fallback.StateCookbookOnly {
		t.Fatalf("after second failure state = %q, want cookbook_only", st.State)
	}
}

func TestStatusPropagatesStoreErrors(t *testing.T) {
	p := newTestPipeline(t)
	// ErrNotFound is the only tolerated lookup failure.
	if _, err := p.Store().LatestUsableIndex("v6"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
