package store

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"pinedocs/internal/drift"
	"pinedocs/internal/embedding"
	"pinedocs/internal/fallback"
	"pinedocs/internal/index"
	"pinedocs/internal/normalize"
	"pinedocs/internal/qc"
	"pinedocs/internal/render"
	"pinedocs/internal/segment"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func openTestStore(t *testing.T) *ArtifactStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "pinedocs.db"), false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return s
}

func testManifest(runID, url string) *render.Manifest {
	return &render.Manifest{
		ManifestVersion:        "1",
		CanonicalURL:           url,
		DocType:                render.DocTypeReference,
		PineVersion:            "v6",
		RunID:                  runID,
		CaptureMethod:          "rendered",
		AnchorCountTotal:       2,
		AnchorCountsByPrefix:   map[string]int{"var_": 1, "fun_": 1},
		ArtifactPath:           "raw/v6/reference/" + runID + "/page.html",
		ArtifactSizeBytes:      1024,
		ArtifactChecksumSHA256: "checksum-" + runID,
		Status:                 render.StatusComplete,
	}
}

func TestManifestRoundTrip(t *testing.T) {
	s := openTestStore(t)
	url := "https://www.tradingview.com/pine-script-reference/v6"

	m1 := testManifest("20260824T120000Z", url)
	m2 := testManifest("20260825T120000Z", url)
	if err := s.CommitManifest(m1); err != nil {
		t.Fatal(err)
	}
	if err := s.CommitManifest(m2); err != nil {
		t.Fatal(err)
	}

	latest, err := s.LatestManifest(url, "v6")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(m2, latest); diff != "" {
		t.Fatalf("latest manifest mismatch (-want +got):\n%s", diff)
	}

	prev, err := s.PreviousManifest(url, "v6", m2.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if prev.RunID != m1.RunID {
		t.Fatalf("previous run = %q, want %q", prev.RunID, m1.RunID)
	}

	if _, err := s.PreviousManifest(url, "v6", m1.RunID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before the first run, got %v", err)
	}
}

func TestManifestImmutable(t *testing.T) {
	s := openTestStore(t)
	m := testManifest("20260825T120000Z", "https://www.tradingview.com/pine-script-reference/v6")

	if err := s.CommitManifest(m); err != nil {
		t.Fatal(err)
	}
	if err := s.CommitManifest(m); err == nil {
		t.Fatal("re-committing the same run must fail")
	}
}

func TestSingleWriterLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pinedocs.db")
	first, err := Open(path, false)
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()

	if _, err := Open(path, false); err == nil {
		t.Fatal("second writer must be refused while the lock is held")
	} else if !strings.Contains(err.Error(), "locked") {
		t.Fatalf("unexpected refusal: %v", err)
	}
}

func TestSegmentRoundTripAndAudit(t *testing.T) {
	s := openTestStore(t)
	url := "https://www.tradingview.com/pine-script-reference/v6"
	m := testManifest("20260825T120000Z", url)
	if err := s.CommitManifest(m); err != nil {
		t.Fatal(err)
	}

	segs := []segment.Segment{
		{
			SegmentID: "cs:var_close", SourceArtifactID: "cs", CanonicalURL: url,
			DocType: render.DocTypeReference, PineVersion: "v6", RunID: m.RunID,
			Order: 0, RawHTML: "<div>close</div>", AnchorID: "var_close",
			SymbolName: "close", SymbolType: "var",
		},
		{
			SegmentID: "cs:fun_ta.sma", SourceArtifactID: "cs", CanonicalURL: url,
			DocType: render.DocTypeReference, PineVersion: "v6", RunID: m.RunID,
			Order: 1, RawHTML: "<div>sma</div>", AnchorID: "fun_ta.sma",
			SymbolName: "ta.sma", SymbolType: "fun",
		},
	}
	if err := s.CommitSegments(segs); err != nil {
		t.Fatal(err)
	}

	got, err := s.SegmentsForRun(m.RunID, render.DocTypeReference)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(segs, got); diff != "" {
		t.Fatalf("segments mismatch (-want +got):\n%s", diff)
	}

	if err := s.AuditSegmentation(m.RunID); err != nil {
		t.Fatalf("audit of a consistent run failed: %v", err)
	}
}

func TestAuditSegmentationMismatch(t *testing.T) {
	s := openTestStore(t)
	url := "https://www.tradingview.com/pine-script-reference/v6"
	m := testManifest("20260825T120000Z", url)
	if err := s.CommitManifest(m); err != nil {
		t.Fatal(err)
	}

	// One segment committed against a manifest recording two anchors.
	err := s.CommitSegments([]segment.Segment{{
		SegmentID: "cs:var_close", SourceArtifactID: "cs", CanonicalURL: url,
		DocType: render.DocTypeReference, PineVersion: "v6", RunID: m.RunID,
		RawHTML: "<div>close</div>", AnchorID: "var_close",
	}})
	if err != nil {
		t.Fatal(err)
	}

	err = s.AuditSegmentation(m.RunID)
	if !qc.IsGateFailure(err) || !strings.Contains(err.Error(), "segment_count_mismatch") {
		t.Fatalf("expected segment_count_mismatch, got %v", err)
	}
}

func TestSegmentCommitIsAtomic(t *testing.T) {
	s := openTestStore(t)
	segs := []segment.Segment{
		{SegmentID: "dup", RunID: "r1", DocType: render.DocTypeReference, RawHTML: "a"},
		{SegmentID: "dup", RunID: "r1", DocType: render.DocTypeReference, RawHTML: "b"},
	}
	if err := s.CommitSegments(segs); err == nil {
		t.Fatal("duplicate primary key must fail the batch")
	}

	count, err := s.SegmentCountForRun("r1", render.DocTypeReference)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("failed batch left %d rows behind", count)
	}
}

func TestNormalizedRoundTrip(t *testing.T) {
	s := openTestStore(t)
	runID := "20260825T120000Z"

	symbols := []normalize.ReferenceSymbol{{
		SymbolID: "cs:var_close", SymbolName: "close", SymbolType: "var",
		PineVersion: "v6", CanonicalURL: "u", AnchorID: "var_close",
		SourceArtifactID: "cs", RunID: runID, ContentText: "Close price.",
	}}
	warnings := []normalize.Warning{{Code: "empty_symbol_name", Detail: "cs:var_x"}}
	if err := s.CommitReference(symbols, warnings, runID, "v6"); err != nil {
		t.Fatal(err)
	}

	pages := []normalize.GuidePage{{
		PageID: "p1", CanonicalURL: "u2", Title: "Alerts",
		PineVersion: "v6", RunID: runID, SectionCount: 1,
	}}
	sections := []normalize.GuideSection{{
		SectionID: "sec1", PageID: "p1", CanonicalURL: "u2",
		SectionTitle: "Alerts", SectionPath: "Alerts", SectionLevel: "lead",
		PineVersion: "v6", SourceArtifactID: "cs2", RunID: runID, ContentText: "Intro.",
	}}
	if err := s.CommitGuides(pages, sections, nil, runID, "v6"); err != nil {
		t.Fatal(err)
	}

	gotSymbols, err := s.SymbolsForRun(runID)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(symbols, gotSymbols); diff != "" {
		t.Fatalf("symbols mismatch (-want +got):\n%s", diff)
	}

	gotSections, err := s.SectionsForRun(runID)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(sections, gotSections); diff != "" {
		t.Fatalf("sections mismatch (-want +got):\n%s", diff)
	}

	gotWarnings, err := s.WarningsForRun(runID)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(warnings, gotWarnings); diff != "" {
		t.Fatalf("warnings mismatch (-want +got):\n%s", diff)
	}
}

func testChunks(indexID string) []index.Chunk {
	return []index.Chunk{
		{ChunkID: "reference:cs:var_close", DocType: "reference", PineVersion: "v6",
			CanonicalURL: "u", SymbolType: "var", Text: "close (var)\nClose price."},
		{ChunkID: "guide:sec1", DocType: "guide", PineVersion: "v6",
			CanonicalURL: "u2", SectionPath: "Alerts", Text: "Alerts\nIntro."},
	}
}

func TestIndexLifecycle(t *testing.T) {
	s := openTestStore(t)
	meta := index.NewMeta("v6", "20260825T120000Z")
	chunks := testChunks(meta.IndexID)

	if err := s.CommitIndex(meta, chunks); err != nil {
		t.Fatal(err)
	}
	if err := s.AuditIndex(meta.IndexID); err != nil {
		t.Fatalf("audit of a consistent index failed: %v", err)
	}

	// No usable generation yet.
	if _, err := s.LatestUsableIndex("v6"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before promotion, got %v", err)
	}

	if err := s.SetIndexStatus(meta.IndexID, index.StatusUsable, 0.92); err != nil {
		t.Fatal(err)
	}

	usable, err := s.LatestUsableIndex("v6")
	if err != nil {
		t.Fatal(err)
	}
	if usable.IndexID != meta.IndexID || usable.EvalHitRate != 0.92 {
		t.Fatalf("usable = %+v", usable)
	}

	got, err := s.ChunksForIndex(meta.IndexID)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(chunks, got); diff != "" {
		t.Fatalf("chunks mismatch (-want +got):\n%s", diff)
	}

	if err := s.SetIndexStatus("missing", index.StatusRejected, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for an unknown index, got %v", err)
	}
}

func TestEmbeddingsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	meta := index.NewMeta("v6", "20260825T120000Z")
	chunks := testChunks(meta.IndexID)
	if err := s.CommitIndex(meta, chunks); err != nil {
		t.Fatal(err)
	}

	records := []embedding.Record{
		{ChunkID: chunks[1].ChunkID, IndexID: meta.IndexID, DocType: "guide",
			PineVersion: "v6", CanonicalURL: "u2", SectionPath: "Alerts",
			Model: "ollama:nomic-embed-text", Dims: 4, Vector: []float32{0.5, -0.25, 1, 0}},
		{ChunkID: chunks[0].ChunkID, IndexID: meta.IndexID, DocType: "reference",
			PineVersion: "v6", CanonicalURL: "u", SymbolType: "var",
			Model: "ollama:nomic-embed-text", Dims: 4, Vector: []float32{1, 2, 3, 4}},
	}
	if err := s.CommitEmbeddings(meta.IndexID, records); err != nil {
		t.Fatal(err)
	}
	if err := s.AuditIndex(meta.IndexID); err != nil {
		t.Fatalf("audit after embedding commit failed: %v", err)
	}

	got, err := s.EmbeddingsForIndex(meta.IndexID)
	if err != nil {
		t.Fatal(err)
	}
	// Rows come back ordered by chunk id.
	if len(got) != 2 || got[0].ChunkID != chunks[1].ChunkID {
		t.Fatalf("embeddings = %+v", got)
	}
	if diff := cmp.Diff(records[0].Vector, got[0].Vector); diff != "" {
		t.Fatalf("vector did not survive the round trip (-want +got):\n%s", diff)
	}
}

func TestEmbeddingCountGate(t *testing.T) {
	s := openTestStore(t)
	meta := index.NewMeta("v6", "20260825T120000Z")
	if err := s.CommitIndex(meta, testChunks(meta.IndexID)); err != nil {
		t.Fatal(err)
	}

	err := s.CommitEmbeddings(meta.IndexID, []embedding.Record{
		{ChunkID: "reference:cs:var_close", IndexID: meta.IndexID, Dims: 4, Vector: []float32{1, 2, 3, 4}},
	})
	if !qc.IsGateFailure(err) || !strings.Contains(err.Error(), "embedding_count_mismatch") {
		t.Fatalf("expected embedding_count_mismatch, got %v", err)
	}
}

func TestVectorBlobCodec(t *testing.T) {
	vec := []float32{0, -1.5, 3.25, 1e-6}
	blob := encodeFloat32SliceToBlob(vec)
	if len(blob) != 16 {
		t.Fatalf("blob length = %d", len(blob))
	}
	if diff := cmp.Diff(vec, decodeFloat32SliceFromBlob(blob)); diff != "" {
		t.Fatalf("codec mismatch (-want +got):\n%s", diff)
	}
	if decodeFloat32SliceFromBlob([]byte{1, 2, 3}) != nil {
		t.Fatal("truncated blob must decode to nil")
	}
}

func TestDriftReportsAndFallbackState(t *testing.T) {
	s := openTestStore(t)
	report := &drift.Report{
		ReportID: "v6_r1_r2", CanonicalURL: "u", PineVersion: "v6",
		PrevRunID: "r1", CurrRunID: "r2", CreatedAt: "2026-08-25T12:00:00Z",
		AnchorDeltaTotal: -50, ChecksumChanged: true,
		Severity: drift.SeverityHigh, RecommendedAction: drift.ActionBlockPipeline,
	}
	if err := s.SaveDriftReport(report); err != nil {
		t.Fatal(err)
	}

	history, err := s.DriftReportsForPage("u", "v6")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || !history[0].Blocks() {
		t.Fatalf("history = %+v", history)
	}

	blocking, err := s.BlockingDriftReports("v6")
	if err != nil {
		t.Fatal(err)
	}
	if len(blocking) != 1 {
		t.Fatalf("blocking reports = %d", len(blocking))
	}

	st := fallback.State{State: fallback.StateCached, Reason: "timeout", ConsecutiveFails: 1, RecoveryStep: -1}
	if err := s.SaveFallbackState(st); err != nil {
		t.Fatal(err)
	}
	st.ConsecutiveFails = 2
	if err := s.SaveFallbackState(st); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	loaded, err := s.LoadFallbackState()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(st, loaded); diff != "" {
		t.Fatalf("fallback state mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadFallbackStateFreshStore(t *testing.T) {
	s := openTestStore(t)
	st, err := s.LoadFallbackState()
	if err != nil {
		t.Fatal(err)
	}
	if st.State != "" {
		t.Fatalf("fresh store state = %+v", st)
	}
}

func TestMigrations(t *testing.T) {
	s := openTestStore(t)

	if err := s.Migrate(""); err == nil {
		t.Fatal("migration without an approver must be refused")
	}

	version, err := s.SchemaVersion()
	if err != nil {
		t.Fatal(err)
	}
	if version != 0 {
		t.Fatalf("baseline version = %d", version)
	}

	if err := s.Migrate("ops@example.com"); err != nil {
		t.Fatal(err)
	}
	version, err = s.SchemaVersion()
	if err != nil {
		t.Fatal(err)
	}
	if version != 1 {
		t.Fatalf("post-migration version = %d", version)
	}

	// Re-running is a no-op.
	if err := s.Migrate("ops@example.com"); err != nil {
		t.Fatal(err)
	}
}
