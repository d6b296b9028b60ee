package index

import (
	"strings"
	"testing"

	"pinedocs/internal/normalize"
	"pinedocs/internal/qc"
)

func sampleSymbols() []normalize.ReferenceSymbol {
	return []normalize.ReferenceSymbol{
		{
			SymbolID: "a1:fun_ta.sma", SymbolName: "ta.sma", SymbolType: "fun",
			PineVersion: "v6", CanonicalURL: "https://www.tradingview.com/pine-script-reference/v6",
			AnchorID: "fun_ta.sma", SourceArtifactID: "a1", RunID: "r1",
			ContentText: "Simple moving average.",
		},
		{
			SymbolID: "a1:var_close", SymbolName: "close", SymbolType: "var",
			PineVersion: "v6", CanonicalURL: "https://www.tradingview.com/pine-script-reference/v6",
			AnchorID: "var_close", SourceArtifactID: "a1", RunID: "r1",
			ContentText: "Close price of the current bar.",
		},
	}
}

func sampleSections() []normalize.GuideSection {
	return []normalize.GuideSection{
		{
			SectionID: "sec1", PageID: "page1",
			CanonicalURL: "https://www.tradingview.com/pine-script-docs/concepts/alerts",
			SectionTitle: "Creating alerts", SectionPath: "Alerts > Creating alerts",
			SectionLevel: "h2", PineVersion: "v6", SourceArtifactID: "a2", RunID: "r1",
			ContentText: "How to create alerts.",
		},
	}
}

func TestChunkBuilding(t *testing.T) {
	chunks := append(FromReference(sampleSymbols()), FromGuides(sampleSections())...)
	if err := Validate(chunks, 3); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if chunks[0].ChunkID != "reference:a1:fun_ta.sma" {
		t.Errorf("chunk id = %q", chunks[0].ChunkID)
	}
	if chunks[2].ChunkID != "guide:sec1" {
		t.Errorf("guide chunk id = %q", chunks[2].ChunkID)
	}
	if !strings.HasPrefix(chunks[0].Text, "ta.sma (fun)") {
		t.Errorf("chunk text missing identity prefix: %q", chunks[0].Text)
	}
	if !strings.HasPrefix(chunks[2].Text, "Alerts > Creating alerts") {
		t.Errorf("guide chunk text missing path prefix: %q", chunks[2].Text)
	}
}

func TestValidateCountMismatch(t *testing.T) {
	chunks := FromReference(sampleSymbols())
	err := Validate(chunks, 3)
	if !qc.IsGateFailure(err) || !strings.Contains(err.Error(), "chunk_count_mismatch") {
		t.Fatalf("expected chunk_count_mismatch, got %v", err)
	}
}

func TestValidateDuplicateChunkID(t *testing.T) {
	symbols := sampleSymbols()
	symbols[1].SymbolID = symbols[0].SymbolID
	chunks := FromReference(symbols)
	err := Validate(chunks, 2)
	if !qc.IsGateFailure(err) || !strings.Contains(err.Error(), "duplicate_chunk_id") {
		t.Fatalf("expected duplicate_chunk_id, got %v", err)
	}
}

func TestValidateMissingRequired(t *testing.T) {
	symbols := sampleSymbols()
	symbols[0].ContentText = ""
	symbols[0].SymbolName = ""
	chunks := FromReference(symbols)
	err := Validate(chunks, 2)
	if !qc.IsGateFailure(err) || !strings.Contains(err.Error(), "missing_required") {
		t.Fatalf("expected missing_required, got %v", err)
	}
}

func TestValidateMixedVersion(t *testing.T) {
	symbols := sampleSymbols()
	symbols[1].PineVersion = "v5"
	chunks := FromReference(symbols)
	if err := Validate(chunks, 2); !qc.IsScopeViolation(err) {
		t.Fatalf("expected scope violation, got %v", err)
	}
}

func TestNewMetaIDFormat(t *testing.T) {
	meta := NewMeta("v6", "20260825T120000Z")
	if meta.IndexID != "v6_20260825T120000Z" {
		t.Fatalf("index id = %q", meta.IndexID)
	}
	if meta.Status != StatusBuilding {
		t.Fatalf("new meta status = %q", meta.Status)
	}
}
