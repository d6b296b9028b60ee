package normalize

import (
	"strings"
	"testing"

	"pinedocs/internal/qc"
	"pinedocs/internal/segment"
)

func refSegment(anchorID, name, version string) segment.Segment {
	return segment.Segment{
		SegmentID:        "artifact1:" + anchorID,
		SourceArtifactID: "artifact1",
		CanonicalURL:     "https://www.tradingview.com/pine-script-reference/v6",
		DocType:          "reference",
		PineVersion:      version,
		RunID:            "20260825T120000Z",
		RawHTML:          "<div><h3>" + name + "</h3><p>Description of " + name + ".</p></div>",
		AnchorID:         anchorID,
		SymbolName:       name,
		SymbolType:       strings.SplitN(anchorID, "_", 2)[0],
	}
}

func TestReferenceNormalization(t *testing.T) {
	segs := []segment.Segment{
		refSegment("fun_ta.sma", "ta.sma", "v6"),
		refSegment("var_close", "close", "v6"),
	}

	symbols, warnings, err := Reference(segs)
	if err != nil {
		t.Fatalf("Reference: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if len(symbols) != 2 {
		t.Fatalf("got %d symbols", len(symbols))
	}

	sma := symbols[0]
	if sma.SymbolID != "artifact1:fun_ta.sma" {
		t.Errorf("symbol id = %q", sma.SymbolID)
	}
	if sma.SymbolType != "fun" {
		t.Errorf("symbol type = %q", sma.SymbolType)
	}
	if !strings.Contains(sma.ContentText, "Description of ta.sma") {
		t.Errorf("content text = %q", sma.ContentText)
	}
	if strings.Contains(sma.ContentText, "<") {
		t.Error("markup leaked into content text")
	}
}

func TestReferenceEmptyNameWarning(t *testing.T) {
	seg := refSegment("var_close", "", "v6")
	_, warnings, err := Reference([]segment.Segment{seg})
	if err != nil {
		t.Fatal(err)
	}
	if len(warnings) != 1 || warnings[0].Code != "empty_symbol_name" {
		t.Fatalf("warnings = %v", warnings)
	}
}

func TestReferenceMixedVersionFatal(t *testing.T) {
	segs := []segment.Segment{
		refSegment("fun_ta.sma", "ta.sma", "v6"),
		refSegment("var_close", "close", "v5"),
	}
	_, _, err := Reference(segs)
	if !qc.IsScopeViolation(err) {
		t.Fatalf("expected scope violation, got %v", err)
	}
}

func TestReferenceMissingProvenanceFatal(t *testing.T) {
	seg := refSegment("fun_ta.sma", "ta.sma", "v6")
	seg.AnchorID = ""
	_, _, err := Reference([]segment.Segment{seg})
	if !qc.IsGateFailure(err) {
		t.Fatalf("expected gate failure, got %v", err)
	}
}

func guideSegment(order int, level, title, path, url string) segment.Segment {
	return segment.Segment{
		SegmentID:        "artifact2:" + string(rune('0'+order)),
		SourceArtifactID: "artifact2",
		CanonicalURL:     url,
		DocType:          "guide",
		PineVersion:      "v6",
		RunID:            "20260825T120000Z",
		Order:            order,
		RawHTML:          "<p>Section body for " + title + ".</p>",
		SectionTitle:     title,
		SectionPath:      path,
		SectionLevel:     level,
	}
}

func TestGuideNormalization(t *testing.T) {
	url := "https://www.tradingview.com/pine-script-docs/concepts/alerts"
	segs := []segment.Segment{
		guideSegment(0, segment.LevelLead, "Alerts", "Alerts", url),
		guideSegment(1, segment.LevelH2, "Creating alerts", "Alerts > Creating alerts", url),
		guideSegment(2, segment.LevelH3, "Conditions", "Alerts > Creating alerts > Conditions", url),
	}

	pages, sections, warnings, err := Guides(segs)
	if err != nil {
		t.Fatalf("Guides: %v", err)
	}
	if len(pages) != 1 {
		t.Fatalf("got %d pages", len(pages))
	}
	if pages[0].Title != "Alerts" || pages[0].SectionCount != 3 {
		t.Fatalf("page = %+v", pages[0])
	}
	if pages[0].PageID != idHash(url) {
		t.Fatal("page id must be the url hash")
	}
	if len(sections) != 3 {
		t.Fatalf("got %d sections", len(sections))
	}
	for i, sec := range sections {
		if sec.PageID != pages[0].PageID {
			t.Errorf("section %d not linked to page", i)
		}
		if sec.SectionID != idHash(segs[i].SegmentID) {
			t.Errorf("section %d id mismatch", i)
		}
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
}

func TestGuideOrphanH3Warning(t *testing.T) {
	url := "https://www.tradingview.com/pine-script-docs/concepts/alerts"
	segs := []segment.Segment{
		guideSegment(0, segment.LevelLead, "Alerts", "Alerts", url),
		// h3 with a two-element path: its h2 is missing.
		guideSegment(1, segment.LevelH3, "Orphan", "Alerts > Orphan", url),
	}

	_, _, warnings, err := Guides(segs)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, w := range warnings {
		if w.Code == "orphan_h3" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected orphan_h3 warning, got %v", warnings)
	}
}

func TestGuideFallbackWarning(t *testing.T) {
	url := "https://www.tradingview.com/pine-script-docs/misc"
	segs := []segment.Segment{
		guideSegment(0, segment.LevelFallback, "", "", url),
	}
	_, _, warnings, err := Guides(segs)
	if err != nil {
		t.Fatal(err)
	}
	if len(warnings) != 1 || warnings[0].Code != "fallback_section" {
		t.Fatalf("warnings = %v", warnings)
	}
}

func TestBatchVersionEmptyFatal(t *testing.T) {
	seg := refSegment("var_close", "close", "")
	_, _, err := Reference([]segment.Segment{seg})
	if !qc.IsScopeViolation(err) {
		t.Fatalf("expected scope violation for empty version, got %v", err)
	}
}
