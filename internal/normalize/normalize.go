// Package normalize turns raw segments into versioned documentation records:
// reference symbols for anchored entries, guide pages and sections for
// prose. Normalization is strictly single-version: a batch mixing Pine
// versions is a scope violation and commits nothing.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/net/html"

	"pinedocs/internal/logging"
	"pinedocs/internal/qc"
	"pinedocs/internal/segment"
)

// ReferenceSymbol is one normalized language-entity entry.
type ReferenceSymbol struct {
	SymbolID         string `json:"symbol_id"` // segment_id of the source segment
	SymbolName       string `json:"symbol_name"`
	SymbolType       string `json:"symbol_type"` // var, fun, const, type, kw, op, an
	PineVersion      string `json:"pine_version"`
	CanonicalURL     string `json:"canonical_url"`
	AnchorID         string `json:"anchor_id"`
	SourceArtifactID string `json:"source_artifact_id"`
	RunID            string `json:"run_id"`
	ContentText      string `json:"content_text"`
}

// GuidePage is one normalized guide document.
type GuidePage struct {
	PageID       string `json:"page_id"` // sha256(canonical_url)
	CanonicalURL string `json:"canonical_url"`
	Title        string `json:"title"`
	PineVersion  string `json:"pine_version"`
	RunID        string `json:"run_id"`
	SectionCount int    `json:"section_count"`
}

// GuideSection is one normalized guide section.
type GuideSection struct {
	SectionID        string `json:"section_id"` // sha256(segment_id)
	PageID           string `json:"page_id"`
	CanonicalURL     string `json:"canonical_url"`
	SectionTitle     string `json:"section_title"`
	SectionPath      string `json:"section_path"`
	SectionLevel     string `json:"section_level"` // lead, h2, h3, fallback
	SectionOrder     int    `json:"section_order"`
	PineVersion      string `json:"pine_version"`
	SourceArtifactID string `json:"source_artifact_id"`
	RunID            string `json:"run_id"`
	ContentText      string `json:"content_text"`
}

// Warning is a non-fatal normalization finding, recorded alongside the
// batch so reviewers can see what normalization tolerated.
type Warning struct {
	Code   string `json:"code"` // e.g. orphan_h3, empty_symbol_name
	Detail string `json:"detail"`
}

func idHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// extractText strips markup from a raw HTML fragment and collapses
// whitespace.
func extractText(rawHTML string) string {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return strings.Join(strings.Fields(rawHTML), " ")
	}
	var sb strings.Builder
	var traverse func(*html.Node)
	traverse = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteString(" ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			traverse(c)
		}
	}
	traverse(doc)
	return strings.Join(strings.Fields(sb.String()), " ")
}

// batchVersion checks that all segments share one valid Pine version and
// returns it. An empty or mixed version is fatal.
func batchVersion(segments []segment.Segment) (string, error) {
	version := ""
	for _, seg := range segments {
		if seg.PineVersion == "" {
			return "", qc.NewScopeError("invalid_pine_version", "non-empty", "empty")
		}
		if version == "" {
			version = seg.PineVersion
			continue
		}
		if seg.PineVersion != version {
			return "", qc.NewScopeError("mixed_pine_version", version, seg.PineVersion)
		}
	}
	if version == "" {
		return "", qc.NewScopeError("invalid_pine_version", "non-empty", "no segments")
	}
	return version, nil
}

// Reference normalizes reference segments into symbols. Every segment must
// carry its anchor, type, and provenance; symbols with empty names pass
// through (the segmentation gate already bounded them) but are reported as
// warnings.
func Reference(segments []segment.Segment) ([]ReferenceSymbol, []Warning, error) {
	if _, err := batchVersion(segments); err != nil {
		return nil, nil, err
	}

	seen := make(map[string]bool, len(segments))
	symbols := make([]ReferenceSymbol, 0, len(segments))
	var warnings []Warning

	for _, seg := range segments {
		if seg.AnchorID == "" || seg.SymbolType == "" || seg.SourceArtifactID == "" || seg.CanonicalURL == "" {
			return nil, nil, qc.NewGateError("normalize", "missing_required",
				"segment %s lacks anchor, type, or provenance", seg.SegmentID)
		}
		if seen[seg.SegmentID] {
			return nil, nil, qc.NewGateError("normalize", "duplicate_symbol_id", "segment %s", seg.SegmentID)
		}
		seen[seg.SegmentID] = true

		if seg.SymbolName == "" {
			warnings = append(warnings, Warning{
				Code:   "empty_symbol_name",
				Detail: seg.AnchorID,
			})
		}

		symbols = append(symbols, ReferenceSymbol{
			SymbolID:         seg.SegmentID,
			SymbolName:       seg.SymbolName,
			SymbolType:       seg.SymbolType,
			PineVersion:      seg.PineVersion,
			CanonicalURL:     seg.CanonicalURL,
			AnchorID:         seg.AnchorID,
			SourceArtifactID: seg.SourceArtifactID,
			RunID:            seg.RunID,
			ContentText:      extractText(seg.RawHTML),
		})
	}

	logging.Normalize("reference batch: %d symbols, %d warnings", len(symbols), len(warnings))
	return symbols, warnings, nil
}

// Guides normalizes guide segments into pages and sections. Segments are
// grouped by canonical URL; each group becomes one page whose title is the
// lead section's title.
func Guides(segments []segment.Segment) ([]GuidePage, []GuideSection, []Warning, error) {
	if _, err := batchVersion(segments); err != nil {
		return nil, nil, nil, err
	}

	var warnings []Warning
	seenSections := make(map[string]bool, len(segments))
	pagesByURL := make(map[string]*GuidePage)
	var pageOrder []string
	var sections []GuideSection

	for _, seg := range segments {
		if seg.SourceArtifactID == "" || seg.CanonicalURL == "" || seg.SectionLevel == "" {
			return nil, nil, nil, qc.NewGateError("normalize", "missing_required",
				"segment %s lacks level or provenance", seg.SegmentID)
		}

		page, ok := pagesByURL[seg.CanonicalURL]
		if !ok {
			page = &GuidePage{
				PageID:       idHash(seg.CanonicalURL),
				CanonicalURL: seg.CanonicalURL,
				PineVersion:  seg.PineVersion,
				RunID:        seg.RunID,
			}
			pagesByURL[seg.CanonicalURL] = page
			pageOrder = append(pageOrder, seg.CanonicalURL)
		}
		if page.Title == "" && seg.SectionTitle != "" {
			page.Title = seg.SectionTitle
		}

		sectionID := idHash(seg.SegmentID)
		if seenSections[sectionID] {
			return nil, nil, nil, qc.NewGateError("normalize", "duplicate_section_id", "segment %s", seg.SegmentID)
		}
		seenSections[sectionID] = true

		if seg.SectionLevel == segment.LevelH3 && strings.Count(seg.SectionPath, " > ") < 2 {
			warnings = append(warnings, Warning{Code: "orphan_h3", Detail: seg.SectionPath})
		}
		if seg.SectionLevel == segment.LevelFallback {
			warnings = append(warnings, Warning{Code: "fallback_section", Detail: seg.CanonicalURL})
		}

		sections = append(sections, GuideSection{
			SectionID:        sectionID,
			PageID:           page.PageID,
			CanonicalURL:     seg.CanonicalURL,
			SectionTitle:     seg.SectionTitle,
			SectionPath:      seg.SectionPath,
			SectionLevel:     seg.SectionLevel,
			SectionOrder:     seg.Order,
			PineVersion:      seg.PineVersion,
			SourceArtifactID: seg.SourceArtifactID,
			RunID:            seg.RunID,
			ContentText:      extractText(seg.RawHTML),
		})
		page.SectionCount++
	}

	pages := make([]GuidePage, 0, len(pagesByURL))
	for _, u := range pageOrder {
		pages = append(pages, *pagesByURL[u])
	}

	logging.Normalize("guide batch: %d pages, %d sections, %d warnings",
		len(pages), len(sections), len(warnings))
	return pages, sections, warnings, nil
}

// ValidateDocType rejects segments whose doc type does not match the
// normalizer being applied.
func ValidateDocType(segments []segment.Segment, want string) error {
	for _, seg := range segments {
		if seg.DocType != want {
			return qc.NewGateError("normalize", "doc_type_mismatch",
				"segment %s is %s, normalizer expects %s", seg.SegmentID, seg.DocType, want)
		}
	}
	return nil
}
