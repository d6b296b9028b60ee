package segment

import (
	"strings"

	"pinedocs/internal/qc"
	"pinedocs/internal/render"
)

// ValidateReference is the QC gate between reference segmentation and
// commit. emptyNameBudget is the tolerated number of entries without a
// symbol name. Any failure blocks the whole batch: segments commit all or
// nothing.
func ValidateReference(segments []Segment, manifest *render.Manifest, emptyNameBudget int) error {
	if len(segments) != manifest.AnchorCountTotal {
		return qc.NewGateError("segment", "segment_count_mismatch",
			"got %d segments, manifest records %d anchors", len(segments), manifest.AnchorCountTotal)
	}

	seen := make(map[string]bool, len(segments))
	emptyNames := 0
	for _, seg := range segments {
		if seen[seg.SegmentID] {
			return qc.NewGateError("segment", "duplicate_anchor_id", "segment %s", seg.SegmentID)
		}
		seen[seg.SegmentID] = true

		if strings.TrimSpace(seg.RawHTML) == "" {
			return qc.NewGateError("segment", "empty_raw_html", "segment %s", seg.SegmentID)
		}
		if seg.PineVersion != manifest.PineVersion {
			return qc.NewScopeError("mixed_pine_version", manifest.PineVersion, seg.PineVersion)
		}
		if seg.SymbolName == "" {
			emptyNames++
		}
	}

	if emptyNames > emptyNameBudget {
		return qc.NewGateError("segment", "empty_name_budget_exceeded",
			"%d entries without a symbol name, budget %d", emptyNames, emptyNameBudget)
	}
	return nil
}

// ValidateGuide is the QC gate for guide segmentation.
func ValidateGuide(segments []Segment, manifest *render.Manifest) error {
	if len(segments) == 0 {
		return qc.NewGateError("segment", "no_sections", "guide %s produced no sections", manifest.CanonicalURL)
	}

	seen := make(map[string]bool, len(segments))
	for _, seg := range segments {
		if seen[seg.SegmentID] {
			return qc.NewGateError("segment", "duplicate_segment_id", "segment %s", seg.SegmentID)
		}
		seen[seg.SegmentID] = true

		if strings.TrimSpace(seg.RawHTML) == "" {
			return qc.NewGateError("segment", "empty_raw_html", "segment %s", seg.SegmentID)
		}
		if seg.PineVersion != manifest.PineVersion {
			return qc.NewScopeError("mixed_pine_version", manifest.PineVersion, seg.PineVersion)
		}
	}
	return nil
}
