// Package render produces deterministic headless-browser snapshots of
// documentation pages. One render run yields exactly one immutable snapshot
// plus a manifest describing it; a run that cannot complete commits nothing.
package render

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Doc types accepted by the pipeline.
const (
	DocTypeReference = "reference"
	DocTypeGuide     = "guide"
)

// Run statuses recorded in a manifest.
const (
	StatusComplete = "complete"
	StatusPartial  = "partial"
	StatusFailed   = "failed"
)

// AnchorPrefixes is the reference-page anchor taxonomy. Anchor ids outside
// these prefixes are not reference symbols.
var AnchorPrefixes = []string{"var_", "fun_", "const_", "type_", "kw_", "op_", "an_"}

// Environment is the deterministic render environment fingerprint. Two runs
// with identical environments and unchanged source content must produce
// byte-identical snapshots.
type Environment struct {
	RenderEngine   string `json:"render_engine"`
	BrowserName    string `json:"browser_name"`
	BrowserVersion string `json:"browser_version"`
	UserAgent      string `json:"user_agent"`
	ViewportWidth  int    `json:"viewport_width"`
	ViewportHeight int    `json:"viewport_height"`
	Locale         string `json:"locale"`
	Timezone       string `json:"timezone"`
}

// Manifest describes the output of one render run. Exactly one manifest
// exists per run; it is never edited after creation, only superseded by a
// new run.
type Manifest struct {
	ManifestVersion  string `json:"manifest_version"`
	CanonicalURL     string `json:"canonical_url"`
	DocType          string `json:"doc_type"`
	PineVersion      string `json:"pine_version"`
	RunID            string `json:"run_id"`
	CaptureMethod    string `json:"capture_method"`
	CaptureTimestamp string `json:"capture_timestamp"`

	Environment Environment `json:"environment"`

	WaitStrategy    string `json:"render_wait_strategy"`
	MaxWait         string `json:"max_wait"`
	PostRenderDelay string `json:"post_render_delay"`

	AnchorCountTotal     int            `json:"anchor_count_total"`
	AnchorCountsByPrefix map[string]int `json:"anchor_counts_by_prefix"`

	ArtifactPath           string `json:"artifact_path"`
	ArtifactSizeBytes      int64  `json:"artifact_size_bytes"`
	ArtifactChecksumSHA256 string `json:"artifact_checksum_sha256"`

	Status string `json:"status"`
	Notes  string `json:"notes"`
}

// SourceArtifactID returns the identifier downstream stages use to link
// segments back to this snapshot. The checksum doubles as the id so that a
// changed snapshot can never masquerade as its predecessor.
func (m *Manifest) SourceArtifactID() string {
	return m.ArtifactChecksumSHA256
}

// NewRunID returns a run identifier from a UTC timestamp. Run ids sort
// chronologically, which LatestManifest and PreviousManifest rely on.
func NewRunID(now time.Time) string {
	return now.UTC().Format("20060102T150405Z")
}

// SHA256Hex returns the hex-encoded SHA-256 digest of payload.
func SHA256Hex(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// AnchorPrefixCounts tallies anchor ids by taxonomy prefix. Ids that match
// no prefix are not counted.
func AnchorPrefixCounts(anchorIDs []string) map[string]int {
	counts := make(map[string]int, len(AnchorPrefixes))
	for _, prefix := range AnchorPrefixes {
		counts[prefix] = 0
	}
	for _, id := range anchorIDs {
		for _, prefix := range AnchorPrefixes {
			if len(id) >= len(prefix) && id[:len(prefix)] == prefix {
				counts[prefix]++
				break
			}
		}
	}
	return counts
}

// UTCNowISO returns the capture timestamp format used in manifests.
func UTCNowISO(now time.Time) string {
	return now.UTC().Format(time.RFC3339)
}
