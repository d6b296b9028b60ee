package render

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"pinedocs/internal/config"
	"pinedocs/internal/logging"
	"pinedocs/internal/qc"
)

// ManifestVersion identifies the manifest schema emitted by this build.
const ManifestVersion = "1"

// CaptureMethodRendered is the only capture method this pipeline supports.
// Raw HTTP fetches of script-rendered pages are rejected upstream.
const CaptureMethodRendered = "rendered"

// Capture renders one page and persists the snapshot under the artifacts
// root, returning the manifest that describes it. Layout:
//
//	<root>/raw/<pine_version>/<doc_type>/<run_id>/<slug>.html
//
// The snapshot file and manifest are written only when the render settled
// completely; a failed render persists nothing.
func Capture(ctx context.Context, cfg *config.Config, r *Renderer, url, docType, pineVersion, runID string) (*Manifest, error) {
	result, err := r.Render(ctx, url, docType)
	if err != nil {
		return nil, err
	}

	if docType == DocTypeReference && len(result.AnchorIDs) < cfg.Render.AnchorMinThreshold {
		return nil, qc.NewGateError("render", "anchor_count_below_threshold",
			"got %d anchors, need at least %d", len(result.AnchorIDs), cfg.Render.AnchorMinThreshold)
	}

	payload := []byte(result.HTML)
	checksum := SHA256Hex(payload)

	dir := filepath.Join(cfg.Storage.ArtifactsRoot, "raw", pineVersion, docType, runID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	artifactPath := filepath.Join(dir, urlSlug(url)+".html")
	if err := os.WriteFile(artifactPath, payload, 0644); err != nil {
		return nil, fmt.Errorf("write artifact: %w", err)
	}

	manifest := &Manifest{
		ManifestVersion:  ManifestVersion,
		CanonicalURL:     url,
		DocType:          docType,
		PineVersion:      pineVersion,
		RunID:            runID,
		CaptureMethod:    CaptureMethodRendered,
		CaptureTimestamp: UTCNowISO(time.Now()),

		Environment: result.Environment,

		WaitStrategy:    cfg.Render.WaitStrategy,
		MaxWait:         cfg.Render.MaxWait,
		PostRenderDelay: cfg.Render.PostRenderDelay,

		AnchorCountTotal:     len(result.AnchorIDs),
		AnchorCountsByPrefix: AnchorPrefixCounts(result.AnchorIDs),

		ArtifactPath:           artifactPath,
		ArtifactSizeBytes:      int64(len(payload)),
		ArtifactChecksumSHA256: checksum,

		Status: result.Status,
		Notes:  result.Notes,
	}

	logging.Render("captured %s: %d anchors, %d bytes, sha256 %s",
		url, manifest.AnchorCountTotal, manifest.ArtifactSizeBytes, checksum[:12])
	return manifest, nil
}

// urlSlug derives a filesystem-safe name from a URL path.
func urlSlug(url string) string {
	slug := url
	if i := indexAfterScheme(slug); i > 0 {
		slug = slug[i:]
	}
	out := make([]rune, 0, len(slug))
	for _, r := range slug {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "page"
	}
	if len(out) > 120 {
		out = out[:120]
	}
	return string(out)
}

func indexAfterScheme(url string) int {
	for i := 0; i+2 < len(url); i++ {
		if url[i] == ':' && url[i+1] == '/' && url[i+2] == '/' {
			return i + 3
		}
	}
	return 0
}
