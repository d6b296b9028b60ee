package store

import (
	"fmt"

	"pinedocs/internal/logging"
	"pinedocs/internal/qc"
	"pinedocs/internal/render"
)

// Read-only audits. Each stage calls the audit for its inputs before
// writing anything, so inconsistencies surface as blocked commits rather
// than corrupted downstream artifacts.

// AuditSegmentation verifies a run's committed reference segments against
// its manifests: total segment count must equal the summed anchor counts.
func (s *ArtifactStore) AuditSegmentation(runID string) error {
	manifests, err := s.ManifestsForRun(runID)
	if err != nil {
		return err
	}

	expected := 0
	for _, m := range manifests {
		if m.DocType == render.DocTypeReference {
			expected += m.AnchorCountTotal
		}
	}

	got, err := s.SegmentCountForRun(runID, render.DocTypeReference)
	if err != nil {
		return err
	}
	if got != expected {
		return qc.NewGateError("segment", "segment_count_mismatch",
			"run %s has %d committed segments, manifests record %d anchors", runID, got, expected)
	}

	logging.StoreDebug("segmentation audit passed for run %s: %d segments", runID, got)
	return nil
}

// AuditIndex verifies a generation's stored chunk count against its
// metadata, and its embedding count when embeddings have been committed.
func (s *ArtifactStore) AuditIndex(indexID string) error {
	meta, err := s.IndexMeta(indexID)
	if err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var chunkCount int
	if err := s.db.QueryRow(`
		SELECT COUNT(*) FROM chunks WHERE index_id = ?`, indexID).Scan(&chunkCount); err != nil {
		return fmt.Errorf("count chunks for index %s: %w", indexID, err)
	}
	if chunkCount != meta.ChunkCount {
		return qc.NewGateError("index", "chunk_count_mismatch",
			"index %s stores %d chunks, meta records %d", indexID, chunkCount, meta.ChunkCount)
	}

	var embCount int
	if err := s.db.QueryRow(`
		SELECT COUNT(*) FROM embeddings WHERE index_id = ?`, indexID).Scan(&embCount); err != nil {
		return fmt.Errorf("count embeddings for index %s: %w", indexID, err)
	}
	if embCount != 0 && embCount != chunkCount {
		return qc.NewGateError("embed", "embedding_count_mismatch",
			"index %s has %d embeddings for %d chunks", indexID, embCount, chunkCount)
	}

	logging.StoreDebug("index audit passed for %s: %d chunks, %d embeddings", indexID, chunkCount, embCount)
	return nil
}
