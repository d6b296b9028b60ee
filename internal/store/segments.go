package store

import (
	"encoding/json"
	"fmt"

	"pinedocs/internal/logging"
	"pinedocs/internal/segment"
)

// CommitSegments writes one segmentation batch atomically. Callers run the
// QC gate first; the store only enforces the transactional boundary and the
// id uniqueness the schema encodes.
func (s *ArtifactStore) CommitSegments(segments []segment.Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin segment commit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO segments
			(segment_id, run_id, source_artifact_id, canonical_url, doc_type,
			 pine_version, segment_order, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare segment insert: %w", err)
	}
	defer stmt.Close()

	for _, seg := range segments {
		payload, err := json.Marshal(seg)
		if err != nil {
			return fmt.Errorf("marshal segment %s: %w", seg.SegmentID, err)
		}
		if _, err := stmt.Exec(seg.SegmentID, seg.RunID, seg.SourceArtifactID,
			seg.CanonicalURL, seg.DocType, seg.PineVersion, seg.Order, string(payload)); err != nil {
			return fmt.Errorf("insert segment %s: %w", seg.SegmentID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %d segments: %w", len(segments), err)
	}
	logging.Store("committed %d segments", len(segments))
	return nil
}

// SegmentsForRun returns a run's segments of one doc type in segment order.
func (s *ArtifactStore) SegmentsForRun(runID, docType string) ([]segment.Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT payload FROM segments
		WHERE run_id = ? AND doc_type = ?
		ORDER BY canonical_url, segment_order`, runID, docType)
	if err != nil {
		return nil, fmt.Errorf("list segments for run %s: %w", runID, err)
	}
	defer rows.Close()

	var segments []segment.Segment
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		var seg segment.Segment
		if err := json.Unmarshal([]byte(payload), &seg); err != nil {
			return nil, fmt.Errorf("unmarshal segment: %w", err)
		}
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

// SegmentCountForRun returns how many segments a run committed, used by the
// read-only audit before downstream stages write anything.
func (s *ArtifactStore) SegmentCountForRun(runID, docType string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM segments WHERE run_id = ? AND doc_type = ?`,
		runID, docType).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count segments for run %s: %w", runID, err)
	}
	return count, nil
}
