package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pinedocs/internal/logging"
	"pinedocs/internal/render"
)

// ErrNotFound is returned when a lookup matches nothing.
var ErrNotFound = errors.New("not found")

// CommitManifest records a completed render run. Manifests are immutable:
// re-committing the same (run_id, canonical_url) is an error, a new run
// gets a new run_id.
func (s *ArtifactStore) CommitManifest(m *render.Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO manifests
			(run_id, canonical_url, pine_version, doc_type, artifact_checksum,
			 anchor_count_total, status, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.RunID, m.CanonicalURL, m.PineVersion, m.DocType, m.ArtifactChecksumSHA256,
		m.AnchorCountTotal, m.Status, string(payload), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("commit manifest %s %s: %w", m.RunID, m.CanonicalURL, err)
	}

	logging.Store("committed manifest: run=%s url=%s anchors=%d", m.RunID, m.CanonicalURL, m.AnchorCountTotal)
	return nil
}

// LatestManifest returns the newest manifest for a page within one Pine
// version. Run ids sort chronologically.
func (s *ArtifactStore) LatestManifest(canonicalURL, pineVersion string) (*render.Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT payload FROM manifests
		WHERE canonical_url = ? AND pine_version = ?
		ORDER BY run_id DESC LIMIT 1`,
		canonicalURL, pineVersion)
	return scanManifest(row)
}

// PreviousManifest returns the newest manifest older than beforeRunID for a
// page, the baseline for drift comparison.
func (s *ArtifactStore) PreviousManifest(canonicalURL, pineVersion, beforeRunID string) (*render.Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT payload FROM manifests
		WHERE canonical_url = ? AND pine_version = ? AND run_id < ?
		ORDER BY run_id DESC LIMIT 1`,
		canonicalURL, pineVersion, beforeRunID)
	return scanManifest(row)
}

// ManifestsForRun returns all manifests committed under one run.
func (s *ArtifactStore) ManifestsForRun(runID string) ([]render.Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT payload FROM manifests WHERE run_id = ? ORDER BY canonical_url`, runID)
	if err != nil {
		return nil, fmt.Errorf("list manifests for run %s: %w", runID, err)
	}
	defer rows.Close()

	var manifests []render.Manifest
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan manifest: %w", err)
		}
		var m render.Manifest
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			return nil, fmt.Errorf("unmarshal manifest: %w", err)
		}
		manifests = append(manifests, m)
	}
	return manifests, rows.Err()
}

func scanManifest(row *sql.Row) (*render.Manifest, error) {
	var payload string
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan manifest: %w", err)
	}
	var m render.Manifest
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	return &m, nil
}
