package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pinedocs/internal/drift"
	"pinedocs/internal/fallback"
	"pinedocs/internal/logging"
)

// SaveDriftReport records a drift comparison outcome.
func (s *ArtifactStore) SaveDriftReport(r *drift.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal drift report: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO drift_reports
			(report_id, canonical_url, pine_version, severity, recommended_action, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ReportID, r.CanonicalURL, r.PineVersion, r.Severity, r.RecommendedAction,
		string(payload), r.CreatedAt)
	if err != nil {
		return fmt.Errorf("save drift report %s: %w", r.ReportID, err)
	}
	logging.Store("saved drift report %s: severity=%s", r.ReportID, r.Severity)
	return nil
}

// DriftReportsForPage returns a page's drift history, newest first.
func (s *ArtifactStore) DriftReportsForPage(canonicalURL, pineVersion string) ([]drift.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT payload FROM drift_reports
		WHERE canonical_url = ? AND pine_version = ?
		ORDER BY created_at DESC`, canonicalURL, pineVersion)
	if err != nil {
		return nil, fmt.Errorf("list drift reports: %w", err)
	}
	defer rows.Close()

	var reports []drift.Report
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan drift report: %w", err)
		}
		var r drift.Report
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, fmt.Errorf("unmarshal drift report: %w", err)
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// BlockingDriftReports returns reports whose action halts the pipeline.
func (s *ArtifactStore) BlockingDriftReports(pineVersion string) ([]drift.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT payload FROM drift_reports
		WHERE pine_version = ? AND recommended_action = ?
		ORDER BY created_at DESC`, pineVersion, drift.ActionBlockPipeline)
	if err != nil {
		return nil, fmt.Errorf("list blocking drift reports: %w", err)
	}
	defer rows.Close()

	var reports []drift.Report
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan drift report: %w", err)
		}
		var r drift.Report
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, fmt.Errorf("unmarshal drift report: %w", err)
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// SaveFallbackState persists the machine's state. The table holds one row,
// replaced on every transition.
func (s *ArtifactStore) SaveFallbackState(st fallback.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal fallback state: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO fallback_state (id, payload, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		string(payload), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save fallback state: %w", err)
	}
	return nil
}

// LoadFallbackState restores the persisted machine state. A fresh store
// returns the zero state, which NewMachine treats as nominal.
func (s *ArtifactStore) LoadFallbackState() (fallback.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var payload string
	err := s.db.QueryRow(`SELECT payload FROM fallback_state WHERE id = 1`).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fallback.State{}, nil
		}
		return fallback.State{}, fmt.Errorf("load fallback state: %w", err)
	}

	var st fallback.State
	if err := json.Unmarshal([]byte(payload), &st); err != nil {
		return fallback.State{}, fmt.Errorf("unmarshal fallback state: %w", err)
	}
	return st, nil
}
