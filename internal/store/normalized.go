package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"pinedocs/internal/logging"
	"pinedocs/internal/normalize"
)

// CommitReference writes a normalized reference batch and its warnings in
// one transaction.
func (s *ArtifactStore) CommitReference(symbols []normalize.ReferenceSymbol, warnings []normalize.Warning, runID, pineVersion string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin reference commit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO reference_symbols
			(symbol_id, symbol_name, symbol_type, pine_version, run_id, payload)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare symbol insert: %w", err)
	}
	defer stmt.Close()

	for _, sym := range symbols {
		payload, err := json.Marshal(sym)
		if err != nil {
			return fmt.Errorf("marshal symbol %s: %w", sym.SymbolID, err)
		}
		if _, err := stmt.Exec(sym.SymbolID, sym.SymbolName, sym.SymbolType,
			sym.PineVersion, sym.RunID, string(payload)); err != nil {
			return fmt.Errorf("insert symbol %s: %w", sym.SymbolID, err)
		}
	}

	if err := insertWarnings(tx, warnings, runID, pineVersion); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %d symbols: %w", len(symbols), err)
	}
	logging.Store("committed %d reference symbols, %d warnings", len(symbols), len(warnings))
	return nil
}

// CommitGuides writes normalized guide pages, sections, and warnings in one
// transaction.
func (s *ArtifactStore) CommitGuides(pages []normalize.GuidePage, sections []normalize.GuideSection, warnings []normalize.Warning, runID, pineVersion string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin guide commit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, page := range pages {
		payload, err := json.Marshal(page)
		if err != nil {
			return fmt.Errorf("marshal page %s: %w", page.PageID, err)
		}
		if _, err := tx.Exec(`
			INSERT INTO guide_pages (page_id, run_id, pine_version, payload)
			VALUES (?, ?, ?, ?)`,
			page.PageID, page.RunID, page.PineVersion, string(payload)); err != nil {
			return fmt.Errorf("insert page %s: %w", page.PageID, err)
		}
	}

	stmt, err := tx.Prepare(`
		INSERT INTO guide_sections (section_id, page_id, pine_version, run_id, payload)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare section insert: %w", err)
	}
	defer stmt.Close()

	for _, sec := range sections {
		payload, err := json.Marshal(sec)
		if err != nil {
			return fmt.Errorf("marshal section %s: %w", sec.SectionID, err)
		}
		if _, err := stmt.Exec(sec.SectionID, sec.PageID, sec.PineVersion,
			sec.RunID, string(payload)); err != nil {
			return fmt.Errorf("insert section %s: %w", sec.SectionID, err)
		}
	}

	if err := insertWarnings(tx, warnings, runID, pineVersion); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %d pages / %d sections: %w", len(pages), len(sections), err)
	}
	logging.Store("committed %d guide pages, %d sections, %d warnings",
		len(pages), len(sections), len(warnings))
	return nil
}

func insertWarnings(tx *sql.Tx, warnings []normalize.Warning, runID, pineVersion string) error {
	for _, w := range warnings {
		if _, err := tx.Exec(`
			INSERT INTO normalize_warnings (run_id, pine_version, code, detail)
			VALUES (?, ?, ?, ?)`,
			runID, pineVersion, w.Code, w.Detail); err != nil {
			return fmt.Errorf("insert warning %s: %w", w.Code, err)
		}
	}
	return nil
}

// SymbolsForRun returns the normalized reference symbols of one run.
func (s *ArtifactStore) SymbolsForRun(runID string) ([]normalize.ReferenceSymbol, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT payload FROM reference_symbols WHERE run_id = ? ORDER BY symbol_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list symbols for run %s: %w", runID, err)
	}
	defer rows.Close()

	var symbols []normalize.ReferenceSymbol
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan symbol: %w", err)
		}
		var sym normalize.ReferenceSymbol
		if err := json.Unmarshal([]byte(payload), &sym); err != nil {
			return nil, fmt.Errorf("unmarshal symbol: %w", err)
		}
		symbols = append(symbols, sym)
	}
	return symbols, rows.Err()
}

// SectionsForRun returns the normalized guide sections of one run.
func (s *ArtifactStore) SectionsForRun(runID string) ([]normalize.GuideSection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT payload FROM guide_sections WHERE run_id = ? ORDER BY section_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list sections for run %s: %w", runID, err)
	}
	defer rows.Close()

	var sections []normalize.GuideSection
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan section: %w", err)
		}
		var sec normalize.GuideSection
		if err := json.Unmarshal([]byte(payload), &sec); err != nil {
			return nil, fmt.Errorf("unmarshal section: %w", err)
		}
		sections = append(sections, sec)
	}
	return sections, rows.Err()
}

// WarningsForRun returns the normalization warnings recorded for one run.
func (s *ArtifactStore) WarningsForRun(runID string) ([]normalize.Warning, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT code, detail FROM normalize_warnings WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list warnings for run %s: %w", runID, err)
	}
	defer rows.Close()

	var warnings []normalize.Warning
	for rows.Next() {
		var w normalize.Warning
		if err := rows.Scan(&w.Code, &w.Detail); err != nil {
			return nil, fmt.Errorf("scan warning: %w", err)
		}
		warnings = append(warnings, w)
	}
	return warnings, rows.Err()
}
