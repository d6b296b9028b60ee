package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"pinedocs/internal/index"
	"pinedocs/internal/logging"
)

// CommitIndex writes an index generation's metadata and chunks in one
// transaction. The generation starts in the building state; only the
// evaluation gate promotes it to usable.
func (s *ArtifactStore) CommitIndex(meta *index.Meta, chunks []index.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if meta.ChunkCount != 0 && meta.ChunkCount != len(chunks) {
		return fmt.Errorf("index meta records %d chunks, got %d", meta.ChunkCount, len(chunks))
	}
	meta.ChunkCount = len(chunks)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin index commit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		INSERT INTO index_meta
			(index_id, pine_version, run_id, chunk_count, created_at, status, eval_hit_rate)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		meta.IndexID, meta.PineVersion, meta.RunID, meta.ChunkCount,
		meta.CreatedAt, meta.Status, meta.EvalHitRate); err != nil {
		return fmt.Errorf("insert index meta %s: %w", meta.IndexID, err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO chunks (chunk_id, index_id, doc_type, pine_version, canonical_url, payload)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, chunk := range chunks {
		payload, err := json.Marshal(chunk)
		if err != nil {
			return fmt.Errorf("marshal chunk %s: %w", chunk.ChunkID, err)
		}
		if _, err := stmt.Exec(chunk.ChunkID, meta.IndexID, chunk.DocType,
			chunk.PineVersion, chunk.CanonicalURL, string(payload)); err != nil {
			return fmt.Errorf("insert chunk %s: %w", chunk.ChunkID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit index %s: %w", meta.IndexID, err)
	}
	logging.Store("committed index %s: %d chunks, status=%s", meta.IndexID, meta.ChunkCount, meta.Status)
	return nil
}

// SetIndexStatus updates a generation's status and evaluation score.
func (s *ArtifactStore) SetIndexStatus(indexID, status string, evalHitRate float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE index_meta SET status = ?, eval_hit_rate = ? WHERE index_id = ?`,
		status, evalHitRate, indexID)
	if err != nil {
		return fmt.Errorf("update index %s status: %w", indexID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	logging.Store("index %s -> %s (hit_rate=%.3f)", indexID, status, evalHitRate)
	return nil
}

// IndexMeta returns one generation's metadata.
func (s *ArtifactStore) IndexMeta(indexID string) (*index.Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT index_id, pine_version, run_id, chunk_count, created_at, status, eval_hit_rate
		FROM index_meta WHERE index_id = ?`, indexID)
	return scanIndexMeta(row)
}

// LatestUsableIndex returns the newest usable generation for one version.
// Query serving pins itself to this generation while new builds evaluate.
func (s *ArtifactStore) LatestUsableIndex(pineVersion string) (*index.Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT index_id, pine_version, run_id, chunk_count, created_at, status, eval_hit_rate
		FROM index_meta
		WHERE pine_version = ? AND status = ?
		ORDER BY created_at DESC LIMIT 1`, pineVersion, index.StatusUsable)
	return scanIndexMeta(row)
}

// ChunksForIndex returns a generation's chunks.
func (s *ArtifactStore) ChunksForIndex(indexID string) ([]index.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT payload FROM chunks WHERE index_id = ? ORDER BY chunk_id`, indexID)
	if err != nil {
		return nil, fmt.Errorf("list chunks for index %s: %w", indexID, err)
	}
	defer rows.Close()

	var chunks []index.Chunk
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		var chunk index.Chunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return nil, fmt.Errorf("unmarshal chunk: %w", err)
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}

func scanIndexMeta(row *sql.Row) (*index.Meta, error) {
	var m index.Meta
	err := row.Scan(&m.IndexID, &m.PineVersion, &m.RunID, &m.ChunkCount,
		&m.CreatedAt, &m.Status, &m.EvalHitRate)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan index meta: %w", err)
	}
	return &m, nil
}
