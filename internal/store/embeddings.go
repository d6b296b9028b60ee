package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"pinedocs/internal/embedding"
	"pinedocs/internal/logging"
	"pinedocs/internal/qc"
)

// CommitEmbeddings writes an index generation's embeddings atomically. The
// final count gate runs here too: a partial batch never commits.
func (s *ArtifactStore) CommitEmbeddings(indexID string, records []embedding.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var chunkCount int
	if err := s.db.QueryRow(`
		SELECT chunk_count FROM index_meta WHERE index_id = ?`, indexID).Scan(&chunkCount); err != nil {
		return fmt.Errorf("look up index %s: %w", indexID, err)
	}
	if len(records) != chunkCount {
		return qc.NewGateError("embed", "embedding_count_mismatch",
			"index %s has %d chunks, got %d embeddings", indexID, chunkCount, len(records))
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin embedding commit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO embeddings (chunk_id, index_id, model, dims, vector, payload)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare embedding insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		meta := rec
		meta.Vector = nil // vector travels in its own column
		payload, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("marshal embedding %s: %w", rec.ChunkID, err)
		}
		if _, err := stmt.Exec(rec.ChunkID, indexID, rec.Model, rec.Dims,
			encodeFloat32SliceToBlob(rec.Vector), string(payload)); err != nil {
			return fmt.Errorf("insert embedding %s: %w", rec.ChunkID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %d embeddings: %w", len(records), err)
	}
	logging.Store("committed %d embeddings for index %s", len(records), indexID)
	return nil
}

// EmbeddingsForIndex loads a generation's embedding records, vectors
// included.
func (s *ArtifactStore) EmbeddingsForIndex(indexID string) ([]embedding.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT vector, payload FROM embeddings WHERE index_id = ? ORDER BY chunk_id`, indexID)
	if err != nil {
		return nil, fmt.Errorf("list embeddings for index %s: %w", indexID, err)
	}
	defer rows.Close()

	var records []embedding.Record
	for rows.Next() {
		var blob []byte
		var payload string
		if err := rows.Scan(&blob, &payload); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		var rec embedding.Record
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal embedding: %w", err)
		}
		rec.Vector = decodeFloat32SliceFromBlob(blob)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// encodeFloat32SliceToBlob encodes a float32 slice as a little-endian blob,
// the layout sqlite-vec expects.
func encodeFloat32SliceToBlob(vec []float32) []byte {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, vec); err != nil {
		return nil
	}
	return buf.Bytes()
}

// decodeFloat32SliceFromBlob decodes a binary blob back to a float32 slice.
func decodeFloat32SliceFromBlob(blob []byte) []float32 {
	if len(blob) == 0 || len(blob)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(blob)/4)
	if err := binary.Read(bytes.NewReader(blob), binary.LittleEndian, &vec); err != nil {
		return nil
	}
	return vec
}
