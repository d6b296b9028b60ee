// Package index builds retrieval chunks from normalized records and tracks
// index generations. An index becomes usable only after the offline
// evaluation gate passes; until then queries keep using the previous
// generation.
package index

import (
	"fmt"
	"time"

	"pinedocs/internal/logging"
	"pinedocs/internal/normalize"
	"pinedocs/internal/qc"
)

// Index statuses.
const (
	StatusBuilding = "building"
	StatusUsable   = "usable"
	StatusRejected = "rejected"
)

// Chunk is one retrieval unit. Chunk ids are namespaced by doc type so a
// symbol and a guide section can never collide.
type Chunk struct {
	ChunkID      string `json:"chunk_id"` // reference:<symbol_id> or guide:<section_id>
	DocType      string `json:"doc_type"`
	PineVersion  string `json:"pine_version"`
	CanonicalURL string `json:"canonical_url"`

	SymbolName string `json:"symbol_name,omitempty"`
	SymbolType string `json:"symbol_type,omitempty"`
	AnchorID   string `json:"anchor_id,omitempty"`

	SectionTitle string `json:"section_title,omitempty"`
	SectionPath  string `json:"section_path,omitempty"`
	SectionLevel string `json:"section_level,omitempty"`

	SourceArtifactID string `json:"source_artifact_id"`
	RunID            string `json:"run_id"`
	Text             string `json:"text"`
}

// Meta describes one index generation.
type Meta struct {
	IndexID     string  `json:"index_id"` // <pine_version>_<run_id>
	PineVersion string  `json:"pine_version"`
	RunID       string  `json:"run_id"`
	ChunkCount  int     `json:"chunk_count"`
	CreatedAt   string  `json:"created_at"`
	Status      string  `json:"status"`
	EvalHitRate float64 `json:"eval_hit_rate"`
}

// NewMeta starts a building index generation for one version and run.
func NewMeta(pineVersion, runID string) *Meta {
	return &Meta{
		IndexID:     fmt.Sprintf("%s_%s", pineVersion, runID),
		PineVersion: pineVersion,
		RunID:       runID,
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
		Status:      StatusBuilding,
	}
}

// FromReference converts normalized symbols into chunks.
func FromReference(symbols []normalize.ReferenceSymbol) []Chunk {
	chunks := make([]Chunk, 0, len(symbols))
	for _, sym := range symbols {
		chunks = append(chunks, Chunk{
			ChunkID:          "reference:" + sym.SymbolID,
			DocType:          "reference",
			PineVersion:      sym.PineVersion,
			CanonicalURL:     sym.CanonicalURL,
			SymbolName:       sym.SymbolName,
			SymbolType:       sym.SymbolType,
			AnchorID:         sym.AnchorID,
			SourceArtifactID: sym.SourceArtifactID,
			RunID:            sym.RunID,
			Text:             chunkText(sym.SymbolName, sym.SymbolType, sym.ContentText),
		})
	}
	return chunks
}

// FromGuides converts normalized guide sections into chunks.
func FromGuides(sections []normalize.GuideSection) []Chunk {
	chunks := make([]Chunk, 0, len(sections))
	for _, sec := range sections {
		chunks = append(chunks, Chunk{
			ChunkID:          "guide:" + sec.SectionID,
			DocType:          "guide",
			PineVersion:      sec.PineVersion,
			CanonicalURL:     sec.CanonicalURL,
			SectionTitle:     sec.SectionTitle,
			SectionPath:      sec.SectionPath,
			SectionLevel:     sec.SectionLevel,
			SourceArtifactID: sec.SourceArtifactID,
			RunID:            sec.RunID,
			Text:             chunkText(sec.SectionPath, "", sec.ContentText),
		})
	}
	return chunks
}

// chunkText prefixes the embedded text with its identity so retrieval can
// match on names and paths, not just prose.
func chunkText(title, kind, body string) string {
	switch {
	case title != "" && kind != "":
		return fmt.Sprintf("%s (%s)\n%s", title, kind, body)
	case title != "":
		return fmt.Sprintf("%s\n%s", title, body)
	default:
		return body
	}
}

// Validate is the QC gate between chunk building and commit. consumed is the
// number of normalized rows the build read; every row must become exactly
// one chunk.
func Validate(chunks []Chunk, consumed int) error {
	if len(chunks) != consumed {
		return qc.NewGateError("index", "chunk_count_mismatch",
			"built %d chunks from %d rows", len(chunks), consumed)
	}

	seen := make(map[string]bool, len(chunks))
	version := ""
	for _, chunk := range chunks {
		if chunk.ChunkID == "" || chunk.DocType == "" || chunk.PineVersion == "" ||
			chunk.CanonicalURL == "" || chunk.SourceArtifactID == "" || chunk.Text == "" {
			return qc.NewGateError("index", "missing_required", "chunk %q", chunk.ChunkID)
		}
		if seen[chunk.ChunkID] {
			return qc.NewGateError("index", "duplicate_chunk_id", "chunk %s", chunk.ChunkID)
		}
		seen[chunk.ChunkID] = true

		if version == "" {
			version = chunk.PineVersion
		} else if chunk.PineVersion != version {
			return qc.NewScopeError("mixed_pine_version", version, chunk.PineVersion)
		}
	}

	logging.Index("validated %d chunks for %s", len(chunks), version)
	return nil
}
