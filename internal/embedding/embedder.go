package embedding

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"pinedocs/internal/index"
	"pinedocs/internal/logging"
	"pinedocs/internal/qc"
)

// Record pairs a chunk's identity with its vector. Everything a query needs
// to score and attribute a hit travels with the vector.
type Record struct {
	ChunkID      string    `json:"chunk_id"`
	IndexID      string    `json:"index_id"`
	DocType      string    `json:"doc_type"`
	PineVersion  string    `json:"pine_version"`
	CanonicalURL string    `json:"canonical_url"`
	SymbolType   string    `json:"symbol_type,omitempty"`
	SectionPath  string    `json:"section_path,omitempty"`
	Model        string    `json:"model"`
	Dims         int       `json:"dims"`
	Vector       []float32 `json:"vector"`
}

// Build embeds every chunk of an index generation. Shards run concurrently
// up to the configured limit; one failed chunk fails the whole batch, and
// the final gate requires exactly one record per chunk before anything may
// be committed.
func Build(ctx context.Context, engine Engine, indexID string, chunks []index.Chunk, concurrency int) ([]Record, error) {
	if concurrency <= 0 {
		concurrency = 1
	}

	if hc, ok := engine.(HealthChecker); ok {
		if err := hc.HealthCheck(ctx); err != nil {
			return nil, fmt.Errorf("embedding engine unavailable: %w", err)
		}
	}

	timer := logging.StartTimer(logging.CategoryEmbedding, fmt.Sprintf("embed %d chunks", len(chunks)))

	records := make([]Record, len(chunks))
	var mu sync.Mutex
	written := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			vec, err := engine.Embed(gctx, chunk.Text)
			if err != nil {
				return fmt.Errorf("embed chunk %s: %w", chunk.ChunkID, err)
			}
			if len(vec) != engine.Dimensions() {
				return qc.NewGateError("embed", "dimension_mismatch",
					"chunk %s got %d dims, engine reports %d", chunk.ChunkID, len(vec), engine.Dimensions())
			}

			mu.Lock()
			records[i] = Record{
				ChunkID:      chunk.ChunkID,
				IndexID:      indexID,
				DocType:      chunk.DocType,
				PineVersion:  chunk.PineVersion,
				CanonicalURL: chunk.CanonicalURL,
				SymbolType:   chunk.SymbolType,
				SectionPath:  chunk.SectionPath,
				Model:        engine.Name(),
				Dims:         len(vec),
				Vector:       vec,
			}
			written++
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		timer.Stop()
		return nil, err
	}

	if written != len(chunks) {
		return nil, qc.NewGateError("embed", "embedding_count_mismatch",
			"wrote %d embeddings for %d chunks", written, len(chunks))
	}

	timer.StopWithInfo("model %s", engine.Name())
	return records, nil
}
