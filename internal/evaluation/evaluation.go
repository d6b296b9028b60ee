// Package evaluation runs the offline retrieval check that gates index
// promotion. A fixed query set is scored against a candidate index; the
// index becomes usable only when the hit rate clears the configured
// acceptance threshold.
package evaluation

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"pinedocs/internal/config"
	"pinedocs/internal/embedding"
	"pinedocs/internal/logging"
	"pinedocs/internal/qc"
)

// Query is one entry in the offline query set.
type Query struct {
	Query                        string `json:"query"`
	ExpectedDocType              string `json:"expected_doc_type"`
	ExpectedCanonicalURLContains string `json:"expected_canonical_url_contains"`
	ExpectedSymbolType           string `json:"expected_symbol_type,omitempty"`
}

// Hit is one scored candidate for a query.
type Hit struct {
	ChunkID      string  `json:"chunk_id"`
	DocType      string  `json:"doc_type"`
	CanonicalURL string  `json:"canonical_url"`
	SymbolType   string  `json:"symbol_type,omitempty"`
	SectionPath  string  `json:"section_path,omitempty"`
	Score        float64 `json:"score"`
}

// Metrics summarizes one evaluation run.
type Metrics struct {
	IndexID          string  `json:"index_id"`
	QueryCount       int     `json:"query_count"`
	TopKHitRate      float64 `json:"top_k_hit_rate"`
	DocTypePrecision float64 `json:"doc_type_precision"`
	TopK             int     `json:"top_k"`
}

// LoadQueries reads the JSONL query set. Blank lines are skipped; a
// malformed line is an error because a silently shrunken query set would
// weaken the gate.
func LoadQueries(path string) ([]Query, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open query set %s: %w", path, err)
	}
	defer file.Close()

	var queries []Query
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var q Query
		if err := json.Unmarshal([]byte(line), &q); err != nil {
			return nil, fmt.Errorf("parse query set %s line %d: %w", path, lineNo, err)
		}
		if q.Query == "" {
			return nil, fmt.Errorf("query set %s line %d: empty query", path, lineNo)
		}
		queries = append(queries, q)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read query set %s: %w", path, err)
	}
	if len(queries) == 0 {
		return nil, fmt.Errorf("query set %s is empty", path)
	}
	return queries, nil
}

// Score ranks records for one query embedding: cosine similarity plus small
// additive boosts for doc type match, symbol type match on symbol-class
// queries, and section path token overlap.
func Score(q Query, queryVec []float32, records []embedding.Record, cfg config.EvalConfig) ([]Hit, error) {
	hits := make([]Hit, 0, len(records))
	for _, rec := range records {
		sim, err := embedding.CosineSimilarity(queryVec, rec.Vector)
		if err != nil {
			return nil, fmt.Errorf("score chunk %s: %w", rec.ChunkID, err)
		}

		score := sim
		if q.ExpectedDocType != "" && rec.DocType == q.ExpectedDocType {
			score += cfg.DocTypeBoost
		}
		if isSymbolClassQuery(q) && rec.SymbolType == q.ExpectedSymbolType {
			score += cfg.SymbolTypeBoost
		}
		if rec.SectionPath != "" && tokenOverlap(q.Query, rec.SectionPath) {
			score += cfg.SectionPathBoost
		}

		hits = append(hits, Hit{
			ChunkID:      rec.ChunkID,
			DocType:      rec.DocType,
			CanonicalURL: rec.CanonicalURL,
			SymbolType:   rec.SymbolType,
			SectionPath:  rec.SectionPath,
			Score:        score,
		})
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > cfg.TopK {
		hits = hits[:cfg.TopK]
	}
	return hits, nil
}

// isSymbolClassQuery reports whether the query targets a keyword, operator,
// or annotation entry, the classes where name collisions with prose are
// worst.
func isSymbolClassQuery(q Query) bool {
	switch q.ExpectedSymbolType {
	case "kw", "op", "an":
		return true
	}
	return false
}

// tokenOverlap reports whether any query token appears in the section path.
func tokenOverlap(query, sectionPath string) bool {
	path := strings.ToLower(sectionPath)
	for _, tok := range strings.Fields(strings.ToLower(query)) {
		if len(tok) >= 3 && strings.Contains(path, tok) {
			return true
		}
	}
	return false
}

// Evaluate runs the full query set against an index's records and computes
// metrics. The query engine embeds query text; records carry the document
// vectors.
func Evaluate(ctx context.Context, engine embedding.Engine, indexID string, queries []Query, records []embedding.Record, cfg config.EvalConfig) (*Metrics, error) {
	if len(records) == 0 {
		return nil, qc.NewGateError("eval", "empty_index", "index %s has no embeddings", indexID)
	}

	timer := logging.StartTimer(logging.CategoryEval, fmt.Sprintf("evaluate %s", indexID))

	hitCount := 0
	docTypeCorrect := 0
	for _, q := range queries {
		queryVec, err := engine.Embed(ctx, q.Query)
		if err != nil {
			timer.Stop()
			return nil, fmt.Errorf("embed query %q: %w", q.Query, err)
		}

		hits, err := Score(q, queryVec, records, cfg)
		if err != nil {
			timer.Stop()
			return nil, err
		}
		if len(hits) == 0 {
			continue
		}

		if q.ExpectedDocType != "" && hits[0].DocType == q.ExpectedDocType {
			docTypeCorrect++
		}
		for _, hit := range hits {
			if q.ExpectedCanonicalURLContains != "" &&
				strings.Contains(hit.CanonicalURL, q.ExpectedCanonicalURLContains) {
				hitCount++
				break
			}
		}
	}

	metrics := &Metrics{
		IndexID:          indexID,
		QueryCount:       len(queries),
		TopKHitRate:      float64(hitCount) / float64(len(queries)),
		DocTypePrecision: float64(docTypeCorrect) / float64(len(queries)),
		TopK:             cfg.TopK,
	}

	timer.StopWithInfo("hit_rate=%.3f doc_type_precision=%.3f",
		metrics.TopKHitRate, metrics.DocTypePrecision)
	return metrics, nil
}

// Gate rejects an index whose hit rate misses the acceptance threshold.
func Gate(metrics *Metrics, acceptanceHitRate float64) error {
	if metrics.TopKHitRate < acceptanceHitRate {
		return qc.NewGateError("eval", "hit_rate_below_threshold",
			"index %s scored %.3f, threshold %.3f", metrics.IndexID, metrics.TopKHitRate, acceptanceHitRate)
	}
	logging.Eval("index %s passed evaluation: hit_rate=%.3f threshold=%.3f",
		metrics.IndexID, metrics.TopKHitRate, acceptanceHitRate)
	return nil
}
