package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"pinedocs/internal/evaluation"
	"pinedocs/internal/fallback"
	"pinedocs/internal/index"
	"pinedocs/internal/logging"
	"pinedocs/internal/qc"
	"pinedocs/internal/store"
)

// Query modes. Reference-only answers never mix prose into symbol lookups;
// the wider mode adds guide sections for how-to questions.
const (
	ModeReferenceOnly       = "reference_only"
	ModeReferencePlusGuides = "reference_plus_guides"
)

// QueryResult is a served retrieval answer with provenance and, when the
// pipeline is degraded, the label the caller must surface.
type QueryResult struct {
	TraceID       string           `json:"trace_id"`
	Query         string           `json:"query"`
	Mode          string           `json:"mode"`
	IndexID       string           `json:"index_id"`
	PineVersion   string           `json:"pine_version"`
	Hits          []evaluation.Hit `json:"hits"`
	DegradedLabel string           `json:"degraded_label,omitempty"`
}

// Query serves a retrieval query from the latest usable index of one Pine
// version. In the assistive-only state no scraped content is returned at
// all.
func (p *Pipeline) Query(ctx context.Context, text, pineVersion, mode string) (*QueryResult, error) {
	switch mode {
	case ModeReferenceOnly, ModeReferencePlusGuides:
	case "":
		mode = ModeReferencePlusGuides
	default:
		return nil, fmt.Errorf("unknown query mode %q", mode)
	}

	result := &QueryResult{
		TraceID:       uuid.NewString(),
		Query:         text,
		Mode:          mode,
		PineVersion:   pineVersion,
		DegradedLabel: p.machine.DegradedLabel(),
	}

	if !p.machine.AllowsScrapedContent() {
		logging.FallbackWarn("query served without content: assistive-only state")
		return result, nil
	}

	meta, err := p.store.LatestUsableIndex(pineVersion)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, qc.NewGateError("query", "no_usable_index",
				"no usable index for version %s", pineVersion)
		}
		return nil, err
	}
	result.IndexID = meta.IndexID

	records, err := p.store.EmbeddingsForIndex(meta.IndexID)
	if err != nil {
		return nil, err
	}
	if mode == ModeReferenceOnly {
		filtered := records[:0]
		for _, rec := range records {
			if rec.DocType == "reference" {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}

	queryVec, err := p.engine.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	hits, err := evaluation.Score(evaluation.Query{Query: text}, queryVec, records, p.cfg.Eval)
	if err != nil {
		return nil, err
	}
	result.Hits = hits

	// Serving state may demand a label even when retrieval works, e.g. the
	// cached state after a source outage.
	if result.DegradedLabel != "" {
		logging.Fallback("query served with degraded label (%s)", p.machine.Current().State)
	}
	return result, nil
}

// Status summarizes the serving posture for operators.
type Status struct {
	Fallback    fallback.State `json:"fallback"`
	UsableIndex *index.Meta    `json:"usable_index,omitempty"`
	VectorANN   bool           `json:"vector_ann"`
}

// Status reports the current fallback state and the serving index for one
// version.
func (p *Pipeline) Status(pineVersion string) (*Status, error) {
	st := &Status{
		Fallback:  p.machine.Current(),
		VectorANN: p.store.VectorSearchAvailable(),
	}
	meta, err := p.store.LatestUsableIndex(pineVersion)
	if err == nil {
		st.UsableIndex = meta
	} else if err != store.ErrNotFound {
		return nil, err
	}
	return st, nil
}
