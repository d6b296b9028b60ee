// Package pipeline orchestrates the staged ingestion flow: render,
// segment, normalize, index, embed, evaluate, drift-check. Stages hand off
// through the artifact store only; every stage re-reads its input from the
// store and commits its output atomically or not at all.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"time"

	"pinedocs/internal/config"
	"pinedocs/internal/discovery"
	"pinedocs/internal/drift"
	"pinedocs/internal/embedding"
	"pinedocs/internal/evaluation"
	"pinedocs/internal/fallback"
	"pinedocs/internal/index"
	"pinedocs/internal/logging"
	"pinedocs/internal/normalize"
	"pinedocs/internal/qc"
	"pinedocs/internal/render"
	"pinedocs/internal/segment"
	"pinedocs/internal/store"
)

// Target is one page to ingest.
type Target struct {
	URL     string
	DocType string // reference or guide
}

// Pipeline wires the stages together around one artifact store.
type Pipeline struct {
	cfg      *config.Config
	store    *store.ArtifactStore
	scope    *discovery.Scope
	renderer *render.Renderer
	machine  *fallback.Machine
	engine   embedding.Engine
}

// New builds a pipeline. The fallback machine resumes from its persisted
// state so degradation survives restarts.
func New(cfg *config.Config, st *store.ArtifactStore) (*Pipeline, error) {
	scope, err := discovery.NewScope(cfg.Discovery)
	if err != nil {
		return nil, err
	}

	fbState, err := st.LoadFallbackState()
	if err != nil {
		return nil, err
	}

	engine, err := embedding.NewEngine(cfg.Embedding)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		cfg:      cfg,
		store:    st,
		scope:    scope,
		renderer: render.NewRenderer(cfg),
		machine:  fallback.NewMachine(fbState, cfg.Fallback.FailureThreshold),
		engine:   engine,
	}, nil
}

// Machine exposes the fallback machine for status commands.
func (p *Pipeline) Machine() *fallback.Machine { return p.machine }

// Store exposes the artifact store.
func (p *Pipeline) Store() *store.ArtifactStore { return p.store }

// Close shuts down the renderer.
func (p *Pipeline) Close() error {
	return p.renderer.Shutdown()
}

func (p *Pipeline) saveFallback() {
	if err := p.store.SaveFallbackState(p.machine.Current()); err != nil {
		logging.FallbackWarn("failed to persist fallback state: %v", err)
	}
}

// Acquire renders all targets for one version under a fresh run id. Scope
// violations trip the compliance hold; render failures degrade the fallback
// state. Returns the run id and the manifests that committed.
func (p *Pipeline) Acquire(ctx context.Context, targets []Target, pineVersion string) (string, []render.Manifest, error) {
	runID := render.NewRunID(time.Now())

	runLog, err := logging.OpenRunLog(p.cfg.Storage.ArtifactsRoot, "render", pineVersion, runID)
	if err != nil {
		return "", nil, err
	}
	defer runLog.Close()
	_ = runLog.Event("started", "", map[string]interface{}{"targets": len(targets)})

	if p.cfg.Discovery.RespectRobots {
		if err := p.scope.LoadRobots(ctx, nil); err != nil {
			// Compliance cannot be verified, so nothing may be fetched.
			p.machine.TriggerComplianceHold(fmt.Sprintf("robots.txt unavailable: %v", err))
			p.saveFallback()
			_ = runLog.Event("failed", "robots_unavailable", nil)
			return "", nil, &qc.SourceUnavailableError{Reason: "robots_unavailable", Err: err}
		}
	}

	var manifests []render.Manifest
	for _, target := range targets {
		canonical, err := p.scope.Canonicalize(target.URL)
		if err != nil {
			_ = runLog.Event("failed", "unparseable_url", map[string]interface{}{"url": target.URL})
			return runID, manifests, err
		}

		if ok, reason := p.scope.InScope(canonical); !ok {
			if reason == "robots_disallowed" {
				p.machine.TriggerComplianceHold(fmt.Sprintf("robots disallows %s", canonical))
				p.saveFallback()
				_ = runLog.Event("failed", reason, map[string]interface{}{"url": canonical})
				return runID, manifests, qc.NewGateError("render", reason, "url %s", canonical)
			}
			logging.RenderWarn("skipping out-of-scope url %s (%s)", canonical, reason)
			_ = runLog.Event("skipped", reason, map[string]interface{}{"url": canonical})
			continue
		}

		manifest, err := render.Capture(ctx, p.cfg, p.renderer, canonical, target.DocType, pineVersion, runID)
		if err != nil {
			if qc.IsSourceUnavailable(err) {
				p.machine.RecordRenderFailure(err.Error())
				p.saveFallback()
			}
			_ = runLog.Event("failed", "render_failed", map[string]interface{}{"url": canonical, "error": err.Error()})
			return runID, manifests, err
		}

		if err := p.store.CommitManifest(manifest); err != nil {
			return runID, manifests, err
		}
		manifests = append(manifests, *manifest)
		p.machine.RecordRenderSuccess()
		_ = runLog.Event("complete", "", map[string]interface{}{
			"url": canonical, "anchors": manifest.AnchorCountTotal, "sha256": manifest.ArtifactChecksumSHA256,
		})
	}

	p.saveFallback()
	return runID, manifests, nil
}

// CheckDrift compares each new manifest against the previous run of the
// same page and persists the reports. A blocking report halts ingestion.
func (p *Pipeline) CheckDrift(manifests []render.Manifest) ([]drift.Report, error) {
	var reports []drift.Report
	for i := range manifests {
		curr := &manifests[i]
		prev, err := p.store.PreviousManifest(curr.CanonicalURL, curr.PineVersion, curr.RunID)
		if err != nil {
			if err == store.ErrNotFound {
				continue // first run of this page
			}
			return reports, err
		}

		report, err := drift.Compare(prev, curr, p.cfg.Drift.HighDeltaCutoff)
		if err != nil {
			return reports, err
		}
		if err := p.store.SaveDriftReport(report); err != nil {
			return reports, err
		}
		reports = append(reports, *report)

		if report.Blocks() {
			return reports, qc.NewGateError("drift", "blocking_drift",
				"page %s drifted with severity %s", curr.CanonicalURL, report.Severity)
		}
	}
	return reports, nil
}

// SegmentRun segments every manifest of a run and commits the batch after
// the QC gates pass.
func (p *Pipeline) SegmentRun(runID string, manifests []render.Manifest) error {
	var all []segment.Segment
	for i := range manifests {
		m := &manifests[i]
		raw, err := os.ReadFile(m.ArtifactPath)
		if err != nil {
			return fmt.Errorf("read artifact %s: %w", m.ArtifactPath, err)
		}
		if got := render.SHA256Hex(raw); got != m.ArtifactChecksumSHA256 {
			return qc.NewGateError("segment", "artifact_checksum_mismatch",
				"artifact %s has checksum %s, manifest records %s", m.ArtifactPath, got, m.ArtifactChecksumSHA256)
		}

		var segments []segment.Segment
		switch m.DocType {
		case render.DocTypeReference:
			segments, err = segment.Reference(m, raw)
			if err == nil {
				err = segment.ValidateReference(segments, m, p.cfg.EmptyNameBudget(m.AnchorCountTotal))
			}
		case render.DocTypeGuide:
			segments, err = segment.Guide(m, raw)
			if err == nil {
				err = segment.ValidateGuide(segments, m)
			}
		default:
			err = qc.NewGateError("segment", "unknown_doc_type", "manifest %s has doc_type %q", m.RunID, m.DocType)
		}
		if err != nil {
			return err
		}
		all = append(all, segments...)
	}

	if err := p.store.CommitSegments(all); err != nil {
		return err
	}
	return p.store.AuditSegmentation(runID)
}

// NormalizeRun normalizes a run's committed segments, reference and guide
// batches separately.
func (p *Pipeline) NormalizeRun(runID, pineVersion string) error {
	refSegs, err := p.store.SegmentsForRun(runID, render.DocTypeReference)
	if err != nil {
		return err
	}
	if len(refSegs) > 0 {
		symbols, warnings, err := normalize.Reference(refSegs)
		if err != nil {
			return err
		}
		if err := p.store.CommitReference(symbols, warnings, runID, pineVersion); err != nil {
			return err
		}
	}

	guideSegs, err := p.store.SegmentsForRun(runID, render.DocTypeGuide)
	if err != nil {
		return err
	}
	if len(guideSegs) > 0 {
		pages, sections, warnings, err := normalize.Guides(guideSegs)
		if err != nil {
			return err
		}
		if err := p.store.CommitGuides(pages, sections, warnings, runID, pineVersion); err != nil {
			return err
		}
	}
	return nil
}

// BuildIndex builds a chunk index from a run's normalized records.
func (p *Pipeline) BuildIndex(runID, pineVersion string) (*index.Meta, error) {
	symbols, err := p.store.SymbolsForRun(runID)
	if err != nil {
		return nil, err
	}
	sections, err := p.store.SectionsForRun(runID)
	if err != nil {
		return nil, err
	}

	chunks := append(index.FromReference(symbols), index.FromGuides(sections)...)
	if err := index.Validate(chunks, len(symbols)+len(sections)); err != nil {
		return nil, err
	}

	meta := index.NewMeta(pineVersion, runID)
	meta.ChunkCount = len(chunks)
	if err := p.store.CommitIndex(meta, chunks); err != nil {
		return nil, err
	}
	if err := p.store.AuditIndex(meta.IndexID); err != nil {
		return nil, err
	}
	return meta, nil
}

// EmbedIndex embeds a generation's chunks and commits the records.
func (p *Pipeline) EmbedIndex(ctx context.Context, meta *index.Meta) error {
	chunks, err := p.store.ChunksForIndex(meta.IndexID)
	if err != nil {
		return err
	}
	records, err := embedding.Build(ctx, p.engine, meta.IndexID, chunks, p.cfg.Embedding.BatchConcurrency)
	if err != nil {
		return err
	}
	if err := p.store.CommitEmbeddings(meta.IndexID, records); err != nil {
		return err
	}
	return p.store.AuditIndex(meta.IndexID)
}

// EvaluateIndex runs the offline query set against a generation and
// promotes it to usable on success, rejected on failure.
func (p *Pipeline) EvaluateIndex(ctx context.Context, meta *index.Meta) (*evaluation.Metrics, error) {
	queries, err := evaluation.LoadQueries(p.cfg.Eval.QuerySetPath)
	if err != nil {
		return nil, err
	}
	records, err := p.store.EmbeddingsForIndex(meta.IndexID)
	if err != nil {
		return nil, err
	}

	metrics, err := evaluation.Evaluate(ctx, p.engine, meta.IndexID, queries, records, p.cfg.Eval)
	if err != nil {
		return nil, err
	}

	if err := evaluation.Gate(metrics, p.cfg.Eval.AcceptanceHitRate); err != nil {
		if serr := p.store.SetIndexStatus(meta.IndexID, index.StatusRejected, metrics.TopKHitRate); serr != nil {
			return metrics, serr
		}
		return metrics, err
	}
	if err := p.store.SetIndexStatus(meta.IndexID, index.StatusUsable, metrics.TopKHitRate); err != nil {
		return metrics, err
	}
	return metrics, nil
}

// Ingest runs the full staged flow for one version. When the pipeline was
// degraded and the flow completes, the recovery sequence advances to
// nominal.
func (p *Pipeline) Ingest(ctx context.Context, targets []Target, pineVersion string) (*index.Meta, error) {
	wasDegraded := p.machine.Current().State != fallback.StateNominal

	if !p.machine.AllowsScrapedContent() {
		return nil, fmt.Errorf("ingestion blocked: compliance hold active")
	}

	runID, manifests, err := p.Acquire(ctx, targets, pineVersion)
	if err != nil {
		return nil, err
	}
	if len(manifests) == 0 {
		return nil, qc.NewGateError("render", "no_pages_captured", "run %s captured nothing", runID)
	}
	if wasDegraded {
		if _, err := p.machine.AdvanceRecovery(fallback.StepResumeRender); err != nil {
			logging.FallbackWarn("recovery step failed: %v", err)
		}
		p.saveFallback()
	}

	if _, err := p.CheckDrift(manifests); err != nil {
		return nil, err
	}
	if wasDegraded {
		if _, err := p.machine.AdvanceRecovery(fallback.StepRerunDrift); err != nil {
			logging.FallbackWarn("recovery step failed: %v", err)
		}
		p.saveFallback()
	}

	if err := p.SegmentRun(runID, manifests); err != nil {
		return nil, err
	}
	if err := p.NormalizeRun(runID, pineVersion); err != nil {
		return nil, err
	}

	meta, err := p.BuildIndex(runID, pineVersion)
	if err != nil {
		return nil, err
	}
	if err := p.EmbedIndex(ctx, meta); err != nil {
		return nil, err
	}
	if _, err := p.EvaluateIndex(ctx, meta); err != nil {
		return nil, err
	}
	if wasDegraded {
		if _, err := p.machine.AdvanceRecovery(fallback.StepRebuildIndex); err != nil {
			logging.FallbackWarn("recovery step failed: %v", err)
		} else if _, err := p.machine.AdvanceRecovery(fallback.StepClearLabel); err != nil {
			logging.FallbackWarn("recovery step failed: %v", err)
		}
		p.saveFallback()
	}

	logging.Boot("ingest complete: run=%s index=%s", runID, meta.IndexID)
	return meta, nil
}
