package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pinedocs/internal/pipeline"
)

// ingestCmd runs the full staged flow end to end.
var ingestCmd = &cobra.Command{
	Use:   "ingest [doctype=url ...]",
	Short: "Render, segment, normalize, index, embed, and evaluate in one run",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, p, err := loadPipeline()
		if err != nil {
			return err
		}
		defer st.Close()
		defer p.Close()

		ctx, cancel := signalContext()
		defer cancel()

		targets := parseTargets(args)
		logger.Info("starting ingest",
			zap.Int("targets", len(targets)),
			zap.String("pine_version", pineVersion))
		start := time.Now()

		meta, err := p.Ingest(ctx, targets, pineVersion)
		if err != nil {
			logger.Error("ingest failed", zap.Error(err))
			return err
		}
		logger.Info("ingest complete",
			zap.String("index_id", meta.IndexID),
			zap.Int("chunks", meta.ChunkCount),
			zap.Float64("hit_rate", meta.EvalHitRate),
			zap.Duration("elapsed", time.Since(start)))
		fmt.Printf("ingest complete: index %s (%d chunks, hit rate %.3f)\n",
			meta.IndexID, meta.ChunkCount, meta.EvalHitRate)
		return nil
	},
}

// renderCmd runs acquisition only, committing manifests without touching
// downstream stages.
var renderCmd = &cobra.Command{
	Use:   "render [doctype=url ...]",
	Short: "Capture rendered snapshots and commit their manifests",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, p, err := loadPipeline()
		if err != nil {
			return err
		}
		defer st.Close()
		defer p.Close()

		ctx, cancel := signalContext()
		defer cancel()

		targets := parseTargets(args)
		logger.Info("starting render run",
			zap.Int("targets", len(targets)),
			zap.String("pine_version", pineVersion))

		runID, manifests, err := p.Acquire(ctx, targets, pineVersion)
		if err != nil {
			logger.Error("render run failed", zap.String("run_id", runID), zap.Error(err))
			return err
		}
		logger.Info("render run complete",
			zap.String("run_id", runID),
			zap.Int("pages", len(manifests)))
		fmt.Printf("run %s: %d pages captured\n", runID, len(manifests))
		for _, m := range manifests {
			logger.Debug("manifest committed",
				zap.String("url", m.CanonicalURL),
				zap.Int("anchors", m.AnchorCountTotal))
			fmt.Printf("  %s  anchors=%d  sha256=%s\n", m.CanonicalURL, m.AnchorCountTotal, m.ArtifactChecksumSHA256[:12])
		}
		return nil
	},
}

// driftCmd compares the two newest runs of a page.
var driftCmd = &cobra.Command{
	Use:   "drift [canonical-url]",
	Short: "Show drift reports for a page",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, p, err := loadPipeline()
		if err != nil {
			return err
		}
		defer st.Close()
		defer p.Close()

		reports, err := st.DriftReportsForPage(args[0], pineVersion)
		if err != nil {
			logger.Error("drift lookup failed", zap.String("url", args[0]), zap.Error(err))
			return err
		}
		logger.Debug("drift reports loaded",
			zap.String("url", args[0]),
			zap.Int("reports", len(reports)))
		if len(reports) == 0 {
			fmt.Println("no drift reports")
			return nil
		}
		return json.NewEncoder(os.Stdout).Encode(reports)
	},
}

// evalCmd re-runs the offline evaluation gate against an index.
var evalCmd = &cobra.Command{
	Use:   "eval [index-id]",
	Short: "Run the offline query set against an index generation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, p, err := loadPipeline()
		if err != nil {
			return err
		}
		defer st.Close()
		defer p.Close()

		meta, err := st.IndexMeta(args[0])
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		logger.Info("evaluating index", zap.String("index_id", meta.IndexID))
		metrics, err := p.EvaluateIndex(ctx, meta)
		if metrics != nil {
			logger.Info("evaluation finished",
				zap.String("index_id", metrics.IndexID),
				zap.Float64("hit_rate", metrics.TopKHitRate),
				zap.Float64("doc_type_precision", metrics.DocTypePrecision))
			fmt.Printf("index %s: hit_rate=%.3f doc_type_precision=%.3f (%d queries, top %d)\n",
				metrics.IndexID, metrics.TopKHitRate, metrics.DocTypePrecision,
				metrics.QueryCount, metrics.TopK)
		}
		if err != nil {
			logger.Error("evaluation gate failed", zap.Error(err))
		}
		return err
	},
}

// queryCmd serves a retrieval query from the latest usable index.
var queryCmd = &cobra.Command{
	Use:   "query [text]",
	Short: "Query the latest usable index",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, _ := cmd.Flags().GetString("mode")

		_, st, p, err := loadPipeline()
		if err != nil {
			return err
		}
		defer st.Close()
		defer p.Close()

		ctx, cancel := signalContext()
		defer cancel()

		text := strings.Join(args, " ")
		result, err := p.Query(ctx, text, pineVersion, mode)
		if err != nil {
			logger.Error("query failed", zap.String("mode", mode), zap.Error(err))
			return err
		}
		logger.Debug("query served",
			zap.String("trace_id", result.TraceID),
			zap.String("mode", mode),
			zap.Int("hits", len(result.Hits)))
		if result.DegradedLabel != "" {
			fmt.Fprintf(os.Stderr, "WARNING: %s\n", result.DegradedLabel)
		}
		for _, hit := range result.Hits {
			fmt.Printf("%.4f  %-9s  %s\n", hit.Score, hit.DocType, hit.CanonicalURL)
		}
		return nil
	},
}

// statusCmd shows the fallback posture and serving index.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show fallback state and the serving index",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, p, err := loadPipeline()
		if err != nil {
			return err
		}
		defer st.Close()
		defer p.Close()

		status, err := p.Status(pineVersion)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	},
}

// recoverCmd clears a compliance hold. This is the explicit human action
// the assistive-only state requires.
var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Clear a compliance hold (requires --operator)",
	RunE: func(cmd *cobra.Command, args []string) error {
		operator, _ := cmd.Flags().GetString("operator")

		_, st, p, err := loadPipeline()
		if err != nil {
			return err
		}
		defer st.Close()
		defer p.Close()

		state, err := p.Machine().ClearComplianceHold(operator)
		if err != nil {
			logger.Error("clearing compliance hold failed", zap.Error(err))
			return err
		}
		if err := st.SaveFallbackState(state); err != nil {
			return err
		}
		logger.Info("compliance hold cleared",
			zap.String("operator", operator),
			zap.String("state", state.State))
		fmt.Printf("compliance hold cleared, state: %s\n", state.State)
		return nil
	},
}

// migrateCmd applies pending schema migrations.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending store schema migrations (requires --approved-by)",
	RunE: func(cmd *cobra.Command, args []string) error {
		approvedBy, _ := cmd.Flags().GetString("approved-by")

		_, st, p, err := loadPipeline()
		if err != nil {
			return err
		}
		defer st.Close()
		defer p.Close()

		if err := st.Migrate(approvedBy); err != nil {
			logger.Error("migration failed", zap.Error(err))
			return err
		}
		version, err := st.SchemaVersion()
		if err != nil {
			return err
		}
		logger.Info("migrations applied",
			zap.String("approved_by", approvedBy),
			zap.Int("schema_version", version))
		fmt.Printf("schema at version %d\n", version)
		return nil
	},
}

func init() {
	queryCmd.Flags().String("mode", pipeline.ModeReferencePlusGuides,
		"query mode: reference_only or reference_plus_guides")
	recoverCmd.Flags().String("operator", "", "identity of the human clearing the hold")
	migrateCmd.Flags().String("approved-by", "", "identity of the migration approver")
}
