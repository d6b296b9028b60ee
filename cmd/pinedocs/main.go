package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"pinedocs/internal/config"
	"pinedocs/internal/logging"
	"pinedocs/internal/pipeline"
	"pinedocs/internal/store"
)

var (
	// Global flags
	verbose     bool
	configPath  string
	workspace   string
	pineVersion string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "pinedocs",
	Short: "pinedocs - versioned Pine Script documentation pipeline",
	Long: `pinedocs ingests TradingView's Pine Script documentation through a
staged pipeline: deterministic headless rendering, anchor-based
segmentation, version-scoped normalization, chunk indexing, embedding, and
an offline evaluation gate. Every stage commits atomically; drift between
runs is detected and classified before anything downstream rebuilds.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		logger, err = buildLogger(cfg.Logging, verbose)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return logging.Initialize(workspace)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "pinedocs.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&workspace, "workspace", ".", "workspace directory")
	rootCmd.PersistentFlags().StringVar(&pineVersion, "pine-version", "v6", "Pine Script version scope")

	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(renderCmd)
	rootCmd.AddCommand(driftCmd)
	rootCmd.AddCommand(evalCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(migrateCmd)
}

// buildLogger builds the CLI logger from the logging config. The verbose
// flag forces debug level regardless of the configured one.
func buildLogger(lc config.LoggingConfig, verbose bool) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if lc.Level != "" {
		if err := level.Set(lc.Level); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", lc.Level, err)
		}
	}
	if verbose {
		level = zapcore.DebugLevel
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	if lc.Format != "json" {
		zcfg.Encoding = "console"
	}
	if lc.File != "" {
		zcfg.OutputPaths = []string{"stderr", lc.File}
	}
	return zcfg.Build()
}

// loadPipeline opens the store and builds the pipeline. Callers own the
// returned closers.
func loadPipeline() (*config.Config, *store.ArtifactStore, *pipeline.Pipeline, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, err
	}
	logger.Debug("configuration loaded",
		zap.String("path", configPath),
		zap.String("db", cfg.Storage.DatabasePath),
		zap.String("artifacts", cfg.Storage.ArtifactsRoot))

	st, err := store.Open(cfg.Storage.DatabasePath, cfg.Storage.RequireVec)
	if err != nil {
		logger.Error("store open failed", zap.String("db", cfg.Storage.DatabasePath), zap.Error(err))
		return nil, nil, nil, err
	}

	p, err := pipeline.New(cfg, st)
	if err != nil {
		_ = st.Close()
		return nil, nil, nil, err
	}
	return cfg, st, p, nil
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// parseTargets turns "doctype=url" arguments into pipeline targets. A bare
// URL defaults to the reference doc type when it matches the reference
// prefix, guide otherwise.
func parseTargets(args []string) []pipeline.Target {
	targets := make([]pipeline.Target, 0, len(args))
	for _, arg := range args {
		docType, url, ok := strings.Cut(arg, "=")
		if !ok {
			url = arg
			if strings.Contains(url, "/pine-script-reference") {
				docType = "reference"
			} else {
				docType = "guide"
			}
		}
		targets = append(targets, pipeline.Target{URL: url, DocType: docType})
	}
	return targets
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
