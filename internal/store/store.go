// Package store is the authoritative artifact store: manifests, segments,
// normalized records, chunks, embeddings, drift reports, and the fallback
// state all live in one SQLite database. Writes happen in transactions per
// stage batch; a batch that cannot commit in full commits nothing.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"pinedocs/internal/logging"
)

// ArtifactStore wraps the SQLite database holding all committed pipeline
// artifacts. A process-level file lock enforces the single-writer rule.
type ArtifactStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string

	lock       *FileLock
	vectorExt  bool // sqlite-vec available
	requireVec bool // fail fast when vec is missing
}

// Open initializes the store at path. When requireVec is set and the
// sqlite-vec extension is unavailable the open fails instead of silently
// degrading to brute-force search.
func Open(path string, requireVec bool) (*ArtifactStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	logging.Store("opening artifact store at %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	lock := NewFileLock(path + ".lock")
	if err := lock.TryLock(); err != nil {
		return nil, fmt.Errorf("store is locked by another writer: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set sqlite journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe under WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("failed to set sqlite synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("failed to enable foreign keys: %v", err)
	}

	s := &ArtifactStore{db: db, dbPath: path, lock: lock, requireVec: requireVec}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, err
	}

	s.detectVecExtension()
	if s.requireVec && !s.vectorExt {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, fmt.Errorf("sqlite-vec extension not available; build with -tags sqlite_vec to enable ANN search")
	}
	if s.vectorExt {
		logging.Store("sqlite-vec extension detected and enabled")
	} else {
		logging.Get(logging.CategoryStore).Warn("sqlite-vec extension not available; falling back to exhaustive search")
	}

	return s, nil
}

// Close releases the database and the writer lock.
func (s *ArtifactStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.db != nil {
		err = s.db.Close()
		s.db = nil
	}
	if s.lock != nil {
		if uerr := s.lock.Unlock(); uerr != nil && err == nil {
			err = uerr
		}
		s.lock = nil
	}
	return err
}

// Path returns the database location.
func (s *ArtifactStore) Path() string { return s.dbPath }

// VectorSearchAvailable reports whether sqlite-vec ANN search is active.
func (s *ArtifactStore) VectorSearchAvailable() bool { return s.vectorExt }

// detectVecExtension creates and drops a throwaway vec0 table to probe for
// the extension.
func (s *ArtifactStore) detectVecExtension() {
	if _, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS _vec_probe USING vec0(v float[4])"); err != nil {
		s.vectorExt = false
		return
	}
	_, _ = s.db.Exec("DROP TABLE IF EXISTS _vec_probe")
	s.vectorExt = true
}

// initialize creates the schema. Statements are idempotent so opening an
// existing store is a no-op.
func (s *ArtifactStore) initialize() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL,
			approved_by TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS manifests (
			run_id TEXT NOT NULL,
			canonical_url TEXT NOT NULL,
			pine_version TEXT NOT NULL,
			doc_type TEXT NOT NULL,
			artifact_checksum TEXT NOT NULL,
			anchor_count_total INTEGER NOT NULL,
			status TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (run_id, canonical_url)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_manifests_url
			ON manifests(canonical_url, pine_version, run_id)`,
		`CREATE TABLE IF NOT EXISTS segments (
			segment_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			source_artifact_id TEXT NOT NULL,
			canonical_url TEXT NOT NULL,
			doc_type TEXT NOT NULL,
			pine_version TEXT NOT NULL,
			segment_order INTEGER NOT NULL,
			payload TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_segments_run ON segments(run_id, doc_type)`,
		`CREATE TABLE IF NOT EXISTS reference_symbols (
			symbol_id TEXT PRIMARY KEY,
			symbol_name TEXT NOT NULL,
			symbol_type TEXT NOT NULL,
			pine_version TEXT NOT NULL,
			run_id TEXT NOT NULL,
			payload TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_symbols_version ON reference_symbols(pine_version, run_id)`,
		`CREATE TABLE IF NOT EXISTS guide_pages (
			page_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			pine_version TEXT NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (page_id, run_id)
		)`,
		`CREATE TABLE IF NOT EXISTS guide_sections (
			section_id TEXT PRIMARY KEY,
			page_id TEXT NOT NULL,
			pine_version TEXT NOT NULL,
			run_id TEXT NOT NULL,
			payload TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sections_version ON guide_sections(pine_version, run_id)`,
		`CREATE TABLE IF NOT EXISTS normalize_warnings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			pine_version TEXT NOT NULL,
			code TEXT NOT NULL,
			detail TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS index_meta (
			index_id TEXT PRIMARY KEY,
			pine_version TEXT NOT NULL,
			run_id TEXT NOT NULL,
			chunk_count INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			status TEXT NOT NULL,
			eval_hit_rate REAL NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS chunks (
			chunk_id TEXT NOT NULL,
			index_id TEXT NOT NULL,
			doc_type TEXT NOT NULL,
			pine_version TEXT NOT NULL,
			canonical_url TEXT NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (chunk_id, index_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_index ON chunks(index_id)`,
		`CREATE TABLE IF NOT EXISTS embeddings (
			chunk_id TEXT NOT NULL,
			index_id TEXT NOT NULL,
			model TEXT NOT NULL,
			dims INTEGER NOT NULL,
			vector BLOB NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (chunk_id, index_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_embeddings_index ON embeddings(index_id)`,
		`CREATE TABLE IF NOT EXISTS drift_reports (
			report_id TEXT PRIMARY KEY,
			canonical_url TEXT NOT NULL,
			pine_version TEXT NOT NULL,
			severity TEXT NOT NULL,
			recommended_action TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS fallback_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			payload TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}
