package store

import (
	"fmt"
	"time"

	"pinedocs/internal/logging"
)

// migration is one schema change beyond the baseline created by initialize.
type migration struct {
	version int
	name    string
	stmts   []string
}

// migrations applied in order. The baseline schema is version 0.
var migrations = []migration{
	{
		version: 1,
		name:    "manifest notes index",
		stmts: []string{
			`CREATE INDEX IF NOT EXISTS idx_manifests_status ON manifests(status)`,
		},
	},
}

// SchemaVersion returns the highest applied migration version.
func (s *ArtifactStore) SchemaVersion() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var version int
	err := s.db.QueryRow(`
		SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// Migrate applies pending migrations. Schema changes rewrite the
// authoritative store, so they run only with an explicit approver identity;
// an empty approvedBy refuses to touch anything.
func (s *ArtifactStore) Migrate(approvedBy string) error {
	if approvedBy == "" {
		return fmt.Errorf("schema migration requires an approver identity")
	}

	current, err := s.SchemaVersion()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		if err := s.applyMigration(m, approvedBy); err != nil {
			return err
		}
		logging.Store("applied migration %d (%s), approved by %s", m.version, m.name, approvedBy)
	}
	return nil
}

func (s *ArtifactStore) applyMigration(m migration, approvedBy string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.version, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range m.stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
	}
	if _, err := tx.Exec(`
		INSERT INTO schema_migrations (version, applied_at, approved_by)
		VALUES (?, ?, ?)`,
		m.version, time.Now().UTC().Format(time.RFC3339), approvedBy); err != nil {
		return fmt.Errorf("record migration %d: %w", m.version, err)
	}
	return tx.Commit()
}
