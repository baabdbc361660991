package store

import (
	"context"
	"fmt"
)

const currentSchemaVersion = 2

// RunMigrations applies any pending database migrations. A store without any
// tables is initialized from scratch.
func (s *Store) RunMigrations(ctx context.Context) error {
	if !s.tableExists(ctx, "", "geometry") {
		return s.Initialize(ctx)
	}

	version, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	if version < 2 {
		if err := s.migrateToV2(ctx); err != nil {
			return fmt.Errorf("migration to v2 failed: %w", err)
		}
	}

	return nil
}

// getSchemaVersion returns the current schema version, 1 if not set
func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	// Version table missing: this is a v1 store
	if !s.tableExists(ctx, "", "stepstore_schema_version") {
		return 1, nil
	}

	var version int
	err := s.selectRow(ctx, Q("SELECT COALESCE(MAX(version), 1) FROM stepstore_schema_version"), &version)
	if err != nil {
		return 1, nil
	}

	return version, nil
}

// migrateToV2 adds delta encoding columns, timestep companion paths and the
// tables introduced alongside them
func (s *Store) migrateToV2(ctx context.Context) error {
	// Creates figure, colourmap, object and version tables if missing;
	// existing tables are left as they are
	if err := s.Issue(ctx, Q(schemaDDL)); err != nil {
		return err
	}

	// SQLite doesn't have IF NOT EXISTS for ALTER TABLE, so we check first
	columns := []struct{ table, column, ddl string }{
		{"geometry", "base_step", "ALTER TABLE geometry ADD COLUMN base_step INTEGER"},
		{"geometry", "delta_index", "ALTER TABLE geometry ADD COLUMN delta_index BLOB"},
		{"geometry", "label", "ALTER TABLE geometry ADD COLUMN label TEXT NOT NULL DEFAULT ''"},
		{"timestep", "path", "ALTER TABLE timestep ADD COLUMN path TEXT"},
	}
	for _, c := range columns {
		if s.columnExists(ctx, "", c.table, c.column) {
			continue
		}
		if err := s.Issue(ctx, Q(c.ddl)); err != nil {
			return fmt.Errorf("add %s.%s: %w", c.table, c.column, err)
		}
	}

	// v1 tables had no unique key; keep the newest row of each duplicate
	// so the upsert index can be built
	if err := s.Issue(ctx, Q(`
		DELETE FROM geometry WHERE id NOT IN (
			SELECT MAX(id) FROM geometry GROUP BY timestep, object_id, type, data_type, label)`)); err != nil {
		return fmt.Errorf("dedupe geometry: %w", err)
	}
	if err := s.Issue(ctx, Q(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_geometry_key
		ON geometry(timestep, object_id, type, data_type, label)`)); err != nil {
		return fmt.Errorf("create geometry key: %w", err)
	}

	// Record migration version
	if err := s.Issue(ctx, Q("INSERT OR REPLACE INTO stepstore_schema_version (version) VALUES (?)", 2)); err != nil {
		return err
	}
	s.legacy = false
	return nil
}
