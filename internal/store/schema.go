package store

import (
	"context"
	"fmt"
)

const schemaDDL = `
	-- Timesteps (step ordinal, simulation time, optional companion store)
	CREATE TABLE IF NOT EXISTS timestep (
		step INTEGER PRIMARY KEY,
		time REAL NOT NULL,
		path TEXT
	);

	-- Drawing objects
	CREATE TABLE IF NOT EXISTS object (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		colourmap_id INTEGER,
		properties JSON
	);

	-- Colour maps
	CREATE TABLE IF NOT EXISTS colourmap (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		colours TEXT,
		properties JSON
	);

	-- Geometry records, one data block per row
	CREATE TABLE IF NOT EXISTS geometry (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		object_id INTEGER NOT NULL,
		timestep INTEGER NOT NULL,
		type INTEGER NOT NULL,
		data_type INTEGER NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		count INTEGER NOT NULL,
		width INTEGER NOT NULL DEFAULT 1,
		compressed INTEGER NOT NULL DEFAULT 0,
		base_step INTEGER,
		delta_index BLOB,
		minX REAL, minY REAL, minZ REAL,
		maxX REAL, maxY REAL, maxZ REAL,
		data BLOB,
		UNIQUE(timestep, object_id, type, data_type, label)
	);

	-- Figures (named view/object state documents)
	CREATE TABLE IF NOT EXISTS figure (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		state TEXT
	);

	-- Schema version tracking
	CREATE TABLE IF NOT EXISTS stepstore_schema_version (
		version INTEGER PRIMARY KEY
	);

	-- Indexes
	CREATE INDEX IF NOT EXISTS idx_geometry_step ON geometry(timestep);
	CREATE INDEX IF NOT EXISTS idx_geometry_object ON geometry(object_id, timestep);
	`

// Initialize creates the database schema
func (s *Store) Initialize(ctx context.Context) error {
	if err := s.Issue(ctx, Q(schemaDDL)); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	// Mark as current schema version
	err := s.Issue(ctx, Q("INSERT OR REPLACE INTO stepstore_schema_version (version) VALUES (?)", currentSchemaVersion))
	if err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}

	s.legacy = false
	return nil
}

// tableExists checks if a table exists in the main or an attached schema
func (s *Store) tableExists(ctx context.Context, schema, table string) bool {
	q := Q("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table)
	if schema != "" {
		q = Q("SELECT COUNT(*) FROM {src}.sqlite_master WHERE type = 'table' AND name = ?", table).From(schema)
	}
	var count int
	err := s.selectRow(ctx, q, &count)
	return err == nil && count > 0
}

// columnExists checks if a column exists in a table of the main or an attached schema
func (s *Store) columnExists(ctx context.Context, schema, table, column string) bool {
	if schema == "" {
		schema = "main"
	}
	var count int
	err := s.selectRow(ctx, Q(`
		SELECT COUNT(*) FROM pragma_table_info(?, ?)
		WHERE name = ?`, table, schema, column), &count)
	return err == nil && count > 0
}

// detectLegacy reports whether an existing geometry table lacks the delta
// columns added in schema version 2. Runs at open, so it bypasses the
// statement counter.
func (s *Store) detectLegacy() bool {
	var tables, cols int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'geometry'`).Scan(&tables)
	if err != nil || tables == 0 {
		return false
	}
	err = s.db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('geometry') WHERE name = 'base_step'`).Scan(&cols)
	return err == nil && cols == 0
}

// Legacy reports whether the store uses the version 1 geometry layout
func (s *Store) Legacy() bool { return s.legacy }
