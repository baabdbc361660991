package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kilupskalvis/stepstore/internal/models"
)

// ListTimesteps returns every row of the timestep table ordered by step.
// Stores without a timestep table return nothing.
func (s *Store) ListTimesteps(ctx context.Context) (models.Timesteps, error) {
	if !s.tableExists(ctx, "", "timestep") {
		return nil, nil
	}

	path := "path"
	if !s.columnExists(ctx, "", "timestep", "path") {
		path = "NULL"
	}
	rows, err := s.Select(ctx, Q("SELECT step, time, "+path+" FROM timestep ORDER BY step"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out models.Timesteps
	for rows.Next() {
		var ts models.Timestep
		var p sql.NullString
		if err := rows.Scan(&ts.Step, &ts.Time, &p); err != nil {
			return nil, s.fail("scan", "timestep", err)
		}
		ts.Path = p.String
		out = append(out, ts)
	}
	return out, rows.Err()
}

// PutTimestep inserts or replaces a timestep row
func (s *Store) PutTimestep(ctx context.Context, ts models.Timestep) error {
	err := s.Issue(ctx, Q(`
		INSERT INTO timestep (step, time, path) VALUES (?, ?, ?)
		ON CONFLICT(step) DO UPDATE SET time = excluded.time, path = excluded.path`,
		ts.Step, ts.Time, sql.NullString{String: ts.Path, Valid: ts.Path != ""}))
	if err != nil {
		return fmt.Errorf("put timestep %d: %w", ts.Step, err)
	}
	return nil
}

// DistinctGeometrySteps returns the non-fixed steps referenced by geometry
// rows, for stores that never populated the timestep table
func (s *Store) DistinctGeometrySteps(ctx context.Context) ([]int, error) {
	if !s.tableExists(ctx, "", "geometry") {
		return nil, nil
	}
	rows, err := s.Select(ctx, Q("SELECT DISTINCT timestep FROM geometry WHERE timestep >= 0 ORDER BY timestep"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []int
	for rows.Next() {
		var step int
		if err := rows.Scan(&step); err != nil {
			return nil, s.fail("scan", "geometry steps", err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}
