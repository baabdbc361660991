package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Figure is a named snapshot of view and object state
type Figure struct {
	ID    int
	Name  string
	State string
}

// PutFigure inserts or replaces a figure by name
func (s *Store) PutFigure(ctx context.Context, name, state string) error {
	err := s.Issue(ctx, Q(`
		INSERT INTO figure (name, state) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET state = excluded.state`, name, state))
	if err != nil {
		return fmt.Errorf("put figure %q: %w", name, err)
	}
	return nil
}

// GetFigure returns the figure with the given name, or ErrNotFound
func (s *Store) GetFigure(ctx context.Context, name string) (*Figure, error) {
	var f Figure
	var state sql.NullString
	err := s.selectRow(ctx, Q("SELECT id, name, state FROM figure WHERE name = ?", name), &f.ID, &f.Name, &state)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("figure %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	f.State = state.String
	return &f, nil
}

// ListFigures returns every figure ordered by id
func (s *Store) ListFigures(ctx context.Context) ([]*Figure, error) {
	if !s.tableExists(ctx, "", "figure") {
		return nil, nil
	}
	rows, err := s.Select(ctx, Q("SELECT id, name, state FROM figure ORDER BY id"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Figure
	for rows.Next() {
		var f Figure
		var state sql.NullString
		if err := rows.Scan(&f.ID, &f.Name, &state); err != nil {
			return nil, s.fail("scan", "figure", err)
		}
		f.State = state.String
		out = append(out, &f)
	}
	return out, rows.Err()
}
