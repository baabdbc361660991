package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kilupskalvis/stepstore/internal/models"
)

// tables lists the domain tables in copy order
var tables = []string{"timestep", "object", "colourmap", "figure", "geometry"}

// MergeOptions controls how a source store is merged
type MergeOptions struct {
	// Step, when set, places every non-fixed source record on this step
	Step *int
	// Rebase rewrites destination deltas whose baseline the source
	// replaces. Without it such a merge fails with ErrOrphanDeltas.
	Rebase Rebaser
}

// MergeStats reports what a merge copied
type MergeStats struct {
	Replaced   int64 // destination geometry rows superseded by the source
	Rebased    int64 // destination deltas rewritten as full records
	Records    int64
	Timesteps  int64
	Objects    int64
	ColourMaps int64
	Figures    int64
}

// AttachTimestep attaches the companion store of a timestep
func (s *Store) AttachTimestep(ctx context.Context, ts models.Timestep) (string, error) {
	if ts.Path == "" {
		return "", fmt.Errorf("%w: timestep %d has no companion store", ErrStoreOpen, ts.Step)
	}
	return s.Attach(ctx, ts.Path)
}

// Merge copies the contents of the store at srcPath into s. Destination
// geometry sharing a (step, object, type) group with the source is replaced
// by the source rows, so the source wins. Everything runs in one transaction.
func (s *Store) Merge(ctx context.Context, srcPath string, opts MergeOptions) (MergeStats, error) {
	var stats MergeStats
	if s.readonly {
		return stats, fmt.Errorf("%w: %s", ErrWriteDenied, s.path)
	}
	if err := s.RunMigrations(ctx); err != nil {
		return stats, err
	}

	prefix, err := s.Attach(ctx, srcPath)
	if err != nil {
		return stats, err
	}
	defer func() {
		if err := s.Detach(ctx); err != nil {
			s.logger.Warn("detach after merge failed", "path", srcPath, "error", err)
		}
	}()

	err = s.WithTx(ctx, func() error {
		if s.tableExists(ctx, prefix, "geometry") {
			if err := s.mergeGeometry(ctx, prefix, opts, &stats); err != nil {
				return err
			}
		}
		if err := s.mergeTimesteps(ctx, prefix, opts, &stats); err != nil {
			return err
		}
		return s.mergeScene(ctx, prefix, &stats)
	})
	if err != nil {
		return MergeStats{}, fmt.Errorf("merge %s: %w", srcPath, err)
	}

	s.logger.Info("merged store", "source", srcPath,
		"records", stats.Records, "replaced", stats.Replaced, "timesteps", stats.Timesteps)
	return stats, nil
}

func (s *Store) mergeGeometry(ctx context.Context, prefix string, opts MergeOptions, stats *MergeStats) error {
	step := func(col string) string { return col }
	var stepArgs []any
	if opts.Step != nil {
		step = func(col string) string { return "CASE WHEN " + col + " < 0 THEN " + col + " ELSE ? END" }
		stepArgs = []any{*opts.Step}
	}
	label := "label"
	if !s.columnExists(ctx, prefix, "geometry", "label") {
		label = "''"
	}
	base, index := "base_step", "delta_index"
	if !s.columnExists(ctx, prefix, "geometry", "base_step") {
		base, index = "NULL", "NULL"
	}

	if err := s.rebaseForMerge(ctx, prefix, opts, step, stepArgs, stats); err != nil {
		return err
	}

	res, err := s.Exec(ctx, Q(`
		DELETE FROM main.geometry WHERE EXISTS (
			SELECT 1 FROM {src}.geometry AS g
			WHERE `+step("g.timestep")+` = main.geometry.timestep
				AND g.object_id = main.geometry.object_id
				AND g.type = main.geometry.type)`, stepArgs...).From(prefix))
	if err != nil {
		return err
	}
	stats.Replaced, _ = res.RowsAffected()

	res, err = s.Exec(ctx, Q(`
		INSERT OR REPLACE INTO main.geometry (object_id, timestep, type, data_type, label, count, width,
			compressed, base_step, delta_index, minX, minY, minZ, maxX, maxY, maxZ, data)
		SELECT object_id, `+step("timestep")+`, type, data_type, `+label+`, count, width,
			compressed, `+base+`, `+index+`, minX, minY, minZ, maxX, maxY, maxZ, data
		FROM {src}.geometry ORDER BY id`, stepArgs...).From(prefix))
	if err != nil {
		return err
	}
	stats.Records, _ = res.RowsAffected()
	return nil
}

// rebaseForMerge hands the destination deltas that survive the merge but
// are built on a replaced group to the rebaser, before anything is deleted
func (s *Store) rebaseForMerge(ctx context.Context, prefix string, opts MergeOptions, step func(string) string, stepArgs []any, stats *MergeStats) error {
	if s.legacy {
		return nil
	}
	group := func(col string) string {
		return `SELECT 1 FROM {src}.geometry AS g
			WHERE ` + step("g.timestep") + ` = d.` + col + `
				AND g.object_id = d.object_id
				AND g.type = d.type`
	}
	args := append(append([]any{}, stepArgs...), stepArgs...)
	deps, err := s.collect(ctx, Q(`SELECT `+s.geometryColumns()+` FROM main.geometry AS d
		WHERE d.base_step IS NOT NULL
			AND EXISTS (`+group("base_step")+`)
			AND NOT EXISTS (`+group("timestep")+`)
		ORDER BY d.timestep, d.object_id, d.id`, args...).From(prefix))
	if err != nil {
		return err
	}
	if len(deps) == 0 {
		return nil
	}
	if opts.Rebase == nil {
		return fmt.Errorf("%w: %d records", ErrOrphanDeltas, len(deps))
	}
	if err := opts.Rebase(ctx, s, deps); err != nil {
		return fmt.Errorf("rebase deltas: %w", err)
	}
	stats.Rebased = int64(len(deps))
	return nil
}

func (s *Store) mergeTimesteps(ctx context.Context, prefix string, opts MergeOptions, stats *MergeStats) error {
	if opts.Step != nil {
		// Companion stores hold one step; keep the destination's time if known
		res, err := s.Exec(ctx, Q("INSERT OR IGNORE INTO main.timestep (step, time) VALUES (?, ?)", *opts.Step, float64(*opts.Step)))
		if err != nil {
			return err
		}
		stats.Timesteps, _ = res.RowsAffected()
		return nil
	}
	if !s.tableExists(ctx, prefix, "timestep") {
		return nil
	}
	path := "path"
	if !s.columnExists(ctx, prefix, "timestep", "path") {
		path = "NULL"
	}
	res, err := s.Exec(ctx, Q(`
		INSERT INTO main.timestep (step, time, path)
		SELECT step, time, `+path+` FROM {src}.timestep WHERE true
		ON CONFLICT(step) DO UPDATE SET time = excluded.time`).From(prefix))
	if err != nil {
		return err
	}
	stats.Timesteps, _ = res.RowsAffected()
	return nil
}

func (s *Store) mergeScene(ctx context.Context, prefix string, stats *MergeStats) error {
	upserts := []struct {
		table string
		sql   string
		count *int64
	}{
		{"object", `
			INSERT INTO main.object (id, name, colourmap_id, properties)
			SELECT id, name, colourmap_id, properties FROM {src}.object WHERE true
			ON CONFLICT(id) DO UPDATE SET name = excluded.name,
				colourmap_id = excluded.colourmap_id, properties = excluded.properties`, &stats.Objects},
		{"colourmap", `
			INSERT INTO main.colourmap (id, name, colours, properties)
			SELECT id, name, colours, properties FROM {src}.colourmap WHERE true
			ON CONFLICT(id) DO UPDATE SET name = excluded.name,
				colours = excluded.colours, properties = excluded.properties`, &stats.ColourMaps},
		{"figure", `
			INSERT INTO main.figure (name, state)
			SELECT name, state FROM {src}.figure WHERE true
			ON CONFLICT(name) DO UPDATE SET state = excluded.state`, &stats.Figures},
	}
	for _, u := range upserts {
		if !s.tableExists(ctx, prefix, u.table) {
			continue
		}
		res, err := s.Exec(ctx, Q(u.sql).From(prefix))
		if err != nil {
			return err
		}
		*u.count, _ = res.RowsAffected()
	}
	return nil
}

// Backup copies every domain table of from into to, replacing the
// destination's contents. Either store may be in memory.
func Backup(ctx context.Context, from, to *Store) error {
	if from == nil || to == nil || !from.IsOpen() || !to.IsOpen() {
		return fmt.Errorf("%w: backup needs two open stores", ErrStoreOpen)
	}
	if from == to {
		return errors.New("backup source and destination are the same store")
	}
	if err := to.RunMigrations(ctx); err != nil {
		return err
	}

	err := to.WithTx(ctx, func() error {
		for _, table := range tables {
			if err := to.Issue(ctx, Q("DELETE FROM "+table)); err != nil {
				return err
			}
			if !from.tableExists(ctx, "", table) {
				continue
			}
			if err := copyTable(ctx, from, to, table); err != nil {
				return fmt.Errorf("copy %s: %w", table, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("backup to %s: %w", displayPath(to), err)
	}
	to.logger.Info("backup complete", "from", displayPath(from), "to", displayPath(to))
	return nil
}

// copyTable copies the columns both stores share. Rows are buffered first so
// a store never has an open cursor while it is written.
func copyTable(ctx context.Context, from, to *Store, table string) error {
	src, err := from.tableColumns(ctx, table)
	if err != nil {
		return err
	}
	dst, err := to.tableColumns(ctx, table)
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(dst))
	for _, c := range dst {
		have[c] = true
	}
	var cols []string
	for _, c := range src {
		if have[c] {
			cols = append(cols, c)
		}
	}
	if len(cols) == 0 {
		return nil
	}

	list := strings.Join(cols, ", ")
	rows, err := from.Select(ctx, Q("SELECT "+list+" FROM "+table))
	if err != nil {
		return err
	}
	var buffered [][]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			rows.Close()
			return err
		}
		buffered = append(buffered, vals)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	insert := "INSERT INTO " + table + " (" + list + ") VALUES (" +
		strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + ")"
	for _, vals := range buffered {
		if err := to.Issue(ctx, Q(insert, vals...)); err != nil {
			return err
		}
	}
	return nil
}

// tableColumns lists a main-schema table's columns in declaration order
func (s *Store) tableColumns(ctx context.Context, table string) ([]string, error) {
	rows, err := s.Select(ctx, Q("SELECT name FROM pragma_table_info(?) ORDER BY cid", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var cols []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

func displayPath(s *Store) string {
	if s.Memory() {
		return ":memory:"
	}
	return s.path
}
