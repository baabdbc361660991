package model

import (
	"context"
	"errors"
	"fmt"

	"github.com/kilupskalvis/stepstore/internal/codec"
	"github.com/kilupskalvis/stepstore/internal/models"
	"github.com/kilupskalvis/stepstore/internal/store"
)

// WriteGeometryRecord encodes one block of a container and writes it to out.
// When delta encoding is enabled and the previous buffer holds the same
// block at an earlier step that out already stores, only the changed items
// are written against that baseline.
func (m *Model) WriteGeometryRecord(ctx context.Context, out *store.Store, gt models.GeometryType, c *models.DataContainer, b *models.DataBlock, compress bool) error {
	rec := &store.GeometryRecord{
		ObjectID: c.ObjectID,
		Step:     c.Step,
		Type:     gt,
		DataType: b.Type,
		Label:    b.Label,
		Count:    b.Count(),
		Width:    b.Type.Width(),
	}
	if b.Type == models.DataVertices {
		box := b.Bounds()
		rec.Bounds = &box
	}

	delta, baseStep, err := m.deltaFor(ctx, out, gt, c, b)
	if err != nil {
		return err
	}
	if delta != nil {
		rec.Data, rec.DeltaIndex, err = m.codec.EncodeDelta(gt, delta, compress)
		rec.BaseStep = &baseStep
	} else {
		rec.Data, err = m.codec.Encode(gt, b, compress)
	}
	if err != nil {
		return fmt.Errorf("encode %s: %w", rec.Key(), err)
	}

	h, err := codec.ReadHeader(rec.Data)
	if err != nil {
		return err
	}
	rec.Compressed = h.Compressed()
	return out.InsertGeometry(ctx, rec)
}

// deltaFor returns the delta of b against its previous-step baseline, or nil
// when a full record should be written
func (m *Model) deltaFor(ctx context.Context, out *store.Store, gt models.GeometryType, c *models.DataContainer, b *models.DataBlock) (*codec.Delta, int, error) {
	if !m.delta || c.Step < 0 {
		return nil, 0, nil
	}
	var prev *models.DataContainer
	for _, pc := range m.state.OldData.Get(gt).ForObject(c.ObjectID) {
		if pc.Step >= 0 && pc.Step < c.Step && (prev == nil || pc.Step > prev.Step) {
			prev = pc
		}
	}
	if prev == nil {
		return nil, 0, nil
	}
	base := prev.Block(b.Type, b.Label)
	d, ok := codec.Diff(base, b)
	if !ok {
		return nil, 0, nil
	}

	key := store.RecordKey{Step: prev.Step, ObjectID: c.ObjectID, Type: gt, DataType: b.Type, Label: b.Label}
	if _, err := out.GetGeometryRecord(ctx, key); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	return d, prev.Step, nil
}

// WriteGeometry writes the fixed and current containers of one geometry
// type to out, for one object or every object when obj is 0. Existing rows
// for each (type, object, step) are replaced. Returns the number of blocks
// written.
func (m *Model) WriteGeometry(ctx context.Context, out *store.Store, gt models.GeometryType, obj models.ObjectID, compress bool) (int, error) {
	written := 0
	err := out.WithTx(ctx, func() error {
		for _, set := range []models.GeometrySet{m.state.Fixed, m.state.Geometry} {
			n, err := m.writeContainers(ctx, out, gt, obj, set.Get(gt), compress)
			written += n
			if err != nil {
				return err
			}
		}
		return nil
	})
	return written, err
}

func (m *Model) writeContainers(ctx context.Context, out *store.Store, gt models.GeometryType, obj models.ObjectID, g *models.Geometry, compress bool) (int, error) {
	written := 0
	for _, c := range g.Containers {
		if obj != 0 && c.ObjectID != obj {
			continue
		}
		if err := m.rebaseDependents(ctx, out, gt, c.ObjectID, c.Step); err != nil {
			return written, err
		}
		if err := out.DeleteGeometry(ctx, gt, c.ObjectID, c.Step); err != nil {
			return written, err
		}
		if c.Step >= 0 {
			ts := models.Timestep{Step: c.Step, Time: float64(c.Step)}
			if idx := m.state.Timesteps.Index(c.Step); idx >= 0 {
				ts.Time = m.state.Timesteps[idx].Time
			}
			if err := out.PutTimestep(ctx, ts); err != nil {
				return written, err
			}
		}
		for _, b := range c.Blocks {
			if err := m.WriteGeometryRecord(ctx, out, gt, c, b, compress); err != nil {
				return written, err
			}
			written++
		}
	}
	return written, nil
}

// DeleteGeometry removes one object's rows of a geometry type at the
// current step from the model's store and drops the matching containers
func (m *Model) DeleteGeometry(ctx context.Context, gt models.GeometryType, obj models.ObjectID) error {
	step, ok := m.Step()
	if !ok {
		step = models.FixedStep
	}
	if err := m.writable(ctx); err != nil {
		return err
	}
	err := m.store.WithTx(ctx, func() error {
		if err := m.rebaseDependents(ctx, m.store, gt, obj, step); err != nil {
			return err
		}
		return m.store.DeleteGeometry(ctx, gt, obj, step)
	})
	if err != nil {
		return err
	}
	set := m.state.Geometry
	if step == models.FixedStep {
		set = m.state.Fixed
	}
	set.Get(gt).RemoveObject(obj)
	m.CacheStep()
	m.state.Bounds = nil
	return nil
}

// rebaseDependents rewrites the deltas of out built on the rows about to be
// replaced at step, so they no longer need them
func (m *Model) rebaseDependents(ctx context.Context, out *store.Store, gt models.GeometryType, obj models.ObjectID, step int) error {
	if step < 0 {
		return nil
	}
	deps, err := out.DependentDeltas(ctx, gt, obj, step)
	if err != nil {
		return err
	}
	return m.rebase(ctx, out, deps)
}

// rebase rewrites delta records of st as full records. It serves as the
// store's Rebaser during merges. Records that do not decode are left alone
// and skipped on load like any other corrupt row.
func (m *Model) rebase(ctx context.Context, st *store.Store, recs []*store.GeometryRecord) error {
	full, err := m.materialize(ctx, st, recs, nil)
	if err != nil {
		return err
	}
	for _, r := range full {
		if err := st.InsertGeometry(ctx, r); err != nil {
			return err
		}
	}
	if len(full) > 0 {
		m.logger.Debug("rebased delta records", "path", st.Path(), "records", len(full))
	}
	return nil
}

// materialize decodes delta records against the store they were read from
// and returns them re-encoded as full records, moved to step when it is set
func (m *Model) materialize(ctx context.Context, src *store.Store, recs []*store.GeometryRecord, step *int) ([]*store.GeometryRecord, error) {
	pass := &decodePass{m: m, src: src, decoded: make(map[store.RecordKey]*models.DataBlock, len(recs))}
	var out []*store.GeometryRecord
	for _, r := range recs {
		if !r.Delta() {
			continue
		}
		block, err := pass.decode(ctx, r, 0)
		if err != nil {
			if errors.Is(err, codec.ErrRecordCorrupt) {
				m.logger.Warn("cannot rebase delta record", "record", r.Key().String(), "error", err)
				continue
			}
			return nil, err
		}

		full := *r
		full.ID = 0
		full.BaseStep, full.DeltaIndex = nil, nil
		full.Count = block.Count()
		if step != nil {
			full.Step = *step
		}
		if full.Data, err = m.codec.Encode(r.Type, block, r.Compressed); err != nil {
			return nil, fmt.Errorf("encode %s: %w", full.Key(), err)
		}
		h, err := codec.ReadHeader(full.Data)
		if err != nil {
			return nil, err
		}
		full.Compressed = h.Compressed()
		out = append(out, &full)
	}
	return out, nil
}

// WriteObjects writes every colour map and drawing object to out
func (m *Model) WriteObjects(ctx context.Context, out *store.Store) error {
	return out.WithTx(ctx, func() error {
		for _, id := range m.cmapOrder {
			if err := out.PutColourMap(ctx, m.colourMaps[id]); err != nil {
				return err
			}
		}
		for _, id := range m.objOrder {
			if err := out.PutObject(ctx, m.objects[id]); err != nil {
				return err
			}
		}
		return nil
	})
}

// writable escalates the model's own store to read-write
func (m *Model) writable(ctx context.Context) error {
	if !m.store.ReadOnly() {
		return nil
	}
	if err := m.store.Reopen(true); err != nil {
		return err
	}
	m.logger.Info("reopened store for writing", "path", m.store.Path())
	return m.store.RunMigrations(ctx)
}

// UpdateObject writes one object's record and its geometry of one type back
// to the model's own store, reopening it read-write when needed
func (m *Model) UpdateObject(ctx context.Context, id models.ObjectID, gt models.GeometryType, compress bool) error {
	obj, ok := m.objects[id]
	if !ok {
		return fmt.Errorf("update object %d: %w", id, store.ErrNotFound)
	}
	if err := m.writable(ctx); err != nil {
		return err
	}
	if obj.ColourMap != 0 {
		if cm, ok := m.colourMaps[obj.ColourMap]; ok {
			if err := m.store.PutColourMap(ctx, cm); err != nil {
				return err
			}
		}
	}
	if err := m.store.PutObject(ctx, obj); err != nil {
		return err
	}
	_, err := m.WriteGeometry(ctx, m.store, gt, id, compress)
	return err
}

// WriteDatabase exports the model into a new or existing store at path:
// objects, colour maps, figures, timesteps, fixed geometry and the geometry
// of every timestep. obj limits geometry to one object when non-zero.
// The current timestep is reselected afterwards.
func (m *Model) WriteDatabase(ctx context.Context, path string, obj models.ObjectID, compress bool) error {
	out, err := store.Open(path, store.WithWrite(true), store.WithSilent(m.store.Silent()), store.WithLogger(m.logger))
	if err != nil {
		return err
	}
	defer out.Close()
	if err := out.RunMigrations(ctx); err != nil {
		return err
	}
	if err := m.writeScene(ctx, out); err != nil {
		return err
	}

	written := 0
	err = out.WithTx(ctx, func() error {
		for _, gt := range models.GeometryTypes() {
			n, err := m.writeContainers(ctx, out, gt, obj, m.state.Fixed.Get(gt), compress)
			written += n
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	orig := m.state.Now
	for idx, ts := range m.state.Timesteps {
		if err := m.SetTimeStep(ctx, idx); err != nil {
			return err
		}
		if err := out.PutTimestep(ctx, models.Timestep{Step: ts.Step, Time: ts.Time}); err != nil {
			return err
		}
		err := out.WithTx(ctx, func() error {
			for _, gt := range models.GeometryTypes() {
				n, err := m.writeContainers(ctx, out, gt, obj, m.state.Geometry.Get(gt), compress)
				written += n
				if err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	if orig >= 0 {
		if err := m.SetTimeStep(ctx, orig); err != nil {
			return err
		}
	}
	m.logger.Info("wrote database", "path", path, "steps", len(m.state.Timesteps), "records", written)
	return nil
}

// writeScene writes objects, colour maps and figures
func (m *Model) writeScene(ctx context.Context, out *store.Store) error {
	if err := m.WriteObjects(ctx, out); err != nil {
		return err
	}
	for _, f := range m.figures {
		if err := out.PutFigure(ctx, f.name, f.state); err != nil {
			return err
		}
	}
	return nil
}
