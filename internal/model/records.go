package model

import (
	"context"
	"errors"
	"fmt"

	"github.com/kilupskalvis/stepstore/internal/codec"
	"github.com/kilupskalvis/stepstore/internal/models"
	"github.com/kilupskalvis/stepstore/internal/store"
)

// maxDeltaChain bounds how many baselines are followed back through the store
const maxDeltaChain = 64

// LoadFixedGeometry replaces the fixed buffer with the store's time-invariant
// records
func (m *Model) LoadFixedGeometry(ctx context.Context) (int, error) {
	m.state.Fixed = models.NewGeometrySet()
	recs, err := m.store.CollectGeometry(ctx, store.RecordFilter{Steps: store.OneStep(models.FixedStep)})
	if err != nil {
		return 0, fmt.Errorf("load fixed geometry: %w", err)
	}
	n, err := m.decodeRecords(ctx, recs, decodeOpts{})
	m.state.Bounds = nil
	return n, err
}

// LoadGeometry reads the records of one object (0 for every object) within
// an inclusive step range into the current buffer. A range of FixedStep
// loads into the fixed buffer instead.
func (m *Model) LoadGeometry(ctx context.Context, obj models.ObjectID, start, stop int) (int, error) {
	recs, err := m.store.CollectGeometry(ctx, store.RecordFilter{Object: obj, Steps: store.Steps(start, stop)})
	if err != nil {
		return 0, fmt.Errorf("load geometry: %w", err)
	}
	n, err := m.decodeRecords(ctx, recs, decodeOpts{})
	m.state.Bounds = nil
	return n, err
}

// decodeOpts selects where a batch of rows comes from and where it lands
type decodeOpts struct {
	// src is the store the rows were read from and where delta baselines
	// are looked up; nil means the model's store
	src *store.Store
	// toCache places each step's rows into a set handed to the cache
	toCache bool
	// rebind places every row at this step after decoding
	rebind *int
}

// decodeRecords turns rows into containers. Fixed rows go to the fixed
// buffer; other rows go to the current buffer, or with toCache set into one
// set per step handed to the cache. Corrupt rows are skipped and counted.
func (m *Model) decodeRecords(ctx context.Context, recs []*store.GeometryRecord, opts decodeOpts) (int, error) {
	pass := &decodePass{
		m:       m,
		src:     opts.src,
		decoded: make(map[store.RecordKey]*models.DataBlock, len(recs)),
	}
	if pass.src == nil {
		pass.src = m.store
	}
	pass.own = pass.src == m.store

	perStep := make(map[int]models.GeometrySet)
	var steps []int

	loaded, skipped := 0, 0
	for _, r := range recs {
		if err := ctx.Err(); err != nil {
			return loaded, err
		}
		block, err := pass.decode(ctx, r, 0)
		if err != nil {
			if !errors.Is(err, codec.ErrRecordCorrupt) {
				return loaded, err
			}
			skipped++
			m.logger.Debug("skipping geometry record", "record", r.Key().String(), "error", err)
			continue
		}

		step := r.Step
		if opts.rebind != nil && step != models.FixedStep {
			step = *opts.rebind
		}
		target := m.state.Geometry
		switch {
		case step == models.FixedStep:
			target = m.state.Fixed
		case opts.toCache:
			set, ok := perStep[step]
			if !ok {
				set = models.NewGeometrySet()
				perStep[step] = set
				steps = append(steps, step)
			}
			target = set
		}
		target.Get(r.Type).Ensure(r.ObjectID, step).SetBlock(block)
		loaded++
	}

	for _, step := range steps {
		if idx := m.state.Timesteps.Index(step); idx >= 0 {
			m.cache.Store(idx, m.state.Now, perStep[step])
		}
	}
	if skipped > 0 {
		m.logger.Warn("skipped corrupt geometry records", "skipped", skipped, "loaded", loaded)
	}
	return loaded, nil
}

// decodePass resolves the rows of one batch. Blocks decoded in the pass are
// kept by key so later deltas in the batch can use them as baselines.
type decodePass struct {
	m       *Model
	src     *store.Store
	own     bool // src is the model's store, so the previous buffer holds its steps
	decoded map[store.RecordKey]*models.DataBlock
}

// decode decodes one row, resolving the baseline of a delta row from rows
// decoded in this pass, then the previous buffer, then the source store
func (p *decodePass) decode(ctx context.Context, r *store.GeometryRecord, depth int) (*models.DataBlock, error) {
	if !r.Type.Valid() || !r.DataType.Valid() {
		return nil, fmt.Errorf("%w: %s has unknown type tags", codec.ErrRecordCorrupt, r.Key())
	}
	if !r.Delta() {
		h, block, err := p.m.codec.Decode(r.Data)
		if err != nil {
			return nil, err
		}
		if err := checkHeader(r, h); err != nil {
			return nil, err
		}
		block.Label = r.Label
		p.decoded[r.Key()] = block
		return block, nil
	}

	width := r.Width
	if width <= 0 {
		width = r.DataType.Width()
	}
	if r.Count%width != 0 {
		return nil, fmt.Errorf("%w: %s count %d is not a multiple of width %d", codec.ErrRecordCorrupt, r.Key(), r.Count, width)
	}
	h, d, err := p.m.codec.DecodeDelta(r.Data, r.DeltaIndex, r.Count/width)
	if err != nil {
		return nil, err
	}
	if err := checkHeader(r, h); err != nil {
		return nil, err
	}
	base, err := p.resolveBase(ctx, r, depth)
	if err != nil {
		return nil, err
	}
	block, err := codec.Apply(base, d)
	if err != nil {
		return nil, err
	}
	block.Label = r.Label
	p.decoded[r.Key()] = block
	return block, nil
}

func checkHeader(r *store.GeometryRecord, h codec.Header) error {
	if h.Geometry != r.Type || h.Data != r.DataType {
		return fmt.Errorf("%w: %s blob holds %s/%s", codec.ErrRecordCorrupt, r.Key(), h.Geometry, h.Data)
	}
	return nil
}

func (p *decodePass) resolveBase(ctx context.Context, r *store.GeometryRecord, depth int) (*models.DataBlock, error) {
	key := r.Key()
	key.Step = *r.BaseStep
	if key.Step >= r.Step {
		return nil, fmt.Errorf("%w: %s baseline step %d is not earlier", codec.ErrRecordCorrupt, r.Key(), key.Step)
	}
	if b, ok := p.decoded[key]; ok {
		return b, nil
	}
	if p.own {
		if c := p.m.state.OldData.Get(r.Type).Container(r.ObjectID, key.Step); c != nil {
			if b := c.Block(r.DataType, r.Label); b != nil {
				return b, nil
			}
		}
	}

	if depth >= maxDeltaChain {
		return nil, fmt.Errorf("%w: %s delta chain deeper than %d", codec.ErrRecordCorrupt, r.Key(), maxDeltaChain)
	}
	rec, err := p.src.GetGeometryRecord(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s has no baseline at step %d", codec.ErrRecordCorrupt, r.Key(), key.Step)
		}
		return nil, err
	}
	return p.decode(ctx, rec, depth+1)
}
