package model

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kilupskalvis/stepstore/internal/models"
	"github.com/kilupskalvis/stepstore/internal/store"
)

// stateDoc is the serialized view of objects and colour maps stored in
// figure slots
type stateDoc struct {
	Step       *int               `json:"step,omitempty"`
	Objects    []objectDoc        `json:"objects"`
	ColourMaps []*models.ColourMap `json:"colourmaps,omitempty"`
}

type objectDoc struct {
	*models.DrawingObject
	Geometry []*models.Geometry `json:"geometry,omitempty"`
}

func (m *Model) loadFigures(ctx context.Context) error {
	figs, err := m.store.ListFigures(ctx)
	if err != nil {
		return fmt.Errorf("load figures: %w", err)
	}
	m.figures = m.figures[:0]
	for _, f := range figs {
		m.figures = append(m.figures, figure{name: f.Name, state: f.State})
	}
	m.figure = -1
	if len(m.figures) > 0 {
		m.figure = 0
	}
	return nil
}

// Figures returns the figure names in order
func (m *Model) Figures() []string {
	out := make([]string, len(m.figures))
	for i, f := range m.figures {
		out[i] = f.name
	}
	return out
}

// Figure returns the current figure index, -1 when none exists
func (m *Model) Figure() int { return m.figure }

// AddFigure adds a figure, or replaces the state of the figure with the same
// name, and makes it current. Returns its index.
func (m *Model) AddFigure(name, state string) int {
	if name == "" {
		name = fmt.Sprintf("fig%d", len(m.figures))
	}
	for i := range m.figures {
		if m.figures[i].name == name {
			m.figures[i].state = state
			m.figure = i
			return i
		}
	}
	m.figures = append(m.figures, figure{name: name, state: state})
	m.figure = len(m.figures) - 1
	return m.figure
}

// LoadFigure makes a figure current and applies its stored state
func (m *Model) LoadFigure(idx int) error {
	if idx < 0 || idx >= len(m.figures) {
		return fmt.Errorf("figure %d: %w", idx, store.ErrNotFound)
	}
	m.figure = idx
	if m.figures[idx].state == "" {
		return nil
	}
	return m.JSONRead(m.figures[idx].state)
}

// StoreFigure saves the current state into the current figure, creating
// one when none exists
func (m *Model) StoreFigure() error {
	state, err := m.JSONWrite(false)
	if err != nil {
		return err
	}
	if m.figure < 0 {
		m.AddFigure("", state)
		return nil
	}
	m.figures[m.figure].state = state
	return nil
}

// WriteState stores the current figure and writes every figure to the
// model's own store
func (m *Model) WriteState(ctx context.Context) error {
	if err := m.writable(ctx); err != nil {
		return err
	}
	return m.WriteStateTo(ctx, m.store)
}

// WriteStateTo stores the current figure and writes every figure to out
func (m *Model) WriteStateTo(ctx context.Context, out *store.Store) error {
	if err := m.StoreFigure(); err != nil {
		return err
	}
	return out.WithTx(ctx, func() error {
		for _, f := range m.figures {
			if err := out.PutFigure(ctx, f.name, f.state); err != nil {
				return err
			}
		}
		return nil
	})
}

// JSONWrite serializes objects and colour maps. With objData set, each
// object also carries its fixed and current geometry.
func (m *Model) JSONWrite(objData bool) (string, error) {
	doc := stateDoc{ColourMaps: m.ColourMaps()}
	if step, ok := m.Step(); ok {
		doc.Step = &step
	}
	for _, obj := range m.Objects() {
		od := objectDoc{DrawingObject: obj}
		if objData {
			od.Geometry = m.objectGeometry(obj.ID)
		}
		doc.Objects = append(doc.Objects, od)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode state: %w", err)
	}
	return string(data), nil
}

func (m *Model) objectGeometry(id models.ObjectID) []*models.Geometry {
	var out []*models.Geometry
	for _, gt := range models.GeometryTypes() {
		var cs []*models.DataContainer
		for _, set := range []models.GeometrySet{m.state.Fixed, m.state.Geometry} {
			if g := set.Get(gt); g != nil {
				cs = append(cs, g.ForObject(id)...)
			}
		}
		if len(cs) > 0 {
			out = append(out, &models.Geometry{Type: gt, Containers: cs})
		}
	}
	return out
}

// JSONRead applies a state document: objects and colour maps are updated by
// id or added, and any geometry they carry replaces the object's containers
// in the fixed or current buffer
func (m *Model) JSONRead(data string) error {
	var doc stateDoc
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return fmt.Errorf("decode state: %w", err)
	}

	for _, cm := range doc.ColourMaps {
		if cm == nil || cm.ID == 0 {
			continue
		}
		if _, ok := m.colourMaps[cm.ID]; !ok {
			m.cmapOrder = append(m.cmapOrder, cm.ID)
		}
		m.colourMaps[cm.ID] = cm
	}

	for _, od := range doc.Objects {
		if od.DrawingObject == nil || od.ID == 0 {
			continue
		}
		if _, ok := m.objects[od.ID]; !ok {
			m.objOrder = append(m.objOrder, od.ID)
		}
		m.objects[od.ID] = od.DrawingObject

		for _, g := range od.Geometry {
			if g == nil || !g.Type.Valid() {
				continue
			}
			m.state.Fixed.Get(g.Type).RemoveObject(od.ID)
			m.state.Geometry.Get(g.Type).RemoveObject(od.ID)
			for _, c := range g.Containers {
				c.ObjectID = od.ID
				set := m.state.Geometry
				if c.Step == models.FixedStep {
					set = m.state.Fixed
				}
				dst := set.Get(g.Type)
				dst.Containers = append(dst.Containers, c)
			}
		}
	}
	m.state.Bounds = nil
	return m.inFixed()
}

// MergeDatabases merges every timestep companion store into the model's own
// store, binding each companion's records to its timestep, then reloads the
// current step from the merged store
func (m *Model) MergeDatabases(ctx context.Context) (store.MergeStats, error) {
	var total store.MergeStats
	if err := m.writable(ctx); err != nil {
		return total, err
	}

	merged := 0
	for i := range m.state.Timesteps {
		ts := m.state.Timesteps[i]
		if ts.Path == "" || ts.Path == m.store.Path() {
			continue
		}
		full, err := m.companionDeltas(ctx, ts)
		if err != nil {
			return total, err
		}
		step := ts.Step
		stats, err := m.store.Merge(ctx, ts.Path, store.MergeOptions{Step: &step, Rebase: m.rebase})
		if err != nil {
			return total, err
		}
		err = m.store.WithTx(ctx, func() error {
			for _, r := range full {
				if err := m.store.InsertGeometry(ctx, r); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return total, err
		}
		stats.Rebased += int64(len(full))
		addStats(&total, stats)

		ts.Path = ""
		if err := m.store.PutTimestep(ctx, ts); err != nil {
			return total, err
		}
		m.state.Timesteps[i] = ts
		merged++
	}
	if merged == 0 {
		return total, nil
	}

	m.logger.Info("merged timestep stores", "stores", merged, "records", total.Records)
	return total, m.reloadStep(ctx)
}

// companionDeltas returns the delta records a companion store leaves on
// top after its steps collapse onto ts.Step, decoded against the companion
// and re-encoded as full records at ts.Step
func (m *Model) companionDeltas(ctx context.Context, ts models.Timestep) ([]*store.GeometryRecord, error) {
	comp, err := store.Open(ts.Path, store.WithSilent(true), store.WithLogger(m.logger))
	if err != nil {
		return nil, fmt.Errorf("timestep %d: %w", ts.Step, err)
	}
	defer comp.Close()

	recs, err := comp.CollectGeometry(ctx, store.RecordFilter{Steps: store.Steps(0, int(^uint(0)>>1))})
	if err != nil {
		return nil, fmt.Errorf("timestep %d: %w", ts.Step, err)
	}
	// Records come in step order, so the last one per key is what the merge keeps
	top := make(map[store.RecordKey]*store.GeometryRecord, len(recs))
	var order []store.RecordKey
	for _, r := range recs {
		k := r.Key()
		k.Step = 0
		if _, ok := top[k]; !ok {
			order = append(order, k)
		}
		top[k] = r
	}
	var deltas []*store.GeometryRecord
	for _, k := range order {
		if r := top[k]; r.Delta() {
			deltas = append(deltas, r)
		}
	}
	if len(deltas) == 0 {
		return nil, nil
	}
	step := ts.Step
	return m.materialize(ctx, comp, deltas, &step)
}

// MergeFrom merges another store into the model's own store, the other
// store's rows winning, then reloads the model
func (m *Model) MergeFrom(ctx context.Context, path string) (store.MergeStats, error) {
	if err := m.writable(ctx); err != nil {
		return store.MergeStats{}, err
	}
	stats, err := m.store.Merge(ctx, path, store.MergeOptions{Rebase: m.rebase})
	if err != nil {
		return stats, err
	}

	step, hadStep := m.Step()
	if err := m.Load(ctx); err != nil {
		return stats, err
	}
	if hadStep {
		if idx := m.NearestTimeStep(step); idx >= 0 {
			return stats, m.SetTimeStep(ctx, idx)
		}
	}
	return stats, nil
}

// reloadStep discards cached geometry and reads the current step again
func (m *Model) reloadStep(ctx context.Context) error {
	now := m.state.Now
	m.ClearObjects()
	m.state.Now = -1
	if now < 0 {
		return nil
	}
	return m.SetTimeStep(ctx, now)
}

// Backup copies every table of from into to. A nil store stands for the
// model's own store.
func (m *Model) Backup(ctx context.Context, from, to *store.Store) error {
	if from == nil {
		from = m.store
	}
	if to == nil {
		to = m.store
	}
	if err := store.Backup(ctx, from, to); err != nil {
		return err
	}
	m.logger.Info("backed up store", "from", storeName(from), "to", storeName(to))
	return nil
}

// BackupTo copies the model's store into the store file at path
func (m *Model) BackupTo(ctx context.Context, path string) error {
	out, err := store.Open(path, store.WithWrite(true), store.WithLogger(m.logger))
	if err != nil {
		return err
	}
	defer out.Close()
	return m.Backup(ctx, m.store, out)
}

func storeName(s *store.Store) string {
	if s.Memory() {
		return ":memory:"
	}
	return s.Path()
}

func addStats(total *store.MergeStats, s store.MergeStats) {
	total.Replaced += s.Replaced
	total.Rebased += s.Rebased
	total.Records += s.Records
	total.Timesteps += s.Timesteps
	total.Objects += s.Objects
	total.ColourMaps += s.ColourMaps
	total.Figures += s.Figures
}
