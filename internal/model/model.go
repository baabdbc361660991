// Package model orchestrates timestep geometry: it owns the store
// connection, the timestep sequence and the fixed, current and previous
// geometry buffers, and moves data between the store, the codec and the
// timestep cache.
package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kilupskalvis/stepstore/internal/aggregate"
	"github.com/kilupskalvis/stepstore/internal/cache"
	"github.com/kilupskalvis/stepstore/internal/codec"
	"github.com/kilupskalvis/stepstore/internal/models"
	"github.com/kilupskalvis/stepstore/internal/store"
)

var (
	// ErrCacheInconsistency reports a container held by both the fixed
	// buffer and the current or previous buffer
	ErrCacheInconsistency = errors.New("cache inconsistency")
	// ErrNoTimestep is returned for a timestep index outside the sequence
	ErrNoTimestep = errors.New("no such timestep")
)

// State is the mutable per-model state threaded through every load and
// cache transition. Now is an index into Timesteps, -1 when none is selected.
type State struct {
	Now       int
	Timesteps models.Timesteps
	Fixed     models.GeometrySet
	Geometry  models.GeometrySet
	OldData   models.GeometrySet
	Bounds    *models.BoundingBox // nil until calculated
}

func newState() *State {
	return &State{
		Now:      -1,
		Fixed:    models.NewGeometrySet(),
		Geometry: models.NewGeometrySet(),
		OldData:  models.NewGeometrySet(),
	}
}

// Model owns one store and the geometry loaded from it
type Model struct {
	store    *store.Store
	codec    *codec.Codec
	ownCodec bool
	cache    *cache.Cache
	delta    bool
	logger   *slog.Logger

	state      *State
	objects    map[models.ObjectID]*models.DrawingObject
	objOrder   []models.ObjectID
	colourMaps map[models.ColourMapID]*models.ColourMap
	cmapOrder  []models.ColourMapID
	figures    []figure
	figure     int // current figure index, -1 for none
}

type figure struct {
	name  string
	state string
}

// Option configures a Model
type Option func(*Model)

// WithCache enables timestep caching
func WithCache(c *cache.Cache) Option {
	return func(m *Model) { m.cache = c }
}

// WithCodec sets the codec used for geometry records
func WithCodec(c *codec.Codec) Option {
	return func(m *Model) { m.codec = c }
}

// WithLogger sets the model logger
func WithLogger(l *slog.Logger) Option {
	return func(m *Model) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithDelta enables delta encoding of geometry written while a previous
// step is loaded
func WithDelta(delta bool) Option {
	return func(m *Model) { m.delta = delta }
}

// New creates a model over an open store. The model takes ownership of the
// store and closes it in Close.
func New(st *store.Store, opts ...Option) (*Model, error) {
	if !st.IsOpen() {
		return nil, fmt.Errorf("%w: model needs an open store", store.ErrStoreOpen)
	}
	m := &Model{
		store:      st,
		logger:     slog.Default(),
		state:      newState(),
		objects:    make(map[models.ObjectID]*models.DrawingObject),
		colourMaps: make(map[models.ColourMapID]*models.ColourMap),
		figure:     -1,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(slog.String("component", "model"))
	if m.cache == nil {
		m.cache = cache.New(0)
	}
	if m.codec == nil {
		c, err := codec.New()
		if err != nil {
			return nil, err
		}
		m.codec = c
		m.ownCodec = true
	}
	return m, nil
}

// Close releases the store and any codec the model created
func (m *Model) Close() error {
	if m.ownCodec {
		m.codec.Close()
		m.ownCodec = false
	}
	m.cache.Purge()
	return m.store.Close()
}

// Store returns the model's store
func (m *Model) Store() *store.Store { return m.store }

// State returns the model state
func (m *Model) State() *State { return m.state }

// Cache returns the timestep cache
func (m *Model) Cache() *cache.Cache { return m.cache }

// UseCache reports whether stepping caches geometry
func (m *Model) UseCache() bool { return m.cache.Enabled() }

// Load reads objects, colour maps, figures, timesteps and fixed geometry,
// then selects the first timestep when any exists
func (m *Model) Load(ctx context.Context) error {
	if err := m.loadObjects(ctx); err != nil {
		return err
	}
	if err := m.loadFigures(ctx); err != nil {
		return err
	}
	if _, err := m.LoadTimeSteps(ctx, false); err != nil {
		return err
	}
	if _, err := m.LoadFixedGeometry(ctx); err != nil {
		return err
	}
	if len(m.state.Timesteps) > 0 {
		return m.SetTimeStep(ctx, 0)
	}
	return nil
}

// inFixed verifies that no container of the current or previous buffer is
// also held by the fixed buffer
func (m *Model) inFixed() error {
	fixed := make(map[*models.DataContainer]bool)
	for _, g := range m.state.Fixed {
		for _, c := range g.Containers {
			fixed[c] = true
		}
	}
	if len(fixed) == 0 {
		return nil
	}
	for _, buf := range []models.GeometrySet{m.state.Geometry, m.state.OldData} {
		for _, g := range buf {
			for _, c := range g.Containers {
				if fixed[c] {
					return fmt.Errorf("%w: %s container of object %d at step %d is also fixed",
						ErrCacheInconsistency, g.Type, c.ObjectID, c.Step)
				}
			}
		}
	}
	return nil
}

// CalculateBounds computes and records the model extent for a view
func (m *Model) CalculateBounds(view aggregate.View, defaults *models.BoundingBox) models.BoundingBox {
	box := aggregate.CalculateBounds(view, m.state.Fixed, m.state.Geometry, defaults)
	m.state.Bounds = &box
	return box
}

// ObjectBounds computes the extent of one object
func (m *Model) ObjectBounds(id models.ObjectID) (models.BoundingBox, bool) {
	return aggregate.ObjectBounds(id, m.state.Fixed, m.state.Geometry)
}

// Bounds returns the last calculated extent, if still valid
func (m *Model) Bounds() (models.BoundingBox, bool) {
	if m.state.Bounds == nil {
		return models.BoundingBox{}, false
	}
	return *m.state.Bounds, true
}

// objectView hides objects whose visible property is false
type objectView struct{ m *Model }

func (v objectView) Visible(id models.ObjectID) bool {
	obj, ok := v.m.objects[id]
	return !ok || obj.Visible()
}

// DefaultView returns a view that shows every object not marked invisible
func (m *Model) DefaultView() aggregate.View { return objectView{m} }
