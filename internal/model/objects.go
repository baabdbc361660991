package model

import (
	"context"
	"fmt"
	"strings"

	"github.com/kilupskalvis/stepstore/internal/models"
	"github.com/kilupskalvis/stepstore/internal/store"
)

func (m *Model) loadObjects(ctx context.Context) error {
	cmaps, err := m.store.ListColourMaps(ctx)
	if err != nil {
		return fmt.Errorf("load colour maps: %w", err)
	}
	objs, err := m.store.ListObjects(ctx)
	if err != nil {
		return fmt.Errorf("load objects: %w", err)
	}

	m.colourMaps = make(map[models.ColourMapID]*models.ColourMap, len(cmaps))
	m.cmapOrder = m.cmapOrder[:0]
	for _, cm := range cmaps {
		m.colourMaps[cm.ID] = cm
		m.cmapOrder = append(m.cmapOrder, cm.ID)
	}
	m.objects = make(map[models.ObjectID]*models.DrawingObject, len(objs))
	m.objOrder = m.objOrder[:0]
	for _, obj := range objs {
		m.objects[obj.ID] = obj
		m.objOrder = append(m.objOrder, obj.ID)
	}
	return nil
}

// Objects returns the drawing objects in insertion order
func (m *Model) Objects() []*models.DrawingObject {
	out := make([]*models.DrawingObject, 0, len(m.objOrder))
	for _, id := range m.objOrder {
		out = append(out, m.objects[id])
	}
	return out
}

// Object returns the object with the given id
func (m *Model) Object(id models.ObjectID) (*models.DrawingObject, bool) {
	obj, ok := m.objects[id]
	return obj, ok
}

// FindObject returns the first object whose name matches, ignoring case
func (m *Model) FindObject(name string) (*models.DrawingObject, bool) {
	for _, id := range m.objOrder {
		if strings.EqualFold(m.objects[id].Name, name) {
			return m.objects[id], true
		}
	}
	return nil, false
}

// AddObject registers a new drawing object under the next free id
func (m *Model) AddObject(name string, props models.Properties) *models.DrawingObject {
	var id models.ObjectID
	for existing := range m.objects {
		if existing > id {
			id = existing
		}
	}
	obj := &models.DrawingObject{ID: id + 1, Name: name, Properties: props}
	m.objects[obj.ID] = obj
	m.objOrder = append(m.objOrder, obj.ID)
	return obj
}

// DeleteObject removes an object, its geometry in every buffer and, when the
// store is writable, its stored records
func (m *Model) DeleteObject(ctx context.Context, id models.ObjectID) error {
	if _, ok := m.objects[id]; !ok {
		return fmt.Errorf("delete object %d: %w", id, store.ErrNotFound)
	}
	if !m.store.ReadOnly() {
		if err := m.store.WithTx(ctx, func() error { return m.store.DeleteObject(ctx, id) }); err != nil {
			return err
		}
	}

	delete(m.objects, id)
	for i, oid := range m.objOrder {
		if oid == id {
			m.objOrder = append(m.objOrder[:i], m.objOrder[i+1:]...)
			break
		}
	}
	for _, set := range []models.GeometrySet{m.state.Fixed, m.state.Geometry, m.state.OldData} {
		for _, g := range set {
			g.RemoveObject(id)
		}
	}
	// Cached steps still hold the object's containers
	m.cache.Purge()
	m.state.Bounds = nil
	return nil
}

// ColourMaps returns the colour maps in insertion order
func (m *Model) ColourMaps() []*models.ColourMap {
	out := make([]*models.ColourMap, 0, len(m.cmapOrder))
	for _, id := range m.cmapOrder {
		out = append(out, m.colourMaps[id])
	}
	return out
}

// ColourMap returns the colour map with the given id
func (m *Model) ColourMap(id models.ColourMapID) (*models.ColourMap, bool) {
	cm, ok := m.colourMaps[id]
	return cm, ok
}

// AddColourMap registers a colour map under the next free id. An empty name
// is replaced by a generated one.
func (m *Model) AddColourMap(name, colours string, props models.Properties) *models.ColourMap {
	var id models.ColourMapID
	for existing := range m.colourMaps {
		if existing > id {
			id = existing
		}
	}
	if name == "" {
		name = fmt.Sprintf("colourmap_%d", id+1)
	}
	cm := &models.ColourMap{ID: id + 1, Name: name, Colours: colours, Properties: props}
	m.colourMaps[cm.ID] = cm
	m.cmapOrder = append(m.cmapOrder, cm.ID)
	return cm
}

// UpdateColourMap replaces a colour map's colours and merges properties
// into it. Empty colours leave the gradient unchanged.
func (m *Model) UpdateColourMap(id models.ColourMapID, colours string, props models.Properties) error {
	cm, ok := m.colourMaps[id]
	if !ok {
		return fmt.Errorf("update colour map %d: %w", id, store.ErrNotFound)
	}
	if colours != "" {
		cm.Colours = colours
	}
	if len(props) > 0 && cm.Properties == nil {
		cm.Properties = make(models.Properties, len(props))
	}
	for k, v := range props {
		cm.Properties[k] = v
	}
	return nil
}

// ClearObjects drops the current and previous geometry of every object and
// every cached step. Fixed geometry and the objects themselves are kept.
func (m *Model) ClearObjects() {
	m.cache.Purge()
	m.state.Geometry = models.NewGeometrySet()
	m.state.OldData = models.NewGeometrySet()
	m.state.Bounds = nil
}

// Freeze turns the current geometry into fixed geometry and drops the
// timestep sequence, leaving a model with no timesteps
func (m *Model) Freeze() {
	for _, g := range m.state.Geometry {
		fixed := m.state.Fixed.Get(g.Type)
		if fixed == nil {
			fixed = models.NewGeometry(g.Type)
			m.state.Fixed = append(m.state.Fixed, fixed)
		}
		for _, c := range g.Containers {
			c.Step = models.FixedStep
			fixed.Containers = append(fixed.Containers, c)
		}
	}
	m.cache.Purge()
	m.state.Geometry = models.NewGeometrySet()
	m.state.OldData = models.NewGeometrySet()
	m.state.Timesteps = nil
	m.state.Now = -1
	m.state.Bounds = nil
	m.logger.Debug("froze current geometry")
}

// GetRenderer returns the current geometry of a type, or nil for an unknown
// type
func (m *Model) GetRenderer(gt models.GeometryType) *models.Geometry {
	return m.state.Geometry.Get(gt)
}

// GetRendererByName returns the current geometry for a renderer name such
// as "points" or "triangles"
func (m *Model) GetRendererByName(name string) (*models.Geometry, error) {
	gt, err := models.ParseGeometryType(name)
	if err != nil {
		return nil, err
	}
	return m.GetRenderer(gt), nil
}

// CreateRenderer returns the current geometry for a renderer name, adding
// it to the current buffer when absent
func (m *Model) CreateRenderer(name string) (*models.Geometry, error) {
	gt, err := models.ParseGeometryType(name)
	if err != nil {
		return nil, err
	}
	if g := m.state.Geometry.Get(gt); g != nil {
		return g, nil
	}
	g := models.NewGeometry(gt)
	m.state.Geometry = append(m.state.Geometry, g)
	return g, nil
}
