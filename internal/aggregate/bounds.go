// Package aggregate computes spatial extents over the fixed and current
// geometry buffers.
package aggregate

import "github.com/kilupskalvis/stepstore/internal/models"

// View decides which objects contribute to an extent
type View interface {
	Visible(id models.ObjectID) bool
}

type allVisible struct{}

func (allVisible) Visible(models.ObjectID) bool { return true }

// AllVisible is a view in which every object contributes
var AllVisible View = allVisible{}

// ViewFunc adapts a function to the View interface
type ViewFunc func(id models.ObjectID) bool

func (f ViewFunc) Visible(id models.ObjectID) bool { return f(id) }

// CalculateBounds returns the union of the vertex extents of every visible
// object across both buffers. When nothing contributes it returns defaults,
// or the unit box when defaults is nil.
func CalculateBounds(view View, fixed, current []*models.Geometry, defaults *models.BoundingBox) models.BoundingBox {
	if view == nil {
		view = AllVisible
	}
	box := models.NewBoundingBox()
	for _, buf := range [][]*models.Geometry{fixed, current} {
		for _, g := range buf {
			if g == nil {
				continue
			}
			for _, c := range g.Containers {
				if !view.Visible(c.ObjectID) {
					continue
				}
				box.Union(c.Bounds())
			}
		}
	}

	if !box.Empty() {
		return box
	}
	if defaults != nil {
		return *defaults
	}
	return models.UnitBox()
}

// ObjectBounds returns the extent of one object across both buffers.
// The result is false when the object has no vertices.
func ObjectBounds(id models.ObjectID, fixed, current []*models.Geometry) (models.BoundingBox, bool) {
	box := models.NewBoundingBox()
	for _, buf := range [][]*models.Geometry{fixed, current} {
		for _, g := range buf {
			if g == nil {
				continue
			}
			for _, c := range g.ForObject(id) {
				box.Union(c.Bounds())
			}
		}
	}
	return box, !box.Empty()
}
