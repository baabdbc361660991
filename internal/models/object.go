// Package models defines the core data structures used throughout stepstore
// including timesteps, drawing objects, colour maps and geometry containers.
package models

import "math"

// ObjectID identifies a drawing object in the model arena
type ObjectID uint32

// ColourMapID identifies a colour map in the model arena
type ColourMapID uint32

// DrawingObject is a named visual entity that owns geometry across time.
// Geometry containers reference it by ID only.
type DrawingObject struct {
	ID         ObjectID    `json:"id"`
	Name       string      `json:"name"`
	ColourMap  ColourMapID `json:"colourmap,omitempty"`
	Properties Properties  `json:"properties,omitempty"`
}

// Visible reports whether the object is shown by default.
// Objects are visible unless the "visible" property is false.
func (o *DrawingObject) Visible() bool {
	return o.Properties.Bool("visible", true)
}

// ColourMap is a named colour gradient referenced by objects and properties
type ColourMap struct {
	ID         ColourMapID `json:"id"`
	Name       string      `json:"name"`
	Colours    string      `json:"colours"`
	Properties Properties  `json:"properties,omitempty"`
}

// Properties holds key-value render and styling metadata.
// Values are JSON-compatible (bool, float64, string, nested maps and slices).
type Properties map[string]any

// Bool returns a boolean property or def when absent or of another type
func (p Properties) Bool(key string, def bool) bool {
	if v, ok := p[key].(bool); ok {
		return v
	}
	return def
}

// Float returns a numeric property or def when absent or non-numeric
func (p Properties) Float(key string, def float64) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

// String returns a string property or def when absent
func (p Properties) String(key, def string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return def
}

// Clone returns a shallow copy of the properties
func (p Properties) Clone() Properties {
	if p == nil {
		return nil
	}
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// BoundingBox is an axis-aligned extent. The zero value is not empty;
// use NewBoundingBox to start an accumulation.
type BoundingBox struct {
	Min [3]float32 `json:"min"`
	Max [3]float32 `json:"max"`
}

// NewBoundingBox returns an inverted box that any point will extend
func NewBoundingBox() BoundingBox {
	inf := float32(math.Inf(1))
	return BoundingBox{
		Min: [3]float32{inf, inf, inf},
		Max: [3]float32{-inf, -inf, -inf},
	}
}

// UnitBox is the fallback extent used when nothing contributes bounds
func UnitBox() BoundingBox {
	return BoundingBox{Max: [3]float32{1, 1, 1}}
}

// Empty reports whether no point has been added to the box.
// Degenerate boxes (Min == Max) are not empty.
func (b BoundingBox) Empty() bool {
	return b.Min[0] > b.Max[0] || b.Min[1] > b.Max[1] || b.Min[2] > b.Max[2]
}

// Extend grows the box to include the point
func (b *BoundingBox) Extend(x, y, z float32) {
	p := [3]float32{x, y, z}
	for i := 0; i < 3; i++ {
		if p[i] < b.Min[i] {
			b.Min[i] = p[i]
		}
		if p[i] > b.Max[i] {
			b.Max[i] = p[i]
		}
	}
}

// Union grows the box to include another box. Empty boxes are ignored.
func (b *BoundingBox) Union(o BoundingBox) {
	if o.Empty() {
		return
	}
	b.Extend(o.Min[0], o.Min[1], o.Min[2])
	b.Extend(o.Max[0], o.Max[1], o.Max[2])
}
