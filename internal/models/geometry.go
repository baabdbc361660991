package models

import (
	"fmt"
	"strings"
)

// GeometryType identifies a renderer family
type GeometryType uint8

const (
	GeometryLabels GeometryType = iota
	GeometryPoints
	GeometryQuads
	GeometryTriangles
	GeometryVectors
	GeometryTracers
	GeometryLines
	GeometryShapes
	GeometryVolume

	geometryTypeCount
)

var geometryTypeNames = [...]string{
	"labels", "points", "quads", "triangles", "vectors",
	"tracers", "lines", "shapes", "volume",
}

// GeometryTypes lists every geometry type in tag order
func GeometryTypes() []GeometryType {
	out := make([]GeometryType, geometryTypeCount)
	for i := range out {
		out[i] = GeometryType(i)
	}
	return out
}

// Valid reports whether the tag is a known geometry type
func (t GeometryType) Valid() bool { return t < geometryTypeCount }

func (t GeometryType) String() string {
	if !t.Valid() {
		return fmt.Sprintf("geometry(%d)", uint8(t))
	}
	return geometryTypeNames[t]
}

// ParseGeometryType resolves a renderer name such as "points" or "triangles".
// A trailing "s" is optional.
func ParseGeometryType(name string) (GeometryType, error) {
	n := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), "s")
	for i, known := range geometryTypeNames {
		if n != "" && n == strings.TrimSuffix(known, "s") {
			return GeometryType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown geometry type %q", name)
}

// ScalarKind is the storage type of one element of a data block
type ScalarKind uint8

const (
	KindFloat32 ScalarKind = iota
	KindUint32
	KindUint8
)

// DataType identifies the meaning of a data block within a container
type DataType uint8

const (
	DataVertices DataType = iota
	DataNormals
	DataVectors
	DataValues
	DataIndices
	DataRGBA
	DataTexCoords
	DataLuminance
	DataRGB

	dataTypeCount
)

var dataTypeInfo = [...]struct {
	name  string
	kind  ScalarKind
	width int
}{
	{"vertices", KindFloat32, 3},
	{"normals", KindFloat32, 3},
	{"vectors", KindFloat32, 3},
	{"values", KindFloat32, 1},
	{"indices", KindUint32, 1},
	{"rgba", KindUint32, 1},
	{"texcoords", KindFloat32, 2},
	{"luminance", KindUint8, 1},
	{"rgb", KindUint8, 3},
}

// Valid reports whether the tag is a known data type
func (d DataType) Valid() bool { return d < dataTypeCount }

func (d DataType) String() string {
	if !d.Valid() {
		return fmt.Sprintf("data(%d)", uint8(d))
	}
	return dataTypeInfo[d].name
}

// Kind returns the scalar storage kind
func (d DataType) Kind() ScalarKind { return dataTypeInfo[d].kind }

// Width returns the number of scalars making one item (3 for a vertex)
func (d DataType) Width() int { return dataTypeInfo[d].width }

// ElementSize returns the byte size of one scalar element
func (d DataType) ElementSize() int {
	switch d.Kind() {
	case KindUint8:
		return 1
	default:
		return 4
	}
}

// DataBlock is one typed numeric buffer. Exactly one of the slices is used,
// selected by Type.Kind().
type DataBlock struct {
	Type   DataType  `json:"type"`
	Label  string    `json:"label,omitempty"`
	Floats []float32 `json:"floats,omitempty"`
	Uints  []uint32  `json:"uints,omitempty"`
	Bytes  []byte    `json:"bytes,omitempty"`
}

// NewFloatBlock builds a float32 block
func NewFloatBlock(dt DataType, values ...float32) *DataBlock {
	return &DataBlock{Type: dt, Floats: values}
}

// NewUintBlock builds a uint32 block
func NewUintBlock(dt DataType, values ...uint32) *DataBlock {
	return &DataBlock{Type: dt, Uints: values}
}

// Count returns the number of scalar elements
func (b *DataBlock) Count() int {
	switch b.Type.Kind() {
	case KindUint32:
		return len(b.Uints)
	case KindUint8:
		return len(b.Bytes)
	default:
		return len(b.Floats)
	}
}

// Items returns the number of items (elements / width)
func (b *DataBlock) Items() int {
	return b.Count() / b.Type.Width()
}

// SizeBytes returns the raw payload size
func (b *DataBlock) SizeBytes() int {
	return b.Count() * b.Type.ElementSize()
}

// Clone returns a deep copy of the block
func (b *DataBlock) Clone() *DataBlock {
	out := &DataBlock{Type: b.Type, Label: b.Label}
	if b.Floats != nil {
		out.Floats = append([]float32(nil), b.Floats...)
	}
	if b.Uints != nil {
		out.Uints = append([]uint32(nil), b.Uints...)
	}
	if b.Bytes != nil {
		out.Bytes = append([]byte(nil), b.Bytes...)
	}
	return out
}

// Bounds returns the extent of a vertex block.
// Non-vertex blocks return an empty box.
func (b *DataBlock) Bounds() BoundingBox {
	box := NewBoundingBox()
	if b.Type != DataVertices {
		return box
	}
	for i := 0; i+2 < len(b.Floats); i += 3 {
		box.Extend(b.Floats[i], b.Floats[i+1], b.Floats[i+2])
	}
	return box
}

// DataContainer holds one object's data for one geometry type at one step
type DataContainer struct {
	ObjectID   ObjectID     `json:"object"`
	Step       int          `json:"step"`
	Blocks     []*DataBlock `json:"blocks"`
	Properties Properties   `json:"properties,omitempty"`
}

// Block returns the block with the given type and label, or nil
func (c *DataContainer) Block(dt DataType, label string) *DataBlock {
	for _, b := range c.Blocks {
		if b.Type == dt && b.Label == label {
			return b
		}
	}
	return nil
}

// SetBlock adds or replaces the block with the same type and label
func (c *DataContainer) SetBlock(b *DataBlock) {
	for i, existing := range c.Blocks {
		if existing.Type == b.Type && existing.Label == b.Label {
			c.Blocks[i] = b
			return
		}
	}
	c.Blocks = append(c.Blocks, b)
}

// Bounds returns the extent of the container's vertices
func (c *DataContainer) Bounds() BoundingBox {
	box := NewBoundingBox()
	for _, b := range c.Blocks {
		box.Union(b.Bounds())
	}
	return box
}

// SizeBytes returns the total raw payload size of all blocks
func (c *DataContainer) SizeBytes() int {
	n := 0
	for _, b := range c.Blocks {
		n += b.SizeBytes()
	}
	return n
}

// Geometry is the per-type collection of data containers
type Geometry struct {
	Type       GeometryType     `json:"type"`
	Containers []*DataContainer `json:"containers"`
}

// NewGeometry creates an empty container set for a type
func NewGeometry(t GeometryType) *Geometry {
	return &Geometry{Type: t}
}

// Container returns the container for an object at a step, or nil
func (g *Geometry) Container(id ObjectID, step int) *DataContainer {
	for _, c := range g.Containers {
		if c.ObjectID == id && c.Step == step {
			return c
		}
	}
	return nil
}

// Ensure returns the container for an object at a step, creating it if absent
func (g *Geometry) Ensure(id ObjectID, step int) *DataContainer {
	if c := g.Container(id, step); c != nil {
		return c
	}
	c := &DataContainer{ObjectID: id, Step: step}
	g.Containers = append(g.Containers, c)
	return c
}

// ForObject returns every container belonging to an object
func (g *Geometry) ForObject(id ObjectID) []*DataContainer {
	var out []*DataContainer
	for _, c := range g.Containers {
		if c.ObjectID == id {
			out = append(out, c)
		}
	}
	return out
}

// RemoveObject drops every container belonging to an object and returns how many were removed
func (g *Geometry) RemoveObject(id ObjectID) int {
	kept := g.Containers[:0]
	removed := 0
	for _, c := range g.Containers {
		if c.ObjectID == id {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	for i := len(kept); i < len(g.Containers); i++ {
		g.Containers[i] = nil
	}
	g.Containers = kept
	return removed
}

// SizeBytes returns the raw payload size of every container
func (g *Geometry) SizeBytes() int {
	n := 0
	for _, c := range g.Containers {
		n += c.SizeBytes()
	}
	return n
}

// GeometrySet is one buffer of per-type geometry (fixed, current or previous)
type GeometrySet []*Geometry

// NewGeometrySet creates one empty Geometry per type
func NewGeometrySet() GeometrySet {
	set := make(GeometrySet, geometryTypeCount)
	for i := range set {
		set[i] = NewGeometry(GeometryType(i))
	}
	return set
}

// Get returns the geometry for a type
func (s GeometrySet) Get(t GeometryType) *Geometry {
	for _, g := range s {
		if g.Type == t {
			return g
		}
	}
	return nil
}

// Empty reports whether no type holds any container
func (s GeometrySet) Empty() bool {
	for _, g := range s {
		if len(g.Containers) > 0 {
			return false
		}
	}
	return true
}

// SizeBytes returns the raw payload size of the set
func (s GeometrySet) SizeBytes() int {
	n := 0
	for _, g := range s {
		n += g.SizeBytes()
	}
	return n
}
