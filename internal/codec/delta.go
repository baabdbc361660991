package codec

import (
	"fmt"
	"math"

	"github.com/kilupskalvis/stepstore/internal/models"
)

// Delta is the set of items that differ from a baseline block.
// Count is the item count of the reconstructed block; Index lists the
// changed or added item positions in ascending order and Items holds their
// values, Index[i] taking Items' i-th item.
type Delta struct {
	Count int
	Index []uint32
	Items *models.DataBlock
}

// Diff computes the changed and added items of cur relative to base.
// It returns false when a delta is not worthwhile: no base, mismatched data
// type, ragged buffers, an empty current block, or more than half of the
// items changed.
func Diff(base, cur *models.DataBlock) (*Delta, bool) {
	if base == nil || cur == nil || base.Type != cur.Type {
		return nil, false
	}
	w := cur.Type.Width()
	if cur.Count() == 0 || cur.Count()%w != 0 || base.Count()%w != 0 {
		return nil, false
	}

	n := cur.Items()
	baseItems := base.Items()
	d := &Delta{Count: n, Items: &models.DataBlock{Type: cur.Type, Label: cur.Label}}
	for i := 0; i < n; i++ {
		if i < baseItems && itemEqual(base, cur, i, w) {
			continue
		}
		d.Index = append(d.Index, uint32(i))
		appendItem(d.Items, cur, i, w)
	}

	if len(d.Index)*2 > n {
		return nil, false
	}
	return d, true
}

// Apply reconstructs the full block from a baseline and a delta
func Apply(base *models.DataBlock, d *Delta) (*models.DataBlock, error) {
	if base == nil {
		return nil, fmt.Errorf("%w: delta has no baseline", ErrRecordCorrupt)
	}
	if d == nil || d.Items == nil {
		return nil, fmt.Errorf("%w: empty delta", ErrRecordCorrupt)
	}
	if base.Type != d.Items.Type {
		return nil, fmt.Errorf("%w: delta type %s does not match baseline %s", ErrRecordCorrupt, d.Items.Type, base.Type)
	}
	w := base.Type.Width()
	if d.Items.Count() != len(d.Index)*w {
		return nil, fmt.Errorf("%w: delta has %d index entries for %d elements", ErrRecordCorrupt, len(d.Index), d.Items.Count())
	}

	baseItems := base.Items()
	out := &models.DataBlock{Type: base.Type, Label: d.Items.Label}
	if out.Label == "" {
		out.Label = base.Label
	}
	keep := baseItems
	if d.Count < keep {
		keep = d.Count
	}
	resize(out, d.Count*w)
	copyItems(out, base, keep*w)

	added := 0
	for i, idx := range d.Index {
		if int(idx) >= d.Count {
			return nil, fmt.Errorf("%w: delta index %d beyond item count %d", ErrRecordCorrupt, idx, d.Count)
		}
		if i > 0 && idx <= d.Index[i-1] {
			return nil, fmt.Errorf("%w: delta index not ascending at %d", ErrRecordCorrupt, i)
		}
		if int(idx) >= baseItems {
			added++
		}
		setItem(out, int(idx), d.Items, i, w)
	}
	if d.Count > baseItems && added != d.Count-baseItems {
		return nil, fmt.Errorf("%w: delta adds %d items, expected %d", ErrRecordCorrupt, added, d.Count-baseItems)
	}
	return out, nil
}

func itemEqual(a, b *models.DataBlock, i, w int) bool {
	off := i * w
	for k := 0; k < w; k++ {
		switch a.Type.Kind() {
		case models.KindUint8:
			if a.Bytes[off+k] != b.Bytes[off+k] {
				return false
			}
		case models.KindUint32:
			if a.Uints[off+k] != b.Uints[off+k] {
				return false
			}
		default:
			if math.Float32bits(a.Floats[off+k]) != math.Float32bits(b.Floats[off+k]) {
				return false
			}
		}
	}
	return true
}

func appendItem(dst, src *models.DataBlock, i, w int) {
	off := i * w
	switch src.Type.Kind() {
	case models.KindUint8:
		dst.Bytes = append(dst.Bytes, src.Bytes[off:off+w]...)
	case models.KindUint32:
		dst.Uints = append(dst.Uints, src.Uints[off:off+w]...)
	default:
		dst.Floats = append(dst.Floats, src.Floats[off:off+w]...)
	}
}

func setItem(dst *models.DataBlock, di int, src *models.DataBlock, si, w int) {
	d, s := di*w, si*w
	switch dst.Type.Kind() {
	case models.KindUint8:
		copy(dst.Bytes[d:d+w], src.Bytes[s:s+w])
	case models.KindUint32:
		copy(dst.Uints[d:d+w], src.Uints[s:s+w])
	default:
		copy(dst.Floats[d:d+w], src.Floats[s:s+w])
	}
}

func resize(b *models.DataBlock, n int) {
	switch b.Type.Kind() {
	case models.KindUint8:
		b.Bytes = make([]byte, n)
	case models.KindUint32:
		b.Uints = make([]uint32, n)
	default:
		b.Floats = make([]float32, n)
	}
}

func copyItems(dst, src *models.DataBlock, n int) {
	switch dst.Type.Kind() {
	case models.KindUint8:
		copy(dst.Bytes[:n], src.Bytes)
	case models.KindUint32:
		copy(dst.Uints[:n], src.Uints)
	default:
		copy(dst.Floats[:n], src.Floats)
	}
}

// EncodeDelta serializes the delta items and index as two blobs
func (c *Codec) EncodeDelta(gt models.GeometryType, d *Delta, compress bool) (items, index []byte, err error) {
	items, err = c.Encode(gt, d.Items, compress)
	if err != nil {
		return nil, nil, err
	}
	index, err = c.Encode(gt, models.NewUintBlock(models.DataIndices, d.Index...), compress)
	if err != nil {
		return nil, nil, err
	}
	return items, index, nil
}

// DecodeDelta parses the blobs written by EncodeDelta. count is the item
// count of the reconstructed block. The returned header is the items blob
// header.
func (c *Codec) DecodeDelta(items, index []byte, count int) (Header, *Delta, error) {
	h, block, err := c.Decode(items)
	if err != nil {
		return h, nil, err
	}
	ih, idx, err := c.Decode(index)
	if err != nil {
		return h, nil, fmt.Errorf("delta index: %w", err)
	}
	if ih.Data != models.DataIndices {
		return h, nil, fmt.Errorf("%w: delta index stored as %s", ErrRecordCorrupt, ih.Data)
	}
	if ih.Geometry != h.Geometry {
		return h, nil, fmt.Errorf("%w: delta index geometry %s differs from items %s",
			ErrRecordCorrupt, ih.Geometry, h.Geometry)
	}
	return h, &Delta{Count: count, Index: idx.Uints, Items: block}, nil
}
