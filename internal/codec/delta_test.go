package codec

import (
	"testing"

	"github.com/kilupskalvis/stepstore/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiff_ChangedAndAddedItems(t *testing.T) {
	base := models.NewFloatBlock(models.DataVertices, ramp(10)...)
	cur := base.Clone()
	// change item 4, add item 10
	cur.Floats[3*4+1] = 99
	cur.Floats = append(cur.Floats, 7, 8, 9)

	d, ok := Diff(base, cur)
	require.True(t, ok)
	assert.Equal(t, 11, d.Count)
	assert.Equal(t, []uint32{4, 10}, d.Index)
	assert.Equal(t, 6, d.Items.Count())

	got, err := Apply(base, d)
	require.NoError(t, err)
	assert.Equal(t, cur.Floats, got.Floats)
}

func TestDiff_TruncatedBlock(t *testing.T) {
	base := models.NewUintBlock(models.DataIndices, 0, 1, 2, 3, 4, 5)
	cur := models.NewUintBlock(models.DataIndices, 0, 1, 2, 3)

	d, ok := Diff(base, cur)
	require.True(t, ok)
	assert.Empty(t, d.Index)

	got, err := Apply(base, d)
	require.NoError(t, err)
	assert.Equal(t, cur.Uints, got.Uints)
}

func TestDiff_NotWorthwhile(t *testing.T) {
	base := models.NewFloatBlock(models.DataValues, 1, 2, 3, 4)
	cur := models.NewFloatBlock(models.DataValues, 5, 6, 7, 4)

	_, ok := Diff(base, cur)
	assert.False(t, ok)

	_, ok = Diff(nil, cur)
	assert.False(t, ok)

	_, ok = Diff(models.NewFloatBlock(models.DataNormals, 1, 2, 3), models.NewFloatBlock(models.DataVertices, 1, 2, 3))
	assert.False(t, ok)
}

func TestApply_RejectsBadDelta(t *testing.T) {
	base := models.NewFloatBlock(models.DataValues, 1, 2, 3)

	_, err := Apply(base, &Delta{Count: 3, Index: []uint32{5}, Items: models.NewFloatBlock(models.DataValues, 9)})
	assert.ErrorIs(t, err, ErrRecordCorrupt)

	_, err = Apply(base, &Delta{Count: 3, Index: []uint32{1, 1}, Items: models.NewFloatBlock(models.DataValues, 9, 9)})
	assert.ErrorIs(t, err, ErrRecordCorrupt)

	// Grows to 5 items but only supplies one of the two new ones
	_, err = Apply(base, &Delta{Count: 5, Index: []uint32{3}, Items: models.NewFloatBlock(models.DataValues, 9)})
	assert.ErrorIs(t, err, ErrRecordCorrupt)

	_, err = Apply(nil, &Delta{Count: 1})
	assert.ErrorIs(t, err, ErrRecordCorrupt)
}

func TestEncodeDelta_RoundTrip(t *testing.T) {
	c := newTestCodec(t)
	base := models.NewFloatBlock(models.DataVertices, ramp(50)...)
	cur := base.Clone()
	cur.Floats[0] = -1

	d, ok := Diff(base, cur)
	require.True(t, ok)

	items, index, err := c.EncodeDelta(models.GeometryPoints, d, true)
	require.NoError(t, err)

	h, decoded, err := c.DecodeDelta(items, index, d.Count)
	require.NoError(t, err)
	assert.Equal(t, models.GeometryPoints, h.Geometry)
	assert.Equal(t, models.DataVertices, h.Data)

	got, err := Apply(base, decoded)
	require.NoError(t, err)
	assert.Equal(t, cur.Floats, got.Floats)
}

func TestDecodeDelta_RejectsMismatchedBlobs(t *testing.T) {
	c := newTestCodec(t)
	d := &Delta{Count: 2, Index: []uint32{1}, Items: models.NewFloatBlock(models.DataValues, 7)}
	items, _, err := c.EncodeDelta(models.GeometryPoints, d, false)
	require.NoError(t, err)
	_, lineIndex, err := c.EncodeDelta(models.GeometryLines, d, false)
	require.NoError(t, err)

	_, _, err = c.DecodeDelta(items, lineIndex, 2)
	assert.ErrorIs(t, err, ErrRecordCorrupt)

	// Items blob passed as the index
	_, _, err = c.DecodeDelta(items, items, 2)
	assert.ErrorIs(t, err, ErrRecordCorrupt)
}
