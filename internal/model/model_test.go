package model

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/stepstore/internal/aggregate"
	"github.com/kilupskalvis/stepstore/internal/cache"
	"github.com/kilupskalvis/stepstore/internal/codec"
	"github.com/kilupskalvis/stepstore/internal/models"
	"github.com/kilupskalvis/stepstore/internal/store"
)

// newWriter creates a model over a new writable store with one object
func newWriter(t *testing.T, path string, opts ...Option) *Model {
	t.Helper()
	st, err := store.Open(path, store.WithWrite(true), store.WithSilent(true))
	require.NoError(t, err)
	require.NoError(t, st.Initialize(context.Background()))
	m, err := New(st, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	m.AddObject("surface", nil)
	require.NoError(t, m.WriteObjects(context.Background(), st))
	return m
}

// openModel loads a model from an existing store, read-only
func openModel(t *testing.T, path string, opts ...Option) *Model {
	t.Helper()
	st, err := store.Open(path, store.WithSilent(true))
	require.NoError(t, err)
	m, err := New(st, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	require.NoError(t, m.Load(context.Background()))
	return m
}

// vertices returns n points; repeating values keep the payload compressible
func vertices(n int, offset float32) []float32 {
	out := make([]float32, n*3)
	for i := range out {
		out[i] = float32(i%6) + offset
	}
	return out
}

// putStep makes step the current step holding vertices for object 1 and
// writes it, keeping the previous step as the old buffer
func putStep(t *testing.T, m *Model, step int, verts []float32) {
	t.Helper()
	m.AddStep(step)
	m.state.OldData = m.state.Geometry
	m.state.Geometry = models.NewGeometrySet()
	c := m.state.Geometry.Get(models.GeometryPoints).Ensure(1, step)
	c.SetBlock(models.NewFloatBlock(models.DataVertices, verts...))
	_, err := m.WriteGeometry(context.Background(), m.Store(), models.GeometryPoints, 0, true)
	require.NoError(t, err)
}

// currentPoints returns object 1's current vertices
func currentPoints(t *testing.T, m *Model) []float32 {
	t.Helper()
	step, ok := m.Step()
	require.True(t, ok)
	c := m.GetRenderer(models.GeometryPoints).Container(1, step)
	require.NotNil(t, c, "no points at step %d", step)
	b := c.Block(models.DataVertices, "")
	require.NotNil(t, b)
	return b.Floats
}

// ==================== Round Trip Tests ====================

func TestModel_RoundTrip(t *testing.T) {
	for _, comp := range []codec.Compression{codec.CompressionNone, codec.CompressionZlib, codec.CompressionZstd} {
		t.Run(comp.String(), func(t *testing.T) {
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "run.gldb")
			cd, err := codec.New(codec.WithCompression(comp), codec.WithMinCompressSize(0))
			require.NoError(t, err)
			defer cd.Close()

			w := newWriter(t, path, WithCodec(cd))
			want := map[int][]float32{0: vertices(200, 0), 1: vertices(200, 10), 2: vertices(150, 20)}
			for step := 0; step < 3; step++ {
				putStep(t, w, step, want[step])
			}

			recs, err := w.Store().CollectGeometry(ctx, store.RecordFilter{})
			require.NoError(t, err)
			require.Len(t, recs, 3)
			for _, r := range recs {
				assert.Equal(t, comp != codec.CompressionNone, r.Compressed)
				require.NotNil(t, r.Bounds)
			}

			m := openModel(t, path, WithCodec(cd))
			require.Len(t, m.Timesteps(), 3)
			for idx := 0; idx < 3; idx++ {
				require.NoError(t, m.SetTimeStep(ctx, idx))
				assert.Equal(t, want[idx], currentPoints(t, m))
			}
		})
	}
}

func TestModel_LoadsObjects(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.gldb")
	w := newWriter(t, path)
	w.AddObject("tracers", models.Properties{"visible": false})
	require.NoError(t, w.WriteObjects(context.Background(), w.Store()))

	m := openModel(t, path)
	objs := m.Objects()
	require.Len(t, objs, 2)
	assert.Equal(t, "surface", objs[0].Name)

	obj, ok := m.FindObject("TRACERS")
	require.True(t, ok)
	assert.False(t, obj.Visible())
	assert.False(t, m.DefaultView().Visible(obj.ID))
}

// ==================== Timestep Tests ====================

func TestModel_NearestTimeStep(t *testing.T) {
	m := newWriter(t, filepath.Join(t.TempDir(), "run.gldb"))
	assert.Equal(t, -1, m.NearestTimeStep(3))
	_, ok := m.LastStep()
	assert.False(t, ok)

	for _, s := range []int{9, 2, 5} {
		m.AddStep(s)
	}
	assert.Equal(t, 0, m.NearestTimeStep(1))
	assert.Equal(t, 0, m.NearestTimeStep(2))
	assert.Equal(t, 0, m.NearestTimeStep(4))
	assert.Equal(t, 1, m.NearestTimeStep(5))
	assert.Equal(t, 1, m.NearestTimeStep(8))
	assert.Equal(t, 2, m.NearestTimeStep(100))

	assert.True(t, m.HasTimeStep(5))
	assert.False(t, m.HasTimeStep(4))
	last, ok := m.LastStep()
	require.True(t, ok)
	assert.Equal(t, 9, last)
	assert.Equal(t, 5.0, m.Timesteps()[1].Time)
}

func TestModel_SetTimeStepOutOfRange(t *testing.T) {
	m := newWriter(t, filepath.Join(t.TempDir(), "run.gldb"))
	m.AddStep(0)

	assert.ErrorIs(t, m.SetTimeStep(context.Background(), 1), ErrNoTimestep)
	assert.ErrorIs(t, m.SetTimeStep(context.Background(), -1), ErrNoTimestep)
	assert.Equal(t, -1, m.Now())
}

func TestModel_SetTimeStepIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "run.gldb")
	w := newWriter(t, path)
	for step := 0; step < 3; step++ {
		putStep(t, w, step, vertices(10, float32(step)))
	}

	m := openModel(t, path)
	require.NoError(t, m.SetTimeStep(ctx, 1))
	geom, old := m.State().Geometry, m.State().OldData
	queries := m.Store().QueryCount()

	require.NoError(t, m.SetTimeStep(ctx, 1))
	assert.Equal(t, 1, m.Now())
	assert.Same(t, geom.Get(models.GeometryPoints), m.State().Geometry.Get(models.GeometryPoints))
	assert.Same(t, old.Get(models.GeometryPoints), m.State().OldData.Get(models.GeometryPoints))
	assert.Equal(t, queries, m.Store().QueryCount())
}

func TestModel_StepKeepsPreviousBuffer(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "run.gldb")
	w := newWriter(t, path)
	putStep(t, w, 0, vertices(4, 0))
	putStep(t, w, 1, vertices(4, 1))

	m := openModel(t, path)
	step0 := m.State().Geometry
	require.NoError(t, m.SetTimeStep(ctx, 1))
	assert.Same(t, step0.Get(models.GeometryPoints), m.State().OldData.Get(models.GeometryPoints))
}

func TestModel_CacheRestoreSkipsStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "run.gldb")
	w := newWriter(t, path)
	for step := 0; step < 3; step++ {
		putStep(t, w, step, vertices(50, float32(step)))
	}

	m := openModel(t, path, WithCache(cache.New(4)))
	first := append([]float32(nil), currentPoints(t, m)...)
	require.NoError(t, m.SetTimeStep(ctx, 1))
	assert.Equal(t, cache.Cached, m.Cache().State(0))

	queries := m.Store().QueryCount()
	require.NoError(t, m.SetTimeStep(ctx, 0))
	assert.Equal(t, queries, m.Store().QueryCount())
	assert.Equal(t, first, currentPoints(t, m))
}

func TestModel_NoCacheReloads(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "run.gldb")
	w := newWriter(t, path)
	putStep(t, w, 0, vertices(5, 0))
	putStep(t, w, 1, vertices(5, 1))

	m := openModel(t, path)
	assert.False(t, m.UseCache())
	require.NoError(t, m.SetTimeStep(ctx, 1))

	queries := m.Store().QueryCount()
	require.NoError(t, m.SetTimeStep(ctx, 0))
	assert.Greater(t, m.Store().QueryCount(), queries)
	assert.Equal(t, vertices(5, 0), currentPoints(t, m))
}

func TestModel_CacheLoad(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "run.gldb")
	w := newWriter(t, path)
	for step := 0; step < 3; step++ {
		putStep(t, w, step, vertices(8, float32(step)))
	}

	st, err := store.Open(path, store.WithSilent(true))
	require.NoError(t, err)
	m, err := New(st, WithCache(cache.New(8)))
	require.NoError(t, err)
	defer m.Close()

	_, err = m.LoadTimeSteps(ctx, false)
	require.NoError(t, err)
	n, err := m.CacheLoad(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, m.Cache().Len())

	queries := st.QueryCount()
	for idx := 0; idx < 3; idx++ {
		require.NoError(t, m.SetTimeStep(ctx, idx))
		assert.Equal(t, vertices(8, float32(idx)), currentPoints(t, m))
	}
	assert.Equal(t, queries, st.QueryCount())
}

// ==================== Delta Tests ====================

func TestModel_DeltaFromPreviousStep(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "run.gldb")
	w := newWriter(t, path, WithDelta(true))

	step0 := vertices(30, 0)
	step1 := append([]float32(nil), step0...)
	step1[3], step1[4] = 99, 98
	step2 := append([]float32(nil), step1...)
	step2[60] = -7
	step2 = append(step2, 1, 2, 3)

	putStep(t, w, 0, step0)
	putStep(t, w, 1, step1)
	putStep(t, w, 2, step2)

	for _, tc := range []struct {
		step, base int
		verts      []float32
	}{{1, 0, step1}, {2, 1, step2}} {
		rec, err := w.Store().GetGeometryRecord(ctx, store.RecordKey{Step: tc.step, ObjectID: 1,
			Type: models.GeometryPoints, DataType: models.DataVertices})
		require.NoError(t, err)
		require.True(t, rec.Delta(), "step %d", tc.step)
		assert.Equal(t, tc.base, *rec.BaseStep)
		assert.Equal(t, len(tc.verts), rec.Count)
	}

	// Sequential stepping takes each baseline from the previous buffer
	m := openModel(t, path)
	assert.Equal(t, step0, currentPoints(t, m))
	require.NoError(t, m.SetTimeStep(ctx, 1))
	assert.Equal(t, step1, currentPoints(t, m))
	require.NoError(t, m.SetTimeStep(ctx, 2))
	assert.Equal(t, step2, currentPoints(t, m))

	// A cold jump follows the baseline chain through the store
	st, err := store.Open(path, store.WithSilent(true))
	require.NoError(t, err)
	cold, err := New(st)
	require.NoError(t, err)
	defer cold.Close()
	_, err = cold.LoadTimeSteps(ctx, false)
	require.NoError(t, err)
	require.NoError(t, cold.SetTimeStep(ctx, 2))
	assert.Equal(t, step2, currentPoints(t, cold))
}

func TestModel_DeltaNeedsStoredBaseline(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	w := newWriter(t, filepath.Join(dir, "run.gldb"), WithDelta(true))
	putStep(t, w, 0, vertices(20, 0))
	putStep(t, w, 1, vertices(20, 0))

	// The export target has no step 0 row, so step 1 must be written whole
	out, err := store.Open(filepath.Join(dir, "out.gldb"), store.WithWrite(true), store.WithSilent(true))
	require.NoError(t, err)
	defer out.Close()
	require.NoError(t, out.Initialize(ctx))
	_, err = w.WriteGeometry(ctx, out, models.GeometryPoints, 0, false)
	require.NoError(t, err)

	rec, err := out.GetGeometryRecord(ctx, store.RecordKey{Step: 1, ObjectID: 1,
		Type: models.GeometryPoints, DataType: models.DataVertices})
	require.NoError(t, err)
	assert.False(t, rec.Delta())
}

func TestModel_SkipsCorruptRecords(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "run.gldb")
	w := newWriter(t, path)
	putStep(t, w, 0, vertices(4, 0))

	st := w.Store()
	require.NoError(t, st.InsertGeometry(ctx, &store.GeometryRecord{ObjectID: 2, Step: 0,
		Type: models.GeometryLines, DataType: models.DataVertices, Count: 3, Data: []byte("garbage")}))
	base := 5
	require.NoError(t, st.InsertGeometry(ctx, &store.GeometryRecord{ObjectID: 1, Step: 6,
		Type: models.GeometryPoints, DataType: models.DataVertices, Count: 3, BaseStep: &base,
		Data: []byte("orphan"), DeltaIndex: []byte("orphan")}))

	m := openModel(t, path)
	assert.Empty(t, m.GetRenderer(models.GeometryLines).Containers)
	assert.Equal(t, vertices(4, 0), currentPoints(t, m))

	n, err := m.LoadGeometry(ctx, 0, 6, 6)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestModel_SkipsDeltaWithBadTags(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "run.gldb")
	w := newWriter(t, path)
	putStep(t, w, 0, vertices(4, 0))

	changed := vertices(4, 0)
	changed[0] = 50
	cur := models.NewFloatBlock(models.DataVertices, changed...)
	d, ok := codec.Diff(models.NewFloatBlock(models.DataVertices, vertices(4, 0)...), cur)
	require.True(t, ok)
	items, index, err := w.codec.EncodeDelta(models.GeometryPoints, d, false)
	require.NoError(t, err)

	st := w.Store()
	require.NoError(t, st.PutTimestep(ctx, models.Timestep{Step: 1, Time: 1}))
	base := 0
	// An unknown geometry type, then a points delta filed under lines
	for _, gt := range []models.GeometryType{models.GeometryType(9), models.GeometryLines} {
		require.NoError(t, st.InsertGeometry(ctx, &store.GeometryRecord{ObjectID: 1, Step: 1,
			Type: gt, DataType: models.DataVertices, Count: cur.Count(), Width: 3,
			BaseStep: &base, Data: items, DeltaIndex: index}))
	}

	m := openModel(t, path)
	require.NotPanics(t, func() { require.NoError(t, m.SetTimeStep(ctx, 1)) })
	assert.Empty(t, m.GetRenderer(models.GeometryLines).Containers)

	n, err := m.LoadGeometry(ctx, 0, 1, 1)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestModel_SkipsOutOfRangeTags(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "run.gldb")
	w := newWriter(t, path)
	putStep(t, w, 0, vertices(4, 0))

	require.NoError(t, w.Store().Issue(ctx, store.Q(`INSERT INTO geometry
		(object_id, timestep, type, data_type, count, width, data) VALUES (1, 0, 300, 1000, 3, 3, x'00')`)))

	m := openModel(t, path)
	assert.Equal(t, vertices(4, 0), currentPoints(t, m))
	n, err := m.LoadGeometry(ctx, 0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// ==================== Fixed Geometry Tests ====================

func TestModel_FixedGeometryAndBounds(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "run.gldb")
	w := newWriter(t, path)
	w.AddObject("frame", nil)
	require.NoError(t, w.WriteObjects(ctx, w.Store()))

	fc := w.State().Fixed.Get(models.GeometryLines).Ensure(2, models.FixedStep)
	fc.SetBlock(models.NewFloatBlock(models.DataVertices, -5, -5, -5, 0, 0, 0))
	putStep(t, w, 0, []float32{1, 1, 1, 2, 3, 4})
	_, err := w.WriteGeometry(ctx, w.Store(), models.GeometryLines, 0, false)
	require.NoError(t, err)

	m := openModel(t, path)
	require.Len(t, m.State().Fixed.Get(models.GeometryLines).Containers, 1)
	assert.Len(t, m.Timesteps(), 1)

	box := m.CalculateBounds(aggregate.AllVisible, nil)
	assert.Equal(t, [3]float32{-5, -5, -5}, box.Min)
	assert.Equal(t, [3]float32{2, 3, 4}, box.Max)
	got, ok := m.Bounds()
	require.True(t, ok)
	assert.Equal(t, box, got)

	obj, ok := m.ObjectBounds(1)
	require.True(t, ok)
	assert.Equal(t, [3]float32{1, 1, 1}, obj.Min)
}

func TestModel_InFixedDetectsSharedContainer(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "run.gldb")
	w := newWriter(t, path)
	putStep(t, w, 0, vertices(2, 0))
	putStep(t, w, 1, vertices(2, 1))

	m := openModel(t, path)
	shared := m.GetRenderer(models.GeometryPoints).Containers[0]
	fixed := m.State().Fixed.Get(models.GeometryPoints)
	fixed.Containers = append(fixed.Containers, shared)

	assert.ErrorIs(t, m.SetTimeStep(ctx, 1), ErrCacheInconsistency)
}

func TestModel_Freeze(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.gldb")
	w := newWriter(t, path)
	putStep(t, w, 0, vertices(3, 0))
	putStep(t, w, 1, vertices(3, 1))

	m := openModel(t, path, WithCache(cache.New(2)))
	m.Freeze()

	assert.Equal(t, -1, m.Now())
	assert.Empty(t, m.Timesteps())
	assert.True(t, m.State().Geometry.Empty())
	assert.Zero(t, m.Cache().Len())
	fixed := m.State().Fixed.Get(models.GeometryPoints).Containers
	require.Len(t, fixed, 1)
	assert.Equal(t, models.FixedStep, fixed[0].Step)
}

// ==================== Object Tests ====================

func TestModel_DeleteObject(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "run.gldb")
	w := newWriter(t, path)
	putStep(t, w, 0, vertices(3, 0))

	require.NoError(t, w.DeleteObject(ctx, 1))
	assert.Empty(t, w.Objects())
	assert.True(t, w.State().Geometry.Empty())

	objs, err := w.Store().ListObjects(ctx)
	require.NoError(t, err)
	assert.Empty(t, objs)
	stats, err := w.Store().GeometryStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Records)

	assert.ErrorIs(t, w.DeleteObject(ctx, 1), store.ErrNotFound)
}

func TestModel_UpdateObjectReopensReadOnlyStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "run.gldb")
	w := newWriter(t, path)
	putStep(t, w, 0, vertices(3, 0))

	m := openModel(t, path)
	require.True(t, m.Store().ReadOnly())
	obj, _ := m.Object(1)
	obj.Properties = models.Properties{"opacity": 0.5}
	c := m.GetRenderer(models.GeometryPoints).Container(1, 0)
	c.SetBlock(models.NewFloatBlock(models.DataVertices, 7, 7, 7))

	require.NoError(t, m.UpdateObject(ctx, 1, models.GeometryPoints, true))
	assert.False(t, m.Store().ReadOnly())

	again := openModel(t, path)
	assert.Equal(t, []float32{7, 7, 7}, currentPoints(t, again))
	got, _ := again.Object(1)
	assert.Equal(t, 0.5, got.Properties.Float("opacity", 0))
}

func TestModel_DeleteGeometry(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "run.gldb")
	w := newWriter(t, path)
	putStep(t, w, 0, vertices(3, 0))
	putStep(t, w, 1, vertices(3, 1))

	m := openModel(t, path)
	require.NoError(t, m.DeleteGeometry(ctx, models.GeometryPoints, 1))
	assert.Empty(t, m.GetRenderer(models.GeometryPoints).Containers)

	recs, err := m.Store().CollectGeometry(ctx, store.RecordFilter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 1, recs[0].Step)
}

func TestModel_ColourMaps(t *testing.T) {
	m := newWriter(t, filepath.Join(t.TempDir(), "run.gldb"))
	cm := m.AddColourMap("", "red blue", nil)
	assert.Equal(t, "colourmap_1", cm.Name)

	require.NoError(t, m.UpdateColourMap(cm.ID, "", models.Properties{"log": true}))
	got, ok := m.ColourMap(cm.ID)
	require.True(t, ok)
	assert.Equal(t, "red blue", got.Colours)
	assert.True(t, got.Properties.Bool("log", false))

	assert.ErrorIs(t, m.UpdateColourMap(99, "x", nil), store.ErrNotFound)
}

func TestModel_Renderers(t *testing.T) {
	m := newWriter(t, filepath.Join(t.TempDir(), "run.gldb"))

	g, err := m.GetRendererByName("triangle")
	require.NoError(t, err)
	assert.Equal(t, models.GeometryTriangles, g.Type)

	g, err = m.CreateRenderer("volume")
	require.NoError(t, err)
	assert.Same(t, m.GetRenderer(models.GeometryVolume), g)

	_, err = m.CreateRenderer("teapot")
	assert.Error(t, err)
}

// ==================== Export Tests ====================

func TestModel_WriteDatabase(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "run.gldb")
	w := newWriter(t, path)
	w.AddFigure("overview", `{"objects":[]}`)
	require.NoError(t, w.WriteStateTo(ctx, w.Store()))
	for step := 0; step < 3; step++ {
		putStep(t, w, step, vertices(12, float32(step)))
	}

	m := openModel(t, path, WithDelta(true), WithCache(cache.New(4)))
	require.NoError(t, m.SetTimeStep(ctx, 1))

	outPath := filepath.Join(dir, "export.gldb")
	require.NoError(t, m.WriteDatabase(ctx, outPath, 0, true))
	assert.Equal(t, 1, m.Now())

	exported := openModel(t, outPath)
	require.Len(t, exported.Timesteps(), 3)
	assert.Equal(t, []string{"overview"}, exported.Figures())
	for idx := 0; idx < 3; idx++ {
		require.NoError(t, exported.SetTimeStep(ctx, idx))
		assert.Equal(t, vertices(12, float32(idx)), currentPoints(t, exported))
	}
}

func TestModel_BackupTo(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "run.gldb")
	w := newWriter(t, path)
	putStep(t, w, 0, vertices(6, 0))
	putStep(t, w, 3, vertices(6, 3))

	m := openModel(t, path)
	copyPath := filepath.Join(dir, "copy.gldb")
	require.NoError(t, m.BackupTo(ctx, copyPath))

	b := openModel(t, copyPath)
	require.Len(t, b.Timesteps(), 2)
	require.NoError(t, b.SetTimeStep(ctx, 1))
	assert.Equal(t, vertices(6, 3), currentPoints(t, b))
}

// ==================== Merge Tests ====================

func TestModel_MergeFrom(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	x := newWriter(t, filepath.Join(dir, "x.gldb"))
	for step := 0; step <= 2; step++ {
		putStep(t, x, step, vertices(4, float32(100+step)))
	}
	yPath := filepath.Join(dir, "y.gldb")
	y := newWriter(t, yPath)
	for step := 1; step <= 3; step++ {
		putStep(t, y, step, vertices(4, float32(200+step)))
	}

	m := openModel(t, yPath)
	stats, err := m.MergeFrom(ctx, filepath.Join(dir, "x.gldb"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Records)
	assert.Equal(t, int64(2), stats.Replaced)

	var steps []int
	for _, ts := range m.Timesteps() {
		steps = append(steps, ts.Step)
	}
	assert.Equal(t, []int{0, 1, 2, 3}, steps)

	want := map[int]float32{0: 100, 1: 101, 2: 102, 3: 203}
	for idx, ts := range m.Timesteps() {
		require.NoError(t, m.SetTimeStep(ctx, idx))
		assert.Equal(t, vertices(4, want[ts.Step]), currentPoints(t, m), "step %d", ts.Step)
	}
}

func TestModel_MergeDatabases(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	// Each companion store holds one step written as step 0
	for _, step := range []int{1, 2} {
		c := newWriter(t, filepath.Join(dir, fmt.Sprintf("run%d.gldb", step)))
		putStep(t, c, 0, vertices(5, float32(step)))
	}
	mainPath := filepath.Join(dir, "run.gldb")
	newWriter(t, mainPath)

	st, err := store.Open(mainPath, store.WithSilent(true))
	require.NoError(t, err)
	m, err := New(st)
	require.NoError(t, err)
	defer m.Close()

	n, err := m.LoadTimeSteps(ctx, true)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	assert.Equal(t, filepath.Join(dir, "run1.gldb"), m.Timesteps()[0].Path)

	require.NoError(t, m.SetTimeStep(ctx, 0))
	assert.Equal(t, vertices(5, 1), currentPoints(t, m))

	stats, err := m.MergeDatabases(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Records)
	for _, ts := range m.Timesteps() {
		assert.Empty(t, ts.Path)
	}

	merged := openModel(t, mainPath)
	require.Len(t, merged.Timesteps(), 2)
	require.NoError(t, merged.SetTimeStep(ctx, 1))
	step, _ := merged.Step()
	assert.Equal(t, 2, step)
	assert.Equal(t, vertices(5, 2), currentPoints(t, merged))
}

func TestModel_MergeRebasesDependentDeltas(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	xPath := filepath.Join(dir, "x.gldb")
	x := newWriter(t, xPath)
	for step := 0; step <= 2; step++ {
		putStep(t, x, step, vertices(8, float32(100+step)))
	}

	// Step 3 of y only stores its difference from step 2
	y1 := vertices(8, 10)
	y2 := append([]float32(nil), y1...)
	y2[4] = 55
	y3 := append([]float32(nil), y2...)
	y3[0] = 999
	yPath := filepath.Join(dir, "y.gldb")
	y := newWriter(t, yPath, WithDelta(true))
	putStep(t, y, 1, y1)
	putStep(t, y, 2, y2)
	putStep(t, y, 3, y3)

	key := store.RecordKey{Step: 3, ObjectID: 1, Type: models.GeometryPoints, DataType: models.DataVertices}
	rec, err := y.Store().GetGeometryRecord(ctx, key)
	require.NoError(t, err)
	require.True(t, rec.Delta())

	m := openModel(t, yPath)
	stats, err := m.MergeFrom(ctx, xPath)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Rebased)

	rec, err = m.Store().GetGeometryRecord(ctx, key)
	require.NoError(t, err)
	assert.False(t, rec.Delta())

	merged := openModel(t, yPath)
	require.NoError(t, merged.SetTimeStep(ctx, merged.NearestTimeStep(3)))
	assert.Equal(t, y3, currentPoints(t, merged))
	require.NoError(t, merged.SetTimeStep(ctx, merged.NearestTimeStep(2)))
	assert.Equal(t, vertices(8, 102), currentPoints(t, merged))
}

func TestModel_RewriteKeepsDependentSteps(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "run.gldb")
	w := newWriter(t, path, WithDelta(true))

	step0 := vertices(8, 0)
	step1 := append([]float32(nil), step0...)
	step1[2] = 40
	step2 := append([]float32(nil), step1...)
	step2[7] = -3
	putStep(t, w, 0, step0)
	putStep(t, w, 1, step1)
	putStep(t, w, 2, step2)

	// Step 2 is a delta on step 1, which is now written again with new values
	putStep(t, w, 1, vertices(8, 70))

	rec, err := w.Store().GetGeometryRecord(ctx, store.RecordKey{Step: 2, ObjectID: 1,
		Type: models.GeometryPoints, DataType: models.DataVertices})
	require.NoError(t, err)
	assert.False(t, rec.Delta())

	m := openModel(t, path)
	require.NoError(t, m.SetTimeStep(ctx, 1))
	assert.Equal(t, vertices(8, 70), currentPoints(t, m))
	require.NoError(t, m.SetTimeStep(ctx, 2))
	assert.Equal(t, step2, currentPoints(t, m))
}

func TestModel_DeleteGeometryRebasesDependents(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "run.gldb")
	w := newWriter(t, path, WithDelta(true))

	step0 := vertices(8, 0)
	step1 := append([]float32(nil), step0...)
	step1[5] = 12
	putStep(t, w, 0, step0)
	putStep(t, w, 1, step1)

	m := openModel(t, path)
	require.NoError(t, m.DeleteGeometry(ctx, models.GeometryPoints, 1))

	cold := openModel(t, path)
	require.NoError(t, cold.SetTimeStep(ctx, 1))
	assert.Equal(t, step1, currentPoints(t, cold))
}

func TestModel_CompanionDeltasResolveInCompanion(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	// The companion holds a baseline and a delta on it; the main store has
	// neither step
	first := vertices(8, 5)
	second := append([]float32(nil), first...)
	second[1] = 33
	c := newWriter(t, filepath.Join(dir, "run3.gldb"), WithDelta(true))
	putStep(t, c, 0, first)
	putStep(t, c, 1, second)
	rec, err := c.Store().GetGeometryRecord(ctx, store.RecordKey{Step: 1, ObjectID: 1,
		Type: models.GeometryPoints, DataType: models.DataVertices})
	require.NoError(t, err)
	require.True(t, rec.Delta())

	mainPath := filepath.Join(dir, "run.gldb")
	newWriter(t, mainPath)
	st, err := store.Open(mainPath, store.WithSilent(true))
	require.NoError(t, err)
	m, err := New(st)
	require.NoError(t, err)
	defer m.Close()

	n, err := m.LoadTimeSteps(ctx, true)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, m.SetTimeStep(ctx, 0))
	assert.Equal(t, second, currentPoints(t, m))

	stats, err := m.MergeDatabases(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Rebased)

	merged := openModel(t, mainPath)
	require.Len(t, merged.Timesteps(), 1)
	assert.Equal(t, second, currentPoints(t, merged))
}

func TestCheckFileStep(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "out")
	newWriter(t, base+"00042.gldb")

	assert.Equal(t, base+"00042.gldb", CheckFileStep(42, base, 1))
	assert.Empty(t, CheckFileStep(41, base, 1))
	assert.Equal(t, filepath.Join(dir, "out"), companionBase(filepath.Join(dir, "out0007.gldb")))
}

// ==================== State Tests ====================

func TestModel_JSONRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.gldb")
	w := newWriter(t, path)
	cm := w.AddColourMap("heat", "black red yellow", nil)
	obj, _ := w.Object(1)
	obj.ColourMap = cm.ID
	putStep(t, w, 0, []float32{1, 2, 3})

	doc, err := w.JSONWrite(true)
	require.NoError(t, err)

	r := newWriter(t, filepath.Join(t.TempDir(), "other.gldb"))
	r.AddStep(0)
	r.state.Now = 0
	require.NoError(t, r.JSONRead(doc))

	got, ok := r.Object(1)
	require.True(t, ok)
	assert.Equal(t, cm.ID, got.ColourMap)
	_, ok = r.ColourMap(cm.ID)
	assert.True(t, ok)
	assert.Equal(t, []float32{1, 2, 3}, currentPoints(t, r))

	assert.Error(t, r.JSONRead("{"))
}

func TestModel_Figures(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "run.gldb")
	w := newWriter(t, path)
	putStep(t, w, 0, vertices(2, 0))

	m := openModel(t, path)
	assert.Equal(t, -1, m.Figure())
	require.NoError(t, m.StoreFigure())
	assert.Equal(t, []string{"fig0"}, m.Figures())
	assert.Equal(t, 1, m.AddFigure("detail", ""))
	assert.Equal(t, 1, m.AddFigure("detail", ""))

	require.NoError(t, m.WriteState(ctx))
	assert.False(t, m.Store().ReadOnly())

	again := openModel(t, path)
	assert.Equal(t, []string{"fig0", "detail"}, again.Figures())
	require.NoError(t, again.LoadFigure(1))
	assert.ErrorIs(t, again.LoadFigure(5), store.ErrNotFound)

	f, err := again.Store().GetFigure(ctx, "detail")
	require.NoError(t, err)
	assert.Contains(t, f.State, `"objects"`)
}
