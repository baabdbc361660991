package model

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kilupskalvis/stepstore/internal/models"
	"github.com/kilupskalvis/stepstore/internal/store"
)

// StoreExt is the file extension of store files
const StoreExt = ".gldb"

// LoadTimeSteps replaces the timestep sequence from the store's timestep
// table, falling back to the steps referenced by geometry rows. In scan
// mode, a store without step metadata is supplemented with companion files
// named <base><step>.gldb beside it, and timesteps without a path are matched
// to such files. Returns the number of timesteps.
func (m *Model) LoadTimeSteps(ctx context.Context, scan bool) (int, error) {
	ts, err := m.store.ListTimesteps(ctx)
	if err != nil {
		return 0, fmt.Errorf("load timesteps: %w", err)
	}
	if len(ts) == 0 {
		steps, err := m.store.DistinctGeometrySteps(ctx)
		if err != nil {
			return 0, fmt.Errorf("load timesteps: %w", err)
		}
		for _, s := range steps {
			ts = ts.Insert(models.Timestep{Step: s, Time: float64(s)})
		}
	}

	if scan && !m.store.Memory() {
		base := companionBase(m.store.Path())
		if len(ts) == 0 {
			ts = scanCompanions(base)
		}
		for i := range ts {
			if ts[i].Path == "" {
				ts[i].Path = CheckFileStep(ts[i].Step, base, 1)
			}
		}
	}

	m.ClearTimeSteps()
	m.state.Timesteps = ts
	m.logger.Debug("loaded timesteps", "count", len(ts), "scan", scan)
	return len(ts), nil
}

// companionBase strips the extension and any trailing step digits from a
// store path, so run00010.gldb gives run
func companionBase(path string) string {
	base := strings.TrimSuffix(path, filepath.Ext(path))
	return strings.TrimRight(base, "0123456789")
}

// scanCompanions finds <base><digits>.gldb files and returns one timestep each
func scanCompanions(base string) models.Timesteps {
	matches, err := filepath.Glob(base + "*" + StoreExt)
	if err != nil {
		return nil
	}
	var ts models.Timesteps
	for _, path := range matches {
		digits := strings.TrimSuffix(strings.TrimPrefix(path, base), StoreExt)
		step, err := strconv.Atoi(digits)
		if err != nil || step < 0 {
			continue
		}
		ts = ts.Insert(models.Timestep{Step: step, Time: float64(step), Path: path})
	}
	return ts
}

// CheckFileStep looks for a companion store of the given step named
// <base><step>.gldb, trying zero-padded step widths from minWidth up to 10
// digits. Returns the path found, or "".
func CheckFileStep(step int, base string, minWidth int) string {
	if minWidth < 1 {
		minWidth = 1
	}
	for width := minWidth; width <= 10; width++ {
		path := fmt.Sprintf("%s%0*d%s", base, width, step, StoreExt)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}

// AddTimeStep adds or replaces a timestep
func (m *Model) AddTimeStep(step int, time float64, path string) {
	m.state.Timesteps = m.state.Timesteps.Insert(models.Timestep{Step: step, Time: time, Path: path})
}

// AddStep adds a timestep whose time is its step number
func (m *Model) AddStep(step int) {
	m.AddTimeStep(step, float64(step), "")
}

// ClearTimeSteps drops the timestep sequence, the cache and the current
// and previous geometry
func (m *Model) ClearTimeSteps() {
	m.cache.Purge()
	m.state.Timesteps = nil
	m.state.Now = -1
	m.state.Geometry = models.NewGeometrySet()
	m.state.OldData = models.NewGeometrySet()
	m.state.Bounds = nil
}

// Timesteps returns the ordered timestep sequence
func (m *Model) Timesteps() models.Timesteps { return m.state.Timesteps }

// HasTimeStep reports whether a timestep with exactly this step exists
func (m *Model) HasTimeStep(step int) bool {
	return m.state.Timesteps.Index(step) >= 0
}

// NearestTimeStep returns the index of the largest step not exceeding
// requested, index 0 when requested is below every step, or -1 when there
// are no timesteps
func (m *Model) NearestTimeStep(requested int) int {
	return m.state.Timesteps.Nearest(requested)
}

// Now returns the current timestep index, -1 when none is selected
func (m *Model) Now() int { return m.state.Now }

// Step returns the current step number
func (m *Model) Step() (int, bool) {
	now := m.state.Now
	if now < 0 || now >= len(m.state.Timesteps) {
		return 0, false
	}
	return m.state.Timesteps[now].Step, true
}

// LastStep returns the highest step number
func (m *Model) LastStep() (int, bool) {
	if len(m.state.Timesteps) == 0 {
		return 0, false
	}
	return m.state.Timesteps[len(m.state.Timesteps)-1].Step, true
}

// SetTimeStep selects the timestep at idx. The outgoing geometry is cached
// and kept as the previous buffer; the incoming geometry is restored from
// the cache when resident, otherwise loaded from the store. Selecting the
// current index does nothing.
func (m *Model) SetTimeStep(ctx context.Context, idx int) error {
	if idx < 0 || idx >= len(m.state.Timesteps) {
		return fmt.Errorf("%w: index %d of %d", ErrNoTimestep, idx, len(m.state.Timesteps))
	}
	if idx == m.state.Now {
		return nil
	}

	prevNow, prevGeom, prevOld := m.state.Now, m.state.Geometry, m.state.OldData
	if prevNow >= 0 {
		m.cache.Store(prevNow, idx, prevGeom)
	}
	m.state.OldData = prevGeom

	if restored, ok := m.cache.Restore(idx); ok {
		m.state.Geometry = restored
		m.logger.Debug("restored timestep from cache", "index", idx)
	} else {
		m.state.Geometry = models.NewGeometrySet()
		if _, err := m.loadStep(ctx, idx); err != nil {
			m.state.Geometry, m.state.OldData = prevGeom, prevOld
			return err
		}
		m.cache.Store(idx, idx, m.state.Geometry)
	}

	m.state.Now = idx
	m.state.Bounds = nil
	return m.inFixed()
}

// CacheStep caches the current geometry under the current index
func (m *Model) CacheStep() {
	if m.state.Now >= 0 {
		m.cache.Store(m.state.Now, m.state.Now, m.state.Geometry)
	}
}

// ClearStep drops the current geometry and its cache entry
func (m *Model) ClearStep() {
	if m.state.Now >= 0 {
		m.cache.Clear(m.state.Now)
	}
	m.state.Geometry = models.NewGeometrySet()
	m.state.Bounds = nil
}

// loadStep reads one timestep's geometry into the current buffer, from
// the companion store when the timestep has one
func (m *Model) loadStep(ctx context.Context, idx int) (int, error) {
	ts := m.state.Timesteps[idx]
	if ts.Path == "" || ts.Path == m.store.Path() {
		return m.LoadGeometry(ctx, 0, ts.Step, ts.Step)
	}

	comp, err := store.Open(ts.Path, store.WithSilent(m.store.Silent()), store.WithLogger(m.logger))
	if err != nil {
		return 0, fmt.Errorf("timestep %d: %w", ts.Step, err)
	}
	defer comp.Close()

	// Companion stores hold a single step. Deltas resolve against the
	// companion's own steps before the records are rebound.
	recs, err := comp.CollectGeometry(ctx, store.RecordFilter{Steps: store.Steps(0, int(^uint(0)>>1))})
	if err != nil {
		return 0, fmt.Errorf("timestep %d: %w", ts.Step, err)
	}
	step := ts.Step
	return m.decodeRecords(ctx, recs, decodeOpts{src: comp, rebind: &step})
}

// CacheLoad reads the geometry of every timestep in one query and places
// each step in the cache. Does nothing when caching is disabled.
func (m *Model) CacheLoad(ctx context.Context) (int, error) {
	if !m.UseCache() || len(m.state.Timesteps) == 0 {
		return 0, nil
	}
	first := m.state.Timesteps[0].Step
	last := m.state.Timesteps[len(m.state.Timesteps)-1].Step
	recs, err := m.store.CollectGeometry(ctx, store.RecordFilter{Steps: store.Steps(first, last)})
	if err != nil {
		return 0, fmt.Errorf("cache load: %w", err)
	}
	return m.decodeRecords(ctx, recs, decodeOpts{toCache: true})
}
