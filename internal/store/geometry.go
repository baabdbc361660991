package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/kilupskalvis/stepstore/internal/models"
)

// ErrOrphanDeltas is returned when replacing geometry would leave delta
// records without their baseline and no Rebaser was supplied
var ErrOrphanDeltas = errors.New("delta records depend on replaced geometry")

// Rebaser rewrites delta records of st as full records. Writers call it
// inside their transaction, before the baselines of recs change.
type Rebaser func(ctx context.Context, st *Store, recs []*GeometryRecord) error

// GeometryRecord is one row of the geometry table: a single encoded data
// block of one object at one step. Delta rows carry the step of their
// baseline and the encoded index of the items they replace.
type GeometryRecord struct {
	ID         int64
	ObjectID   models.ObjectID
	Step       int
	Type       models.GeometryType
	DataType   models.DataType
	Label      string
	Count      int // elements in the reconstructed block
	Width      int
	Compressed bool
	BaseStep   *int
	DeltaIndex []byte
	Bounds     *models.BoundingBox
	Data       []byte
}

// Delta reports whether the record must be applied over a baseline
func (r *GeometryRecord) Delta() bool { return r.BaseStep != nil }

// Key returns the record's unique identity
func (r *GeometryRecord) Key() RecordKey {
	return RecordKey{Step: r.Step, ObjectID: r.ObjectID, Type: r.Type, DataType: r.DataType, Label: r.Label}
}

// RecordKey identifies one geometry row
type RecordKey struct {
	Step     int
	ObjectID models.ObjectID
	Type     models.GeometryType
	DataType models.DataType
	Label    string
}

func (k RecordKey) String() string {
	return fmt.Sprintf("%s/%s object=%d step=%d label=%q", k.Type, k.DataType, k.ObjectID, k.Step, k.Label)
}

// StepRange is an inclusive range of steps
type StepRange struct {
	From, To int
}

// Steps builds an inclusive step range
func Steps(from, to int) *StepRange { return &StepRange{From: from, To: to} }

// OneStep builds a range matching a single step
func OneStep(step int) *StepRange { return &StepRange{From: step, To: step} }

// RecordFilter narrows a geometry selection. The zero value matches every row.
type RecordFilter struct {
	Object models.ObjectID // 0 matches every object
	Type   *models.GeometryType
	Steps  *StepRange // nil matches every step, fixed included
}

func (f RecordFilter) where() (string, []any) {
	var conds []string
	var args []any
	if f.Object != 0 {
		conds = append(conds, "object_id = ?")
		args = append(args, f.Object)
	}
	if f.Type != nil {
		conds = append(conds, "type = ?")
		args = append(args, *f.Type)
	}
	if f.Steps != nil {
		conds = append(conds, "timestep BETWEEN ? AND ?")
		args = append(args, f.Steps.From, f.Steps.To)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// geometryColumns returns the select list, substituting constants for the
// columns a legacy table lacks
func (s *Store) geometryColumns() string {
	label, base, index := "label", "base_step", "delta_index"
	if s.legacy {
		label, base, index = "''", "NULL", "NULL"
	}
	return "id, object_id, timestep, type, data_type, " + label + ", count, width, compressed, " +
		base + ", " + index + ", minX, minY, minZ, maxX, maxY, maxZ, data"
}

// InsertGeometry writes a record, replacing any row with the same key
func (s *Store) InsertGeometry(ctx context.Context, r *GeometryRecord) error {
	var base sql.NullInt64
	if r.BaseStep != nil {
		base = sql.NullInt64{Int64: int64(*r.BaseStep), Valid: true}
	}
	var bounds [6]sql.NullFloat64
	if r.Bounds != nil && !r.Bounds.Empty() {
		for i := 0; i < 3; i++ {
			bounds[i] = sql.NullFloat64{Float64: float64(r.Bounds.Min[i]), Valid: true}
			bounds[i+3] = sql.NullFloat64{Float64: float64(r.Bounds.Max[i]), Valid: true}
		}
	}
	width := r.Width
	if width == 0 {
		width = r.DataType.Width()
	}

	res, err := s.Exec(ctx, Q(`
		INSERT INTO geometry (object_id, timestep, type, data_type, label, count, width, compressed,
			base_step, delta_index, minX, minY, minZ, maxX, maxY, maxZ, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(timestep, object_id, type, data_type, label) DO UPDATE SET
			count = excluded.count,
			width = excluded.width,
			compressed = excluded.compressed,
			base_step = excluded.base_step,
			delta_index = excluded.delta_index,
			minX = excluded.minX, minY = excluded.minY, minZ = excluded.minZ,
			maxX = excluded.maxX, maxY = excluded.maxY, maxZ = excluded.maxZ,
			data = excluded.data`,
		r.ObjectID, r.Step, r.Type, r.DataType, r.Label, r.Count, width, r.Compressed,
		base, r.DeltaIndex,
		bounds[0], bounds[1], bounds[2], bounds[3], bounds[4], bounds[5],
		r.Data))
	if err != nil {
		return fmt.Errorf("insert geometry %s: %w", r.Key(), err)
	}
	if id, err := res.LastInsertId(); err == nil {
		r.ID = id
	}
	return nil
}

// DeleteGeometry removes the rows of one type for an object at one step.
// An object of 0 matches every object.
func (s *Store) DeleteGeometry(ctx context.Context, gt models.GeometryType, obj models.ObjectID, step int) error {
	where, args := RecordFilter{Object: obj, Type: &gt, Steps: OneStep(step)}.where()
	return s.Issue(ctx, Q("DELETE FROM geometry"+where, args...))
}

// SelectGeometry opens a cursor over the matching records ordered by step,
// object, type and data type. Baselines therefore precede the deltas built
// on them. The store must not be queried again until the cursor is closed.
func (s *Store) SelectGeometry(ctx context.Context, f RecordFilter) (*RecordCursor, error) {
	if !s.tableExists(ctx, "", "geometry") {
		return &RecordCursor{}, nil
	}
	where, args := f.where()
	rows, err := s.Select(ctx, Q("SELECT "+s.geometryColumns()+" FROM geometry"+where+
		" ORDER BY timestep, object_id, type, data_type, id", args...))
	if err != nil {
		return nil, err
	}
	return &RecordCursor{rows: rows, store: s}, nil
}

// CollectGeometry reads every matching record into memory
func (s *Store) CollectGeometry(ctx context.Context, f RecordFilter) ([]*GeometryRecord, error) {
	cur, err := s.SelectGeometry(ctx, f)
	if err != nil {
		return nil, err
	}
	defer cur.Close()

	var out []*GeometryRecord
	for cur.Next() {
		out = append(out, cur.Record())
	}
	return out, cur.Err()
}

// DependentDeltas returns the delta records of one object (0 for every
// object) and geometry type whose baseline is at step. Deltas at step itself
// are left out since they are replaced along with it.
func (s *Store) DependentDeltas(ctx context.Context, gt models.GeometryType, obj models.ObjectID, step int) ([]*GeometryRecord, error) {
	if s.legacy || !s.tableExists(ctx, "", "geometry") {
		return nil, nil
	}
	where := "base_step = ? AND timestep <> ? AND type = ?"
	args := []any{step, step, gt}
	if obj != 0 {
		where += " AND object_id = ?"
		args = append(args, obj)
	}
	return s.collect(ctx, Q("SELECT "+s.geometryColumns()+" FROM geometry WHERE "+where+
		" ORDER BY timestep, object_id, id", args...))
}

// collect reads every record a query returns. The rows are closed before
// returning so the caller may write to the store.
func (s *Store) collect(ctx context.Context, q Query) ([]*GeometryRecord, error) {
	rows, err := s.Select(ctx, q)
	if err != nil {
		return nil, err
	}
	cur := &RecordCursor{rows: rows, store: s}
	defer cur.Close()

	var out []*GeometryRecord
	for cur.Next() {
		out = append(out, cur.Record())
	}
	return out, cur.Err()
}

// GetGeometryRecord returns the record with the given key, or ErrNotFound
func (s *Store) GetGeometryRecord(ctx context.Context, k RecordKey) (*GeometryRecord, error) {
	label := "label = ?"
	args := []any{k.Step, k.ObjectID, k.Type, k.DataType, k.Label}
	if s.legacy {
		label = "? = ''"
	}
	rows, err := s.Select(ctx, Q("SELECT "+s.geometryColumns()+` FROM geometry
		WHERE timestep = ? AND object_id = ? AND type = ? AND data_type = ? AND `+label, args...))
	if err != nil {
		return nil, err
	}
	cur := &RecordCursor{rows: rows, store: s}
	defer cur.Close()

	if !cur.Next() {
		if err := cur.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("geometry %s: %w", k, ErrNotFound)
	}
	return cur.Record(), nil
}

// RecordCursor iterates geometry records
type RecordCursor struct {
	rows  *sql.Rows
	store *Store
	rec   *GeometryRecord
	err   error
}

// Next advances to the next record
func (c *RecordCursor) Next() bool {
	if c.rows == nil || c.err != nil {
		return false
	}
	if !c.rows.Next() {
		c.err = c.rows.Err()
		return false
	}
	rec, err := scanGeometry(c.rows)
	if err != nil {
		c.err = c.store.fail("scan", "geometry", err)
		return false
	}
	c.rec = rec
	return true
}

// Record returns the current record
func (c *RecordCursor) Record() *GeometryRecord { return c.rec }

// Err returns the first error met while iterating
func (c *RecordCursor) Err() error { return c.err }

// Close releases the underlying rows
func (c *RecordCursor) Close() error {
	if c.rows == nil {
		return nil
	}
	err := c.rows.Close()
	c.rows = nil
	return err
}

func scanGeometry(rows *sql.Rows) (*GeometryRecord, error) {
	var r GeometryRecord
	var base sql.NullInt64
	var width sql.NullInt64
	var compressed sql.NullBool
	var gt, dt int64
	var b [6]sql.NullFloat64
	if err := rows.Scan(&r.ID, &r.ObjectID, &r.Step, &gt, &dt, &r.Label, &r.Count,
		&width, &compressed, &base, &r.DeltaIndex,
		&b[0], &b[1], &b[2], &b[3], &b[4], &b[5], &r.Data); err != nil {
		return nil, err
	}
	// Out-of-range tags load as invalid types so readers skip the row
	r.Type = models.GeometryType(clampTag(gt))
	r.DataType = models.DataType(clampTag(dt))
	r.Width = int(width.Int64)
	if r.Width == 0 && r.DataType.Valid() {
		r.Width = r.DataType.Width()
	}
	r.Compressed = compressed.Bool
	if base.Valid {
		step := int(base.Int64)
		r.BaseStep = &step
	}
	if b[0].Valid && b[3].Valid {
		r.Bounds = &models.BoundingBox{
			Min: [3]float32{float32(b[0].Float64), float32(b[1].Float64), float32(b[2].Float64)},
			Max: [3]float32{float32(b[3].Float64), float32(b[4].Float64), float32(b[5].Float64)},
		}
	}
	return &r, nil
}

func clampTag(v int64) uint8 {
	if v < 0 || v > math.MaxUint8 {
		return math.MaxUint8
	}
	return uint8(v)
}

// RecordStats summarizes the geometry table
type RecordStats struct {
	Records    int
	Compressed int
	Deltas     int
	Steps      int
	Objects    int
	DataBytes  int64
}

// GeometryStats counts geometry rows and their payload size
func (s *Store) GeometryStats(ctx context.Context) (RecordStats, error) {
	var st RecordStats
	if !s.tableExists(ctx, "", "geometry") {
		return st, nil
	}
	deltas := "COUNT(base_step)"
	if s.legacy {
		deltas = "0"
	}
	err := s.selectRow(ctx, Q(`
		SELECT COUNT(*), COALESCE(SUM(compressed != 0), 0), `+deltas+`,
			COUNT(DISTINCT timestep), COUNT(DISTINCT object_id), COALESCE(SUM(LENGTH(data)), 0)
		FROM geometry`), &st.Records, &st.Compressed, &st.Deltas, &st.Steps, &st.Objects, &st.DataBytes)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return st, err
	}
	return st, nil
}
