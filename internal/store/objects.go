package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/kilupskalvis/stepstore/internal/models"
)

// ListObjects returns every drawing object ordered by id
func (s *Store) ListObjects(ctx context.Context) ([]*models.DrawingObject, error) {
	if !s.tableExists(ctx, "", "object") {
		return nil, nil
	}
	rows, err := s.Select(ctx, Q("SELECT id, name, colourmap_id, properties FROM object ORDER BY id"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.DrawingObject
	for rows.Next() {
		var obj models.DrawingObject
		var cmap sql.NullInt64
		var props sql.NullString
		if err := rows.Scan(&obj.ID, &obj.Name, &cmap, &props); err != nil {
			return nil, s.fail("scan", "object", err)
		}
		obj.ColourMap = models.ColourMapID(cmap.Int64)
		if obj.Properties, err = decodeProperties(props); err != nil {
			return nil, fmt.Errorf("object %d: %w", obj.ID, err)
		}
		out = append(out, &obj)
	}
	return out, rows.Err()
}

// PutObject inserts or replaces a drawing object
func (s *Store) PutObject(ctx context.Context, obj *models.DrawingObject) error {
	props, err := encodeProperties(obj.Properties)
	if err != nil {
		return fmt.Errorf("object %d: %w", obj.ID, err)
	}
	return s.Issue(ctx, Q(`
		INSERT INTO object (id, name, colourmap_id, properties) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			colourmap_id = excluded.colourmap_id,
			properties = excluded.properties`,
		obj.ID, obj.Name, sql.NullInt64{Int64: int64(obj.ColourMap), Valid: obj.ColourMap != 0}, props))
}

// DeleteObject removes an object and every geometry record it owns
func (s *Store) DeleteObject(ctx context.Context, id models.ObjectID) error {
	if err := s.Issue(ctx, Q("DELETE FROM geometry WHERE object_id = ?", id)); err != nil {
		return err
	}
	return s.Issue(ctx, Q("DELETE FROM object WHERE id = ?", id))
}

// ListColourMaps returns every colour map ordered by id
func (s *Store) ListColourMaps(ctx context.Context) ([]*models.ColourMap, error) {
	if !s.tableExists(ctx, "", "colourmap") {
		return nil, nil
	}
	rows, err := s.Select(ctx, Q("SELECT id, name, colours, properties FROM colourmap ORDER BY id"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ColourMap
	for rows.Next() {
		var cm models.ColourMap
		var colours, props sql.NullString
		if err := rows.Scan(&cm.ID, &cm.Name, &colours, &props); err != nil {
			return nil, s.fail("scan", "colourmap", err)
		}
		cm.Colours = colours.String
		if cm.Properties, err = decodeProperties(props); err != nil {
			return nil, fmt.Errorf("colourmap %d: %w", cm.ID, err)
		}
		out = append(out, &cm)
	}
	return out, rows.Err()
}

// PutColourMap inserts or replaces a colour map
func (s *Store) PutColourMap(ctx context.Context, cm *models.ColourMap) error {
	props, err := encodeProperties(cm.Properties)
	if err != nil {
		return fmt.Errorf("colourmap %d: %w", cm.ID, err)
	}
	return s.Issue(ctx, Q(`
		INSERT INTO colourmap (id, name, colours, properties) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			colours = excluded.colours,
			properties = excluded.properties`,
		cm.ID, cm.Name, cm.Colours, props))
}

func encodeProperties(p models.Properties) (sql.NullString, error) {
	if len(p) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode properties: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeProperties(v sql.NullString) (models.Properties, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	var p models.Properties
	if err := json.Unmarshal([]byte(v.String), &p); err != nil {
		return nil, fmt.Errorf("decode properties: %w", err)
	}
	return p, nil
}
