package gft

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/paulmach/orb"

	"github.com/geosky/gft/pkg/transport"
)

// Layer is a table of the service exposed as a vector layer. Schema access is safe for concurrent
// use, reading (NextFeature, ResetReading and filters) works on a single cursor and is not.
type Layer struct {
	exec     Executor
	schemas  *SchemaManager
	writer   *Writer
	update   bool
	pageSize int

	table TableHandle

	mu     sync.RWMutex
	schema *Schema

	filter Filter
	cursor *Cursor
}

func newLayer(exec Executor, table TableHandle, schema *Schema, update bool, pageSize int) *Layer {
	res := &Layer{
		exec:     exec,
		schemas:  NewSchemaManager(exec),
		writer:   NewWriter(exec),
		update:   update,
		pageSize: pageSize,
		table:    table,
		schema:   schema,
	}
	res.cursor = NewCursor(exec, table, schema, Filter{}, pageSize)
	return res
}

// Name returns layer name.
func (l *Layer) Name() string { return l.table.Name }

// Table returns handle of the underlying table.
func (l *Layer) Table() TableHandle { return l.table }

// Schema returns the current schema.
func (l *Layer) Schema() *Schema {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.schema
}

// Filter returns the current filter.
func (l *Layer) Filter() Filter { return l.filter }

// CreateField declares a new column. The schema is re-read from the service and replaces the cached one.
func (l *Layer) CreateField(ctx context.Context, name string, t FieldType) error {
	if !l.update {
		return ErrReadOnly
	}
	l.mu.Lock()
	schema, err := l.schemas.DeclareColumn(ctx, l.table, l.schema, name, t)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	l.schema = schema
	l.mu.Unlock()
	l.ResetReading()
	return nil
}

// CreateFeature inserts feature and sets its RowID to the one assigned by the service.
func (l *Layer) CreateFeature(ctx context.Context, f *Feature) (RowID, error) {
	if !l.update {
		return "", ErrReadOnly
	}
	id, err := l.writer.Insert(ctx, l.table, l.Schema(), f)
	if err != nil {
		return "", err
	}
	f.RowID = id
	l.ResetReading()
	return id, nil
}

// SetFeature replaces all values of the row referenced by f.RowID.
func (l *Layer) SetFeature(ctx context.Context, f *Feature) error {
	if !l.update {
		return ErrReadOnly
	}
	if f.RowID == "" {
		return &WriteError{Kind: RowNotFound, Op: "update", Table: l.table.Name}
	}
	return l.writer.Update(ctx, l.table, l.Schema(), f.RowID, f)
}

// GetFeature reads feature by row id, filters are not applied and reading position is not changed.
func (l *Layer) GetFeature(ctx context.Context, id RowID) (*Feature, error) {
	return l.cursor.FetchByRowID(ctx, id)
}

// NextFeature returns the next feature matching filters or ErrEndOfSequence.
func (l *Layer) NextFeature(ctx context.Context) (*Feature, error) {
	return l.cursor.Next(ctx)
}

// ResetReading restarts reading from the first feature.
func (l *Layer) ResetReading() {
	l.cursor = NewCursor(l.exec, l.table, l.Schema(), l.filter, l.pageSize)
	l.cursor.Reset()
}

// SetSpatialFilterRect limits features to ones intersecting the rectangle and resets reading.
func (l *Layer) SetSpatialFilterRect(minX, minY, maxX, maxY float64) {
	r := NewRect(minX, minY, maxX, maxY)
	l.SetSpatialFilter(&r)
}

// SetSpatialFilter sets or, with nil, clears the spatial filter and resets reading.
func (l *Layer) SetSpatialFilter(r *Rect) {
	l.filter.Rect = r
	l.ResetReading()
}

// SetAttributeFilter sets or, with empty string, clears the attribute predicate and resets reading.
// The predicate is passed to the service as is.
func (l *Layer) SetAttributeFilter(predicate string) {
	l.filter.Predicate = predicate
	l.ResetReading()
}

// FeatureCount returns number of features matching filters, counted by the service.
func (l *Layer) FeatureCount(ctx context.Context) (int, error) {
	schema := l.Schema()
	query, err := Compile(selectCount(l.table), geomColumnName(schema), l.filter)
	if err != nil {
		return 0, err
	}
	tbl, err := l.exec.Exec(ctx, transport.Get, query)
	if err != nil {
		return 0, fmt.Errorf("can't count features of %s: %w", l.table.Name, err)
	}
	if tbl.Len() == 0 || len(tbl.Rows[0]) == 0 {
		return 0, &ProtocolError{Statement: query, Reason: "empty count response"}
	}
	n, err := strconv.Atoi(tbl.Rows[0][0])
	if err != nil {
		return 0, &ProtocolError{Statement: query, Reason: "invalid count", Err: err}
	}
	return n, nil
}

// DeleteFeature removes the row and resets reading.
func (l *Layer) DeleteFeature(ctx context.Context, id RowID) error {
	if !l.update {
		return ErrReadOnly
	}
	if err := l.writer.Delete(ctx, l.table, id); err != nil {
		return err
	}
	l.ResetReading()
	return nil
}

// Extent returns bounding box of geometries matching filters. False if there are no geometries.
// Reads all matching features with a separate cursor, reading position is not changed.
func (l *Layer) Extent(ctx context.Context) (orb.Bound, bool, error) {
	cur := NewCursor(l.exec, l.table, l.Schema(), l.filter, l.pageSize)
	var res orb.Bound
	found := false
	for {
		f, err := cur.Next(ctx)
		if errors.Is(err, ErrEndOfSequence) {
			return res, found, nil
		}
		if err != nil {
			return orb.Bound{}, false, err
		}
		if f.Geometry == nil {
			continue
		}
		if !found {
			res, found = f.Geometry.Bound(), true
			continue
		}
		res = res.Union(f.Geometry.Bound())
	}
}
