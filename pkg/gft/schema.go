package gft

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/geosky/gft/pkg/transport"
)

// GeometryColumn is the name of the geometry column added to created tables
const GeometryColumn = "geometry"

// Column is a declared column.
type Column struct {
	ID   string // service column id, may be empty for columns not yet created
	Name string
	Type FieldType
}

// Schema is an ordered, immutable list of columns with precomputed name and position lookups.
// The first LOCATION column holds the feature geometry, other LOCATION columns are exposed as strings.
// The column order defines positions of values in raw responses.
type Schema struct {
	columns []Column
	index   map[string]int
	geom    int
}

// NewSchema makes a schema from columns. Column names must be unique.
func NewSchema(cols []Column) (*Schema, error) {
	res := &Schema{columns: make([]Column, 0, len(cols)), index: make(map[string]int, len(cols)), geom: -1}
	for _, c := range cols {
		if _, dup := res.index[c.Name]; dup {
			return nil, &SchemaError{Kind: DuplicateColumn, Column: c.Name}
		}
		res.index[c.Name] = len(res.columns)
		if c.Type == FieldLocation && res.geom < 0 {
			res.geom = len(res.columns)
		}
		res.columns = append(res.columns, c)
	}
	return res, nil
}

// Columns returns a copy of all columns in order.
func (s *Schema) Columns() []Column {
	res := make([]Column, len(s.columns))
	copy(res, s.columns)
	return res
}

// Len returns number of columns.
func (s *Schema) Len() int { return len(s.columns) }

// Column returns column by name.
func (s *Schema) Column(name string) (Column, bool) {
	i, ok := s.index[name]
	if !ok {
		return Column{}, false
	}
	return s.columns[i], true
}

// GeometryColumn returns the column holding feature geometry.
func (s *Schema) GeometryColumn() (Column, bool) {
	if s.geom < 0 {
		return Column{}, false
	}
	return s.columns[s.geom], true
}

// isGeometry checks if position i is the geometry column
func (s *Schema) isGeometry(i int) bool { return i == s.geom }

// With returns a new schema with the column appended.
func (s *Schema) With(c Column) (*Schema, error) {
	cols := append(s.Columns(), c)
	return NewSchema(cols)
}

// SchemaManager creates tables, declares columns and fetches column metadata.
type SchemaManager struct {
	exec Executor
}

// NewSchemaManager makes SchemaManager on top of executor.
func NewSchemaManager(exec Executor) *SchemaManager {
	return &SchemaManager{exec: exec}
}

// CreateTable creates a table with the given columns and returns its handle and schema.
// The geometry column is added if no LOCATION column is given.
func (m *SchemaManager) CreateTable(ctx context.Context, name string, cols ...Column) (TableHandle, *Schema, error) {
	hasGeom := false
	for _, c := range cols {
		if c.Type == FieldLocation {
			hasGeom = true
			break
		}
	}
	if !hasGeom {
		cols = append([]Column{{Name: GeometryColumn, Type: FieldLocation}}, cols...)
	}
	if _, err := NewSchema(cols); err != nil {
		return TableHandle{}, nil, err
	}

	defs := make([]string, 0, len(cols))
	for _, c := range cols {
		defs = append(defs, QuoteIdent(c.Name)+": "+c.Type.String())
	}
	stmt := fmt.Sprintf("CREATE TABLE %s (%s)", QuoteString(name), strings.Join(defs, ", "))
	tbl, err := m.exec.Exec(ctx, transport.Post, stmt)
	if err != nil {
		return TableHandle{}, nil, fmt.Errorf("can't create table %q: %w", name, err)
	}
	id, err := scalar(tbl, stmt, "tableid")
	if err != nil {
		return TableHandle{}, nil, err
	}
	h := TableHandle{ID: id, Name: name}
	log.Printf("[INFO] table %q created, id %s", name, id)

	schema, err := m.FetchSchema(ctx, h)
	if err != nil {
		return TableHandle{}, nil, err
	}
	return h, schema, nil
}

// DeclareColumn adds a column to the table and returns the rebuilt schema. Duplicate names are rejected
// before any call to the service.
func (m *SchemaManager) DeclareColumn(ctx context.Context, h TableHandle, current *Schema, name string, t FieldType) (*Schema, error) {
	if _, dup := current.Column(name); dup {
		return nil, &SchemaError{Kind: DuplicateColumn, Table: h.Name, Column: name}
	}
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s: %s", quoteTable(h.ID), QuoteIdent(name), t)
	if _, err := m.exec.Exec(ctx, transport.Post, stmt); err != nil {
		return nil, fmt.Errorf("can't add column %q to %s: %w", name, h.Name, err)
	}
	log.Printf("[DEBUG] column %q (%s) added to %s", name, t, h.Name)
	return m.FetchSchema(ctx, h)
}

// FetchSchema reads columns of the table with DESCRIBE.
func (m *SchemaManager) FetchSchema(ctx context.Context, h TableHandle) (*Schema, error) {
	stmt := "DESCRIBE " + quoteTable(h.ID)
	tbl, err := m.exec.Exec(ctx, transport.Get, stmt)
	if err != nil {
		return nil, fmt.Errorf("can't describe table %s: %w", h.ID, err)
	}
	idIdx, nameIdx, typeIdx := tbl.Index("column id"), tbl.Index("name"), tbl.Index("type")
	if nameIdx < 0 || typeIdx < 0 {
		return nil, &ProtocolError{Statement: stmt, Reason: fmt.Sprintf("unexpected describe columns %v", tbl.Columns)}
	}

	cols := make([]Column, 0, tbl.Len())
	for i, row := range tbl.Rows {
		if len(row) != len(tbl.Columns) {
			return nil, &ProtocolError{Statement: stmt, Reason: fmt.Sprintf("row %d has %d values, expected %d", i, len(row), len(tbl.Columns))}
		}
		ft, err := ParseFieldType(row[typeIdx])
		if err != nil {
			log.Printf("[WARN] column %q of %s: %v, treated as string", row[nameIdx], h.ID, err)
		}
		c := Column{Name: row[nameIdx], Type: ft}
		if idIdx >= 0 {
			c.ID = row[idIdx]
		}
		cols = append(cols, c)
	}
	schema, err := NewSchema(cols)
	if err != nil {
		return nil, &ProtocolError{Statement: stmt, Reason: "duplicate column in describe response", Err: err}
	}
	return schema, nil
}

// ListTables returns all tables visible to the credential.
func (m *SchemaManager) ListTables(ctx context.Context) ([]TableHandle, error) {
	stmt := "SHOW TABLES"
	tbl, err := m.exec.Exec(ctx, transport.Get, stmt)
	if err != nil {
		return nil, fmt.Errorf("can't list tables: %w", err)
	}
	idIdx, nameIdx := tbl.Index("table id"), tbl.Index("name")
	if idIdx < 0 || nameIdx < 0 {
		return nil, &ProtocolError{Statement: stmt, Reason: fmt.Sprintf("unexpected columns %v", tbl.Columns)}
	}
	res := make([]TableHandle, 0, tbl.Len())
	for _, row := range tbl.Rows {
		if len(row) != len(tbl.Columns) {
			return nil, &ProtocolError{Statement: stmt, Reason: "row length mismatch"}
		}
		res = append(res, TableHandle{ID: row[idIdx], Name: row[nameIdx]})
	}
	return res, nil
}

// scalar extracts the single value of the named column from the first row
func scalar(tbl *transport.Table, stmt, column string) (string, error) {
	idx := tbl.Index(column)
	if idx < 0 || tbl.Len() == 0 || len(tbl.Rows[0]) <= idx {
		return "", &ProtocolError{Statement: stmt, Reason: fmt.Sprintf("no %q value in response", column)}
	}
	return strings.TrimSpace(tbl.Rows[0][idx]), nil
}
