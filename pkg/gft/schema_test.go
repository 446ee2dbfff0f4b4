package gft

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geosky/gft/pkg/gft/mocks"
	"github.com/geosky/gft/pkg/transport"
)

func TestNewSchema(t *testing.T) {
	s := testSchema(t)
	assert.Equal(t, 3, s.Len())
	g, ok := s.GeometryColumn()
	require.True(t, ok)
	assert.Equal(t, "geometry", g.Name)
	c, ok := s.Column("numcol")
	require.True(t, ok)
	assert.Equal(t, FieldNumber, c.Type)
	_, ok = s.Column("nope")
	assert.False(t, ok)

	cols := s.Columns()
	cols[0].Name = "changed"
	assert.Equal(t, "geometry", s.Columns()[0].Name, "columns are copied")

	_, err := NewSchema([]Column{{Name: "a"}, {Name: "a", Type: FieldNumber}})
	var serr *SchemaError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, DuplicateColumn, serr.Kind)

	s2, err := s.With(Column{Name: "extra", Type: FieldString})
	require.NoError(t, err)
	assert.Equal(t, 4, s2.Len())
	assert.Equal(t, 3, s.Len(), "original schema unchanged")

	noGeom, err := NewSchema([]Column{{Name: "a"}, {Name: "loc2", Type: FieldString}})
	require.NoError(t, err)
	_, ok = noGeom.GeometryColumn()
	assert.False(t, ok)

	twoLoc, err := NewSchema([]Column{{Name: "a"}, {Name: "l1", Type: FieldLocation}, {Name: "l2", Type: FieldLocation}})
	require.NoError(t, err)
	g, _ = twoLoc.GeometryColumn()
	assert.Equal(t, "l1", g.Name, "first location column holds geometry")
}

func TestSchemaManager_CreateTable(t *testing.T) {
	exec := &mocks.ExecutorMock{ExecFunc: func(ctx context.Context, method transport.Method, stmt string) (*transport.Table, error) {
		switch {
		case strings.HasPrefix(stmt, "CREATE TABLE"):
			return rawTable([]string{"tableid"}, []string{"1abc"}), nil
		case stmt == "DESCRIBE 1abc":
			return rawTable([]string{"column id", "name", "type"},
				[]string{"col0", "the geom", "location"},
				[]string{"col1", "name", "string"},
			), nil
		}
		return nil, errors.New("unexpected " + stmt)
	}}
	m := NewSchemaManager(exec)
	h, s, err := m.CreateTable(context.Background(), "it's mine", Column{Name: "the geom", Type: FieldLocation}, Column{Name: "name"})
	require.NoError(t, err)
	assert.Equal(t, TableHandle{ID: "1abc", Name: "it's mine"}, h)
	assert.Equal(t, `CREATE TABLE 'it\'s mine' ('the geom': LOCATION, name: STRING)`, exec.ExecCalls()[0].Stmt)
	assert.Equal(t, 2, s.Len())

	_, _, err = m.CreateTable(context.Background(), "x", Column{Name: "a"}, Column{Name: "a"})
	var serr *SchemaError
	require.True(t, errors.As(err, &serr))
	assert.Len(t, exec.ExecCalls(), 2, "duplicates rejected before the call")
}

func TestSchemaManager_FetchSchema(t *testing.T) {
	resp := rawTable([]string{"column id", "name", "type"},
		[]string{"col0", "geometry", "location"},
		[]string{"col1", "odd", "kml-thing"},
	)
	exec := &mocks.ExecutorMock{ExecFunc: func(ctx context.Context, method transport.Method, stmt string) (*transport.Table, error) {
		return resp, nil
	}}
	m := NewSchemaManager(exec)

	s, err := m.FetchSchema(context.Background(), TableHandle{ID: "9"})
	require.NoError(t, err)
	c, ok := s.Column("odd")
	require.True(t, ok)
	assert.Equal(t, FieldString, c.Type, "unknown type treated as string")
	assert.Equal(t, "col1", c.ID)
	assert.Equal(t, transport.Get, exec.ExecCalls()[0].Method)
	assert.Equal(t, "DESCRIBE 9", exec.ExecCalls()[0].Stmt)

	resp = rawTable([]string{"id", "what"}, []string{"1", "2"})
	_, err = m.FetchSchema(context.Background(), TableHandle{ID: "9"})
	var perr *ProtocolError
	assert.True(t, errors.As(err, &perr))

	resp = rawTable([]string{"column id", "name", "type"}, []string{"c0", "a", "string"}, []string{"c1", "a", "number"})
	_, err = m.FetchSchema(context.Background(), TableHandle{ID: "9"})
	assert.True(t, errors.As(err, &perr), "duplicate names from service")
}

func TestSchemaManager_ListTables(t *testing.T) {
	exec := &mocks.ExecutorMock{ExecFunc: func(ctx context.Context, method transport.Method, stmt string) (*transport.Table, error) {
		return rawTable([]string{"table id", "name"}, []string{"1", "a"}, []string{"2", "b"}), nil
	}}
	res, err := NewSchemaManager(exec).ListTables(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []TableHandle{{ID: "1", Name: "a"}, {ID: "2", Name: "b"}}, res)
	assert.Equal(t, "SHOW TABLES", exec.ExecCalls()[0].Stmt)
}

func TestParseFieldType(t *testing.T) {
	tbl := []struct {
		in   string
		want FieldType
		err  bool
	}{
		{"string", FieldString, false},
		{"NUMBER", FieldNumber, false},
		{" Location ", FieldLocation, false},
		{"datetime", FieldDateTime, false},
		{"blob", FieldString, true},
	}
	for _, tt := range tbl {
		res, err := ParseFieldType(tt.in)
		assert.Equal(t, tt.want, res, tt.in)
		assert.Equal(t, tt.err, err != nil, tt.in)
	}
	for _, ft := range []FieldType{FieldString, FieldNumber, FieldDateTime, FieldLocation} {
		res, err := ParseFieldType(ft.String())
		require.NoError(t, err)
		assert.Equal(t, ft, res)
	}
}
