package gft

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"

	"github.com/geosky/gft/pkg/transport"
)

// Writer issues insert, update and delete statements. Nothing is retried here, a failed write is
// returned to the caller as is.
type Writer struct {
	exec Executor
}

// NewWriter makes Writer on top of executor.
func NewWriter(exec Executor) *Writer {
	return &Writer{exec: exec}
}

// Insert adds feature to the table and returns the row id assigned by the service.
// Unset fields are not sent.
func (w *Writer) Insert(ctx context.Context, h TableHandle, schema *Schema, f *Feature) (RowID, error) {
	cols, vals, err := literals(h, schema, f, "insert", false)
	if err != nil {
		return "", err
	}
	if len(cols) == 0 {
		if schema.Len() == 0 {
			return "", &WriteError{Kind: SchemaMismatch, Op: "insert", Table: h.Name}
		}
		cols, vals = []string{QuoteIdent(schema.columns[0].Name)}, []any{squirrel.Expr("''")}
	}

	stmt, _, err := sqlb.Insert(quoteTable(h.ID)).Columns(cols...).Values(vals...).ToSql()
	if err != nil {
		return "", fmt.Errorf("can't make insert statement: %w", err)
	}
	tbl, err := w.exec.Exec(ctx, transport.Post, stmt)
	if err != nil {
		return "", fmt.Errorf("can't insert into %s: %w", h.Name, err)
	}
	id, err := scalar(tbl, stmt, rowIDColumn)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", &ProtocolError{Statement: stmt, Reason: "empty rowid in insert response"}
	}
	log.Printf("[DEBUG] inserted row %s into %s", id, h.Name)
	return RowID(id), nil
}

// Update replaces all values of the row. Fields not set in the feature are cleared.
func (w *Writer) Update(ctx context.Context, h TableHandle, schema *Schema, id RowID, f *Feature) error {
	cols, vals, err := literals(h, schema, f, "update", true)
	if err != nil {
		return err
	}
	ub := sqlb.Update(quoteTable(h.ID))
	for i := range cols {
		ub = ub.Set(cols[i], vals[i])
	}
	stmt, _, err := ub.Where(rowIDClause(id)).ToSql()
	if err != nil {
		return fmt.Errorf("can't make update statement: %w", err)
	}
	return w.affectOne(ctx, h, id, "update", stmt)
}

// Delete removes the row.
func (w *Writer) Delete(ctx context.Context, h TableHandle, id RowID) error {
	stmt, _, err := sqlb.Delete(quoteTable(h.ID)).Where(rowIDClause(id)).ToSql()
	if err != nil {
		return fmt.Errorf("can't make delete statement: %w", err)
	}
	return w.affectOne(ctx, h, id, "delete", stmt)
}

// DropTable removes the table with all rows. Irreversible.
func (w *Writer) DropTable(ctx context.Context, h TableHandle) error {
	if _, err := w.exec.Exec(ctx, transport.Post, "DROP TABLE "+quoteTable(h.ID)); err != nil {
		return fmt.Errorf("can't drop table %s: %w", h.Name, err)
	}
	log.Printf("[INFO] table %s (%s) dropped", h.Name, h.ID)
	return nil
}

// affectOne runs statement changing a single row, zero affected rows reported as RowNotFound
func (w *Writer) affectOne(ctx context.Context, h TableHandle, id RowID, op, stmt string) error {
	tbl, err := w.exec.Exec(ctx, transport.Post, stmt)
	if err != nil {
		return fmt.Errorf("can't %s row %s of %s: %w", op, id, h.Name, err)
	}
	val, err := scalar(tbl, stmt, "affected_rows")
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return &ProtocolError{Statement: stmt, Reason: "invalid affected_rows", Err: err}
	}
	if n == 0 {
		return &WriteError{Kind: RowNotFound, Op: op, Table: h.Name, RowID: id}
	}
	return nil
}

// literals makes quoted column names and literal values for the feature, in schema order.
// With all set, unset columns get an empty literal.
func literals(h TableHandle, schema *Schema, f *Feature, op string, all bool) (cols []string, vals []any, err error) {
	names := make([]string, 0, len(f.Fields))
	for name := range f.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		i, ok := schema.index[name]
		if !ok || schema.isGeometry(i) {
			return nil, nil, &WriteError{Kind: SchemaMismatch, Op: op, Table: h.Name, RowID: f.RowID, Column: name}
		}
	}

	for i, c := range schema.columns {
		var lit string
		if schema.isGeometry(i) {
			if f.Geometry == nil && !all {
				continue
			}
			lit = geometryLiteral(f.Geometry)
		} else {
			v, set := f.Fields[c.Name]
			if (!set || v == nil) && !all {
				continue
			}
			if lit, err = literal(v, c); err != nil {
				return nil, nil, &WriteError{Kind: InvalidValue, Op: op, Table: h.Name, RowID: f.RowID, Column: c.Name, Err: err}
			}
		}
		cols = append(cols, QuoteIdent(c.Name))
		vals = append(vals, squirrel.Expr(lit))
	}
	return cols, vals, nil
}

// literal converts value to the literal of the column type
func literal(v any, c Column) (string, error) {
	if v == nil {
		return "''", nil
	}
	coercionErr := func(err error) error {
		return &TypeCoercionError{Row: -1, Column: c.Name, Value: fmt.Sprintf("%v", v), Type: c.Type, Err: err}
	}

	switch c.Type {
	case FieldNumber:
		num, err := toNumber(v)
		if err != nil {
			return "", coercionErr(err)
		}
		s, err := formatNumber(num)
		if err != nil {
			return "", coercionErr(err)
		}
		return s, nil
	case FieldDateTime:
		switch tv := v.(type) {
		case time.Time:
			return QuoteString(tv.Format(dateTimeLayouts[0])), nil
		case string:
			t, err := parseDateTime(tv)
			if err != nil {
				return "", coercionErr(err)
			}
			return QuoteString(t.Format(dateTimeLayouts[0])), nil
		}
		return "", coercionErr(fmt.Errorf("unsupported type %T", v))
	case FieldLocation:
		if g, ok := v.(orb.Geometry); ok {
			return geometryLiteral(g), nil
		}
	}

	switch tv := v.(type) {
	case string:
		return QuoteString(tv), nil
	case float64:
		return QuoteString(strconv.FormatFloat(tv, 'f', -1, 64)), nil
	case time.Time:
		return QuoteString(tv.Format(dateTimeLayouts[0])), nil
	}
	return QuoteString(fmt.Sprintf("%v", v)), nil
}

// toNumber accepts numeric types and numeric strings
func toNumber(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(n, 64)
	}
	return 0, fmt.Errorf("unsupported type %T", v)
}

// geometryLiteral makes WKT string literal, empty literal for nil geometry
func geometryLiteral(g orb.Geometry) string {
	if g == nil {
		return "''"
	}
	return QuoteString(wkt.MarshalString(g))
}
