package gft

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/Masterminds/squirrel"
)

// statement builder for the service dialect. Values are never bound as placeholders, the service has no
// parameter binding, so literals are escaped and inlined with squirrel.Expr.
var sqlb = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question)

var plainIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
var plainTableID = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// keywords of the dialect, identifiers matching them are quoted
var keywords = map[string]bool{
	"ADD": true, "ALTER": true, "AND": true, "AS": true, "ASC": true, "BETWEEN": true, "BY": true,
	"CASE": true, "CIRCLE": true, "COLUMN": true, "CONTAINS": true, "COUNT": true, "CREATE": true,
	"DELETE": true, "DESC": true, "DESCRIBE": true, "DROP": true, "ENDS": true, "FROM": true,
	"GROUP": true, "IGNORING": true, "IN": true, "INSERT": true, "INTO": true, "LATLNG": true,
	"LIKE": true, "LIMIT": true, "MATCHES": true, "NOT": true, "OFFSET": true, "OR": true, "ORDER": true,
	"RECTANGLE": true, "ROWID": true, "SELECT": true, "SET": true, "SHOW": true, "ST_DISTANCE": true,
	"ST_INTERSECTS": true, "STARTS": true, "TABLE": true, "TABLES": true, "UPDATE": true,
	"VALUES": true, "WHERE": true, "WITH": true,
}

// QuoteIdent quotes column name unless it is a plain word. Quoted names use single quotes with
// backslash escaping, as string literals do in the dialect.
func QuoteIdent(name string) string {
	if plainIdent.MatchString(name) && !keywords[strings.ToUpper(name)] {
		return name
	}
	return QuoteString(name)
}

// quoteTable quotes table id, numeric and alphanumeric ids are used as is
func quoteTable(id string) string {
	if plainTableID.MatchString(id) && !keywords[strings.ToUpper(id)] {
		return id
	}
	return QuoteString(id)
}

// QuoteString makes a string literal. Backslashes and single quotes are escaped, so the value can't
// terminate the literal and inject more clauses.
func QuoteString(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('\'')
	for _, r := range s {
		switch r {
		case '\\', '\'':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('\'')
	return b.String()
}

// formatNumber makes numeric literal, NaN and infinities have no literal form
func formatNumber(v float64) (string, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "", fmt.Errorf("%v has no numeric literal", v)
	}
	return strconv.FormatFloat(v, 'f', -1, 64), nil
}

// Filter is the filter state of a layer.
type Filter struct {
	Rect      *Rect  // spatial rectangle, intersects test on the geometry column
	Predicate string // attribute predicate, passed verbatim
}

// Empty checks if filter has neither spatial nor attribute part.
func (f Filter) Empty() bool {
	return f.Rect == nil && strings.TrimSpace(f.Predicate) == ""
}

// ErrNoGeometryColumn returned for a spatial filter on a table without geometry.
var ErrNoGeometryColumn = errors.New("no geometry column for spatial filter")

// Compile adds filter clauses to the base statement and renders it. The spatial clause goes first, the
// attribute predicate second, joined with AND. With an empty filter the base statement is rendered as is.
// geomColumn is required only if filter has a rectangle.
func Compile(base squirrel.SelectBuilder, geomColumn string, f Filter) (string, error) {
	if f.Rect != nil {
		if geomColumn == "" {
			return "", ErrNoGeometryColumn
		}
		clause, err := spatialClause(geomColumn, *f.Rect)
		if err != nil {
			return "", err
		}
		base = base.Where(clause)
	}
	if pred := strings.TrimSpace(f.Predicate); pred != "" {
		base = base.Where(pred)
	}
	query, _, err := base.ToSql()
	if err != nil {
		return "", fmt.Errorf("can't compile query: %w", err)
	}
	return query, nil
}

// spatialClause makes bounding box intersection test. LATLNG takes latitude first.
func spatialClause(geomColumn string, r Rect) (string, error) {
	vals := make([]string, 0, 4)
	for _, v := range []float64{r.MinY, r.MinX, r.MaxY, r.MaxX} {
		s, err := formatNumber(v)
		if err != nil {
			return "", fmt.Errorf("invalid spatial filter: %w", err)
		}
		vals = append(vals, s)
	}
	return fmt.Sprintf("ST_INTERSECTS(%s, RECTANGLE(LATLNG(%s, %s), LATLNG(%s, %s)))",
		QuoteIdent(geomColumn), vals[0], vals[1], vals[2], vals[3]), nil
}

// selectFeatures makes base query for features of the table, ROWID first and then all columns in
// schema order
func selectFeatures(h TableHandle, s *Schema) squirrel.SelectBuilder {
	cols := make([]string, 0, s.Len()+1)
	cols = append(cols, "ROWID")
	for _, c := range s.columns {
		cols = append(cols, QuoteIdent(c.Name))
	}
	return sqlb.Select(cols...).From(quoteTable(h.ID))
}

// selectCount makes base query for number of rows
func selectCount(h TableHandle) squirrel.SelectBuilder {
	return sqlb.Select("COUNT()").From(quoteTable(h.ID))
}

// page limits the query to a window of rows, OFFSET goes before LIMIT in the dialect
func page(sb squirrel.SelectBuilder, off, limit int) squirrel.SelectBuilder {
	return sb.Suffix(fmt.Sprintf("OFFSET %d LIMIT %d", off, limit))
}

// rowIDClause matches a single row
func rowIDClause(id RowID) string {
	return "ROWID = " + QuoteString(string(id))
}

// geomColumnName returns name of geometry column or empty string
func geomColumnName(s *Schema) string {
	if c, ok := s.GeometryColumn(); ok {
		return c.Name
	}
	return ""
}
