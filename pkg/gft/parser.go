package gft

import (
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"

	"github.com/geosky/gft/pkg/transport"
)

// rowIDColumn is the reserved first column of every feature query response
const rowIDColumn = "rowid"

// ParseResult is the outcome of a single Parse call. Rows which failed type coercion are not in
// Features, their errors collected in Skipped.
type ParseResult struct {
	Features []*Feature
	Skipped  *multierror.Error
	Rows     int // number of rows in the response, skipped included
}

// RowErrors returns collected row-local errors or nil.
func (r *ParseResult) RowErrors() error { return r.Skipped.ErrorOrNil() }

// Parse converts raw response to features. The response layout must be rowid followed by the schema
// columns in order with a rowid value in every row, anything else is a ProtocolError and nothing is returned. Rows with values which
// can't be coerced to the column type are skipped, the rest is returned.
func Parse(tbl *transport.Table, schema *Schema) (*ParseResult, error) {
	if err := checkLayout(tbl, schema); err != nil {
		return nil, err
	}

	res := &ParseResult{Features: make([]*Feature, 0, tbl.Len()), Rows: tbl.Len()}
	for i, row := range tbl.Rows {
		if len(row) != len(tbl.Columns) {
			return nil, &ProtocolError{Reason: fmt.Sprintf("row %d has %d values, expected %d", i, len(row), len(tbl.Columns))}
		}
		if strings.TrimSpace(row[0]) == "" {
			return nil, &ProtocolError{Reason: fmt.Sprintf("row %d has empty %s", i, rowIDColumn)}
		}
		f, err := parseRow(i, row, schema)
		if err != nil {
			log.Printf("[WARN] row %d skipped, %v", i, err)
			res.Skipped = multierror.Append(res.Skipped, err)
			continue
		}
		res.Features = append(res.Features, f)
	}
	return res, nil
}

// checkLayout verifies response header against the schema
func checkLayout(tbl *transport.Table, schema *Schema) error {
	if tbl == nil || len(tbl.Columns) == 0 {
		return &ProtocolError{Reason: "response has no header"}
	}
	if !strings.EqualFold(strings.TrimSpace(tbl.Columns[0]), rowIDColumn) {
		return &ProtocolError{Reason: fmt.Sprintf("first column is %q, expected %s", tbl.Columns[0], rowIDColumn)}
	}
	if len(tbl.Columns)-1 != schema.Len() {
		return &ProtocolError{Reason: fmt.Sprintf("response has %d columns, schema has %d", len(tbl.Columns)-1, schema.Len())}
	}
	for i, c := range schema.columns {
		if strings.TrimSpace(tbl.Columns[i+1]) != c.Name {
			return &ProtocolError{Reason: fmt.Sprintf("column %d is %q, expected %q", i+1, tbl.Columns[i+1], c.Name)}
		}
	}
	return nil
}

func parseRow(n int, row []string, schema *Schema) (*Feature, error) {
	f := &Feature{RowID: RowID(strings.TrimSpace(row[0])), Fields: make(map[string]any, schema.Len())}
	for i, c := range schema.columns {
		raw := row[i+1]
		if schema.isGeometry(i) {
			f.Geometry = decodeGeometry(raw)
			continue
		}
		v, err := coerce(raw, c.Type)
		if err != nil {
			return nil, &TypeCoercionError{Row: n, Column: c.Name, Value: raw, Type: c.Type, Err: err}
		}
		f.Fields[c.Name] = v
	}
	return f, nil
}

// coerce converts raw text to the column type. Empty text is a null value for any type.
func coerce(raw string, t FieldType) (any, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, nil
	}
	switch t {
	case FieldNumber:
		return strconv.ParseFloat(s, 64)
	case FieldDateTime:
		return parseDateTime(s)
	}
	return raw, nil
}

// decodeGeometry parses WKT or a "lat lng" location. Malformed text gives nil geometry.
func decodeGeometry(raw string) orb.Geometry {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil
	}
	if g, err := wkt.Unmarshal(s); err == nil {
		return g
	}
	if p, ok := parseLocation(s); ok {
		return p
	}
	log.Printf("[DEBUG] can't decode geometry %q", s)
	return nil
}

// parseLocation parses "lat lng" or "lat,lng" pair, latitude first
func parseLocation(s string) (orb.Point, bool) {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' })
	if len(parts) != 2 {
		return orb.Point{}, false
	}
	lat, err := strconv.ParseFloat(parts[0], 64)
	if err != nil || lat < -90 || lat > 90 {
		return orb.Point{}, false
	}
	lng, err := strconv.ParseFloat(parts[1], 64)
	if err != nil || lng < -180 || lng > 180 {
		return orb.Point{}, false
	}
	return orb.Point{lng, lat}, true
}
