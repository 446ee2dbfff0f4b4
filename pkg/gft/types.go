package gft

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
)

// FieldType is a declared column type.
type FieldType int

// enum of column types supported by the service
const (
	FieldString   FieldType = iota // STRING
	FieldNumber                    // NUMBER, locale-independent decimal
	FieldDateTime                  // DATETIME
	FieldLocation                  // LOCATION, geometry as WKT or "lat lng" pair
)

func (t FieldType) String() string {
	switch t {
	case FieldString:
		return "STRING"
	case FieldNumber:
		return "NUMBER"
	case FieldDateTime:
		return "DATETIME"
	case FieldLocation:
		return "LOCATION"
	}
	return fmt.Sprintf("FieldType(%d)", int(t))
}

// ParseFieldType converts type name to FieldType, case-insensitive.
func ParseFieldType(s string) (FieldType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "STRING", "TEXT":
		return FieldString, nil
	case "NUMBER", "NUMERIC", "REAL", "INTEGER":
		return FieldNumber, nil
	case "DATETIME", "DATE":
		return FieldDateTime, nil
	case "LOCATION", "GEOMETRY":
		return FieldLocation, nil
	}
	return FieldString, fmt.Errorf("unknown field type %q", s)
}

// dateTimeLayouts accepted for DATETIME values, the first one is used for writing
var dateTimeLayouts = []string{"2006-01-02 15:04:05", "2006-01-02", time.RFC3339}

func parseDateTime(s string) (time.Time, error) {
	var err error
	for _, layout := range dateTimeLayouts {
		var t time.Time
		if t, err = time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, err
}

// RowID is the service-assigned identifier of a row. It is the only stable reference to a row
// and has nothing to do with the row position in a result set.
type RowID string

// Offset is a position in a result set.
type Offset int

// TableHandle binds service table id to the layer name.
type TableHandle struct {
	ID   string
	Name string
}

// Rect is a spatial filter rectangle, in the geometry coordinates (x is longitude, y is latitude).
type Rect struct {
	MinX, MinY, MaxX, MaxY float64
}

// NewRect makes Rect from two corners in any order.
func NewRect(x1, y1, x2, y2 float64) Rect {
	return Rect{MinX: min(x1, x2), MinY: min(y1, y2), MaxX: max(x1, x2), MaxY: max(y1, y2)}
}

// Bound converts rectangle to orb.Bound.
func (r Rect) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{r.MinX, r.MinY}, Max: orb.Point{r.MaxX, r.MaxY}}
}

// Feature is a single row: typed attribute values, optional geometry and the row id.
// Values are string, float64, time.Time or nil.
type Feature struct {
	RowID    RowID
	Fields   map[string]any
	Geometry orb.Geometry
}

// NewFeature makes an empty feature.
func NewFeature() *Feature {
	return &Feature{Fields: map[string]any{}}
}

// Set sets field value and returns the feature for chaining.
func (f *Feature) Set(name string, v any) *Feature {
	if f.Fields == nil {
		f.Fields = map[string]any{}
	}
	f.Fields[name] = v
	return f
}

// String returns field value formatted as string, empty for unset fields.
func (f *Feature) String(name string) string {
	switch v := f.Fields[name].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case time.Time:
		return v.Format(dateTimeLayouts[0])
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Number returns numeric field value. False if field is unset or not a number.
func (f *Feature) Number(name string) (float64, bool) {
	v, ok := f.Fields[name].(float64)
	return v, ok
}

// Clone makes a copy of the feature, geometry included.
func (f *Feature) Clone() *Feature {
	res := &Feature{RowID: f.RowID, Fields: make(map[string]any, len(f.Fields))}
	for k, v := range f.Fields {
		res.Fields[k] = v
	}
	if f.Geometry != nil {
		res.Geometry = orb.Clone(f.Geometry)
	}
	return res
}
