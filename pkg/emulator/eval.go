package emulator

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
)

const rowIDName = "ROWID"

// value returns raw value of the column in the row, ROWID included
func value(t *tableMeta, r row, name string) (string, column, error) {
	if strings.EqualFold(name, rowIDName) {
		return strconv.FormatInt(r.ID, 10), column{Name: rowIDName, Type: "number"}, nil
	}
	c, ok := t.column(name)
	if !ok {
		return "", column{}, fmt.Errorf("column %q not found in %s", name, t.ID)
	}
	return r.Values[name], c, nil
}

// match checks all conditions, they are always conjoined
func match(t *tableMeta, r row, conds []condition) (bool, error) {
	for _, cond := range conds {
		v, c, err := value(t, r, cond.Column)
		if err != nil {
			return false, err
		}
		ok, err := eval(cond, v, c)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func eval(cond condition, v string, c column) (bool, error) {
	switch cond.Op {
	case "ST_INTERSECTS":
		if c.Type != "location" {
			return false, fmt.Errorf("ST_INTERSECTS on non-location column %q", c.Name)
		}
		return intersects(v, cond.Rect), nil
	case "LIKE":
		return like(cond.Value.Text, v), nil
	case "NOT LIKE":
		return !like(cond.Value.Text, v), nil
	}

	if c.Type == "number" || (cond.Value.IsNumber && c.Type != "string") {
		if c.Name == rowIDName && !cond.Value.IsNumber {
			// ROWID compared with quoted literal
			if _, err := strconv.ParseInt(cond.Value.Text, 10, 64); err != nil {
				return false, nil
			}
		}
		if strings.TrimSpace(v) == "" {
			return false, nil
		}
		a, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return false, nil
		}
		b, err := strconv.ParseFloat(cond.Value.Text, 64)
		if err != nil {
			return false, fmt.Errorf("invalid number %q for %q", cond.Value.Text, c.Name)
		}
		return compareOrdered(cond.Op, a, b), nil
	}
	return compareOrdered(cond.Op, v, cond.Value.Text), nil
}

func compareOrdered[T int | float64 | string](op string, a, b T) bool {
	switch op {
	case "=":
		return a == b
	case "!=":
		return a != b
	case "<":
		return a < b
	case "<=":
		return a <= b
	case ">":
		return a > b
	case ">=":
		return a >= b
	}
	return false
}

// like matches sql pattern with % and _ wildcards
func like(pattern, s string) bool {
	var b strings.Builder
	b.WriteString("(?s)^")
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

// intersects checks if geometry bounds intersect the rectangle given by two lat/lng corners
func intersects(v string, rect [4]float64) bool {
	g := geometry(v)
	if g == nil {
		return false
	}
	box := orb.MultiPoint{{rect[1], rect[0]}, {rect[3], rect[2]}}.Bound()
	return g.Bound().Intersects(box)
}

// geometry decodes WKT or "lat lng" location, nil if neither
func geometry(v string) orb.Geometry {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if g, err := wkt.Unmarshal(v); err == nil {
		return g
	}
	parts := strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' })
	if len(parts) != 2 {
		return nil
	}
	lat, err1 := strconv.ParseFloat(parts[0], 64)
	lng, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil {
		return nil
	}
	return orb.Point{lng, lat}
}
