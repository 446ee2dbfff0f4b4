package emulator

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tkEOF tokenKind = iota
	tkWord
	tkString
	tkNumber
	tkPunct
)

type token struct {
	kind tokenKind
	text string
}

// lex splits statement into tokens. Strings are single or double quoted with backslash escapes.
func lex(s string) ([]token, error) {
	var res []token
	rs := []rune(s)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '\'' || r == '"':
			var b strings.Builder
			j := i + 1
			for ; j < len(rs) && rs[j] != r; j++ {
				if rs[j] == '\\' && j+1 < len(rs) {
					j++
				}
				b.WriteRune(rs[j])
			}
			if j >= len(rs) {
				return nil, fmt.Errorf("unterminated string at %d", i)
			}
			res = append(res, token{kind: tkString, text: b.String()})
			i = j + 1
		case unicode.IsDigit(r) || (r == '.' && i+1 < len(rs) && unicode.IsDigit(rs[i+1])):
			j := i
			for j < len(rs) && (unicode.IsDigit(rs[j]) || rs[j] == '.' || rs[j] == 'e' || rs[j] == 'E' ||
				((rs[j] == '-' || rs[j] == '+') && (rs[j-1] == 'e' || rs[j-1] == 'E'))) {
				j++
			}
			if j < len(rs) && (unicode.IsLetter(rs[j]) || rs[j] == '_') {
				// alphanumeric table id like 1abc
				for j < len(rs) && (unicode.IsLetter(rs[j]) || unicode.IsDigit(rs[j]) || rs[j] == '_') {
					j++
				}
				res = append(res, token{kind: tkWord, text: string(rs[i:j])})
			} else {
				res = append(res, token{kind: tkNumber, text: string(rs[i:j])})
			}
			i = j
		case unicode.IsLetter(r) || r == '_':
			j := i
			for j < len(rs) && (unicode.IsLetter(rs[j]) || unicode.IsDigit(rs[j]) || rs[j] == '_') {
				j++
			}
			res = append(res, token{kind: tkWord, text: string(rs[i:j])})
			i = j
		default:
			if i+1 < len(rs) {
				if two := string(rs[i : i+2]); two == "<=" || two == ">=" || two == "!=" || two == "<>" {
					res = append(res, token{kind: tkPunct, text: two})
					i += 2
					continue
				}
			}
			if !strings.ContainsRune("(),=<>*:;-", r) {
				return nil, fmt.Errorf("unexpected character %q at %d", r, i)
			}
			res = append(res, token{kind: tkPunct, text: string(r)})
			i++
		}
	}
	return append(res, token{kind: tkEOF}), nil
}

type stmtKind int

const (
	stSelect stmtKind = iota
	stInsert
	stUpdate
	stDelete
	stCreate
	stAlter
	stDescribe
	stShow
	stDrop
)

// readOnly statements are allowed with GET and for anonymous callers
func (k stmtKind) readOnly() bool {
	return k == stSelect || k == stDescribe || k == stShow
}

// condition is a single WHERE term
type condition struct {
	Column string
	Op     string // =, !=, <, <=, >, >=, LIKE, NOT LIKE, ST_INTERSECTS
	Value  literal
	Rect   [4]float64 // lat1, lng1, lat2, lng2 for ST_INTERSECTS
}

type literal struct {
	Text     string
	IsNumber bool
}

// statement is a parsed service statement
type statement struct {
	Kind    stmtKind
	Table   string
	Name    string   // table name for CREATE
	Columns []string // selected or inserted columns, ROWID included as is
	Count   bool     // SELECT COUNT()
	Values  []literal
	Set     map[string]literal
	Where   []condition
	Defs    []column // CREATE and ALTER column definitions
	Offset  int
	Limit   int // -1 for no limit
	OrderBy string
	Desc    bool
}

type parser struct {
	toks []token
	pos  int
}

// parse parses single statement of the service dialect
func parse(s string) (*statement, error) {
	toks, err := lex(s)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	st, err := p.statement()
	if err != nil {
		return nil, err
	}
	p.accept(";")
	if p.peek().kind != tkEOF {
		return nil, fmt.Errorf("unexpected %q after statement", p.peek().text)
	}
	return st, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tkEOF {
		p.pos++
	}
	return t
}

// accept consumes keyword or punctuation if it is the next token
func (p *parser) accept(text string) bool {
	t := p.peek()
	if (t.kind == tkWord || t.kind == tkPunct) && strings.EqualFold(t.text, text) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expect(texts ...string) error {
	for _, text := range texts {
		if !p.accept(text) {
			return fmt.Errorf("expected %s, got %q", text, p.peek().text)
		}
	}
	return nil
}

// ident reads plain or quoted identifier
func (p *parser) ident() (string, error) {
	t := p.next()
	if t.kind == tkWord || t.kind == tkString || t.kind == tkNumber {
		return t.text, nil
	}
	return "", fmt.Errorf("expected identifier, got %q", t.text)
}

func (p *parser) literal() (literal, error) {
	neg := p.accept("-")
	t := p.next()
	switch {
	case t.kind == tkNumber:
		if neg {
			return literal{Text: "-" + t.text, IsNumber: true}, nil
		}
		return literal{Text: t.text, IsNumber: true}, nil
	case t.kind == tkString && !neg:
		return literal{Text: t.text}, nil
	}
	return literal{}, fmt.Errorf("expected literal, got %q", t.text)
}

func (p *parser) number() (float64, error) {
	lit, err := p.literal()
	if err != nil {
		return 0, err
	}
	if !lit.IsNumber {
		return 0, fmt.Errorf("expected number, got %q", lit.Text)
	}
	return strconv.ParseFloat(lit.Text, 64)
}

func (p *parser) integer() (int, error) {
	t := p.next()
	if t.kind != tkNumber {
		return 0, fmt.Errorf("expected integer, got %q", t.text)
	}
	return strconv.Atoi(t.text)
}

func (p *parser) statement() (*statement, error) {
	t := p.next()
	if t.kind != tkWord {
		return nil, fmt.Errorf("expected statement, got %q", t.text)
	}
	switch strings.ToUpper(t.text) {
	case "SELECT":
		return p.selectStmt()
	case "INSERT":
		return p.insertStmt()
	case "UPDATE":
		return p.updateStmt()
	case "DELETE":
		return p.deleteStmt()
	case "CREATE":
		return p.createStmt()
	case "ALTER":
		return p.alterStmt()
	case "DESCRIBE":
		tbl, err := p.ident()
		return &statement{Kind: stDescribe, Table: tbl}, err
	case "SHOW":
		return &statement{Kind: stShow}, p.expect("TABLES")
	case "DROP":
		if err := p.expect("TABLE"); err != nil {
			return nil, err
		}
		tbl, err := p.ident()
		return &statement{Kind: stDrop, Table: tbl}, err
	}
	return nil, fmt.Errorf("unsupported statement %q", t.text)
}

func (p *parser) selectStmt() (*statement, error) {
	st := &statement{Kind: stSelect, Limit: -1}
	switch {
	case p.accept("*"):
	case p.accept("COUNT"):
		if err := p.expect("(", ")"); err != nil {
			return nil, err
		}
		st.Count = true
	default:
		for {
			c, err := p.ident()
			if err != nil {
				return nil, err
			}
			st.Columns = append(st.Columns, c)
			if !p.accept(",") {
				break
			}
		}
	}
	if err := p.expect("FROM"); err != nil {
		return nil, err
	}
	var err error
	if st.Table, err = p.ident(); err != nil {
		return nil, err
	}
	if st.Where, err = p.where(); err != nil {
		return nil, err
	}
	if p.accept("ORDER") {
		if err = p.expect("BY"); err != nil {
			return nil, err
		}
		if st.OrderBy, err = p.ident(); err != nil {
			return nil, err
		}
		st.Desc = p.accept("DESC")
		if !st.Desc {
			p.accept("ASC")
		}
	}
	for {
		switch {
		case p.accept("OFFSET"):
			if st.Offset, err = p.integer(); err != nil {
				return nil, err
			}
		case p.accept("LIMIT"):
			if st.Limit, err = p.integer(); err != nil {
				return nil, err
			}
		default:
			return st, nil
		}
	}
}

func (p *parser) where() ([]condition, error) {
	if !p.accept("WHERE") {
		return nil, nil
	}
	var res []condition
	for {
		c, err := p.condition()
		if err != nil {
			return nil, err
		}
		res = append(res, c)
		if !p.accept("AND") {
			return res, nil
		}
	}
}

func (p *parser) condition() (condition, error) {
	if p.accept("ST_INTERSECTS") {
		return p.intersects()
	}
	col, err := p.ident()
	if err != nil {
		return condition{}, err
	}
	c := condition{Column: col}
	t := p.next()
	switch {
	case t.kind == tkPunct && strings.Contains("= != <> < <= > >=", t.text):
		c.Op = t.text
		if c.Op == "<>" {
			c.Op = "!="
		}
	case t.kind == tkWord && strings.EqualFold(t.text, "LIKE"):
		c.Op = "LIKE"
	case t.kind == tkWord && strings.EqualFold(t.text, "NOT"):
		if err = p.expect("LIKE"); err != nil {
			return c, err
		}
		c.Op = "NOT LIKE"
	default:
		return c, fmt.Errorf("unsupported operator %q", t.text)
	}
	c.Value, err = p.literal()
	return c, err
}

// intersects parses the rest of ST_INTERSECTS(col, RECTANGLE(LATLNG(a, b), LATLNG(c, d)))
func (p *parser) intersects() (condition, error) {
	c := condition{Op: "ST_INTERSECTS"}
	if err := p.expect("("); err != nil {
		return c, err
	}
	var err error
	if c.Column, err = p.ident(); err != nil {
		return c, err
	}
	if err = p.expect(",", "RECTANGLE", "("); err != nil {
		return c, err
	}
	for i := 0; i < 2; i++ {
		if i > 0 {
			if err = p.expect(","); err != nil {
				return c, err
			}
		}
		if err = p.expect("LATLNG", "("); err != nil {
			return c, err
		}
		if c.Rect[i*2], err = p.number(); err != nil {
			return c, err
		}
		if err = p.expect(","); err != nil {
			return c, err
		}
		if c.Rect[i*2+1], err = p.number(); err != nil {
			return c, err
		}
		if err = p.expect(")"); err != nil {
			return c, err
		}
	}
	return c, p.expect(")", ")")
}

func (p *parser) insertStmt() (*statement, error) {
	st := &statement{Kind: stInsert}
	if err := p.expect("INTO"); err != nil {
		return nil, err
	}
	var err error
	if st.Table, err = p.ident(); err != nil {
		return nil, err
	}
	if p.accept("(") {
		for {
			c, err := p.ident()
			if err != nil {
				return nil, err
			}
			st.Columns = append(st.Columns, c)
			if !p.accept(",") {
				break
			}
		}
		if err = p.expect(")"); err != nil {
			return nil, err
		}
	}
	if err = p.expect("VALUES", "("); err != nil {
		return nil, err
	}
	if !p.accept(")") {
		for {
			v, err := p.literal()
			if err != nil {
				return nil, err
			}
			st.Values = append(st.Values, v)
			if !p.accept(",") {
				break
			}
		}
		if err = p.expect(")"); err != nil {
			return nil, err
		}
	}
	if len(st.Columns) != len(st.Values) {
		return nil, fmt.Errorf("%d columns and %d values", len(st.Columns), len(st.Values))
	}
	return st, nil
}

func (p *parser) updateStmt() (*statement, error) {
	st := &statement{Kind: stUpdate, Set: map[string]literal{}}
	var err error
	if st.Table, err = p.ident(); err != nil {
		return nil, err
	}
	if err = p.expect("SET"); err != nil {
		return nil, err
	}
	for {
		c, err := p.ident()
		if err != nil {
			return nil, err
		}
		if err = p.expect("="); err != nil {
			return nil, err
		}
		if st.Set[c], err = p.literal(); err != nil {
			return nil, err
		}
		if !p.accept(",") {
			break
		}
	}
	if st.Where, err = p.where(); err != nil {
		return nil, err
	}
	return st, nil
}

func (p *parser) deleteStmt() (*statement, error) {
	st := &statement{Kind: stDelete}
	if err := p.expect("FROM"); err != nil {
		return nil, err
	}
	var err error
	if st.Table, err = p.ident(); err != nil {
		return nil, err
	}
	if st.Where, err = p.where(); err != nil {
		return nil, err
	}
	return st, nil
}

func (p *parser) createStmt() (*statement, error) {
	st := &statement{Kind: stCreate}
	if err := p.expect("TABLE"); err != nil {
		return nil, err
	}
	var err error
	if st.Name, err = p.ident(); err != nil {
		return nil, err
	}
	if err = p.expect("("); err != nil {
		return nil, err
	}
	for {
		c, err := p.columnDef()
		if err != nil {
			return nil, err
		}
		st.Defs = append(st.Defs, c)
		if !p.accept(",") {
			break
		}
	}
	return st, p.expect(")")
}

func (p *parser) alterStmt() (*statement, error) {
	st := &statement{Kind: stAlter}
	if err := p.expect("TABLE"); err != nil {
		return nil, err
	}
	var err error
	if st.Table, err = p.ident(); err != nil {
		return nil, err
	}
	if err = p.expect("ADD", "COLUMN"); err != nil {
		return nil, err
	}
	c, err := p.columnDef()
	if err != nil {
		return nil, err
	}
	st.Defs = []column{c}
	return st, nil
}

// columnDef parses "name: TYPE"
func (p *parser) columnDef() (column, error) {
	name, err := p.ident()
	if err != nil {
		return column{}, err
	}
	if err = p.expect(":"); err != nil {
		return column{}, err
	}
	t := p.next()
	if t.kind != tkWord {
		return column{}, fmt.Errorf("expected column type, got %q", t.text)
	}
	switch typ := strings.ToLower(t.text); typ {
	case "string", "number", "datetime", "location":
		return column{Name: name, Type: typ}, nil
	}
	return column{}, fmt.Errorf("unsupported column type %q", t.text)
}
