// Package emulator implements a local stand-in for the tables service: the login exchange
// and the SQL-over-HTTP query endpoint answering with CSV. Tables live in sqlite, tokens are
// signed JWTs. It is used by integration tests and by the gftemu command.
package emulator

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/csv"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// paths served by the emulator
const (
	LoginPath = "/accounts/ClientLogin"
	QueryPath = "/fusiontables/api/query"
	APIPath   = "/fusiontables/api"

	authPrefix = "GoogleLogin auth="
)

var (
	errUnauthorized = errors.New("token invalid")
	errForbidden    = errors.New("access denied")
	errBadRequest   = errors.New("bad request")
)

// Opts defines emulator parameters
type Opts struct {
	DB         string            // sqlite dsn, in-memory database if empty
	Secret     string            // token signing secret, random if empty
	TokenTTL   time.Duration     // lifetime of issued tokens, one hour if zero
	Accounts   map[string]string // password by account email
	Keys       map[string]string // account email by static authorization key
	PublicRead bool              // allow anonymous reads of any table
}

// Stats counts requests served
type Stats struct {
	Logins  int64
	Queries int64
}

// Server is the service emulator
type Server struct {
	opts   Opts
	secret []byte
	store  *store

	generation atomic.Int64 // tokens of older generations are rejected
	logins     atomic.Int64
	queries    atomic.Int64
}

type claims struct {
	Generation int64 `json:"gen"`
	jwt.RegisteredClaims
}

// result is a CSV response, nil result makes an empty body
type result struct {
	columns []string
	rows    [][]string
}

// New makes emulator with its storage initialized
func New(ctx context.Context, opts Opts) (*Server, error) {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = time.Hour
	}
	secret := []byte(opts.Secret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("can't make secret: %w", err)
		}
	}
	st, err := newStore(ctx, opts.DB)
	if err != nil {
		return nil, err
	}
	return &Server{opts: opts, secret: secret, store: st}, nil
}

// Close releases storage
func (s *Server) Close() error { return s.store.close() }

// Revoke invalidates all tokens issued so far. Static keys stay valid.
func (s *Server) Revoke() {
	gen := s.generation.Add(1)
	log.Printf("[INFO] tokens revoked, generation %d", gen)
}

// Stats returns request counters
func (s *Server) Stats() Stats {
	return Stats{Logins: s.logins.Load(), Queries: s.queries.Load()}
}

// Token issues a token for the account without login exchange
func (s *Server) Token(email string) (string, error) {
	now := time.Now()
	c := claims{
		Generation: s.generation.Load(),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.opts.TokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
}

// Handler returns http handler with all emulator routes
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.logRequest)
	r.POST(LoginPath, s.login)
	r.GET(QueryPath, s.query)
	r.POST(QueryPath, s.query)
	return r
}

// Run serves on the address until context is canceled
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] emulator shutdown: %v", err)
		}
	}()
	log.Printf("[INFO] emulator listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("emulator server failed: %w", err)
	}
	return nil
}

func (s *Server) logRequest(c *gin.Context) {
	st := time.Now()
	c.Next()
	log.Printf("[DEBUG] %s %s %d %v", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(st))
}

// login implements the email/password exchange, key=value lines in response body
func (s *Server) login(c *gin.Context) {
	s.logins.Add(1)
	email, passwd := c.PostForm("Email"), c.PostForm("Passwd")
	expected, ok := s.opts.Accounts[email]
	if !ok || email == "" || expected != passwd {
		log.Printf("[WARN] login rejected for %q", email)
		c.String(http.StatusForbidden, "Error=BadAuthentication\n")
		return
	}
	token, err := s.Token(email)
	if err != nil {
		c.String(http.StatusInternalServerError, "Error=Unknown\n")
		return
	}
	sid := strings.ReplaceAll(uuid.NewString(), "-", "")
	c.String(http.StatusOK, "SID=%s\nLSID=%s\nAuth=%s\n", sid, sid, token)
}

// query runs single statement, GET for reads and POST for everything
func (s *Server) query(c *gin.Context) {
	s.queries.Add(1)
	text := c.Query("sql")
	if c.Request.Method == http.MethodPost {
		text = c.PostForm("sql")
	}
	if strings.TrimSpace(text) == "" {
		c.String(http.StatusBadRequest, "missing sql")
		return
	}

	caller, err := s.caller(c.GetHeader("Authorization"))
	if err != nil {
		c.String(http.StatusUnauthorized, "%s", err.Error())
		return
	}

	st, err := parse(text)
	if err != nil {
		c.String(http.StatusBadRequest, "Parse error: %v", err)
		return
	}
	if c.Request.Method == http.MethodGet && !st.Kind.readOnly() {
		c.String(http.StatusBadRequest, "POST required for %q", text)
		return
	}
	if caller == "" && (!st.Kind.readOnly() || !s.opts.PublicRead) {
		c.String(http.StatusUnauthorized, "Login required")
		return
	}

	res, err := s.exec(c.Request.Context(), caller, st)
	switch {
	case errors.Is(err, errNoTable):
		c.String(http.StatusNotFound, "Table %s not found", st.Table)
		return
	case errors.Is(err, errForbidden):
		c.String(http.StatusForbidden, "%s", err.Error())
		return
	case errors.Is(err, errBadRequest):
		c.String(http.StatusBadRequest, "%s", err.Error())
		return
	case err != nil:
		log.Printf("[WARN] query %q failed: %v", text, err)
		c.String(http.StatusInternalServerError, "Backend error")
		return
	}

	if res == nil {
		c.Status(http.StatusOK)
		return
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write(res.columns)
	_ = w.WriteAll(res.rows)
	c.Data(http.StatusOK, "text/csv; charset=UTF-8", buf.Bytes())
}

// caller resolves authorization header to account email, empty for anonymous
func (s *Server) caller(header string) (string, error) {
	if header == "" {
		return "", nil
	}
	if !strings.HasPrefix(header, authPrefix) {
		return "", fmt.Errorf("%w: unsupported authorization scheme", errUnauthorized)
	}
	token := strings.TrimPrefix(header, authPrefix)
	if email, ok := s.opts.Keys[token]; ok {
		return email, nil
	}

	cl := claims{}
	_, err := jwt.ParseWithClaims(token, &cl, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", errUnauthorized, err)
	}
	if cl.Generation != s.generation.Load() {
		return "", fmt.Errorf("%w: revoked", errUnauthorized)
	}
	if cl.Subject == "" {
		return "", fmt.Errorf("%w: no subject", errUnauthorized)
	}
	return cl.Subject, nil
}

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func (s *Server) exec(ctx context.Context, caller string, st *statement) (*result, error) {
	switch st.Kind {
	case stShow:
		return s.showTables(ctx, caller)
	case stCreate:
		return s.createTable(ctx, caller, st)
	}

	t, err := s.store.table(ctx, st.Table)
	if err != nil {
		return nil, err
	}
	if t.Owner != caller && !(st.Kind.readOnly() && s.opts.PublicRead) {
		return nil, fmt.Errorf("%w: table %s", errForbidden, t.ID)
	}

	switch st.Kind {
	case stDescribe:
		res := &result{columns: []string{"column id", "name", "type"}}
		for _, c := range t.Columns {
			res.rows = append(res.rows, []string{c.ID, c.Name, c.Type})
		}
		return res, nil
	case stAlter:
		c := st.Defs[0]
		if _, ok := t.column(c.Name); ok {
			return nil, badRequest("column %q already exists", c.Name)
		}
		id, err := s.store.addColumn(ctx, t.ID, c)
		if err != nil {
			return nil, err
		}
		return &result{columns: []string{"column id"}, rows: [][]string{{id}}}, nil
	case stDrop:
		return nil, s.store.dropTable(ctx, t.ID)
	case stInsert:
		return s.insert(ctx, t, st)
	case stUpdate:
		return s.update(ctx, t, st)
	case stDelete:
		return s.delete(ctx, t, st)
	case stSelect:
		return s.selectRows(ctx, t, st)
	}
	return nil, badRequest("unsupported statement")
}

func (s *Server) showTables(ctx context.Context, caller string) (*result, error) {
	// anonymous caller gets here only with public reads and sees all tables
	tables, err := s.store.listTables(ctx, caller)
	if err != nil {
		return nil, err
	}
	res := &result{columns: []string{"table id", "name"}}
	for _, t := range tables {
		res.rows = append(res.rows, []string{t.ID, t.Name})
	}
	return res, nil
}

func (s *Server) createTable(ctx context.Context, caller string, st *statement) (*result, error) {
	seen := map[string]bool{}
	for _, c := range st.Defs {
		if seen[c.Name] {
			return nil, badRequest("duplicate column %q", c.Name)
		}
		seen[c.Name] = true
	}
	id, err := s.store.createTable(ctx, caller, st.Name, st.Defs)
	if err != nil {
		return nil, err
	}
	log.Printf("[INFO] table %s %q created for %s", id, st.Name, caller)
	return &result{columns: []string{"tableid"}, rows: [][]string{{id}}}, nil
}

// checkValue validates literal against column type, numbers must parse unless empty
func checkValue(c column, v literal) error {
	if c.Type == "number" && v.Text != "" {
		if _, err := strconv.ParseFloat(strings.TrimSpace(v.Text), 64); err != nil {
			return badRequest("invalid number %q for column %q", v.Text, c.Name)
		}
	}
	return nil
}

func (s *Server) insert(ctx context.Context, t *tableMeta, st *statement) (*result, error) {
	values := map[string]string{}
	for i, name := range st.Columns {
		c, ok := t.column(name)
		if !ok {
			return nil, badRequest("unknown column %q", name)
		}
		if err := checkValue(c, st.Values[i]); err != nil {
			return nil, err
		}
		values[name] = st.Values[i].Text
	}
	id, err := s.store.insertRow(ctx, t.ID, values)
	if err != nil {
		return nil, err
	}
	return &result{columns: []string{"rowid"}, rows: [][]string{{strconv.FormatInt(id, 10)}}}, nil
}

// update supports only single row updates by ROWID
func (s *Server) update(ctx context.Context, t *tableMeta, st *statement) (*result, error) {
	if len(st.Where) != 1 || !strings.EqualFold(st.Where[0].Column, rowIDName) || st.Where[0].Op != "=" {
		return nil, badRequest("UPDATE requires WHERE ROWID = <id>")
	}
	for name, v := range st.Set {
		c, ok := t.column(name)
		if !ok {
			return nil, badRequest("unknown column %q", name)
		}
		if err := checkValue(c, v); err != nil {
			return nil, err
		}
	}
	rows, err := s.store.rows(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	var affected int64
	for _, r := range rows {
		ok, err := match(t, r, st.Where)
		if err != nil {
			return nil, badRequest("%v", err)
		}
		if !ok {
			continue
		}
		for name, v := range st.Set {
			r.Values[name] = v.Text
		}
		n, err := s.store.updateRow(ctx, t.ID, r.ID, r.Values)
		if err != nil {
			return nil, err
		}
		affected += n
	}
	return affectedRows(affected), nil
}

func (s *Server) delete(ctx context.Context, t *tableMeta, st *statement) (*result, error) {
	rows, err := s.store.rows(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, r := range rows {
		ok, err := match(t, r, st.Where)
		if err != nil {
			return nil, badRequest("%v", err)
		}
		if ok {
			ids = append(ids, r.ID)
		}
	}
	n, err := s.store.deleteRows(ctx, t.ID, ids)
	if err != nil {
		return nil, err
	}
	return affectedRows(n), nil
}

func affectedRows(n int64) *result {
	return &result{columns: []string{"affected_rows"}, rows: [][]string{{strconv.FormatInt(n, 10)}}}
}

func (s *Server) selectRows(ctx context.Context, t *tableMeta, st *statement) (*result, error) {
	cols := st.Columns
	if len(cols) == 0 && !st.Count {
		for _, c := range t.Columns {
			cols = append(cols, c.Name)
		}
	}
	for _, name := range cols {
		if _, ok := t.column(name); !ok && !strings.EqualFold(name, rowIDName) {
			return nil, badRequest("unknown column %q", name)
		}
	}

	rows, err := s.store.rows(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	matched := make([]row, 0, len(rows))
	for _, r := range rows {
		ok, err := match(t, r, st.Where)
		if err != nil {
			return nil, badRequest("%v", err)
		}
		if ok {
			matched = append(matched, r)
		}
	}

	if st.Count {
		return &result{columns: []string{"count()"}, rows: [][]string{{strconv.Itoa(len(matched))}}}, nil
	}

	if st.OrderBy != "" {
		if err := orderRows(t, matched, st.OrderBy, st.Desc); err != nil {
			return nil, err
		}
	}
	lo := min(st.Offset, len(matched))
	hi := len(matched)
	if st.Limit >= 0 {
		hi = min(lo+st.Limit, hi)
	}
	matched = matched[lo:hi]

	res := &result{columns: make([]string, len(cols))}
	for i, name := range cols {
		res.columns[i] = name
		if strings.EqualFold(name, rowIDName) {
			res.columns[i] = "rowid"
		}
	}
	for _, r := range matched {
		rec := make([]string, len(cols))
		for i, name := range cols {
			rec[i], _, _ = value(t, r, name)
		}
		res.rows = append(res.rows, rec)
	}
	return res, nil
}

func orderRows(t *tableMeta, rows []row, name string, desc bool) error {
	_, c, err := value(t, row{}, name)
	if err != nil {
		return badRequest("%v", err)
	}
	less := func(a, b string) bool { return a < b }
	if c.Type == "number" {
		less = func(a, b string) bool {
			x, _ := strconv.ParseFloat(a, 64)
			y, _ := strconv.ParseFloat(b, 64)
			return x < y
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		a, _, _ := value(t, rows[i], name)
		b, _, _ := value(t, rows[j], name)
		if desc {
			return less(b, a)
		}
		return less(a, b)
	})
	return nil
}
