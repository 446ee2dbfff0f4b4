package gft

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/go-pkgz/stringutils"
	"github.com/go-pkgz/syncs"
	"github.com/hashicorp/go-multierror"

	"github.com/geosky/gft/pkg/auth"
	"github.com/geosky/gft/pkg/transport"
)

// dropLayerPrefix is the pseudo-statement dropping a layer by name
const dropLayerPrefix = "DELLAYER:"

// Opts defines how data source is opened.
type Opts struct {
	Tables      []string // table ids to open, all tables of the account if empty
	Update      bool     // allow writes
	PageSize    int      // rows per cursor page, DefaultPageSize if zero
	Concurrency int      // max parallel schema reads on open, 4 if zero
}

// DataSource is a set of layers sharing a single session with the service.
type DataSource struct {
	exec    Executor
	schemas *SchemaManager
	writer  *Writer
	opts    Opts

	mu     sync.RWMutex
	layers []*Layer
}

// Open makes data source for the given tables and reads their schemas. Any table which can't be
// described fails the whole open.
func Open(ctx context.Context, exec Executor, opts Opts) (*DataSource, error) {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	res := &DataSource{exec: exec, schemas: NewSchemaManager(exec), writer: NewWriter(exec), opts: opts}

	var handles []TableHandle
	if len(opts.Tables) == 0 {
		tables, err := res.schemas.ListTables(ctx)
		if err != nil {
			return nil, fmt.Errorf("can't open data source: %w", err)
		}
		handles = tables
	} else {
		for _, id := range stringutils.DeDup(opts.Tables) {
			handles = append(handles, TableHandle{ID: id, Name: id})
		}
	}

	layers := make([]*Layer, len(handles))
	var errs *multierror.Error
	var errsLock sync.Mutex
	wg := syncs.NewErrSizedGroup(opts.Concurrency, syncs.Context(ctx), syncs.Preemptive)
	for i, h := range handles {
		wg.Go(func() error {
			schema, err := res.schemas.FetchSchema(ctx, h)
			if err != nil {
				err = fmt.Errorf("can't open layer %s: %w", h.Name, err)
				errsLock.Lock()
				errs = multierror.Append(errs, err)
				errsLock.Unlock()
				return err
			}
			layers[i] = newLayer(exec, h, schema, opts.Update, opts.PageSize)
			return nil
		})
	}
	if err := wg.Wait(); err != nil {
		if merr := errs.ErrorOrNil(); merr != nil {
			return nil, merr
		}
		return nil, err
	}
	res.layers = layers
	log.Printf("[DEBUG] data source opened with %d layers, update %v", len(layers), opts.Update)
	return res, nil
}

// Layers returns all layers in the order they were opened or created.
func (d *DataSource) Layers() []*Layer {
	d.mu.RLock()
	defer d.mu.RUnlock()
	res := make([]*Layer, len(d.layers))
	copy(res, d.layers)
	return res
}

// Layer returns layer by name or table id.
func (d *DataSource) Layer(name string) (*Layer, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if _, l := d.find(name); l != nil {
		return l, nil
	}
	return nil, fmt.Errorf("layer %q: %w", name, ErrNoSuchLayer)
}

// find looks up layer by name first and by table id second, caller holds the lock
func (d *DataSource) find(name string) (int, *Layer) {
	for i, l := range d.layers {
		if l.table.Name == name {
			return i, l
		}
	}
	for i, l := range d.layers {
		if l.table.ID == name {
			return i, l
		}
	}
	return -1, nil
}

// CreateLayer creates a table with the given columns. A geometry column is added if none given.
func (d *DataSource) CreateLayer(ctx context.Context, name string, cols ...Column) (*Layer, error) {
	if !d.opts.Update {
		return nil, ErrReadOnly
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, l := d.find(name); l != nil && l.table.Name == name {
		return nil, fmt.Errorf("layer %q already exists", name)
	}
	h, schema, err := d.schemas.CreateTable(ctx, name, cols...)
	if err != nil {
		return nil, err
	}
	l := newLayer(d.exec, h, schema, true, d.opts.PageSize)
	d.layers = append(d.layers, l)
	return l, nil
}

// DropLayer drops the table behind the layer. Irreversible.
func (d *DataSource) DropLayer(ctx context.Context, name string) error {
	if !d.opts.Update {
		return ErrReadOnly
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	i, l := d.find(name)
	if l == nil {
		return fmt.Errorf("layer %q: %w", name, ErrNoSuchLayer)
	}
	if err := d.writer.DropTable(ctx, l.table); err != nil {
		return err
	}
	d.layers = append(d.layers[:i], d.layers[i+1:]...)
	return nil
}

// ExecuteStatement passes statement to the service verbatim and returns the raw response.
// "DELLAYER:<name>" drops the named layer and returns nil table. Statements other than
// SELECT, DESCRIBE and SHOW need update mode.
func (d *DataSource) ExecuteStatement(ctx context.Context, stmt string) (*transport.Table, error) {
	stmt = strings.TrimSpace(stmt)
	if len(stmt) >= len(dropLayerPrefix) && strings.EqualFold(stmt[:len(dropLayerPrefix)], dropLayerPrefix) {
		return nil, d.DropLayer(ctx, strings.TrimSpace(stmt[len(dropLayerPrefix):]))
	}

	method := transport.Post
	if fields := strings.Fields(stmt); len(fields) > 0 {
		switch strings.ToUpper(fields[0]) {
		case "SELECT", "DESCRIBE", "SHOW":
			method = transport.Get
		}
	}
	if method == transport.Post && !d.opts.Update {
		return nil, ErrReadOnly
	}
	tbl, err := d.exec.Exec(ctx, method, stmt)
	if err != nil {
		return nil, fmt.Errorf("can't execute %q: %w", stringutils.Truncate(stmt, 64), err)
	}
	return tbl, nil
}

// Config defines everything needed to connect to the service and open a data source.
type Config struct {
	Conn        string // optional connection string, see ParseConnString
	Auth        auth.Opts
	Transport   transport.Opts
	Tables      []string
	Update      bool
	PageSize    int
	Concurrency int
}

// Connect makes session with the service and opens data source. Values from connection string
// override credentials and tables of the config.
func Connect(ctx context.Context, cfg Config) (*DataSource, error) {
	if cfg.Conn != "" {
		params, err := ParseConnString(cfg.Conn)
		if err != nil {
			return nil, err
		}
		params.apply(&cfg)
	}
	tr, err := transport.New(cfg.Transport)
	if err != nil {
		return nil, fmt.Errorf("can't make transport: %w", err)
	}
	session := NewSession(tr, auth.New(cfg.Auth))
	ds, err := Open(ctx, session, Opts{Tables: cfg.Tables, Update: cfg.Update, PageSize: cfg.PageSize, Concurrency: cfg.Concurrency})
	if err != nil {
		return nil, err
	}
	return ds, nil
}

// ConnParams are values of a connection string.
type ConnParams struct {
	Tables   []string
	Auth     string
	Email    string
	Password string
}

// ErrNotConnString returned for strings without the GFT: prefix
var ErrNotConnString = errors.New("not a GFT connection string")

// ParseConnString parses "GFT:tables=<id>[,<id>...] auth=<key> email=<email> password=<password>".
// All keys are optional, values with spaces can be quoted with single or double quotes.
func ParseConnString(s string) (ConnParams, error) {
	const prefix = "GFT:"
	s = strings.TrimSpace(s)
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return ConnParams{}, ErrNotConnString
	}

	tokens, err := splitConn(s[len(prefix):])
	if err != nil {
		return ConnParams{}, err
	}
	res := ConnParams{}
	for _, tok := range tokens {
		key, val, ok := strings.Cut(tok, "=")
		if !ok {
			return ConnParams{}, fmt.Errorf("invalid connection string element %q", tok)
		}
		switch strings.ToLower(key) {
		case "tables":
			for _, t := range strings.Split(val, ",") {
				if t = strings.TrimSpace(t); t != "" {
					res.Tables = append(res.Tables, t)
				}
			}
			res.Tables = stringutils.DeDup(res.Tables)
		case "auth":
			res.Auth = val
		case "email":
			res.Email = val
		case "password":
			res.Password = val
		default:
			return ConnParams{}, fmt.Errorf("unknown connection string key %q", key)
		}
	}
	return res, nil
}

func (p ConnParams) apply(cfg *Config) {
	if len(p.Tables) > 0 {
		cfg.Tables = p.Tables
	}
	if p.Auth != "" {
		cfg.Auth.AuthKey = p.Auth
	}
	if p.Email != "" {
		cfg.Auth.Email = p.Email
	}
	if p.Password != "" {
		cfg.Auth.Password = p.Password
	}
}

// splitConn splits on spaces outside of quotes and removes the quotes
func splitConn(s string) ([]string, error) {
	var res []string
	var cur strings.Builder
	var quote rune
	inToken := false
	for _, r := range s {
		switch {
		case quote != 0 && r == quote:
			quote = 0
		case quote != 0:
			cur.WriteRune(r)
		case r == '\'' || r == '"':
			quote, inToken = r, true
		case r == ' ' || r == '\t' || r == '\n':
			if inToken {
				res = append(res, cur.String())
				cur.Reset()
				inToken = false
			}
		default:
			cur.WriteRune(r)
			inToken = true
		}
	}
	if quote != 0 {
		return nil, errors.New("unterminated quote in connection string")
	}
	if inToken {
		res = append(res, cur.String())
	}
	return res, nil
}
