package gft

import (
	"context"
	"errors"
	"fmt"

	"github.com/geosky/gft/pkg/transport"
)

// DefaultPageSize is the number of rows fetched by a single cursor query
const DefaultPageSize = 500

type cursorState int

const (
	unopened cursorState = iota
	positioned
	exhausted
)

// Cursor is a lazy forward iterator over features of a table matching a filter. Pages of rows are
// fetched on demand. Cursor is not safe for concurrent use.
type Cursor struct {
	exec     Executor
	table    TableHandle
	schema   *Schema
	filter   Filter
	pageSize int

	state   cursorState
	offset  Offset // features returned so far
	fetched int    // rows requested so far, skipped rows included
	buf     []*Feature
	last    bool // the buffered page is the last one
}

// NewCursor makes cursor in unopened state, nothing is fetched until the first Next.
func NewCursor(exec Executor, table TableHandle, schema *Schema, filter Filter, pageSize int) *Cursor {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Cursor{exec: exec, table: table, schema: schema, filter: filter, pageSize: pageSize}
}

// Reset moves cursor to the start and drops buffered rows.
func (c *Cursor) Reset() {
	c.state = positioned
	c.offset, c.fetched, c.buf, c.last = 0, 0, nil, false
}

// Offset returns number of features returned since the last reset.
func (c *Cursor) Offset() Offset { return c.offset }

// Next returns the next feature or ErrEndOfSequence. Once exhausted, the cursor keeps returning
// ErrEndOfSequence until Reset.
func (c *Cursor) Next(ctx context.Context) (*Feature, error) {
	if c.state == unopened {
		c.Reset()
	}
	for len(c.buf) == 0 {
		if c.state == exhausted || c.last {
			c.state = exhausted
			return nil, ErrEndOfSequence
		}
		if err := c.fetch(ctx); err != nil {
			return nil, err
		}
	}
	f := c.buf[0]
	c.buf = c.buf[1:]
	c.offset++
	return f, nil
}

// fetch loads the next page. A page shorter than requested is the last one.
func (c *Cursor) fetch(ctx context.Context) error {
	query, err := Compile(page(selectFeatures(c.table, c.schema), c.fetched, c.pageSize), geomColumnName(c.schema), c.filter)
	if err != nil {
		return err
	}
	tbl, err := c.exec.Exec(ctx, transport.Get, query)
	if err != nil {
		return fmt.Errorf("can't read features of %s: %w", c.table.Name, err)
	}
	res, err := Parse(tbl, c.schema)
	if err != nil {
		return withStatement(err, query)
	}
	c.fetched += res.Rows
	c.last = res.Rows < c.pageSize
	c.buf = res.Features
	return nil
}

// FetchByRowID reads a single feature by row id, regardless of the filter. The cursor position
// is not affected.
func (c *Cursor) FetchByRowID(ctx context.Context, id RowID) (*Feature, error) {
	query, err := Compile(selectFeatures(c.table, c.schema).Where(rowIDClause(id)), "", Filter{})
	if err != nil {
		return nil, err
	}
	tbl, err := c.exec.Exec(ctx, transport.Get, query)
	if err != nil {
		return nil, fmt.Errorf("can't read feature %s of %s: %w", id, c.table.Name, err)
	}
	res, err := Parse(tbl, c.schema)
	if err != nil {
		return nil, withStatement(err, query)
	}
	if len(res.Features) == 0 {
		if rowErr := res.RowErrors(); rowErr != nil {
			return nil, fmt.Errorf("can't read feature %s of %s: %w", id, c.table.Name, res.Skipped.Errors[0])
		}
		return nil, fmt.Errorf("feature %s of %s: %w", id, c.table.Name, ErrNotFound)
	}
	return res.Features[0], nil
}

// withStatement sets statement of a ProtocolError returned by Parse
func withStatement(err error, stmt string) error {
	var perr *ProtocolError
	if errors.As(err, &perr) && perr.Statement == "" {
		perr.Statement = stmt
	}
	return err
}
