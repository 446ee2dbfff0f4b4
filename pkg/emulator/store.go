package emulator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite" // sqlite driver loaded here
)

// errNoTable returned for unknown table ids
var errNoTable = errors.New("table not found")

// column of a service table
type column struct {
	ID   string
	Name string
	Type string // lowercase service type: string, number, datetime, location
}

// tableMeta is a service table with its columns
type tableMeta struct {
	ID      string
	Name    string
	Owner   string
	Columns []column
}

func (t *tableMeta) column(name string) (column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return column{}, false
}

// row is a stored row, values by column name
type row struct {
	ID     int64
	Values map[string]string
}

// store keeps service tables in sqlite. Rows are stored as JSON documents, so adding a column
// never touches existing rows.
type store struct {
	db *sql.DB
	qb squirrel.StatementBuilderType
}

func newStore(ctx context.Context, dsn string) (*store, error) {
	if dsn == "" {
		dsn = "file::memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("can't open sqlite %s: %w", dsn, err)
	}
	db.SetMaxOpenConns(1) // single connection keeps in-memory database alive and serializes writes

	schema := []string{
		`CREATE TABLE IF NOT EXISTS gft_tables (seq INTEGER PRIMARY KEY AUTOINCREMENT, id TEXT UNIQUE, name TEXT NOT NULL, owner TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS gft_columns (table_id TEXT NOT NULL, pos INTEGER NOT NULL, name TEXT NOT NULL, type TEXT NOT NULL, PRIMARY KEY (table_id, pos))`,
		`CREATE TABLE IF NOT EXISTS gft_rows (row_id INTEGER PRIMARY KEY AUTOINCREMENT, table_id TEXT NOT NULL, data TEXT NOT NULL)`,
		`CREATE INDEX IF NOT EXISTS gft_rows_table ON gft_rows (table_id, row_id)`,
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("can't init emulator schema: %w", err)
		}
	}
	return &store{db: db, qb: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question)}, nil
}

func (s *store) close() error { return s.db.Close() }

// createTable adds table with columns and returns its id
func (s *store) createTable(ctx context.Context, owner, name string, cols []column) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback() // nolint

	res, err := s.qb.Insert("gft_tables").Columns("name", "owner").Values(name, owner).RunWith(tx).ExecContext(ctx)
	if err != nil {
		return "", fmt.Errorf("can't insert table: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return "", err
	}
	id := strconv.FormatInt(1000+seq, 10)
	if _, err = s.qb.Update("gft_tables").Set("id", id).Where(squirrel.Eq{"seq": seq}).RunWith(tx).ExecContext(ctx); err != nil {
		return "", fmt.Errorf("can't set table id: %w", err)
	}
	for i, c := range cols {
		if _, err = s.qb.Insert("gft_columns").Columns("table_id", "pos", "name", "type").
			Values(id, i, c.Name, c.Type).RunWith(tx).ExecContext(ctx); err != nil {
			return "", fmt.Errorf("can't insert column %s: %w", c.Name, err)
		}
	}
	return id, tx.Commit()
}

// table loads table with columns
func (s *store) table(ctx context.Context, id string) (*tableMeta, error) {
	res := &tableMeta{ID: id}
	err := s.qb.Select("name", "owner").From("gft_tables").Where(squirrel.Eq{"id": id}).
		RunWith(s.db).QueryRowContext(ctx).Scan(&res.Name, &res.Owner)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNoTable
	}
	if err != nil {
		return nil, fmt.Errorf("can't load table %s: %w", id, err)
	}

	rows, err := s.qb.Select("pos", "name", "type").From("gft_columns").Where(squirrel.Eq{"table_id": id}).
		OrderBy("pos").RunWith(s.db).QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("can't load columns of %s: %w", id, err)
	}
	defer rows.Close() // nolint
	for rows.Next() {
		var pos int
		var c column
		if err := rows.Scan(&pos, &c.Name, &c.Type); err != nil {
			return nil, err
		}
		c.ID = "col" + strconv.Itoa(pos)
		res.Columns = append(res.Columns, c)
	}
	return res, rows.Err()
}

// listTables returns tables of the owner, all tables if owner is empty
func (s *store) listTables(ctx context.Context, owner string) ([]tableMeta, error) {
	q := s.qb.Select("id", "name", "owner").From("gft_tables").OrderBy("seq")
	if owner != "" {
		q = q.Where(squirrel.Eq{"owner": owner})
	}
	rows, err := q.RunWith(s.db).QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("can't list tables: %w", err)
	}
	defer rows.Close() // nolint
	var res []tableMeta
	for rows.Next() {
		var t tableMeta
		if err := rows.Scan(&t.ID, &t.Name, &t.Owner); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// addColumn appends column to the table and returns its id
func (s *store) addColumn(ctx context.Context, id string, c column) (string, error) {
	var next int
	err := s.qb.Select("COALESCE(MAX(pos)+1, 0)").From("gft_columns").Where(squirrel.Eq{"table_id": id}).
		RunWith(s.db).QueryRowContext(ctx).Scan(&next)
	if err != nil {
		return "", fmt.Errorf("can't get column position: %w", err)
	}
	if _, err = s.qb.Insert("gft_columns").Columns("table_id", "pos", "name", "type").
		Values(id, next, c.Name, c.Type).RunWith(s.db).ExecContext(ctx); err != nil {
		return "", fmt.Errorf("can't add column %s: %w", c.Name, err)
	}
	return "col" + strconv.Itoa(next), nil
}

// dropTable removes table with columns and rows
func (s *store) dropTable(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() // nolint
	for _, tbl := range []string{"gft_rows", "gft_columns"} {
		if _, err = s.qb.Delete(tbl).Where(squirrel.Eq{"table_id": id}).RunWith(tx).ExecContext(ctx); err != nil {
			return fmt.Errorf("can't drop %s of %s: %w", tbl, id, err)
		}
	}
	if _, err = s.qb.Delete("gft_tables").Where(squirrel.Eq{"id": id}).RunWith(tx).ExecContext(ctx); err != nil {
		return fmt.Errorf("can't drop table %s: %w", id, err)
	}
	return tx.Commit()
}

// rows returns all rows of the table in insertion order
func (s *store) rows(ctx context.Context, id string) ([]row, error) {
	rs, err := s.qb.Select("row_id", "data").From("gft_rows").Where(squirrel.Eq{"table_id": id}).
		OrderBy("row_id").RunWith(s.db).QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("can't read rows of %s: %w", id, err)
	}
	defer rs.Close() // nolint
	var res []row
	for rs.Next() {
		var r row
		var data string
		if err := rs.Scan(&r.ID, &data); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(data), &r.Values); err != nil {
			return nil, fmt.Errorf("can't decode row %d: %w", r.ID, err)
		}
		res = append(res, r)
	}
	return res, rs.Err()
}

// insertRow stores values and returns the new row id
func (s *store) insertRow(ctx context.Context, id string, values map[string]string) (int64, error) {
	data, err := json.Marshal(values)
	if err != nil {
		return 0, err
	}
	res, err := s.qb.Insert("gft_rows").Columns("table_id", "data").Values(id, string(data)).RunWith(s.db).ExecContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("can't insert row: %w", err)
	}
	return res.LastInsertId()
}

// updateRow replaces values of the row, returns number of affected rows
func (s *store) updateRow(ctx context.Context, id string, rowID int64, values map[string]string) (int64, error) {
	data, err := json.Marshal(values)
	if err != nil {
		return 0, err
	}
	res, err := s.qb.Update("gft_rows").Set("data", string(data)).
		Where(squirrel.Eq{"table_id": id, "row_id": rowID}).RunWith(s.db).ExecContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("can't update row %d: %w", rowID, err)
	}
	return res.RowsAffected()
}

// deleteRows removes rows by id, returns number of affected rows
func (s *store) deleteRows(ctx context.Context, id string, rowIDs []int64) (int64, error) {
	if len(rowIDs) == 0 {
		return 0, nil
	}
	res, err := s.qb.Delete("gft_rows").Where(squirrel.Eq{"table_id": id, "row_id": rowIDs}).RunWith(s.db).ExecContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("can't delete rows: %w", err)
	}
	return res.RowsAffected()
}
