package emulator

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	m.Run()
}

func newTestServer(t *testing.T, opts Opts) (*Server, *httptest.Server) {
	if opts.Accounts == nil {
		opts.Accounts = map[string]string{"user@example.com": "secret", "other@example.com": "secret2"}
	}
	if opts.Keys == nil {
		opts.Keys = map[string]string{"user-key": "user@example.com", "other-key": "other@example.com"}
	}
	srv, err := New(context.Background(), opts)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		assert.NoError(t, srv.Close())
	})
	return srv, ts
}

// do sends statement with GET or POST and returns status and response body
func do(t *testing.T, ts *httptest.Server, method, token, stmt string) (status int, body string) {
	var req *http.Request
	var err error
	if method == http.MethodGet {
		req, err = http.NewRequest(method, ts.URL+QueryPath+"?sql="+url.QueryEscape(stmt), http.NoBody)
		require.NoError(t, err)
	} else {
		req, err = http.NewRequest(method, ts.URL+QueryPath, strings.NewReader(url.Values{"sql": {stmt}}.Encode()))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if token != "" {
		req.Header.Set("Authorization", authPrefix+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() // nolint
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data)
}

func records(t *testing.T, body string) [][]string {
	res, err := csv.NewReader(strings.NewReader(body)).ReadAll()
	require.NoError(t, err)
	return res
}

// query sends statement expecting success and returns parsed csv
func query(t *testing.T, ts *httptest.Server, method, token, stmt string) [][]string {
	status, body := do(t, ts, method, token, stmt)
	require.Equal(t, http.StatusOK, status, body)
	return records(t, body)
}

func TestServer_Login(t *testing.T) {
	srv, ts := newTestServer(t, Opts{})

	resp, err := http.PostForm(ts.URL+LoginPath, url.Values{"Email": {"user@example.com"}, "Passwd": {"secret"}})
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var token string
	for _, line := range strings.Split(string(body), "\n") {
		if v, ok := strings.CutPrefix(line, "Auth="); ok {
			token = v
		}
	}
	require.NotEmpty(t, token)
	assert.Contains(t, string(body), "SID=")

	rows := query(t, ts, http.MethodGet, token, "SHOW TABLES")
	assert.Equal(t, [][]string{{"table id", "name"}}, rows)

	resp, err = http.PostForm(ts.URL+LoginPath, url.Values{"Email": {"user@example.com"}, "Passwd": {"bad"}})
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "Error=BadAuthentication\n", string(body))

	assert.Equal(t, Stats{Logins: 2, Queries: 1}, srv.Stats())
}

func TestServer_TableLifecycle(t *testing.T) {
	_, ts := newTestServer(t, Opts{})
	const key = "user-key"

	rows := query(t, ts, http.MethodPost, key, "CREATE TABLE 'my places' (name: STRING, size: NUMBER, geom: LOCATION)")
	assert.Equal(t, [][]string{{"tableid"}, {"1001"}}, rows)

	rows = query(t, ts, http.MethodGet, key, "DESCRIBE 1001")
	assert.Equal(t, [][]string{{"column id", "name", "type"},
		{"col0", "name", "string"}, {"col1", "size", "number"}, {"col2", "geom", "location"}}, rows)

	rows = query(t, ts, http.MethodPost, key, "INSERT INTO 1001 (name, size, geom) VALUES ('first', 10, 'POINT(10 20)')")
	assert.Equal(t, [][]string{{"rowid"}, {"1"}}, rows)
	rows = query(t, ts, http.MethodPost, key, "INSERT INTO 1001 (name, geom) VALUES ('it\\'s second', 'POLYGON((0 0,2 0,2 2,0 2,0 0))')")
	assert.Equal(t, [][]string{{"rowid"}, {"2"}}, rows)

	rows = query(t, ts, http.MethodGet, key, "SELECT ROWID, name, size, geom FROM 1001")
	assert.Equal(t, [][]string{{"rowid", "name", "size", "geom"},
		{"1", "first", "10", "POINT(10 20)"}, {"2", "it's second", "", "POLYGON((0 0,2 0,2 2,0 2,0 0))"}}, rows)

	rows = query(t, ts, http.MethodGet, key, "SELECT * FROM 1001 WHERE size > 5")
	assert.Equal(t, [][]string{{"name", "size", "geom"}, {"first", "10", "POINT(10 20)"}}, rows)

	rows = query(t, ts, http.MethodGet, key, "SELECT COUNT() FROM 1001")
	assert.Equal(t, [][]string{{"count()"}, {"2"}}, rows)

	rows = query(t, ts, http.MethodPost, key, "UPDATE 1001 SET name = 'renamed', size = 11 WHERE ROWID = '1'")
	assert.Equal(t, [][]string{{"affected_rows"}, {"1"}}, rows)
	rows = query(t, ts, http.MethodPost, key, "UPDATE 1001 SET name = 'x' WHERE ROWID = '99'")
	assert.Equal(t, [][]string{{"affected_rows"}, {"0"}}, rows)
	rows = query(t, ts, http.MethodGet, key, "SELECT ROWID, name, size FROM 1001 WHERE ROWID = '1'")
	assert.Equal(t, [][]string{{"rowid", "name", "size"}, {"1", "renamed", "11"}}, rows)

	rows = query(t, ts, http.MethodPost, key, "ALTER TABLE 1001 ADD COLUMN seen: DATETIME")
	assert.Equal(t, [][]string{{"column id"}, {"col3"}}, rows)
	rows = query(t, ts, http.MethodGet, key, "SELECT ROWID, seen FROM 1001 WHERE ROWID = '2'")
	assert.Equal(t, [][]string{{"rowid", "seen"}, {"2", ""}}, rows, "new column is empty for old rows")

	rows = query(t, ts, http.MethodPost, key, "DELETE FROM 1001 WHERE ROWID = '2'")
	assert.Equal(t, [][]string{{"affected_rows"}, {"1"}}, rows)
	rows = query(t, ts, http.MethodGet, key, "SELECT COUNT() FROM 1001")
	assert.Equal(t, [][]string{{"count()"}, {"1"}}, rows)

	rows = query(t, ts, http.MethodGet, key, "SHOW TABLES")
	assert.Equal(t, [][]string{{"table id", "name"}, {"1001", "my places"}}, rows)

	status, body := do(t, ts, http.MethodPost, key, "DROP TABLE 1001")
	assert.Equal(t, http.StatusOK, status)
	assert.Empty(t, body)
	status, _ = do(t, ts, http.MethodGet, key, "DESCRIBE 1001")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestServer_SelectPagingAndFilters(t *testing.T) {
	_, ts := newTestServer(t, Opts{})
	const key = "user-key"
	query(t, ts, http.MethodPost, key, "CREATE TABLE pts (name: STRING, n: NUMBER, geom: LOCATION)")
	for i, p := range []string{"POINT(10 20)", "POINT(-10 -20)", "30 40", "", "junk"} {
		query(t, ts, http.MethodPost, key, fmt.Sprintf("INSERT INTO 1001 (name, n, geom) VALUES ('p%c', %d, '%s')", 'a'+i, i, p))
	}

	rows := query(t, ts, http.MethodGet, key, "SELECT ROWID FROM 1001 OFFSET 1 LIMIT 2")
	assert.Equal(t, [][]string{{"rowid"}, {"2"}, {"3"}}, rows)
	rows = query(t, ts, http.MethodGet, key, "SELECT ROWID FROM 1001 OFFSET 4 LIMIT 2")
	assert.Equal(t, [][]string{{"rowid"}, {"5"}}, rows)
	rows = query(t, ts, http.MethodGet, key, "SELECT ROWID FROM 1001 OFFSET 10 LIMIT 2")
	assert.Equal(t, [][]string{{"rowid"}}, rows)

	rows = query(t, ts, http.MethodGet, key,
		"SELECT ROWID FROM 1001 WHERE ST_INTERSECTS(geom, RECTANGLE(LATLNG(0, 0), LATLNG(50, 50)))")
	assert.Equal(t, [][]string{{"rowid"}, {"1"}, {"3"}}, rows, "lat/lng location is 'lat lng'")

	rows = query(t, ts, http.MethodGet, key,
		"SELECT COUNT() FROM 1001 WHERE ST_INTERSECTS(geom, RECTANGLE(LATLNG(0, 0), LATLNG(50, 50))) AND n >= 2")
	assert.Equal(t, [][]string{{"count()"}, {"1"}}, rows)

	rows = query(t, ts, http.MethodGet, key, "SELECT name FROM 1001 WHERE name LIKE 'p_' AND n < 2 ORDER BY n DESC")
	assert.Equal(t, [][]string{{"name"}, {"pb"}, {"pa"}}, rows)

	rows = query(t, ts, http.MethodGet, key, "SELECT name FROM 1001 WHERE name NOT LIKE '%a' AND name != 'pe'")
	assert.Equal(t, [][]string{{"name"}, {"pb"}, {"pc"}, {"pd"}}, rows)
}

func TestServer_Access(t *testing.T) {
	srv, ts := newTestServer(t, Opts{})
	query(t, ts, http.MethodPost, "user-key", "CREATE TABLE mine (name: STRING)")

	status, _ := do(t, ts, http.MethodGet, "", "SELECT name FROM 1001")
	assert.Equal(t, http.StatusUnauthorized, status, "anonymous without public reads")

	status, _ = do(t, ts, http.MethodGet, "other-key", "SELECT name FROM 1001")
	assert.Equal(t, http.StatusForbidden, status, "table of other account")

	rows := query(t, ts, http.MethodGet, "other-key", "SHOW TABLES")
	assert.Equal(t, [][]string{{"table id", "name"}}, rows, "tables listed per account")

	status, _ = do(t, ts, http.MethodGet, "bogus", "SHOW TABLES")
	assert.Equal(t, http.StatusUnauthorized, status)

	token, err := srv.Token("user@example.com")
	require.NoError(t, err)
	query(t, ts, http.MethodGet, token, "SELECT name FROM 1001")
	srv.Revoke()
	status, body := do(t, ts, http.MethodGet, token, "SELECT name FROM 1001")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Contains(t, body, "revoked")
	query(t, ts, http.MethodGet, "user-key", "SELECT name FROM 1001") // static key survives revoke

	req, err := http.NewRequest(http.MethodGet, ts.URL+QueryPath+"?sql=SHOW+TABLES", http.NoBody)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer user-key")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_PublicRead(t *testing.T) {
	_, ts := newTestServer(t, Opts{PublicRead: true})
	query(t, ts, http.MethodPost, "user-key", "CREATE TABLE shared (name: STRING)")
	query(t, ts, http.MethodPost, "user-key", "INSERT INTO 1001 (name) VALUES ('a')")

	rows := query(t, ts, http.MethodGet, "", "SELECT ROWID, name FROM 1001")
	assert.Equal(t, [][]string{{"rowid", "name"}, {"1", "a"}}, rows)
	rows = query(t, ts, http.MethodGet, "", "SHOW TABLES")
	assert.Equal(t, [][]string{{"table id", "name"}, {"1001", "shared"}}, rows)
	rows = query(t, ts, http.MethodGet, "other-key", "DESCRIBE 1001")
	assert.Len(t, rows, 2)

	status, _ := do(t, ts, http.MethodPost, "", "INSERT INTO 1001 (name) VALUES ('b')")
	assert.Equal(t, http.StatusUnauthorized, status, "anonymous can't write")
	status, _ = do(t, ts, http.MethodPost, "other-key", "INSERT INTO 1001 (name) VALUES ('b')")
	assert.Equal(t, http.StatusForbidden, status, "public read is not public write")
}

func TestServer_BadRequests(t *testing.T) {
	_, ts := newTestServer(t, Opts{})
	query(t, ts, http.MethodPost, "user-key", "CREATE TABLE t (name: STRING, n: NUMBER)")
	query(t, ts, http.MethodPost, "user-key", "INSERT INTO 1001 (name, n) VALUES ('y', 1)")

	tbl := []struct {
		name   string
		method string
		stmt   string
		status int
	}{
		{"empty", http.MethodGet, " ", http.StatusBadRequest},
		{"parse error", http.MethodGet, "SELEKT x FROM 1001", http.StatusBadRequest},
		{"mutation with get", http.MethodGet, "DELETE FROM 1001", http.StatusBadRequest},
		{"unknown table", http.MethodGet, "SELECT name FROM 999", http.StatusNotFound},
		{"unknown column", http.MethodGet, "SELECT nope FROM 1001", http.StatusBadRequest},
		{"unknown where column", http.MethodGet, "SELECT name FROM 1001 WHERE nope = 1", http.StatusBadRequest},
		{"invalid number", http.MethodPost, "INSERT INTO 1001 (n) VALUES ('abc')", http.StatusBadRequest},
		{"update without rowid", http.MethodPost, "UPDATE 1001 SET name = 'x' WHERE name = 'y'", http.StatusBadRequest},
		{"duplicate column", http.MethodPost, "ALTER TABLE 1001 ADD COLUMN name: STRING", http.StatusBadRequest},
		{"duplicate create column", http.MethodPost, "CREATE TABLE x (a: STRING, a: NUMBER)", http.StatusBadRequest},
		{"intersects non location", http.MethodGet,
			"SELECT name FROM 1001 WHERE ST_INTERSECTS(name, RECTANGLE(LATLNG(0, 0), LATLNG(1, 1)))", http.StatusBadRequest},
	}
	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			status, body := do(t, ts, tt.method, "user-key", tt.stmt)
			assert.Equal(t, tt.status, status, body)
		})
	}
}
