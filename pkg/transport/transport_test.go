package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geosky/gft/pkg/auth"
)

func TestClient_SendGet(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/query", r.URL.Path)
		assert.Equal(t, "SELECT ROWID, name FROM 1 WHERE name = 'a&b'", r.URL.Query().Get("sql"))
		assert.Equal(t, "GoogleLogin auth=tok", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Request-Id"))
		fmt.Fprint(w, "rowid,name\n1,\"a&b, quoted\"\n2,\n")
	}))
	defer ts.Close()

	c, err := New(Opts{BaseURL: ts.URL + "/api/"})
	require.NoError(t, err)
	tbl, err := c.Send(context.Background(), Get, "SELECT ROWID, name FROM 1 WHERE name = 'a&b'", auth.Credential{Token: "tok"})
	require.NoError(t, err)
	assert.Equal(t, []string{"rowid", "name"}, tbl.Columns)
	assert.Equal(t, [][]string{{"1", "a&b, quoted"}, {"2", ""}}, tbl.Rows)
	assert.Equal(t, 2, tbl.Len())
	assert.Equal(t, 1, tbl.Index("NAME"))
	assert.Equal(t, -1, tbl.Index("other"))
}

func TestClient_SendPost(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "INSERT INTO 1 (a) VALUES ('x')", r.PostForm.Get("sql"))
		assert.Empty(t, r.Header.Get("Authorization"), "anonymous request")
		fmt.Fprint(w, "rowid\n42\n")
	}))
	defer ts.Close()

	c, err := New(Opts{BaseURL: ts.URL})
	require.NoError(t, err)
	tbl, err := c.Send(context.Background(), Post, "INSERT INTO 1 (a) VALUES ('x')", auth.Credential{Origin: auth.OriginAnonymous})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"42"}}, tbl.Rows)
}

func TestClient_SendEmptyBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ts.Close()
	c, err := New(Opts{BaseURL: ts.URL})
	require.NoError(t, err)
	tbl, err := c.Send(context.Background(), Post, "DROP TABLE 1", auth.Credential{Token: "t"})
	require.NoError(t, err)
	assert.Equal(t, 0, tbl.Len())
	assert.Empty(t, tbl.Columns)
}

func TestClient_SendErrors(t *testing.T) {
	tbl := []struct {
		name         string
		status       int
		body         string
		unauthorized bool
		forbidden    bool
		malformed    bool
		retryable    bool
	}{
		{name: "unauthorized", status: 401, body: "Token invalid", unauthorized: true},
		{name: "forbidden", status: 403, body: "no access", forbidden: true},
		{name: "bad request", status: 400, body: "Parse error near 'FROM'"},
		{name: "throttled", status: 429, body: "rate limit", retryable: true},
		{name: "backend", status: 503, body: "backend error", retryable: true},
		{name: "malformed", status: 200, body: "a,b\n\"unterminated,1\n", malformed: true},
	}
	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer ts.Close()
			c, err := New(Opts{BaseURL: ts.URL})
			require.NoError(t, err)
			_, err = c.Send(context.Background(), Get, "SELECT 1", auth.Credential{Token: "t"})
			require.Error(t, err)

			var terr *Error
			require.True(t, errors.As(err, &terr))
			assert.Equal(t, tt.status, terr.Status)
			assert.Equal(t, tt.unauthorized, errors.Is(err, ErrUnauthorized))
			assert.Equal(t, tt.forbidden, errors.Is(err, ErrForbidden))
			assert.Equal(t, tt.malformed, errors.Is(err, ErrMalformedResponse))
			assert.Equal(t, tt.retryable, terr.Retryable())
			if !tt.malformed {
				assert.Contains(t, err.Error(), tt.body)
			}
		})
	}
}

func TestClient_SendTooLarge(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "rowid\n1\n2\n3\n")
	}))
	defer ts.Close()

	old := maxResponseSize
	defer func() { maxResponseSize = old }()
	c, err := New(Opts{BaseURL: ts.URL})
	require.NoError(t, err)

	maxResponseSize = 12 // exact body size
	tbl, err := c.Send(context.Background(), Get, "SELECT ROWID FROM 1", auth.Credential{})
	require.NoError(t, err)
	assert.Equal(t, 3, tbl.Len())

	maxResponseSize = 10 // cut on the line boundary after "2\n"
	_, err = c.Send(context.Background(), Get, "SELECT ROWID FROM 1", auth.Credential{})
	require.Error(t, err)
	var terr *Error
	require.True(t, errors.As(err, &terr))
	assert.ErrorIs(t, err, ErrMalformedResponse)
	assert.Contains(t, err.Error(), "response exceeds 10 bytes")
	assert.False(t, terr.Retryable())
}

func TestClient_Timeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer ts.Close()

	c, err := New(Opts{BaseURL: ts.URL, Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	_, err = c.Send(context.Background(), Get, "SELECT 1", auth.Credential{})
	var terr *Error
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, 0, terr.Status)
	assert.True(t, terr.Retryable(), "timeout is retryable")
}

func TestClient_Rate(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "a\n1\n")
	}))
	defer ts.Close()

	c, err := New(Opts{BaseURL: ts.URL, Rate: 20, Burst: 1})
	require.NoError(t, err)
	st := time.Now()
	for range 5 {
		_, err = c.Send(context.Background(), Get, "SELECT 1", auth.Credential{})
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(st), 150*time.Millisecond, "4 waits of 50ms")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Send(ctx, Get, "SELECT 1", auth.Credential{})
	require.Error(t, err)
}

func TestNew(t *testing.T) {
	c, err := New(Opts{})
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseURL+"/query", c.queryURL)
	assert.Equal(t, 30*time.Second, c.http.Timeout)
	assert.Nil(t, c.limiter)

	_, err = New(Opts{BaseURL: "ftp://example.com"})
	assert.Error(t, err)
	_, err = New(Opts{BaseURL: "http://bad host:-1"})
	assert.Error(t, err)

	_, err = (&Client{queryURL: "http://localhost", http: http.DefaultClient}).Send(context.Background(), Method("PUT"), "x", auth.Credential{})
	assert.True(t, strings.Contains(err.Error(), "unsupported method"))
}

func TestError_String(t *testing.T) {
	e := &Error{Method: Get, Status: 400, Message: "bad", Err: errors.New("oops")}
	assert.Equal(t, "transport: GET status 400: bad: oops", e.Error())
	e = &Error{Method: Post, Err: context.DeadlineExceeded}
	assert.Equal(t, "transport: POST: context deadline exceeded", e.Error())
}
