// Package transport sends statements to the tables service and decodes its tabular (CSV) responses.
// Reads go as GET with the statement in the "sql" query parameter, mutations as POST with the
// statement in the form body. Every request carries the credential obtained by the caller.
package transport

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-pkgz/stringutils"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/geosky/gft/pkg/auth"
)

// DefaultBaseURL is the root of the service API, the query endpoint is DefaultBaseURL + "/query"
const DefaultBaseURL = "https://www.google.com/fusiontables/api"

// maxResponseSize is the largest accepted response body, variable for tests
var maxResponseSize int64 = 64 * 1024 * 1024

// Method is the http method used for a statement.
type Method string

// supported methods
const (
	Get  Method = http.MethodGet  // read statements, SELECT, DESCRIBE and SHOW TABLES
	Post Method = http.MethodPost // mutations
)

// Table is a raw tabular response. All values are strings, as returned by the service.
type Table struct {
	Columns []string
	Rows    [][]string
}

// Index returns position of the column with the given name, case-insensitive. -1 if not found.
func (t *Table) Index(name string) int {
	if t == nil {
		return -1
	}
	for i, c := range t.Columns {
		if strings.EqualFold(strings.TrimSpace(c), name) {
			return i
		}
	}
	return -1
}

// Len returns number of rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Opts defines transport parameters.
type Opts struct {
	BaseURL   string        // service root, DefaultBaseURL if empty
	Client    *http.Client  // http client, a new one with Timeout if nil
	Timeout   time.Duration // request timeout for default client, 30s if zero
	Rate      float64       // max requests per second, 0 for unlimited
	Burst     int           // max burst for rate limiter, 1 if zero
	UserAgent string
}

// Client sends statements to the service. Safe for concurrent use.
type Client struct {
	queryURL  string
	http      *http.Client
	limiter   *rate.Limiter
	userAgent string
}

// New makes a Client with the given options.
func New(opts Opts) (*Client, error) {
	base := opts.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("can't parse base url %q: %w", base, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q in base url %q", u.Scheme, base)
	}

	res := &Client{queryURL: strings.TrimSuffix(base, "/") + "/query", http: opts.Client, userAgent: opts.UserAgent}
	if res.http == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		res.http = &http.Client{Timeout: timeout}
	}
	if res.userAgent == "" {
		res.userAgent = "gft-go"
	}
	if opts.Rate > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		res.limiter = rate.NewLimiter(rate.Limit(opts.Rate), burst)
	}
	return res, nil
}

// Send issues a single statement with the given credential and returns decoded response.
// Empty response body results in an empty table. Errors are *Error, with ErrUnauthorized wrapped
// for rejected credentials, ErrForbidden for denied access to a table and ErrMalformedResponse
// for responses which are not valid CSV or exceed the size limit.
func (c *Client) Send(ctx context.Context, method Method, stmt string, cred auth.Credential) (*Table, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &Error{Method: method, Err: fmt.Errorf("rate limiter: %w", err)}
		}
	}

	req, err := c.request(ctx, method, stmt)
	if err != nil {
		return nil, &Error{Method: method, Err: err}
	}
	if cred.Token != "" {
		req.Header.Set("Authorization", "GoogleLogin auth="+cred.Token)
	}
	reqID := uuid.NewString()
	req.Header.Set("X-Request-Id", reqID)
	req.Header.Set("User-Agent", c.userAgent)

	st := time.Now()
	log.Printf("[DEBUG] %s %s [%s]", method, stringutils.Truncate(stmt, 256), reqID)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Method: method, Err: err}
	}
	defer resp.Body.Close() // nolint

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, &Error{Method: method, Status: resp.StatusCode, Err: fmt.Errorf("can't read response: %w", err)}
	}
	if int64(len(body)) > maxResponseSize {
		return nil, &Error{Method: method, Status: resp.StatusCode,
			Err: fmt.Errorf("%w: response exceeds %d bytes", ErrMalformedResponse, maxResponseSize)}
	}
	log.Printf("[DEBUG] response %d, %d bytes in %v [%s]", resp.StatusCode, len(body), time.Since(st).Truncate(time.Millisecond), reqID)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, &Error{Method: method, Status: resp.StatusCode, Message: message(body), Err: ErrUnauthorized}
	case resp.StatusCode == http.StatusForbidden:
		return nil, &Error{Method: method, Status: resp.StatusCode, Message: message(body), Err: ErrForbidden}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &Error{Method: method, Status: resp.StatusCode, Message: message(body)}
	}

	tbl, err := decode(body)
	if err != nil {
		return nil, &Error{Method: method, Status: resp.StatusCode, Err: fmt.Errorf("%w: %v", ErrMalformedResponse, err)}
	}
	return tbl, nil
}

func (c *Client) request(ctx context.Context, method Method, stmt string) (*http.Request, error) {
	switch method {
	case Get:
		return http.NewRequestWithContext(ctx, http.MethodGet, c.queryURL+"?sql="+url.QueryEscape(stmt), http.NoBody)
	case Post:
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.queryURL, strings.NewReader(url.Values{"sql": {stmt}}.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	}
	return nil, fmt.Errorf("unsupported method %q", method)
}

// decode parses CSV body. The first record is the header. Rows are not required to match the header
// length, this is checked by the caller who knows the expected layout.
func decode(body []byte) (*Table, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return &Table{}, nil
	}
	r := csv.NewReader(bytes.NewReader(body))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return &Table{}, nil
	}
	return &Table{Columns: records[0], Rows: records[1:]}, nil
}

// message extracts human-readable error from the response body
func message(body []byte) string {
	return stringutils.Truncate(strings.TrimSpace(string(body)), 512)
}

// ErrUnauthorized is wrapped by *Error when the service rejects the credential.
var ErrUnauthorized = errors.New("unauthorized")

// ErrForbidden is wrapped by *Error when the credential is valid but has no access to the table.
var ErrForbidden = errors.New("access denied")

// ErrMalformedResponse is wrapped by *Error when the response can't be decoded.
var ErrMalformedResponse = errors.New("malformed response")

// Error is a failed request. Status is zero if no response was received.
type Error struct {
	Method  Method
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("transport: ")
	b.WriteString(string(e.Method))
	if e.Status != 0 {
		fmt.Fprintf(&b, " status %d", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the same request may succeed later. Timeouts and other network failures,
// throttling and server-side failures are retryable. The transport itself never retries.
func (e *Error) Retryable() bool {
	if errors.Is(e.Err, ErrMalformedResponse) || errors.Is(e.Err, ErrUnauthorized) || errors.Is(e.Err, ErrForbidden) {
		return false
	}
	return e.Status == 0 || e.Status == http.StatusTooManyRequests || e.Status >= 500
}
