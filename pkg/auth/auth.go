// Package auth manages the credential attached to every call to the tables service.
// A credential comes from long-lived authorization material supplied by the caller or from
// an email/password login exchange. The resulting token is cached per Manager and refreshed
// when it expires or when the service rejects it. Concurrent refreshes collapse into a single
// in-flight exchange.
package auth

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// defaults for the login exchange
const (
	DefaultLoginURL = "https://www.google.com/accounts/ClientLogin"
	DefaultService  = "fusiontables"
	DefaultSource   = "geosky-gft"
	DefaultLifetime = 24 * time.Hour

	expirySkew      = 30 * time.Second
	exchangeTimeout = time.Minute
)

// Origin tells where a credential came from.
type Origin int

// enum of credential origins
const (
	OriginSupplied  Origin = iota // long-lived authorization material passed by the caller
	OriginLogin                   // token from email/password exchange
	OriginAnonymous               // no token, public read access only
)

func (o Origin) String() string {
	switch o {
	case OriginSupplied:
		return "supplied"
	case OriginLogin:
		return "login"
	case OriginAnonymous:
		return "anonymous"
	}
	return fmt.Sprintf("origin(%d)", int(o))
}

// Credential is a bearer token with its origin and expiration time.
// Zero Expires means the credential never expires on its own.
type Credential struct {
	Token   string
	Origin  Origin
	Expires time.Time
}

// Expired checks if credential is expired or about to expire at the given time.
func (c Credential) Expired(now time.Time) bool {
	return !c.Expires.IsZero() && !now.Add(expirySkew).Before(c.Expires)
}

// Opts defines credential inputs and login exchange parameters.
type Opts struct {
	AuthKey  string // long-lived authorization material, takes precedence
	Email    string // account email for login exchange
	Password string // account password for login exchange

	// Prompt asks for the password when Email is set without Password. Optional.
	Prompt func(email string) (string, error)

	LoginURL  string        // login endpoint, DefaultLoginURL if empty
	Service   string        // service name sent to login endpoint, DefaultService if empty
	Source    string        // client identification sent to login endpoint, DefaultSource if empty
	Lifetime  time.Duration // lifetime for tokens without exp claim, DefaultLifetime if zero
	Anonymous bool          // allow anonymous access if no credentials set
	Client    *http.Client  // http client for login exchange, http.DefaultClient if nil
}

// Manager obtains, caches and refreshes credential. Safe for concurrent use.
type Manager struct {
	opts   Opts
	client *http.Client
	now    func() time.Time
	group  singleflight.Group

	mu       sync.Mutex
	cached   *Credential
	rejected map[Origin]bool // origins the service refused, skipped by the next acquisition
}

// New makes a Manager for the given options. No network calls are made until the first
// Credential request.
func New(opts Opts) *Manager {
	if opts.LoginURL == "" {
		opts.LoginURL = DefaultLoginURL
	}
	if opts.Service == "" {
		opts.Service = DefaultService
	}
	if opts.Source == "" {
		opts.Source = DefaultSource
	}
	if opts.Lifetime <= 0 {
		opts.Lifetime = DefaultLifetime
	}
	res := &Manager{opts: opts, client: opts.Client, now: time.Now, rejected: map[Origin]bool{}}
	if res.client == nil {
		res.client = http.DefaultClient
	}
	return res
}

// Credential returns cached credential or acquires a new one. Acquisition follows precedence:
// authorization key, then email/password exchange, then anonymous access (if allowed).
// Returns *Error with MissingCredentials kind if nothing is configured, without any network call.
func (m *Manager) Credential(ctx context.Context) (Credential, error) {
	if c, ok := m.fromCache(); ok {
		return c, nil
	}

	// the exchange is shared by all waiting callers, so it is not bound to cancellation of the one who started it
	flightCtx := context.WithoutCancel(ctx)
	ch := m.group.DoChan("credential", func() (any, error) {
		if c, ok := m.fromCache(); ok {
			return c, nil // refreshed by the flight which just finished
		}
		ctx, cancel := context.WithTimeout(flightCtx, exchangeTimeout)
		defer cancel()
		c, err := m.acquire(ctx)
		if err != nil {
			return Credential{}, err
		}
		m.mu.Lock()
		m.cached = &c
		m.mu.Unlock()
		log.Printf("[DEBUG] credential acquired, origin: %s, expires: %v", c.Origin, c.Expires.Format(time.RFC3339))
		return c, nil
	})

	select {
	case <-ctx.Done():
		return Credential{}, fmt.Errorf("credential request abandoned: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return Credential{}, res.Err
		}
		if res.Shared {
			log.Printf("[DEBUG] credential shared with concurrent request")
		}
		return res.Val.(Credential), nil
	}
}

// Invalidate drops the cached credential if it is still the given one. A rejected supplied or anonymous
// credential is skipped by the next acquisition only, later acquisitions offer it again.
func (m *Manager) Invalidate(c Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cached != nil && m.cached.Token == c.Token && m.cached.Origin == c.Origin {
		m.cached = nil
	}
	if c.Origin == OriginSupplied || c.Origin == OriginAnonymous {
		m.rejected[c.Origin] = true
	}
	log.Printf("[DEBUG] credential invalidated, origin: %s", c.Origin)
}

func (m *Manager) fromCache() (Credential, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cached == nil || m.cached.Expired(m.now()) {
		return Credential{}, false
	}
	return *m.cached, true
}

func (m *Manager) acquire(ctx context.Context) (Credential, error) {
	m.mu.Lock()
	keyRejected, anonRejected := m.rejected[OriginSupplied], m.rejected[OriginAnonymous]
	clear(m.rejected)
	m.mu.Unlock()

	if m.opts.AuthKey != "" && !keyRejected {
		return Credential{Token: m.opts.AuthKey, Origin: OriginSupplied, Expires: m.expiry(m.opts.AuthKey)}, nil
	}

	if m.opts.Email != "" {
		passwd := m.opts.Password
		if passwd == "" && m.opts.Prompt != nil {
			p, err := m.opts.Prompt(m.opts.Email)
			if err != nil {
				return Credential{}, &Error{Kind: MissingCredentials, Err: fmt.Errorf("can't read password: %w", err)}
			}
			passwd = p
		}
		if passwd != "" {
			return m.login(ctx, m.opts.Email, passwd)
		}
	}

	if m.opts.AuthKey != "" {
		return Credential{}, &Error{Kind: InvalidCredentials, Err: errors.New("authorization key rejected by service")}
	}
	if m.opts.Anonymous && !anonRejected {
		return Credential{Origin: OriginAnonymous}, nil
	}
	return Credential{}, &Error{Kind: MissingCredentials}
}

// login makes email/password exchange and extracts Auth token from the response.
// Response body is a list of key=value lines, i.e. "SID=..\nLSID=..\nAuth=..".
func (m *Manager) login(ctx context.Context, email, passwd string) (Credential, error) {
	form := url.Values{
		"accountType": {"HOSTED_OR_GOOGLE"},
		"Email":       {email},
		"Passwd":      {passwd},
		"service":     {m.opts.Service},
		"source":      {m.opts.Source},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.opts.LoginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Credential{}, &Error{Kind: ExchangeFailed, Err: fmt.Errorf("can't make login request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	log.Printf("[DEBUG] login exchange for %s", email)
	resp, err := m.client.Do(req)
	if err != nil {
		return Credential{}, &Error{Kind: ExchangeFailed, Err: fmt.Errorf("can't post login request: %w", err)}
	}
	defer resp.Body.Close() // nolint

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return Credential{}, &Error{Kind: ExchangeFailed, Err: fmt.Errorf("can't read login response: %w", err)}
	}
	kv := parseKV(body)

	switch {
	case resp.StatusCode == http.StatusOK:
		token := kv["Auth"]
		if token == "" {
			return Credential{}, &Error{Kind: ExchangeFailed, Err: errors.New("no Auth token in login response")}
		}
		return Credential{Token: token, Origin: OriginLogin, Expires: m.expiry(token)}, nil
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		reason := kv["Error"]
		if reason == "" {
			reason = http.StatusText(resp.StatusCode)
		}
		return Credential{}, &Error{Kind: InvalidCredentials, Err: fmt.Errorf("login rejected for %s: %s", email, reason)}
	default:
		return Credential{}, &Error{Kind: ExchangeFailed, Err: fmt.Errorf("login failed with status %d", resp.StatusCode)}
	}
}

// expiry gets expiration time from the exp claim if token is a JWT, otherwise uses default lifetime.
// Signature is not verified, the token is opaque for the client and only the service can check it.
func (m *Manager) expiry(token string) time.Time {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time
	}
	return m.now().Add(m.opts.Lifetime)
}

func parseKV(body []byte) map[string]string {
	res := map[string]string{}
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		k, v, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		res[k] = v
	}
	return res
}
