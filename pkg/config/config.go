// Package config loads connection profile for the tables service. Profile is a yaml or toml file with
// service urls, paging, pacing and credentials. Credential values can refer to a secrets provider
// with "secret:<key>".
package config

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-pkgz/fileutils"
	"github.com/hashicorp/go-multierror"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/geosky/gft/pkg/auth"
	"github.com/geosky/gft/pkg/gft"
	"github.com/geosky/gft/pkg/transport"
)

//go:generate moq -out mocks/provider.go -pkg mocks -skip-ensure -fmt goimports . SecretsProvider:SecretsProvider

const (
	// DefaultRate is requests per second when profile doesn't set rate
	DefaultRate = 5
	// DefaultBurst is rate limiter burst when profile doesn't set it
	DefaultBurst = 5

	secretPrefix = "secret:"
)

// SecretsProvider defines interface for secrets providers
type SecretsProvider interface {
	Get(key string) (string, error)
}

// Profile defines connection to the service
type Profile struct {
	URL         string   `yaml:"url" toml:"url"`             // service root, transport default if empty
	LoginURL    string   `yaml:"login_url" toml:"login_url"` // login endpoint, auth default if empty
	PageSize    int      `yaml:"page_size" toml:"page_size"`
	Concurrency int      `yaml:"concurrency" toml:"concurrency"`
	Rate        *float64 `yaml:"rate" toml:"rate"` // requests per second, 0 disables pacing
	Burst       int      `yaml:"burst" toml:"burst"`
	Timeout     string   `yaml:"timeout" toml:"timeout"`
	Tables      []string `yaml:"tables" toml:"tables"`
	Update      bool     `yaml:"update" toml:"update"`
	Anonymous   bool     `yaml:"anonymous" toml:"anonymous"`
	Credentials Creds    `yaml:"credentials" toml:"credentials"`

	timeout time.Duration
	secrets map[string]string // resolved secret references, by key
}

// Creds are credential inputs, literal or "secret:<key>"
type Creds struct {
	Auth     string `yaml:"auth" toml:"auth"`
	Email    string `yaml:"email" toml:"email"`
	Password string `yaml:"password" toml:"password"`
}

// Overrides are values set on command line, non-empty fields replace profile values
type Overrides struct {
	URL         string
	LoginURL    string
	PageSize    int
	Tables      []string
	Update      bool
	Credentials Creds
}

// Load reads profile from fname and applies overrides. Empty fname makes profile from overrides only.
// Credential references are resolved with secProvider, which can be nil if profile has no references.
func Load(fname string, overrides *Overrides, secProvider SecretsProvider) (*Profile, error) {
	log.Printf("[DEBUG] request to load profile %q", fname)
	res := &Profile{}
	if fname != "" {
		if !fileutils.IsFile(fname) {
			return nil, fmt.Errorf("profile %s is not a file", fname)
		}
		data, err := os.ReadFile(fname) // nolint
		if err != nil {
			return nil, fmt.Errorf("can't read profile: %w", err)
		}
		if err = unmarshalProfile(fname, data, res); err != nil {
			return nil, fmt.Errorf("can't unmarshal profile: %w", err)
		}
	}

	res.apply(overrides)
	if res.Rate == nil {
		r := float64(DefaultRate)
		res.Rate = &r
		if res.Burst == 0 {
			res.Burst = DefaultBurst
		}
	}

	if err := res.validate(); err != nil {
		return nil, fmt.Errorf("profile %s is invalid: %w", fname, err)
	}
	if err := res.resolveSecrets(secProvider); err != nil {
		return nil, err
	}
	log.Printf("[INFO] profile loaded, url: %q, page size: %d, rate: %v", res.URL, res.PageSize, *res.Rate)
	return res, nil
}

// unmarshalProfile picks format by file extension, yaml is strict and fails on unknown fields
func unmarshalProfile(fname string, data []byte, res *Profile) error {
	switch strings.ToLower(filepath.Ext(fname)) {
	case ".yml", ".yaml", "":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(res); err != nil {
			return fmt.Errorf("can't unmarshal yaml profile %s: %w", fname, err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, res); err != nil {
			return fmt.Errorf("can't unmarshal toml profile %s: %w", fname, err)
		}
	default:
		return fmt.Errorf("unknown profile format %s", fname)
	}
	return nil
}

func (p *Profile) apply(o *Overrides) {
	if o == nil {
		return
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&p.URL, o.URL)
	set(&p.LoginURL, o.LoginURL)
	set(&p.Credentials.Auth, o.Credentials.Auth)
	set(&p.Credentials.Email, o.Credentials.Email)
	set(&p.Credentials.Password, o.Credentials.Password)
	if o.PageSize > 0 {
		p.PageSize = o.PageSize
	}
	if len(o.Tables) > 0 {
		p.Tables = o.Tables
	}
	if o.Update {
		p.Update = true
	}
}

// validate checks all fields and reports every problem found
func (p *Profile) validate() error {
	errs := new(multierror.Error)
	for _, f := range []struct{ name, v string }{{"url", p.URL}, {"login_url", p.LoginURL}} {
		name, v := f.name, f.v
		if v == "" {
			continue
		}
		u, err := url.Parse(v)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("bad %s: %w", name, err))
			continue
		}
		if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
			errs = multierror.Append(errs, fmt.Errorf("bad %s %q, expected http(s)://host/...", name, v))
		}
	}
	if p.PageSize < 0 {
		errs = multierror.Append(errs, fmt.Errorf("page size %d, must not be negative", p.PageSize))
	}
	if p.Concurrency < 0 {
		errs = multierror.Append(errs, fmt.Errorf("concurrency %d, must not be negative", p.Concurrency))
	}
	if p.Rate != nil && *p.Rate < 0 {
		errs = multierror.Append(errs, fmt.Errorf("rate %v, must not be negative", *p.Rate))
	}
	if p.Burst < 0 {
		errs = multierror.Append(errs, fmt.Errorf("burst %d, must not be negative", p.Burst))
	}
	if p.Timeout != "" {
		d, err := time.ParseDuration(p.Timeout)
		switch {
		case err != nil:
			errs = multierror.Append(errs, fmt.Errorf("bad timeout: %w", err))
		case d <= 0:
			errs = multierror.Append(errs, fmt.Errorf("timeout %s, must be positive", p.Timeout))
		default:
			p.timeout = d
		}
	}
	return errs.ErrorOrNil()
}

// resolveSecrets replaces "secret:<key>" credentials with values from the provider
func (p *Profile) resolveSecrets(secProvider SecretsProvider) error {
	for _, v := range []struct {
		name string
		dst  *string
	}{{"auth", &p.Credentials.Auth}, {"email", &p.Credentials.Email}, {"password", &p.Credentials.Password}} {
		if !strings.HasPrefix(*v.dst, secretPrefix) {
			continue
		}
		key := strings.TrimPrefix(*v.dst, secretPrefix)
		if secProvider == nil {
			return fmt.Errorf("credential %s refers to secret %q, but provider is not set", v.name, key)
		}
		val, err := secProvider.Get(key)
		if err != nil {
			return fmt.Errorf("can't get secret %q for credential %s: %w", key, v.name, err)
		}
		if p.secrets == nil {
			p.secrets = make(map[string]string)
		}
		p.secrets[key] = val
		*v.dst = val
	}
	return nil
}

// SecretValues returns all values to mask in logs, resolved secrets and literal password and key
func (p *Profile) SecretValues() []string {
	res := make([]string, 0, len(p.secrets)+2)
	for _, v := range p.secrets {
		res = append(res, v)
	}
	for _, v := range []string{p.Credentials.Auth, p.Credentials.Password} {
		if v != "" {
			res = append(res, v)
		}
	}
	return res
}

// AuthOpts returns credential manager options of the profile
func (p *Profile) AuthOpts() auth.Opts {
	return auth.Opts{
		AuthKey:   p.Credentials.Auth,
		Email:     p.Credentials.Email,
		Password:  p.Credentials.Password,
		LoginURL:  p.LoginURL,
		Anonymous: p.Anonymous,
	}
}

// TransportOpts returns transport options of the profile
func (p *Profile) TransportOpts() transport.Opts {
	res := transport.Opts{BaseURL: p.URL, Timeout: p.timeout, Burst: p.Burst}
	if p.Rate != nil {
		res.Rate = *p.Rate
	}
	return res
}

// Config makes data source config. Connection string, if not empty, is applied on top by gft.Connect.
func (p *Profile) Config(conn string) gft.Config {
	return gft.Config{
		Conn:        conn,
		Auth:        p.AuthOpts(),
		Transport:   p.TransportOpts(),
		Tables:      p.Tables,
		Update:      p.Update,
		PageSize:    p.PageSize,
		Concurrency: p.Concurrency,
	}
}

// ErrNoProfile returned by Discover if none of candidates exists
var ErrNoProfile = errors.New("no profile found")

// Discover returns the first existing profile from candidates, skipping empty ones
func Discover(candidates ...string) (string, error) {
	for _, c := range candidates {
		if c != "" && fileutils.IsFile(c) {
			return c, nil
		}
	}
	return "", ErrNoProfile
}
