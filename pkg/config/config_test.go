package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geosky/gft/pkg/config/mocks"
	"github.com/geosky/gft/pkg/secrets"
)

func TestLoad_YAML(t *testing.T) {
	sp := secrets.NewMemoryProvider(map[string]string{"gft-password": "pa$$"})
	p, err := Load("testdata/profile.yml", nil, sp)
	require.NoError(t, err)

	assert.Equal(t, "https://tables.example.com/api", p.URL)
	assert.Equal(t, 200, p.PageSize)
	assert.Equal(t, []string{"1001", "1002"}, p.Tables)
	assert.True(t, p.Update)
	assert.Equal(t, "pa$$", p.Credentials.Password, "secret reference resolved")
	assert.Equal(t, []string{"pa$$"}, p.SecretValues())

	ao := p.AuthOpts()
	assert.Equal(t, "user@example.com", ao.Email)
	assert.Equal(t, "pa$$", ao.Password)
	assert.Equal(t, "https://login.example.com/accounts/ClientLogin", ao.LoginURL)

	to := p.TransportOpts()
	assert.InDelta(t, 2.5, to.Rate, 1e-9)
	assert.Equal(t, 3, to.Burst)
	assert.Equal(t, 15*time.Second, to.Timeout)

	cfg := p.Config("GFT:tables=9")
	assert.Equal(t, "GFT:tables=9", cfg.Conn)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, 200, cfg.PageSize)
}

func TestLoad_TOML(t *testing.T) {
	sp := &mocks.SecretsProvider{GetFunc: func(key string) (string, error) { return "key-" + key, nil }}
	p, err := Load("testdata/profile.toml", nil, sp)
	require.NoError(t, err)
	assert.Equal(t, 50, p.PageSize)
	assert.Equal(t, "key-gft-auth", p.Credentials.Auth)
	assert.Equal(t, time.Minute, p.TransportOpts().Timeout)
	assert.InDelta(t, DefaultRate, p.TransportOpts().Rate, 1e-9, "default pacing")
	assert.Equal(t, DefaultBurst, p.TransportOpts().Burst)
	require.Len(t, sp.GetCalls(), 1)
	assert.Equal(t, "gft-auth", sp.GetCalls()[0].Key)
}

func TestLoad_Overrides(t *testing.T) {
	o := &Overrides{URL: "http://localhost:8080/fusiontables/api", PageSize: 10, Tables: []string{"42"},
		Credentials: Creds{Email: "other@example.com", Password: "literal"}}
	p, err := Load("testdata/profile.yml", o, nil)
	require.NoError(t, err, "password override replaces secret reference")
	assert.Equal(t, "http://localhost:8080/fusiontables/api", p.URL)
	assert.Equal(t, 10, p.PageSize)
	assert.Equal(t, []string{"42"}, p.Tables)
	assert.Equal(t, "other@example.com", p.Credentials.Email)
	assert.Equal(t, []string{"literal"}, p.SecretValues())

	p, err = Load("", &Overrides{Credentials: Creds{Auth: "tok"}}, nil)
	require.NoError(t, err, "no profile file")
	assert.Equal(t, "tok", p.AuthOpts().AuthKey)
	assert.Empty(t, p.URL)
	assert.InDelta(t, DefaultRate, p.TransportOpts().Rate, 1e-9)
}

func TestLoad_ZeroRateDisablesPacing(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "p.yaml")
	require.NoError(t, os.WriteFile(fname, []byte("rate: 0\n"), 0o600))
	p, err := Load(fname, nil, nil)
	require.NoError(t, err)
	assert.Zero(t, p.TransportOpts().Rate)
	assert.Zero(t, p.TransportOpts().Burst)
}

func TestLoad_Errors(t *testing.T) {
	tbl := []struct {
		name, fname string
		sp          SecretsProvider
		errs        []string
	}{
		{"missing file", "testdata/nope.yml", nil, []string{"is not a file"}},
		{"unknown field", "testdata/bad-field.yml", nil, []string{"field pagesize not found"}},
		{"unknown format", "testdata/profile.json", nil, []string{"unknown profile format"}},
		{"invalid values", "testdata/invalid.yml", nil,
			[]string{"bad url", "page size -1", "rate -2", "bad timeout"}},
		{"no provider", "testdata/profile.yml", nil, []string{`refers to secret "gft-password"`}},
		{"secret not found", "testdata/profile.yml", secrets.NewMemoryProvider(nil), []string{"secret not found"}},
	}
	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.fname, nil, tt.sp)
			require.Error(t, err)
			for _, e := range tt.errs {
				assert.Contains(t, err.Error(), e)
			}
		})
	}

	sp := &mocks.SecretsProvider{GetFunc: func(string) (string, error) { return "", errors.New("vault down") }}
	_, err := Load("testdata/profile.yml", nil, sp)
	assert.ErrorContains(t, err, "vault down")
}

func TestDiscover(t *testing.T) {
	f, err := Discover("", "testdata/nope.yml", "testdata/profile.toml", "testdata/profile.yml")
	require.NoError(t, err)
	assert.Equal(t, "testdata/profile.toml", f)

	_, err = Discover("testdata/nope.yml")
	assert.ErrorIs(t, err, ErrNoProfile)
}
