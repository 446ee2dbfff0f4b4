package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/gin-gonic/gin"
	"github.com/jessevdk/go-flags"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geosky/gft/pkg/emulator"
	"github.com/geosky/gft/pkg/gft"
	"github.com/geosky/gft/pkg/secrets"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	color.NoColor = true
	m.Run()
}

func startEmulator(t *testing.T) []string {
	srv, err := emulator.New(context.Background(), emulator.Opts{Accounts: map[string]string{"user@example.com": "secret"}})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Close()
	})
	return []string{"--url", ts.URL + emulator.APIPath, "--login-url", ts.URL + emulator.LoginPath}
}

func runArgs(t *testing.T, args ...string) (string, error) {
	var opts options
	p := flags.NewParser(&opts, flags.PassDoubleDash|flags.HelpFlag)
	_, err := p.ParseArgs(args)
	require.NoError(t, err)
	var buf bytes.Buffer
	err = run(context.Background(), p, opts, &buf)
	return buf.String(), err
}

func TestRun_Commands(t *testing.T) {
	base := append(startEmulator(t), "--email", "user@example.com", "--password", "secret")
	cmd := func(args ...string) []string { return append(append([]string{}, base...), args...) }

	out, err := runArgs(t, cmd("create", "places", "-f", "name:STRING", "-f", "pop:NUMBER")...)
	require.NoError(t, err)
	assert.Equal(t, "layer places created, table 1001\n", out)

	out, err = runArgs(t, cmd("exec", "INSERT INTO 1001 (name, pop, geometry) VALUES ('berlin', 3, 'POINT(13.4 52.5)')")...)
	require.NoError(t, err)
	assert.Equal(t, "rowid\n1\n", out)
	_, err = runArgs(t, cmd("exec", "INSERT INTO 1001 (name, pop) VALUES ('nowhere', 7)")...)
	require.NoError(t, err)

	out, err = runArgs(t, cmd("layers")...)
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Regexp(t, `1001\s+places\s+2\n`, out)

	out, err = runArgs(t, cmd("info", "places")...)
	require.NoError(t, err)
	assert.Contains(t, out, "features: 2")
	assert.Contains(t, out, "extent: 13.4,52.5,13.4,52.5")
	assert.Contains(t, out, "NUMBER")
	assert.Contains(t, out, "LOCATION (geometry)")

	out, err = runArgs(t, cmd("features", "places")...)
	require.NoError(t, err)
	assert.Equal(t, "rowid,name,pop,geometry\n1,berlin,3,POINT(13.4 52.5)\n2,nowhere,7,\n", out)

	out, err = runArgs(t, cmd("features", "--bbox", "0,45,15,55", "1001")...)
	require.NoError(t, err)
	assert.Equal(t, "rowid,name,pop,geometry\n1,berlin,3,POINT(13.4 52.5)\n", out)

	out, err = runArgs(t, cmd("features", "--where", "pop > 5", "places")...)
	require.NoError(t, err)
	assert.Equal(t, "rowid,name,pop,geometry\n2,nowhere,7,\n", out)

	out, err = runArgs(t, cmd("features", "--limit", "1", "places")...)
	require.NoError(t, err)
	assert.Equal(t, "rowid,name,pop,geometry\n1,berlin,3,POINT(13.4 52.5)\n", out)

	out, err = runArgs(t, cmd("exec", "SELECT COUNT() FROM 1001")...)
	require.NoError(t, err)
	assert.Equal(t, "count()\n2\n", out)

	out, err = runArgs(t, cmd("drop", "places")...)
	require.NoError(t, err)
	assert.Equal(t, "layer places dropped\n", out)

	out, err = runArgs(t, cmd("layers")...)
	require.NoError(t, err)
	assert.NotContains(t, out, "places")
}

func TestRun_Errors(t *testing.T) {
	base := append(startEmulator(t), "--email", "user@example.com", "--password", "secret")
	cmd := func(args ...string) []string { return append(append([]string{}, base...), args...) }

	tbl := []struct {
		name string
		args []string
		err  string
	}{
		{"bad field", cmd("create", "t", "-f", "name"), "expected name:TYPE"},
		{"bad field type", cmd("create", "t", "-f", "name:BLOB"), "bad field"},
		{"no layer", cmd("info", "nope"), "no such layer"},
		{"bad bbox", cmd("features", "--bbox", "1,2,3", "nope"), "bad bbox"},
		{"bad password", append(startEmulator(t), "--email", "user@example.com", "--password", "wrong", "layers"), "can't connect"},
		{"no credentials", append(startEmulator(t), "layers"), "can't connect"},
		{"bad url", cmd("--url", "ftp://example.com", "layers"), "can't load profile"},
		{"missing profile", cmd("--profile", "/nowhere/gft.yml", "layers"), "is not a file"},
	}
	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runArgs(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.err)
		})
	}

	_, err := runArgs(t, cmd("info", "nope")...)
	assert.ErrorIs(t, err, gft.ErrNoSuchLayer)
}

func TestRun_SecretsStore(t *testing.T) {
	conn := filepath.Join(t.TempDir(), "secrets.db")
	st, err := secrets.NewStore(context.Background(), conn, []byte("store-key"))
	require.NoError(t, err)
	require.NoError(t, st.Set("GFT_EMAIL", "user@example.com"))
	require.NoError(t, st.Set("GFT_PASSWORD", "secret"))
	require.NoError(t, st.Close())

	args := append(startEmulator(t), "--secrets.provider", "store", "--secrets.conn", conn, "--secrets.key", "store-key",
		"create", "t1", "-f", "name:STRING")
	out, err := runArgs(t, args...)
	require.NoError(t, err, "credentials taken from the store")
	assert.Equal(t, "layer t1 created, table 1001\n", out)

	args = append(startEmulator(t), "--secrets.provider", "store", "--secrets.conn", conn, "--secrets.key", "wrong-key", "layers")
	_, err = runArgs(t, args...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "can't get credentials")
}

func TestParseBBox(t *testing.T) {
	r, err := parseBBox("10, 20,0,5")
	require.NoError(t, err)
	assert.Equal(t, gft.NewRect(0, 5, 10, 20), r)

	_, err = parseBBox("1,2,3")
	assert.Error(t, err)
	_, err = parseBBox("1,2,3,x")
	assert.Error(t, err)
}

func TestIsReadStatement(t *testing.T) {
	assert.True(t, isReadStatement(" select * from 1"))
	assert.True(t, isReadStatement("SHOW TABLES"))
	assert.True(t, isReadStatement("describe 1"))
	assert.False(t, isReadStatement("DROP TABLE 1"))
	assert.False(t, isReadStatement("DELLAYER:t"))
}
