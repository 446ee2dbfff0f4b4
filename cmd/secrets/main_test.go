package main

import (
	"bytes"
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jessevdk/go-flags"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geosky/gft/pkg/secrets"
)

func TestSecretsCommands(t *testing.T) {
	db := filepath.Join(t.TempDir(), "test.db")
	setupLog(true)

	tests := []struct {
		name       string
		args       []string
		wantLog    string
		wantOutput string
		wantError  bool
	}{
		{
			name:    "set secret",
			args:    []string{"--key", "secretkey", "--conn", db, "set", "key1", "value1"},
			wantLog: "set command, key=key1",
		},
		{
			name:      "set secret, no value",
			args:      []string{"--key", "secretkey", "--conn", db, "set", "key1"},
			wantLog:   "set command, key=key1",
			wantError: true,
		},
		{
			name:       "get secret",
			args:       []string{"--key", "secretkey", "--conn", db, "get", "key1"},
			wantLog:    "get command, key=key1",
			wantOutput: "value1\n",
		},
		{
			name:      "get secret with wrong key",
			args:      []string{"--key", "otherkey", "--conn", db, "get", "key1"},
			wantLog:   "get command, key=key1",
			wantError: true,
		},
		{
			name:      "get non-existent secret",
			args:      []string{"--key", "secretkey", "--conn", db, "get", "key2"},
			wantLog:   "get command, key=key2",
			wantError: true,
		},
		{
			name:    "delete secret",
			args:    []string{"--key", "secretkey", "--conn", db, "del", "key1"},
			wantLog: "del command, key=key1\nkey=key1 deleted",
		},
		{
			name:      "delete non-existent secret",
			args:      []string{"--key", "secretkey", "--conn", db, "del", "key2"},
			wantLog:   "del command, key=key2",
			wantError: true,
		},
		{
			name:      "unsupported conn",
			args:      []string{"--key", "secretkey", "--conn", "redis://localhost", "list"},
			wantError: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var logBuf bytes.Buffer
			log.SetOutput(&logBuf)
			defer log.SetOutput(os.Stderr)

			out, err := runCommand(t, tc.args...)
			if tc.wantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			if tc.wantOutput != "" {
				assert.Equal(t, tc.wantOutput, out)
			}
			for _, exp := range strings.Split(tc.wantLog, "\n") {
				assert.Contains(t, logBuf.String(), exp)
			}
		})
	}
}

func TestSecretsList(t *testing.T) {
	db := filepath.Join(t.TempDir(), "test.db")
	for _, kv := range [][2]string{{"key1", "value1"}, {"key2", "value2"}, {"key3", "value3"}, {"key4", "value4"},
		{"prefix_key5", "value5"}, {"prefix_key6", "value6"}} {
		_, err := runCommand(t, "--key", "secretkey", "--conn", db, "set", kv[0], kv[1])
		require.NoError(t, err)
	}

	out, err := runCommand(t, "--key", "secretkey", "--conn", db, "list")
	require.NoError(t, err)
	assert.Equal(t, "key1\tkey2\tkey3\tkey4\t\nprefix_key5\tprefix_key6\t\n", out)

	out, err = runCommand(t, "--key", "secretkey", "--conn", db, "list", "prefix_")
	require.NoError(t, err)
	assert.Equal(t, "prefix_key5\tprefix_key6\t\n", out)
}

func TestSecretsLogin(t *testing.T) {
	db := filepath.Join(t.TempDir(), "test.db")

	_, err := runCommand(t, "--key", "k", "--conn", db, "login")
	assert.ErrorContains(t, err, "either auth key or email required")
	_, err = runCommand(t, "--key", "k", "--conn", db, "login", "--email", "user@example.com")
	assert.ErrorContains(t, err, "password required")

	_, err = runCommand(t, "--key", "k", "--conn", db, "login", "--email", "user@example.com", "--password", "pw")
	require.NoError(t, err)

	st, err := secrets.NewStore(context.Background(), db, []byte("k"))
	require.NoError(t, err)
	defer st.Close() // nolint
	creds, err := secrets.Lookup(st, secrets.DefaultKeys())
	require.NoError(t, err)
	assert.Equal(t, secrets.Credentials{Email: "user@example.com", Password: "pw"}, creds)
}

func TestMainFunc(t *testing.T) {
	os.Args = []string{"gft-secrets", "--help"}

	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	exited := false
	exitFunc = func(int) { exited = true }
	main()
	exitFunc = os.Exit
	_ = w.Close()
	os.Stdout = oldStdout

	assert.True(t, exited)
	var buf bytes.Buffer
	_, _ = io.Copy(&buf, r)
	assert.Contains(t, buf.String(), "gft secrets")
}

func runCommand(t *testing.T, args ...string) (string, error) {
	var opts options
	p := flags.NewParser(&opts, flags.PassDoubleDash|flags.HelpFlag)
	if _, err := p.ParseArgs(args); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	err := run(context.Background(), p, opts, &buf)
	t.Logf("%v: %q", args, buf.String())
	return buf.String(), err
}
