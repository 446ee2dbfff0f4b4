package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/go-pkgz/lgr"
	"github.com/jessevdk/go-flags"

	"github.com/geosky/gft/pkg/secrets"
)

type options struct {
	Key  string `short:"k" long:"key" env:"GFT_SECRETS_KEY" required:"true" description:"key to use for encryption/decryption"`
	Conn string `short:"c" long:"conn" env:"GFT_SECRETS_CONN" default:"gft.db" description:"connection string to use for the secrets database"`
	Dbg  bool   `long:"dbg" description:"debug mode"`

	SetCmd struct {
		PositionalArgs struct {
			Key   string `positional-arg-name:"key" description:"key to add"`
			Value string `positional-arg-name:"value" description:"value to add"`
		} `positional-args:"yes" positional-optional:"no"`
	} `command:"set" description:"add or replace a secret"`

	GetCmd struct {
		PositionalArgs struct {
			Key string `positional-arg-name:"key" description:"key to retrieve"`
		} `positional-args:"yes" positional-optional:"no"`
	} `command:"get" description:"retrieve a secret"`

	DeleteCmd struct {
		PositionalArgs struct {
			Key string `positional-arg-name:"key" description:"key to delete"`
		} `positional-args:"yes" positional-optional:"no"`
	} `command:"del" description:"delete a secret"`

	ListCmd struct {
		PositionalArgs struct {
			KeyPrefix string `positional-arg-name:"key-prefix" default:"*" description:"key prefix to list"`
		} `positional-args:"yes" positional-optional:"no"`
	} `command:"list" description:"list secrets keys"`

	LoginCmd struct {
		Email    string `long:"email" description:"account email"`
		Password string `long:"password" description:"account password"`
		Auth     string `long:"auth" description:"authorization key"`
	} `command:"login" description:"store service credentials under the keys used by gft"`
}

var revision = "latest"

var exitFunc = os.Exit

func main() {
	fmt.Printf("gft secrets %s\n", revision)

	var opts options
	p := flags.NewParser(&opts, flags.PrintErrors|flags.PassDoubleDash|flags.HelpFlag)
	if _, err := p.Parse(); err != nil {
		exitFunc(1) // can be redefined in tests
		return
	}
	setupLog(opts.Dbg)

	if err := run(context.Background(), p, opts, os.Stdout); err != nil {
		log.Printf("[WARN] %v", err)
		exitFunc(1)
	}
}

func run(ctx context.Context, p *flags.Parser, opts options, out io.Writer) error {
	st, err := secrets.NewStore(ctx, opts.Conn, []byte(opts.Key))
	if err != nil {
		return fmt.Errorf("can't open secrets store: %w", err)
	}
	defer st.Close() // nolint

	active := func(name string) bool { return p.Active != nil && p.Command.Find(name) == p.Active }

	switch {
	case active("set"):
		key, val := opts.SetCmd.PositionalArgs.Key, opts.SetCmd.PositionalArgs.Value
		log.Printf("[INFO] set command, key=%s", key)
		if val == "" {
			return fmt.Errorf("can't set empty secret for key %q", key)
		}
		if err := st.Set(key, val); err != nil {
			return fmt.Errorf("can't set secret for key %q: %w", key, err)
		}

	case active("get"):
		key := opts.GetCmd.PositionalArgs.Key
		log.Printf("[INFO] get command, key=%s", key)
		val, err := st.Get(key)
		if err != nil {
			return fmt.Errorf("can't get secret for key %q: %w", key, err)
		}
		fmt.Fprintln(out, val)

	case active("del"):
		key := opts.DeleteCmd.PositionalArgs.Key
		log.Printf("[INFO] del command, key=%s", key)
		if err := st.Delete(key); err != nil {
			return fmt.Errorf("can't delete secret: %w", err)
		}
		log.Printf("[INFO] key=%s deleted", key)

	case active("list"):
		log.Printf("[INFO] list command, key-prefix=%q", opts.ListCmd.PositionalArgs.KeyPrefix)
		keys, err := st.List(opts.ListCmd.PositionalArgs.KeyPrefix)
		if err != nil {
			return fmt.Errorf("can't list secrets: %w", err)
		}
		for i, k := range keys {
			if i%4 == 0 && i != 0 {
				fmt.Fprintln(out)
			}
			fmt.Fprintf(out, "%s\t", k)
		}
		fmt.Fprintln(out)

	case active("login"):
		return storeCredentials(st, opts.LoginCmd.Auth, opts.LoginCmd.Email, opts.LoginCmd.Password)
	}
	return nil
}

// storeCredentials saves non-empty credential inputs under secrets.DefaultKeys
func storeCredentials(st *secrets.Store, authKey, email, password string) error {
	if authKey == "" && email == "" {
		return fmt.Errorf("either auth key or email required")
	}
	if email != "" && password == "" {
		return fmt.Errorf("password required for %s", email)
	}
	keys := secrets.DefaultKeys()
	var saved []string
	for k, v := range map[string]string{keys.Auth: authKey, keys.Email: email, keys.Password: password} {
		if v == "" {
			continue
		}
		if err := st.Set(k, v); err != nil {
			return fmt.Errorf("can't store %s: %w", k, err)
		}
		saved = append(saved, k)
	}
	log.Printf("[INFO] stored credentials: %s", strings.Join(saved, ", "))
	return nil
}

func setupLog(dbg bool) {
	logOpts := []lgr.Option{lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	if dbg {
		logOpts = []lgr.Option{lgr.Debug, lgr.CallerFile, lgr.CallerFunc, lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	}

	colorizer := lgr.Mapper{
		ErrorFunc:  func(s string) string { return color.New(color.FgHiRed).Sprint(s) },
		WarnFunc:   func(s string) string { return color.New(color.FgRed).Sprint(s) },
		InfoFunc:   func(s string) string { return color.New(color.FgYellow).Sprint(s) },
		DebugFunc:  func(s string) string { return color.New(color.FgWhite).Sprint(s) },
		CallerFunc: func(s string) string { return color.New(color.FgBlue).Sprint(s) },
		TimeFunc:   func(s string) string { return color.New(color.FgCyan).Sprint(s) },
	}
	logOpts = append(logOpts, lgr.Map(colorizer))

	lgr.SetupStdLogger(logOpts...)
	lgr.Setup(logOpts...)
}
