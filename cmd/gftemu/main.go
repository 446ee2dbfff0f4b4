package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/gin-gonic/gin"
	"github.com/go-pkgz/lgr"
	"github.com/jessevdk/go-flags"

	"github.com/geosky/gft/pkg/emulator"
)

type options struct {
	Listen     string            `short:"l" long:"listen" env:"GFTEMU_LISTEN" default:"127.0.0.1:8080" description:"listen address"`
	DB         string            `long:"db" env:"GFTEMU_DB" description:"sqlite database file, in-memory if not set"`
	Secret     string            `long:"secret" env:"GFTEMU_SECRET" description:"token signing secret, random if not set"`
	TokenTTL   time.Duration     `long:"token-ttl" env:"GFTEMU_TOKEN_TTL" default:"1h" description:"lifetime of issued tokens"`
	Accounts   map[string]string `short:"a" long:"account" description:"account as email:password"`
	Keys       map[string]string `short:"k" long:"key" description:"static authorization key as key:email"`
	PublicRead bool              `long:"public-read" env:"GFTEMU_PUBLIC_READ" description:"allow anonymous reads"`
	Dbg        bool              `long:"dbg" description:"debug mode"`
}

var revision = "latest"

func main() {
	fmt.Printf("gftemu %s\n", revision)

	var opts options
	p := flags.NewParser(&opts, flags.PrintErrors|flags.PassDoubleDash|flags.HelpFlag)
	if _, err := p.Parse(); err != nil {
		os.Exit(1)
	}
	setupLog(opts.Dbg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := run(ctx, opts); err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	if !opts.Dbg {
		gin.SetMode(gin.ReleaseMode)
	}
	srv, err := emulator.New(ctx, emulator.Opts{
		DB:         opts.DB,
		Secret:     opts.Secret,
		TokenTTL:   opts.TokenTTL,
		Accounts:   opts.Accounts,
		Keys:       opts.Keys,
		PublicRead: opts.PublicRead,
	})
	if err != nil {
		return fmt.Errorf("can't make emulator: %w", err)
	}
	defer srv.Close() // nolint

	for email := range opts.Accounts {
		log.Printf("[INFO] account %s", email)
	}
	return srv.Run(ctx, opts.Listen)
}

func setupLog(dbg bool) {
	logOpts := []lgr.Option{lgr.Msec, lgr.LevelBraces}
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
