package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/go-pkgz/lgr"
	"github.com/jessevdk/go-flags"
	"github.com/paulmach/orb/encoding/wkt"
	"golang.org/x/term"

	"github.com/geosky/gft/pkg/config"
	"github.com/geosky/gft/pkg/gft"
	"github.com/geosky/gft/pkg/secrets"
	"github.com/geosky/gft/pkg/transport"
)

type options struct {
	Conn     string `short:"c" long:"conn" env:"GFT_CONN" description:"connection string, GFT:tables=<id>,... auth=<key> email=<e> password=<p>"`
	Profile  string `short:"p" long:"profile" env:"GFT_PROFILE" description:"profile file, yaml or toml [default: ~/.gft.yml]"`
	URL      string `long:"url" env:"GFT_URL" description:"service api url"`
	LoginURL string `long:"login-url" env:"GFT_LOGIN_URL" description:"login endpoint url"`
	PageSize int    `long:"page-size" env:"GFT_PAGE_SIZE" description:"rows per request"`
	Update   bool   `short:"u" long:"update" description:"open for update"`

	Auth     string `long:"auth" env:"GFT_AUTH" description:"authorization key"`
	Email    string `long:"email" env:"GFT_EMAIL" description:"account email"`
	Password string `long:"password" env:"GFT_PASSWORD" description:"account password"`

	SecretsProvider SecretsProvider `group:"secrets" namespace:"secrets" env-namespace:"GFT_SECRETS"`

	LayersCmd struct{} `command:"layers" description:"list layers with feature counts"`

	InfoCmd struct {
		PositionalArgs struct {
			Layer string `positional-arg-name:"layer" description:"layer name or table id"`
		} `positional-args:"yes" required:"yes"`
	} `command:"info" description:"show layer schema, count and extent"`

	FeaturesCmd struct {
		Where string `short:"w" long:"where" description:"attribute filter, passed to the service as is"`
		BBox  string `short:"b" long:"bbox" description:"spatial filter, minx,miny,maxx,maxy"`
		Limit int    `short:"l" long:"limit" description:"max features to print, 0 for all"`

		PositionalArgs struct {
			Layer string `positional-arg-name:"layer" description:"layer name or table id"`
		} `positional-args:"yes" required:"yes"`
	} `command:"features" description:"print features of the layer"`

	ExecCmd struct {
		PositionalArgs struct {
			Statement string `positional-arg-name:"statement" description:"statement to pass to the service"`
		} `positional-args:"yes" required:"yes"`
	} `command:"exec" description:"execute statement and print result as csv"`

	CreateCmd struct {
		Fields []string `short:"f" long:"field" description:"field as name:TYPE, repeat for more fields"`

		PositionalArgs struct {
			Layer string `positional-arg-name:"layer" description:"new layer name"`
		} `positional-args:"yes" required:"yes"`
	} `command:"create" description:"create layer"`

	DropCmd struct {
		PositionalArgs struct {
			Layer string `positional-arg-name:"layer" description:"layer name or table id"`
		} `positional-args:"yes" required:"yes"`
	} `command:"drop" description:"drop layer"`

	Timeout time.Duration `long:"timeout" env:"GFT_TIMEOUT" description:"overall timeout" default:"5m"`
	NoColor bool          `long:"no-color" env:"GFT_NO_COLOR" description:"disable colorized output"`
	Dbg     bool          `long:"dbg" description:"debug mode"`
}

// SecretsProvider defines secrets provider options, for all supported providers
type SecretsProvider struct {
	Provider string `long:"provider" env:"PROVIDER" description:"secret provider type" choice:"none" choice:"store" choice:"vault" choice:"aws" choice:"ansible" default:"none"`

	Key  string `long:"key" env:"KEY" description:"secure key for store provider"`
	Conn string `long:"conn" env:"CONN" description:"connection string for store provider" default:"gft.db"`

	Vault struct {
		Token string `long:"token" env:"TOKEN" description:"vault token"`
		Path  string `long:"path"  env:"PATH" description:"vault path"`
		URL   string `long:"url" env:"URL" description:"vault url"`
	} `group:"vault" namespace:"vault" env-namespace:"VAULT"`

	Aws struct {
		Region    string `long:"region" env:"REGION" description:"aws region"`
		AccessKey string `long:"access-key" env:"ACCESS_KEY" description:"aws access key"`
		SecretKey string `long:"secret-key" env:"SECRET_KEY" description:"aws secret key"`
		Prefix    string `long:"prefix" env:"PREFIX" description:"aws secret name prefix"`
	} `group:"aws" namespace:"aws" env-namespace:"AWS"`

	Ansible struct {
		Path   string `long:"path" env:"PATH" description:"ansible-vault file"`
		Secret string `long:"secret" env:"SECRET" description:"ansible-vault password"`
	} `group:"ansible" namespace:"ansible" env-namespace:"ANSIBLE"`
}

var revision = "latest"

var defaultProfiles = []string{"gft.yml", "gft.toml", "~/.gft.yml", "~/.gft.toml"}

func main() {
	var opts options
	p := flags.NewParser(&opts, flags.PrintErrors|flags.PassDoubleDash|flags.HelpFlag)
	if _, err := p.Parse(); err != nil {
		os.Exit(1)
	}
	setupLog(opts.Dbg)
	if opts.NoColor {
		color.NoColor = true
	}
	log.Printf("[DEBUG] gft %s", revision)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, p, opts, os.Stdout); err != nil {
		if opts.Dbg {
			log.Panicf("[ERROR] %v", err)
		}
		fmt.Fprintf(os.Stderr, "failed, %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, p *flags.Parser, opts options, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	secretsProvider, err := makeSecretsProvider(ctx, opts.SecretsProvider)
	if err != nil {
		return fmt.Errorf("can't make secrets provider: %w", err)
	}
	if c, ok := secretsProvider.(io.Closer); ok {
		defer c.Close() // nolint
	}

	profile, err := loadProfile(opts, secretsProvider)
	if err != nil {
		return err
	}
	lgr.Setup(lgr.Secret(profile.SecretValues()...)) // mask secrets in logs

	cfg := profile.Config(opts.Conn)
	if cfg.Auth.Email != "" && cfg.Auth.Password == "" && term.IsTerminal(int(os.Stdin.Fd())) {
		cfg.Auth.Prompt = promptPassword
	}
	cfg.Transport.UserAgent = "gft/" + revision

	switch {
	case active(p, "create"), active(p, "drop"):
		cfg.Update = true
	case active(p, "exec"):
		cfg.Update = cfg.Update || !isReadStatement(opts.ExecCmd.PositionalArgs.Statement)
	}

	st := time.Now()
	ds, err := gft.Connect(ctx, cfg)
	if err != nil {
		return fmt.Errorf("can't connect: %w", err)
	}
	log.Printf("[DEBUG] connected with %d layers in %v", len(ds.Layers()), time.Since(st).Truncate(time.Millisecond))

	switch {
	case active(p, "layers"):
		return listLayers(ctx, ds, out)
	case active(p, "info"):
		return layerInfo(ctx, ds, opts.InfoCmd.PositionalArgs.Layer, out)
	case active(p, "features"):
		fo := opts.FeaturesCmd
		return printFeatures(ctx, ds, fo.PositionalArgs.Layer, fo.Where, fo.BBox, fo.Limit, out)
	case active(p, "exec"):
		return execStatement(ctx, ds, opts.ExecCmd.PositionalArgs.Statement, out)
	case active(p, "create"):
		return createLayer(ctx, ds, opts.CreateCmd.PositionalArgs.Layer, opts.CreateCmd.Fields, out)
	case active(p, "drop"):
		if err := ds.DropLayer(ctx, opts.DropCmd.PositionalArgs.Layer); err != nil {
			return fmt.Errorf("can't drop layer %q: %w", opts.DropCmd.PositionalArgs.Layer, err)
		}
		fmt.Fprintf(out, "layer %s dropped\n", opts.DropCmd.PositionalArgs.Layer)
		return nil
	}
	return errors.New("no command")
}

func active(p *flags.Parser, name string) bool {
	return p.Active != nil && p.Command.Find(name) == p.Active
}

// loadProfile loads profile with command line overrides. Credentials missing in both are taken
// from the secrets provider.
func loadProfile(opts options, sp secrets.Provider) (*config.Profile, error) {
	fname := opts.Profile
	if fname == "" {
		candidates := make([]string, 0, len(defaultProfiles))
		for _, c := range defaultProfiles {
			if ex, err := expandPath(c); err == nil {
				candidates = append(candidates, ex)
			}
		}
		if f, err := config.Discover(candidates...); err == nil {
			fname = f
		}
	}
	if ex, err := expandPath(fname); err == nil {
		fname = ex
	}

	overrides := config.Overrides{
		URL:         opts.URL,
		LoginURL:    opts.LoginURL,
		PageSize:    opts.PageSize,
		Update:      opts.Update,
		Credentials: config.Creds{Auth: opts.Auth, Email: opts.Email, Password: opts.Password},
	}
	profile, err := config.Load(fname, &overrides, sp)
	if err != nil {
		return nil, fmt.Errorf("can't load profile: %w", err)
	}

	c := &profile.Credentials
	if c.Auth == "" && c.Email == "" && opts.SecretsProvider.Provider != "none" {
		creds, err := secrets.Lookup(sp, secrets.DefaultKeys())
		if err != nil {
			return nil, fmt.Errorf("can't get credentials: %w", err)
		}
		c.Auth, c.Email = creds.AuthKey, creds.Email
		if c.Password == "" {
			c.Password = creds.Password
		}
	}
	return profile, nil
}

// makeSecretsProvider creates secrets provider based on options
func makeSecretsProvider(ctx context.Context, sopts SecretsProvider) (secrets.Provider, error) {
	switch sopts.Provider {
	case "none":
		return &secrets.NoOpProvider{}, nil
	case "store":
		return secrets.NewStore(ctx, sopts.Conn, []byte(sopts.Key))
	case "vault":
		return secrets.NewVaultProvider(sopts.Vault.URL, sopts.Vault.Path, sopts.Vault.Token)
	case "aws":
		return secrets.NewAWSProvider(sopts.Aws.AccessKey, sopts.Aws.SecretKey, sopts.Aws.Region, sopts.Aws.Prefix)
	case "ansible":
		return secrets.NewAnsibleVaultProvider(sopts.Ansible.Path, sopts.Ansible.Secret)
	}
	log.Printf("[WARN] unknown secrets provider %q", sopts.Provider)
	return &secrets.NoOpProvider{}, nil
}

func promptPassword(email string) (string, error) {
	fmt.Fprintf(os.Stderr, "password for %s: ", email)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("can't read password: %w", err)
	}
	return string(b), nil
}

func listLayers(ctx context.Context, ds *gft.DataSource, out io.Writer) error {
	hdr := color.New(color.FgHiWhite, color.Bold).SprintfFunc()
	fmt.Fprintln(out, hdr("%-12s %-32s %s", "ID", "NAME", "FEATURES"))
	for _, l := range ds.Layers() {
		n, err := l.FeatureCount(ctx)
		if err != nil {
			return fmt.Errorf("can't count features of %q: %w", l.Name(), err)
		}
		fmt.Fprintf(out, "%-12s %-32s %d\n", l.Table().ID, l.Name(), n)
	}
	return nil
}

func layerInfo(ctx context.Context, ds *gft.DataSource, name string, out io.Writer) error {
	l, err := ds.Layer(name)
	if err != nil {
		return err
	}
	n, err := l.FeatureCount(ctx)
	if err != nil {
		return fmt.Errorf("can't count features: %w", err)
	}
	key := color.New(color.FgCyan).SprintFunc()
	fmt.Fprintf(out, "%s %s\n%s %s\n%s %d\n", key("layer:"), l.Name(), key("table:"), l.Table().ID, key("features:"), n)

	b, ok, err := l.Extent(ctx)
	if err != nil {
		return fmt.Errorf("can't get extent: %w", err)
	}
	if ok {
		fmt.Fprintf(out, "%s %v,%v,%v,%v\n", key("extent:"), b.Min.X(), b.Min.Y(), b.Max.X(), b.Max.Y())
	}

	geom, hasGeom := l.Schema().GeometryColumn()
	fmt.Fprintln(out, key("fields:"))
	for _, c := range l.Schema().Columns() {
		mark := ""
		if hasGeom && c.Name == geom.Name {
			mark = " (geometry)"
		}
		fmt.Fprintf(out, "  %-24s %s%s\n", c.Name, c.Type, mark)
	}
	return nil
}

func printFeatures(ctx context.Context, ds *gft.DataSource, name, where, bbox string, limit int, out io.Writer) error {
	var rect *gft.Rect
	if bbox != "" {
		r, err := parseBBox(bbox)
		if err != nil {
			return err
		}
		rect = &r
	}
	l, err := ds.Layer(name)
	if err != nil {
		return err
	}
	l.SetSpatialFilter(rect)
	l.SetAttributeFilter(where)

	geom, hasGeom := l.Schema().GeometryColumn()
	var cols []string
	for _, c := range l.Schema().Columns() {
		if hasGeom && c.Name == geom.Name {
			continue
		}
		cols = append(cols, c.Name)
	}

	w := csv.NewWriter(out)
	if err := w.Write(append(append([]string{"rowid"}, cols...), "geometry")); err != nil {
		return fmt.Errorf("can't write header: %w", err)
	}
	for n := 0; limit <= 0 || n < limit; n++ {
		f, err := l.NextFeature(ctx)
		if errors.Is(err, gft.ErrEndOfSequence) {
			break
		}
		if err != nil {
			return fmt.Errorf("can't read feature: %w", err)
		}
		rec := make([]string, 0, len(cols)+2)
		rec = append(rec, string(f.RowID))
		for _, c := range cols {
			rec = append(rec, f.String(c))
		}
		g := ""
		if f.Geometry != nil {
			g = wkt.MarshalString(f.Geometry)
		}
		if err := w.Write(append(rec, g)); err != nil {
			return fmt.Errorf("can't write feature: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

func execStatement(ctx context.Context, ds *gft.DataSource, stmt string, out io.Writer) error {
	tbl, err := ds.ExecuteStatement(ctx, stmt)
	if err != nil {
		return err
	}
	return writeTable(tbl, out)
}

func writeTable(tbl *transport.Table, out io.Writer) error {
	if tbl == nil || len(tbl.Columns) == 0 {
		return nil
	}
	w := csv.NewWriter(out)
	if err := w.Write(tbl.Columns); err != nil {
		return fmt.Errorf("can't write header: %w", err)
	}
	if err := w.WriteAll(tbl.Rows); err != nil {
		return fmt.Errorf("can't write rows: %w", err)
	}
	return nil
}

func createLayer(ctx context.Context, ds *gft.DataSource, name string, fields []string, out io.Writer) error {
	cols := make([]gft.Column, 0, len(fields))
	for _, f := range fields {
		n, t, ok := strings.Cut(f, ":")
		if !ok || strings.TrimSpace(n) == "" {
			return fmt.Errorf("bad field %q, expected name:TYPE", f)
		}
		ft, err := gft.ParseFieldType(t)
		if err != nil {
			return fmt.Errorf("bad field %q: %w", f, err)
		}
		cols = append(cols, gft.Column{Name: strings.TrimSpace(n), Type: ft})
	}
	l, err := ds.CreateLayer(ctx, name, cols...)
	if err != nil {
		return fmt.Errorf("can't create layer %q: %w", name, err)
	}
	fmt.Fprintf(out, "layer %s created, table %s\n", l.Name(), l.Table().ID)
	return nil
}

func parseBBox(s string) (gft.Rect, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return gft.Rect{}, fmt.Errorf("bad bbox %q, expected minx,miny,maxx,maxy", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return gft.Rect{}, fmt.Errorf("bad bbox %q: %w", s, err)
		}
		v[i] = f
	}
	return gft.NewRect(v[0], v[1], v[2], v[3]), nil
}

// isReadStatement checks if statement can be sent without update mode
func isReadStatement(stmt string) bool {
	fields := strings.Fields(stmt)
	if len(fields) == 0 {
		return true
	}
	switch strings.ToUpper(fields[0]) {
	case "SELECT", "DESCRIBE", "SHOW":
		return true
	}
	return false
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		usr, err := user.Current()
		if err != nil {
			return "", err
		}
		return filepath.Join(usr.HomeDir, path[1:]), nil
	}
	return path, nil
}

func setupLog(dbg bool) {
	logOpts := []lgr.Option{lgr.Out(io.Discard), lgr.Err(io.Discard)} // default to discard
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
