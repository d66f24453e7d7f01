// Package config loads the agent configuration from an INI file, with
// STORESYNC_* environment bindings and built-in defaults filling anything
// the file leaves out.
package config

import (
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/pdvdash/storesync/internal/catalog"
	"github.com/pdvdash/storesync/internal/source"
	"github.com/pkg/errors"
)

// DefaultFile is searched for when no explicit config path is given.
const DefaultFile = "storesync.ini"

// ErrInvalid wraps every configuration error. Callers exit non-zero on it.
var ErrInvalid = errors.New("invalid configuration")

type APIConfig struct {
	URL     string        `long:"url" env:"URL" description:"Receiver base URL"`
	Token   string        `long:"token" env:"TOKEN" description:"Bearer token identifying the tenant"`
	Timeout time.Duration `long:"timeout" env:"TIMEOUT" default:"120s" description:"Per-request timeout"`
	Retries int           `long:"retries" env:"RETRIES" default:"0" description:"In-request retries on 429, 5xx and connection errors"`
	Gzip    bool          `long:"gzip" env:"GZIP" description:"Compress request bodies"`
}

type StoreConfig struct {
	ID string `long:"id" env:"ID" description:"Store tax id, sent as cnpj_loja and X-Store-Id"`
}

type DatabaseConfig struct {
	Driver   string `long:"driver" env:"DRIVER" default:"firebird" description:"Source database: firebird, postgres or sqlite"`
	DSN      string `long:"dsn" env:"DSN" description:"Full driver DSN; overrides the discrete connection keys"`
	Host     string `long:"host" env:"HOST" default:"localhost" description:"Database host"`
	Port     int    `long:"port" env:"PORT" description:"Database port (driver default when zero)"`
	Path     string `long:"path" env:"PATH" description:"Database file or name"`
	User     string `long:"user" env:"USER" default:"SYSDBA" description:"Database user"`
	Password string `long:"password" env:"PASSWORD" description:"Database password"`
	Charset  string `long:"charset" env:"CHARSET" default:"WIN1252" description:"Charset used to recover text that is not UTF-8"`
}

type SyncConfig struct {
	BatchSize           int           `long:"batch_size" env:"BATCH_SIZE" default:"50" description:"Rows per batch"`
	Cutoff              string        `long:"cutoff" env:"CUTOFF" description:"Ignore sales before this date (dd.mm.yyyy or yyyy-mm-dd)"`
	ActivePause         time.Duration `long:"active_pause" env:"ACTIVE_PAUSE" default:"1s" description:"Pause after a cycle that delivered rows"`
	IdleInterval        time.Duration `long:"idle_interval" env:"IDLE_INTERVAL" default:"30s" description:"Pause after a cycle with nothing pending"`
	IdleJitter          float64       `long:"idle_jitter" env:"IDLE_JITTER" default:"0.2" description:"Idle interval jitter ratio (0.0-1.0)"`
	ErrorBackoff        time.Duration `long:"error_backoff" env:"ERROR_BACKOFF" default:"10s" description:"Pause after a failed cycle"`
	MaintenanceInterval time.Duration `long:"maintenance_interval" env:"MAINTENANCE_INTERVAL" default:"1h" description:"Interval of the cutoff sweep and broken table retry"`
	MaxRejections       int           `long:"max_rejections" env:"MAX_REJECTIONS" default:"5" description:"Permanent rejections before a row is quarantined (0 retries forever)"`
	MarkerColumn        string        `long:"marker_column" env:"MARKER_COLUMN" default:"SYNK_DASH_PEND" description:"Pending marker column"`
	StateFile           string        `long:"state_file" env:"STATE_FILE" default:"storesync-state.json" description:"Agent state file"`
	CatalogFile         string        `long:"catalog_file" env:"CATALOG_FILE" description:"YAML catalog replacing the built-in table list"`
	PauseFile           string        `long:"pause_file" env:"PAUSE_FILE" description:"Sync pauses while this file exists"`
	LockDir             string        `long:"lock_dir" env:"LOCK_DIR" description:"Directory of the single-instance lock (defaults to the state file directory)"`
}

type MonitorConfig struct {
	Addr string `long:"addr" env:"ADDR" description:"Local monitor listen address; empty disables it"`
}

// Config is the complete agent configuration.
type Config struct {
	API      APIConfig      `group:"api" namespace:"api" env-namespace:"API"`
	Store    StoreConfig    `group:"store" namespace:"store" env-namespace:"STORE"`
	Database DatabaseConfig `group:"database" namespace:"database" env-namespace:"DATABASE"`
	Sync     SyncConfig     `group:"sync" namespace:"sync" env-namespace:"SYNC"`
	Log      LogConfig      `group:"log" namespace:"log" env-namespace:"LOG"`
	Monitor  MonitorConfig  `group:"monitor" namespace:"monitor" env-namespace:"MONITOR"`
}

func newParser(cfg *Config) *flags.Parser {
	parser := flags.NewParser(cfg, flags.None)
	parser.EnvNamespace = "STORESYNC"
	return parser
}

// Load reads path, or DefaultFile from the working directory or the user
// config directory when path is empty, and validates the result. An
// explicit path must exist; the default file is optional.
func Load(path string) (*Config, error) {
	cfg := new(Config)
	parser := newParser(cfg)
	ini := flags.NewIniParser(parser)

	path = strings.TrimSpace(path)
	if path != "" {
		if err := ini.ParseFile(path); err != nil {
			return nil, errors.Wrapf(ErrInvalid, "reading %s: %v", path, err)
		}
	} else {
		for _, candidate := range defaultPaths() {
			err := ini.ParseFile(candidate)
			if err == nil {
				break
			} else if !os.IsNotExist(err) {
				return nil, errors.Wrapf(ErrInvalid, "reading %s: %v", candidate, err)
			}
		}
	}
	// Applies environment bindings and defaults to options the file left unset.
	if _, err := parser.ParseArgs(nil); err != nil {
		return nil, errors.Wrapf(ErrInvalid, "%v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultPaths() []string {
	paths := []string{filepath.Join(".", DefaultFile)}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, "storesync", DefaultFile))
	}
	return paths
}

// Validate checks for the errors that must stop the agent at startup.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.API.Token) == "" {
		return errors.Wrap(ErrInvalid, "api token is required")
	}
	u, err := url.Parse(strings.TrimSpace(c.API.URL))
	if c.API.URL == "" || err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return errors.Wrapf(ErrInvalid, "api url %q must be an absolute http(s) URL", c.API.URL)
	}
	if _, err := source.DialectFor(c.Database.Driver); err != nil {
		return errors.Wrapf(ErrInvalid, "%v", err)
	}
	if c.Database.DSN == "" && c.Database.Path == "" {
		return errors.Wrap(ErrInvalid, "database path or dsn is required")
	}
	if _, err := c.CutoffDate(); err != nil {
		return err
	}
	if c.Sync.BatchSize <= 0 {
		return errors.Wrapf(ErrInvalid, "batch_size must be positive, got %d", c.Sync.BatchSize)
	}
	if c.Sync.MaxRejections < 0 {
		return errors.Wrapf(ErrInvalid, "max_rejections must not be negative, got %d", c.Sync.MaxRejections)
	}
	if !catalog.IsIdentifier(c.Sync.MarkerColumn) {
		return errors.Wrapf(ErrInvalid, "marker_column %q is not a plain identifier", c.Sync.MarkerColumn)
	}
	if _, err := logLevel(c.Log.Level); err != nil {
		return errors.Wrapf(ErrInvalid, "%v", err)
	}
	return nil
}

// CutoffDate parses the configured cutoff. An empty cutoff is the zero time.
func (c *Config) CutoffDate() (time.Time, error) {
	t, err := ParseCutoff(c.Sync.Cutoff)
	if err != nil {
		return time.Time{}, errors.Wrapf(ErrInvalid, "%v", err)
	}
	return t, nil
}

var cutoffLayouts = []string{"02.01.2006", "2006-01-02", "02/01/2006"}

// ParseCutoff accepts dd.mm.yyyy, dd/mm/yyyy or yyyy-mm-dd.
func ParseCutoff(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range cutoffLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.Errorf("cutoff %q is not a date (dd.mm.yyyy or yyyy-mm-dd)", s)
}

// SourceDSN returns the driver DSN of the source database.
func (c *Config) SourceDSN() (string, error) {
	db := c.Database
	if db.DSN != "" {
		return db.DSN, nil
	}
	d, err := source.DialectFor(db.Driver)
	if err != nil {
		return "", err
	}
	switch d.Name() {
	case "sqlite":
		return db.Path, nil
	case "postgres":
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(db.User, db.Password),
			Host:     hostPort(db.Host, db.Port),
			Path:     "/" + strings.TrimPrefix(db.Path, "/"),
			RawQuery: "sslmode=disable",
		}
		return u.String(), nil
	default:
		// user:password@host[:port]/path
		return url.UserPassword(db.User, db.Password).String() + "@" + hostPort(db.Host, db.Port) + "/" + db.Path, nil
	}
}

func hostPort(host string, port int) string {
	if port <= 0 {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// SourceOptions returns the source store options implied by the config.
func (c *Config) SourceOptions() (source.Options, error) {
	d, err := source.DialectFor(c.Database.Driver)
	if err != nil {
		return source.Options{}, err
	}
	return source.Options{Dialect: d, MarkerColumn: c.Sync.MarkerColumn, Charset: c.Database.Charset}, nil
}

// Catalog loads the configured catalog, or the built-in one.
func (c *Config) Catalog() (catalog.Catalog, error) {
	cat, err := catalog.Load(c.Sync.CatalogFile)
	if err != nil {
		return catalog.Catalog{}, errors.Wrapf(ErrInvalid, "%v", err)
	}
	return cat, nil
}

// LockDir returns the directory of the single-instance lock.
func (c *Config) LockDir() string {
	if c.Sync.LockDir != "" {
		return c.Sync.LockDir
	}
	return filepath.Dir(c.Sync.StateFile)
}

// WriteINI writes the effective configuration in INI form, with the token
// and password masked.
func (c *Config) WriteINI(w io.Writer) {
	masked := *c
	if masked.API.Token != "" {
		masked.API.Token = "********"
	}
	if masked.Database.Password != "" {
		masked.Database.Password = "********"
	}
	flags.NewIniParser(newParser(&masked)).Write(w, flags.IniIncludeComments|flags.IniIncludeDefaults)
}
