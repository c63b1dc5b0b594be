// Package config loads the daemon configuration from a YAML profile,
// DIRSYNC_ environment variables and an optional .env file.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/isometry/dirsync/internal/changes"
	dirldap "github.com/isometry/dirsync/internal/ldap"
	"github.com/isometry/dirsync/internal/mapping"
	"github.com/isometry/dirsync/internal/syncerr"
)

const (
	EnvPrefix      = "DIRSYNC"
	DefaultProfile = "default"
	StateFile      = "state.db"
	LockFile       = "dirsync.lock"
)

var (
	home, _          = os.UserHomeDir()
	DefaultConfigDir = filepath.Join(home, ".config", "dirsync")
	DefaultStateDir  = filepath.Join(home, ".local", "state", "dirsync")
)

// TLSConfig controls transport security of one directory side.
type TLSConfig struct {
	// StartTLS upgrades plain ldap:// connections.
	StartTLS           bool   `mapstructure:"start_tls" default:"true"`
	Disable            bool   `mapstructure:"disable"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
	CACert             string `mapstructure:"ca_cert"`
	ClientCert         string `mapstructure:"client_cert"`
	ClientKey          string `mapstructure:"client_key"`
}

// DirectoryConfig describes one directory side.
type DirectoryConfig struct {
	URLs           []string      `mapstructure:"urls"`
	Domain         string        `mapstructure:"domain"`
	BaseDN         string        `mapstructure:"base_dn"`
	BindDN         string        `mapstructure:"bind_dn"`
	Password       string        `mapstructure:"password" secret:"true"`
	KerberosRealm  string        `mapstructure:"kerberos_realm"`
	KerberosKeytab string        `mapstructure:"kerberos_keytab"`
	KerberosConfig string        `mapstructure:"kerberos_config"`
	KerberosCCache string        `mapstructure:"kerberos_ccache"`
	KerberosSPN    string        `mapstructure:"kerberos_spn"`
	TLS            TLSConfig     `mapstructure:"tls"`
	Timeout        time.Duration `mapstructure:"timeout" default:"30s"`
	MaxConnections int           `mapstructure:"max_connections" default:"4"`
	Retries        int           `mapstructure:"retries" default:"3"`

	// AccessLogBase is the accesslog suffix; LDAP side only.
	AccessLogBase string `mapstructure:"accesslog_base"`
}

// RuleConfig overrides one built-in mapping rule.
type RuleConfig struct {
	SyncMode       string             `mapstructure:"sync_mode"`
	DisableDelete  *bool              `mapstructure:"disable_delete"`
	IgnoreFilter   string             `mapstructure:"ignore_filter"`
	MatchFilter    string             `mapstructure:"match_filter"`
	IgnoreSubtrees []string           `mapstructure:"ignore_subtrees"`
	Positions      []mapping.Position `mapstructure:"positions"`
}

type LogConfig struct {
	Level string `mapstructure:"level" default:"info"`
	File  string `mapstructure:"file"`
}

// Config is the complete daemon configuration.
type Config struct {
	LDAP DirectoryConfig `mapstructure:"ldap"`
	AD   DirectoryConfig `mapstructure:"ad"`

	PollInterval    time.Duration `mapstructure:"poll_interval" default:"5s"`
	RetryRejected   int           `mapstructure:"retry_rejected" default:"10"`
	BackoffInterval time.Duration `mapstructure:"backoff_interval" default:"30s"`
	LockTTL         time.Duration `mapstructure:"lock_ttl" default:"5m"`
	StartupRetries  int           `mapstructure:"startup_retries" default:"3"`
	StateDir        string        `mapstructure:"state_dir"`

	Features       map[string]bool       `mapstructure:"features"`
	IgnoreSubtrees []string              `mapstructure:"ignore_subtrees"`
	Rules          map[string]RuleConfig `mapstructure:"rules"`

	Log LogConfig `mapstructure:"log"`

	// Path is the file the configuration was read from, if any.
	Path string `mapstructure:"-"`
}

// Options select where configuration is read from.
type Options struct {
	// File is an explicit config file and wins over Profile. An explicit
	// file or profile must exist.
	File      string
	Profile   string
	ConfigDir string
	// EnvFile is loaded into the environment first. Empty means ".env",
	// which may be absent.
	EnvFile string
}

// ResolvePath returns the config file selected by opts.
func ResolvePath(opts Options) string {
	if opts.File != "" {
		return opts.File
	}
	dir := opts.ConfigDir
	if dir == "" {
		dir = DefaultConfigDir
	}
	profile := opts.Profile
	if profile == "" {
		profile = DefaultProfile
	}
	return filepath.Join(dir, profile+".yaml")
}

// NewViper returns a viper instance reading opts and DIRSYNC_ variables.
// A missing profile file is not an error; every key can come from the
// environment.
func NewViper(opts Options) (*viper.Viper, error) {
	if err := loadEnvFile(opts.EnvFile); err != nil {
		return nil, syncerr.Fatal("config", err)
	}

	v := viper.New()
	v.SetConfigFile(ResolvePath(opts))
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v, "", reflect.TypeOf(Config{}))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		missing := errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
		if !missing || opts.File != "" || opts.Profile != "" {
			return nil, syncerr.Fatal("config", fmt.Errorf("read %s: %w", v.ConfigFileUsed(), err))
		}
	}
	return v, nil
}

func loadEnvFile(path string) error {
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// bindEnv registers every leaf key so that Unmarshal sees environment
// overrides for keys absent from the file.
func bindEnv(v *viper.Viper, prefix string, t reflect.Type) {
	for i := range t.NumField() {
		f := t.Field(i)
		name := f.Tag.Get("mapstructure")
		if name == "" || name == "-" {
			continue
		}
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}
		switch f.Type.Kind() {
		case reflect.Struct:
			bindEnv(v, key, f.Type)
		case reflect.Map:
			// maps are only read from the file
		default:
			_ = v.BindEnv(key)
		}
	}
}

// Load applies defaults, decodes v over them, and validates the result.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, syncerr.Fatal("config", fmt.Errorf("failed to set default values: %w", err))
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, syncerr.Fatal("config", fmt.Errorf("decode: %w", err))
	}
	cfg.Path = v.ConfigFileUsed()
	if _, err := os.Stat(cfg.Path); err != nil {
		cfg.Path = ""
	}

	if cfg.StateDir == "" {
		cfg.StateDir = DefaultStateDir
	}
	if cfg.LDAP.AccessLogBase == "" {
		cfg.LDAP.AccessLogBase = changes.DefaultAccessLogBase
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration. Failures are *syncerr.FatalConfigError.
func (c *Config) Validate() error {
	var errs []error
	for _, side := range []struct {
		name string
		dir  DirectoryConfig
	}{{"ldap", c.LDAP}, {"ad", c.AD}} {
		if err := side.dir.validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", side.name, err))
		}
	}

	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval must be positive"))
	}
	if c.BackoffInterval <= 0 {
		errs = append(errs, errors.New("backoff_interval must be positive"))
	}
	if c.RetryRejected < 0 {
		errs = append(errs, errors.New("retry_rejected cannot be negative"))
	}
	if c.LockTTL <= 0 {
		errs = append(errs, errors.New("lock_ttl must be positive"))
	}
	if c.StartupRetries < 1 {
		errs = append(errs, errors.New("startup_retries must be at least 1"))
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	for _, dn := range c.IgnoreSubtrees {
		if err := dirldap.ValidateDNSyntax(dn); err != nil {
			errs = append(errs, fmt.Errorf("ignore_subtrees: %w", err))
		}
	}
	if _, err := c.Registry(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return syncerr.Fatal("config", errors.Join(errs...))
	}
	return nil
}

func (d DirectoryConfig) validate() error {
	if d.BaseDN == "" {
		return errors.New("base_dn is required")
	}
	if err := dirldap.ValidateDNSyntax(d.BaseDN); err != nil {
		return fmt.Errorf("base_dn: %w", err)
	}
	if len(d.URLs) == 0 && d.Domain == "" {
		return errors.New("urls or domain is required")
	}
	if d.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if d.MaxConnections < 1 {
		return errors.New("max_connections must be at least 1")
	}
	if (d.TLS.ClientCert == "") != (d.TLS.ClientKey == "") {
		return errors.New("tls client_cert and client_key must be set together")
	}
	return nil
}

// LogLevel parses log.level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// StatePath returns the sqlite database path.
func (c *Config) StatePath() string {
	return filepath.Join(c.StateDir, StateFile)
}

// LockPath returns the single-instance lock file path.
func (c *Config) LockPath() string {
	return filepath.Join(c.StateDir, LockFile)
}

// Registry returns the built-in mapping rules with the configured overrides
// applied.
func (c *Config) Registry() (*mapping.Registry, error) {
	reg := mapping.DefaultRegistry()
	overrides := make(map[string]mapping.Override, len(c.Rules))
	for name, r := range c.Rules {
		overrides[name] = mapping.Override{
			SyncMode:       r.SyncMode,
			DisableDelete:  r.DisableDelete,
			IgnoreFilter:   r.IgnoreFilter,
			MatchFilter:    r.MatchFilter,
			IgnoreSubtrees: r.IgnoreSubtrees,
			Positions:      r.Positions,
		}
	}
	if err := reg.Configure(overrides); err != nil {
		return nil, fmt.Errorf("rules: %w", err)
	}
	return reg, nil
}

// Pipeline returns the mapping pipeline settings.
func (c *Config) Pipeline() mapping.Config {
	return mapping.Config{
		LDAPBase:       c.LDAP.BaseDN,
		ADBase:         c.AD.BaseDN,
		IgnoreSubtrees: c.IgnoreSubtrees,
		Features:       c.Features,
	}
}

// Directory returns the settings of side.
func (c *Config) Directory(side changes.Side) DirectoryConfig {
	if side == changes.SideAD {
		return c.AD
	}
	return c.LDAP
}

// Connection converts d into a connection pool configuration.
func (d DirectoryConfig) Connection(name string, log *slog.Logger) *dirldap.ConnectionConfig {
	cc := dirldap.DefaultConfig()
	cc.Name = name
	cc.Domain = d.Domain
	cc.LDAPURLs = d.URLs
	cc.BaseDN = d.BaseDN
	cc.Timeout = d.Timeout
	cc.Username = d.BindDN
	cc.Password = d.Password
	cc.KerberosRealm = d.KerberosRealm
	cc.KerberosKeytab = d.KerberosKeytab
	cc.KerberosConfig = d.KerberosConfig
	cc.KerberosCCache = d.KerberosCCache
	cc.KerberosSPN = d.KerberosSPN
	cc.UseTLS = d.TLS.StartTLS
	cc.SkipTLS = d.TLS.Disable
	cc.TLSCACertFile = d.TLS.CACert
	cc.TLSClientCertFile = d.TLS.ClientCert
	cc.TLSClientKeyFile = d.TLS.ClientKey
	cc.TLSConfig = &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: d.TLS.InsecureSkipVerify,
	}
	cc.MaxConnections = d.MaxConnections
	cc.MaxRetries = d.Retries
	cc.Logger = log
	return cc
}
