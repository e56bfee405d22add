/*
Package config loads the service configuration.

PURPOSE:
  One typed Config assembled by viper from, in increasing precedence:
  built-in defaults, an optional YAML file, environment variables, and
  command-line flags.

ENVIRONMENT:
  Every key maps to ELIGIBILITY_<SECTION>_<KEY>, e.g. ELIGIBILITY_CACHE_TTL.
  The variables of earlier deployments are still honored:
    ODOO_URL, ODOO_DB, ODOO_USER, ODOO_APIKEY, PORT, LOG_LEVEL

EXAMPLE FILE:
  server:
    port: 4000
    cors_origins: ["https://portal.example.com"]
  cache:
    ttl: 24h
  directory:
    backend: odoo
  odoo:
    url: https://billing.example.com
    db: production
    user: portal@example.com
    api_key: ...

SEE ALSO:
  - cmd/server/main.go: Flag registration and wiring
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Directory backends.
const (
	BackendOdoo   = "odoo"
	BackendSQLite = "sqlite"
)

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Directory DirectoryConfig `mapstructure:"directory"`
	Odoo      OdooConfig      `mapstructure:"odoo"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host        string   `mapstructure:"host"`
	Port        int      `mapstructure:"port"`
	TLSCert     string   `mapstructure:"tls_cert"`
	TLSKey      string   `mapstructure:"tls_key"`
	CORSOrigins []string `mapstructure:"cors_origins"`
	// LegacyReasons makes responses carry the reason strings older clients
	// parse (sin_contrato_o_usuario, becado, sincontrato, mora, al_dia).
	LegacyReasons bool `mapstructure:"legacy_reasons"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// TLSEnabled reports whether both certificate and key are configured.
func (s ServerConfig) TLSEnabled() bool {
	return s.TLSCert != "" && s.TLSKey != ""
}

type CacheConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type DirectoryConfig struct {
	Backend    string `mapstructure:"backend"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

type OdooConfig struct {
	URL                string        `mapstructure:"url"`
	DB                 string        `mapstructure:"db"`
	User               string        `mapstructure:"user"`
	APIKey             string        `mapstructure:"api_key"`
	Timeout            time.Duration `mapstructure:"timeout"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	IdentityField      string        `mapstructure:"identity_field"`
	ContractTypeField  string        `mapstructure:"contract_type_field"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// =============================================================================
// LOADING
// =============================================================================

var defaults = map[string]any{
	"server.host":               "0.0.0.0",
	"server.port":               4000,
	"server.tls_cert":           "",
	"server.tls_key":            "",
	"server.cors_origins":       []string{"*"},
	"server.legacy_reasons":     false,
	"cache.ttl":                 24 * time.Hour,
	"directory.backend":         BackendOdoo,
	"directory.sqlite_path":     "./data/directory.db",
	"odoo.url":                  "",
	"odoo.db":                   "",
	"odoo.user":                 "",
	"odoo.api_key":              "",
	"odoo.timeout":              10 * time.Second,
	"odoo.insecure_skip_verify": false,
	"odoo.identity_field":       "vat",
	"odoo.contract_type_field":  "x_studio_tipo_contrato_especial",
	"log.level":                 "info",
	"log.format":                "json",
}

// Environment variables kept from earlier deployments.
var legacyEnv = map[string]string{
	"odoo.url":     "ODOO_URL",
	"odoo.db":      "ODOO_DB",
	"odoo.user":    "ODOO_USER",
	"odoo.api_key": "ODOO_APIKEY",
	"server.port":  "PORT",
	"log.level":    "LOG_LEVEL",
}

// Flag names bound to config keys by Load.
var flagKeys = map[string]string{
	"host":           "server.host",
	"port":           "server.port",
	"legacy-reasons": "server.legacy_reasons",
	"backend":        "directory.backend",
	"sqlite-path":    "directory.sqlite_path",
	"cache-ttl":      "cache.ttl",
	"log-level":      "log.level",
	"log-format":     "log.format",
}

// RegisterFlags adds the command-line overrides to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to a YAML config file")
	fs.String("host", "0.0.0.0", "Listen address")
	fs.Int("port", 4000, "Listen port")
	fs.Bool("legacy-reasons", false, "Emit legacy reason strings")
	fs.String("backend", BackendOdoo, "Directory backend (odoo|sqlite)")
	fs.String("sqlite-path", "./data/directory.db", "SQLite directory path")
	fs.Duration("cache-ttl", 24*time.Hour, "Decision cache TTL")
	fs.String("log-level", "info", "Log level")
	fs.String("log-format", "json", "Log format (json|console)")
}

// Load assembles the configuration. An empty path looks for
// eligibility.yaml in the working directory and ./config, and is fine when
// none exists. flags may be nil; only flags the user set override.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("eligibility")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("ELIGIBILITY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		envKey := "ELIGIBILITY_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, legacy); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", legacy, err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil || !f.Changed {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks the settings the selected backend needs.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		errs = append(errs, errors.New("server.tls_cert and server.tls_key must be set together"))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, fmt.Errorf("cache.ttl must be positive, got %s", c.Cache.TTL))
	}

	switch c.Directory.Backend {
	case BackendOdoo:
		required := map[string]string{
			"odoo.url":     c.Odoo.URL,
			"odoo.db":      c.Odoo.DB,
			"odoo.user":    c.Odoo.User,
			"odoo.api_key": c.Odoo.APIKey,
		}
		for _, key := range []string{"odoo.url", "odoo.db", "odoo.user", "odoo.api_key"} {
			if required[key] == "" {
				errs = append(errs, fmt.Errorf("%s is required for the odoo backend", key))
			}
		}
		if c.Odoo.Timeout <= 0 {
			errs = append(errs, fmt.Errorf("odoo.timeout must be positive, got %s", c.Odoo.Timeout))
		}
	case BackendSQLite:
		if c.Directory.SQLitePath == "" {
			errs = append(errs, errors.New("directory.sqlite_path is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("directory.backend %q: expected %s or %s", c.Directory.Backend, BackendOdoo, BackendSQLite))
	}

	return errors.Join(errs...)
}
