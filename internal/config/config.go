// Package config resolves the server configuration from defaults, an optional
// YAML file, the environment and command line flags, in that order.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// ErrMissingURL is returned when no connection string was configured.
var ErrMissingURL = errors.New("POSTGRES_URL is required")

// envKeys maps the environment variables the server understands to koanf keys.
var envKeys = map[string]string{
	"POSTGRES_URL":                "postgres_url",
	"PORT":                        "port",
	"MCP_PATH":                    "path",
	"MCP_NOTIFY_CHANNEL":          "notify_channel",
	"POSTGRES_MAX_OPEN_CONNS":     "max_open_conns",
	"POSTGRES_CONN_MAX_IDLE_TIME": "conn_max_idle_time",
	"POSTGRES_CONNECT_TIMEOUT":    "connect_timeout",
}

var defaults = map[string]any{
	"port":               3001,
	"path":               "/mcp",
	"notify_channel":     "mcp_resources",
	"max_open_conns":     10,
	"conn_max_idle_time": 20,
	"connect_timeout":    10,
}

type Config struct {
	PostgresURL     string `koanf:"postgres_url"`
	Port            int    `koanf:"port"`
	Path            string `koanf:"path"`
	NotifyChannel   string `koanf:"notify_channel"`
	MaxOpenConns    int    `koanf:"max_open_conns"`
	ConnMaxIdleTime int    `koanf:"conn_max_idle_time"`
	ConnectTimeout  int    `koanf:"connect_timeout"`

	// Identity is derived from PostgresURL and addresses every resource.
	Identity Identity `koanf:"-"`
}

// Identity is the connection user and database, without credentials.
type Identity struct {
	User     string
	Database string
}

// Options carries the sources Load reads besides the environment.
type Options struct {
	// File is an optional YAML config file.
	File string
	// Overrides hold values set explicitly on the command line.
	Overrides map[string]any
}

// Load layers defaults, file, environment and overrides and validates the
// result.
func Load(opts Options) (*Config, error) {
	k := koanf.New(".")

	for key, val := range defaults {
		if err := k.Set(key, val); err != nil {
			return nil, fmt.Errorf("error setting default %s: %w", key, err)
		}
	}

	if opts.File != "" {
		if err := k.Load(file.Provider(opts.File), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", opts.File, err)
		}
	}

	err := k.Load(env.ProviderWithValue("", ".", func(key, value string) (string, interface{}) {
		name, ok := envKeys[key]
		if !ok || value == "" {
			return "", nil
		}
		return name, value
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("error loading environment variables: %w", err)
	}

	for key, val := range opts.Overrides {
		if err := k.Set(key, val); err != nil {
			return nil, fmt.Errorf("error setting %s: %w", key, err)
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.PostgresURL) == "" {
		return ErrMissingURL
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if !strings.HasPrefix(c.Path, "/") {
		c.Path = "/" + c.Path
	}

	pc, err := pgconn.ParseConfig(c.PostgresURL)
	if err != nil {
		// pgconn echoes the input on some errors, never surface it
		return errors.New("invalid POSTGRES_URL: could not parse connection string")
	}
	if pc.User == "" || pc.Database == "" {
		return errors.New("invalid POSTGRES_URL: user and database must be set")
	}
	c.Identity = Identity{User: pc.User, Database: pc.Database}
	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.ConnMaxIdleTime) * time.Second
}

func (c *Config) DialTimeout() time.Duration {
	return time.Duration(c.ConnectTimeout) * time.Second
}

// Redacted renders the connection string with its password removed, for
// diagnostics.
func (c *Config) Redacted() string {
	return RedactURL(c.PostgresURL)
}

// RedactURL strips the password from a URL-form connection string. Strings in
// keyword/value form have their password value replaced.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return redactKeywords(raw)
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	q := u.Query()
	if q.Has("password") {
		q.Set("password", "xxxxx")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func redactKeywords(raw string) string {
	fields := strings.Fields(raw)
	for i, f := range fields {
		if strings.HasPrefix(strings.ToLower(f), "password=") {
			fields[i] = "password=xxxxx"
		}
	}
	return strings.Join(fields, " ")
}
