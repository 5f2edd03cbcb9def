package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strconv"
	"time"
)

// EnvPrefix prefixes the environment variables that override flags:
// HTTPKIT_PORT, HTTPKIT_MAX_BODY, HTTPKIT_SELECT_TIMEOUT and so on.
const EnvPrefix = "HTTPKIT"

// Config holds all application configuration.
type Config struct {
	Host          string        `config:"host"`
	Port          int           `config:"port"`
	MaxBody       int64         `config:"max.body"`
	MaxLine       int           `config:"max.line"`
	MaxMessage    int           `config:"max.message"`
	SelectTimeout time.Duration `config:"select.timeout"`
	IdleTimeout   time.Duration `config:"idle.timeout"`
	Workers       int           `config:"workers"`
	Env           string        `config:"env"`
	LogFormat     string        `config:"log.format"`
	LogLevel      string        `config:"log.level"`
	OTel          bool          `config:"otel"`

	File string `config:"-"` // optional JSON file
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:          8080,
		MaxBody:       8 << 20,
		MaxLine:       4096,
		MaxMessage:    1 << 20,
		SelectTimeout: 300 * time.Millisecond,
		Workers:       runtime.NumCPU(),
		Env:           "development",
		LogFormat:     "text",
		LogLevel:      "info",
	}
}

// New loads configuration from the command line flags, then applies the
// JSON file and the environment. It exits on invalid input, as flag does.
func New() *Config {
	cfg, err := Load(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	return cfg
}

// Load parses args into a config. Later sources win: defaults, flags, the
// JSON file named by -config, HTTPKIT_* variables, then PORT.
func Load(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := Default()

	fs.StringVar(&cfg.Host, "host", cfg.Host, "listen host")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "listen port")
	fs.Int64Var(&cfg.MaxBody, "max-body", cfg.MaxBody, "largest accepted request body (bytes)")
	fs.IntVar(&cfg.MaxLine, "max-line", cfg.MaxLine, "largest request or header line (bytes)")
	fs.IntVar(&cfg.MaxMessage, "max-message", cfg.MaxMessage, "largest inbound websocket message (bytes)")
	fs.DurationVar(&cfg.SelectTimeout, "select-timeout", cfg.SelectTimeout, "event loop poll timeout")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "close idle keep-alive connections after this (0 = never)")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "handler worker pool size")
	fs.StringVar(&cfg.Env, "env", cfg.Env, "environment (development/production)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (text/json)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug/info/warn/error)")
	fs.BoolVar(&cfg.OTel, "otel", cfg.OTel, "log and export metrics through OpenTelemetry")
	fs.StringVar(&cfg.File, "config", "", "JSON config file")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	m := NewManager()
	if cfg.File != "" {
		if err := m.LoadFromJSON(cfg.File); err != nil {
			return nil, err
		}
	}
	m.LoadFromEnv(EnvPrefix)
	if port, ok := os.LookupEnv("PORT"); ok {
		m.Set("port", port)
	}

	if err := m.Unmarshal("", cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.MaxBody <= 0 {
		errs = append(errs, fmt.Errorf("max body must be positive, got %d", c.MaxBody))
	}
	if c.MaxLine <= 0 {
		errs = append(errs, fmt.Errorf("max line must be positive, got %d", c.MaxLine))
	}
	if c.MaxMessage <= 0 {
		errs = append(errs, fmt.Errorf("max message must be positive, got %d", c.MaxMessage))
	}
	if c.SelectTimeout <= 0 {
		errs = append(errs, fmt.Errorf("select timeout must be positive, got %s", c.SelectTimeout))
	}
	if c.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("idle timeout must not be negative, got %s", c.IdleTimeout))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log format %q is not text or json", c.LogFormat))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Addr returns host:port for listening.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", c.LogLevel, err)
	}
	return l, nil
}
