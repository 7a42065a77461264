package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultPath = "daybook.yml"

type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Storage   StorageConfig   `yaml:"storage" json:"storage"`
	Locks     LocksConfig     `yaml:"locks" json:"locks"`
	Identity  IdentityConfig  `yaml:"identity" json:"identity"`
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
	Log       LogConfig       `yaml:"log" json:"log"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" json:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// StorageConfig selects the task store. Driver is one of memory, file,
// sqlite or postgres.
type StorageConfig struct {
	Driver  string `yaml:"driver" json:"driver"`
	DataDir string `yaml:"data_dir" json:"data_dir"`
	Codec   string `yaml:"codec" json:"codec"` // file driver: json or cbor
	DSN     string `yaml:"dsn" json:"dsn"`
}

type LocksConfig struct {
	Backend string      `yaml:"backend" json:"backend"` // local or redis
	Redis   RedisConfig `yaml:"redis" json:"redis"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr" json:"addr"`
	Password string        `yaml:"password" json:"-"`
	DB       int           `yaml:"db" json:"db"`
	Prefix   string        `yaml:"prefix" json:"prefix"`
	TTL      time.Duration `yaml:"ttl" json:"ttl"`
}

type IdentityConfig struct {
	Header       string `yaml:"header" json:"header"`
	DefaultOwner string `yaml:"default_owner" json:"default_owner"`
}

type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" json:"enabled"`
	RPS     float64 `yaml:"rps" json:"rps"`
	Burst   int     `yaml:"burst" json:"burst"`
}

type TelemetryConfig struct {
	Enabled        bool          `yaml:"enabled" json:"enabled"`
	ServiceName    string        `yaml:"service_name" json:"service_name"`
	OTLPEndpoint   string        `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	Insecure       bool          `yaml:"insecure" json:"insecure"`
	SampleRate     float64       `yaml:"sample_rate" json:"sample_rate"`
	MetricInterval time.Duration `yaml:"metric_interval" json:"metric_interval"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"` // json or text
}

func (s *ServerConfig) ApplyDefaults() {
	if s.Addr == "" {
		s.Addr = ":42069"
	}
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = 10 * time.Second
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = 15 * time.Second
	}
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = 60 * time.Second
	}
	if s.ShutdownTimeout <= 0 {
		s.ShutdownTimeout = 10 * time.Second
	}
}

func (s *StorageConfig) ApplyDefaults() {
	s.Driver = strings.ToLower(strings.TrimSpace(s.Driver))
	if s.Driver == "" {
		s.Driver = "file"
	}
	if s.DataDir == "" {
		s.DataDir = "data"
	}
	if s.Codec == "" {
		s.Codec = "json"
	}
}

func (l *LocksConfig) ApplyDefaults() {
	l.Backend = strings.ToLower(strings.TrimSpace(l.Backend))
	if l.Backend == "" {
		l.Backend = "local"
	}
	if l.Redis.Addr == "" {
		l.Redis.Addr = "localhost:6379"
	}
	if l.Redis.Prefix == "" {
		l.Redis.Prefix = "daybook:lock:"
	}
	if l.Redis.TTL <= 0 {
		l.Redis.TTL = 10 * time.Second
	}
}

func (r *RateLimitConfig) ApplyDefaults() {
	if r.RPS <= 0 {
		r.RPS = 20
	}
	if r.Burst <= 0 {
		r.Burst = 40
	}
}

func (t *TelemetryConfig) ApplyDefaults() {
	if t.ServiceName == "" {
		t.ServiceName = "daybook"
	}
	if t.OTLPEndpoint == "" {
		t.OTLPEndpoint = "localhost:4317"
	}
	if t.SampleRate == 0 {
		t.SampleRate = 1
	}
	if t.MetricInterval <= 0 {
		t.MetricInterval = 15 * time.Second
	}
}

func (l *LogConfig) ApplyDefaults() {
	if l.Level == "" {
		l.Level = "info"
	}
	if l.Format == "" {
		l.Format = "json"
	}
}

func (c *Config) ApplyDefaults() {
	c.Server.ApplyDefaults()
	c.Storage.ApplyDefaults()
	c.Locks.ApplyDefaults()
	c.RateLimit.ApplyDefaults()
	c.Telemetry.ApplyDefaults()
	c.Log.ApplyDefaults()
}

// Validate reports settings that cannot be served.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "memory", "file":
	case "sqlite", "postgres":
		if c.Storage.DSN == "" && c.Storage.Driver == "postgres" {
			errs = append(errs, errors.New("storage.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q: want memory, file, sqlite or postgres", c.Storage.Driver))
	}
	switch c.Storage.Codec {
	case "json", "cbor":
	default:
		errs = append(errs, fmt.Errorf("storage.codec %q: want json or cbor", c.Storage.Codec))
	}
	switch c.Locks.Backend {
	case "local", "redis":
	default:
		errs = append(errs, fmt.Errorf("locks.backend %q: want local or redis", c.Locks.Backend))
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_rate %v: want 0..1", c.Telemetry.SampleRate))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("log.format %q: want json or text", c.Log.Format))
	}
	return errors.Join(errs...)
}

// SQLiteDSN is the DSN used for the sqlite driver when none is configured.
func (s StorageConfig) SQLiteDSN() string {
	if s.DSN != "" {
		return s.DSN
	}
	return filepath.Join(s.DataDir, "daybook.db")
}

func Default() *Config {
	var c Config
	c.ApplyDefaults()
	return &c
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r Config
	if err := yaml.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	r.ApplyDefaults()
	return &r, nil
}

// LoadOrDefault is Load, except that a missing file yields the defaults.
// Environment overrides are applied either way.
func LoadOrDefault(path string) (*Config, error) {
	c, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		c, err = Default(), nil
	}
	if err != nil {
		return nil, err
	}
	if err := c.ApplyEnv(); err != nil {
		return nil, err
	}
	return c, c.Validate()
}
