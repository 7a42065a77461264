package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const envPrefix = "DAYBOOK_"

// ApplyEnv overrides file settings from DAYBOOK_* environment variables.
// Unset variables leave the current value alone.
func (c *Config) ApplyEnv() error {
	var errs []error
	setString(&c.Server.Addr, "ADDR")
	setString(&c.Storage.Driver, "STORAGE_DRIVER")
	setString(&c.Storage.DataDir, "DATA_DIR")
	setString(&c.Storage.Codec, "STORAGE_CODEC")
	setString(&c.Storage.DSN, "DSN")
	setString(&c.Locks.Backend, "LOCKS_BACKEND")
	setString(&c.Locks.Redis.Addr, "REDIS_ADDR")
	setString(&c.Locks.Redis.Password, "REDIS_PASSWORD")
	setString(&c.Identity.Header, "IDENTITY_HEADER")
	setString(&c.Identity.DefaultOwner, "DEFAULT_OWNER")
	setString(&c.Telemetry.OTLPEndpoint, "OTLP_ENDPOINT")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Format, "LOG_FORMAT")

	errs = append(errs,
		setInt(&c.Locks.Redis.DB, "REDIS_DB"),
		setDuration(&c.Server.ShutdownTimeout, "SHUTDOWN_TIMEOUT"),
		setBool(&c.RateLimit.Enabled, "RATE_LIMIT_ENABLED"),
		setFloat(&c.RateLimit.RPS, "RATE_LIMIT_RPS"),
		setInt(&c.RateLimit.Burst, "RATE_LIMIT_BURST"),
		setBool(&c.Telemetry.Enabled, "TELEMETRY_ENABLED"),
		setBool(&c.Telemetry.Insecure, "OTLP_INSECURE"),
		setFloat(&c.Telemetry.SampleRate, "TRACE_SAMPLE_RATE"),
	)
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	c.Locks.Backend = strings.ToLower(strings.TrimSpace(c.Locks.Backend))
	return errors.Join(errs...)
}

func getEnv(key string) (string, bool) {
	val, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return "", false
	}
	val = strings.TrimSpace(val)
	return val, val != ""
}

func setString(dst *string, key string) {
	if val, ok := getEnv(key); ok {
		*dst = val
	}
}

func setInt(dst *int, key string) error {
	val, ok := getEnv(key)
	if !ok {
		return nil
	}
	num, err := strconv.Atoi(val)
	if err != nil {
		return fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	*dst = num
	return nil
}

func setFloat(dst *float64, key string) error {
	val, ok := getEnv(key)
	if !ok {
		return nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	*dst = f
	return nil
}

func setBool(dst *bool, key string) error {
	val, ok := getEnv(key)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	val, ok := getEnv(key)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	*dst = d
	return nil
}
