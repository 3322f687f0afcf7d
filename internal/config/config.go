// Package config loads rewind settings from defaults, an optional TOML file
// and REWIND_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/wilhg/rewind/pkg/compress"
	"github.com/wilhg/rewind/pkg/recorder"
	"github.com/wilhg/rewind/pkg/store/entstore"
)

// Storage backends selectable with REWIND_STORAGE.
const (
	StorageMemory = "memory"
	StorageEnt    = "ent"
	StorageGorm   = "gorm"
	StorageRedis  = "redis"
)

// Config holds all application configuration.
type Config struct {
	Storage   StorageConfig   `toml:"storage"`
	Redis     RedisConfig     `toml:"redis"`
	Recording RecordingConfig `toml:"recording"`
	Log       LogConfig       `toml:"log"`
	Trace     TraceConfig     `toml:"trace"`
}

// StorageConfig selects and bounds the session backend.
type StorageConfig struct {
	Backend     string   `toml:"backend"`
	DatabaseURL string   `toml:"database_url"`
	Timeout     Duration `toml:"timeout"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// RecordingConfig tunes capture and compression.
type RecordingConfig struct {
	MaxFrames    int     `toml:"max_frames"`
	FrameRate    float64 `toml:"frame_rate"`
	Compression  bool    `toml:"compression"`
	Codec        string  `toml:"codec"`
	Workers      int     `toml:"workers"`
	AdaptiveRate bool    `toml:"adaptive_rate"`
}

// LogConfig controls zerolog output.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// TraceConfig controls span export.
type TraceConfig struct {
	Stdout bool `toml:"stdout"`
	// SampleRatio is the fraction of recorder operations traced.
	SampleRatio float64 `toml:"sample_ratio"`
}

// Duration is a time.Duration written as a Go duration string in TOML.
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// Default returns the built-in configuration.
func Default() *Config {
	rc := recorder.DefaultConfig()
	return &Config{
		Storage: StorageConfig{
			Backend:     StorageMemory,
			DatabaseURL: "sqlite:" + entstore.DefaultSQLiteDSN,
			Timeout:     Duration{rc.StorageTimeout},
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Recording: RecordingConfig{
			MaxFrames:   rc.MaxFrames,
			FrameRate:   rc.FrameRateHz,
			Compression: rc.Compression,
			Codec:       rc.Codec,
		},
		Log:   LogConfig{Level: "info", Format: "json"},
		Trace: TraceConfig{SampleRatio: 1},
	}
}

// Load builds the configuration. path names an optional TOML file; when
// empty REWIND_CONFIG is consulted.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("REWIND_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("config.Load: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec := toml.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var err error
	c.Storage.Backend = getEnv("REWIND_STORAGE", c.Storage.Backend)
	c.Storage.DatabaseURL = getEnv("REWIND_DATABASE_URL", c.Storage.DatabaseURL)
	if c.Storage.Timeout.Duration, err = getEnvDuration("REWIND_STORAGE_TIMEOUT", c.Storage.Timeout.Duration); err != nil {
		return err
	}
	c.Redis.Addr = getEnv("REWIND_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REWIND_REDIS_PASSWORD", c.Redis.Password)
	if c.Redis.DB, err = getEnvInt("REWIND_REDIS_DB", c.Redis.DB); err != nil {
		return err
	}
	if c.Recording.MaxFrames, err = getEnvInt("REWIND_MAX_FRAMES", c.Recording.MaxFrames); err != nil {
		return err
	}
	if c.Recording.FrameRate, err = getEnvFloat("REWIND_FRAME_RATE", c.Recording.FrameRate); err != nil {
		return err
	}
	if c.Recording.Compression, err = getEnvBool("REWIND_COMPRESSION", c.Recording.Compression); err != nil {
		return err
	}
	c.Recording.Codec = getEnv("REWIND_CODEC", c.Recording.Codec)
	if c.Recording.Workers, err = getEnvInt("REWIND_WORKERS", c.Recording.Workers); err != nil {
		return err
	}
	if c.Recording.AdaptiveRate, err = getEnvBool("REWIND_ADAPTIVE_RATE", c.Recording.AdaptiveRate); err != nil {
		return err
	}
	c.Log.Level = getEnv("REWIND_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("REWIND_LOG_FORMAT", c.Log.Format)
	if c.Trace.Stdout, err = getEnvBool("REWIND_TRACE_STDOUT", c.Trace.Stdout); err != nil {
		return err
	}
	if c.Trace.SampleRatio, err = getEnvFloat("REWIND_TRACE_SAMPLE_RATIO", c.Trace.SampleRatio); err != nil {
		return err
	}
	return nil
}

// validate checks required fields and value bounds.
func (c *Config) validate() error {
	switch c.Storage.Backend {
	case StorageMemory, StorageEnt, StorageGorm, StorageRedis:
	default:
		return fmt.Errorf("REWIND_STORAGE must be one of memory, ent, gorm, redis; got %q", c.Storage.Backend)
	}
	if (c.Storage.Backend == StorageEnt || c.Storage.Backend == StorageGorm) && c.Storage.DatabaseURL == "" {
		return errors.New("REWIND_DATABASE_URL is required for SQL storage")
	}
	if c.Storage.Backend == StorageRedis && c.Redis.Addr == "" {
		return errors.New("REWIND_REDIS_ADDR is required for redis storage")
	}
	if c.Storage.Timeout.Duration <= 0 {
		return fmt.Errorf("REWIND_STORAGE_TIMEOUT must be positive, got %s", c.Storage.Timeout)
	}
	if c.Recording.MaxFrames < 1 {
		return fmt.Errorf("REWIND_MAX_FRAMES must be >= 1, got %d", c.Recording.MaxFrames)
	}
	if c.Recording.FrameRate <= 0 || c.Recording.FrameRate > 240 {
		return fmt.Errorf("REWIND_FRAME_RATE must be in (0, 240], got %g", c.Recording.FrameRate)
	}
	if c.Recording.Workers < 0 {
		return fmt.Errorf("REWIND_WORKERS must be >= 0, got %d", c.Recording.Workers)
	}
	if c.Trace.SampleRatio <= 0 || c.Trace.SampleRatio > 1 {
		return fmt.Errorf("REWIND_TRACE_SAMPLE_RATIO must be in (0, 1], got %g", c.Trace.SampleRatio)
	}
	if _, ok := compress.DefaultRegistry().Resolve(c.Recording.Codec); !ok {
		return fmt.Errorf("REWIND_CODEC %q is not a known codec", c.Recording.Codec)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("REWIND_LOG_FORMAT must be json or text, got %q", c.Log.Format)
	}
	return nil
}

// RecorderConfig maps the recording settings onto recorder.Config.
func (c *Config) RecorderConfig() recorder.Config {
	rc := recorder.DefaultConfig()
	rc.MaxFrames = c.Recording.MaxFrames
	rc.FrameRateHz = c.Recording.FrameRate
	rc.Compression = c.Recording.Compression
	rc.Codec = c.Recording.Codec
	rc.CompressionWorkers = c.Recording.Workers
	rc.AdaptiveRate = c.Recording.AdaptiveRate
	rc.StorageTimeout = c.Storage.Timeout.Duration
	return rc
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int: %w", key, v, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as float: %w", key, v, err)
	}
	return f, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parsing %s=%q as bool: %w", key, v, err)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as duration: %w", key, v, err)
	}
	return d, nil
}
