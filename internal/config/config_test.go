package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("REWIND_TEST_INT", "12")
	t.Setenv("REWIND_TEST_FLOAT", "29.97")
	t.Setenv("REWIND_TEST_BOOL", "true")
	t.Setenv("REWIND_TEST_DUR", "250ms")
	t.Setenv("REWIND_TEST_BAD", "abc")

	assert.Equal(t, "x", getEnv("REWIND_TEST_UNSET", "x"))

	n, err := getEnvInt("REWIND_TEST_INT", 0)
	require.NoError(t, err)
	assert.Equal(t, 12, n)
	_, err = getEnvInt("REWIND_TEST_BAD", 0)
	assert.Error(t, err)

	f, err := getEnvFloat("REWIND_TEST_FLOAT", 0)
	require.NoError(t, err)
	assert.InDelta(t, 29.97, f, 1e-9)
	_, err = getEnvFloat("REWIND_TEST_BAD", 0)
	assert.Error(t, err)

	b, err := getEnvBool("REWIND_TEST_BOOL", false)
	require.NoError(t, err)
	assert.True(t, b)
	_, err = getEnvBool("REWIND_TEST_BAD", false)
	assert.Error(t, err)

	d, err := getEnvDuration("REWIND_TEST_DUR", 0)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)
	_, err = getEnvDuration("REWIND_TEST_BAD", 0)
	assert.Error(t, err)
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("REWIND_CONFIG", "")
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, StorageMemory, cfg.Storage.Backend)
	assert.Equal(t, 10*time.Second, cfg.Storage.Timeout.Duration)
	assert.Equal(t, 36000, cfg.Recording.MaxFrames)
	assert.InDelta(t, 60, cfg.Recording.FrameRate, 1e-9)
	assert.True(t, cfg.Recording.Compression)
	assert.Equal(t, "zstd", cfg.Recording.Codec)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.False(t, cfg.Trace.Stdout)
	assert.InDelta(t, 1, cfg.Trace.SampleRatio, 1e-9)
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rewind.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, `
[storage]
backend = "ent"
database_url = "postgres://rewind@localhost/rewind"
timeout = "3s"

[recording]
frame_rate = 30.0
codec = "s2"
workers = 2

[log]
level = "debug"

[trace]
sample_ratio = 0.25
`)
	t.Setenv("REWIND_FRAME_RATE", "24")
	t.Setenv("REWIND_COMPRESSION", "false")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, StorageEnt, cfg.Storage.Backend)
	assert.Equal(t, "postgres://rewind@localhost/rewind", cfg.Storage.DatabaseURL)
	assert.Equal(t, 3*time.Second, cfg.Storage.Timeout.Duration)
	assert.Equal(t, "s2", cfg.Recording.Codec)
	assert.Equal(t, 2, cfg.Recording.Workers)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.InDelta(t, 0.25, cfg.Trace.SampleRatio, 1e-9)
	// env wins over the file
	assert.InDelta(t, 24, cfg.Recording.FrameRate, 1e-9)
	assert.False(t, cfg.Recording.Compression)
	// untouched defaults survive
	assert.Equal(t, 36000, cfg.Recording.MaxFrames)

	rc := cfg.RecorderConfig()
	assert.InDelta(t, 24, rc.FrameRateHz, 1e-9)
	assert.Equal(t, "s2", rc.Codec)
	assert.Equal(t, 3*time.Second, rc.StorageTimeout)
}

func TestLoad_ConfigFromEnvPath(t *testing.T) {
	path := writeFile(t, "[redis]\naddr = \"cache:6380\"\ndb = 4\n")
	t.Setenv("REWIND_CONFIG", path)
	t.Setenv("REWIND_STORAGE", "redis")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "cache:6380", cfg.Redis.Addr)
	assert.Equal(t, 4, cfg.Redis.DB)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		file string
	}{
		{name: "unknown backend", env: map[string]string{"REWIND_STORAGE": "s3"}},
		{name: "bad frame rate", env: map[string]string{"REWIND_FRAME_RATE": "0"}},
		{name: "frame rate too high", env: map[string]string{"REWIND_FRAME_RATE": "1000"}},
		{name: "unknown codec", env: map[string]string{"REWIND_CODEC": "lz4"}},
		{name: "bad max frames", env: map[string]string{"REWIND_MAX_FRAMES": "0"}},
		{name: "unparsable int", env: map[string]string{"REWIND_WORKERS": "many"}},
		{name: "negative timeout", env: map[string]string{"REWIND_STORAGE_TIMEOUT": "-1s"}},
		{name: "bad log format", env: map[string]string{"REWIND_LOG_FORMAT": "xml"}},
		{name: "zero sample ratio", env: map[string]string{"REWIND_TRACE_SAMPLE_RATIO": "0"}},
		{name: "sample ratio above one", file: "[trace]\nsample_ratio = 1.5\n"},
		{name: "unknown toml key", file: "[storage]\nbakend = \"ent\"\n"},
		{name: "bad toml duration", file: "[storage]\ntimeout = \"soon\"\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("REWIND_CONFIG", "")
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			path := ""
			if tc.file != "" {
				path = writeFile(t, tc.file)
			}
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}
