package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/darkroom/pkg/errdefs"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "darkroom", cfg.ServiceName)
	assert.Equal(t, "localhost:9000", cfg.Blob.Addr())
	assert.Equal(t, "localhost:6379", cfg.Queue.Addr())
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, int64(50<<20), cfg.Ingress.MaxUploadBytes)
	assert.Equal(t, "full_processing", cfg.Ingress.DefaultPipeline)
}

func TestEventTransportFallsBackToQueue(t *testing.T) {
	t.Setenv("QUEUE_HOST", "redis.internal")
	t.Setenv("QUEUE_PORT", "6380")
	t.Setenv("QUEUE_PASSWORD", "hunter2")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "redis.internal:6380", cfg.Events.Addr())
	assert.Equal(t, "hunter2", cfg.Events.Password)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "darkroom.yaml")
	data := []byte(`
service_name: from-file
log_level: debug
blob:
  endpoint: minio.file
  port: 9999
worker:
  concurrency: 2
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	t.Setenv("BLOB_ENDPOINT", "minio.env")
	t.Setenv("WORKER_CONCURRENCY", "8")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-file", cfg.ServiceName)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "minio.env", cfg.Blob.Endpoint) // env wins
	assert.Equal(t, 9999, cfg.Blob.Port)            // file wins over default
	assert.Equal(t, 8, cfg.Worker.Concurrency)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults are valid", func(c *Config) {}, true},
		{"zero concurrency", func(c *Config) { c.Worker.Concurrency = 0 }, false},
		{"tiny lease", func(c *Config) { c.Worker.LeaseMS = 500 }, false},
		{"zero stage timeout", func(c *Config) { c.Worker.StageTimeoutMS = 0 }, false},
		{"zero upload cap", func(c *Config) { c.Ingress.MaxUploadBytes = 0 }, false},
		{"empty queue name", func(c *Config) { c.Queue.Name = "" }, false},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, false},
		{"empty service name", func(c *Config) { c.ServiceName = "" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.True(t, errdefs.IsValidationFailed(err))
			}
		})
	}
}

func TestBadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worker: [not a map"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestMissingConfigFile(t *testing.T) {
	_, err := Load("/nonexistent/darkroom.yaml")
	assert.Error(t, err)
}
