package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strongdm/ai-cxdb-faults/pkg/faults"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("faultdemo", nil)
	require.NoError(t, err)

	assert.Equal(t, "faultdemo", cfg.Service.Name)
	assert.Equal(t, []string{ExporterStderr}, cfg.Exporters)
	assert.True(t, cfg.Scrub)
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, 5*time.Second, cfg.Shutdown.MaxWait)
	assert.Equal(t, uint(3), cfg.HTTP.RetryAttempts)
	assert.Equal(t, []string{"fault", "unlinked"}, cfg.CXDB.OrphanLabels)

	buf, err := cfg.Buffer.Faults()
	require.NoError(t, err)
	assert.Equal(t, faults.DefaultBufferConfig(), buf)
}

func TestLoad_FlagsOverrideEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("FAULTS_LOGGER_LEVEL", "warn")
	t.Setenv("FAULTS_SERVICE_NAME", "from-env")

	cfg, err := Load("faultdemo", []string{"--service-name", "from-flag"})
	require.NoError(t, err)

	assert.Equal(t, "from-flag", cfg.Service.Name)
	assert.Equal(t, "warn", cfg.Logger.Level)
}

func TestLoad_EnvSelectsExporters(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("FAULTS_EXPORTERS", "http,redis")
	t.Setenv("FAULTS_HTTP_ENDPOINT", "http://collector:4318")
	t.Setenv("FAULTS_REDIS_ADDR", "localhost:6379")
	t.Setenv("FAULTS_HTTP_RETRY_DELAY", "1s")

	cfg, err := Load("faultdemo", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{ExporterHTTP, ExporterRedis}, cfg.Exporters)
	assert.True(t, cfg.Enabled(ExporterHTTP))
	assert.False(t, cfg.Enabled(ExporterStderr))
	assert.Equal(t, "http://collector:4318", cfg.HTTP.Endpoint)
	assert.Equal(t, time.Second, cfg.HTTP.RetryDelay)
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
service:
  name: billing
  instance_id: billing-1
exporters: [file, stderr]
file:
  path: /var/log/faults.jsonl
buffer:
  capacity: 64
  overflow: drop_newest
  max_linger: 250ms
`), 0o644))

	cfg, err := Load("faultdemo", []string{"--config", path})
	require.NoError(t, err)

	assert.Equal(t, "billing", cfg.Service.Name)
	assert.Equal(t, "billing-1", cfg.Service.InstanceID)
	assert.Equal(t, []string{ExporterFile, ExporterStderr}, cfg.Exporters)

	buf, err := cfg.Buffer.Faults()
	require.NoError(t, err)
	assert.Equal(t, 64, buf.Capacity)
	assert.Equal(t, faults.DropNewest, buf.Overflow)
	assert.Equal(t, 250*time.Millisecond, buf.MaxLinger)
}

func TestLoad_MissingExplicitConfigFile(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := Load("faultdemo", []string{"--config", "does-not-exist.yaml"})
	assert.ErrorContains(t, err, "read config file")
}

func TestLoad_UnknownFlag(t *testing.T) {
	_, err := Load("faultdemo", []string{"--no-such-flag"})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "no exporters",
			mutate:  func(c *Config) { c.Exporters = nil },
			wantErr: "at least one exporter is required",
		},
		{
			name:    "unknown exporter",
			mutate:  func(c *Config) { c.Exporters = []string{"kafka"} },
			wantErr: `unknown exporter "kafka"`,
		},
		{
			name:    "http without endpoint",
			mutate:  func(c *Config) { c.Exporters = []string{ExporterHTTP} },
			wantErr: "exporter http requires http.endpoint",
		},
		{
			name:    "bad wire format",
			mutate:  func(c *Config) { c.HTTP.Format = "xml" },
			wantErr: `wire: unknown format "xml"`,
		},
		{
			name:    "bad overflow policy",
			mutate:  func(c *Config) { c.Buffer.Overflow = "drop_everything" },
			wantErr: "unknown overflow policy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Exporters: []string{ExporterStderr},
				Buffer:    BufferConfig{Overflow: "drop_oldest"},
			}
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.wantErr)
		})
	}

	valid := &Config{Exporters: []string{ExporterNoop}, Buffer: BufferConfig{Overflow: "block_with_timeout"}}
	assert.NoError(t, valid.Validate())
}
