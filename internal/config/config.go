// Package config loads process configuration for binaries that run a fault
// pipeline. Values come from flags, FAULTS_* environment variables, an
// optional config file and built-in defaults, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/strongdm/ai-cxdb-faults/pkg/faults"
	"github.com/strongdm/ai-cxdb-faults/pkg/faults/exporters/wire"
)

// EnvPrefix prefixes environment overrides: FAULTS_HTTP_ENDPOINT sets
// http.endpoint.
const EnvPrefix = "FAULTS"

// Exporter names accepted in Config.Exporters.
const (
	ExporterStderr   = "stderr"
	ExporterHTTP     = "http"
	ExporterRedis    = "redis"
	ExporterPostgres = "postgres"
	ExporterFile     = "file"
	ExporterCXDB     = "cxdb"
	ExporterNoop     = "noop"
)

var knownExporters = []string{
	ExporterStderr, ExporterHTTP, ExporterRedis, ExporterPostgres,
	ExporterFile, ExporterCXDB, ExporterNoop,
}

// Config is the root configuration.
type Config struct {
	Service  ServiceConfig  `mapstructure:"service"`
	Logger   LoggerConfig   `mapstructure:"logger"`
	Server   ServerConfig   `mapstructure:"server"`
	Buffer   BufferConfig   `mapstructure:"buffer"`
	Shutdown ShutdownConfig `mapstructure:"shutdown"`

	// Scrub enables default scrubbing of secrets in captured records.
	Scrub bool `mapstructure:"scrub"`

	// Exporters lists the destinations records are sent to.
	Exporters []string `mapstructure:"exporters"`

	Stderr   StderrConfig   `mapstructure:"stderr"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	File     FileConfig     `mapstructure:"file"`
	CXDB     CXDBConfig     `mapstructure:"cxdb"`
}

// ServiceConfig names the process in every record.
type ServiceConfig struct {
	Name       string `mapstructure:"name"`
	InstanceID string `mapstructure:"instance_id"`
}

// LoggerConfig configures the zap logger.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console

	// File, when set, also writes logs to a rotating file.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// ServerConfig configures the metrics and health endpoint.
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// BufferConfig mirrors faults.BufferConfig with a textual overflow policy.
type BufferConfig struct {
	Capacity           int           `mapstructure:"capacity"`
	FlushThreshold     int           `mapstructure:"flush_threshold"`
	MaxLinger          time.Duration `mapstructure:"max_linger"`
	ExportTimeout      time.Duration `mapstructure:"export_timeout"`
	Overflow           string        `mapstructure:"overflow"`
	BlockTimeout       time.Duration `mapstructure:"block_timeout"`
	DropReportInterval time.Duration `mapstructure:"drop_report_interval"`
}

// Faults converts the buffer settings.
func (c BufferConfig) Faults() (faults.BufferConfig, error) {
	out := faults.BufferConfig{
		Capacity:           c.Capacity,
		FlushThreshold:     c.FlushThreshold,
		MaxLinger:          c.MaxLinger,
		ExportTimeout:      c.ExportTimeout,
		BlockTimeout:       c.BlockTimeout,
		DropReportInterval: c.DropReportInterval,
	}
	if err := out.Overflow.UnmarshalText([]byte(c.Overflow)); err != nil {
		return faults.BufferConfig{}, err
	}
	return out, nil
}

// ShutdownConfig bounds the final drain.
type ShutdownConfig struct {
	MaxWait time.Duration `mapstructure:"max_wait"`
}

// StderrConfig configures the stderr exporter.
type StderrConfig struct {
	Verbose bool `mapstructure:"verbose"`
}

// HTTPConfig configures the HTTP batch exporter.
type HTTPConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	APIKey          string        `mapstructure:"api_key"`
	Format          string        `mapstructure:"format"`
	Gzip            bool          `mapstructure:"gzip"`
	GzipLevel       int           `mapstructure:"gzip_level"`
	Timeout         time.Duration `mapstructure:"timeout"`
	RetryAttempts   uint          `mapstructure:"retry_attempts"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`
}

// RedisConfig configures the Redis stream exporter.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Stream   string `mapstructure:"stream"`
	MaxLen   int64  `mapstructure:"max_len"`
	Format   string `mapstructure:"format"`
}

// PostgresConfig configures the PostgreSQL exporter.
type PostgresConfig struct {
	DSN          string `mapstructure:"dsn"`
	Table        string `mapstructure:"table"`
	EnsureSchema bool   `mapstructure:"ensure_schema"`
}

// FileConfig configures the rotating file exporter.
type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// CXDBConfig configures the cxdb exporter.
type CXDBConfig struct {
	Addr         string   `mapstructure:"addr"`
	ClientTag    string   `mapstructure:"client_tag"`
	OrphanLabels []string `mapstructure:"orphan_labels"`
}

// flagKeys maps flag names to configuration keys.
var flagKeys = map[string]string{
	"service-name":   "service.name",
	"instance-id":    "service.instance_id",
	"log-level":      "logger.level",
	"log-format":     "logger.format",
	"log-file":       "logger.file",
	"listen":         "server.addr",
	"exporters":      "exporters",
	"scrub":          "scrub",
	"verbose":        "stderr.verbose",
	"http-endpoint":  "http.endpoint",
	"redis-addr":     "redis.addr",
	"postgres-dsn":   "postgres.dsn",
	"file-path":      "file.path",
	"cxdb-addr":      "cxdb.addr",
	"max-wait":       "shutdown.max_wait",
	"flush-interval": "buffer.max_linger",
}

// NewFlagSet returns the flags understood by Load.
func NewFlagSet(name string) *pflag.FlagSet {
	def := faults.DefaultBufferConfig()
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "path to a config file (yaml, json or toml)")
	fs.String("service-name", name, "service.name attribute of every record")
	fs.String("instance-id", "", "service.instance.id attribute of every record")
	fs.String("log-level", "info", "log level: debug, info, warn, error")
	fs.String("log-format", "json", "log format: json or console")
	fs.String("log-file", "", "also write logs to this rotating file")
	fs.String("listen", ":9464", "address of the metrics and health endpoint")
	fs.StringSlice("exporters", []string{ExporterStderr}, "exporters: "+strings.Join(knownExporters, ", "))
	fs.Bool("scrub", true, "scrub secrets from captured records")
	fs.Bool("verbose", false, "include stack traces in stderr output")
	fs.String("http-endpoint", "", "base URL of the HTTP collector")
	fs.String("redis-addr", "", "Redis address for the stream exporter")
	fs.String("postgres-dsn", "", "PostgreSQL connection string")
	fs.String("file-path", "", "path of the JSON-lines record file")
	fs.String("cxdb-addr", "", "cxdb address")
	fs.Duration("max-wait", 5*time.Second, "maximum time to drain records at shutdown")
	fs.Duration("flush-interval", def.MaxLinger, "maximum time a record waits before export")
	return fs
}

// Load parses args and returns the merged configuration.
func Load(name string, args []string) (*Config, error) {
	fs := NewFlagSet(name)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return FromFlags(fs)
}

// FromFlags merges the parsed flag set with the environment, the config
// file and defaults.
func FromFlags(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v, fs.Name())

	for flag, key := range flagKeys {
		if f := fs.Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", flag, err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path, _ := fs.GetString("config")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("faults")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, name string) {
	buf := faults.DefaultBufferConfig()

	v.SetDefault("service.name", name)
	v.SetDefault("service.instance_id", "")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.file", "")
	v.SetDefault("logger.max_size_mb", 100)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age_days", 28)
	v.SetDefault("logger.compress", false)
	v.SetDefault("server.addr", ":9464")
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)

	v.SetDefault("buffer.capacity", buf.Capacity)
	v.SetDefault("buffer.flush_threshold", buf.FlushThreshold)
	v.SetDefault("buffer.max_linger", buf.MaxLinger)
	v.SetDefault("buffer.export_timeout", buf.ExportTimeout)
	v.SetDefault("buffer.overflow", buf.Overflow.String())
	v.SetDefault("buffer.block_timeout", buf.BlockTimeout)
	v.SetDefault("buffer.drop_report_interval", buf.DropReportInterval)
	v.SetDefault("shutdown.max_wait", 5*time.Second)

	v.SetDefault("scrub", true)
	v.SetDefault("exporters", []string{ExporterStderr})
	v.SetDefault("stderr.verbose", false)

	v.SetDefault("http.endpoint", "")
	v.SetDefault("http.api_key", "")
	v.SetDefault("http.format", "json")
	v.SetDefault("http.gzip", true)
	v.SetDefault("http.gzip_level", 6)
	v.SetDefault("http.timeout", 10*time.Second)
	v.SetDefault("http.retry_attempts", 3)
	v.SetDefault("http.retry_delay", 200*time.Millisecond)
	v.SetDefault("http.breaker_failures", 5)
	v.SetDefault("http.breaker_cooldown", 30*time.Second)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.stream", "faults:records")
	v.SetDefault("redis.max_len", 100000)
	v.SetDefault("redis.format", "json")

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.table", "fault_records")
	v.SetDefault("postgres.ensure_schema", true)

	v.SetDefault("file.path", "")
	v.SetDefault("file.max_size_mb", 100)
	v.SetDefault("file.max_backups", 5)
	v.SetDefault("file.max_age_days", 30)
	v.SetDefault("file.compress", true)

	v.SetDefault("cxdb.addr", "")
	v.SetDefault("cxdb.client_tag", name)
	v.SetDefault("cxdb.orphan_labels", []string{"fault", "unlinked"})
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Exporters) == 0 {
		errs = append(errs, errors.New("at least one exporter is required"))
	}
	for _, name := range c.Exporters {
		if !slices.Contains(knownExporters, name) {
			errs = append(errs, fmt.Errorf("unknown exporter %q", name))
		}
	}
	required := []struct{ exporter, key, value string }{
		{ExporterHTTP, "http.endpoint", c.HTTP.Endpoint},
		{ExporterRedis, "redis.addr", c.Redis.Addr},
		{ExporterPostgres, "postgres.dsn", c.Postgres.DSN},
		{ExporterFile, "file.path", c.File.Path},
		{ExporterCXDB, "cxdb.addr", c.CXDB.Addr},
	}
	for _, r := range required {
		if c.Enabled(r.exporter) && r.value == "" {
			errs = append(errs, fmt.Errorf("exporter %s requires %s", r.exporter, r.key))
		}
	}
	if _, err := c.Buffer.Faults(); err != nil {
		errs = append(errs, err)
	}
	for _, format := range []string{c.HTTP.Format, c.Redis.Format} {
		if _, err := wire.ParseFormat(format); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Enabled reports whether the named exporter is selected.
func (c *Config) Enabled(name string) bool {
	return slices.Contains(c.Exporters, name)
}
