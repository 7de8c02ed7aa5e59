package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the file Load falls back to when no path is given.
const DefaultConfigFile = "nodebook.yaml"

// Storage backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Duration wraps time.Duration so yaml configs can say "30s" or "1m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the complete server configuration: defaults, overlaid by the
// yaml file, overlaid by NODEBOOK_* environment variables.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Runtime RuntimeConfig `yaml:"runtime"`
	Storage StorageConfig `yaml:"storage"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string `yaml:"addr"`

	// ReadTimeout and WriteTimeout bound plain HTTP requests. Upgraded
	// WebSocket connections are not subject to them.
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`

	// ShutdownTimeout bounds graceful shutdown on SIGINT/SIGTERM.
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`

	// BlobRoot, when set, serves notebook refs from this directory.
	BlobRoot string `yaml:"blob_root"`

	// S3 enables s3:// notebook refs using ambient AWS credentials.
	S3 bool `yaml:"s3"`
}

// RuntimeConfig holds the notebook engine settings. Zero values keep each
// engine's own default.
type RuntimeConfig struct {
	EvalTimeout       Duration `yaml:"eval_timeout"`
	EvalBudget        int      `yaml:"eval_budget"`
	BudgetWindow      Duration `yaml:"budget_window"`
	MaxConsoleEntries int      `yaml:"max_console_entries"`
}

// StorageConfig selects the persistent storage backend.
type StorageConfig struct {
	// Backend is one of "memory", "sqlite" or "redis".
	Backend string `yaml:"backend"`

	// Path is the database file for the sqlite backend.
	Path string `yaml:"path"`

	// Addr, Password and DB configure the redis backend.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MetricsConfig controls the prometheus instrumentation.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn" or "error".
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// New returns the default configuration.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     Duration(15 * time.Second),
			WriteTimeout:    Duration(15 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Storage: StorageConfig{
			Backend: BackendMemory,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "nodebook",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration. A .env file in the working directory is
// read first so NODEBOOK_* variables can live there. path == "" falls back
// to nodebook.yaml and tolerates its absence; an explicit path must exist.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := New()
	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// No config file; defaults plus environment apply.
	default:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	envString("NODEBOOK_ADDR", &cfg.Server.Addr)
	envString("NODEBOOK_BLOB_ROOT", &cfg.Server.BlobRoot)
	envString("NODEBOOK_STORAGE_BACKEND", &cfg.Storage.Backend)
	envString("NODEBOOK_STORAGE_PATH", &cfg.Storage.Path)
	envString("NODEBOOK_STORAGE_ADDR", &cfg.Storage.Addr)
	envString("NODEBOOK_STORAGE_PASSWORD", &cfg.Storage.Password)
	envString("NODEBOOK_LOG_LEVEL", &cfg.Logging.Level)
	envString("NODEBOOK_LOG_FORMAT", &cfg.Logging.Format)
	envString("NODEBOOK_METRICS_NAMESPACE", &cfg.Metrics.Namespace)

	if err := envBool("NODEBOOK_S3", &cfg.Server.S3); err != nil {
		return err
	}
	if err := envBool("NODEBOOK_METRICS_ENABLED", &cfg.Metrics.Enabled); err != nil {
		return err
	}
	if err := envInt("NODEBOOK_STORAGE_DB", &cfg.Storage.DB); err != nil {
		return err
	}
	return envDuration("NODEBOOK_EVAL_TIMEOUT", &cfg.Runtime.EvalTimeout)
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envBool(key string, dst *bool) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("config: %s=%q: %w", key, v, err)
	}
	*dst = parsed
	return nil
}

func envInt(key string, dst *int) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s=%q: %w", key, v, err)
	}
	*dst = parsed
	return nil
}

func envDuration(key string, dst *Duration) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s=%q: %w", key, v, err)
	}
	*dst = Duration(parsed)
	return nil
}

// Validate checks cross-field rules after all overlays applied.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config: server.addr is required")
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("config: storage.path is required for the sqlite backend")
		}
	case BackendRedis:
		if c.Storage.Addr == "" {
			return fmt.Errorf("config: storage.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Logging.Format)
	}
	return nil
}

// SlogLevel maps the configured level name to a slog level.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process logger described by the section.
func (l LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: l.SlogLevel()}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
