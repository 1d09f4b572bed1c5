package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/darkroom/pkg/errdefs"
)

// Config is the full platform configuration. Values resolve in order:
// built-in defaults, then the optional YAML file, then environment
// variables. Flags applied by the CLI override all three.
type Config struct {
	ServiceName string `yaml:"service_name"`
	ListenAddr  string `yaml:"listen_addr"`
	LogLevel    string `yaml:"log_level"`
	LogJSON     bool   `yaml:"log_json"`

	Blob     BlobConfig     `yaml:"blob"`
	Metadata MetadataConfig `yaml:"metadata"`
	Queue    QueueConfig    `yaml:"queue"`
	Events   EventsConfig   `yaml:"events"`
	Worker   WorkerConfig   `yaml:"worker"`
	Ingress  IngressConfig  `yaml:"ingress"`
	Sweep    SweepConfig    `yaml:"sweep"`

	// PipelinesFile optionally adds or overrides pipeline definitions.
	PipelinesFile string `yaml:"pipelines_file"`
}

// BlobConfig locates the S3-compatible object store
type BlobConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Port      int    `yaml:"port"`
	UseTLS    bool   `yaml:"use_tls"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// Addr returns the host:port of the blob store endpoint
func (c BlobConfig) Addr() string {
	return net.JoinHostPort(c.Endpoint, strconv.Itoa(c.Port))
}

// MetadataConfig locates the embedded metadata database
type MetadataConfig struct {
	Path string `yaml:"path"`
}

// QueueConfig locates the queue backend and tunes consumption
type QueueConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`

	// Name partitions queue keys; one logical queue per name.
	Name string `yaml:"name"`

	// RatePerSecond caps claims per second across this process's
	// consumers. Zero disables the limiter.
	RatePerSecond float64 `yaml:"rate_per_second"`

	// JanitorIntervalMS tunes the stalled-claim scan cadence. Zero keeps
	// the built-in default.
	JanitorIntervalMS int `yaml:"janitor_interval_ms"`

	// PollIntervalMS tunes idle claim polling. Zero keeps the default.
	PollIntervalMS int `yaml:"poll_interval_ms"`
}

// JanitorInterval returns the stalled-claim scan cadence as a duration
func (c QueueConfig) JanitorInterval() time.Duration {
	return time.Duration(c.JanitorIntervalMS) * time.Millisecond
}

// PollInterval returns the idle claim poll cadence as a duration
func (c QueueConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// Addr returns the host:port of the queue backend
func (c QueueConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// EventsConfig locates the event transport. Host and port default to the
// queue backend so both may share one transport.
type EventsConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
}

// Addr returns the host:port of the event transport
func (c EventsConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// WorkerConfig tunes the consumer pool
type WorkerConfig struct {
	Concurrency       int `yaml:"concurrency"`
	StageTimeoutMS    int `yaml:"stage_timeout_ms"`
	LeaseMS           int `yaml:"lease_ms"`
	CancelGraceMS     int `yaml:"cancel_grace_ms"`
	ShutdownTimeoutMS int `yaml:"shutdown_timeout_ms"`
}

// StageTimeout returns the per-stage deadline as a duration
func (c WorkerConfig) StageTimeout() time.Duration {
	return time.Duration(c.StageTimeoutMS) * time.Millisecond
}

// Lease returns the claim lease as a duration
func (c WorkerConfig) Lease() time.Duration {
	return time.Duration(c.LeaseMS) * time.Millisecond
}

// CancelGrace returns the mid-stage unwind allowance as a duration
func (c WorkerConfig) CancelGrace() time.Duration {
	return time.Duration(c.CancelGraceMS) * time.Millisecond
}

// ShutdownTimeout returns the drain deadline as a duration
func (c WorkerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutMS) * time.Millisecond
}

// IngressConfig tunes upload acceptance
type IngressConfig struct {
	MaxUploadBytes  int64  `yaml:"max_upload_bytes"`
	DefaultPipeline string `yaml:"default_pipeline"`

	// DedupByChecksum rejects a second upload of identical content by the
	// same client with a conflict. Off by default.
	DedupByChecksum bool `yaml:"dedup_by_checksum"`
}

// SweepConfig tunes the consistency sweeper that reclaims orphaned blobs
type SweepConfig struct {
	Cron         string `yaml:"cron"`
	GraceWindowM int    `yaml:"grace_window_m"`
}

// GraceWindow returns the orphan age threshold as a duration
func (c SweepConfig) GraceWindow() time.Duration {
	return time.Duration(c.GraceWindowM) * time.Minute
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		ServiceName: "darkroom",
		ListenAddr:  ":8080",
		LogLevel:    "info",
		LogJSON:     false,
		Blob: BlobConfig{
			Endpoint: "localhost",
			Port:     9000,
			UseTLS:   false,
		},
		Metadata: MetadataConfig{
			Path: "./data/darkroom.db",
		},
		Queue: QueueConfig{
			Host: "localhost",
			Port: 6379,
			Name: "photos",
		},
		Events: EventsConfig{},
		Worker: WorkerConfig{
			Concurrency:       4,
			StageTimeoutMS:    30000,
			LeaseMS:           60000,
			CancelGraceMS:     5000,
			ShutdownTimeoutMS: 30000,
		},
		Ingress: IngressConfig{
			MaxUploadBytes:  50 << 20,
			DefaultPipeline: "full_processing",
		},
		Sweep: SweepConfig{
			Cron:         "0 * * * *",
			GraceWindowM: 60,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// the environment. Returns a validation error when the result is unusable.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envStr(&c.ServiceName, "SERVICE_NAME")
	envStr(&c.LogLevel, "LOG_LEVEL")
	envStr(&c.ListenAddr, "LISTEN_ADDR")

	envStr(&c.Blob.Endpoint, "BLOB_ENDPOINT")
	envInt(&c.Blob.Port, "BLOB_PORT")
	envBool(&c.Blob.UseTLS, "BLOB_USE_TLS")
	envStr(&c.Blob.AccessKey, "BLOB_ACCESS_KEY")
	envStr(&c.Blob.SecretKey, "BLOB_SECRET_KEY")

	envStr(&c.Metadata.Path, "METADATA_PATH")

	envStr(&c.Queue.Host, "QUEUE_HOST")
	envInt(&c.Queue.Port, "QUEUE_PORT")
	envStr(&c.Queue.Password, "QUEUE_PASSWORD")

	envStr(&c.Events.Host, "EVENT_HOST")
	envInt(&c.Events.Port, "EVENT_PORT")
	envStr(&c.Events.Password, "EVENT_PASSWORD")

	envInt(&c.Worker.Concurrency, "WORKER_CONCURRENCY")
	envInt(&c.Worker.StageTimeoutMS, "STAGE_TIMEOUT_MS")
	envInt(&c.Worker.LeaseMS, "LEASE_MS")

	// The event transport shares the queue backend unless set explicitly
	if c.Events.Host == "" {
		c.Events.Host = c.Queue.Host
	}
	if c.Events.Port == 0 {
		c.Events.Port = c.Queue.Port
	}
	if c.Events.Password == "" {
		c.Events.Password = c.Queue.Password
	}
}

// Validate rejects configurations that cannot run
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return errdefs.New(errdefs.KindValidationFailed, "service_name must not be empty")
	}
	if c.Worker.Concurrency < 1 {
		return errdefs.New(errdefs.KindValidationFailed, "worker concurrency must be at least 1, got %d", c.Worker.Concurrency)
	}
	if c.Worker.LeaseMS < 1000 {
		return errdefs.New(errdefs.KindValidationFailed, "lease_ms must be at least 1000, got %d", c.Worker.LeaseMS)
	}
	if c.Worker.StageTimeoutMS < 1 {
		return errdefs.New(errdefs.KindValidationFailed, "stage_timeout_ms must be positive, got %d", c.Worker.StageTimeoutMS)
	}
	if c.Ingress.MaxUploadBytes < 1 {
		return errdefs.New(errdefs.KindValidationFailed, "max_upload_bytes must be positive, got %d", c.Ingress.MaxUploadBytes)
	}
	if c.Queue.Name == "" {
		return errdefs.New(errdefs.KindValidationFailed, "queue name must not be empty")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errdefs.New(errdefs.KindValidationFailed, "unknown log level: %s", c.LogLevel)
	}
	return nil
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
