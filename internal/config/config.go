package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the pipeline configuration. Values come from an optional YAML
// file, then environment variables (a .env file is loaded first if present).
type Config struct {
	HTTPAddr string `yaml:"httpAddr"`

	// DBOS / Postgres
	DatabaseURL        string `yaml:"databaseUrl"`
	AppName            string `yaml:"appName"`
	QueueName          string `yaml:"queueName"`
	Concurrency        int    `yaml:"concurrency"`
	ApplicationVersion string `yaml:"applicationVersion"`

	Storage    StorageConfig    `yaml:"storage"`
	Tracker    TrackerConfig    `yaml:"tracker"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Validation ValidationConfig `yaml:"validation"`
	Events     EventsConfig     `yaml:"events"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// StorageConfig selects the blob store backend
type StorageConfig struct {
	Backend     string `yaml:"backend"` // filesystem, s3, memory
	Dir         string `yaml:"dir"`
	Bucket      string `yaml:"bucket"`
	Region      string `yaml:"region"`
	Compression string `yaml:"compression"` // none, zstd, lz4
}

// TrackerConfig selects where chunk-set state lives
type TrackerConfig struct {
	Backend     string `yaml:"backend"` // memory, postgres, dynamodb
	DynamoTable string `yaml:"dynamoTable"`
}

// IngestConfig controls assembly and retry behaviour
type IngestConfig struct {
	AssemblyTimeout time.Duration `yaml:"assemblyTimeout"`
	SweepInterval   time.Duration `yaml:"sweepInterval"`
	MaxRedeliveries int           `yaml:"maxRedeliveries"`
	MaxChunkBytes   int64         `yaml:"maxChunkBytes"`
}

// ArchiveConfig points the storage stage at its final destination
type ArchiveConfig struct {
	ContentAPIURL string `yaml:"contentApiUrl"` // remote simple-content API; embedded service when empty
	AccessBaseURL string `yaml:"accessBaseUrl"`
	TenantID      string `yaml:"tenantId"`
}

// ValidationConfig holds validator limits
type ValidationConfig struct {
	MaxFileSizeMB  int `yaml:"maxFileSizeMb"`
	ImageMinWidth  int `yaml:"imageMinWidth"`
	ImageMinHeight int `yaml:"imageMinHeight"`
	ImageMaxWidth  int `yaml:"imageMaxWidth"`
	ImageMaxHeight int `yaml:"imageMaxHeight"`
	ImageMaxSizeMB int `yaml:"imageMaxSizeMb"`

	// AntivirusCommand runs an external scanner (clamscan); the built-in
	// signature scanner is used when empty
	AntivirusCommand        string `yaml:"antivirusCommand"`
	AntivirusTimeoutSeconds int    `yaml:"antivirusTimeoutSeconds"`
}

// EventsConfig controls how DBOS workers follow the status journal
type EventsConfig struct {
	// Consumer names this worker's journal cursor. Defaults to the hostname,
	// so a restarted worker resumes where it stopped.
	Consumer     string        `yaml:"consumer"`
	PollInterval time.Duration `yaml:"pollInterval"`
	Retention    time.Duration `yaml:"retention"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// Default returns a configuration with every default applied
func Default() Config {
	var c Config
	c.WithDefaults()
	return c
}

// WithDefaults fills in default values for optional fields
func (c *Config) WithDefaults() {
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
	if c.AppName == "" {
		c.AppName = "content-pipeline"
	}
	if c.QueueName == "" {
		c.QueueName = "default"
	}
	if c.Concurrency == 0 {
		c.Concurrency = 4
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "filesystem"
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = "./dev-data"
	}
	if c.Storage.Compression == "" {
		c.Storage.Compression = "none"
	}
	if c.Tracker.Backend == "" {
		c.Tracker.Backend = "postgres"
	}
	if c.Tracker.DynamoTable == "" {
		c.Tracker.DynamoTable = "content-chunk-sets"
	}
	if c.Ingest.AssemblyTimeout == 0 {
		c.Ingest.AssemblyTimeout = 5 * time.Minute
	}
	if c.Ingest.SweepInterval == 0 {
		c.Ingest.SweepInterval = 30 * time.Second
	}
	if c.Ingest.MaxRedeliveries == 0 {
		c.Ingest.MaxRedeliveries = 3
	}
	if c.Ingest.MaxChunkBytes == 0 {
		c.Ingest.MaxChunkBytes = 32 << 20
	}
	if c.Archive.AccessBaseURL == "" {
		c.Archive.AccessBaseURL = "http://localhost:4000"
	}
	if c.Archive.TenantID == "" {
		c.Archive.TenantID = "00000000-0000-0000-0000-000000000002"
	}
	if c.Validation.MaxFileSizeMB == 0 {
		c.Validation.MaxFileSizeMB = 500
	}
	if c.Validation.ImageMinWidth == 0 {
		c.Validation.ImageMinWidth = 10
	}
	if c.Validation.ImageMinHeight == 0 {
		c.Validation.ImageMinHeight = 10
	}
	if c.Validation.ImageMaxWidth == 0 {
		c.Validation.ImageMaxWidth = 8000
	}
	if c.Validation.ImageMaxHeight == 0 {
		c.Validation.ImageMaxHeight = 8000
	}
	if c.Validation.ImageMaxSizeMB == 0 {
		c.Validation.ImageMaxSizeMB = 50
	}
	if c.Validation.AntivirusTimeoutSeconds == 0 {
		c.Validation.AntivirusTimeoutSeconds = 60
	}
	if c.Events.Consumer == "" {
		if host, err := os.Hostname(); err == nil {
			c.Events.Consumer = host
		}
	}
	if c.Events.PollInterval == 0 {
		c.Events.PollInterval = 250 * time.Millisecond
	}
	if c.Events.Retention == 0 {
		c.Events.Retention = 7 * 24 * time.Hour
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
}

// Load reads the YAML file at path (if non-empty), applies environment
// overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	// Load .env file if it exists (silently ignore if not found)
	_ = godotenv.Load()

	var cfg Config
	if path == "" {
		path = os.Getenv("PIPELINE_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.WithDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "filesystem", "memory":
	case "s3":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage bucket is required for s3 backend")
		}
	default:
		return fmt.Errorf("unknown storage backend: %q", c.Storage.Backend)
	}
	switch c.Storage.Compression {
	case "none", "zstd", "lz4":
	default:
		return fmt.Errorf("unknown compression: %q", c.Storage.Compression)
	}
	switch c.Tracker.Backend {
	case "memory", "postgres", "dynamodb":
	default:
		return fmt.Errorf("unknown tracker backend: %q", c.Tracker.Backend)
	}
	if c.Events.PollInterval < 0 || c.Events.Retention < 0 {
		return fmt.Errorf("events poll interval and retention must not be negative")
	}
	if c.Ingest.MaxRedeliveries < 0 {
		return fmt.Errorf("max redeliveries must not be negative")
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.HTTPAddr, "WORKER_HTTP_ADDR")
	setString(&c.DatabaseURL, "DBOS_SYSTEM_DATABASE_URL")
	setString(&c.AppName, "DBOS_APP_NAME")
	setString(&c.QueueName, "DBOS_QUEUE_NAME")
	setString(&c.ApplicationVersion, "DBOS_APPLICATION_VERSION")
	setString(&c.Storage.Backend, "STORAGE_BACKEND")
	setString(&c.Storage.Dir, "STORAGE_DIR")
	setString(&c.Storage.Bucket, "STORAGE_BUCKET")
	setString(&c.Storage.Region, "AWS_REGION")
	setString(&c.Storage.Compression, "STORAGE_COMPRESSION")
	setString(&c.Tracker.Backend, "TRACKER_BACKEND")
	setString(&c.Tracker.DynamoTable, "TRACKER_DYNAMO_TABLE")
	setString(&c.Archive.ContentAPIURL, "CONTENT_API_URL")
	setString(&c.Archive.AccessBaseURL, "ACCESS_BASE_URL")
	setString(&c.Archive.TenantID, "CONTENT_TENANT_ID")
	setString(&c.Validation.AntivirusCommand, "ANTIVIRUS_COMMAND")
	setString(&c.Events.Consumer, "EVENTS_CONSUMER")
	setString(&c.Logging.Level, "LOG_LEVEL")
	setString(&c.Logging.Format, "LOG_FORMAT")

	ints := []struct {
		dst *int
		key string
	}{
		{&c.Concurrency, "DBOS_CONCURRENCY"},
		{&c.Ingest.MaxRedeliveries, "MAX_REDELIVERIES"},
		{&c.Validation.MaxFileSizeMB, "VALIDATION_MAX_FILE_SIZE_MB"},
		{&c.Validation.ImageMaxSizeMB, "VALIDATION_IMAGE_MAX_SIZE_MB"},
		{&c.Validation.AntivirusTimeoutSeconds, "ANTIVIRUS_TIMEOUT_SECONDS"},
	}
	for _, i := range ints {
		if err := setInt(i.dst, i.key); err != nil {
			return err
		}
	}

	durations := []struct {
		dst *time.Duration
		key string
	}{
		{&c.Ingest.AssemblyTimeout, "ASSEMBLY_TIMEOUT"},
		{&c.Ingest.SweepInterval, "SWEEP_INTERVAL"},
		{&c.Events.PollInterval, "EVENTS_POLL_INTERVAL"},
		{&c.Events.Retention, "EVENTS_RETENTION"},
	}
	for _, d := range durations {
		if err := setDuration(d.dst, d.key); err != nil {
			return err
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}
