package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PHOTODROP_"

// Defaults applied by Validate when a field is left empty.
const (
	DefaultListen              = ":8080"
	DefaultBaseURL             = "http://localhost:8080"
	DefaultShutdownTimeout     = 10 * time.Second
	DefaultValidity            = 7 * 24 * time.Hour
	DefaultRetention           = time.Hour
	DefaultJanitorInterval     = time.Hour
	DefaultMaxItems            = 100
	DefaultMaxConcurrentBuilds = 3
	DefaultFetchTimeout        = 30 * time.Second
	DefaultCompressionLevel    = 5
	DefaultSMTPPort            = 587
	DefaultMailSubject         = "Your photos are ready to download"
	DefaultLogLevel            = "info"

	// MinSigningSecretSize is the shortest accepted signing secret, in bytes.
	MinSigningSecretSize = 32
)

// Config represents the main configuration for photodrop.
type Config struct {
	BaseDir     string            `toml:"base_dir"`
	LogDir      string            `toml:"log_dir" env:"LOG_DIR"`
	LogLevel    string            `toml:"log_level" env:"LOG_LEVEL"`
	Server      ServerConfig      `toml:"server"`
	Download    DownloadConfig    `toml:"download"`
	ObjectStore ObjectStoreConfig `toml:"object_store"`
	Database    DatabaseConfig    `toml:"database"`
	Mail        MailConfig        `toml:"mail"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Listen string `toml:"listen" env:"LISTEN"`
	// BaseURL is the public origin download links are built from.
	BaseURL         string   `toml:"base_url" env:"BASE_URL"`
	ShutdownTimeout Duration `toml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// AdminToken guards the link issuance API. The API is disabled when empty.
	AdminToken string `toml:"-" env:"ADMIN_TOKEN"`
}

// DownloadConfig holds token and archive settings.
type DownloadConfig struct {
	// SigningSecret is only read from the environment.
	SigningSecret       string   `toml:"-" env:"SIGNING_SECRET"`
	Validity            Duration `toml:"validity" env:"DOWNLOAD_VALIDITY"`
	Retention           Duration `toml:"retention" env:"CACHE_RETENTION"`
	JanitorInterval     Duration `toml:"janitor_interval" env:"JANITOR_INTERVAL"`
	MaxItems            int      `toml:"max_items" env:"MAX_ITEMS"`
	MaxConcurrentBuilds int      `toml:"max_concurrent_builds" env:"MAX_CONCURRENT_BUILDS"`
	FetchTimeout        Duration `toml:"fetch_timeout" env:"FETCH_TIMEOUT"`
	CompressionLevel    int      `toml:"compression_level" env:"COMPRESSION_LEVEL"`
	CacheDir            string   `toml:"cache_dir" env:"CACHE_DIR"`
}

// ObjectStoreConfig represents configuration for the photo object store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type ObjectStoreConfig struct {
	Type string `toml:"type" env:"OBJECT_STORE"` // "memory", "filesystem" or "s3"

	// FileSystem-specific fields (only used when Type == "filesystem")
	Root string `toml:"root,omitempty" env:"OBJECT_STORE_ROOT"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket          string   `toml:"s3_bucket,omitempty" env:"S3_BUCKET"`
	S3Prefix          string   `toml:"s3_prefix,omitempty" env:"S3_PREFIX"`
	S3Region          string   `toml:"s3_region,omitempty" env:"S3_REGION"`
	S3Endpoint        string   `toml:"s3_endpoint,omitempty" env:"S3_ENDPOINT"`
	S3UsePathStyle    bool     `toml:"s3_use_path_style,omitempty" env:"S3_USE_PATH_STYLE"`
	S3PresignExpiry   Duration `toml:"s3_presign_expiry,omitempty" env:"S3_PRESIGN_EXPIRY"`
	S3AccessKeyID     string   `toml:"-" env:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string   `toml:"-" env:"S3_SECRET_ACCESS_KEY"`
}

// DatabaseConfig represents configuration for the metadata database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type" env:"DATABASE"`                   // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty" env:"DATABASE_DIR"` // only used for type=sqlite
}

// MailConfig represents configuration for link delivery.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type MailConfig struct {
	Type    string `toml:"type" env:"MAIL"` // "log" or "smtp"
	From    string `toml:"from,omitempty" env:"MAIL_FROM"`
	Subject string `toml:"subject,omitempty" env:"MAIL_SUBJECT"`

	// SMTP-specific fields (only used when Type == "smtp")
	SMTPHost     string `toml:"smtp_host,omitempty" env:"SMTP_HOST"`
	SMTPPort     int    `toml:"smtp_port,omitempty" env:"SMTP_PORT"`
	SMTPUsername string `toml:"smtp_username,omitempty" env:"SMTP_USERNAME"`
	SMTPPassword string `toml:"-" env:"SMTP_PASSWORD"`
}

// Duration is a time.Duration that reads and writes as a string such as "168h".
type Duration struct {
	time.Duration
}

// NewDuration wraps d.
func NewDuration(d time.Duration) Duration {
	return Duration{Duration: d}
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

// NewConfig creates a new Config rooted at baseDir with every default filled in.
func NewConfig(baseDir string) *Config {
	cfg := &Config{BaseDir: baseDir}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.LogDir == "" && c.BaseDir != "" {
		c.LogDir = filepath.Join(c.BaseDir, "log")
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}

	s := &c.Server
	if s.Listen == "" {
		s.Listen = DefaultListen
	}
	if s.BaseURL == "" {
		s.BaseURL = DefaultBaseURL
	}
	if s.ShutdownTimeout.Duration == 0 {
		s.ShutdownTimeout.Duration = DefaultShutdownTimeout
	}

	d := &c.Download
	if d.Validity.Duration == 0 {
		d.Validity.Duration = DefaultValidity
	}
	if d.Retention.Duration == 0 {
		d.Retention.Duration = DefaultRetention
	}
	if d.JanitorInterval.Duration == 0 {
		d.JanitorInterval.Duration = DefaultJanitorInterval
	}
	if d.MaxItems == 0 {
		d.MaxItems = DefaultMaxItems
	}
	if d.MaxConcurrentBuilds == 0 {
		d.MaxConcurrentBuilds = DefaultMaxConcurrentBuilds
	}
	if d.FetchTimeout.Duration == 0 {
		d.FetchTimeout.Duration = DefaultFetchTimeout
	}
	if d.CompressionLevel == 0 {
		d.CompressionLevel = DefaultCompressionLevel
	}
	if d.CacheDir == "" && c.BaseDir != "" {
		d.CacheDir = filepath.Join(c.BaseDir, "cache")
	}

	o := &c.ObjectStore
	if o.Type == "" {
		o.Type = "filesystem"
	}
	if o.Type == "filesystem" && o.Root == "" && c.BaseDir != "" {
		o.Root = filepath.Join(c.BaseDir, "objects")
	}

	db := &c.Database
	if db.Type == "" {
		db.Type = "sqlite"
	}
	if db.Type == "sqlite" && db.DataDir == "" && c.BaseDir != "" {
		db.DataDir = filepath.Join(c.BaseDir, "db")
	}

	m := &c.Mail
	if m.Type == "" {
		m.Type = "log"
	}
	if m.Subject == "" {
		m.Subject = DefaultMailSubject
	}
	if m.Type == "smtp" && m.SMTPPort == 0 {
		m.SMTPPort = DefaultSMTPPort
	}
}

// Validate fills in defaults and checks the whole configuration,
// reporting every problem at once.
func (c *Config) Validate() error {
	c.applyDefaults()

	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level must be debug, info, warn or error, got %q", c.LogLevel))
	}

	u, err := url.Parse(c.Server.BaseURL)
	check(err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "",
		"server.base_url must be an absolute http(s) URL, got %q", c.Server.BaseURL)
	check(c.Server.ShutdownTimeout.Duration > 0, "server.shutdown_timeout must be positive")

	d := c.Download
	check(d.SigningSecret == "" || len(d.SigningSecret) >= MinSigningSecretSize,
		"signing secret must be at least %d bytes", MinSigningSecretSize)
	check(d.Validity.Duration > 0, "download.validity must be positive")
	check(d.Retention.Duration > 0, "download.retention must be positive")
	check(d.JanitorInterval.Duration > 0, "download.janitor_interval must be positive")
	check(d.MaxItems > 0, "download.max_items must be positive")
	check(d.MaxConcurrentBuilds > 0, "download.max_concurrent_builds must be positive")
	check(d.FetchTimeout.Duration > 0, "download.fetch_timeout must be positive")
	check(d.CompressionLevel >= 1 && d.CompressionLevel <= 9, "download.compression_level must be between 1 and 9")
	check(d.CacheDir != "", "download.cache_dir must be set")

	o := c.ObjectStore
	switch o.Type {
	case "memory":
	case "filesystem":
		check(o.Root != "", "filesystem object store requires root to be set")
	case "s3":
		check(o.S3Bucket != "", "s3 object store requires s3_bucket to be set")
		check((o.S3AccessKeyID == "") == (o.S3SecretAccessKey == ""),
			"s3 static credentials need both %sS3_ACCESS_KEY_ID and %sS3_SECRET_ACCESS_KEY", EnvPrefix, EnvPrefix)
	default:
		errs = append(errs, fmt.Errorf("unknown object store type: %s", o.Type))
	}

	switch c.Database.Type {
	case "memory":
	case "sqlite":
		check(c.Database.DataDir != "", "sqlite database requires data_dir to be set")
	default:
		errs = append(errs, fmt.Errorf("unknown database type: %s", c.Database.Type))
	}

	m := c.Mail
	switch m.Type {
	case "log":
	case "smtp":
		check(m.SMTPHost != "", "smtp mail requires smtp_host to be set")
		check(m.From != "", "smtp mail requires from to be set")
		check(m.SMTPPort > 0 && m.SMTPPort < 65536, "smtp_port out of range: %d", m.SMTPPort)
	default:
		errs = append(errs, fmt.Errorf("unknown mail type: %s", m.Type))
	}

	return errors.Join(errs...)
}

// ApplyEnv overrides fields from PHOTODROP_* environment variables.
// Variables that are not set leave the current value alone.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer. Secrets are never written.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// Load reads the config file at path, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg, err := ReadFromFile(path)
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
