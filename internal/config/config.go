package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"dsync/internal/common"
	"dsync/internal/dump"
	"dsync/internal/retry"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// MasterKeyEnv names the environment variable holding the encryption secret.
const MasterKeyEnv = "MASTER_KEY"

// Destination tags
const (
	DestinationS3    = "s3"
	DestinationDrive = "drive"
)

// Config represents the application configuration
type Config struct {
	LogLevel    string      `yaml:"log_level"`
	OutcomeLog  string      `yaml:"outcome_log"`
	StateDB     string      `yaml:"state_db"`
	MetricsAddr string      `yaml:"metrics_addr"`
	Database    Database    `yaml:"database"`
	Backup      Backup      `yaml:"backup"`
	Destination Destination `yaml:"destination"`
	Transfer    Transfer    `yaml:"transfer"`

	// MasterKey is only ever read from the environment.
	MasterKey string `yaml:"-"`
}

// Database is the dump source or restore target
type Database struct {
	Type      string `yaml:"type" json:"type"`
	Host      string `yaml:"host" json:"host"`
	Port      int    `yaml:"port" json:"port"`
	User      string `yaml:"user" json:"user"`
	Password  string `yaml:"password" json:"-"`
	Name      string `yaml:"name" json:"name"`
	Preflight bool   `yaml:"preflight" json:"preflight"`
}

// Backup controls what a backup run writes
type Backup struct {
	OutputDir        string `yaml:"output_dir" json:"output_dir"`
	Compress         bool   `yaml:"compress" json:"compress"`
	Encrypt          bool   `yaml:"encrypt" json:"encrypt"`
	CompressionLevel int    `yaml:"compression_level" json:"compression_level"`
}

// Destination is the remote a finished file is sent to
type Destination struct {
	Type      string `yaml:"type" json:"type"`
	KeyFile   string `yaml:"key_file" json:"key_file"`
	Bucket    string `yaml:"bucket" json:"bucket"`
	Region    string `yaml:"region" json:"region"`
	Endpoint  string `yaml:"endpoint" json:"endpoint"`
	Secure    bool   `yaml:"secure" json:"secure"`
	FolderID  string `yaml:"folder_id" json:"folder_id"`
	UploadURL string `yaml:"upload_url" json:"upload_url"`
}

// Transfer holds retry and throughput settings
type Transfer struct {
	Concurrency int           `yaml:"concurrency"`
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Factor      float64       `yaml:"factor"`
	Jitter      bool          `yaml:"jitter"`
	// RateLimit caps upload bandwidth in bytes per second; zero is unlimited.
	RateLimit int64 `yaml:"rate_limit"`
}

// Policy converts the transfer section into a retry policy.
func (t Transfer) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts: t.MaxAttempts,
		BaseDelay:   t.BaseDelay,
		MaxDelay:    t.MaxDelay,
		Factor:      t.Factor,
		Jitter:      t.Jitter,
	}
}

// Connection converts the database section for the dump backends.
func (d Database) Connection() dump.Connection {
	return dump.Connection{
		Host:     d.Host,
		Port:     d.Port,
		User:     d.User,
		Password: d.Password,
		Database: d.Name,
	}
}

// Default returns the configuration used before any file or flag applies.
func Default() *Config {
	policy := retry.DefaultPolicy()
	return &Config{
		LogLevel:   "info",
		OutcomeLog: "./backup_status.log",
		StateDB:    "./dsync.db",
		Backup: Backup{
			OutputDir: "./backups",
			Compress:  true,
		},
		Destination: Destination{
			Secure: true,
		},
		Transfer: Transfer{
			Concurrency: 4,
			MaxAttempts: policy.MaxAttempts,
			BaseDelay:   policy.BaseDelay,
			MaxDelay:    policy.MaxDelay,
			Factor:      policy.Factor,
			Jitter:      policy.Jitter,
		},
	}
}

// Load loads configuration from file, command line flags and environment
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	// Load from YAML file if provided
	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Override with command line flags
	if flags != nil {
		if err := loadFromFlags(cfg, flags); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	envFile := ".env"
	if flags != nil && flags.Lookup("env-file") != nil {
		envFile, _ = flags.GetString("env-file")
	}
	if err := loadFromEnv(cfg, envFile); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

// loadFromEnv reads MASTER_KEY from the process environment, falling back
// to envFile. A missing env file is not an error.
func loadFromEnv(cfg *Config, envFile string) error {
	if v := os.Getenv(MasterKeyEnv); v != "" {
		cfg.MasterKey = v
		return nil
	}
	if envFile == "" {
		return nil
	}

	values, err := godotenv.Read(envFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read env file: %w", err)
	}
	cfg.MasterKey = values[MasterKeyEnv]
	return nil
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("outcome-log") {
		cfg.OutcomeLog, _ = flags.GetString("outcome-log")
	}
	if flags.Changed("state-db") {
		cfg.StateDB, _ = flags.GetString("state-db")
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr, _ = flags.GetString("metrics-addr")
	}

	if flags.Changed("db-type") {
		cfg.Database.Type, _ = flags.GetString("db-type")
	}
	if flags.Changed("db-host") {
		cfg.Database.Host, _ = flags.GetString("db-host")
	}
	if flags.Changed("db-port") {
		cfg.Database.Port, _ = flags.GetInt("db-port")
	}
	if flags.Changed("db-user") {
		cfg.Database.User, _ = flags.GetString("db-user")
	}
	if flags.Changed("db-password") {
		cfg.Database.Password, _ = flags.GetString("db-password")
	}
	if flags.Changed("db-name") {
		cfg.Database.Name, _ = flags.GetString("db-name")
	}
	if flags.Changed("preflight") {
		cfg.Database.Preflight, _ = flags.GetBool("preflight")
	}

	if flags.Changed("output-dir") {
		cfg.Backup.OutputDir, _ = flags.GetString("output-dir")
	}
	if flags.Changed("compress") {
		cfg.Backup.Compress, _ = flags.GetBool("compress")
	}
	if flags.Changed("encrypt") {
		cfg.Backup.Encrypt, _ = flags.GetBool("encrypt")
	}
	if flags.Changed("compression-level") {
		cfg.Backup.CompressionLevel, _ = flags.GetInt("compression-level")
	}

	if flags.Changed("dest") {
		cfg.Destination.Type, _ = flags.GetString("dest")
	}
	if flags.Changed("key-file") {
		cfg.Destination.KeyFile, _ = flags.GetString("key-file")
	}
	if flags.Changed("bucket") {
		cfg.Destination.Bucket, _ = flags.GetString("bucket")
	}
	if flags.Changed("region") {
		cfg.Destination.Region, _ = flags.GetString("region")
	}
	if flags.Changed("endpoint") {
		cfg.Destination.Endpoint, _ = flags.GetString("endpoint")
	}
	if flags.Changed("folder-id") {
		cfg.Destination.FolderID, _ = flags.GetString("folder-id")
	}

	if flags.Changed("concurrency") {
		cfg.Transfer.Concurrency, _ = flags.GetInt("concurrency")
	}
	if flags.Changed("max-attempts") {
		cfg.Transfer.MaxAttempts, _ = flags.GetInt("max-attempts")
	}
	if flags.Changed("rate-limit") {
		cfg.Transfer.RateLimit, _ = flags.GetInt64("rate-limit")
	}

	return nil
}

func (c *Config) validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return &common.ConfigurationError{Field: "log_level", Reason: fmt.Sprintf("unknown level %q", c.LogLevel)}
	}

	if c.Database.Type != "" {
		if _, err := dump.Lookup(dump.Kind(c.Database.Type)); err != nil {
			return err
		}
	}
	if c.Destination.Type != "" {
		if err := checkDestinationType(c.Destination.Type); err != nil {
			return err
		}
	}

	if c.Backup.CompressionLevel < -2 || c.Backup.CompressionLevel > 9 {
		return &common.ConfigurationError{Field: "backup.compression_level", Reason: "must be between -2 and 9"}
	}

	if c.Transfer.Concurrency <= 0 {
		return &common.ConfigurationError{Field: "transfer.concurrency", Reason: "must be positive"}
	}
	if c.Transfer.RateLimit < 0 {
		return &common.ConfigurationError{Field: "transfer.rate_limit", Reason: "must not be negative"}
	}
	if err := c.Transfer.Policy().Validate(); err != nil {
		return &common.ConfigurationError{Field: "transfer", Reason: err.Error()}
	}

	return nil
}

func checkDestinationType(t string) error {
	switch t {
	case DestinationS3, DestinationDrive:
		return nil
	default:
		return &common.ConfigurationError{Field: "destination.type", Reason: fmt.Sprintf("unknown destination %q (want s3 or drive)", t)}
	}
}

// RequireDatabase checks what a backup or direct restore needs.
func (c *Config) RequireDatabase() error {
	if c.Database.Type == "" {
		return common.MissingConfig("database.type")
	}
	if _, err := dump.Lookup(dump.Kind(c.Database.Type)); err != nil {
		return err
	}
	return c.Database.Connection().Validate()
}

// RequireDestination checks what an upload needs.
func (c *Config) RequireDestination() error {
	return c.Destination.Validate()
}

// Validate checks the destination tag and the fields it needs.
func (d Destination) Validate() error {
	if d.Type == "" {
		return common.MissingConfig("destination.type")
	}
	if err := checkDestinationType(d.Type); err != nil {
		return err
	}
	if d.KeyFile == "" {
		return common.MissingConfig("destination.key_file")
	}
	switch d.Type {
	case DestinationS3:
		if d.Bucket == "" {
			return common.MissingConfig("destination.bucket")
		}
	case DestinationDrive:
		if d.FolderID == "" {
			return common.MissingConfig("destination.folder_id")
		}
	}
	return nil
}

// RequireMasterKey checks the encryption secret is present.
func (c *Config) RequireMasterKey() error {
	if c.MasterKey == "" {
		return common.MissingConfig(MasterKeyEnv)
	}
	return nil
}
