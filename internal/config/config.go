package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	LogLevel string         `mapstructure:"log_level"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Gmail    GmailConfig    `mapstructure:"gmail"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Push     PushConfig     `mapstructure:"push"`
	Poller   PollerConfig   `mapstructure:"poller"`
	Query    QueryConfig    `mapstructure:"query"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration.
// Driver is one of mysql, postgres or sqlite; Path is only used by sqlite.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	Path     string `mapstructure:"path"`
}

// GmailConfig holds mailbox provider configuration
type GmailConfig struct {
	ClientID           string `mapstructure:"client_id"`
	ClientSecret       string `mapstructure:"client_secret"`
	RefreshToken       string `mapstructure:"refresh_token"`
	UserEmail          string `mapstructure:"user_email"`
	ServiceAccountFile string `mapstructure:"service_account_file"`
	DelegatedUser      string `mapstructure:"delegated_user"`
	UseIMAP            bool   `mapstructure:"use_imap"`
	IMAPHost           string `mapstructure:"imap_host"`
	IMAPPort           int    `mapstructure:"imap_port"`
	IMAPUser           string `mapstructure:"imap_user"`
	IMAPPassword       string `mapstructure:"imap_password"`
	IMAPMailbox        string `mapstructure:"imap_mailbox"`
}

// RedisConfig holds the shared key-value store configuration. The dedup tokens
// and the ingestion lock must be visible to every serve, poll and fetch process,
// so disabling Redis also requires AllowLocal.
type RedisConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// AllowLocal permits the in-memory store when Redis is disabled. Only safe
	// when a single process handles every trigger.
	AllowLocal bool   `mapstructure:"allow_local"`
	Addr       string `mapstructure:"addr"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
}

// IngestConfig holds the message filter and batch bounds for ingestion runs
type IngestConfig struct {
	From        string        `mapstructure:"from"`
	To          string        `mapstructure:"to"`
	Subject     string        `mapstructure:"subject"`
	DefaultDays int           `mapstructure:"default_days"`
	DefaultMax  int           `mapstructure:"default_max"`
	PushWindow  time.Duration `mapstructure:"push_window"`
	PushLimit   int           `mapstructure:"push_limit"`
}

// PushConfig holds push-trigger deduplication and locking settings
type PushConfig struct {
	DedupTTL  time.Duration `mapstructure:"dedup_ttl"`
	LockTTL   time.Duration `mapstructure:"lock_ttl"`
	KeyPrefix string        `mapstructure:"key_prefix"`
}

// PollerConfig holds the cron schedule used by the poll command
type PollerConfig struct {
	Schedule string `mapstructure:"schedule"`
}

// QueryConfig holds read-side limits
type QueryConfig struct {
	DefaultCap     int `mapstructure:"default_cap"`
	DefaultPerPage int `mapstructure:"default_per_page"`
	MaxPerPage     int `mapstructure:"max_per_page"`
}

// LoadConfig loads configuration from environment variables and config file.
// An empty path searches for config.yaml in the working directory and ./config.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Environment variables override config file
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "120s")

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.path", "satei.db")

	v.SetDefault("gmail.user_email", "me")
	v.SetDefault("gmail.use_imap", false)
	v.SetDefault("gmail.imap_host", "imap.gmail.com")
	v.SetDefault("gmail.imap_port", 993)
	v.SetDefault("gmail.imap_mailbox", "INBOX")

	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.allow_local", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("ingest.from", "info@a-satei.com")
	v.SetDefault("ingest.subject", "申込み依頼がございました")
	v.SetDefault("ingest.default_days", 1)
	v.SetDefault("ingest.default_max", 100)
	v.SetDefault("ingest.push_window", "24h")
	v.SetDefault("ingest.push_limit", 10)

	v.SetDefault("push.dedup_ttl", "10m")
	v.SetDefault("push.lock_ttl", "5m")
	v.SetDefault("push.key_prefix", "satei:")

	v.SetDefault("poller.schedule", "0 * * * * *")

	v.SetDefault("query.default_cap", 100)
	v.SetDefault("query.default_per_page", 100)
	v.SetDefault("query.max_per_page", 1000)
}

func bindEnvVars(v *viper.Viper) {
	v.BindEnv("log_level", "LOG_LEVEL")

	// Server
	v.BindEnv("server.port", "SERVER_PORT")
	v.BindEnv("server.read_timeout", "SERVER_READ_TIMEOUT")
	v.BindEnv("server.write_timeout", "SERVER_WRITE_TIMEOUT")

	// Database
	v.BindEnv("database.driver", "DB_DRIVER")
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.port", "DB_PORT")
	v.BindEnv("database.user", "DB_USER")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("database.dbname", "DB_NAME")
	v.BindEnv("database.sslmode", "DB_SSLMODE")
	v.BindEnv("database.path", "DB_PATH")

	// Gmail
	v.BindEnv("gmail.client_id", "GMAIL_CLIENT_ID")
	v.BindEnv("gmail.client_secret", "GMAIL_CLIENT_SECRET")
	v.BindEnv("gmail.refresh_token", "GMAIL_REFRESH_TOKEN")
	v.BindEnv("gmail.user_email", "GMAIL_USER_EMAIL")
	v.BindEnv("gmail.service_account_file", "GMAIL_SERVICE_ACCOUNT_FILE")
	v.BindEnv("gmail.delegated_user", "GMAIL_DELEGATED_EMAIL")
	v.BindEnv("gmail.use_imap", "GMAIL_USE_IMAP")
	v.BindEnv("gmail.imap_host", "GMAIL_IMAP_HOST")
	v.BindEnv("gmail.imap_port", "GMAIL_IMAP_PORT")
	v.BindEnv("gmail.imap_user", "GMAIL_IMAP_USER")
	v.BindEnv("gmail.imap_password", "GMAIL_IMAP_PASSWORD")
	v.BindEnv("gmail.imap_mailbox", "GMAIL_IMAP_MAILBOX")

	// Redis
	v.BindEnv("redis.enabled", "REDIS_ENABLED")
	v.BindEnv("redis.allow_local", "REDIS_ALLOW_LOCAL")
	v.BindEnv("redis.addr", "REDIS_ADDR")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("redis.db", "REDIS_DB")

	// Ingest
	v.BindEnv("ingest.from", "INGEST_FROM")
	v.BindEnv("ingest.to", "INGEST_TO")
	v.BindEnv("ingest.subject", "INGEST_SUBJECT")
	v.BindEnv("ingest.default_days", "INGEST_DEFAULT_DAYS")
	v.BindEnv("ingest.default_max", "INGEST_DEFAULT_MAX")
	v.BindEnv("ingest.push_window", "INGEST_PUSH_WINDOW")
	v.BindEnv("ingest.push_limit", "INGEST_PUSH_LIMIT")

	// Push
	v.BindEnv("push.dedup_ttl", "PUSH_DEDUP_TTL")
	v.BindEnv("push.lock_ttl", "PUSH_LOCK_TTL")
	v.BindEnv("push.key_prefix", "PUSH_KEY_PREFIX")

	v.BindEnv("poller.schedule", "POLLER_SCHEDULE")
}

// GetDSN returns the database connection string for the configured driver
func (c *DatabaseConfig) GetDSN() string {
	switch c.Driver {
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
			c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
	case "sqlite":
		return c.Path
	default:
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			c.User, c.Password, c.Host, c.Port, c.DBName)
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	switch c.Database.Driver {
	case "mysql", "postgres":
		if c.Database.Host == "" || c.Database.User == "" || c.Database.DBName == "" {
			return fmt.Errorf("database host, user, and dbname are required")
		}
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for sqlite")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if err := c.Gmail.Validate(); err != nil {
		return err
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required when redis is enabled")
	}
	if !c.Redis.Enabled && !c.Redis.AllowLocal {
		return fmt.Errorf("redis is disabled: set redis.allow_local to run on a process-local store")
	}

	if c.Ingest.From == "" && c.Ingest.To == "" && c.Ingest.Subject == "" {
		return fmt.Errorf("at least one ingest filter (from, to, subject) is required")
	}
	if c.Ingest.PushLimit <= 0 || c.Ingest.DefaultMax <= 0 {
		return fmt.Errorf("ingest limits must be greater than 0")
	}

	if c.Push.DedupTTL <= 0 || c.Push.LockTTL <= 0 {
		return fmt.Errorf("push dedup and lock TTLs must be greater than 0")
	}

	if c.Query.DefaultCap <= 0 || c.Query.DefaultPerPage <= 0 {
		return fmt.Errorf("query cap and per-page defaults must be greater than 0")
	}

	return nil
}

// Validate checks the provider credentials. Only the mailbox-reading side is
// checked here; the watch commands reuse the same credentials.
func (g *GmailConfig) Validate() error {
	if g.UseIMAP {
		if g.IMAPUser == "" || g.IMAPPassword == "" {
			return fmt.Errorf("IMAP credentials are required when using IMAP")
		}
		return nil
	}
	if g.ServiceAccountFile != "" {
		if g.DelegatedUser == "" {
			return fmt.Errorf("delegated user is required with a service account")
		}
		return nil
	}
	if g.ClientID == "" || g.ClientSecret == "" || g.RefreshToken == "" {
		return fmt.Errorf("Gmail OAuth2 credentials are required when not using IMAP")
	}
	return nil
}
