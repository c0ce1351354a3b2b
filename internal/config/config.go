package config

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

var (
	cfg *Config
	mu  sync.RWMutex
)

// Config represents the application configuration
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Resend   ResendConfig   `mapstructure:"resend"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Inbound  InboundConfig  `mapstructure:"inbound"`
	Email    EmailConfig    `mapstructure:"email"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Mailbox  MailboxConfig  `mapstructure:"mailbox"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type AppConfig struct {
	Name  string `mapstructure:"name"`
	Env   string `mapstructure:"env"`
	Debug bool   `mapstructure:"debug"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres, mysql, sqlite3
	URL             string        `mapstructure:"url"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	URL       string        `mapstructure:"url"`
	Host      string        `mapstructure:"host"`
	Port      int           `mapstructure:"port"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	ReplayTTL time.Duration `mapstructure:"replay_ttl"`
}

type AuthConfig struct {
	JWT struct {
		Secret         string        `mapstructure:"secret"`
		Issuer         string        `mapstructure:"issuer"`
		AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
	} `mapstructure:"jwt"`
	CronSecret string `mapstructure:"cron_secret"`
}

type ResendConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
	// TrustedDownloadHosts may receive the API key when a download needs it.
	TrustedDownloadHosts []string `mapstructure:"trusted_download_hosts"`
}

type WebhookConfig struct {
	Secret               string `mapstructure:"secret"`
	ReplyToleranceSec    int    `mapstructure:"reply_tolerance_sec"`
	DeliveryToleranceSec int    `mapstructure:"delivery_tolerance_sec"`
}

type InboundConfig struct {
	RecentScanLimit     int           `mapstructure:"recent_scan_limit"`
	AttachmentRetry     time.Duration `mapstructure:"attachment_retry"`
	MaxAttachmentBytes  int64         `mapstructure:"max_attachment_bytes"`
	CommentBodyMaxChars int           `mapstructure:"comment_body_max_chars"`
	MessageIDPrefix     string        `mapstructure:"message_id_prefix"`
}

type EmailConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	From         string `mapstructure:"from"`
	FromName     string `mapstructure:"from_name"`
	InboundEmail string `mapstructure:"inbound_email"`
	SMTP         struct {
		Host       string `mapstructure:"host"`
		Port       int    `mapstructure:"port"`
		User       string `mapstructure:"user"`
		Password   string `mapstructure:"password"`
		TLS        bool   `mapstructure:"tls"`
		SkipVerify bool   `mapstructure:"skip_verify"`
	} `mapstructure:"smtp"`
}

type StorageConfig struct {
	Root          string `mapstructure:"root"`
	PublicPrefix  string `mapstructure:"public_prefix"`
	CommentFolder string `mapstructure:"comment_folder"`
}

type MailboxConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Type             string        `mapstructure:"type"` // imap, imaps, pop3, pop3s
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	Username         string        `mapstructure:"username"`
	Password         string        `mapstructure:"password"`
	Folder           string        `mapstructure:"folder"`
	Schedule         string        `mapstructure:"schedule"`
	DeleteAfterFetch bool          `mapstructure:"delete_after_fetch"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// maxDeliveryTolerance caps the delivery-status signature window.
const maxDeliveryTolerance = 24 * time.Hour

// ReplyTolerance returns the signature window for the reply webhook.
func (w WebhookConfig) ReplyTolerance() time.Duration {
	if w.ReplyToleranceSec <= 0 {
		return 300 * time.Second
	}
	return time.Duration(w.ReplyToleranceSec) * time.Second
}

// DeliveryTolerance returns the signature window for delivery-status events,
// capped at 24 hours.
func (w WebhookConfig) DeliveryTolerance() time.Duration {
	if w.DeliveryToleranceSec <= 0 {
		return maxDeliveryTolerance
	}
	d := time.Duration(w.DeliveryToleranceSec) * time.Second
	if d > maxDeliveryTolerance {
		return maxDeliveryTolerance
	}
	return d
}

// SharedSecrets lists the secrets accepted by operator endpoints, cron secret first.
func (c *Config) SharedSecrets() []string {
	var out []string
	for _, s := range []string{c.Auth.CronSecret, c.Webhook.Secret} {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// HasResendKey reports whether the configured API key looks like a Resend key.
func (r ResendConfig) HasResendKey() bool {
	return strings.HasPrefix(strings.TrimSpace(r.APIKey), "re_")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "docreply")
	v.SetDefault("app.env", "development")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.max_body_bytes", 5*1024*1024)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "docreply")
	v.SetDefault("database.user", "docreply")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.key_prefix", "docreply:")
	v.SetDefault("redis.replay_ttl", 7*24*time.Hour)

	v.SetDefault("auth.jwt.issuer", "docreply")
	v.SetDefault("auth.jwt.access_token_ttl", 24*time.Hour)

	v.SetDefault("resend.base_url", "https://api.resend.com")
	v.SetDefault("resend.timeout", 30*time.Second)
	v.SetDefault("resend.trusted_download_hosts", []string{"resend.com", "resend.app"})

	v.SetDefault("webhook.reply_tolerance_sec", 300)
	v.SetDefault("webhook.delivery_tolerance_sec", 86400)

	v.SetDefault("inbound.recent_scan_limit", 200)
	v.SetDefault("inbound.attachment_retry", 2*time.Second)
	v.SetDefault("inbound.max_attachment_bytes", 25*1024*1024)
	v.SetDefault("inbound.comment_body_max_chars", 4000)
	v.SetDefault("inbound.message_id_prefix", "docreq-")

	v.SetDefault("email.from_name", "Abcotronics")
	v.SetDefault("email.smtp.port", 587)

	v.SetDefault("storage.root", "uploads")
	v.SetDefault("storage.public_prefix", "/uploads")
	v.SetDefault("storage.comment_folder", "doc-collection-comments")

	v.SetDefault("mailbox.type", "imaps")
	v.SetDefault("mailbox.folder", "INBOX")
	v.SetDefault("mailbox.schedule", "@every 2m")
	v.SetDefault("mailbox.delete_after_fetch", false)
	v.SetDefault("mailbox.timeout", 10*time.Second)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// bindProviderEnv maps the provider's conventional variable names, which do
// not follow the DOCREPLY_ prefix. Earlier names win.
func bindProviderEnv(v *viper.Viper) error {
	bindings := [][]string{
		{"resend.api_key", "RESEND_API_KEY"},
		{"webhook.secret", "RESEND_WEBHOOK_SECRET", "WEBHOOK_SIGNING_SECRET"},
		{"webhook.delivery_tolerance_sec", "RESEND_WEBHOOK_TOLERANCE_SEC"},
		{"auth.cron_secret", "CRON_SECRET"},
		{"auth.jwt.secret", "JWT_SECRET"},
		{"database.url", "DATABASE_URL"},
		{"redis.url", "REDIS_URL"},
		{"email.inbound_email", "DOCUMENT_REQUEST_INBOUND_EMAIL", "INBOUND_EMAIL_FOR_DOCUMENT_REQUESTS"},
		{"email.from", "EMAIL_FROM", "SMTP_USER"},
		{"email.smtp.host", "SMTP_HOST"},
		{"email.smtp.user", "SMTP_USER"},
		{"email.smtp.password", "SMTP_PASSWORD"},
	}
	for _, b := range bindings {
		if err := v.BindEnv(b...); err != nil {
			return fmt.Errorf("bind %s: %w", b[0], err)
		}
	}
	return nil
}

func newViper(configPath string) (*viper.Viper, bool, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	found := false
	if configPath != "" {
		v.SetConfigName("config")
		v.AddConfigPath(configPath)
		if err := v.ReadInConfig(); err != nil {
			// A missing config.yaml is fine; env and defaults cover everything.
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, false, fmt.Errorf("failed to read config: %w", err)
			}
		} else {
			found = true
		}
	}

	v.SetEnvPrefix("DOCREPLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindProviderEnv(v); err != nil {
		return nil, false, err
	}
	return v, found, nil
}

func decode(v *viper.Viper) (*Config, error) {
	out := &Config{}
	if err := v.Unmarshal(out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return out, nil
}

// Load reads config.yaml from configPath (optional), applies environment
// overrides and installs the result as the current configuration. When a
// config file is present it is watched and hot reloaded.
func Load(configPath string) (*Config, error) {
	v, found, err := newViper(configPath)
	if err != nil {
		return nil, err
	}
	loaded, err := decode(v)
	if err != nil {
		return nil, err
	}

	mu.Lock()
	cfg = loaded
	mu.Unlock()

	if found {
		v.OnConfigChange(func(e fsnotify.Event) {
			log.Printf("config: %s changed, reloading", e.Name)
			next, err := decode(v)
			if err != nil {
				log.Printf("config: reload failed: %v", err)
				return
			}
			mu.Lock()
			cfg = next
			mu.Unlock()
		})
		v.WatchConfig()
	}
	return loaded, nil
}

// Get returns the current configuration (thread-safe)
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// GetDSN returns the connection string for the configured driver. An explicit
// URL always wins.
func (c *DatabaseConfig) GetDSN() string {
	if c.URL != "" {
		return c.URL
	}
	switch c.Driver {
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true", c.User, c.Password, c.Host, c.Port, c.Name)
	case "sqlite3", "sqlite":
		if c.Name == "" {
			return "file:docreply.db?_foreign_keys=on"
		}
		return c.Name
	default:
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
		)
	}
}

// GetRedisAddr returns the Redis server address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetServerAddr returns the server listen address
func (c *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsProduction returns true if running in production mode
func (c *AppConfig) IsProduction() bool {
	return c.Env == "production" || c.Env == "prod"
}
