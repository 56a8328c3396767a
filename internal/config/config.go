// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Crawler     CrawlerConfig     `mapstructure:"crawler"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Store       StoreConfig       `mapstructure:"store"`
	Sink        SinkConfig        `mapstructure:"sink"`
	Images      ImagesConfig      `mapstructure:"images"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics"`
	Headless    HeadlessConfig    `mapstructure:"headless"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

// CrawlerConfig governs pagination, concurrency and pacing.
type CrawlerConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	StartPage    int           `mapstructure:"start_page"`
	MaxPages     int           `mapstructure:"max_pages"`
	Workers      int           `mapstructure:"workers"`
	PageDelay    time.Duration `mapstructure:"page_delay"`
	ItemDelayMin time.Duration `mapstructure:"item_delay_min"`
	ItemDelayMax time.Duration `mapstructure:"item_delay_max"`
}

// HTTPConfig configures the request identity and retry behavior.
type HTTPConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	UserAgent      string        `mapstructure:"user_agent"`
	Accept         string        `mapstructure:"accept"`
	AcceptLanguage string        `mapstructure:"accept_language"`
	Cookie         string        `mapstructure:"cookie"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
}

// StoreConfig selects the record store backend.
type StoreConfig struct {
	Driver   string         `mapstructure:"driver"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// SQLiteConfig points at the embedded database file.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig controls access to a Postgres record store.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// SinkConfig selects where the crawler persists records.
type SinkConfig struct {
	Backend string       `mapstructure:"backend"`
	Remote  RemoteConfig `mapstructure:"remote"`
}

// RemoteConfig describes the remote save endpoint.
type RemoteConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ImagesConfig controls the cover image cache.
type ImagesConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Backend   string `mapstructure:"backend"`
	Dir       string `mapstructure:"dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// DiagnosticsConfig controls raw-page dumps for items without magnets.
type DiagnosticsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

// HeadlessConfig configures the optional browser-rendered extraction strategy.
type HeadlessConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	NavTimeout  time.Duration `mapstructure:"nav_timeout"`
	MaxParallel int           `mapstructure:"max_parallel"`
}

// PubSubConfig holds metadata for save notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig holds the shared token for the save endpoint.
type AuthConfig struct {
	APIToken string `mapstructure:"api_token"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// MetricsConfig controls the crawl-side Prometheus listener.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Default identity values presented to the catalog site.
const (
	DefaultUserAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/144.0.0.0 Safari/537.36"
	DefaultAccept         = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8"
	DefaultAcceptLanguage = "zh-CN,zh;q=0.9"
	DefaultCookie         = "existmag=mag; PHPSESSID=c5tvoniit8iupd7743veu59uj3"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("JAVBUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Sink.Backend = resolveSinkBackend(cfg.Sink)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawler.base_url", "https://www.javbus.com/")
	v.SetDefault("crawler.start_page", 1)
	v.SetDefault("crawler.max_pages", 0)
	v.SetDefault("crawler.workers", 30)
	v.SetDefault("crawler.page_delay", 2*time.Second)
	v.SetDefault("crawler.item_delay_min", 500*time.Millisecond)
	v.SetDefault("crawler.item_delay_max", 2*time.Second)
	v.SetDefault("http.timeout", 10*time.Second)
	v.SetDefault("http.max_attempts", 3)
	v.SetDefault("http.retry_delay", 2*time.Second)
	v.SetDefault("http.user_agent", DefaultUserAgent)
	v.SetDefault("http.accept", DefaultAccept)
	v.SetDefault("http.accept_language", DefaultAcceptLanguage)
	v.SetDefault("http.cookie", DefaultCookie)
	v.SetDefault("http.rate_limit_rps", 0.0)
	v.SetDefault("http.rate_limit_burst", 1)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite.path", "javbus.db")
	v.SetDefault("store.postgres.dsn", "")
	v.SetDefault("store.postgres.table", "movies")
	v.SetDefault("store.postgres.max_conns", 10)
	v.SetDefault("sink.remote.base_url", "")
	v.SetDefault("sink.remote.token", "")
	v.SetDefault("sink.remote.timeout", 10*time.Second)
	v.SetDefault("images.enabled", true)
	v.SetDefault("images.backend", "local")
	v.SetDefault("images.dir", "static")
	v.SetDefault("images.gcs_bucket", "")
	v.SetDefault("diagnostics.enabled", true)
	v.SetDefault("diagnostics.dir", "debug")
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.nav_timeout", 30*time.Second)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("server.port", 5000)
	v.SetDefault("auth.api_token", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("metrics.addr", "")
}

// resolveSinkBackend picks the remote sink when only an endpoint was given,
// matching deployments that set SERVER_API_BASE alone.
func resolveSinkBackend(s SinkConfig) string {
	switch {
	case s.Backend != "":
		return s.Backend
	case s.Remote.BaseURL != "":
		return "remote"
	default:
		return "store"
	}
}

// bindLegacyEnv keeps the deployment's original variable names working next
// to the JAVBUS_ prefixed ones.
func bindLegacyEnv(v *viper.Viper) error {
	bindings := map[string][]string{
		"sink.backend":         {"JAVBUS_SINK_BACKEND"},
		"sink.remote.base_url": {"JAVBUS_SINK_REMOTE_BASE_URL", "SERVER_API_BASE"},
		"sink.remote.token":    {"JAVBUS_SINK_REMOTE_TOKEN", "API_TOKEN"},
		"auth.api_token":       {"JAVBUS_AUTH_API_TOKEN", "API_TOKEN"},
	}
	for key, envs := range bindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	base, err := url.Parse(c.Crawler.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return fmt.Errorf("crawler.base_url must be an absolute URL")
	}
	if c.Crawler.StartPage < 1 {
		return errors.New("crawler.start_page must be >= 1")
	}
	if c.Crawler.MaxPages < 0 {
		return errors.New("crawler.max_pages must be >= 0")
	}
	if c.Crawler.Workers <= 0 {
		return errors.New("crawler.workers must be > 0")
	}
	if c.Crawler.ItemDelayMin < 0 || c.Crawler.ItemDelayMax < c.Crawler.ItemDelayMin {
		return errors.New("crawler.item_delay_min/max must satisfy 0 <= min <= max")
	}
	if c.HTTP.Timeout <= 0 {
		return errors.New("http.timeout must be > 0")
	}
	if c.HTTP.MaxAttempts <= 0 {
		return errors.New("http.max_attempts must be > 0")
	}
	if c.HTTP.RateLimitRPS < 0 {
		return errors.New("http.rate_limit_rps must be >= 0")
	}
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.SQLite.Path == "" {
			return errors.New("store.sqlite.path must be set for the sqlite driver")
		}
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			return errors.New("store.postgres.dsn must be set for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported store.driver %q", c.Store.Driver)
	}
	switch c.Sink.Backend {
	case "store":
	case "remote":
		if c.Sink.Remote.BaseURL == "" {
			return errors.New("sink.remote.base_url must be set for the remote sink")
		}
	default:
		return fmt.Errorf("unsupported sink.backend %q", c.Sink.Backend)
	}
	if c.Images.Enabled {
		switch c.Images.Backend {
		case "local":
			if c.Images.Dir == "" {
				return errors.New("images.dir must be set for the local image backend")
			}
		case "gcs":
			if c.Images.GCSBucket == "" {
				return errors.New("images.gcs_bucket must be set for the gcs image backend")
			}
		default:
			return fmt.Errorf("unsupported images.backend %q", c.Images.Backend)
		}
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return errors.New("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	return nil
}
