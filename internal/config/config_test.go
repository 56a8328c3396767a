package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Crawler.BaseURL != "https://www.javbus.com/" {
		t.Fatalf("unexpected base url %q", cfg.Crawler.BaseURL)
	}
	if cfg.Crawler.Workers != 30 || cfg.HTTP.MaxAttempts != 3 {
		t.Fatalf("unexpected worker/attempt defaults: %+v %+v", cfg.Crawler, cfg.HTTP)
	}
	if cfg.HTTP.RetryDelay != 2*time.Second || cfg.Crawler.PageDelay != 2*time.Second {
		t.Fatalf("unexpected delay defaults: %+v", cfg.HTTP)
	}
	if cfg.Crawler.ItemDelayMin != 500*time.Millisecond || cfg.Crawler.ItemDelayMax != 2*time.Second {
		t.Fatalf("unexpected item delay range %v..%v", cfg.Crawler.ItemDelayMin, cfg.Crawler.ItemDelayMax)
	}
	if cfg.HTTP.UserAgent != DefaultUserAgent || cfg.HTTP.Cookie != DefaultCookie {
		t.Fatalf("expected default identity, got %+v", cfg.HTTP)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Sink.Backend != "store" || cfg.Server.Port != 5000 {
		t.Fatalf("unexpected backend defaults: %+v %+v", cfg.Store, cfg.Sink)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
crawler:
  base_url: https://mirror.example.com/
  start_page: 4
  max_pages: 10
  workers: 8
  page_delay: 5s
  item_delay_min: 100ms
  item_delay_max: 300ms
http:
  timeout: 20s
  max_attempts: 5
  retry_delay: 1s
  rate_limit_rps: 2.5
store:
  driver: postgres
  postgres:
    dsn: postgres://localhost/javbus
    table: titles
sink:
  backend: remote
  remote:
    base_url: https://archive.example.com
    token: secret
images:
  backend: gcs
  gcs_bucket: covers
headless:
  enabled: true
  max_parallel: 1
logging:
  development: false
  level: debug
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Crawler.StartPage != 4 || cfg.Crawler.MaxPages != 10 || cfg.Crawler.Workers != 8 {
		t.Fatalf("expected crawler overrides to apply: %+v", cfg.Crawler)
	}
	if cfg.Crawler.PageDelay != 5*time.Second || cfg.Crawler.ItemDelayMax != 300*time.Millisecond {
		t.Fatalf("expected duration overrides to apply: %+v", cfg.Crawler)
	}
	if cfg.HTTP.MaxAttempts != 5 || cfg.HTTP.RateLimitRPS != 2.5 {
		t.Fatalf("expected http overrides to apply: %+v", cfg.HTTP)
	}
	if cfg.Store.Postgres.Table != "titles" || cfg.Sink.Remote.Token != "secret" {
		t.Fatalf("expected store/sink overrides: %+v %+v", cfg.Store, cfg.Sink)
	}
	if cfg.Images.GCSBucket != "covers" || !cfg.Headless.Enabled {
		t.Fatalf("expected images/headless overrides: %+v %+v", cfg.Images, cfg.Headless)
	}
	if cfg.Logging.Development || cfg.Logging.Level != "debug" {
		t.Fatalf("expected logging overrides: %+v", cfg.Logging)
	}
}

func TestLoadLegacyEnvironment(t *testing.T) {
	t.Setenv("SERVER_API_BASE", "https://archive.example.com")
	t.Setenv("API_TOKEN", "legacy-token")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Sink.Backend != "remote" {
		t.Fatalf("expected remote sink, got %q", cfg.Sink.Backend)
	}
	if cfg.Sink.Remote.BaseURL != "https://archive.example.com" {
		t.Fatalf("expected legacy base url, got %q", cfg.Sink.Remote.BaseURL)
	}
	if cfg.Sink.Remote.Token != "legacy-token" || cfg.Auth.APIToken != "legacy-token" {
		t.Fatalf("expected legacy token on both sides, got %+v %+v", cfg.Sink.Remote, cfg.Auth)
	}
}

func TestLoadExplicitBackendWinsOverLegacyBase(t *testing.T) {
	t.Setenv("SERVER_API_BASE", "https://archive.example.com")
	t.Setenv("JAVBUS_SINK_BACKEND", "store")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Sink.Backend != "store" {
		t.Fatalf("expected explicit store sink, got %q", cfg.Sink.Backend)
	}
}

func TestResolveSinkBackend(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   SinkConfig
		want string
	}{
		{"default", SinkConfig{}, "store"},
		{"endpoint only", SinkConfig{Remote: RemoteConfig{BaseURL: "https://archive.example.com"}}, "remote"},
		{"explicit store", SinkConfig{Backend: "store", Remote: RemoteConfig{BaseURL: "https://archive.example.com"}}, "store"},
		{"explicit remote", SinkConfig{Backend: "remote"}, "remote"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := resolveSinkBackend(tt.in); got != tt.want {
				t.Fatalf("resolveSinkBackend(%+v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Crawler: CrawlerConfig{BaseURL: "https://www.javbus.com/", StartPage: 1, Workers: 1},
		HTTP:    HTTPConfig{Timeout: time.Second, MaxAttempts: 3},
		Store:   StoreConfig{Driver: "memory"},
		Sink:    SinkConfig{Backend: "store"},
		Server:  ServerConfig{Port: 5000},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"relative base url", func(c *Config) { c.Crawler.BaseURL = "/page" }, "crawler.base_url"},
		{"zero start page", func(c *Config) { c.Crawler.StartPage = 0 }, "crawler.start_page"},
		{"negative max pages", func(c *Config) { c.Crawler.MaxPages = -1 }, "crawler.max_pages"},
		{"no workers", func(c *Config) { c.Crawler.Workers = 0 }, "crawler.workers"},
		{"inverted delays", func(c *Config) {
			c.Crawler.ItemDelayMin = 2 * time.Second
			c.Crawler.ItemDelayMax = time.Second
		}, "crawler.item_delay_min"},
		{"no timeout", func(c *Config) { c.HTTP.Timeout = 0 }, "http.timeout"},
		{"no attempts", func(c *Config) { c.HTTP.MaxAttempts = 0 }, "http.max_attempts"},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mysql" }, "store.driver"},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres" }, "store.postgres.dsn"},
		{"remote without url", func(c *Config) { c.Sink.Backend = "remote" }, "sink.remote.base_url"},
		{"gcs without bucket", func(c *Config) {
			c.Images.Enabled = true
			c.Images.Backend = "gcs"
		}, "images.gcs_bucket"},
		{"headless missing max parallel", func(c *Config) { c.Headless.Enabled = true }, "headless.max_parallel"},
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
