// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Store      StoreConfig      `mapstructure:"store"`
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Headless   HeadlessConfig   `mapstructure:"headless"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Uploader   UploaderConfig   `mapstructure:"uploader"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Spool      SpoolConfig      `mapstructure:"spool"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// StoreConfig controls access to the state store.
type StoreConfig struct {
	URL string `mapstructure:"url"`
	// RetentionDays expires terminal jobs after this many days; 0 keeps
	// them until manually deleted.
	RetentionDays int `mapstructure:"retention_days"`
}

// CrawlerConfig governs the crawl engine.
type CrawlerConfig struct {
	MaxPages       int    `mapstructure:"max_pages"`
	MaxDepth       int    `mapstructure:"max_depth"`
	PerHostFetches int    `mapstructure:"per_host_fetches"`
	PerHostRPS     int    `mapstructure:"per_host_rps"`
	UserAgent      string `mapstructure:"user_agent"`
}

// HTTPConfig configures the direct fetch tier.
type HTTPConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	MaxRedirects   int `mapstructure:"max_redirects"`
}

// HeadlessConfig configures the browser fetch tier.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
}

// ClassifierConfig configures the LLM classification pipeline.
type ClassifierConfig struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxConcurrent  int    `mapstructure:"max_concurrent"`
}

// UploaderConfig configures the SharePoint uploader.
type UploaderConfig struct {
	TenantID      string `mapstructure:"tenant_id"`
	ClientID      string `mapstructure:"client_id"`
	ClientSecret  string `mapstructure:"client_secret"`
	SiteURL       string `mapstructure:"site_url"`
	ChunkBytes    int    `mapstructure:"chunk_bytes"`
	MaxConcurrent int    `mapstructure:"max_concurrent"`
	MaxAttempts   int    `mapstructure:"max_attempts"`
}

// SupervisorConfig governs worker sub-process lifecycles.
type SupervisorConfig struct {
	MaxConcurrentJobs int    `mapstructure:"max_concurrent_jobs"`
	GraceSeconds      int    `mapstructure:"grace_seconds"`
	JobWallClockHours int    `mapstructure:"job_wall_clock_hours"`
	WorkerBinary      string `mapstructure:"worker_binary"`
	UploadDir         string `mapstructure:"upload_dir"`
}

// SpoolConfig sets the staging directory for downloaded artifacts.
type SpoolConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	bindEnvAliases(v)

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

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("store.retention_days", 0)
	v.SetDefault("crawler.max_pages", 2000)
	v.SetDefault("crawler.max_depth", 6)
	v.SetDefault("crawler.per_host_fetches", 4)
	v.SetDefault("crawler.per_host_rps", 2)
	v.SetDefault("crawler.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	v.SetDefault("http.timeout_seconds", 20)
	v.SetDefault("http.max_redirects", 10)
	v.SetDefault("headless.enabled", true)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("classifier.model", "claude-3-5-haiku-latest")
	v.SetDefault("classifier.timeout_seconds", 30)
	v.SetDefault("classifier.max_concurrent", 8)
	v.SetDefault("uploader.chunk_bytes", 4*1024*1024)
	v.SetDefault("uploader.max_concurrent", 4)
	v.SetDefault("uploader.max_attempts", 3)
	v.SetDefault("supervisor.max_concurrent_jobs", 8)
	v.SetDefault("supervisor.grace_seconds", 10)
	v.SetDefault("supervisor.job_wall_clock_hours", 6)
	v.SetDefault("supervisor.worker_binary", "harvestworker")
	v.SetDefault("supervisor.upload_dir", "/tmp/harvester/uploads")
	v.SetDefault("spool.base_dir", "/tmp/harvester/spool")
	v.SetDefault("logging.development", false)
}

// bindEnvAliases maps the documented deployment environment variables onto
// config keys, on top of the HARVESTER_ prefix scheme.
func bindEnvAliases(v *viper.Viper) {
	aliases := map[string]string{
		"classifier.api_key":             "LLM_API_KEY",
		"uploader.tenant_id":             "IDENTITY_TENANT",
		"uploader.client_id":             "IDENTITY_CLIENT_ID",
		"uploader.client_secret":         "IDENTITY_CLIENT_SECRET",
		"store.url":                      "STATE_STORE_URL",
		"supervisor.max_concurrent_jobs": "MAX_CONCURRENT_JOBS",
		"supervisor.grace_seconds":       "WORKER_GRACE_SECONDS",
	}
	for key, env := range aliases {
		// BindEnv only errors on an empty key.
		_ = v.BindEnv(key, env)
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Store.URL == "" {
		return fmt.Errorf("store.url (STATE_STORE_URL) is required")
	}
	if c.Crawler.MaxPages <= 0 {
		return fmt.Errorf("crawler.max_pages must be > 0")
	}
	if c.Crawler.PerHostFetches <= 0 {
		return fmt.Errorf("crawler.per_host_fetches must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Uploader.ChunkBytes <= 0 {
		return fmt.Errorf("uploader.chunk_bytes must be > 0")
	}
	if c.Supervisor.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("supervisor.max_concurrent_jobs must be > 0")
	}
	if c.Supervisor.GraceSeconds <= 0 {
		return fmt.Errorf("supervisor.grace_seconds must be > 0")
	}
	return nil
}

// FetchTimeout returns the direct-tier fetch timeout.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// GracePeriod returns the cancellation grace period.
func (c Config) GracePeriod() time.Duration {
	return time.Duration(c.Supervisor.GraceSeconds) * time.Second
}

// JobWallClock returns the soft job deadline.
func (c Config) JobWallClock() time.Duration {
	return time.Duration(c.Supervisor.JobWallClockHours) * time.Hour
}
