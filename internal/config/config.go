// Package config loads and validates flowlens configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/flowlens/internal/flow"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig           `mapstructure:"server"`
	Auth       AuthConfig             `mapstructure:"auth"`
	Data       DataConfig             `mapstructure:"data"`
	HTTP       HTTPConfig             `mapstructure:"http"`
	Headless   HeadlessConfig         `mapstructure:"headless"`
	Screenshot ScreenshotConfig       `mapstructure:"screenshot"`
	OCR        OCRConfig              `mapstructure:"ocr"`
	Similarity SimilarityConfig       `mapstructure:"similarity"`
	Cache      CacheConfig            `mapstructure:"cache"`
	Devices    map[string]flow.Device `mapstructure:"devices"`
	Logging    LoggingConfig          `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DataConfig locates the dataset and SERP templates.
type DataConfig struct {
	CSVSource       string `mapstructure:"csv_source"`
	TemplatesSource string `mapstructure:"templates_source"`
	SerpBaseURL     string `mapstructure:"serp_base_url"`
	// TopDefault is the row count returned by the summary table.
	TopDefault int `mapstructure:"top_default"`
	// Refresh reloads the dataset after this long; zero loads once.
	Refresh time.Duration `mapstructure:"refresh"`
}

// HTTPConfig configures direct page fetches.
type HTTPConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxTextRunes   int    `mapstructure:"max_text_runes"`
}

// HeadlessConfig configures the optional local browser.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`

	// PromotionThresh is the body size below which script-heavy pages are re-rendered.
	PromotionThresh int `mapstructure:"promotion_threshold"`
}

// ScreenshotConfig configures the external screenshot service.
type ScreenshotConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	RefererDomain  string `mapstructure:"referer_domain"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	OCRDevice      string `mapstructure:"ocr_device"`
}

// OCRConfig configures the local OCR engine.
type OCRConfig struct {
	Binary   string `mapstructure:"binary"`
	Language string `mapstructure:"language"`
}

// SimilarityConfig configures the scoring API.
type SimilarityConfig struct {
	BaseURL        string  `mapstructure:"base_url"`
	APIKey         string  `mapstructure:"api_key"`
	Model          string  `mapstructure:"model"`
	Temperature    float32 `mapstructure:"temperature"`
	MaxTokens      int     `mapstructure:"max_tokens"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	RequestsPerSec float64 `mapstructure:"requests_per_second"`
}

// CacheConfig selects the cache backend and expiry.
type CacheConfig struct {
	Backend string        `mapstructure:"backend"`
	TTL     time.Duration `mapstructure:"ttl"`
	Redis   RedisConfig   `mapstructure:"redis"`
	DB      DBConfig      `mapstructure:"db"`

	// PurgeInterval sweeps expired memory and postgres entries; zero disables it.
	PurgeInterval time.Duration `mapstructure:"purge_interval"`
}

// RedisConfig points at a Redis server.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Cache backends.
const (
	CacheMemory   = "memory"
	CacheRedis    = "redis"
	CachePostgres = "postgres"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FLOWLENS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

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
	cfg.fillDeviceNames()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("data.csv_source", "data/flows.csv.gz")
	v.SetDefault("data.templates_source", "data/serp_templates.json")
	v.SetDefault("data.serp_base_url",
		"https://related.performmedia.com/search/?srprc=3&oscar=1&a=100&q=nada+vehicle+value+by+vin&mkt=perform&purl=forbes.com/home&tpid=")
	v.SetDefault("data.top_default", 10)
	v.SetDefault("data.refresh", "6h")
	v.SetDefault("http.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_text_runes", 5000)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 30)
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("screenshot.base_url", "https://image.thum.io/get/")
	v.SetDefault("screenshot.api_key", "")
	v.SetDefault("screenshot.referer_domain", "")
	v.SetDefault("screenshot.timeout_seconds", 30)
	v.SetDefault("screenshot.ocr_device", "laptop")
	v.SetDefault("ocr.binary", "tesseract")
	v.SetDefault("ocr.language", "eng")
	v.SetDefault("similarity.base_url", "https://go.fastrouter.ai/api/v1")
	v.SetDefault("similarity.api_key", "")
	v.SetDefault("similarity.model", "anthropic/claude-sonnet-4-20250514")
	v.SetDefault("similarity.temperature", 0.3)
	v.SetDefault("similarity.max_tokens", 500)
	v.SetDefault("similarity.timeout_seconds", 45)
	v.SetDefault("similarity.requests_per_second", 1.0)
	v.SetDefault("cache.backend", CacheMemory)
	v.SetDefault("cache.ttl", "168h")
	v.SetDefault("cache.purge_interval", "10m")
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("cache.redis.prefix", "flowlens:")
	v.SetDefault("cache.db.table", "flowlens_cache")
	v.SetDefault("cache.db.max_conns", 4)
	v.SetDefault("devices", map[string]any{
		"mobile": map[string]any{"width": 390, "height": 844},
		"tablet": map[string]any{"width": 820, "height": 1180},
		"laptop": map[string]any{"width": 1440, "height": 900},
	})
	v.SetDefault("logging.development", true)
}

func (c *Config) fillDeviceNames() {
	for name, d := range c.Devices {
		d.Name = name
		c.Devices[name] = d
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be > 0")
	}
	switch c.Cache.Backend {
	case CacheMemory, CacheRedis:
	case CachePostgres:
		if c.Cache.DB.DSN == "" {
			return fmt.Errorf("cache.db.dsn must be set for the postgres cache")
		}
	default:
		return fmt.Errorf("unknown cache.backend %q", c.Cache.Backend)
	}
	if _, ok := c.Devices["mobile"]; !ok {
		return fmt.Errorf("devices.mobile must be defined")
	}
	for name, d := range c.Devices {
		if d.Width <= 0 || d.Height <= 0 {
			return fmt.Errorf("device %q needs a positive width and height", name)
		}
	}
	return nil
}

// Device returns the named profile, falling back to mobile.
func (c Config) Device(name string) flow.Device {
	if d, ok := c.Devices[strings.ToLower(name)]; ok {
		return d
	}
	return c.Devices["mobile"]
}

// FetchTimeout converts the HTTP timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}
