package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"watchlist-analyzer/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Job       JobConfig       `mapstructure:"job"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Server    ServerConfig    `mapstructure:"server"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	Timezone    string `mapstructure:"timezone"`
}

// DatabaseConfig selects and tunes the analysis store backend.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// UpstreamConfig covers the trading-data API.
type UpstreamConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	Origin          string        `mapstructure:"origin"`
	Referer         string        `mapstructure:"referer"`
	UserAgent       string        `mapstructure:"user_agent"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	FallbackToken   string        `mapstructure:"fallback_token"`
	TokenSessionKey string        `mapstructure:"token_session_key"`
}

// JobConfig tunes the watchlist analysis run.
type JobConfig struct {
	Name             string        `mapstructure:"name"`
	WatchlistGroupID int64         `mapstructure:"watchlist_group_id"`
	Concurrency      int           `mapstructure:"concurrency"`
	Deadline         time.Duration `mapstructure:"deadline"`
	DegenerateBook   string        `mapstructure:"degenerate_book"`
}

// SchedulerConfig governs the daily trigger.
type SchedulerConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Cron            string `mapstructure:"cron"`
	AdvisoryLockKey int64  `mapstructure:"advisory_lock_key"`
	RunOnStart      bool   `mapstructure:"run_on_start"`
}

// ServerConfig configures the HTTP trigger endpoint.
type ServerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// AlertingConfig defines run-summary notifications.
type AlertingConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

const (
	// MaxConcurrency caps the per-run worker pool.
	MaxConcurrency = 5

	DegenerateReject = "reject"
	DegenerateClamp  = "clamp"
)

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("WATCHLIST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// bindLegacyEnv keeps the variable names used by earlier deployments working.
func bindLegacyEnv(v *viper.Viper) error {
	bindings := map[string][]string{
		"upstream.fallback_token":     {"WATCHLIST_UPSTREAM_FALLBACK_TOKEN", "STOCKBIT_JWT_TOKEN"},
		"alerting.telegram.bot_token": {"WATCHLIST_ALERTING_TELEGRAM_BOT_TOKEN", "TELEGRAM_BOT_TOKEN"},
		"alerting.telegram.chat_id":   {"WATCHLIST_ALERTING_TELEGRAM_CHAT_ID", "TELEGRAM_CHAT_ID"},
		"database.dsn":                {"WATCHLIST_DATABASE_DSN", "DATABASE_URL"},
	}
	for key, envs := range bindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "watchlist-analyzer")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.timezone", "UTC")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("upstream.base_url", "https://exodus.stockbit.com")
	v.SetDefault("upstream.origin", "https://stockbit.com")
	v.SetDefault("upstream.referer", "https://stockbit.com/")
	v.SetDefault("upstream.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/143.0.0.0 Safari/537.36")
	v.SetDefault("upstream.request_timeout", "15s")
	v.SetDefault("upstream.token_session_key", "stockbit_token")

	v.SetDefault("job.name", "analyze-watchlist")
	v.SetDefault("job.watchlist_group_id", 0)
	v.SetDefault("job.concurrency", 1)
	v.SetDefault("job.deadline", "14m")
	v.SetDefault("job.degenerate_book", DegenerateReject)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.cron", "0 11 * * 1-5")
	v.SetDefault("scheduler.advisory_lock_key", int64(0))
	v.SetDefault("scheduler.run_on_start", false)

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15m")

	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url must be configured")
	}
	if c.Upstream.RequestTimeout <= 0 {
		return fmt.Errorf("upstream.request_timeout must be greater than zero")
	}
	if c.Upstream.TokenSessionKey == "" {
		return fmt.Errorf("upstream.token_session_key must be configured")
	}
	if c.Job.Concurrency < 1 || c.Job.Concurrency > MaxConcurrency {
		return fmt.Errorf("job.concurrency must be between 1 and %d", MaxConcurrency)
	}
	if c.Job.Deadline < 0 {
		return fmt.Errorf("job.deadline cannot be negative")
	}
	switch c.Job.DegenerateBook {
	case DegenerateReject, DegenerateClamp:
	default:
		return fmt.Errorf("job.degenerate_book must be %q or %q", DegenerateReject, DegenerateClamp)
	}
	if c.Scheduler.Enabled && strings.TrimSpace(c.Scheduler.Cron) == "" {
		return fmt.Errorf("scheduler.cron must be set when the scheduler is enabled")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token must be configured")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id must be configured")
		}
	}
	return nil
}

// Location resolves app.timezone; trading dates are computed in it.
func (c *Config) Location() (*time.Location, error) {
	if c.App.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.App.Timezone)
	if err != nil {
		return nil, fmt.Errorf("app.timezone: %w", err)
	}
	return loc, nil
}
