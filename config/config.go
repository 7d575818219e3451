package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/warp/loan-engine/loan"
)

// Config holds all application configuration
type Config struct {
	App          AppConfig
	HTTP         HTTPConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	Lock         LockConfig
	COB          COBConfig
	Accounting   AccountingConfig
	Log          LogConfig
	BusinessDate string // YYYY-MM-DD; empty follows the wall clock
}

type AppConfig struct {
	Name string
	Env  string
	Port int
}

type HTTPConfig struct {
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	IdleTimeout      time.Duration
	CORSAllowOrigins []string
}

// DatabaseConfig points at the SQLite file; ":memory:" keeps everything in process.
type DatabaseConfig struct {
	Path string
}

// RedisConfig enables the shared loan mutex and posting dedup when Enabled.
type RedisConfig struct {
	Enabled   bool
	Host      string
	Port      int
	Password  string
	DB        int
	KeyPrefix string
}

type LockConfig struct {
	Timeout  time.Duration // wait for the per-loan mutex
	MutexTTL time.Duration // lease on the Redis mutex key
}

type COBConfig struct {
	Enabled  bool // periodic catch-up
	Interval time.Duration

	// InlineOnStale runs inline COB before mutating a stale loan.
	InlineOnStale bool
}

type AccountingConfig struct {
	PostgresDSN string // empty keeps journals in memory
	DedupTTL    time.Duration
}

type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// Load reads configuration from config.toml and LOAN_ environment variables.
// Priority (highest to lowest):
// 1. Environment variables (e.g. LOAN_LOCK_TIMEOUT)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file path.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/loan-engine")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("LOAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetInt("app.port"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:      v.GetDuration("http.read_timeout"),
			WriteTimeout:     v.GetDuration("http.write_timeout"),
			IdleTimeout:      v.GetDuration("http.idle_timeout"),
			CORSAllowOrigins: v.GetStringSlice("http.cors_allow_origins"),
		},
		Database: DatabaseConfig{
			Path: v.GetString("database.path"),
		},
		Redis: RedisConfig{
			Enabled:   v.GetBool("redis.enabled"),
			Host:      v.GetString("redis.host"),
			Port:      v.GetInt("redis.port"),
			Password:  v.GetString("redis.password"),
			DB:        v.GetInt("redis.db"),
			KeyPrefix: v.GetString("redis.key_prefix"),
		},
		Lock: LockConfig{
			Timeout:  v.GetDuration("lock.timeout"),
			MutexTTL: v.GetDuration("lock.mutex_ttl"),
		},
		COB: COBConfig{
			Enabled:       v.GetBool("cob.enabled"),
			Interval:      v.GetDuration("cob.interval"),
			InlineOnStale: v.GetBool("cob.inline_on_stale"),
		},
		Accounting: AccountingConfig{
			PostgresDSN: v.GetString("accounting.postgres_dsn"),
			DedupTTL:    v.GetDuration("accounting.dedup_ttl"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		BusinessDate: v.GetString("business_date"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "loan-engine")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", 8080)
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 15*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.cors_allow_origins", []string{"*"})
	v.SetDefault("database.path", "loans.db")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.key_prefix", "loan:mutex:")
	v.SetDefault("lock.timeout", 5*time.Second)
	v.SetDefault("lock.mutex_ttl", 30*time.Second)
	v.SetDefault("cob.enabled", true)
	v.SetDefault("cob.interval", time.Hour)
	v.SetDefault("cob.inline_on_stale", true)
	v.SetDefault("accounting.dedup_ttl", 72*time.Hour)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")
}

func (c *Config) validate() error {
	if c.App.Port <= 0 || c.App.Port > 65535 {
		return fmt.Errorf("app.port out of range: %d", c.App.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Lock.Timeout <= 0 {
		return fmt.Errorf("lock.timeout must be positive")
	}
	if c.Redis.Enabled && c.Lock.MutexTTL <= c.Lock.Timeout {
		return fmt.Errorf("lock.mutex_ttl (%s) must exceed lock.timeout (%s)", c.Lock.MutexTTL, c.Lock.Timeout)
	}
	if c.COB.Enabled && c.COB.Interval <= 0 {
		return fmt.Errorf("cob.interval must be positive when cob is enabled")
	}
	if c.BusinessDate != "" {
		if _, err := loan.ParseDate(c.BusinessDate); err != nil {
			return fmt.Errorf("business_date: %w", err)
		}
	}
	if c.App.Env == "production" {
		for _, origin := range c.HTTP.CORSAllowOrigins {
			if origin == "*" {
				return fmt.Errorf("http.cors_allow_origins cannot be '*' in production")
			}
		}
		if c.BusinessDate != "" {
			return fmt.Errorf("business_date cannot be pinned in production")
		}
	}
	return nil
}

// Clock returns a fixed clock when a business date is pinned, else the
// system clock.
func (c *Config) Clock() loan.Clock {
	if c.BusinessDate == "" {
		return loan.SystemClock{}
	}
	d, _ := loan.ParseDate(c.BusinessDate)
	return loan.NewFixedClock(d)
}

// Addr is host:port of the Redis server.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}
