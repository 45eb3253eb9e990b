// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"greenhouse-gateway/internal/auth"
)

type Config struct {
	Server struct {
		Address         string        `mapstructure:"address"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
		AllowedOrigins  []string      `mapstructure:"allowed_origins"`
		HistoryLimit    int           `mapstructure:"history_limit"`
	} `mapstructure:"server"`
	MQTT struct {
		Address        string            `mapstructure:"address"`
		AllowAnonymous bool              `mapstructure:"allow_anonymous"`
		Devices        map[string]string `mapstructure:"devices"` // device id -> bcrypt hash; viper lower-cases keys
	} `mapstructure:"mqtt"`
	Storage struct {
		Driver      string `mapstructure:"driver"` // memory | postgres
		DSN         string `mapstructure:"dsn"`
		SeedFile    string `mapstructure:"seed_file"`
		HistorySize int    `mapstructure:"history_size"`
	} `mapstructure:"storage"`
	Influx struct {
		Enabled bool   `mapstructure:"enabled"`
		URL     string `mapstructure:"url"`
		Token   string `mapstructure:"token"`
		Org     string `mapstructure:"org"`
		Bucket  string `mapstructure:"bucket"`
	} `mapstructure:"influx"`
	Ingest struct {
		Workers   int `mapstructure:"workers"`
		QueueSize int `mapstructure:"queue_size"`
	} `mapstructure:"ingest"`
	Scheduler struct {
		Enabled  bool   `mapstructure:"enabled"`
		Hour     int    `mapstructure:"hour"`
		Timezone string `mapstructure:"timezone"`
	} `mapstructure:"scheduler"`
	Auth    auth.Config `mapstructure:"auth"`
	Metrics struct {
		Enabled    bool `mapstructure:"enabled"`
		RequireKey bool `mapstructure:"require_key"`
	} `mapstructure:"metrics"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
}

// Load reads config.yaml from dir (if present), then applies GATEWAY_*
// environment overrides, e.g. GATEWAY_STORAGE_DSN.
func Load(dir string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.history_limit", 20)
	v.SetDefault("mqtt.address", ":1883")
	v.SetDefault("mqtt.allow_anonymous", false)
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.seed_file", "")
	v.SetDefault("storage.history_size", 100)
	v.SetDefault("influx.enabled", false)
	v.SetDefault("influx.url", "http://localhost:8086")
	v.SetDefault("influx.token", "")
	v.SetDefault("influx.org", "")
	v.SetDefault("influx.bucket", "")
	v.SetDefault("ingest.workers", 4)
	v.SetDefault("ingest.queue_size", 256)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.hour", 7)
	v.SetDefault("scheduler.timezone", "Local")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_expiration", 60)
	v.SetDefault("auth.api_keys", []string{})
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks value ranges and required combinations.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not memory or postgres", c.Storage.Driver))
	}
	if c.Influx.Enabled && (c.Influx.Org == "" || c.Influx.Bucket == "" || c.Influx.Token == "") {
		errs = append(errs, errors.New("influx.org, influx.bucket and influx.token are required when influx is enabled"))
	}
	if c.Ingest.Workers < 1 {
		errs = append(errs, fmt.Errorf("ingest.workers must be at least 1, got %d", c.Ingest.Workers))
	}
	if c.Ingest.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("ingest.queue_size must be at least 1, got %d", c.Ingest.QueueSize))
	}
	if c.Scheduler.Hour < 0 || c.Scheduler.Hour > 23 {
		errs = append(errs, fmt.Errorf("scheduler.hour must be within 0-23, got %d", c.Scheduler.Hour))
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	if c.Metrics.RequireKey && len(c.Auth.APIKeys) == 0 {
		errs = append(errs, errors.New("metrics.require_key needs at least one auth.api_keys entry"))
	}
	if !c.MQTT.AllowAnonymous && len(c.MQTT.Devices) == 0 {
		errs = append(errs, errors.New("mqtt.devices is empty and mqtt.allow_anonymous is off; no device could connect"))
	}
	return errors.Join(errs...)
}

// Location returns the scheduler's time zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
