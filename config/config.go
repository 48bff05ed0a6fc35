// Package config loads the daemon configuration from beacond.toml and the
// BEACOND_ environment, with env taking precedence.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/beaconhq/beacond/errors"
)

// Config is the full daemon configuration tree.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Blob      BlobConfig      `mapstructure:"blob"`
	Runner    RunnerConfig    `mapstructure:"runner"`
	PageSpeed PageSpeedConfig `mapstructure:"pagespeed"`
	Log       LogConfig       `mapstructure:"log"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// Tokens maps connection tokens to team ids for the websocket channel.
	Tokens map[string][]string `mapstructure:"tokens"`
}

type DispatchConfig struct {
	Workers             int `mapstructure:"workers"`
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`
}

func (c DispatchConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

type SchedulerConfig struct {
	TickIntervalSeconds int `mapstructure:"tick_interval_seconds"`
}

func (c SchedulerConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSeconds) * time.Second
}

type BlobConfig struct {
	Bucket       string `mapstructure:"bucket"`
	Region       string `mapstructure:"region"`
	Endpoint     string `mapstructure:"endpoint"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
}

type RunnerConfig struct {
	Command     string   `mapstructure:"command"`
	Args        []string `mapstructure:"args"`
	CallbackURL string   `mapstructure:"callback_url"`
}

type PageSpeedConfig struct {
	APIURL         string  `mapstructure:"api_url"`
	APIKey         string  `mapstructure:"api_key"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	RatePerSecond  float64 `mapstructure:"rate_per_second"`
}

func (c PageSpeedConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type LogConfig struct {
	JSON  bool `mapstructure:"json"`
	Debug bool `mapstructure:"debug"`
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "beacond.db")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("dispatch.workers", 2)
	v.SetDefault("dispatch.poll_interval_seconds", 1)

	v.SetDefault("scheduler.tick_interval_seconds", 60)

	v.SetDefault("blob.region", "us-east-1")
	v.SetDefault("blob.use_path_style", false)

	v.SetDefault("runner.command", "audit-runner")
	v.SetDefault("runner.callback_url", "http://localhost:8080/api/callback")

	v.SetDefault("pagespeed.api_url", "https://www.googleapis.com/pagespeedonline/v5/runPagespeed")
	v.SetDefault("pagespeed.timeout_seconds", 120)
	v.SetDefault("pagespeed.rate_per_second", 1)

	v.SetDefault("log.json", false)
	v.SetDefault("log.debug", false)
}

// Load reads configuration from the optional file path plus the
// environment. A missing file is not an error; the defaults apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BEACOND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", path)
		}
	} else {
		v.SetConfigName("beacond")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/beacond")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, errors.Wrap(err, "failed to read config")
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &cfg, nil
}
