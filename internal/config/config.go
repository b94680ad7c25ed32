package config

import (
	"time"

	"github.com/spf13/viper"
)

type AppConfig struct {
	Env  string `mapstructure:"env"`
	Port int    `mapstructure:"port"`
}

type UpstreamConfig struct {
	BaseURL               string `mapstructure:"base_url"`
	WSURL                 string `mapstructure:"ws_url"`
	PageLimit             int    `mapstructure:"page_limit"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds"`
	ReconnectMaxAttempts  uint64 `mapstructure:"reconnect_max_attempts"`
	ReconnectDelaySeconds int    `mapstructure:"reconnect_delay_seconds"`
	BreakerMaxFailures    uint32 `mapstructure:"breaker_max_failures"`
	BreakerTimeoutSeconds int    `mapstructure:"breaker_timeout_seconds"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
	TTLHours int    `mapstructure:"ttl_hours"`
}

type KafkaConfig struct {
	Brokers     []string `mapstructure:"brokers"`
	TopicEvents string   `mapstructure:"topic_notification_events"`
}

type AlertConfig struct {
	TTLSeconds int `mapstructure:"ttl_seconds"`
	MaxVisible int `mapstructure:"max_visible"`
}

type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Alerts   AlertConfig    `mapstructure:"alerts"`
	Log      struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`

	// derived
	RequestTimeout time.Duration
	ReconnectDelay time.Duration
	BreakerTimeout time.Duration
	RedisTTL       time.Duration
	AlertTTL       time.Duration
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}
	if c.App.Port == 0 {
		c.App.Port = 8087
	}
	if c.Upstream.PageLimit == 0 {
		c.Upstream.PageLimit = 100
	}
	if c.Upstream.RequestTimeoutSeconds == 0 {
		c.Upstream.RequestTimeoutSeconds = 10
	}
	if c.Upstream.ReconnectMaxAttempts == 0 {
		c.Upstream.ReconnectMaxAttempts = 10
	}
	if c.Upstream.ReconnectDelaySeconds == 0 {
		c.Upstream.ReconnectDelaySeconds = 3
	}
	if c.Upstream.BreakerMaxFailures == 0 {
		c.Upstream.BreakerMaxFailures = 5
	}
	if c.Upstream.BreakerTimeoutSeconds == 0 {
		c.Upstream.BreakerTimeoutSeconds = 30
	}
	if c.Redis.TTLHours == 0 {
		c.Redis.TTLHours = 72
	}
	if c.Alerts.TTLSeconds == 0 {
		c.Alerts.TTLSeconds = 6
	}
	if c.Alerts.MaxVisible == 0 {
		c.Alerts.MaxVisible = 5
	}
	c.RequestTimeout = time.Duration(c.Upstream.RequestTimeoutSeconds) * time.Second
	c.ReconnectDelay = time.Duration(c.Upstream.ReconnectDelaySeconds) * time.Second
	c.BreakerTimeout = time.Duration(c.Upstream.BreakerTimeoutSeconds) * time.Second
	c.RedisTTL = time.Duration(c.Redis.TTLHours) * time.Hour
	c.AlertTTL = time.Duration(c.Alerts.TTLSeconds) * time.Second
	return &c, nil
}
