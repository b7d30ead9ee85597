package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	APIBaseURL string `yaml:"api_base_url"`
	TokenFile  string `yaml:"token_file"`
	ListenAddr string `yaml:"listen_addr"`

	LogLevel string `yaml:"log_level"`
	Env      string `yaml:"env"`

	ControlJWTSecret string `yaml:"control_jwt_secret"`
	RedisURL         string `yaml:"redis_url"`

	Transport TransportConfig `yaml:"transport"`
	Receipts  ReceiptConfig   `yaml:"receipts"`
	Cache     CacheConfig     `yaml:"cache"`

	PollInterval time.Duration `yaml:"poll_interval"`
}

type TransportConfig struct {
	ReconnectBase        time.Duration `yaml:"reconnect_base"`
	ReconnectMaxAttempts int           `yaml:"reconnect_max_attempts"`
	ConnectThrottle      time.Duration `yaml:"connect_throttle"`
	ReplayBuffer         int           `yaml:"replay_buffer"`
}

type ReceiptConfig struct {
	Window     time.Duration `yaml:"window"`
	MaxRetries int           `yaml:"max_retries"`
}

type CacheConfig struct {
	UserTTL            time.Duration `yaml:"user_ttl"`
	ChannelListTTL     time.Duration `yaml:"channel_list_ttl"`
	ChannelMessagesTTL time.Duration `yaml:"channel_messages_ttl"`
}

// LoadConfig reads the optional YAML file named by LAZERCHAT_CONFIG and then
// applies environment overrides. Unset values fall back to defaults.
func LoadConfig() (*Config, error) {
	cfg := Default()

	if path := GetEnv("LAZERCHAT_CONFIG", ""); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.APIBaseURL = GetEnv("API_BASE_URL", cfg.APIBaseURL)
	cfg.TokenFile = GetEnv("TOKEN_FILE", cfg.TokenFile)
	cfg.ListenAddr = GetEnv("LISTEN_ADDR", cfg.ListenAddr)
	cfg.Env = GetEnv("ENV", cfg.Env)
	cfg.LogLevel = GetEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.ControlJWTSecret = GetEnv("CONTROL_JWT_SECRET", cfg.ControlJWTSecret)
	cfg.RedisURL = GetEnv("REDIS_URL", cfg.RedisURL)

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"RECONNECT_BASE", &cfg.Transport.ReconnectBase},
		{"CONNECT_THROTTLE", &cfg.Transport.ConnectThrottle},
		{"READ_RECEIPT_WINDOW", &cfg.Receipts.Window},
		{"POLL_INTERVAL", &cfg.PollInterval},
		{"USER_CACHE_TTL", &cfg.Cache.UserTTL},
		{"CHANNEL_LIST_TTL", &cfg.Cache.ChannelListTTL},
		{"CHANNEL_MESSAGES_TTL", &cfg.Cache.ChannelMessagesTTL},
	}
	for _, d := range durations {
		if *d.dst, err = GetEnvDuration(d.key, *d.dst); err != nil {
			return nil, err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"RECONNECT_MAX_ATTEMPTS", &cfg.Transport.ReconnectMaxAttempts},
		{"REPLAY_BUFFER", &cfg.Transport.ReplayBuffer},
		{"READ_RECEIPT_MAX_RETRIES", &cfg.Receipts.MaxRetries},
	}
	for _, i := range ints {
		if *i.dst, err = GetEnvInt(i.key, *i.dst); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		APIBaseURL: "https://lazer-api.g0v0.top",
		TokenFile:  "./.lazerchat/token.json",
		ListenAddr: "127.0.0.1:8081",
		Env:        "development",
		LogLevel:   "info",
		Transport: TransportConfig{
			ReconnectBase:        time.Second,
			ReconnectMaxAttempts: 5,
			ConnectThrottle:      2 * time.Second,
			ReplayBuffer:         64,
		},
		Receipts: ReceiptConfig{
			Window:     1500 * time.Millisecond,
			MaxRetries: 3,
		},
		Cache: CacheConfig{
			UserTTL:            5 * time.Minute,
			ChannelListTTL:     30 * time.Second,
			ChannelMessagesTTL: 2 * time.Minute,
		},
		PollInterval: 60 * time.Second,
	}
}

func GetEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func GetEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func GetEnvInt(key string, defaultValue int) (int, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}
