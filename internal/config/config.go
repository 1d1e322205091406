package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Host string
	Port int
}

type DBConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type BackendConfig struct {
	URL     string
	Timeout time.Duration
}

type WebRTCConfig struct {
	STUNURLs      []string
	GatherTimeout time.Duration
}

type IngestConfig struct {
	Token string
}

type Config struct {
	Environment string
	HTTP        HTTPConfig
	DB          DBConfig
	Backend     BackendConfig
	WebRTC      WebRTCConfig
	Ingest      IngestConfig
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("app")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("./deploy")
	v.AddConfigPath("./internal/config")

	v.AutomaticEnv()

	_ = v.ReadInConfig()

	cfg := &Config{
		Environment: v.GetString("APP_ENV"),
		HTTP: HTTPConfig{
			Host: v.GetString("HTTP_HOST"),
			Port: v.GetInt("HTTP_PORT"),
		},
		DB: DBConfig{
			DSN:             v.GetString("DB_DSN"),
			MaxOpenConns:    v.GetInt("DB_MAX_OPEN_CONNS"),
			MaxIdleConns:    v.GetInt("DB_MAX_IDLE_CONNS"),
			ConnMaxLifetime: v.GetDuration("DB_CONN_MAX_LIFETIME"),
		},
		Backend: BackendConfig{
			URL:     v.GetString("BACKEND_URL"),
			Timeout: v.GetDuration("BACKEND_TIMEOUT"),
		},
		WebRTC: WebRTCConfig{
			STUNURLs:      v.GetStringSlice("STUN_URLS"),
			GatherTimeout: v.GetDuration("ICE_GATHER_TIMEOUT"),
		},
		Ingest: IngestConfig{
			Token: v.GetString("INGEST_TOKEN"),
		},
	}

	if cfg.HTTP.Host == "" {
		cfg.HTTP.Host = "0.0.0.0"
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.Backend.Timeout == 0 {
		cfg.Backend.Timeout = 30 * time.Second
	}
	if cfg.WebRTC.GatherTimeout == 0 {
		cfg.WebRTC.GatherTimeout = 15 * time.Second
	}
	if len(cfg.WebRTC.STUNURLs) == 0 {
		cfg.WebRTC.STUNURLs = []string{"stun:stun.l.google.com:19302"}
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.DB.DSN == "" {
		return fmt.Errorf("DB_DSN is required")
	}
	if cfg.Backend.URL == "" {
		return fmt.Errorf("BACKEND_URL is required")
	}
	return nil
}
