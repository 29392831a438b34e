package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "EASEL"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabasePath     = "easel.db"
	defaultLogLevel         = "info"
	defaultTokenTTLMinutes  = 30
	defaultSnapshotRetain   = 10
	defaultSendQueueEntries = 64
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress     string
	SigningSecret   string
	BootstrapSecret string
	DatabasePath    string
	LogLevel        string
	TokenTTL        time.Duration
	SnapshotRetain  int
	SendQueueSize   int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("snapshot.retain", defaultSnapshotRetain)
	configViper.SetDefault("realtime.send_queue_size", defaultSendQueueEntries)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		SigningSecret:   configViper.GetString("auth.signing_secret"),
		BootstrapSecret: configViper.GetString("auth.bootstrap_secret"),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		TokenTTL:        time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		SnapshotRetain:  configViper.GetInt("snapshot.retain"),
		SendQueueSize:   configViper.GetInt("realtime.send_queue_size"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.BootstrapSecret) == "" {
		return fmt.Errorf("auth.bootstrap_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.SnapshotRetain <= 0 {
		return fmt.Errorf("snapshot.retain must be positive")
	}
	return nil
}
