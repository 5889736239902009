package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "METASYNC"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "metasync.db"
	defaultLogLevel     = "info"
	defaultTokenTTLMin  = 30
	defaultNodeID       = 1
	defaultPageSize     = 1000
	defaultBatchSize    = 1000
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	LogLevel           string
	SigningSecret      string
	TokenTTL           time.Duration
	NodeID             int64
	BackplaneListenURL string
	BackplanePeerURLs  []string
	SyncPageSize       int
	BootstrapBatchSize int
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
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMin)
	configViper.SetDefault("node.id", defaultNodeID)
	configViper.SetDefault("backplane.listen_url", "")
	configViper.SetDefault("backplane.peer_urls", []string{})
	configViper.SetDefault("sync.page_size", defaultPageSize)
	configViper.SetDefault("sync.bootstrap_batch_size", defaultBatchSize)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		SigningSecret:      configViper.GetString("auth.signing_secret"),
		TokenTTL:           time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		NodeID:             configViper.GetInt64("node.id"),
		BackplaneListenURL: configViper.GetString("backplane.listen_url"),
		BackplanePeerURLs:  configViper.GetStringSlice("backplane.peer_urls"),
		SyncPageSize:       configViper.GetInt("sync.page_size"),
		BootstrapBatchSize: configViper.GetInt("sync.bootstrap_batch_size"),
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
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.NodeID < 0 {
		return fmt.Errorf("node.id must be non-negative")
	}
	if c.SyncPageSize <= 0 {
		return fmt.Errorf("sync.page_size must be positive")
	}
	if c.BootstrapBatchSize <= 0 {
		return fmt.Errorf("sync.bootstrap_batch_size must be positive")
	}
	return nil
}
