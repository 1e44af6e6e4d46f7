package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "CARAVEL"
	defaultHTTPAddress  = "0.0.0.0:8787"
	defaultSyncPort     = 8765
	defaultDatabasePath = "caravel-sync.db"
	defaultLogLevel     = "info"
	defaultDeviceName   = "caravel-device"
)

// AppConfig captures runtime configuration for the sync daemon.
type AppConfig struct {
	DeviceID     string
	DeviceName   string
	SyncPort     int
	DatabasePath string
	RelayURL     string
	LogLevel     string
}

// RelayConfig captures runtime configuration for the relay server.
type RelayConfig struct {
	HTTPAddress   string
	SigningSecret string
	LogLevel      string
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
	configViper.SetDefault("sync.port", defaultSyncPort)
	configViper.SetDefault("device.name", defaultDeviceName)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// Load parses sync daemon configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		DeviceID:     configViper.GetString("device.id"),
		DeviceName:   configViper.GetString("device.name"),
		SyncPort:     configViper.GetInt("sync.port"),
		DatabasePath: configViper.GetString("database.path"),
		RelayURL:     configViper.GetString("relay.url"),
		LogLevel:     configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadRelay parses relay server configuration from viper.
func LoadRelay(configViper *viper.Viper) (RelayConfig, error) {
	cfg := RelayConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		SigningSecret: configViper.GetString("relay.signing_secret"),
		LogLevel:      configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return RelayConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DeviceID) == "" {
		return fmt.Errorf("device.id is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.SyncPort <= 0 || c.SyncPort > 65535 {
		return fmt.Errorf("sync.port must be between 1 and 65535")
	}
	return nil
}

func (c RelayConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("relay.signing_secret is required")
	}
	return nil
}
