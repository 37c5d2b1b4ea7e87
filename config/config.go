package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jaywantadh/ferry/pkg/logging"
)

// AppConfig holds the application-level configuration
type AppConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	Timeout        time.Duration `mapstructure:"timeout"`
	LoginAttempts  int           `mapstructure:"login_attempts"`
	CacheSize      int           `mapstructure:"cache_size"`
	Workers        int           `mapstructure:"workers"`
	BatchPolicy    string        `mapstructure:"batch_policy"`
	JournalPath    string        `mapstructure:"journal_path"`
	KnownHostsFile string        `mapstructure:"known_hosts_file"`
	IdentityFile   string        `mapstructure:"identity_file"`
	S3Region       string        `mapstructure:"s3_region"`
	S3Endpoint     string        `mapstructure:"s3_endpoint"`
	IRODSZone      string        `mapstructure:"irods_zone"`
	IRODSResource  string        `mapstructure:"irods_resource"`
	MetricsAddr    string        `mapstructure:"metrics_addr"`
	LogLevel       string        `mapstructure:"log_level"`
}

// Default returns the built-in defaults.
func Default() *AppConfig {
	return &AppConfig{
		BufferSize:    32 * 1024,
		Timeout:       30 * time.Second,
		LoginAttempts: 3,
		CacheSize:     1000,
		Workers:       2,
		BatchPolicy:   "continue",
		JournalPath:   "./data/journal",
		S3Region:      "us-east-1",
		LogLevel:      "info",
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("buffer_size", d.BufferSize)
	v.SetDefault("timeout", d.Timeout)
	v.SetDefault("login_attempts", d.LoginAttempts)
	v.SetDefault("cache_size", d.CacheSize)
	v.SetDefault("workers", d.Workers)
	v.SetDefault("batch_policy", d.BatchPolicy)
	v.SetDefault("journal_path", d.JournalPath)
	v.SetDefault("known_hosts_file", d.KnownHostsFile)
	v.SetDefault("identity_file", d.IdentityFile)
	v.SetDefault("s3_region", d.S3Region)
	v.SetDefault("s3_endpoint", d.S3Endpoint)
	v.SetDefault("irods_zone", d.IRODSZone)
	v.SetDefault("irods_resource", d.IRODSResource)
	v.SetDefault("metrics_addr", d.MetricsAddr)
	v.SetDefault("log_level", d.LogLevel)
}

// Load reads config.yaml from path, overlays FERRY_* environment variables
// and validates the result. A missing config file is not an error.
func Load(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(path)
	v.SetEnvPrefix("ferry")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		logging.Log.Debugf("no config file in %s, using defaults", path)
	}

	var appConfig AppConfig
	if err := v.Unmarshal(&appConfig); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	if err := appConfig.Validate(); err != nil {
		return nil, err
	}
	return &appConfig, nil
}

// Validate checks value ranges.
func (c *AppConfig) Validate() error {
	if c.BufferSize <= 0 {
		return fmt.Errorf("buffer_size must be positive")
	}
	if c.LoginAttempts <= 0 {
		return fmt.Errorf("login_attempts must be positive")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.CacheSize < 0 {
		return fmt.Errorf("cache_size must not be negative")
	}
	switch c.BatchPolicy {
	case "continue", "fail-fast":
	default:
		return fmt.Errorf("batch_policy must be \"continue\" or \"fail-fast\", got %q", c.BatchPolicy)
	}
	return nil
}
