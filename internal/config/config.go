// Package config loads server configuration from a file and CLAUDELENS_*
// environment variables. Environment wins over the file; both win over
// defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the resolved server configuration.
type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string `mapstructure:"listen_addr"`

	// DBPath is the SQLite database file.
	DBPath string `mapstructure:"db_path"`

	// BackupDir holds .claudelens archives and the backup lock.
	BackupDir string `mapstructure:"backup_dir"`

	// SigningSecret keys bearer-token HMACs. Required for token auth;
	// api-key auth works without it.
	SigningSecret string `mapstructure:"signing_secret"`

	// TrustLoopback grants admin to unauthenticated loopback requests.
	// Development convenience only.
	TrustLoopback bool `mapstructure:"trust_loopback"`

	// AdminID is the principal id loopback requests resolve to.
	AdminID string `mapstructure:"admin_id"`

	// PricingURL is the remote model-price table. Empty disables remote
	// refresh; the embedded fallback still applies.
	PricingURL string `mapstructure:"pricing_url"`

	// CompressionLevel for backup archives, 1 (fastest) to 9 (smallest).
	CompressionLevel int `mapstructure:"compression_level"`

	// AttemptRetention bounds how long rate-limit attempt rows are kept.
	AttemptRetention time.Duration `mapstructure:"attempt_retention"`

	// RollupRetention bounds how long usage rollups are kept.
	RollupRetention time.Duration `mapstructure:"rollup_retention"`

	// ShutdownGrace is how long in-flight requests get on SIGTERM.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"log_level"`

	// OTLPEndpoint enables trace export when set (host:port).
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// EnvPrefix namespaces all environment keys, e.g. CLAUDELENS_DB_PATH.
const EnvPrefix = "CLAUDELENS"

func defaults(v *viper.Viper) {
	v.SetDefault("listen_addr", "127.0.0.1:8720")
	v.SetDefault("db_path", "claudelens.db")
	v.SetDefault("backup_dir", "backups")
	v.SetDefault("trust_loopback", false)
	v.SetDefault("admin_id", "admin")
	v.SetDefault("compression_level", 6)
	v.SetDefault("attempt_retention", 7*24*time.Hour)
	v.SetDefault("rollup_retention", 30*24*time.Hour)
	v.SetDefault("shutdown_grace", 15*time.Second)
	v.SetDefault("log_level", "info")
	// Empty defaults so AutomaticEnv can populate keys absent from the
	// config file.
	v.SetDefault("signing_secret", "")
	v.SetDefault("pricing_url", "")
	v.SetDefault("otlp_endpoint", "")
}

// Load reads configuration. path may be empty, in which case only defaults
// and environment apply; a named file that does not exist is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	defaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config unmarshal: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path must not be empty")
	}
	if c.CompressionLevel < 1 || c.CompressionLevel > 9 {
		return fmt.Errorf("compression_level %d out of range 1..9", c.CompressionLevel)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q is not one of debug, info, warn, error", c.LogLevel)
	}
	return nil
}
