// Package config loads zerotap settings from an optional file and
// ZEROTAP_-prefixed environment variables using Viper.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jhahn/go-zerotap/pkg/otp"
)

// EnvPrefix prefixes every environment override, e.g. ZEROTAP_LOG_LEVEL.
const EnvPrefix = "ZEROTAP"

// ErrInvalidConfig indicates a setting failed validation.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config holds zerotap settings.
type Config struct {
	// PackageName is the requesting application's package identifier.
	PackageName string `mapstructure:"package_name"`
	// CertificatePath is a PEM bundle or DER file with the signing
	// certificates.
	CertificatePath string `mapstructure:"certificate_path"`
	// SessionTimeout bounds how long a session listens; 0 waits forever.
	SessionTimeout time.Duration `mapstructure:"session_timeout"`
	// LogLevel is debug, info, warn or error.
	LogLevel string `mapstructure:"log_level"`
	// OTLPEndpoint enables OpenTelemetry log export of events when set
	// (host:port).
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	// OTLPInsecure disables TLS towards OTLPEndpoint.
	OTLPInsecure bool `mapstructure:"otlp_insecure"`
	// CodeDigits is the exact code length; 0 accepts 4 to 8 digits.
	CodeDigits uint `mapstructure:"code_digits"`
	// CodeAlphanumeric accepts letters in codes.
	CodeAlphanumeric bool `mapstructure:"code_alphanumeric"`
	// CodeSecret is an optional base32 TOTP secret shared with the
	// verification backend.
	CodeSecret string `mapstructure:"code_secret"`
	// ProviderLatency delays simulated provider answers.
	ProviderLatency time.Duration `mapstructure:"provider_latency"`
}

// Load reads the config file at path, if path is not empty, then applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("package_name", "")
	v.SetDefault("certificate_path", "")
	v.SetDefault("session_timeout", "0s")
	v.SetDefault("log_level", "info")
	v.SetDefault("otlp_endpoint", "")
	v.SetDefault("otlp_insecure", false)
	v.SetDefault("code_digits", 0)
	v.SetDefault("code_alphanumeric", false)
	v.SetDefault("code_secret", "")
	v.SetDefault("provider_latency", "50ms")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.SessionTimeout < 0 {
		return fmt.Errorf("%w: session_timeout must not be negative", ErrInvalidConfig)
	}
	if c.ProviderLatency < 0 {
		return fmt.Errorf("%w: provider_latency must not be negative", ErrInvalidConfig)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if _, err := c.CodePolicy(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("%w: log_level %q", ErrInvalidConfig, c.LogLevel)
	}
	return level, nil
}

// CodePolicy builds the code policy: TOTP verification when CodeSecret is
// set, shape checks only otherwise.
func (c *Config) CodePolicy() (*otp.Policy, error) {
	cfg := otp.Config{
		Mode:         otp.ModeFormat,
		Digits:       c.CodeDigits,
		Alphanumeric: c.CodeAlphanumeric,
	}
	if c.CodeSecret != "" {
		cfg.Mode = otp.ModeTOTP
		cfg.Secret = c.CodeSecret
	}
	return otp.NewPolicy(cfg)
}
