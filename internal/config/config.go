package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"fogsync/internal/constants"
	apperrors "fogsync/internal/errors"
	"fogsync/internal/retry"
	"fogsync/internal/security"
	"fogsync/internal/tracing"
)

// Environments.
const (
	EnvProd    = "prod"
	EnvStaging = "staging"
	EnvDev     = "dev"
)

var envAPIURLs = map[string]string{
	EnvProd:    "https://api.fogbender.com/api",
	EnvStaging: "https://api.fogbender-test.com/api",
	EnvDev:     "http://localhost:8000/api",
}

// Config holds the client configuration
type Config struct {
	Env      string `json:"env"`
	APIURL   string `json:"api_url"`
	LogLevel string `json:"log_level"`

	PingIntervalSec       int `json:"ping_interval_sec"`
	SleepCheckIntervalSec int `json:"sleep_check_interval_sec"`
	LongAbsenceSec        int `json:"long_absence_sec"`
	ProbeTimeoutSec       int `json:"probe_timeout_sec"`

	PageSize       int `json:"page_size"`
	RosterPageSize int `json:"roster_page_size"`
	RosterSubLimit int `json:"roster_sub_limit"`

	Reconnect       ReconnectConfig       `json:"reconnect"`
	TokenExchange   TokenExchangeConfig   `json:"token_exchange"`
	CredentialStore CredentialStoreConfig `json:"credential_store"`
	Tracing         tracing.TracingConfig `json:"tracing"`
}

// ReconnectConfig holds the reconnect backoff
type ReconnectConfig struct {
	InitialBackoffMs int     `json:"initial_backoff_ms"`
	MaxBackoffMs     int     `json:"max_backoff_ms"`
	Multiplier       float64 `json:"multiplier"`
	DisableJitter    bool    `json:"disable_jitter"`
}

// TokenExchangeConfig holds the operator side channel settings
type TokenExchangeConfig struct {
	TimeoutSec         int `json:"timeout_sec"`
	BreakerMaxFailures int `json:"breaker_max_failures"`
	BreakerCooldownSec int `json:"breaker_cooldown_sec"`
}

// CredentialStoreConfig selects where visitor credentials persist
type CredentialStoreConfig struct {
	Type string `json:"type"`
	Path string `json:"path"`
	// EncryptionSecret is normally supplied through FOGSYNC_ENCRYPTION_SECRET.
	EncryptionSecret string `json:"-"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := &Config{Env: EnvProd}
	applyDefaults(c)
	return c
}

// LoadConfig reads a JSON config file, applies defaults and environment
// overrides, and validates the result.
func LoadConfig(path string) (*Config, error) {
	if err := security.ValidateFilePath(path); err != nil {
		return nil, apperrors.NewConfigError("path", fmt.Sprintf("invalid config path: %v", err))
	}

	file, err := os.ReadFile(path) // #nosec G304 - Path validated by security.ValidateFilePath above
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidConfig, "failed to read config file")
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidConfig, "failed to parse config file")
	}

	applyEnvironmentOverrides(&config)
	applyDefaults(&config)

	if err := validate(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// FromEnvironment builds a configuration from defaults and environment
// variables only.
func FromEnvironment() (*Config, error) {
	var config Config
	applyEnvironmentOverrides(&config)
	applyDefaults(&config)
	if err := validate(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

func applyDefaults(c *Config) {
	if c.Env == "" {
		c.Env = EnvProd
	}
	if c.APIURL == "" {
		c.APIURL = envAPIURLs[c.Env]
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.PingIntervalSec == 0 {
		c.PingIntervalSec = constants.DefaultPingIntervalSec
	}
	if c.SleepCheckIntervalSec == 0 {
		c.SleepCheckIntervalSec = constants.DefaultSleepCheckIntervalSec
	}
	if c.LongAbsenceSec == 0 {
		c.LongAbsenceSec = constants.DefaultLongAbsenceSec
	}
	if c.ProbeTimeoutSec == 0 {
		c.ProbeTimeoutSec = constants.DefaultProbeTimeoutSec
	}
	if c.PageSize == 0 {
		c.PageSize = constants.DefaultPageSize
	}
	if c.RosterPageSize == 0 {
		c.RosterPageSize = constants.DefaultRosterPageSize
	}
	if c.RosterSubLimit == 0 {
		c.RosterSubLimit = constants.DefaultRosterSubLimit
	}
	if c.Reconnect.InitialBackoffMs == 0 {
		c.Reconnect.InitialBackoffMs = constants.DefaultReconnectMinMs
	}
	if c.Reconnect.MaxBackoffMs == 0 {
		c.Reconnect.MaxBackoffMs = constants.DefaultReconnectMaxMs
	}
	if c.Reconnect.Multiplier == 0 {
		c.Reconnect.Multiplier = 2.0
	}
	if c.TokenExchange.TimeoutSec == 0 {
		c.TokenExchange.TimeoutSec = constants.DefaultTokenExchangeSec
	}
	if c.TokenExchange.BreakerMaxFailures == 0 {
		c.TokenExchange.BreakerMaxFailures = constants.DefaultBreakerMaxFailures
	}
	if c.TokenExchange.BreakerCooldownSec == 0 {
		c.TokenExchange.BreakerCooldownSec = constants.DefaultBreakerCooldownSec
	}
	if c.CredentialStore.Type == "" {
		c.CredentialStore.Type = constants.CredentialStoreMemory
	}
	if c.Tracing == (tracing.TracingConfig{}) {
		c.Tracing = tracing.DefaultTracingConfig()
		c.Tracing.Environment = c.Env
	}
}

func applyEnvironmentOverrides(c *Config) {
	if env := os.Getenv("FOGSYNC_ENV"); env != "" {
		c.Env = env
	}
	if apiURL := os.Getenv("FOGSYNC_API_URL"); apiURL != "" {
		c.APIURL = apiURL
	}
	if level := os.Getenv("FOGSYNC_LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
	if path := os.Getenv("FOGSYNC_DB_PATH"); path != "" {
		c.CredentialStore.Path = path
		if c.CredentialStore.Type == "" {
			c.CredentialStore.Type = constants.CredentialStoreSQLite
		}
	}
	// SECURITY: the credential encryption secret is only read from the
	// environment.
	if secret := os.Getenv("FOGSYNC_ENCRYPTION_SECRET"); secret != "" {
		c.CredentialStore.EncryptionSecret = secret
	}
}

func validate(c *Config) error {
	if _, ok := envAPIURLs[c.Env]; !ok {
		return apperrors.NewConfigError("env", fmt.Sprintf("unknown environment %q", c.Env))
	}
	u, err := url.Parse(c.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return apperrors.NewConfigError("api_url", fmt.Sprintf("api url must be an absolute http(s) url, got %q", c.APIURL))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return apperrors.NewConfigError("log_level", err.Error())
	}

	positive := map[string]int{
		"ping_interval_sec":                   c.PingIntervalSec,
		"sleep_check_interval_sec":            c.SleepCheckIntervalSec,
		"long_absence_sec":                    c.LongAbsenceSec,
		"probe_timeout_sec":                   c.ProbeTimeoutSec,
		"page_size":                           c.PageSize,
		"roster_page_size":                    c.RosterPageSize,
		"roster_sub_limit":                    c.RosterSubLimit,
		"reconnect.initial_backoff_ms":        c.Reconnect.InitialBackoffMs,
		"reconnect.max_backoff_ms":            c.Reconnect.MaxBackoffMs,
		"token_exchange.timeout_sec":          c.TokenExchange.TimeoutSec,
		"token_exchange.breaker_max_failures": c.TokenExchange.BreakerMaxFailures,
		"token_exchange.breaker_cooldown_sec": c.TokenExchange.BreakerCooldownSec,
	}
	for key, v := range positive {
		if v <= 0 {
			return apperrors.NewConfigError(key, fmt.Sprintf("%s must be positive", key))
		}
	}
	if c.Reconnect.MaxBackoffMs < c.Reconnect.InitialBackoffMs {
		return apperrors.NewConfigError("reconnect.max_backoff_ms", "max backoff is below the initial backoff")
	}

	switch c.CredentialStore.Type {
	case constants.CredentialStoreMemory:
	case constants.CredentialStoreSQLite:
		if c.CredentialStore.Path == "" {
			return apperrors.NewConfigError("credential_store.path", "sqlite credential store requires a path")
		}
		if s := c.CredentialStore.EncryptionSecret; s != "" && len(s) < constants.MinEncryptionSecret {
			return apperrors.NewConfigError("credential_store.encryption_secret",
				fmt.Sprintf("encryption secret must be at least %d characters long", constants.MinEncryptionSecret))
		}
	default:
		return apperrors.NewConfigError("credential_store.type", fmt.Sprintf("unknown credential store %q", c.CredentialStore.Type))
	}

	if err := c.Tracing.Validate(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidConfig, "invalid tracing configuration")
	}
	return nil
}

// WebSocketURL derives the realtime endpoint from the API URL.
func (c *Config) WebSocketURL() string {
	base := strings.TrimRight(c.APIURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + constants.WebSocketPath
}

// Level returns the parsed log level, info when unparsable.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// Backoff converts the reconnect settings.
func (c *Config) Backoff() retry.BackoffConfig {
	return retry.BackoffConfig{
		InitialDelay: time.Duration(c.Reconnect.InitialBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(c.Reconnect.MaxBackoffMs) * time.Millisecond,
		Multiplier:   c.Reconnect.Multiplier,
		Jitter:       !c.Reconnect.DisableJitter,
	}
}

func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSec) * time.Second
}

func (c *Config) SleepCheckInterval() time.Duration {
	return time.Duration(c.SleepCheckIntervalSec) * time.Second
}

func (c *Config) LongAbsence() time.Duration {
	return time.Duration(c.LongAbsenceSec) * time.Second
}

func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSec) * time.Second
}

func (c *Config) TokenExchangeTimeout() time.Duration {
	return time.Duration(c.TokenExchange.TimeoutSec) * time.Second
}

func (c *Config) BreakerCooldown() time.Duration {
	return time.Duration(c.TokenExchange.BreakerCooldownSec) * time.Second
}
