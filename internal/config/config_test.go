package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fogsync/internal/constants"
	apperrors "fogsync/internal/errors"
)

var configEnv = []string{
	"FOGSYNC_ENV",
	"FOGSYNC_API_URL",
	"FOGSYNC_LOG_LEVEL",
	"FOGSYNC_DB_PATH",
	"FOGSYNC_ENCRYPTION_SECRET",
}

// clearEnv blanks every override for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range configEnv {
		t.Setenv(key, "")
	}
}

func TestLoadConfig(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	tests := []struct {
		name      string
		content   string
		wantErr   bool
		errorKey  string
		checkFunc func(t *testing.T, c *Config)
	}{
		{
			name:    "empty object takes prod defaults",
			content: `{}`,
			checkFunc: func(t *testing.T, c *Config) {
				assert.Equal(t, EnvProd, c.Env)
				assert.Equal(t, "https://api.fogbender.com/api", c.APIURL)
				assert.Equal(t, "info", c.LogLevel)
				assert.Equal(t, constants.DefaultPingIntervalSec, c.PingIntervalSec)
				assert.Equal(t, constants.DefaultSleepCheckIntervalSec, c.SleepCheckIntervalSec)
				assert.Equal(t, constants.DefaultLongAbsenceSec, c.LongAbsenceSec)
				assert.Equal(t, constants.DefaultProbeTimeoutSec, c.ProbeTimeoutSec)
				assert.Equal(t, constants.DefaultPageSize, c.PageSize)
				assert.Equal(t, constants.DefaultRosterSubLimit, c.RosterSubLimit)
				assert.Equal(t, constants.CredentialStoreMemory, c.CredentialStore.Type)
				assert.False(t, c.Tracing.Enabled)
			},
		},
		{
			name: "explicit values are kept",
			content: `{
				"env": "dev",
				"api_url": "http://127.0.0.1:9000/api",
				"log_level": "debug",
				"ping_interval_sec": 10,
				"page_size": 50,
				"reconnect": {"initial_backoff_ms": 100, "max_backoff_ms": 2000},
				"credential_store": {"type": "sqlite", "path": "/var/lib/fogsync/creds.db"}
			}`,
			checkFunc: func(t *testing.T, c *Config) {
				assert.Equal(t, "http://127.0.0.1:9000/api", c.APIURL)
				assert.Equal(t, logrus.DebugLevel, c.Level())
				assert.Equal(t, 10*time.Second, c.PingInterval())
				assert.Equal(t, 50, c.PageSize)
				assert.Equal(t, 100*time.Millisecond, c.Backoff().InitialDelay)
				assert.Equal(t, 2*time.Second, c.Backoff().MaxDelay)
				assert.True(t, c.Backoff().Jitter)
				assert.Equal(t, "/var/lib/fogsync/creds.db", c.CredentialStore.Path)
			},
		},
		{
			name:     "unknown env",
			content:  `{"env": "mars"}`,
			wantErr:  true,
			errorKey: "env",
		},
		{
			name:     "negative interval",
			content:  `{"ping_interval_sec": -1}`,
			wantErr:  true,
			errorKey: "ping_interval_sec",
		},
		{
			name:     "sqlite without path",
			content:  `{"credential_store": {"type": "sqlite"}}`,
			wantErr:  true,
			errorKey: "credential_store.path",
		},
		{
			name:     "unknown store",
			content:  `{"credential_store": {"type": "redis"}}`,
			wantErr:  true,
			errorKey: "credential_store.type",
		},
		{
			name:     "relative api url",
			content:  `{"api_url": "api.example.com"}`,
			wantErr:  true,
			errorKey: "api_url",
		},
		{
			name:     "bad log level",
			content:  `{"log_level": "loud"}`,
			wantErr:  true,
			errorKey: "log_level",
		},
		{
			name:     "inverted backoff",
			content:  `{"reconnect": {"initial_backoff_ms": 5000, "max_backoff_ms": 100}}`,
			wantErr:  true,
			errorKey: "reconnect.max_backoff_ms",
		},
		{
			name:    "malformed json",
			content: `{"env": `,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, "config.json")
			writeConfig(t, dir, tt.content)

			c, err := LoadConfig(path)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, apperrors.ErrCodeInvalidConfig, apperrors.GetCode(err))
				if tt.errorKey != "" {
					var appErr *apperrors.AppError
					require.ErrorAs(t, err, &appErr)
					assert.Equal(t, tt.errorKey, appErr.Context["config_key"])
				}
				return
			}
			require.NoError(t, err)
			tt.checkFunc(t, c)
		})
	}
}

func TestLoadConfig_BadPath(t *testing.T) {
	_, err := LoadConfig("../etc/config.json")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidConfig, apperrors.GetCode(err))

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestEnvironmentOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, t.TempDir(), `{"env": "prod", "log_level": "warn"}`)

	t.Setenv("FOGSYNC_ENV", "dev")
	t.Setenv("FOGSYNC_LOG_LEVEL", "debug")
	t.Setenv("FOGSYNC_DB_PATH", "/tmp/fogsync.db")
	t.Setenv("FOGSYNC_ENCRYPTION_SECRET", "0123456789abcdef0123456789abcdef")

	c, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, EnvDev, c.Env)
	assert.Equal(t, "http://localhost:8000/api", c.APIURL)
	assert.Equal(t, "debug", c.LogLevel)
	assert.Equal(t, constants.CredentialStoreSQLite, c.CredentialStore.Type)
	assert.Equal(t, "/tmp/fogsync.db", c.CredentialStore.Path)
	assert.Equal(t, "0123456789abcdef0123456789abcdef", c.CredentialStore.EncryptionSecret)
}

func TestEnvironmentOverrides_APIURLWins(t *testing.T) {
	clearEnv(t)
	t.Setenv("FOGSYNC_ENV", "dev")
	t.Setenv("FOGSYNC_API_URL", "http://devbox:8000/api")

	c, err := FromEnvironment()
	require.NoError(t, err)

	assert.Equal(t, "http://devbox:8000/api", c.APIURL)
	assert.Equal(t, "ws://devbox:8000/api/ws/v2", c.WebSocketURL())
}

func TestShortEncryptionSecretRejected(t *testing.T) {
	clearEnv(t)
	t.Setenv("FOGSYNC_DB_PATH", "/tmp/fogsync.db")
	t.Setenv("FOGSYNC_ENCRYPTION_SECRET", "short")

	_, err := FromEnvironment()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 32 characters")
}

func TestWebSocketURL(t *testing.T) {
	tests := []struct {
		apiURL string
		want   string
	}{
		{"https://api.fogbender.com/api", "wss://api.fogbender.com/api/ws/v2"},
		{"https://api.fogbender-test.com/api/", "wss://api.fogbender-test.com/api/ws/v2"},
		{"http://localhost:8000/api", "ws://localhost:8000/api/ws/v2"},
	}
	for _, tt := range tests {
		c := &Config{APIURL: tt.apiURL}
		assert.Equal(t, tt.want, c.WebSocketURL(), tt.apiURL)
	}
}

func TestDefault(t *testing.T) {
	c := Default()

	assert.Equal(t, EnvProd, c.Env)
	assert.Equal(t, "wss://api.fogbender.com/api/ws/v2", c.WebSocketURL())
	assert.Equal(t, 30*time.Second, c.PingInterval())
	assert.Equal(t, 3*time.Minute, c.SleepCheckInterval())
	assert.Equal(t, 15*time.Minute, c.LongAbsence())
	assert.Equal(t, 5*time.Second, c.ProbeTimeout())
	assert.Equal(t, 15*time.Second, c.TokenExchangeTimeout())
	assert.Equal(t, 30*time.Second, c.BreakerCooldown())
	require.NoError(t, validate(c))
}
