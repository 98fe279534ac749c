package constants

// Protocol values
const (
	ProtocolVersion = "2"
	WebSocketPath   = "/ws/v2"
	TokenPath       = "/token"
)

// Default liveness configuration values
const (
	DefaultPingIntervalSec       = 30
	DefaultSleepCheckIntervalSec = 180
	DefaultLongAbsenceSec        = 900
	DefaultProbeTimeoutSec       = 5
)

// Default paging configuration values
const (
	DefaultPageSize          = 30
	DefaultRosterPageSize    = 30
	DefaultRosterSubLimit    = 10
	DefaultBadgePageSize     = 100
	DefaultRoomPrefetchLimit = 20
	DefaultBadgePrefetch     = 10
)

// Default transport values
const (
	DefaultWriteTimeoutSec    = 10
	DefaultReadLimitBytes     = 32 << 20
	DefaultReconnectMinMs     = 250
	DefaultReconnectMaxMs     = 10000
	DefaultTypingThrottleMs   = 1000
	DefaultDialTimeoutSec     = 15
	DefaultTokenExchangeSec   = 15
	DefaultBreakerMaxFailures = 5
	DefaultBreakerCooldownSec = 30
)

// Server status codes that carry protocol meaning
const (
	StatusUnauthorized = 401
	StatusForbidden    = 403
	StatusNotFound     = 404
	StatusConflict     = 409
)

// Credential store values
const (
	CredentialStoreMemory = "memory"
	CredentialStoreSQLite = "sqlite"
	EncryptionSalt        = "fogsync-visitor-credentials-v1"
	EncryptionLookupSalt  = "fogsync-visitor-lookup-v1"
	EncryptionKeySize     = 32
	EncryptionNonceSize   = 12
	EncryptionIterations  = 100000
	MinEncryptionSecret   = 32
)

// Database retry values
const (
	DefaultDatabaseRetryAttempts = 3
	DefaultDatabaseRetryMs       = 50
	DefaultDatabaseMaxRetryMs    = 500
)

// Privacy settings
const (
	DefaultTokenMaskLength = 4
	DefaultIDMaskLength    = 8
)
