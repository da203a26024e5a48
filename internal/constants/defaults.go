package constants

// Default queue configuration values
const (
	DefaultQueueCapacity         = 1000
	DefaultMaxSendAttempts       = 5
	DefaultRetryBackoffMs        = 1000
	DefaultMaxBackoffMs          = 30000
	DefaultBackoffMultiplier     = 2.0
	DefaultBackoffJitter         = 0.1
	DefaultPersistDebounceMs     = 100
	DefaultStaleThresholdMin     = 5
	DefaultStaleCheckIntervalSec = 60
)

// Default timeout values
const (
	DefaultHTTPTimeoutSec         = 30
	DefaultSendTimeoutSec         = 30
	DefaultStorageProbeTimeoutMs  = 500
	DefaultPersistWriteTimeoutSec = 5
	DefaultDatabaseRetryAttempts  = 3
	DefaultGracefulShutdownSec    = 30
	DefaultServerReadTimeoutSec   = 15
	DefaultServerWriteTimeoutSec  = 15
	DefaultServerIdleTimeoutSec   = 60
)

// Default connectivity probe values
const (
	DefaultProbeIntervalSec = 15
	DefaultProbeTimeoutSec  = 5
)

// Default server configuration values
const (
	DefaultServerPort       = 8077
	DefaultAPIRateLimit     = 300
	DefaultAPIRateWindowSec = 60
)

// Validation bounds for enqueue payloads
const (
	MaxBodyLength       = 10000
	MaxChannelIDLength  = 128
	MaxAuthorNameLength = 128
	MaxMutationIDLength = 128
	MaxHTTPRequestBytes = 64 * 1024
)

// Storage keys for the local key-value store
const (
	QueueStorageKey = "flack.outbox"
	ProbeStorageKey = "flack.storage.probe"
)

// At-rest encryption settings
const (
	EncryptionSalt      = "flack-store-v1"
	MinEncryptionSecret = 32
)
