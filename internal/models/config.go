package models

// Config holds the application configuration
type Config struct {
	Backend      BackendConfig      `json:"backend"`
	Database     DatabaseConfig     `json:"database"`
	Queue        QueueConfig        `json:"queue"`
	Retry        RetryConfig        `json:"retry"`
	Server       ServerConfig       `json:"server"`
	Connectivity ConnectivityConfig `json:"connectivity"`
	Tracing      TracingConfig      `json:"tracing"`
	LogLevel     string             `json:"log_level"`
}

// BackendConfig holds chat backend related configurations
type BackendConfig struct {
	BaseURL       string `json:"baseUrl"`
	TimeoutSec    int    `json:"timeoutSec"`
	AuthTokenFile string `json:"authTokenFile"`
}

// DatabaseConfig holds local store related configurations
type DatabaseConfig struct {
	Path string `json:"path"`
}

// QueueConfig holds delivery queue related configurations
type QueueConfig struct {
	Capacity          int `json:"capacity"`
	PersistDebounceMs int `json:"persistDebounceMs"`
	SendTimeoutSec    int `json:"sendTimeoutSec"`
	StaleThresholdMin int `json:"staleThresholdMin"`
}

// RetryConfig holds retry related configurations
type RetryConfig struct {
	InitialBackoffMs int `json:"initialBackoffMs"`
	MaxBackoffMs     int `json:"maxBackoffMs"`
	MaxAttempts      int `json:"maxAttempts"`
}

// ServerConfig holds local API server related configurations
type ServerConfig struct {
	Port            int `json:"port"`
	ReadTimeoutSec  int `json:"readTimeoutSec"`
	WriteTimeoutSec int `json:"writeTimeoutSec"`
	IdleTimeoutSec  int `json:"idleTimeoutSec"`
}

// ConnectivityConfig holds backend reachability probe configurations
type ConnectivityConfig struct {
	ProbeIntervalSec int `json:"probeIntervalSec"`
	ProbeTimeoutSec  int `json:"probeTimeoutSec"`
}

// TracingConfig holds OpenTelemetry exporter configurations
type TracingConfig struct {
	Enabled      bool    `json:"enabled"`
	UseStdout    bool    `json:"useStdout"`
	OTLPEndpoint string  `json:"otlpEndpoint"`
	SampleRate   float64 `json:"sampleRate"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
