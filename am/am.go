package am

// Config represents the drip engine configuration
type Config struct {
	Drip      DripConfig      `mapstructure:"drip" toml:"drip"`
	Database  DatabaseConfig  `mapstructure:"database" toml:"database"`
	Server    ServerConfig    `mapstructure:"server" toml:"server"`
	Auth      AuthConfig      `mapstructure:"auth" toml:"auth"`
	Transport TransportConfig `mapstructure:"transport" toml:"transport"`
	Pulse     PulseConfig     `mapstructure:"pulse" toml:"pulse"`
}

// DripConfig holds the run tunables of the sequence engine
type DripConfig struct {
	BucketWidthSeconds     int `mapstructure:"bucket_width_seconds" toml:"bucket_width_seconds"`         // Execution bucket width (default: 300)
	BatchSize              int `mapstructure:"batch_size" toml:"batch_size"`                             // Enrollments processed concurrently per sub-batch (default: 10)
	BatchCooldownMS        int `mapstructure:"batch_cooldown_ms" toml:"batch_cooldown_ms"`               // Pause between sub-batches (default: 1000)
	FetchLimit             int `mapstructure:"fetch_limit" toml:"fetch_limit"`                           // Max due enrollments per run (default: 100)
	ErrorSampleSize        int `mapstructure:"error_sample_size" toml:"error_sample_size"`               // Failures kept on the execution record (default: 10)
	MaxFailures            int `mapstructure:"max_failures" toml:"max_failures"`                         // Consecutive failures before pausing an enrollment (0 = never)
	ExecutionRetentionDays int `mapstructure:"execution_retention_days" toml:"execution_retention_days"` // Age at which finished execution records are pruned (default: 90)
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// ServerConfig configures the trigger HTTP server
type ServerConfig struct {
	Port *int `mapstructure:"port" toml:"port"` // nil = default 8787, 0 is invalid (omit for default)
}

// AuthConfig configures trigger authentication and throttling
type AuthConfig struct {
	TriggerSecret        string `mapstructure:"trigger_secret" toml:"trigger_secret"`
	MaxTriggersPerMinute int    `mapstructure:"max_triggers_per_minute" toml:"max_triggers_per_minute"` // 0 = unlimited
}

// TransportConfig selects and tunes the outbound message transport
type TransportConfig struct {
	Kind              string  `mapstructure:"kind" toml:"kind"` // log | webhook
	WebhookURL        string  `mapstructure:"webhook_url" toml:"webhook_url"`
	TimeoutSeconds    int     `mapstructure:"timeout_seconds" toml:"timeout_seconds"`
	MaxSendsPerSecond float64 `mapstructure:"max_sends_per_second" toml:"max_sends_per_second"` // 0 = unlimited
	// AllowPrivateNetworks lets the webhook reach RFC 1918 / loopback relays (default: false)
	AllowPrivateNetworks bool `mapstructure:"allow_private_networks" toml:"allow_private_networks"`
}

// PulseConfig configures in-process scheduling for `drip serve --self-trigger`
type PulseConfig struct {
	SelfTriggerIntervalSeconds int `mapstructure:"self_trigger_interval_seconds" toml:"self_trigger_interval_seconds"` // 0 = off
}

// Transport kinds
const (
	TransportLog     = "log"
	TransportWebhook = "webhook"
)

// Server port constants
const (
	DefaultServerPort = 8787
)

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)
