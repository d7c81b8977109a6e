package am

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Engine tunables
	v.SetDefault("drip.bucket_width_seconds", 300)
	v.SetDefault("drip.batch_size", 10)
	v.SetDefault("drip.batch_cooldown_ms", 1000)
	v.SetDefault("drip.fetch_limit", 100)
	v.SetDefault("drip.error_sample_size", 10)
	v.SetDefault("drip.max_failures", 0) // Retry forever, state untouched
	v.SetDefault("drip.execution_retention_days", 90)

	// Database defaults
	v.SetDefault("database.path", "drip.db")

	// Server configuration defaults
	v.SetDefault("server.port", DefaultServerPort)

	// Auth defaults
	v.SetDefault("auth.trigger_secret", "")
	v.SetDefault("auth.max_triggers_per_minute", 60)

	// Transport defaults
	v.SetDefault("transport.kind", TransportLog)
	v.SetDefault("transport.webhook_url", "")
	v.SetDefault("transport.timeout_seconds", 30)
	v.SetDefault("transport.max_sends_per_second", 0)
	v.SetDefault("transport.allow_private_networks", false)

	// Pulse defaults
	v.SetDefault("pulse.self_trigger_interval_seconds", 0)
}

// newDefaultsViper returns an isolated viper holding only the defaults
func newDefaultsViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	return v
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("auth.trigger_secret", "DRIP_AUTH_TRIGGER_SECRET", "CRON_SECRET")
	v.BindEnv("database.path", "DRIP_DATABASE_PATH")
	v.BindEnv("transport.webhook_url", "DRIP_TRANSPORT_WEBHOOK_URL")
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "drip.db" // Fallback default
	}
	return c.Database.Path
}

// GetServerPort returns server.port or DefaultServerPort when unset
func (c *Config) GetServerPort() int {
	if c.Server.Port == nil {
		return DefaultServerPort
	}
	return *c.Server.Port
}

// BucketWidth returns drip.bucket_width_seconds as a duration
func (c *Config) BucketWidth() time.Duration {
	return time.Duration(c.Drip.BucketWidthSeconds) * time.Second
}

// BatchCooldown returns drip.batch_cooldown_ms as a duration
func (c *Config) BatchCooldown() time.Duration {
	return time.Duration(c.Drip.BatchCooldownMS) * time.Millisecond
}

// TransportTimeout returns transport.timeout_seconds as a duration
func (c *Config) TransportTimeout() time.Duration {
	return time.Duration(c.Transport.TimeoutSeconds) * time.Second
}

// SelfTriggerInterval returns pulse.self_trigger_interval_seconds as a duration
func (c *Config) SelfTriggerInterval() time.Duration {
	return time.Duration(c.Pulse.SelfTriggerIntervalSeconds) * time.Second
}

// String returns a string representation of the config. The trigger secret is never printed.
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Transport: %s, Drip: {Bucket: %ds, Batch: %d, Fetch: %d}}",
		c.Database.Path, c.Transport.Kind, c.Drip.BucketWidthSeconds, c.Drip.BatchSize, c.Drip.FetchLimit)
}
