package am

import (
	"net/url"

	"github.com/teranos/drip/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Server port: 0 is invalid (omit for default), negative is invalid
	if c.Server.Port != nil && *c.Server.Port == 0 {
		return errors.New("server.port cannot be 0 (omit for default port 8787)")
	}
	if c.Server.Port != nil && *c.Server.Port < 0 {
		return errors.Newf("server.port must be positive, got %d", *c.Server.Port)
	}

	// Bucket width and batch size drive every run; zero would divide by zero or never progress
	if c.Drip.BucketWidthSeconds <= 0 {
		return errors.Newf("drip.bucket_width_seconds must be > 0, got %d", c.Drip.BucketWidthSeconds)
	}
	if c.Drip.BatchSize <= 0 {
		return errors.Newf("drip.batch_size must be > 0, got %d", c.Drip.BatchSize)
	}
	if c.Drip.FetchLimit <= 0 {
		return errors.Newf("drip.fetch_limit must be > 0, got %d", c.Drip.FetchLimit)
	}

	// Zero means zero: no cooldown, no sample, no dead-letter, no pruning
	if c.Drip.BatchCooldownMS < 0 {
		return errors.Newf("drip.batch_cooldown_ms must be >= 0, got %d", c.Drip.BatchCooldownMS)
	}
	if c.Drip.ErrorSampleSize < 0 {
		return errors.Newf("drip.error_sample_size must be >= 0, got %d", c.Drip.ErrorSampleSize)
	}
	if c.Drip.MaxFailures < 0 {
		return errors.Newf("drip.max_failures must be >= 0, got %d", c.Drip.MaxFailures)
	}
	if c.Drip.ExecutionRetentionDays < 0 {
		return errors.Newf("drip.execution_retention_days must be >= 0, got %d", c.Drip.ExecutionRetentionDays)
	}

	if c.Auth.MaxTriggersPerMinute < 0 {
		return errors.Newf("auth.max_triggers_per_minute must be >= 0, got %d", c.Auth.MaxTriggersPerMinute)
	}

	switch c.Transport.Kind {
	case TransportLog:
	case TransportWebhook:
		if c.Transport.WebhookURL == "" {
			return errors.New("transport.webhook_url cannot be empty when transport.kind is webhook")
		}
		u, err := url.Parse(c.Transport.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.Newf("transport.webhook_url must be an absolute http(s) URL, got %q", c.Transport.WebhookURL)
		}
	default:
		return errors.Newf("transport.kind must be %q or %q, got %q", TransportLog, TransportWebhook, c.Transport.Kind)
	}
	if c.Transport.TimeoutSeconds <= 0 {
		return errors.Newf("transport.timeout_seconds must be > 0, got %d", c.Transport.TimeoutSeconds)
	}
	if c.Transport.MaxSendsPerSecond < 0 {
		return errors.Newf("transport.max_sends_per_second must be >= 0, got %f", c.Transport.MaxSendsPerSecond)
	}

	if c.Pulse.SelfTriggerIntervalSeconds < 0 {
		return errors.Newf("pulse.self_trigger_interval_seconds must be >= 0, got %d", c.Pulse.SelfTriggerIntervalSeconds)
	}

	return nil
}
