package coeditd

import (
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":9350"
	// DefaultStore points the server at the in-memory backend when no store
	// is configured.
	DefaultStore = "mem://"
	// DefaultLockTTL is the baseline edit-lock lifetime handed to new
	// acquirers.
	DefaultLockTTL = 30 * time.Minute
	// DefaultMaxLockTTL is the hard ceiling enforced on user-supplied TTLs.
	DefaultMaxLockTTL = 4 * time.Hour
	// DefaultPresenceTTL is how long a viewer stays listed without a fresh
	// heartbeat.
	DefaultPresenceTTL = 2 * time.Minute
	// DefaultSweepInterval sets the tick frequency for expiry sweeps.
	DefaultSweepInterval = 5 * time.Minute
	// DefaultJSONMaxBytes bounds incoming JSON payloads.
	DefaultJSONMaxBytes = int64(1 << 20)
	// DefaultMetricsListen is the default metrics endpoint (Prometheus
	// scrape). Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty
	// disables).
	DefaultPprofListen = ""
	// DefaultWebhookTimeout bounds a single webhook delivery attempt.
	DefaultWebhookTimeout = 10 * time.Second
	// DefaultShutdownTimeout caps graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultMaxConcurrentStreams bounds concurrent HTTP/2 streams per
	// connection.
	DefaultMaxConcurrentStreams = 256
)

const (
	// DefaultStorageRetryMaxAttempts bounds retries of transient storage
	// failures.
	DefaultStorageRetryMaxAttempts = 5
	// DefaultStorageRetryBaseDelay is the first retry delay.
	DefaultStorageRetryBaseDelay = 50 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the retry delay.
	DefaultStorageRetryMaxDelay = 2 * time.Second
	// DefaultStorageRetryMultiplier grows the delay between attempts.
	DefaultStorageRetryMultiplier = 2.0
)

// Config captures the server configuration.
type Config struct {
	// Listen is the TCP address the HTTP API binds to.
	Listen string
	// Store selects the storage backend: mem:// or sqlite://<path>.
	Store string

	LockTTL       time.Duration
	MaxLockTTL    time.Duration
	PresenceTTL   time.Duration
	SweepInterval time.Duration
	JSONMaxBytes  int64

	StorageRetryMaxAttempts int
	StorageRetryBaseDelay   time.Duration
	StorageRetryMaxDelay    time.Duration
	StorageRetryMultiplier  float64

	// WebhookURLs receive post.published, post.unpublished, and
	// content.created events.
	WebhookURLs []string
	// WebhookTimeout bounds a single delivery attempt.
	WebhookTimeout time.Duration

	// OTLPEndpoint enables trace export when set (host:port, grpc://,
	// grpcs://, http://, or https://).
	OTLPEndpoint string
	// MetricsListen enables the Prometheus scrape endpoint when set.
	MetricsListen string
	// PprofListen enables the pprof debug listener when set.
	PprofListen string
	// HTTPTracing instruments every request with OTel spans.
	HTTPTracing bool

	// HTTP2MaxConcurrentStreams caps concurrent HTTP/2 streams per
	// connection. Zero uses the default, negative disables the cap.
	HTTP2MaxConcurrentStreams int
}

// DefaultConfig returns a Config with all defaults applied.
func DefaultConfig() Config {
	cfg := Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields with defaults.
func (cfg *Config) ApplyDefaults() {
	if strings.TrimSpace(cfg.Listen) == "" {
		cfg.Listen = DefaultListen
	}
	if strings.TrimSpace(cfg.Store) == "" {
		cfg.Store = DefaultStore
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if cfg.MaxLockTTL <= 0 {
		cfg.MaxLockTTL = DefaultMaxLockTTL
	}
	if cfg.PresenceTTL <= 0 {
		cfg.PresenceTTL = DefaultPresenceTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.JSONMaxBytes <= 0 {
		cfg.JSONMaxBytes = DefaultJSONMaxBytes
	}
	if cfg.StorageRetryMaxAttempts <= 0 {
		cfg.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if cfg.StorageRetryBaseDelay <= 0 {
		cfg.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if cfg.StorageRetryMaxDelay <= 0 {
		cfg.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if cfg.StorageRetryMultiplier <= 0 {
		cfg.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
	if cfg.WebhookTimeout <= 0 {
		cfg.WebhookTimeout = DefaultWebhookTimeout
	}
	if cfg.HTTP2MaxConcurrentStreams == 0 {
		cfg.HTTP2MaxConcurrentStreams = DefaultMaxConcurrentStreams
	}
}

// Validate checks the configuration for inconsistencies.
func (cfg *Config) Validate() error {
	cfg.ApplyDefaults()
	if cfg.MaxLockTTL < cfg.LockTTL {
		return fmt.Errorf("config: max lock ttl %s below default lock ttl %s", cfg.MaxLockTTL, cfg.LockTTL)
	}
	if _, err := parseStoreURL(cfg.Store); err != nil {
		return err
	}
	for _, raw := range cfg.WebhookURLs {
		if strings.TrimSpace(raw) == "" {
			return fmt.Errorf("config: empty webhook url")
		}
	}
	return nil
}
