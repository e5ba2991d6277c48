// Package collab hosts the transport-agnostic coordination services: edit
// locks, presence tracking, and the review workflow. Handlers and clients
// talk to it through command/result structs; all persistence goes through
// storage.Backend with conditional writes.
package collab

import (
	"context"
	"time"

	"pkt.systems/coeditd/internal/clock"
	"pkt.systems/coeditd/internal/loggingutil"
	"pkt.systems/coeditd/internal/storage"
	"pkt.systems/pslog"
)

// EventPublisher delivers domain events to external collaborators. Delivery
// is best-effort; implementations must not block the caller.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, payload any)
}

// CacheInvalidator is notified when a resource's published output changes.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, resourceID string) error
}

// CacheInvalidatorFunc adapts a function to the CacheInvalidator interface.
type CacheInvalidatorFunc func(ctx context.Context, resourceID string) error

// Invalidate calls f.
func (f CacheInvalidatorFunc) Invalidate(ctx context.Context, resourceID string) error {
	return f(ctx, resourceID)
}

// Config parameterizes the Service.
type Config struct {
	Store       storage.Backend
	Logger      pslog.Logger
	Clock       clock.Clock
	LockTTL     time.Duration
	MaxLockTTL  time.Duration
	PresenceTTL time.Duration
	Events      EventPublisher
	Cache       CacheInvalidator
}

// Service aggregates the coordination services behind transport-neutral
// operations.
type Service struct {
	store       storage.Backend
	logger      pslog.Logger
	clock       clock.Clock
	lockTTL     time.Duration
	maxLockTTL  time.Duration
	presenceTTL time.Duration
	events      EventPublisher
	cache       CacheInvalidator
	metrics     *serviceMetrics
}

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultLockTTL     = 30 * time.Minute
	DefaultMaxLockTTL  = 4 * time.Hour
	DefaultPresenceTTL = 2 * time.Minute
)

// New constructs the Service with sane defaults.
func New(cfg Config) *Service {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	maxLockTTL := cfg.MaxLockTTL
	if maxLockTTL <= 0 {
		maxLockTTL = DefaultMaxLockTTL
	}
	presenceTTL := cfg.PresenceTTL
	if presenceTTL <= 0 {
		presenceTTL = DefaultPresenceTTL
	}
	logger := loggingutil.EnsureLogger(cfg.Logger)
	return &Service{
		store:       cfg.Store,
		logger:      logger,
		clock:       clk,
		lockTTL:     lockTTL,
		maxLockTTL:  maxLockTTL,
		presenceTTL: presenceTTL,
		events:      cfg.Events,
		cache:       cfg.Cache,
		metrics:     newServiceMetrics(logger),
	}
}

func (s *Service) contextLogger(ctx context.Context) pslog.Logger {
	if logger := pslog.LoggerFromContext(ctx); logger != nil {
		return logger
	}
	return s.logger
}

// resolveTTL clamps a requested TTL in seconds to the configured bounds,
// falling back to the default when unset.
func (s *Service) resolveTTL(seconds int64) time.Duration {
	if seconds <= 0 {
		return s.lockTTL
	}
	ttl := time.Duration(seconds) * time.Second
	if ttl > s.maxLockTTL {
		return s.maxLockTTL
	}
	return ttl
}

func (s *Service) publishEvent(eventType string, payload any) {
	if s.events == nil {
		return
	}
	s.events.Publish(context.Background(), eventType, payload)
}

func (s *Service) invalidateCache(resourceID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(context.Background(), resourceID); err != nil {
		s.logger.Warn("cache.invalidate.failed", "resource", resourceID, "error", err)
	}
}
