package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/coeditd/api"
)

// SessionConfig configures OpenSession.
type SessionConfig struct {
	// ResourceID is the document to edit.
	ResourceID string
	// LockTTL is the requested lock lifetime; zero uses the server default.
	LockTTL time.Duration
	// Presence configures the embedded presence tracker. ResourceID is
	// filled in automatically.
	Presence PresenceTrackerConfig
	// AutoSave configures the embedded auto-saver. ResourceID is filled in
	// automatically.
	AutoSave AutoSaverConfig
}

// Session bundles an editing session on one resource: the edit lock, a
// presence tracker, and an auto-saver. Close tears all three down and
// releases the lock.
type Session struct {
	client   *Client
	resource string
	lock     api.Lock
	presence *PresenceTracker
	saver    *AutoSaver
}

// OpenSession acquires the edit lock on cfg.ResourceID and starts presence
// tracking and auto-save. A held lock surfaces as *LockConflictError.
func (c *Client) OpenSession(ctx context.Context, cfg SessionConfig) (*Session, error) {
	acquired, err := c.AcquireLock(ctx, cfg.ResourceID, cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	cfg.Presence.ResourceID = cfg.ResourceID
	tracker, err := c.TrackPresence(cfg.Presence)
	if err != nil {
		_, _ = c.ReleaseLock(ctx, cfg.ResourceID, false)
		return nil, err
	}
	cfg.AutoSave.ResourceID = cfg.ResourceID
	saver, err := c.NewAutoSaver(cfg.AutoSave)
	if err != nil {
		_ = tracker.Stop(ctx)
		_, _ = c.ReleaseLock(ctx, cfg.ResourceID, false)
		return nil, err
	}
	return &Session{
		client:   c,
		resource: cfg.ResourceID,
		lock:     acquired.Lock,
		presence: tracker,
		saver:    saver,
	}, nil
}

// Lock returns the lock granted when the session opened.
func (s *Session) Lock() api.Lock {
	return s.lock
}

// Presence returns the session's presence tracker.
func (s *Session) Presence() *PresenceTracker {
	return s.presence
}

// AutoSaver returns the session's auto-saver.
func (s *Session) AutoSaver() *AutoSaver {
	return s.saver
}

// Edit records new draft content for the next debounced save.
func (s *Session) Edit(content string) {
	s.saver.ScheduleSave(content)
}

// Refresh extends the session's lock.
func (s *Session) Refresh(ctx context.Context) error {
	resp, err := s.client.RefreshLock(ctx, s.resource, 0)
	if err != nil {
		return err
	}
	s.lock = resp.Lock
	return nil
}

// Close flushes pending edits, stops the loops, and releases the lock.
func (s *Session) Close(ctx context.Context) error {
	s.saver.TriggerSave()
	s.saver.Close()
	var errs []error
	if err := s.presence.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if _, err := s.client.ReleaseLock(ctx, s.resource, false); err != nil {
		errs = append(errs, fmt.Errorf("release %s: %w", s.resource, err))
	}
	return errors.Join(errs...)
}
