package collab

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pkt.systems/coeditd/internal/storage"
)

// HeartbeatCommand reports that a user is currently viewing a resource.
type HeartbeatCommand struct {
	ResourceID string
	UserID     string
	UserName   string
}

// HeartbeatResult reports the entry's new expiry.
type HeartbeatResult struct {
	ExpiresAtUnix int64
}

// ViewersCommand lists the active viewers of a resource.
type ViewersCommand struct {
	ResourceID string
}

// ViewersResult carries the non-expired presence entries, newest first.
type ViewersResult struct {
	Viewers []storage.PresenceEntry
}

// Heartbeat upserts the caller's presence entry with a fresh expiry.
func (s *Service) Heartbeat(ctx context.Context, cmd HeartbeatCommand) (*HeartbeatResult, error) {
	if strings.TrimSpace(cmd.ResourceID) == "" {
		return nil, Failure{Code: "missing_resource", Detail: "resource_id is required", HTTPStatus: 400}
	}
	if strings.TrimSpace(cmd.UserID) == "" {
		return nil, Failure{Code: "missing_user", Detail: "user is required", HTTPStatus: 400}
	}
	now := s.clock.Now()
	entry := storage.PresenceEntry{
		ResourceID:     cmd.ResourceID,
		UserID:         cmd.UserID,
		UserName:       cmd.UserName,
		LastSeenAtUnix: now.Unix(),
		ExpiresAtUnix:  now.Add(s.presenceTTL).Unix(),
	}
	if err := s.store.UpsertPresence(ctx, &entry); err != nil {
		return nil, fmt.Errorf("upsert presence: %w", err)
	}
	s.contextLogger(ctx).Trace("presence.heartbeat",
		"resource", cmd.ResourceID,
		"user", cmd.UserID,
		"expires_at", entry.ExpiresAtUnix,
	)
	s.metrics.recordHeartbeat(ctx)
	return &HeartbeatResult{ExpiresAtUnix: entry.ExpiresAtUnix}, nil
}

// ActiveViewers returns the resource's non-expired presence entries ordered
// by last-seen time, newest first. Expired entries are filtered even when
// the sweeper has not removed them yet.
func (s *Service) ActiveViewers(ctx context.Context, cmd ViewersCommand) (*ViewersResult, error) {
	if strings.TrimSpace(cmd.ResourceID) == "" {
		return nil, Failure{Code: "missing_resource", Detail: "resource_id is required", HTTPStatus: 400}
	}
	entries, err := s.store.ListPresence(ctx, cmd.ResourceID)
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	now := s.clock.Now()
	viewers := make([]storage.PresenceEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.Expired(now) {
			continue
		}
		viewers = append(viewers, entry)
	}
	return &ViewersResult{Viewers: viewers}, nil
}

// Leave removes the caller's presence entry immediately, rather than waiting
// for it to expire.
func (s *Service) Leave(ctx context.Context, cmd HeartbeatCommand) error {
	if strings.TrimSpace(cmd.ResourceID) == "" {
		return Failure{Code: "missing_resource", Detail: "resource_id is required", HTTPStatus: 400}
	}
	if strings.TrimSpace(cmd.UserID) == "" {
		return Failure{Code: "missing_user", Detail: "user is required", HTTPStatus: 400}
	}
	if err := s.store.DeletePresence(ctx, cmd.ResourceID, cmd.UserID); err != nil {
		return fmt.Errorf("delete presence: %w", err)
	}
	return nil
}

// SweepExpired removes expired presence entries and lock records. It returns
// the number of entries removed and is safe to run concurrently with normal
// operations: lock deletion is conditional, so a record refreshed mid-sweep
// survives.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	removed := 0
	now := s.clock.Now()

	resources, err := s.store.ListPresenceResources(ctx)
	if err != nil {
		return removed, fmt.Errorf("list presence resources: %w", err)
	}
	for _, resourceID := range resources {
		entries, err := s.store.ListPresence(ctx, resourceID)
		if err != nil {
			return removed, fmt.Errorf("list presence: %w", err)
		}
		for _, entry := range entries {
			if !entry.Expired(now) {
				continue
			}
			if err := s.store.DeletePresence(ctx, resourceID, entry.UserID); err != nil {
				return removed, fmt.Errorf("delete presence: %w", err)
			}
			removed++
		}
	}

	lockResources, err := s.store.ListLockResources(ctx)
	if err != nil {
		return removed, fmt.Errorf("list lock resources: %w", err)
	}
	for _, resourceID := range lockResources {
		rec, etag, err := s.store.LoadLock(ctx, resourceID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("load lock: %w", err)
		}
		if !rec.Expired(now) {
			continue
		}
		err = s.store.DeleteLock(ctx, resourceID, etag)
		if errors.Is(err, storage.ErrCASMismatch) || errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("delete lock: %w", err)
		}
		removed++
	}

	if removed > 0 {
		s.logger.Debug("sweep.expired", "removed", removed)
		s.metrics.recordSweep(ctx, removed)
	}
	return removed, nil
}
