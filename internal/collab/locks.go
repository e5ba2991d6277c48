package collab

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"pkt.systems/coeditd/internal/storage"
)

// AcquireCommand requests an exclusive edit lock.
type AcquireCommand struct {
	ResourceID string
	HolderID   string
	HolderName string
	TTLSeconds int64
}

// AcquireResult reports the granted lock. Refreshed is true when the caller
// already held the lock and its expiry was extended.
type AcquireResult struct {
	Lock      storage.LockRecord
	Refreshed bool
}

// RefreshCommand extends a held lock.
type RefreshCommand struct {
	ResourceID string
	HolderID   string
	TTLSeconds int64
}

// RefreshResult reports the new expiry.
type RefreshResult struct {
	Lock storage.LockRecord
}

// ReleaseCommand releases a held lock. Force releases regardless of holder.
type ReleaseCommand struct {
	ResourceID string
	HolderID   string
	Force      bool
}

// ReleaseResult reports whether a live lock was actually removed.
type ReleaseResult struct {
	Released bool
}

// TakeoverCommand forcibly transfers the lock to a new holder.
type TakeoverCommand struct {
	ResourceID string
	HolderID   string
	HolderName string
	TTLSeconds int64
}

// TakeoverResult carries the new lock and the displaced record, if any.
type TakeoverResult struct {
	Lock     storage.LockRecord
	Previous *storage.LockRecord
}

// StatusCommand queries lock state for a resource.
type StatusCommand struct {
	ResourceID  string
	RequesterID string
}

// StatusResult describes the current lock, if one is live.
type StatusResult struct {
	Locked  bool
	IsOwner bool
	Lock    *storage.LockRecord
}

// Acquire obtains the edit lock for a resource. Re-acquiring a lock the
// caller already holds refreshes it. A live lock held by someone else fails
// with a conflict carrying the current record.
func (s *Service) Acquire(ctx context.Context, cmd AcquireCommand) (*AcquireResult, error) {
	if err := validateResourceHolder(cmd.ResourceID, cmd.HolderID); err != nil {
		return nil, err
	}
	logger := s.contextLogger(ctx)
	ttl := s.resolveTTL(cmd.TTLSeconds)
	logger.Debug("lock.acquire.begin",
		"resource", cmd.ResourceID,
		"holder", cmd.HolderID,
		"ttl_seconds", ttl.Seconds(),
	)

	for {
		now := s.clock.Now()
		current, etag, err := s.store.LoadLock(ctx, cmd.ResourceID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("load lock: %w", err)
		}
		if current != nil && current.Expired(now) {
			current = nil
		}
		if current != nil {
			if current.HolderID != cmd.HolderID {
				logger.Info("lock.acquire.conflict",
					"resource", cmd.ResourceID,
					"holder", cmd.HolderID,
					"current_holder", current.HolderID,
					"expires_at", current.ExpiresAtUnix,
				)
				s.metrics.recordLockOp(ctx, "acquire", "conflict")
				return nil, Failure{
					Code:       "lock_conflict",
					Detail:     fmt.Sprintf("resource locked by %s", current.HolderID),
					RetryAfter: current.ExpiresAtUnix - now.Unix(),
					Lock:       current,
					HTTPStatus: 409,
				}
			}
			refreshed := *current
			refreshed.ExpiresAtUnix = now.Add(ttl).Unix()
			if cmd.HolderName != "" {
				refreshed.HolderName = cmd.HolderName
			}
			if _, err := s.store.StoreLock(ctx, cmd.ResourceID, &refreshed, etag); err != nil {
				if errors.Is(err, storage.ErrCASMismatch) || errors.Is(err, storage.ErrNotFound) {
					continue
				}
				return nil, fmt.Errorf("store lock: %w", err)
			}
			logger.Info("lock.acquire.refreshed",
				"resource", cmd.ResourceID,
				"holder", cmd.HolderID,
				"expires_at", refreshed.ExpiresAtUnix,
			)
			s.metrics.recordLockOp(ctx, "acquire", "refreshed")
			return &AcquireResult{Lock: refreshed, Refreshed: true}, nil
		}

		rec := storage.LockRecord{
			ResourceID:     cmd.ResourceID,
			ID:             uuid.NewString(),
			HolderID:       cmd.HolderID,
			HolderName:     cmd.HolderName,
			AcquiredAtUnix: now.Unix(),
			ExpiresAtUnix:  now.Add(ttl).Unix(),
		}
		if _, err := s.store.StoreLock(ctx, cmd.ResourceID, &rec, etag); err != nil {
			if errors.Is(err, storage.ErrCASMismatch) || errors.Is(err, storage.ErrNotFound) {
				// Lost the race; re-evaluate against the winner's record.
				continue
			}
			return nil, fmt.Errorf("store lock: %w", err)
		}
		logger.Info("lock.acquire.granted",
			"resource", cmd.ResourceID,
			"holder", cmd.HolderID,
			"lock_id", rec.ID,
			"expires_at", rec.ExpiresAtUnix,
		)
		s.metrics.recordLockOp(ctx, "acquire", "granted")
		return &AcquireResult{Lock: rec}, nil
	}
}

// Refresh extends the expiry of a lock the caller holds. It never mutates
// state on failure.
func (s *Service) Refresh(ctx context.Context, cmd RefreshCommand) (*RefreshResult, error) {
	if err := validateResourceHolder(cmd.ResourceID, cmd.HolderID); err != nil {
		return nil, err
	}
	logger := s.contextLogger(ctx)
	ttl := s.resolveTTL(cmd.TTLSeconds)

	for {
		now := s.clock.Now()
		current, etag, err := s.store.LoadLock(ctx, cmd.ResourceID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, Failure{Code: "lock_expired", Detail: "no live lock to refresh", HTTPStatus: 404}
		}
		if err != nil {
			return nil, fmt.Errorf("load lock: %w", err)
		}
		if current.Expired(now) {
			return nil, Failure{Code: "lock_expired", Detail: "no live lock to refresh", HTTPStatus: 404}
		}
		if current.HolderID != cmd.HolderID {
			return nil, Failure{
				Code:       "not_lock_holder",
				Detail:     fmt.Sprintf("lock held by %s", current.HolderID),
				Lock:       current,
				HTTPStatus: 409,
			}
		}
		refreshed := *current
		refreshed.ExpiresAtUnix = now.Add(ttl).Unix()
		if _, err := s.store.StoreLock(ctx, cmd.ResourceID, &refreshed, etag); err != nil {
			if errors.Is(err, storage.ErrCASMismatch) || errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("store lock: %w", err)
		}
		logger.Debug("lock.refresh.ok",
			"resource", cmd.ResourceID,
			"holder", cmd.HolderID,
			"expires_at", refreshed.ExpiresAtUnix,
		)
		s.metrics.recordLockOp(ctx, "refresh", "ok")
		return &RefreshResult{Lock: refreshed}, nil
	}
}

// Release removes the caller's lock. Releasing an absent or expired lock is
// a successful no-op.
func (s *Service) Release(ctx context.Context, cmd ReleaseCommand) (*ReleaseResult, error) {
	if strings.TrimSpace(cmd.ResourceID) == "" {
		return nil, Failure{Code: "missing_resource", Detail: "resource_id is required", HTTPStatus: 400}
	}
	if !cmd.Force && strings.TrimSpace(cmd.HolderID) == "" {
		return nil, Failure{Code: "missing_holder", Detail: "holder is required", HTTPStatus: 400}
	}
	logger := s.contextLogger(ctx)

	for {
		now := s.clock.Now()
		current, etag, err := s.store.LoadLock(ctx, cmd.ResourceID)
		if errors.Is(err, storage.ErrNotFound) {
			return &ReleaseResult{}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("load lock: %w", err)
		}
		expired := current.Expired(now)
		if !expired && !cmd.Force && current.HolderID != cmd.HolderID {
			return nil, Failure{
				Code:       "not_lock_holder",
				Detail:     fmt.Sprintf("lock held by %s", current.HolderID),
				Lock:       current,
				HTTPStatus: 403,
			}
		}
		if err := s.store.DeleteLock(ctx, cmd.ResourceID, etag); err != nil {
			if errors.Is(err, storage.ErrCASMismatch) {
				continue
			}
			if errors.Is(err, storage.ErrNotFound) {
				return &ReleaseResult{}, nil
			}
			return nil, fmt.Errorf("delete lock: %w", err)
		}
		if expired {
			return &ReleaseResult{}, nil
		}
		logger.Info("lock.release.ok",
			"resource", cmd.ResourceID,
			"holder", current.HolderID,
			"forced", cmd.Force,
		)
		s.metrics.recordLockOp(ctx, "release", "ok")
		return &ReleaseResult{Released: true}, nil
	}
}

// Takeover transfers the lock to the caller regardless of the current
// holder. The displaced record, if any, is returned for auditability.
func (s *Service) Takeover(ctx context.Context, cmd TakeoverCommand) (*TakeoverResult, error) {
	if err := validateResourceHolder(cmd.ResourceID, cmd.HolderID); err != nil {
		return nil, err
	}
	logger := s.contextLogger(ctx)
	ttl := s.resolveTTL(cmd.TTLSeconds)

	for {
		now := s.clock.Now()
		previous, etag, err := s.store.LoadLock(ctx, cmd.ResourceID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("load lock: %w", err)
		}
		rec := storage.LockRecord{
			ResourceID:     cmd.ResourceID,
			ID:             uuid.NewString(),
			HolderID:       cmd.HolderID,
			HolderName:     cmd.HolderName,
			AcquiredAtUnix: now.Unix(),
			ExpiresAtUnix:  now.Add(ttl).Unix(),
		}
		if _, err := s.store.StoreLock(ctx, cmd.ResourceID, &rec, etag); err != nil {
			if errors.Is(err, storage.ErrCASMismatch) || errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("store lock: %w", err)
		}
		if previous != nil {
			logger.Info("lock.takeover.ok",
				"resource", cmd.ResourceID,
				"holder", cmd.HolderID,
				"previous_holder", previous.HolderID,
			)
		} else {
			logger.Info("lock.takeover.ok",
				"resource", cmd.ResourceID,
				"holder", cmd.HolderID,
			)
		}
		s.metrics.recordLockOp(ctx, "takeover", "ok")
		return &TakeoverResult{Lock: rec, Previous: previous}, nil
	}
}

// Status reports the current lock state for a resource.
func (s *Service) Status(ctx context.Context, cmd StatusCommand) (*StatusResult, error) {
	if strings.TrimSpace(cmd.ResourceID) == "" {
		return nil, Failure{Code: "missing_resource", Detail: "resource_id is required", HTTPStatus: 400}
	}
	current, _, err := s.store.LoadLock(ctx, cmd.ResourceID)
	if errors.Is(err, storage.ErrNotFound) {
		return &StatusResult{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load lock: %w", err)
	}
	if current.Expired(s.clock.Now()) {
		return &StatusResult{}, nil
	}
	return &StatusResult{
		Locked:  true,
		IsOwner: cmd.RequesterID != "" && current.HolderID == cmd.RequesterID,
		Lock:    current,
	}, nil
}

// holderLock reports whether holder currently holds a live lock on resource.
func (s *Service) holderLock(ctx context.Context, resourceID, holderID string) (bool, *storage.LockRecord, error) {
	current, _, err := s.store.LoadLock(ctx, resourceID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("load lock: %w", err)
	}
	if current.Expired(s.clock.Now()) {
		return false, nil, nil
	}
	return current.HolderID == holderID, current, nil
}

func validateResourceHolder(resourceID, holderID string) error {
	if strings.TrimSpace(resourceID) == "" {
		return Failure{Code: "missing_resource", Detail: "resource_id is required", HTTPStatus: 400}
	}
	if strings.TrimSpace(holderID) == "" {
		return Failure{Code: "missing_holder", Detail: "holder is required", HTTPStatus: 400}
	}
	return nil
}
