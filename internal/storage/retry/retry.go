package retry

import (
	"context"
	"time"

	"pkt.systems/coeditd/internal/clock"
	"pkt.systems/coeditd/internal/storage"
	"pkt.systems/pslog"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a backend that retries transient errors according to cfg.
func Wrap(inner storage.Backend, logger pslog.Logger, clk clock.Clock, cfg Config) storage.Backend {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &backend{
		inner:  inner,
		logger: logger,
		clock:  clk,
		cfg:    cfg,
	}
}

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (b *backend) LoadLock(ctx context.Context, resourceID string) (*storage.LockRecord, string, error) {
	var rec *storage.LockRecord
	var etag string
	err := b.withRetry(ctx, "load_lock", resourceID, func(ctx context.Context) error {
		var err error
		rec, etag, err = b.inner.LoadLock(ctx, resourceID)
		return err
	})
	return rec, etag, err
}

func (b *backend) StoreLock(ctx context.Context, resourceID string, rec *storage.LockRecord, expectedETag string) (string, error) {
	var newETag string
	err := b.withRetry(ctx, "store_lock", resourceID, func(ctx context.Context) error {
		var err error
		newETag, err = b.inner.StoreLock(ctx, resourceID, rec, expectedETag)
		return err
	})
	return newETag, err
}

func (b *backend) DeleteLock(ctx context.Context, resourceID string, expectedETag string) error {
	return b.withRetry(ctx, "delete_lock", resourceID, func(ctx context.Context) error {
		return b.inner.DeleteLock(ctx, resourceID, expectedETag)
	})
}

func (b *backend) ListLockResources(ctx context.Context) ([]string, error) {
	var ids []string
	err := b.withRetry(ctx, "list_lock_resources", "", func(ctx context.Context) error {
		var err error
		ids, err = b.inner.ListLockResources(ctx)
		return err
	})
	return ids, err
}

func (b *backend) UpsertPresence(ctx context.Context, entry *storage.PresenceEntry) error {
	return b.withRetry(ctx, "upsert_presence", entry.ResourceID, func(ctx context.Context) error {
		return b.inner.UpsertPresence(ctx, entry)
	})
}

func (b *backend) ListPresence(ctx context.Context, resourceID string) ([]storage.PresenceEntry, error) {
	var entries []storage.PresenceEntry
	err := b.withRetry(ctx, "list_presence", resourceID, func(ctx context.Context) error {
		var err error
		entries, err = b.inner.ListPresence(ctx, resourceID)
		return err
	})
	return entries, err
}

func (b *backend) DeletePresence(ctx context.Context, resourceID, userID string) error {
	return b.withRetry(ctx, "delete_presence", resourceID, func(ctx context.Context) error {
		return b.inner.DeletePresence(ctx, resourceID, userID)
	})
}

func (b *backend) ListPresenceResources(ctx context.Context) ([]string, error) {
	var ids []string
	err := b.withRetry(ctx, "list_presence_resources", "", func(ctx context.Context) error {
		var err error
		ids, err = b.inner.ListPresenceResources(ctx)
		return err
	})
	return ids, err
}

func (b *backend) LoadDocument(ctx context.Context, resourceID string) (*storage.Document, string, error) {
	var doc *storage.Document
	var etag string
	err := b.withRetry(ctx, "load_document", resourceID, func(ctx context.Context) error {
		var err error
		doc, etag, err = b.inner.LoadDocument(ctx, resourceID)
		return err
	})
	return doc, etag, err
}

func (b *backend) StoreDocument(ctx context.Context, resourceID string, doc *storage.Document, expectedETag string) (string, error) {
	var newETag string
	err := b.withRetry(ctx, "store_document", resourceID, func(ctx context.Context) error {
		var err error
		newETag, err = b.inner.StoreDocument(ctx, resourceID, doc, expectedETag)
		return err
	})
	return newETag, err
}

func (b *backend) AppendWorkflowComment(ctx context.Context, comment *storage.WorkflowComment) error {
	return b.withRetry(ctx, "append_workflow_comment", comment.ResourceID, func(ctx context.Context) error {
		return b.inner.AppendWorkflowComment(ctx, comment)
	})
}

func (b *backend) ListWorkflowComments(ctx context.Context, resourceID string) ([]storage.WorkflowComment, error) {
	var comments []storage.WorkflowComment
	err := b.withRetry(ctx, "list_workflow_comments", resourceID, func(ctx context.Context) error {
		var err error
		comments, err = b.inner.ListWorkflowComments(ctx, resourceID)
		return err
	})
	return comments, err
}

func (b *backend) SetReviewerAssignment(ctx context.Context, assignment *storage.ReviewerAssignment) error {
	return b.withRetry(ctx, "set_reviewer_assignment", assignment.ResourceID, func(ctx context.Context) error {
		return b.inner.SetReviewerAssignment(ctx, assignment)
	})
}

func (b *backend) LoadReviewerAssignment(ctx context.Context, resourceID string) (*storage.ReviewerAssignment, error) {
	var assignment *storage.ReviewerAssignment
	err := b.withRetry(ctx, "load_reviewer_assignment", resourceID, func(ctx context.Context) error {
		var err error
		assignment, err = b.inner.LoadReviewerAssignment(ctx, resourceID)
		return err
	})
	return assignment, err
}

func (b *backend) Close() error {
	return b.inner.Close()
}

func (b *backend) withRetry(ctx context.Context, op, resourceID string, fn func(context.Context) error) error {
	attempts := b.cfg.MaxAttempts
	delay := b.cfg.BaseDelay
	if attempts <= 1 {
		return fn(ctx)
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !storage.IsTransient(err) || attempt == attempts {
			return err
		}
		b.logger.Warn("storage transient error",
			"operation", op,
			"resource", resourceID,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			b.clock.Sleep(delay)
			next := time.Duration(float64(delay) * b.cfg.Multiplier)
			if b.cfg.MaxDelay > 0 && next > b.cfg.MaxDelay {
				next = b.cfg.MaxDelay
			}
			delay = next
		}
	}
	return lastErr
}
