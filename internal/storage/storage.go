// Package storage defines the persistence contract for coeditd: edit-lock
// records, presence entries, and content documents with their review
// workflow state. Backends must provide compare-and-swap semantics on lock
// and document writes; the collab service relies on them for its
// single-writer guarantee.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the requested record is missing.
	ErrNotFound = errors.New("storage: not found")
	// ErrCASMismatch indicates a conditional write lost against a
	// concurrent writer.
	ErrCASMismatch = errors.New("storage: cas mismatch")
)

// LockRecord is an exclusive, TTL-bounded claim on a content resource.
// At most one non-expired record may exist per resource; backends enforce
// this through conditional writes, not through scanning.
type LockRecord struct {
	ID             string `json:"id"`
	ResourceID     string `json:"resource_id"`
	HolderID       string `json:"holder_id"`
	HolderName     string `json:"holder_name,omitempty"`
	AcquiredAtUnix int64  `json:"acquired_at_unix"`
	ExpiresAtUnix  int64  `json:"expires_at_unix"`
}

// Expired reports whether the record's TTL has elapsed at now.
func (r *LockRecord) Expired(now time.Time) bool {
	return r == nil || r.ExpiresAtUnix <= now.Unix()
}

// PresenceEntry records that a user is currently viewing a resource. Entries
// are keyed (resource, user); multiple entries per resource are valid.
// Expired entries are excluded from reads and reaped lazily.
type PresenceEntry struct {
	ResourceID     string `json:"resource_id"`
	UserID         string `json:"user_id"`
	UserName       string `json:"user_name,omitempty"`
	LastSeenAtUnix int64  `json:"last_seen_at_unix"`
	ExpiresAtUnix  int64  `json:"expires_at_unix"`
}

// Expired reports whether the entry's TTL has elapsed at now.
func (e *PresenceEntry) Expired(now time.Time) bool {
	return e == nil || e.ExpiresAtUnix <= now.Unix()
}

// Workflow states for a document's review lifecycle, orthogonal to its
// publish status.
const (
	WorkflowDraft         = "draft"
	WorkflowPendingReview = "pending_review"
	WorkflowApproved      = "approved"
	WorkflowRejected      = "rejected"
)

// Publish statuses for a document, independent of review state.
const (
	PublishDraft     = "draft"
	PublishPublished = "published"
	PublishArchived  = "archived"
)

// Document carries the coordination-relevant state of a content item: the
// draft body persisted by auto-save, the review workflow state, and the
// publish status. Content rendering and taxonomy live outside this service.
type Document struct {
	ResourceID    string `json:"resource_id"`
	Body          string `json:"body,omitempty"`
	WorkflowState string `json:"workflow_state"`
	PublishStatus string `json:"publish_status"`
	Version       int64  `json:"version"`
	CreatedAtUnix int64  `json:"created_at_unix"`
	UpdatedAtUnix int64  `json:"updated_at_unix"`
}

// WorkflowComment is an append-only note attached to a review transition.
// A comment always has an author and a timestamp.
type WorkflowComment struct {
	ID            string `json:"id"`
	ResourceID    string `json:"resource_id"`
	AuthorID      string `json:"author_id"`
	Body          string `json:"body"`
	CreatedAtUnix int64  `json:"created_at_unix"`
}

// ReviewerAssignment records the reviewer a submission was routed to.
// Latest assignment wins.
type ReviewerAssignment struct {
	ResourceID     string `json:"resource_id"`
	ReviewerID     string `json:"reviewer_id"`
	AssignedAtUnix int64  `json:"assigned_at_unix"`
}

// Backend defines the storage contract expected by the collab service.
//
// Lock and document writes are guarded by opaque ETags: StoreLock and
// StoreDocument succeed only when expectedETag matches the stored value, and
// an empty expectedETag enforces create-only semantics. Presence writes need
// no CAS: each entry is keyed by viewer and only that viewer writes it.
type Backend interface {
	// LoadLock returns the stored lock record and its ETag, expired or not.
	LoadLock(ctx context.Context, resourceID string) (*LockRecord, string, error)
	// StoreLock conditionally writes the lock record. Empty expectedETag
	// creates; otherwise the stored ETag must match or ErrCASMismatch is
	// returned.
	StoreLock(ctx context.Context, resourceID string, rec *LockRecord, expectedETag string) (string, error)
	// DeleteLock removes the lock record when the ETag matches. Deleting an
	// absent record returns ErrNotFound.
	DeleteLock(ctx context.Context, resourceID string, expectedETag string) error
	// ListLockResources enumerates resources with a stored lock record,
	// expired ones included. Used by the sweeper.
	ListLockResources(ctx context.Context) ([]string, error)

	// UpsertPresence creates or refreshes the (resource, user) entry.
	UpsertPresence(ctx context.Context, entry *PresenceEntry) error
	// ListPresence returns all stored entries for a resource, expired ones
	// included; callers filter by expiry.
	ListPresence(ctx context.Context, resourceID string) ([]PresenceEntry, error)
	// DeletePresence removes a single entry; absent entries are a no-op.
	DeletePresence(ctx context.Context, resourceID, userID string) error
	// ListPresenceResources enumerates resources with stored presence
	// entries. Used by the sweeper.
	ListPresenceResources(ctx context.Context) ([]string, error)

	// LoadDocument returns the stored document and its ETag.
	LoadDocument(ctx context.Context, resourceID string) (*Document, string, error)
	// StoreDocument conditionally writes the document, CAS rules as for
	// StoreLock.
	StoreDocument(ctx context.Context, resourceID string, doc *Document, expectedETag string) (string, error)

	// AppendWorkflowComment stores a new review comment.
	AppendWorkflowComment(ctx context.Context, comment *WorkflowComment) error
	// ListWorkflowComments returns a resource's comments, oldest first.
	ListWorkflowComments(ctx context.Context, resourceID string) ([]WorkflowComment, error)
	// SetReviewerAssignment replaces the resource's reviewer assignment.
	SetReviewerAssignment(ctx context.Context, assignment *ReviewerAssignment) error
	// LoadReviewerAssignment returns the current assignment, if any.
	LoadReviewerAssignment(ctx context.Context, resourceID string) (*ReviewerAssignment, error)

	Close() error
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }

func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}
