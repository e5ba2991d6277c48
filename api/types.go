// Package api defines the wire types shared by the coeditd server and its
// Go client.
package api

// Lock describes an edit lock on the wire.
type Lock struct {
	// ResourceID identifies the edited resource.
	ResourceID string `json:"resource_id"`
	// LockID identifies this particular grant of the lock.
	LockID string `json:"lock_id"`
	// HolderID identifies the user holding the lock.
	HolderID string `json:"holder_id"`
	// HolderName is the holder's display name, for conflict messages.
	HolderName string `json:"holder_name,omitempty"`
	// AcquiredAt is the grant time as a Unix timestamp in seconds.
	AcquiredAt int64 `json:"acquired_at_unix"`
	// ExpiresAt is the lock expiry time as a Unix timestamp in seconds.
	ExpiresAt int64 `json:"expires_at_unix"`
	// IsOwner is true when the requesting user holds this lock.
	IsOwner bool `json:"is_owner,omitempty"`
}

// AcquireRequest models the JSON payload for POST /v1/lock.
type AcquireRequest struct {
	// ResourceID identifies the edited resource.
	ResourceID string `json:"resource_id"`
	// TTLSeconds is the requested lock lifetime in seconds; 0 means the
	// server default.
	TTLSeconds int64 `json:"ttl_seconds,omitempty"`
}

// AcquireResponse is returned when the lock is granted or refreshed.
type AcquireResponse struct {
	// Lock is the granted lock.
	Lock Lock `json:"lock"`
	// Refreshed is true when the caller already held the lock.
	Refreshed bool `json:"refreshed,omitempty"`
}

// LockStatusResponse models GET /v1/lock.
type LockStatusResponse struct {
	// Locked is true when a live lock exists.
	Locked bool `json:"locked"`
	// Lock is the live lock, when Locked is true.
	Lock *Lock `json:"lock,omitempty"`
}

// ReleaseResponse acknowledges DELETE /v1/lock.
type ReleaseResponse struct {
	// Released is true when a live lock was actually removed.
	Released bool `json:"released"`
}

// TakeoverRequest models POST /v1/lock/takeover.
type TakeoverRequest struct {
	// ResourceID identifies the edited resource.
	ResourceID string `json:"resource_id"`
	// TTLSeconds is the requested lock lifetime in seconds; 0 means the
	// server default.
	TTLSeconds int64 `json:"ttl_seconds,omitempty"`
}

// TakeoverResponse reports the transferred lock.
type TakeoverResponse struct {
	// Lock is the new lock held by the caller.
	Lock Lock `json:"lock"`
	// Previous is the displaced lock, when one existed.
	Previous *Lock `json:"previous,omitempty"`
}

// HeartbeatRequest models POST /v1/presence.
type HeartbeatRequest struct {
	// ResourceID identifies the viewed resource.
	ResourceID string `json:"resource_id"`
}

// HeartbeatResponse acknowledges a presence heartbeat.
type HeartbeatResponse struct {
	// ExpiresAt is when the presence entry lapses unless renewed, as a Unix
	// timestamp in seconds.
	ExpiresAt int64 `json:"expires_at_unix"`
}

// Viewer describes one active viewer of a resource.
type Viewer struct {
	// UserID identifies the viewer.
	UserID string `json:"user_id"`
	// UserName is the viewer's display name.
	UserName string `json:"user_name,omitempty"`
	// LastSeenAt is the viewer's most recent heartbeat as a Unix timestamp
	// in seconds.
	LastSeenAt int64 `json:"last_seen_at_unix"`
}

// PresenceResponse models GET /v1/presence.
type PresenceResponse struct {
	// Viewers lists the non-expired viewers, most recently seen first.
	Viewers []Viewer `json:"viewers"`
}

// WorkflowRequest models POST /v1/workflow. The action query parameter
// selects the transition; ReviewerID and Comment apply per action.
type WorkflowRequest struct {
	// ResourceID identifies the document.
	ResourceID string `json:"resource_id"`
	// ReviewerID optionally assigns a reviewer on submit-review.
	ReviewerID string `json:"reviewer_id,omitempty"`
	// Comment carries the review comment; required when rejecting.
	Comment string `json:"comment,omitempty"`
}

// Document describes a document's coordination state on the wire.
type Document struct {
	// ResourceID identifies the document.
	ResourceID string `json:"resource_id"`
	// WorkflowState is one of draft, pending_review, approved, rejected.
	WorkflowState string `json:"workflow_state"`
	// PublishStatus is one of draft, published, archived.
	PublishStatus string `json:"publish_status"`
	// Version increments on every stored mutation.
	Version int64 `json:"version"`
	// CreatedAt is the creation time as a Unix timestamp in seconds.
	CreatedAt int64 `json:"created_at_unix"`
	// UpdatedAt is the last mutation time as a Unix timestamp in seconds.
	UpdatedAt int64 `json:"updated_at_unix"`
}

// WorkflowResponse reports the document state after a transition.
type WorkflowResponse struct {
	// Document is the post-transition state.
	Document Document `json:"document"`
}

// WorkflowComment is a review comment on the wire.
type WorkflowComment struct {
	// ID identifies the comment.
	ID string `json:"id"`
	// AuthorID identifies the comment's author.
	AuthorID string `json:"author_id"`
	// Body is the comment text.
	Body string `json:"body"`
	// CreatedAt is the comment time as a Unix timestamp in seconds.
	CreatedAt int64 `json:"created_at_unix"`
}

// WorkflowStatusResponse models GET /v1/workflow.
type WorkflowStatusResponse struct {
	// Document is the current document state.
	Document Document `json:"document"`
	// Comments lists review comments, oldest first.
	Comments []WorkflowComment `json:"comments,omitempty"`
	// ReviewerID is the assigned reviewer, when one is set.
	ReviewerID string `json:"reviewer_id,omitempty"`
}

// DraftRequest models POST /v1/draft.
type DraftRequest struct {
	// ResourceID identifies the document.
	ResourceID string `json:"resource_id"`
	// Body is the new draft content.
	Body string `json:"body"`
	// AutoSave marks saves issued by the auto-save coordinator.
	AutoSave bool `json:"auto_save,omitempty"`
}

// DraftResponse acknowledges a stored draft.
type DraftResponse struct {
	// Document is the stored document state.
	Document Document `json:"document"`
	// Created is true when this save created the document.
	Created bool `json:"created,omitempty"`
}

// PublishRequest models POST /v1/publish and POST /v1/unpublish.
type PublishRequest struct {
	// ResourceID identifies the document.
	ResourceID string `json:"resource_id"`
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	// Error is the machine-readable failure code.
	Error string `json:"error"`
	// Detail is a human-readable explanation.
	Detail string `json:"detail,omitempty"`
	// RetryAfter is the server hint (seconds) before retrying.
	RetryAfter int64 `json:"retry_after_seconds,omitempty"`
	// Lock carries the conflicting lock on lock_conflict and related
	// failures.
	Lock *Lock `json:"lock,omitempty"`
}

// HealthResponse models GET /healthz and GET /readyz.
type HealthResponse struct {
	// Status is "ok" when the server is healthy.
	Status string `json:"status"`
}
