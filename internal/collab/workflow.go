package collab

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/xid"

	"pkt.systems/coeditd/internal/storage"
)

// SubmitCommand moves a document into review.
type SubmitCommand struct {
	ResourceID string
	ActorID    string
	ReviewerID string
}

// ApproveCommand approves a document under review.
type ApproveCommand struct {
	ResourceID string
	ActorID    string
	Comment    string
}

// RejectCommand rejects a document under review. Comment is mandatory.
type RejectCommand struct {
	ResourceID string
	ActorID    string
	Comment    string
}

// PublishCommand publishes or unpublishes a document.
type PublishCommand struct {
	ResourceID string
	ActorID    string
}

// SaveDraftCommand updates a document's draft body. AutoSave marks saves
// issued by the background coordinator rather than an explicit user action.
type SaveDraftCommand struct {
	ResourceID string
	HolderID   string
	Body       string
	AutoSave   bool
}

// WorkflowResult reports the document state after a workflow transition.
type WorkflowResult struct {
	Document storage.Document
}

// SaveDraftResult reports the stored document version.
type SaveDraftResult struct {
	Document storage.Document
	Created  bool
}

// WorkflowStatusResult aggregates a document's review state.
type WorkflowStatusResult struct {
	Document   storage.Document
	Comments   []storage.WorkflowComment
	Assignment *storage.ReviewerAssignment
}

// publishEventPayload is the body of post.published / post.unpublished and
// content.created events.
type publishEventPayload struct {
	ResourceID     string `json:"resource_id"`
	ActorID        string `json:"actor_id,omitempty"`
	OccurredAtUnix int64  `json:"occurred_at_unix"`
}

// SubmitForReview moves the document to pending review. Resubmission after
// an approve or reject is allowed.
func (s *Service) SubmitForReview(ctx context.Context, cmd SubmitCommand) (*WorkflowResult, error) {
	if err := validateResourceActor(cmd.ResourceID, cmd.ActorID); err != nil {
		return nil, err
	}
	doc, err := s.mutateDocument(ctx, cmd.ResourceID, func(doc *storage.Document) error {
		doc.WorkflowState = storage.WorkflowPendingReview
		return nil
	})
	if err != nil {
		return nil, err
	}
	if cmd.ReviewerID != "" {
		assignment := storage.ReviewerAssignment{
			ResourceID:     cmd.ResourceID,
			ReviewerID:     cmd.ReviewerID,
			AssignedAtUnix: s.clock.Now().Unix(),
		}
		if err := s.store.SetReviewerAssignment(ctx, &assignment); err != nil {
			return nil, fmt.Errorf("set reviewer: %w", err)
		}
	}
	s.contextLogger(ctx).Info("workflow.submit",
		"resource", cmd.ResourceID,
		"actor", cmd.ActorID,
		"reviewer", cmd.ReviewerID,
	)
	s.metrics.recordTransition(ctx, storage.WorkflowPendingReview)
	return &WorkflowResult{Document: *doc}, nil
}

// Approve moves the document to approved. It never publishes; publishing is
// a separate operation.
func (s *Service) Approve(ctx context.Context, cmd ApproveCommand) (*WorkflowResult, error) {
	if err := validateResourceActor(cmd.ResourceID, cmd.ActorID); err != nil {
		return nil, err
	}
	doc, err := s.mutateDocument(ctx, cmd.ResourceID, func(doc *storage.Document) error {
		doc.WorkflowState = storage.WorkflowApproved
		return nil
	})
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cmd.Comment) != "" {
		if err := s.appendComment(ctx, cmd.ResourceID, cmd.ActorID, cmd.Comment); err != nil {
			return nil, err
		}
	}
	s.contextLogger(ctx).Info("workflow.approve",
		"resource", cmd.ResourceID,
		"actor", cmd.ActorID,
	)
	s.metrics.recordTransition(ctx, storage.WorkflowApproved)
	return &WorkflowResult{Document: *doc}, nil
}

// Reject moves the document to rejected. A comment explaining the decision
// is required; validation happens before any state mutation.
func (s *Service) Reject(ctx context.Context, cmd RejectCommand) (*WorkflowResult, error) {
	if err := validateResourceActor(cmd.ResourceID, cmd.ActorID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cmd.Comment) == "" {
		return nil, Failure{
			Code:       "validation",
			Detail:     "a comment is required when rejecting",
			HTTPStatus: 422,
		}
	}
	doc, err := s.mutateDocument(ctx, cmd.ResourceID, func(doc *storage.Document) error {
		doc.WorkflowState = storage.WorkflowRejected
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.appendComment(ctx, cmd.ResourceID, cmd.ActorID, cmd.Comment); err != nil {
		return nil, err
	}
	s.contextLogger(ctx).Info("workflow.reject",
		"resource", cmd.ResourceID,
		"actor", cmd.ActorID,
	)
	s.metrics.recordTransition(ctx, storage.WorkflowRejected)
	return &WorkflowResult{Document: *doc}, nil
}

// WorkflowStatus reports the document's review state, comments, and
// reviewer assignment.
func (s *Service) WorkflowStatus(ctx context.Context, resourceID string) (*WorkflowStatusResult, error) {
	if strings.TrimSpace(resourceID) == "" {
		return nil, Failure{Code: "missing_resource", Detail: "resource_id is required", HTTPStatus: 400}
	}
	doc, _, err := s.store.LoadDocument(ctx, resourceID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, Failure{Code: "not_found", Detail: "unknown resource", HTTPStatus: 404}
	}
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	comments, err := s.store.ListWorkflowComments(ctx, resourceID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	assignment, err := s.store.LoadReviewerAssignment(ctx, resourceID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("load reviewer: %w", err)
	}
	return &WorkflowStatusResult{
		Document:   *doc,
		Comments:   comments,
		Assignment: assignment,
	}, nil
}

// Publish flips the document's publish status. Cache invalidation and the
// post.published event fire only on an actual transition, and never block
// or fail the operation.
func (s *Service) Publish(ctx context.Context, cmd PublishCommand) (*WorkflowResult, error) {
	return s.setPublishStatus(ctx, cmd, storage.PublishPublished, "post.published")
}

// Unpublish reverts the document to an unpublished draft.
func (s *Service) Unpublish(ctx context.Context, cmd PublishCommand) (*WorkflowResult, error) {
	return s.setPublishStatus(ctx, cmd, storage.PublishDraft, "post.unpublished")
}

func (s *Service) setPublishStatus(ctx context.Context, cmd PublishCommand, status string, eventType string) (*WorkflowResult, error) {
	if err := validateResourceActor(cmd.ResourceID, cmd.ActorID); err != nil {
		return nil, err
	}
	transitioned := false
	doc, err := s.mutateDocument(ctx, cmd.ResourceID, func(doc *storage.Document) error {
		transitioned = doc.PublishStatus != status
		doc.PublishStatus = status
		return nil
	})
	if err != nil {
		return nil, err
	}
	if transitioned {
		s.contextLogger(ctx).Info("workflow.publish_status",
			"resource", cmd.ResourceID,
			"actor", cmd.ActorID,
			"status", status,
		)
		s.metrics.recordTransition(ctx, status)
		s.invalidateCache(cmd.ResourceID)
		s.publishEvent(eventType, publishEventPayload{
			ResourceID:     cmd.ResourceID,
			ActorID:        cmd.ActorID,
			OccurredAtUnix: s.clock.Now().Unix(),
		})
	}
	return &WorkflowResult{Document: *doc}, nil
}

// SaveDraft stores a new draft body. The caller must hold the edit lock.
// Auto-saves never change the publish status; a published document stays
// published while its draft is auto-saved.
func (s *Service) SaveDraft(ctx context.Context, cmd SaveDraftCommand) (*SaveDraftResult, error) {
	if err := validateResourceHolder(cmd.ResourceID, cmd.HolderID); err != nil {
		return nil, err
	}
	holds, current, err := s.holderLock(ctx, cmd.ResourceID, cmd.HolderID)
	if err != nil {
		return nil, err
	}
	if !holds {
		return nil, Failure{
			Code:       "lock_required",
			Detail:     "saving a draft requires holding the edit lock",
			Lock:       current,
			HTTPStatus: 409,
		}
	}

	created := false
	doc, err := s.saveDocument(ctx, cmd.ResourceID, &created, func(doc *storage.Document) error {
		doc.Body = cmd.Body
		if doc.WorkflowState == "" {
			doc.WorkflowState = storage.WorkflowDraft
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger := s.contextLogger(ctx)
	logger.Debug("draft.saved",
		"resource", cmd.ResourceID,
		"holder", cmd.HolderID,
		"version", doc.Version,
		"auto_save", cmd.AutoSave,
	)
	s.metrics.recordDraftSave(ctx, cmd.AutoSave)
	if created {
		s.publishEvent("content.created", publishEventPayload{
			ResourceID:     cmd.ResourceID,
			ActorID:        cmd.HolderID,
			OccurredAtUnix: s.clock.Now().Unix(),
		})
	}
	return &SaveDraftResult{Document: *doc, Created: created}, nil
}

// mutateDocument applies mutate to an existing document under a CAS loop.
// Missing documents fail with not_found.
func (s *Service) mutateDocument(ctx context.Context, resourceID string, mutate func(*storage.Document) error) (*storage.Document, error) {
	for {
		doc, etag, err := s.store.LoadDocument(ctx, resourceID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, Failure{Code: "not_found", Detail: "unknown resource", HTTPStatus: 404}
		}
		if err != nil {
			return nil, fmt.Errorf("load document: %w", err)
		}
		if err := mutate(doc); err != nil {
			return nil, err
		}
		doc.Version++
		doc.UpdatedAtUnix = s.clock.Now().Unix()
		if _, err := s.store.StoreDocument(ctx, resourceID, doc, etag); err != nil {
			if errors.Is(err, storage.ErrCASMismatch) || errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("store document: %w", err)
		}
		return doc, nil
	}
}

// saveDocument is mutateDocument with create-if-missing semantics, used by
// the draft save path.
func (s *Service) saveDocument(ctx context.Context, resourceID string, created *bool, mutate func(*storage.Document) error) (*storage.Document, error) {
	for {
		now := s.clock.Now()
		doc, etag, err := s.store.LoadDocument(ctx, resourceID)
		if errors.Is(err, storage.ErrNotFound) {
			doc = &storage.Document{
				ResourceID:    resourceID,
				WorkflowState: storage.WorkflowDraft,
				PublishStatus: storage.PublishDraft,
				CreatedAtUnix: now.Unix(),
			}
			etag = ""
		} else if err != nil {
			return nil, fmt.Errorf("load document: %w", err)
		}
		isNew := etag == ""
		if err := mutate(doc); err != nil {
			return nil, err
		}
		doc.Version++
		doc.UpdatedAtUnix = now.Unix()
		if _, err := s.store.StoreDocument(ctx, resourceID, doc, etag); err != nil {
			if errors.Is(err, storage.ErrCASMismatch) || errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("store document: %w", err)
		}
		if created != nil {
			*created = isNew
		}
		return doc, nil
	}
}

func (s *Service) appendComment(ctx context.Context, resourceID, authorID, body string) error {
	comment := storage.WorkflowComment{
		ID:            xid.New().String(),
		ResourceID:    resourceID,
		AuthorID:      authorID,
		Body:          strings.TrimSpace(body),
		CreatedAtUnix: s.clock.Now().Unix(),
	}
	if err := s.store.AppendWorkflowComment(ctx, &comment); err != nil {
		return fmt.Errorf("append comment: %w", err)
	}
	return nil
}

func validateResourceActor(resourceID, actorID string) error {
	if strings.TrimSpace(resourceID) == "" {
		return Failure{Code: "missing_resource", Detail: "resource_id is required", HTTPStatus: 400}
	}
	if strings.TrimSpace(actorID) == "" {
		return Failure{Code: "missing_actor", Detail: "actor is required", HTTPStatus: 400}
	}
	return nil
}
