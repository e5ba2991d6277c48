package httpapi

import (
	"context"
	"net/http"
	"strings"

	"pkt.systems/coeditd/api"
	"pkt.systems/coeditd/internal/collab"
)

func (h *Handler) handleLock(w http.ResponseWriter, r *http.Request) error {
	switch r.Method {
	case http.MethodGet:
		return h.handleLockStatus(w, r)
	case http.MethodPost:
		return h.handleAcquire(w, r)
	case http.MethodDelete:
		return h.handleRelease(w, r)
	default:
		return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: "use GET, POST, or DELETE"}
	}
}

func (h *Handler) handleLockStatus(w http.ResponseWriter, r *http.Request) error {
	resource := strings.TrimSpace(r.URL.Query().Get("resource"))
	result, err := h.svc.Status(r.Context(), collab.StatusCommand{
		ResourceID:  resource,
		RequesterID: userFromRequest(r),
	})
	if err != nil {
		return convertFailure(err)
	}
	resp := api.LockStatusResponse{Locked: result.Locked}
	if result.Lock != nil {
		resp.Lock = lockToAPI(result.Lock, userFromRequest(r))
		resp.Lock.IsOwner = result.IsOwner
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

func (h *Handler) handleAcquire(w http.ResponseWriter, r *http.Request) error {
	user, err := requireUser(r)
	if err != nil {
		return err
	}
	var req api.AcquireRequest
	if err := decodeJSONBody(r.Body, &req); err != nil {
		return err
	}
	result, err := h.svc.Acquire(r.Context(), collab.AcquireCommand{
		ResourceID: req.ResourceID,
		HolderID:   user,
		HolderName: userNameFromRequest(r),
		TTLSeconds: req.TTLSeconds,
	})
	if err != nil {
		return convertFailure(err)
	}
	lock := lockToAPI(&result.Lock, user)
	h.writeJSON(w, http.StatusOK, api.AcquireResponse{
		Lock:      *lock,
		Refreshed: result.Refreshed,
	}, nil)
	return nil
}

func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) error {
	user := userFromRequest(r)
	force := r.URL.Query().Get("force") == "1"
	result, err := h.svc.Release(r.Context(), collab.ReleaseCommand{
		ResourceID: strings.TrimSpace(r.URL.Query().Get("resource")),
		HolderID:   user,
		Force:      force,
	})
	if err != nil {
		return convertFailure(err)
	}
	h.writeJSON(w, http.StatusOK, api.ReleaseResponse{Released: result.Released}, nil)
	return nil
}

func (h *Handler) handleTakeover(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodPost {
		return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: "use POST"}
	}
	user, err := requireUser(r)
	if err != nil {
		return err
	}
	var req api.TakeoverRequest
	if err := decodeJSONBody(r.Body, &req); err != nil {
		return err
	}
	result, err := h.svc.Takeover(r.Context(), collab.TakeoverCommand{
		ResourceID: req.ResourceID,
		HolderID:   user,
		HolderName: userNameFromRequest(r),
		TTLSeconds: req.TTLSeconds,
	})
	if err != nil {
		return convertFailure(err)
	}
	resp := api.TakeoverResponse{Lock: *lockToAPI(&result.Lock, user)}
	if result.Previous != nil {
		resp.Previous = lockToAPI(result.Previous, user)
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

func (h *Handler) handlePresence(w http.ResponseWriter, r *http.Request) error {
	switch r.Method {
	case http.MethodGet:
		result, err := h.svc.ActiveViewers(r.Context(), collab.ViewersCommand{
			ResourceID: strings.TrimSpace(r.URL.Query().Get("resource")),
		})
		if err != nil {
			return convertFailure(err)
		}
		h.writeJSON(w, http.StatusOK, api.PresenceResponse{Viewers: viewersToAPI(result.Viewers)}, nil)
		return nil
	case http.MethodPost:
		user, err := requireUser(r)
		if err != nil {
			return err
		}
		var req api.HeartbeatRequest
		if err := decodeJSONBody(r.Body, &req); err != nil {
			return err
		}
		result, err := h.svc.Heartbeat(r.Context(), collab.HeartbeatCommand{
			ResourceID: req.ResourceID,
			UserID:     user,
			UserName:   userNameFromRequest(r),
		})
		if err != nil {
			return convertFailure(err)
		}
		h.writeJSON(w, http.StatusOK, api.HeartbeatResponse{ExpiresAt: result.ExpiresAtUnix}, nil)
		return nil
	case http.MethodDelete:
		user, err := requireUser(r)
		if err != nil {
			return err
		}
		err = h.svc.Leave(r.Context(), collab.HeartbeatCommand{
			ResourceID: strings.TrimSpace(r.URL.Query().Get("resource")),
			UserID:     user,
		})
		if err != nil {
			return convertFailure(err)
		}
		h.writeJSON(w, http.StatusOK, struct{}{}, nil)
		return nil
	default:
		return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: "use GET, POST, or DELETE"}
	}
}

func (h *Handler) handleWorkflow(w http.ResponseWriter, r *http.Request) error {
	switch r.Method {
	case http.MethodGet:
		result, err := h.svc.WorkflowStatus(r.Context(), strings.TrimSpace(r.URL.Query().Get("resource")))
		if err != nil {
			return convertFailure(err)
		}
		resp := api.WorkflowStatusResponse{
			Document: documentToAPI(result.Document),
			Comments: commentsToAPI(result.Comments),
		}
		if result.Assignment != nil {
			resp.ReviewerID = result.Assignment.ReviewerID
		}
		h.writeJSON(w, http.StatusOK, resp, nil)
		return nil
	case http.MethodPost:
		return h.handleWorkflowAction(w, r)
	default:
		return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: "use GET or POST"}
	}
}

func (h *Handler) handleWorkflowAction(w http.ResponseWriter, r *http.Request) error {
	user, err := requireUser(r)
	if err != nil {
		return err
	}
	var req api.WorkflowRequest
	if err := decodeJSONBody(r.Body, &req); err != nil {
		return err
	}

	var result *collab.WorkflowResult
	action := r.URL.Query().Get("action")
	switch action {
	case "submit-review":
		result, err = h.svc.SubmitForReview(r.Context(), collab.SubmitCommand{
			ResourceID: req.ResourceID,
			ActorID:    user,
			ReviewerID: req.ReviewerID,
		})
	case "approve":
		result, err = h.svc.Approve(r.Context(), collab.ApproveCommand{
			ResourceID: req.ResourceID,
			ActorID:    user,
			Comment:    req.Comment,
		})
	case "reject":
		result, err = h.svc.Reject(r.Context(), collab.RejectCommand{
			ResourceID: req.ResourceID,
			ActorID:    user,
			Comment:    req.Comment,
		})
	default:
		return httpError{
			Status: http.StatusBadRequest,
			Code:   "invalid_action",
			Detail: "action must be submit-review, approve, or reject",
		}
	}
	if err != nil {
		return convertFailure(err)
	}
	h.writeJSON(w, http.StatusOK, api.WorkflowResponse{Document: documentToAPI(result.Document)}, nil)
	return nil
}

func (h *Handler) handleDraft(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodPost {
		return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: "use POST"}
	}
	user, err := requireUser(r)
	if err != nil {
		return err
	}
	var req api.DraftRequest
	if err := decodeJSONBody(r.Body, &req); err != nil {
		return err
	}
	result, err := h.svc.SaveDraft(r.Context(), collab.SaveDraftCommand{
		ResourceID: req.ResourceID,
		HolderID:   user,
		Body:       req.Body,
		AutoSave:   req.AutoSave,
	})
	if err != nil {
		return convertFailure(err)
	}
	h.writeJSON(w, http.StatusOK, api.DraftResponse{
		Document: documentToAPI(result.Document),
		Created:  result.Created,
	}, nil)
	return nil
}

func (h *Handler) handlePublish(w http.ResponseWriter, r *http.Request) error {
	return h.handlePublishStatus(w, r, h.svc.Publish)
}

func (h *Handler) handleUnpublish(w http.ResponseWriter, r *http.Request) error {
	return h.handlePublishStatus(w, r, h.svc.Unpublish)
}

func (h *Handler) handlePublishStatus(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, cmd collab.PublishCommand) (*collab.WorkflowResult, error)) error {
	if r.Method != http.MethodPost {
		return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: "use POST"}
	}
	user, err := requireUser(r)
	if err != nil {
		return err
	}
	var req api.PublishRequest
	if err := decodeJSONBody(r.Body, &req); err != nil {
		return err
	}
	result, err := op(r.Context(), collab.PublishCommand{ResourceID: req.ResourceID, ActorID: user})
	if err != nil {
		return convertFailure(err)
	}
	h.writeJSON(w, http.StatusOK, api.WorkflowResponse{Document: documentToAPI(result.Document)}, nil)
	return nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	h.writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok"}, nil)
	return nil
}

func (h *Handler) handleReady(w http.ResponseWriter, _ *http.Request) error {
	h.writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok"}, nil)
	return nil
}
