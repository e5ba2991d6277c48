package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"pkt.systems/coeditd/api"
	"pkt.systems/coeditd/internal/storage"
)

func userFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(headerUser))
}

func userNameFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(headerUserName))
}

// requireUser extracts the caller identity from the trusted fronting layer's
// headers. Mutating endpoints refuse anonymous requests.
func requireUser(r *http.Request) (string, error) {
	user := userFromRequest(r)
	if user == "" {
		return "", httpError{
			Status: http.StatusBadRequest,
			Code:   "missing_user",
			Detail: fmt.Sprintf("%s header required", headerUser),
		}
	}
	return user, nil
}

func decodeJSONBody(body io.Reader, dst any) error {
	if body == nil {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_body", Detail: "request body required"}
	}
	dec := json.NewDecoder(body)
	if err := dec.Decode(dst); err != nil {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_body", Detail: err.Error()}
	}
	var trailing json.RawMessage
	if err := dec.Decode(&trailing); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return httpError{Status: http.StatusBadRequest, Code: "invalid_body", Detail: err.Error()}
	}
	return httpError{Status: http.StatusBadRequest, Code: "invalid_body", Detail: "unexpected trailing JSON value"}
}

func lockToAPI(rec *storage.LockRecord, requesterID string) *api.Lock {
	if rec == nil {
		return nil
	}
	return &api.Lock{
		ResourceID: rec.ResourceID,
		LockID:     rec.ID,
		HolderID:   rec.HolderID,
		HolderName: rec.HolderName,
		AcquiredAt: rec.AcquiredAtUnix,
		ExpiresAt:  rec.ExpiresAtUnix,
		IsOwner:    requesterID != "" && rec.HolderID == requesterID,
	}
}

func documentToAPI(doc storage.Document) api.Document {
	return api.Document{
		ResourceID:    doc.ResourceID,
		WorkflowState: doc.WorkflowState,
		PublishStatus: doc.PublishStatus,
		Version:       doc.Version,
		CreatedAt:     doc.CreatedAtUnix,
		UpdatedAt:     doc.UpdatedAtUnix,
	}
}

func viewersToAPI(entries []storage.PresenceEntry) []api.Viewer {
	viewers := make([]api.Viewer, 0, len(entries))
	for _, entry := range entries {
		viewers = append(viewers, api.Viewer{
			UserID:     entry.UserID,
			UserName:   entry.UserName,
			LastSeenAt: entry.LastSeenAtUnix,
		})
	}
	return viewers
}

func commentsToAPI(comments []storage.WorkflowComment) []api.WorkflowComment {
	if len(comments) == 0 {
		return nil
	}
	out := make([]api.WorkflowComment, 0, len(comments))
	for _, comment := range comments {
		out = append(out, api.WorkflowComment{
			ID:        comment.ID,
			AuthorID:  comment.AuthorID,
			Body:      comment.Body,
			CreatedAt: comment.CreatedAtUnix,
		})
	}
	return out
}
