package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pkt.systems/coeditd/api"
	"pkt.systems/coeditd/internal/clock"
	"pkt.systems/coeditd/internal/collab"
	"pkt.systems/coeditd/internal/storage/memory"
)

func newTestHandler(t *testing.T) (*Handler, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Unix(1_000_000, 0))
	svc := collab.New(collab.Config{
		Store: memory.New(),
		Clock: clk,
	})
	return New(Config{Service: svc, Clock: clk}), clk
}

func newTestServer(t *testing.T) (*httptest.Server, *clock.Manual) {
	t.Helper()
	h, clk := newTestHandler(t)
	mux := http.NewServeMux()
	h.Register(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, clk
}

func doJSON(t *testing.T, method, url, user string, body any) *http.Response {
	t.Helper()
	var payload *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		payload = bytes.NewReader(data)
	} else {
		payload = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, payload)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if user != "" {
		req.Header.Set(headerUser, user)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestLockEndpointLifecycle(t *testing.T) {
	server, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, server.URL+"/v1/lock", "alice", api.AcquireRequest{ResourceID: "post-1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("acquire status = %d", resp.StatusCode)
	}
	acquired := decode[api.AcquireResponse](t, resp)
	if acquired.Lock.HolderID != "alice" || !acquired.Lock.IsOwner {
		t.Fatalf("acquire = %+v", acquired)
	}

	resp = doJSON(t, http.MethodGet, server.URL+"/v1/lock?resource=post-1", "bob", nil)
	status := decode[api.LockStatusResponse](t, resp)
	if !status.Locked || status.Lock == nil || status.Lock.IsOwner {
		t.Fatalf("status for bob = %+v", status)
	}

	resp = doJSON(t, http.MethodDelete, server.URL+"/v1/lock?resource=post-1", "alice", nil)
	released := decode[api.ReleaseResponse](t, resp)
	if !released.Released {
		t.Fatalf("release = %+v", released)
	}

	// Releasing again is an idempotent success.
	resp = doJSON(t, http.MethodDelete, server.URL+"/v1/lock?resource=post-1", "alice", nil)
	released = decode[api.ReleaseResponse](t, resp)
	if released.Released {
		t.Fatalf("second release reported a removal")
	}
}

func TestLockConflictEnvelope(t *testing.T) {
	server, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, server.URL+"/v1/lock", "alice", api.AcquireRequest{ResourceID: "post-1"})
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, server.URL+"/v1/lock", "bob", api.AcquireRequest{ResourceID: "post-1"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("conflict status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After header")
	}
	envelope := decode[api.ErrorResponse](t, resp)
	if envelope.Error != "lock_conflict" {
		t.Fatalf("error = %s", envelope.Error)
	}
	if envelope.Lock == nil || envelope.Lock.HolderID != "alice" {
		t.Fatalf("conflict lock = %+v", envelope.Lock)
	}
}

func TestTakeoverEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, server.URL+"/v1/lock", "alice", api.AcquireRequest{ResourceID: "post-1"})
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, server.URL+"/v1/lock/takeover", "bob", api.TakeoverRequest{ResourceID: "post-1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("takeover status = %d", resp.StatusCode)
	}
	takeover := decode[api.TakeoverResponse](t, resp)
	if takeover.Lock.HolderID != "bob" {
		t.Fatalf("takeover lock = %+v", takeover.Lock)
	}
	if takeover.Previous == nil || takeover.Previous.HolderID != "alice" {
		t.Fatalf("takeover previous = %+v", takeover.Previous)
	}
}

func TestAcquireRequiresIdentity(t *testing.T) {
	server, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, server.URL+"/v1/lock", "", api.AcquireRequest{ResourceID: "post-1"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	envelope := decode[api.ErrorResponse](t, resp)
	if envelope.Error != "missing_user" {
		t.Fatalf("error = %s", envelope.Error)
	}
}

func TestPresenceEndpoints(t *testing.T) {
	server, clk := newTestServer(t)

	resp := doJSON(t, http.MethodPost, server.URL+"/v1/presence", "alice", api.HeartbeatRequest{ResourceID: "post-1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat status = %d", resp.StatusCode)
	}
	heartbeat := decode[api.HeartbeatResponse](t, resp)
	if heartbeat.ExpiresAt <= clk.Now().Unix() {
		t.Fatalf("expires_at = %d", heartbeat.ExpiresAt)
	}

	resp = doJSON(t, http.MethodGet, server.URL+"/v1/presence?resource=post-1", "", nil)
	presence := decode[api.PresenceResponse](t, resp)
	if len(presence.Viewers) != 1 || presence.Viewers[0].UserID != "alice" {
		t.Fatalf("viewers = %+v", presence.Viewers)
	}

	resp = doJSON(t, http.MethodDelete, server.URL+"/v1/presence?resource=post-1", "alice", nil)
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, server.URL+"/v1/presence?resource=post-1", "", nil)
	presence = decode[api.PresenceResponse](t, resp)
	if len(presence.Viewers) != 0 {
		t.Fatalf("viewers after leave = %+v", presence.Viewers)
	}
}

func TestWorkflowEndpoints(t *testing.T) {
	server, _ := newTestServer(t)

	// Create the document through the draft endpoint, lock first.
	resp := doJSON(t, http.MethodPost, server.URL+"/v1/lock", "alice", api.AcquireRequest{ResourceID: "post-1"})
	resp.Body.Close()
	resp = doJSON(t, http.MethodPost, server.URL+"/v1/draft", "alice", api.DraftRequest{ResourceID: "post-1", Body: "hello"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("draft status = %d", resp.StatusCode)
	}
	draft := decode[api.DraftResponse](t, resp)
	if !draft.Created || draft.Document.WorkflowState != "draft" {
		t.Fatalf("draft = %+v", draft)
	}

	resp = doJSON(t, http.MethodPost, server.URL+"/v1/workflow?action=submit-review", "alice", api.WorkflowRequest{ResourceID: "post-1", ReviewerID: "rev"})
	workflow := decode[api.WorkflowResponse](t, resp)
	if workflow.Document.WorkflowState != "pending_review" {
		t.Fatalf("state = %s", workflow.Document.WorkflowState)
	}

	resp = doJSON(t, http.MethodPost, server.URL+"/v1/workflow?action=reject", "rev", api.WorkflowRequest{ResourceID: "post-1"})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("reject without comment status = %d", resp.StatusCode)
	}
	envelope := decode[api.ErrorResponse](t, resp)
	if envelope.Error != "validation" {
		t.Fatalf("error = %s", envelope.Error)
	}

	resp = doJSON(t, http.MethodPost, server.URL+"/v1/workflow?action=approve", "rev", api.WorkflowRequest{ResourceID: "post-1", Comment: "ship it"})
	workflow = decode[api.WorkflowResponse](t, resp)
	if workflow.Document.WorkflowState != "approved" {
		t.Fatalf("state = %s", workflow.Document.WorkflowState)
	}

	resp = doJSON(t, http.MethodGet, server.URL+"/v1/workflow?resource=post-1", "", nil)
	status := decode[api.WorkflowStatusResponse](t, resp)
	if status.ReviewerID != "rev" || len(status.Comments) != 1 {
		t.Fatalf("status = %+v", status)
	}
}

func TestDraftWithoutLock(t *testing.T) {
	server, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, server.URL+"/v1/draft", "alice", api.DraftRequest{ResourceID: "post-1", Body: "hello"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	envelope := decode[api.ErrorResponse](t, resp)
	if envelope.Error != "lock_required" {
		t.Fatalf("error = %s", envelope.Error)
	}
}

func TestPublishEndpoints(t *testing.T) {
	server, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, server.URL+"/v1/lock", "alice", api.AcquireRequest{ResourceID: "post-1"})
	resp.Body.Close()
	resp = doJSON(t, http.MethodPost, server.URL+"/v1/draft", "alice", api.DraftRequest{ResourceID: "post-1", Body: "hello"})
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, server.URL+"/v1/publish", "ed", api.PublishRequest{ResourceID: "post-1"})
	workflow := decode[api.WorkflowResponse](t, resp)
	if workflow.Document.PublishStatus != "published" {
		t.Fatalf("publish status = %s", workflow.Document.PublishStatus)
	}

	resp = doJSON(t, http.MethodPost, server.URL+"/v1/unpublish", "ed", api.PublishRequest{ResourceID: "post-1"})
	workflow = decode[api.WorkflowResponse](t, resp)
	if workflow.Document.PublishStatus != "draft" {
		t.Fatalf("unpublish status = %s", workflow.Document.PublishStatus)
	}
}

func TestUnknownWorkflowAction(t *testing.T) {
	server, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, server.URL+"/v1/workflow?action=promote", "alice", api.WorkflowRequest{ResourceID: "post-1"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	envelope := decode[api.ErrorResponse](t, resp)
	if envelope.Error != "invalid_action" {
		t.Fatalf("error = %s", envelope.Error)
	}
}

func TestHealthEndpoints(t *testing.T) {
	server, _ := newTestServer(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp := doJSON(t, http.MethodGet, server.URL+path, "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status = %d", path, resp.StatusCode)
		}
		health := decode[api.HealthResponse](t, resp)
		if health.Status != "ok" {
			t.Fatalf("%s status = %s", path, health.Status)
		}
	}
}
