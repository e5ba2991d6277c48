package coeditd

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/coeditd/client"
	"pkt.systems/coeditd/internal/storage/memory"
)

func newTestClients(t *testing.T, ts *TestServer) (alice, bob *client.Client) {
	t.Helper()
	alice, err := ts.NewClient(client.WithUser("alice", "Alice"))
	if err != nil {
		t.Fatalf("alice client: %v", err)
	}
	bob, err = ts.NewClient(client.WithUser("bob", "Bob"))
	if err != nil {
		t.Fatalf("bob client: %v", err)
	}
	return alice, bob
}

func TestServerLockLifecycle(t *testing.T) {
	ts := StartTestServer(t, WithTestLogger(NewTestingLogger(t, pslog.InfoLevel)))
	alice, bob := newTestClients(t, ts)
	ctx := context.Background()

	granted, err := alice.AcquireLock(ctx, "post-7", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if granted.Lock.HolderID != "alice" || !granted.Lock.IsOwner {
		t.Fatalf("unexpected lock: %+v", granted.Lock)
	}

	_, err = bob.AcquireLock(ctx, "post-7", 0)
	if err == nil {
		t.Fatal("expected lock conflict for bob")
	}
	lock, ok := client.IsLockConflict(err)
	if !ok {
		t.Fatalf("expected lock conflict error, got %v", err)
	}
	if lock.HolderID != "alice" || lock.HolderName != "Alice" {
		t.Fatalf("conflict lock: %+v", lock)
	}

	refreshed, err := alice.RefreshLock(ctx, "post-7", 0)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !refreshed.Refreshed {
		t.Fatal("expected refreshed flag")
	}

	takeover, err := bob.TakeoverLock(ctx, "post-7", 0)
	if err != nil {
		t.Fatalf("takeover: %v", err)
	}
	if takeover.Lock.HolderID != "bob" {
		t.Fatalf("takeover lock: %+v", takeover.Lock)
	}
	if takeover.Previous == nil || takeover.Previous.HolderID != "alice" {
		t.Fatalf("takeover previous: %+v", takeover.Previous)
	}

	status, err := alice.LockStatus(ctx, "post-7")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.Locked || status.Lock == nil || status.Lock.HolderID != "bob" {
		t.Fatalf("status after takeover: %+v", status)
	}
	if status.Lock.IsOwner {
		t.Fatal("alice must not own bob's lock")
	}

	released, err := bob.ReleaseLock(ctx, "post-7", false)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if !released.Released {
		t.Fatal("expected release")
	}
	status, err = bob.LockStatus(ctx, "post-7")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Locked {
		t.Fatal("expected unlocked after release")
	}
}

func TestServerDraftWorkflowPublish(t *testing.T) {
	ts := StartTestServer(t,
		WithTestLogger(NewTestingLogger(t, pslog.InfoLevel)),
		WithTestBackend(memory.New()),
	)
	alice, bob := newTestClients(t, ts)
	ctx := context.Background()

	// Saving without the edit lock must fail.
	_, err := bob.SaveDraft(ctx, "post-9", "draft v1", false)
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusConflict {
		t.Fatalf("expected 409 without lock, got %v", err)
	}
	if apiErr.Response.Error != "lock_required" {
		t.Fatalf("expected lock_required, got %q", apiErr.Response.Error)
	}

	if _, err := alice.AcquireLock(ctx, "post-9", 0); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	saved, err := alice.SaveDraft(ctx, "post-9", "draft v1", false)
	if err != nil {
		t.Fatalf("save draft: %v", err)
	}
	if !saved.Created || saved.Document.WorkflowState != "draft" {
		t.Fatalf("first save: %+v", saved)
	}

	submitted, err := alice.SubmitForReview(ctx, "post-9", "bob")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if submitted.Document.WorkflowState != "pending_review" {
		t.Fatalf("after submit: %+v", submitted.Document)
	}

	// Rejecting without a comment is a validation failure.
	_, err = bob.Reject(ctx, "post-9", "")
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for empty reject comment, got %v", err)
	}

	rejected, err := bob.Reject(ctx, "post-9", "needs a headline")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Document.WorkflowState != "rejected" {
		t.Fatalf("after reject: %+v", rejected.Document)
	}

	if _, err := alice.SubmitForReview(ctx, "post-9", "bob"); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	approved, err := bob.Approve(ctx, "post-9", "looks good now")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Document.WorkflowState != "approved" {
		t.Fatalf("after approve: %+v", approved.Document)
	}

	published, err := alice.Publish(ctx, "post-9")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if published.Document.PublishStatus != "published" {
		t.Fatalf("after publish: %+v", published.Document)
	}

	status, err := alice.WorkflowStatus(ctx, "post-9")
	if err != nil {
		t.Fatalf("workflow status: %v", err)
	}
	if status.Document.WorkflowState != "approved" || status.Document.PublishStatus != "published" {
		t.Fatalf("status document: %+v", status.Document)
	}
	if status.ReviewerID != "bob" {
		t.Fatalf("expected reviewer bob, got %q", status.ReviewerID)
	}
	if len(status.Comments) != 2 {
		t.Fatalf("expected 2 comments, got %d", len(status.Comments))
	}
	if status.Comments[0].Body != "needs a headline" || status.Comments[0].AuthorID != "bob" {
		t.Fatalf("first comment: %+v", status.Comments[0])
	}

	unpublished, err := alice.Unpublish(ctx, "post-9")
	if err != nil {
		t.Fatalf("unpublish: %v", err)
	}
	if unpublished.Document.PublishStatus != "draft" {
		t.Fatalf("after unpublish: %+v", unpublished.Document)
	}
}

func TestServerPresenceEndpoints(t *testing.T) {
	ts := StartTestServer(t, WithTestLogger(NewTestingLogger(t, pslog.InfoLevel)))
	alice, bob := newTestClients(t, ts)
	ctx := context.Background()

	if _, err := alice.Heartbeat(ctx, "post-3"); err != nil {
		t.Fatalf("alice heartbeat: %v", err)
	}
	if _, err := bob.Heartbeat(ctx, "post-3"); err != nil {
		t.Fatalf("bob heartbeat: %v", err)
	}
	viewers, err := alice.ActiveViewers(ctx, "post-3")
	if err != nil {
		t.Fatalf("viewers: %v", err)
	}
	if len(viewers.Viewers) != 2 {
		t.Fatalf("expected 2 viewers, got %+v", viewers.Viewers)
	}

	if err := bob.Leave(ctx, "post-3"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	viewers, err = alice.ActiveViewers(ctx, "post-3")
	if err != nil {
		t.Fatalf("viewers: %v", err)
	}
	if len(viewers.Viewers) != 1 || viewers.Viewers[0].UserID != "alice" {
		t.Fatalf("expected alice only, got %+v", viewers.Viewers)
	}
}

func TestServerHealth(t *testing.T) {
	ts := StartTestServer(t, WithTestLogger(NewTestingLogger(t, pslog.InfoLevel)))
	cli, err := ts.NewClient()
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if err := cli.Healthy(context.Background()); err != nil {
		t.Fatalf("healthz: %v", err)
	}
}

func TestServerWebhookDelivery(t *testing.T) {
	var (
		mu     sync.Mutex
		events []string
	)
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var event struct {
			Type string `json:"type"`
		}
		_ = json.NewDecoder(r.Body).Decode(&event)
		mu.Lock()
		events = append(events, event.Type)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer sink.Close()

	ts := StartTestServer(t,
		WithTestLogger(NewTestingLogger(t, pslog.InfoLevel)),
		WithTestConfigFunc(func(cfg *Config) {
			cfg.WebhookURLs = []string{sink.URL}
		}),
	)
	alice, err := ts.NewClient(client.WithUser("alice", "Alice"))
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	ctx := context.Background()
	if _, err := alice.AcquireLock(ctx, "post-11", 0); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := alice.SaveDraft(ctx, "post-11", "body", false); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := alice.Publish(ctx, "post-11"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		got := append([]string(nil), events...)
		mu.Unlock()
		if containsEvent(got, "content.created") && containsEvent(got, "post.published") {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("webhook events never arrived, got %v", got)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func containsEvent(events []string, want string) bool {
	for _, e := range events {
		if e == want {
			return true
		}
	}
	return false
}
