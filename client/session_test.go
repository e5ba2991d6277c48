package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/coeditd/api"
	"pkt.systems/coeditd/internal/clock"
)

type sessionServer struct {
	acquires   atomic.Int64
	releases   atomic.Int64
	heartbeats atomic.Int64
	leaves     atomic.Int64
	saves      atomic.Int64

	conflict atomic.Bool
}

func (s *sessionServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/lock":
			switch r.Method {
			case http.MethodPost:
				s.acquires.Add(1)
				if s.conflict.Load() {
					w.WriteHeader(http.StatusConflict)
					_ = json.NewEncoder(w).Encode(api.ErrorResponse{
						Error: "lock_conflict",
						Lock:  &api.Lock{ResourceID: "post-5", HolderID: "bob", HolderName: "Bob"},
					})
					return
				}
				_ = json.NewEncoder(w).Encode(api.AcquireResponse{
					Lock: api.Lock{ResourceID: "post-5", LockID: "lk1", HolderID: "carol", IsOwner: true},
				})
			case http.MethodDelete:
				s.releases.Add(1)
				_ = json.NewEncoder(w).Encode(api.ReleaseResponse{Released: true})
			}
		case "/v1/presence":
			switch r.Method {
			case http.MethodPost:
				s.heartbeats.Add(1)
				_ = json.NewEncoder(w).Encode(api.HeartbeatResponse{ExpiresAt: 120})
			case http.MethodGet:
				_ = json.NewEncoder(w).Encode(api.PresenceResponse{})
			case http.MethodDelete:
				s.leaves.Add(1)
				_ = json.NewEncoder(w).Encode(struct{}{})
			}
		case "/v1/draft":
			s.saves.Add(1)
			_ = json.NewEncoder(w).Encode(api.DraftResponse{
				Document: api.Document{ResourceID: "post-5", Version: s.saves.Load()},
			})
		default:
			http.NotFound(w, r)
		}
	})
}

func newSessionFixture(t *testing.T, ss *sessionServer) (*Client, *clock.Manual) {
	t.Helper()
	srv := httptest.NewServer(ss.handler())
	t.Cleanup(srv.Close)
	clk := clock.NewManual(time.Unix(1_000_000, 0))
	cli, err := New(srv.URL, WithUser("carol", "Carol"), WithClock(clk))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return cli, clk
}

func TestSessionLifecycle(t *testing.T) {
	ss := &sessionServer{}
	cli, _ := newSessionFixture(t, ss)

	sess, err := cli.OpenSession(context.Background(), SessionConfig{ResourceID: "post-5"})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	if sess.Lock().HolderID != "carol" || !sess.Lock().IsOwner {
		t.Fatalf("session lock: %+v", sess.Lock())
	}
	waitFor(t, "presence loops running", func() bool { return ss.heartbeats.Load() >= 1 })

	// Close flushes the pending edit before releasing anything.
	sess.Edit("draft body")
	if err := sess.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := ss.saves.Load(); got != 1 {
		t.Fatalf("saves = %d, want 1", got)
	}
	if got := ss.leaves.Load(); got != 1 {
		t.Fatalf("leaves = %d, want 1", got)
	}
	if got := ss.releases.Load(); got != 1 {
		t.Fatalf("releases = %d, want 1", got)
	}
	if got := sess.Presence().Status(); got != PresenceDisconnected {
		t.Fatalf("presence status after close: %s", got)
	}
}

func TestOpenSessionSurfacesLockConflict(t *testing.T) {
	ss := &sessionServer{}
	ss.conflict.Store(true)
	cli, _ := newSessionFixture(t, ss)

	_, err := cli.OpenSession(context.Background(), SessionConfig{ResourceID: "post-5"})
	lock, ok := IsLockConflict(err)
	if !ok {
		t.Fatalf("expected lock conflict, got %v", err)
	}
	if lock.HolderID != "bob" {
		t.Fatalf("conflict lock: %+v", lock)
	}
	// Nothing was started, so nothing needs tearing down.
	if ss.heartbeats.Load() != 0 || ss.releases.Load() != 0 {
		t.Fatalf("unexpected side effects: beats=%d releases=%d", ss.heartbeats.Load(), ss.releases.Load())
	}
}

func TestSessionRefreshUpdatesLock(t *testing.T) {
	ss := &sessionServer{}
	cli, _ := newSessionFixture(t, ss)

	sess, err := cli.OpenSession(context.Background(), SessionConfig{ResourceID: "post-5"})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	defer sess.Close(context.Background())

	if err := sess.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got := ss.acquires.Load(); got != 2 {
		t.Fatalf("acquires = %d, want 2", got)
	}
}
