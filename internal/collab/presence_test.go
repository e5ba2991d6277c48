package collab

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestHeartbeatAndViewers(t *testing.T) {
	ctx := context.Background()
	svc, clk := newTestService(t)

	if _, err := svc.Heartbeat(ctx, HeartbeatCommand{ResourceID: "post-1", UserID: "alice", UserName: "Alice"}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	clk.Advance(30 * time.Second)
	if _, err := svc.Heartbeat(ctx, HeartbeatCommand{ResourceID: "post-1", UserID: "bob", UserName: "Bob"}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	res, err := svc.ActiveViewers(ctx, ViewersCommand{ResourceID: "post-1"})
	if err != nil {
		t.Fatalf("viewers: %v", err)
	}
	if len(res.Viewers) != 2 {
		t.Fatalf("viewers = %d, want 2", len(res.Viewers))
	}
	if res.Viewers[0].UserID != "bob" {
		t.Fatalf("newest viewer = %s, want bob", res.Viewers[0].UserID)
	}
}

func TestExpiredViewersFiltered(t *testing.T) {
	ctx := context.Background()
	svc, clk := newTestService(t)

	if _, err := svc.Heartbeat(ctx, HeartbeatCommand{ResourceID: "post-1", UserID: "alice"}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	clk.Advance(90 * time.Second)
	if _, err := svc.Heartbeat(ctx, HeartbeatCommand{ResourceID: "post-1", UserID: "bob"}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	// Alice's entry is now past its TTL but still stored.
	clk.Advance(40 * time.Second)

	res, err := svc.ActiveViewers(ctx, ViewersCommand{ResourceID: "post-1"})
	if err != nil {
		t.Fatalf("viewers: %v", err)
	}
	if len(res.Viewers) != 1 || res.Viewers[0].UserID != "bob" {
		t.Fatalf("viewers = %+v, want only bob", res.Viewers)
	}
}

func TestHeartbeatRefreshKeepsViewerAlive(t *testing.T) {
	ctx := context.Background()
	svc, clk := newTestService(t)

	for i := 0; i < 10; i++ {
		if _, err := svc.Heartbeat(ctx, HeartbeatCommand{ResourceID: "post-1", UserID: "alice"}); err != nil {
			t.Fatalf("heartbeat %d: %v", i, err)
		}
		clk.Advance(30 * time.Second)
	}
	res, err := svc.ActiveViewers(ctx, ViewersCommand{ResourceID: "post-1"})
	if err != nil {
		t.Fatalf("viewers: %v", err)
	}
	if len(res.Viewers) != 1 {
		t.Fatalf("viewer dropped despite steady heartbeats")
	}
}

func TestLeaveRemovesViewer(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	if _, err := svc.Heartbeat(ctx, HeartbeatCommand{ResourceID: "post-1", UserID: "alice"}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if err := svc.Leave(ctx, HeartbeatCommand{ResourceID: "post-1", UserID: "alice"}); err != nil {
		t.Fatalf("leave: %v", err)
	}
	res, err := svc.ActiveViewers(ctx, ViewersCommand{ResourceID: "post-1"})
	if err != nil {
		t.Fatalf("viewers: %v", err)
	}
	if len(res.Viewers) != 0 {
		t.Fatalf("viewers = %+v, want none", res.Viewers)
	}
}

func TestSweepExpiredRemovesStaleState(t *testing.T) {
	ctx := context.Background()
	svc, clk := newTestService(t)

	if _, err := svc.Heartbeat(ctx, HeartbeatCommand{ResourceID: "post-1", UserID: "alice"}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if _, err := svc.Acquire(ctx, AcquireCommand{ResourceID: "post-1", HolderID: "alice"}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := svc.Acquire(ctx, AcquireCommand{ResourceID: "post-2", HolderID: "bob"}); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Expire alice's presence and both locks, then refresh bob's lock so the
	// sweep must leave it alone.
	clk.Advance(DefaultLockTTL + time.Minute)
	if _, err := svc.Acquire(ctx, AcquireCommand{ResourceID: "post-2", HolderID: "bob"}); err != nil {
		t.Fatalf("re-acquire: %v", err)
	}

	removed, err := svc.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2 (presence + post-1 lock)", removed)
	}

	status, err := svc.Status(ctx, StatusCommand{ResourceID: "post-2", RequesterID: "bob"})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.Locked {
		t.Fatalf("live lock removed by sweep")
	}
}

func TestHeartbeatValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	var failure Failure
	_, err := svc.Heartbeat(ctx, HeartbeatCommand{UserID: "alice"})
	if !errors.As(err, &failure) || failure.Code != "missing_resource" {
		t.Fatalf("missing resource: %v", err)
	}
	_, err = svc.Heartbeat(ctx, HeartbeatCommand{ResourceID: "post-1"})
	if !errors.As(err, &failure) || failure.Code != "missing_user" {
		t.Fatalf("missing user: %v", err)
	}
}
