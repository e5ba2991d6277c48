package client

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/coeditd/api"
	"pkt.systems/coeditd/internal/loggingutil"
)

// PresenceStatus is the tracker's connection state.
type PresenceStatus string

const (
	// PresenceDisconnected means the tracker is stopped.
	PresenceDisconnected PresenceStatus = "disconnected"
	// PresenceConnecting means no request has succeeded yet, or a heartbeat
	// failed recently and the tracker is retrying on its regular cadence.
	PresenceConnecting PresenceStatus = "connecting"
	// PresenceConnected means the last heartbeat succeeded.
	PresenceConnected PresenceStatus = "connected"
	// PresenceError means heartbeats keep failing and the tracker is backing
	// off between attempts.
	PresenceError PresenceStatus = "error"
)

const (
	// DefaultHeartbeatInterval paces presence heartbeats.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultPollInterval paces viewer list refreshes.
	DefaultPollInterval = 10 * time.Second
)

// PresenceTrackerConfig configures TrackPresence.
type PresenceTrackerConfig struct {
	// ResourceID is the resource to stay visible on.
	ResourceID string
	// HeartbeatInterval overrides the heartbeat pacing.
	HeartbeatInterval time.Duration
	// PollInterval overrides the viewer poll pacing.
	PollInterval time.Duration
	// OnViewers is called with the fresh viewer list after each poll.
	OnViewers func([]api.Viewer)
	// OnStatus is called whenever the tracker's status changes.
	OnStatus func(PresenceStatus)
}

// PresenceTracker keeps the client visible as an active viewer and mirrors
// the viewer list. Heartbeats that keep failing flip the status to error and
// the tracker paces reconnect attempts with the client's backoff policy.
type PresenceTracker struct {
	client *Client
	cfg    PresenceTrackerConfig
	logger pslog.Logger

	cancel context.CancelFunc
	done   sync.WaitGroup

	mu       sync.Mutex
	status   PresenceStatus
	failures int
	viewers  []api.Viewer
}

// TrackPresence starts heartbeat and viewer-poll loops for resourceID. Stop
// releases the presence entry.
func (c *Client) TrackPresence(cfg PresenceTrackerConfig) (*PresenceTracker, error) {
	if strings.TrimSpace(cfg.ResourceID) == "" {
		return nil, fmt.Errorf("client: presence tracker needs a resource id")
	}
	if c.userID == "" {
		return nil, fmt.Errorf("client: presence tracker needs a user identity (WithUser)")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &PresenceTracker{
		client: c,
		cfg:    cfg,
		logger: loggingutil.WithSubsystem(c.logger, "client.presence"),
		cancel: cancel,
		status: PresenceConnecting,
	}
	t.done.Add(2)
	go t.heartbeatLoop(ctx)
	go t.pollLoop(ctx)
	return t, nil
}

// Status reports the tracker's connection state.
func (t *PresenceTracker) Status() PresenceStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Viewers returns the most recent viewer snapshot.
func (t *PresenceTracker) Viewers() []api.Viewer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]api.Viewer, len(t.viewers))
	copy(out, t.viewers)
	return out
}

// Stop ends both loops and removes the presence entry.
func (t *PresenceTracker) Stop(ctx context.Context) error {
	t.cancel()
	t.done.Wait()
	t.setStatus(PresenceDisconnected)
	if err := t.client.Leave(ctx, t.cfg.ResourceID); err != nil {
		return fmt.Errorf("leave %s: %w", t.cfg.ResourceID, err)
	}
	return nil
}

func (t *PresenceTracker) heartbeatLoop(ctx context.Context) {
	defer t.done.Done()
	for {
		_, err := t.client.Heartbeat(ctx, t.cfg.ResourceID)
		if ctx.Err() != nil {
			// A late response must not mutate state after Stop.
			return
		}
		wait := t.cfg.HeartbeatInterval
		if err == nil {
			t.resetFailures()
			t.setStatus(PresenceConnected)
		} else {
			failures := t.recordFailure()
			t.logger.Warn("presence.heartbeat.failed",
				"resource", t.cfg.ResourceID,
				"failures", failures,
				"error", err,
			)
			if d := t.client.backoff.Delay(failures); d > 0 {
				t.setStatus(PresenceError)
				wait = d
			} else {
				// Early failures stay on the heartbeat cadence.
				t.setStatus(PresenceConnecting)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-t.client.clock.After(wait):
		}
	}
}

func (t *PresenceTracker) pollLoop(ctx context.Context) {
	defer t.done.Done()
	for {
		resp, err := t.client.ActiveViewers(ctx, t.cfg.ResourceID)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			t.mu.Lock()
			t.viewers = resp.Viewers
			t.mu.Unlock()
			// A reachable server counts as connected even while heartbeats
			// are still catching up.
			t.resetFailures()
			t.setStatus(PresenceConnected)
			if t.cfg.OnViewers != nil {
				t.cfg.OnViewers(resp.Viewers)
			}
		} else {
			t.logger.Debug("presence.poll.failed", "resource", t.cfg.ResourceID, "error", err)
			t.setStatus(PresenceError)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.client.clock.After(t.cfg.PollInterval):
		}
	}
}

func (t *PresenceTracker) recordFailure() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures++
	return t.failures
}

func (t *PresenceTracker) resetFailures() {
	t.mu.Lock()
	t.failures = 0
	t.mu.Unlock()
}

func (t *PresenceTracker) setStatus(status PresenceStatus) {
	t.mu.Lock()
	changed := t.status != status
	t.status = status
	t.mu.Unlock()
	if changed && t.cfg.OnStatus != nil {
		t.cfg.OnStatus(status)
	}
}
