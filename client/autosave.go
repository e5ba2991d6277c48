package client

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/coeditd/internal/clock"
	"pkt.systems/coeditd/internal/loggingutil"
)

// SaveStatus is the auto-saver's reported state.
type SaveStatus string

const (
	// SaveIdle means no save is pending or running.
	SaveIdle SaveStatus = "idle"
	// SaveInFlight means a save request is on the wire.
	SaveInFlight SaveStatus = "saving"
	// SaveDone means the latest content reached the server.
	SaveDone SaveStatus = "saved"
	// SaveFailed means the save and its retry both failed.
	SaveFailed SaveStatus = "error"
)

const (
	// DefaultDebounce is the pause after the last edit before saving.
	DefaultDebounce = 2500 * time.Millisecond
	// DefaultSaveRetryDelay is the wait before the single retry of a failed
	// save.
	DefaultSaveRetryDelay = 5 * time.Second
)

// AutoSaverConfig configures NewAutoSaver.
type AutoSaverConfig struct {
	// ResourceID is the document being edited.
	ResourceID string
	// Debounce overrides the quiet period before a scheduled save fires.
	Debounce time.Duration
	// RetryDelay overrides the wait before retrying a failed save.
	RetryDelay time.Duration
	// OnStatus is called on every status change. err is non-nil only for
	// SaveFailed.
	OnStatus func(status SaveStatus, err error)
}

// AutoSaver debounces draft saves. Saves are strictly sequential: while one
// is in flight further schedules collapse into a single queued follow-up. A
// failed save is retried once; a second consecutive failure parks the saver
// in the error state until the next schedule.
type AutoSaver struct {
	client *Client
	cfg    AutoSaverConfig
	logger pslog.Logger

	mu          sync.Mutex
	content     string
	dirty       bool
	saving      bool
	retried     bool
	closed      bool
	status      SaveStatus
	lastSavedAt time.Time
	timer       clock.Timer
	inflight    sync.WaitGroup
}

// NewAutoSaver builds an AutoSaver for resourceID.
func (c *Client) NewAutoSaver(cfg AutoSaverConfig) (*AutoSaver, error) {
	if strings.TrimSpace(cfg.ResourceID) == "" {
		return nil, fmt.Errorf("client: auto saver needs a resource id")
	}
	if c.userID == "" {
		return nil, fmt.Errorf("client: auto saver needs a user identity (WithUser)")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultSaveRetryDelay
	}
	return &AutoSaver{
		client: c,
		cfg:    cfg,
		logger: loggingutil.WithSubsystem(c.logger, "client.autosave"),
		status: SaveIdle,
	}, nil
}

// ScheduleSave records new content and (re)arms the debounce timer. Edits
// arriving within the quiet period collapse into one save.
func (a *AutoSaver) ScheduleSave(content string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.content = content
	a.dirty = true
	a.retried = false
	if a.saving {
		// The running save picks the fresh content up as its follow-up.
		return
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = a.client.clock.AfterFunc(a.cfg.Debounce, a.timerFired)
}

// TriggerSave saves pending content immediately, bypassing the debounce.
func (a *AutoSaver) TriggerSave() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.saving || !a.dirty {
		return
	}
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.startSaveLocked()
}

// Status reports the saver's current state.
func (a *AutoSaver) Status() SaveStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// LastSavedAt reports when content last reached the server.
func (a *AutoSaver) LastSavedAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastSavedAt
}

// HasUnsavedChanges reports whether content newer than the last successful
// save exists.
func (a *AutoSaver) HasUnsavedChanges() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dirty
}

// Close cancels pending timers and waits for an in-flight save to finish.
// Unsaved content is not flushed; call TriggerSave first when that matters.
func (a *AutoSaver) Close() {
	a.mu.Lock()
	a.closed = true
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.mu.Unlock()
	a.inflight.Wait()
}

// timerFired runs on the debounce timer goroutine.
func (a *AutoSaver) timerFired() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.timer = nil
	if a.closed || a.saving || !a.dirty {
		return
	}
	a.startSaveLocked()
}

func (a *AutoSaver) startSaveLocked() {
	a.saving = true
	a.dirty = false
	content := a.content
	a.setStatusLocked(SaveInFlight, nil)
	a.inflight.Add(1)
	go a.save(content)
}

func (a *AutoSaver) save(content string) {
	defer a.inflight.Done()
	_, err := a.client.SaveDraft(context.Background(), a.cfg.ResourceID, content, true)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.saving = false
	if err != nil {
		a.logger.Warn("autosave.failed", "resource", a.cfg.ResourceID, "error", err)
		// The content that failed is still unsaved.
		if !a.dirty {
			a.content = content
			a.dirty = true
		}
		if a.retried || a.closed {
			// Second consecutive failure: surface the error and stop
			// retrying until the next schedule.
			a.setStatusLocked(SaveFailed, err)
			return
		}
		a.retried = true
		a.setStatusLocked(SaveFailed, nil)
		a.timer = a.client.clock.AfterFunc(a.cfg.RetryDelay, a.timerFired)
		return
	}
	a.retried = false
	a.lastSavedAt = a.client.clock.Now()
	if a.dirty {
		// A queued follow-up arrived mid-save.
		a.setStatusLocked(SaveDone, nil)
		if !a.closed {
			a.startSaveLocked()
		}
		return
	}
	a.setStatusLocked(SaveDone, nil)
}

func (a *AutoSaver) setStatusLocked(status SaveStatus, err error) {
	if a.status == status && err == nil {
		return
	}
	a.status = status
	if a.cfg.OnStatus != nil {
		cb := a.cfg.OnStatus
		go cb(status, err)
	}
}
