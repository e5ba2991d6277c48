// Package client is the Go SDK for the coeditd HTTP API. Besides thin
// wrappers around the wire endpoints it provides the editor-side
// coordination loops: PresenceTracker keeps a viewer visible to others, and
// AutoSaver debounces draft writes.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/coeditd/api"
	"pkt.systems/coeditd/internal/backoff"
	"pkt.systems/coeditd/internal/clock"
	"pkt.systems/coeditd/internal/loggingutil"
)

const (
	headerUser     = "X-Coedit-User"
	headerUserName = "X-Coedit-User-Name"

	defaultHTTPTimeout = 30 * time.Second
)

// Client is a convenience wrapper around the coeditd HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     pslog.Logger
	clock      clock.Clock
	backoff    backoff.Policy
	userID     string
	userName   string
}

// Option configures client instances.
type Option func(*Client)

// WithHTTPClient supplies a custom HTTP client/transport stack.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithLogger supplies a custom logger.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		c.logger = loggingutil.EnsureLogger(logger)
	}
}

// WithUser sets the identity sent with every request.
func WithUser(id, name string) Option {
	return func(c *Client) {
		c.userID = strings.TrimSpace(id)
		c.userName = strings.TrimSpace(name)
	}
}

// WithBackoff overrides the reconnect pacing used by PresenceTracker.
func WithBackoff(p backoff.Policy) Option {
	return func(c *Client) {
		c.backoff = p
	}
}

// WithClock injects a custom clock implementation.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// New constructs a client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("client: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("client: unsupported scheme %q", u.Scheme)
	}
	c := &Client{
		baseURL:    trimmed,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		logger:     loggingutil.EnsureLogger(nil),
		clock:      clock.Real{},
		backoff:    backoff.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// UserID reports the identity the client sends with requests.
func (c *Client) UserID() string {
	return c.userID
}

// AcquireLock requests the edit lock for resourceID. A zero ttl uses the
// server default. Conflicts surface as *LockConflictError.
func (c *Client) AcquireLock(ctx context.Context, resourceID string, ttl time.Duration) (*api.AcquireResponse, error) {
	req := api.AcquireRequest{ResourceID: resourceID, TTLSeconds: int64(ttl / time.Second)}
	var resp api.AcquireResponse
	if err := c.postJSON(ctx, "/v1/lock", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RefreshLock extends a held lock. The server treats a repeat acquire by the
// holder as a refresh.
func (c *Client) RefreshLock(ctx context.Context, resourceID string, ttl time.Duration) (*api.AcquireResponse, error) {
	return c.AcquireLock(ctx, resourceID, ttl)
}

// ReleaseLock gives up the edit lock. With force set, it releases a lock held
// by another user.
func (c *Client) ReleaseLock(ctx context.Context, resourceID string, force bool) (*api.ReleaseResponse, error) {
	q := url.Values{"resource": {resourceID}}
	if force {
		q.Set("force", "1")
	}
	var resp api.ReleaseResponse
	if err := c.doJSON(ctx, http.MethodDelete, "/v1/lock", q, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TakeoverLock transfers the edit lock to the caller regardless of a live
// holder.
func (c *Client) TakeoverLock(ctx context.Context, resourceID string, ttl time.Duration) (*api.TakeoverResponse, error) {
	req := api.TakeoverRequest{ResourceID: resourceID, TTLSeconds: int64(ttl / time.Second)}
	var resp api.TakeoverResponse
	if err := c.postJSON(ctx, "/v1/lock/takeover", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// LockStatus reports the current lock on resourceID.
func (c *Client) LockStatus(ctx context.Context, resourceID string) (*api.LockStatusResponse, error) {
	var resp api.LockStatusResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/lock", url.Values{"resource": {resourceID}}, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Heartbeat reports the caller as an active viewer of resourceID.
func (c *Client) Heartbeat(ctx context.Context, resourceID string) (*api.HeartbeatResponse, error) {
	var resp api.HeartbeatResponse
	if err := c.postJSON(ctx, "/v1/presence", nil, api.HeartbeatRequest{ResourceID: resourceID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ActiveViewers lists the non-expired viewers of resourceID.
func (c *Client) ActiveViewers(ctx context.Context, resourceID string) (*api.PresenceResponse, error) {
	var resp api.PresenceResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/presence", url.Values{"resource": {resourceID}}, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Leave removes the caller from the viewer list immediately.
func (c *Client) Leave(ctx context.Context, resourceID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/presence", url.Values{"resource": {resourceID}}, nil, nil)
}

// SubmitForReview moves the document into pending_review, optionally
// assigning a reviewer.
func (c *Client) SubmitForReview(ctx context.Context, resourceID, reviewerID string) (*api.WorkflowResponse, error) {
	return c.workflowAction(ctx, "submit-review", api.WorkflowRequest{ResourceID: resourceID, ReviewerID: reviewerID})
}

// Approve marks a document approved, with an optional comment.
func (c *Client) Approve(ctx context.Context, resourceID, comment string) (*api.WorkflowResponse, error) {
	return c.workflowAction(ctx, "approve", api.WorkflowRequest{ResourceID: resourceID, Comment: comment})
}

// Reject sends the document back to the author. The comment is mandatory.
func (c *Client) Reject(ctx context.Context, resourceID, comment string) (*api.WorkflowResponse, error) {
	return c.workflowAction(ctx, "reject", api.WorkflowRequest{ResourceID: resourceID, Comment: comment})
}

func (c *Client) workflowAction(ctx context.Context, action string, req api.WorkflowRequest) (*api.WorkflowResponse, error) {
	var resp api.WorkflowResponse
	if err := c.postJSON(ctx, "/v1/workflow", url.Values{"action": {action}}, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WorkflowStatus reports the document state, review comments, and reviewer.
func (c *Client) WorkflowStatus(ctx context.Context, resourceID string) (*api.WorkflowStatusResponse, error) {
	var resp api.WorkflowStatusResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/workflow", url.Values{"resource": {resourceID}}, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SaveDraft stores draft content. The caller must hold the edit lock.
func (c *Client) SaveDraft(ctx context.Context, resourceID, body string, autoSave bool) (*api.DraftResponse, error) {
	req := api.DraftRequest{ResourceID: resourceID, Body: body, AutoSave: autoSave}
	var resp api.DraftResponse
	if err := c.postJSON(ctx, "/v1/draft", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Publish makes an approved document publicly visible.
func (c *Client) Publish(ctx context.Context, resourceID string) (*api.WorkflowResponse, error) {
	var resp api.WorkflowResponse
	if err := c.postJSON(ctx, "/v1/publish", nil, api.PublishRequest{ResourceID: resourceID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Unpublish retracts a published document.
func (c *Client) Unpublish(ctx context.Context, resourceID string) (*api.WorkflowResponse, error) {
	var resp api.WorkflowResponse
	if err := c.postJSON(ctx, "/v1/unpublish", nil, api.PublishRequest{ResourceID: resourceID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Healthy reports whether the server answers its health endpoint.
func (c *Client) Healthy(ctx context.Context) error {
	var resp api.HealthResponse
	return c.doJSON(ctx, http.MethodGet, "/healthz", nil, nil, &resp)
}

func (c *Client) postJSON(ctx context.Context, path string, query url.Values, payload, out any) error {
	return c.doJSON(ctx, http.MethodPost, path, query, payload, out)
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, payload, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("client: encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userID != "" {
		req.Header.Set(headerUser, c.userID)
	}
	if c.userName != "" {
		req.Header.Set(headerUserName, c.userName)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("client: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return decodeError(resp, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}

// APIError describes an error response from coeditd.
type APIError struct {
	// Status is the HTTP status code returned by the server.
	Status int
	// Response is the decoded error envelope, when available.
	Response api.ErrorResponse
	// Body contains the raw response body for diagnostics.
	Body []byte
}

func (e *APIError) Error() string {
	if e.Response.Error != "" {
		return fmt.Sprintf("coeditd: %s (%s)", e.Response.Error, e.Response.Detail)
	}
	return fmt.Sprintf("coeditd: status %d", e.Status)
}

// RetryAfterDuration returns the back-off hinted by the server, zero when
// none was given.
func (e *APIError) RetryAfterDuration() time.Duration {
	if e == nil {
		return 0
	}
	return time.Duration(e.Response.RetryAfter) * time.Second
}

// LockConflictError is returned when another user holds the edit lock.
type LockConflictError struct {
	APIError
	// Lock describes the conflicting holder.
	Lock api.Lock
}

func (e *LockConflictError) Error() string {
	holder := e.Lock.HolderName
	if holder == "" {
		holder = e.Lock.HolderID
	}
	return fmt.Sprintf("coeditd: resource locked by %s", holder)
}

func decodeError(resp *http.Response, raw []byte) error {
	apiErr := APIError{Status: resp.StatusCode, Body: raw}
	_ = json.Unmarshal(raw, &apiErr.Response)
	if apiErr.Response.RetryAfter == 0 {
		if hdr := resp.Header.Get("Retry-After"); hdr != "" {
			if secs, err := strconv.ParseInt(hdr, 10, 64); err == nil {
				apiErr.Response.RetryAfter = secs
			}
		}
	}
	if apiErr.Response.Error == "lock_conflict" && apiErr.Response.Lock != nil {
		return &LockConflictError{APIError: apiErr, Lock: *apiErr.Response.Lock}
	}
	return &apiErr
}

// IsLockConflict reports whether err is a lock conflict and returns the
// conflicting lock.
func IsLockConflict(err error) (*api.Lock, bool) {
	var conflict *LockConflictError
	if errors.As(err, &conflict) {
		lock := conflict.Lock
		return &lock, true
	}
	return nil, false
}
