// Package httpapi exposes the coordination services over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/coeditd/api"
	"pkt.systems/coeditd/internal/clock"
	"pkt.systems/coeditd/internal/collab"
	"pkt.systems/coeditd/internal/loggingutil"
	"pkt.systems/coeditd/internal/storage"
	"pkt.systems/pslog"
)

const (
	headerUser     = "X-Coedit-User"
	headerUserName = "X-Coedit-User-Name"
)

// Config parameterizes the Handler.
type Config struct {
	Service     *collab.Service
	Logger      pslog.Logger
	Clock       clock.Clock
	HTTPTracing bool
	// JSONMaxBytes bounds request bodies. Zero means 1 MiB.
	JSONMaxBytes int64
}

// Handler wires HTTP endpoints to the collaboration services.
type Handler struct {
	svc                *collab.Service
	logger             pslog.Logger
	clock              clock.Clock
	tracer             trace.Tracer
	httpTracingEnabled bool
	jsonMaxBytes       int64
}

// New constructs a Handler.
func New(cfg Config) *Handler {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	maxBytes := cfg.JSONMaxBytes
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	return &Handler{
		svc:                cfg.Service,
		logger:             loggingutil.EnsureLogger(cfg.Logger),
		clock:              clk,
		tracer:             otel.Tracer("pkt.systems/coeditd/httpapi"),
		httpTracingEnabled: cfg.HTTPTracing,
		jsonMaxBytes:       maxBytes,
	}
}

// Register attaches all endpoints to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/v1/lock", h.wrap("lock", h.handleLock))
	mux.Handle("/v1/lock/takeover", h.wrap("lock.takeover", h.handleTakeover))
	mux.Handle("/v1/presence", h.wrap("presence", h.handlePresence))
	mux.Handle("/v1/workflow", h.wrap("workflow", h.handleWorkflow))
	mux.Handle("/v1/draft", h.wrap("draft", h.handleDraft))
	mux.Handle("/v1/publish", h.wrap("publish", h.handlePublish))
	mux.Handle("/v1/unpublish", h.wrap("unpublish", h.handleUnpublish))
	mux.Handle("/healthz", h.wrap("healthz", h.handleHealth))
	mux.Handle("/readyz", h.wrap("readyz", h.handleReady))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := loggingutil.Subsystem("httpapi", operation)
	httpSpanName := "coeditd.http." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		reqID := xid.New().String()
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, h.jsonMaxBytes)
		}

		instrument := h.httpTracingEnabled
		var span trace.Span
		if instrument {
			ctx, span = h.tracer.Start(ctx, "coeditd.op."+operation,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(
					attribute.String("coeditd.operation", operation),
					attribute.String("coeditd.route", r.URL.Path),
				),
			)
			defer span.End()
		} else {
			span = trace.SpanFromContext(ctx)
		}

		logger := loggingutil.WithSubsystem(h.logger, sys).With(
			"req_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
		)
		if user := userFromRequest(r); user != "" {
			logger = logger.With("user", user)
		}
		ctx = pslog.ContextWithLogger(ctx, logger)
		r = r.WithContext(ctx)

		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)

		if err := fn(w, r); err != nil {
			if instrument {
				span.RecordError(err)
				span.SetStatus(codes.Error, "handler_error")
				var httpErr httpError
				if errors.As(err, &httpErr) {
					span.SetAttributes(
						attribute.String("coeditd.error_code", httpErr.Code),
						attribute.Int("coeditd.error_status", httpErr.Status),
					)
				}
			}
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(r.Context(), w, err)
			return
		}
		if instrument {
			span.SetStatus(codes.Ok, "")
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})

	if !h.httpTracingEnabled {
		return handler
	}
	return otelhttp.NewHandler(handler, httpSpanName,
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any, headers map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	_ = enc.Encode(payload)
}

type httpError struct {
	Status     int
	Code       string
	Detail     string
	RetryAfter int64
	Lock       *storage.LockRecord
}

func (h httpError) Error() string {
	if h.Detail != "" {
		return fmt.Sprintf("%s: %s", h.Code, h.Detail)
	}
	return h.Code
}

// convertFailure maps transport-neutral collab failures onto HTTP-aware
// errors.
func convertFailure(err error) error {
	if err == nil {
		return nil
	}
	var failure collab.Failure
	if errors.As(err, &failure) {
		status := failure.HTTPStatus
		if status == 0 {
			status = http.StatusInternalServerError
		}
		return httpError{
			Status:     status,
			Code:       failure.Code,
			Detail:     failure.Detail,
			RetryAfter: failure.RetryAfter,
			Lock:       failure.Lock,
		}
	}
	switch {
	case errors.Is(err, storage.ErrCASMismatch):
		return httpError{Status: http.StatusConflict, Code: "cas_mismatch", Detail: "storage cas mismatch"}
	case errors.Is(err, storage.ErrNotFound):
		return httpError{Status: http.StatusNotFound, Code: "not_found", Detail: "resource not found"}
	}
	return err
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	var httpErr httpError
	if errors.As(err, &httpErr) {
		resp := api.ErrorResponse{
			Error:      httpErr.Code,
			Detail:     httpErr.Detail,
			RetryAfter: httpErr.RetryAfter,
			Lock:       lockToAPI(httpErr.Lock, ""),
		}
		headers := map[string]string{}
		if httpErr.RetryAfter > 0 {
			headers["Retry-After"] = strconv.FormatInt(httpErr.RetryAfter, 10)
		}
		h.writeJSON(w, httpErr.Status, resp, headers)
		return
	}
	logger.Error("http.request.internal", "error", err)
	resp := api.ErrorResponse{
		Error:  "internal_error",
		Detail: "internal server error",
	}
	h.writeJSON(w, http.StatusInternalServerError, resp, nil)
}
