package coeditd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"golang.org/x/net/http2"
	"pkt.systems/pslog"

	"pkt.systems/coeditd/internal/clock"
	"pkt.systems/coeditd/internal/collab"
	"pkt.systems/coeditd/internal/httpapi"
	"pkt.systems/coeditd/internal/loggingutil"
	"pkt.systems/coeditd/internal/storage"
	"pkt.systems/coeditd/internal/storage/retry"
	"pkt.systems/coeditd/internal/webhook"
)

// Server hosts the coordination API over HTTP and owns the storage backend,
// the webhook dispatcher, and the expiry sweeper.
type Server struct {
	cfg        Config
	logger     pslog.Logger
	clock      clock.Clock
	backend    storage.Backend
	ownBackend bool
	svc        *collab.Service
	dispatcher *webhook.Dispatcher
	httpSrv    *http.Server
	listener   net.Listener
	telemetry  *telemetryBundle

	sweeperStop chan struct{}
	sweeperDone sync.WaitGroup
	readyOnce   sync.Once
	readyCh     chan struct{}

	mu       sync.Mutex
	serveErr error
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger  pslog.Logger
	Backend storage.Backend
	Clock   clock.Clock
	Events  collab.EventPublisher
	Cache   collab.CacheInvalidator
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithBackend injects a pre-built backend (useful for tests).
func WithBackend(b storage.Backend) Option {
	return func(o *options) {
		o.Backend = b
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithEvents replaces the webhook dispatcher as the event sink.
func WithEvents(p collab.EventPublisher) Option {
	return func(o *options) {
		o.Events = p
	}
}

// WithCache sets the cache invalidation hook fired on publish transitions.
func WithCache(c collab.CacheInvalidator) Option {
	return func(o *options) {
		o.Cache = c
	}
}

// NewServer assembles a Server from cfg. The caller runs it with Start:
//
//	srv, err := coeditd.NewServer(cfg)
//	if err != nil {
//		...
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := loggingutil.EnsureLogger(o.Logger)
	clk := o.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	telemetry, err := setupTelemetry(context.Background(), cfg, logger)
	if err != nil {
		return nil, err
	}

	backend := o.Backend
	ownBackend := false
	if backend == nil {
		backend, err = openBackend(cfg.Store)
		if err != nil {
			_ = telemetry.Shutdown(context.Background())
			return nil, err
		}
		ownBackend = true
	}
	backend = retry.Wrap(backend, logger, clk, retry.Config{
		MaxAttempts: cfg.StorageRetryMaxAttempts,
		BaseDelay:   cfg.StorageRetryBaseDelay,
		MaxDelay:    cfg.StorageRetryMaxDelay,
		Multiplier:  cfg.StorageRetryMultiplier,
	})

	events := o.Events
	var dispatcher *webhook.Dispatcher
	if events == nil && len(cfg.WebhookURLs) > 0 {
		dispatcher = webhook.New(webhook.Config{
			Endpoints: cfg.WebhookURLs,
			Timeout:   cfg.WebhookTimeout,
			Logger:    logger,
		})
		events = dispatcher
	}

	svc := collab.New(collab.Config{
		Store:       backend,
		Logger:      logger,
		Clock:       clk,
		LockTTL:     cfg.LockTTL,
		MaxLockTTL:  cfg.MaxLockTTL,
		PresenceTTL: cfg.PresenceTTL,
		Events:      events,
		Cache:       o.Cache,
	})

	handler := httpapi.New(httpapi.Config{
		Service:      svc,
		Logger:       logger,
		Clock:        clk,
		HTTPTracing:  cfg.HTTPTracing,
		JSONMaxBytes: cfg.JSONMaxBytes,
	})
	mux := http.NewServeMux()
	handler.Register(mux)

	httpSrv := &http.Server{Handler: mux}
	if cfg.HTTP2MaxConcurrentStreams > 0 {
		h2 := &http2.Server{MaxConcurrentStreams: uint32(cfg.HTTP2MaxConcurrentStreams)}
		if err := http2.ConfigureServer(httpSrv, h2); err != nil {
			if ownBackend {
				_ = backend.Close()
			}
			_ = telemetry.Shutdown(context.Background())
			return nil, fmt.Errorf("configure http2: %w", err)
		}
	}

	return &Server{
		cfg:        cfg,
		logger:     logger,
		clock:      clk,
		backend:    backend,
		ownBackend: ownBackend,
		svc:        svc,
		dispatcher: dispatcher,
		httpSrv:    httpSrv,
		telemetry:  telemetry,
		readyCh:    make(chan struct{}),
	}, nil
}

// Handler returns the HTTP handler so the API can be mounted inside an
// existing mux when embedding the server into another program.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Service exposes the collaboration service for embedders.
func (s *Server) Service() *collab.Service {
	return s.svc
}

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.signalReady()
	s.logger.Info("listening", "address", ln.Addr().String(), "store", s.cfg.Store)
	s.startSweeper()
	defer s.stopSweeper()
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	return serveErr
}

// Shutdown stops the server gracefully and releases its resources.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	s.stopSweeper()
	if s.dispatcher != nil {
		s.dispatcher.Flush()
	}
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("close listener: %w", err))
		}
	}
	if s.ownBackend {
		if err := s.backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close backend: %w", err))
		}
	}
	if err := s.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.Info("server.stopped")
	return nil
}

// Close shuts the server down with a bounded timeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the listener is up or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr reports the bound address, or nil before Start.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serveErr = err
}

func (s *Server) startSweeper() {
	s.mu.Lock()
	if s.sweeperStop != nil {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.sweeperStop = stop
	s.mu.Unlock()

	s.sweeperDone.Add(1)
	go func() {
		defer s.sweeperDone.Done()
		for {
			select {
			case <-stop:
				return
			case <-s.clock.After(s.cfg.SweepInterval):
			}
			removed, err := s.svc.SweepExpired(context.Background())
			if err != nil {
				s.logger.Warn("sweep.failed", "error", err)
				continue
			}
			if removed > 0 {
				s.logger.Debug("sweep.completed", "removed", removed)
			}
		}
	}()
}

func (s *Server) stopSweeper() {
	s.mu.Lock()
	stop := s.sweeperStop
	s.sweeperStop = nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	s.sweeperDone.Wait()
}
