package coeditd

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/coeditd/client"
	"pkt.systems/coeditd/internal/storage"
)

// TestServer wraps a running coeditd.Server with convenient handles for tests.
type TestServer struct {
	Server  *Server
	BaseURL string
	Client  *client.Client
	Config  Config

	stop    func(context.Context) error
	backend storage.Backend
}

type testingWriter struct {
	t  testing.TB
	mu sync.Mutex
	// closed guards against writes after the associated test has finished.
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		w.t.Helper()
		func(entry string) {
			defer func() {
				if r := recover(); r != nil {
					if strings.Contains(fmt.Sprint(r), "Log in goroutine after") {
						return
					}
					panic(r)
				}
			}()
			w.t.Log(entry)
		}(string(line))
	}
	return len(p), nil
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger creates a pslog logger that writes through testing.TB.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	return pslog.NewStructured(context.Background(), writer).LogLevel(level).With("app", "testserver")
}

// Stop shuts down the server using the provided context.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil || ts.stop == nil {
		return nil
	}
	return ts.stop(ctx)
}

// Backend exposes the storage backend used by the server.
func (ts *TestServer) Backend() storage.Backend {
	if ts == nil {
		return nil
	}
	return ts.backend
}

// NewClient returns a new client configured against the test server.
func (ts *TestServer) NewClient(opts ...client.Option) (*client.Client, error) {
	if ts == nil {
		return nil, fmt.Errorf("nil test server")
	}
	return client.New(ts.BaseURL, opts...)
}

type testServerOptions struct {
	cfg           Config
	mutators      []func(*Config)
	backend       storage.Backend
	logger        pslog.Logger
	clientOpts    []client.Option
	disableClient bool
	startTimeout  time.Duration
}

// TestServerOption customises StartTestServer behaviour.
type TestServerOption func(*testServerOptions)

// WithTestConfigFunc applies a mutation to the server configuration before
// start.
func WithTestConfigFunc(fn func(*Config)) TestServerOption {
	return func(o *testServerOptions) {
		if fn != nil {
			o.mutators = append(o.mutators, fn)
		}
	}
}

// WithTestStore sets the storage URL while still defaulting other values.
func WithTestStore(store string) TestServerOption {
	return WithTestConfigFunc(func(cfg *Config) {
		cfg.Store = store
	})
}

// WithTestBackend injects a pre-built backend (shared between servers if
// desired).
func WithTestBackend(backend storage.Backend) TestServerOption {
	return func(o *testServerOptions) {
		o.backend = backend
	}
}

// WithTestLogger supplies a custom logger.
func WithTestLogger(logger pslog.Logger) TestServerOption {
	return func(o *testServerOptions) {
		o.logger = logger
	}
}

// WithTestClientOptions appends client options used when auto-constructing
// the helper client.
func WithTestClientOptions(opts ...client.Option) TestServerOption {
	return func(o *testServerOptions) {
		o.clientOpts = append(o.clientOpts, opts...)
	}
}

// WithoutTestClient disables automatic client creation.
func WithoutTestClient() TestServerOption {
	return func(o *testServerOptions) {
		o.disableClient = true
	}
}

// StartTestServer starts a server on a loopback port and registers cleanup
// with t. It blocks until the listener is ready.
func StartTestServer(t testing.TB, opts ...TestServerOption) *TestServer {
	t.Helper()
	o := testServerOptions{startTimeout: 10 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	cfg := o.cfg
	cfg.Listen = "127.0.0.1:0"
	for _, fn := range o.mutators {
		fn(&cfg)
	}
	serverOpts := []Option{}
	if o.logger != nil {
		serverOpts = append(serverOpts, WithLogger(o.logger))
	}
	if o.backend != nil {
		serverOpts = append(serverOpts, WithBackend(o.backend))
	}
	srv, err := NewServer(cfg, serverOpts...)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- srv.Start()
	}()
	readyCtx, cancel := context.WithTimeout(context.Background(), o.startTimeout)
	defer cancel()
	if err := srv.WaitUntilReady(readyCtx); err != nil {
		_ = srv.Close()
		t.Fatalf("test server never became ready: %v", err)
	}
	addr := srv.ListenerAddr()
	if addr == nil {
		_ = srv.Close()
		t.Fatalf("test server has no listener address")
	}

	ts := &TestServer{
		Server:  srv,
		BaseURL: "http://" + addr.String(),
		Config:  cfg,
		backend: srv.backend,
		stop: func(ctx context.Context) error {
			err := srv.Shutdown(ctx)
			select {
			case serveErr := <-serveDone:
				if err == nil {
					err = serveErr
				}
			case <-ctx.Done():
			}
			return err
		},
	}
	if !o.disableClient {
		cli, err := ts.NewClient(o.clientOpts...)
		if err != nil {
			_ = ts.Stop(context.Background())
			t.Fatalf("build test client: %v", err)
		}
		ts.Client = cli
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ts.Stop(ctx)
	})
	return ts
}
