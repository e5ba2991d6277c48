package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/coeditd"
	"pkt.systems/coeditd/internal/loggingutil"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("COEDITD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "coeditd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if err != context.Canceled {
			loggingutil.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "coeditd",
		Short:         "coeditd coordinates collaborative editing: edit locks, presence, auto-save, and review workflow",
		SilenceErrors: true,
		Example: `
  # In-memory storage (tests/dev only)
  coeditd --store mem://

  # SQLite-backed storage
  coeditd --store sqlite:///var/lib/coeditd/coeditd.db

  # Publish events to the CMS webhook receiver
  COEDITD_STORE=sqlite:///var/lib/coeditd/coeditd.db coeditd --webhook http://cms.internal/hooks/coedit
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cmd.SilenceUsage = true
			ctx := cmd.Context()

			cfg, err := bindConfig(v)
			if err != nil {
				return err
			}
			if level, ok := pslog.ParseLevel(strings.TrimSpace(v.GetString("log-level"))); ok {
				logger = logger.LogLevel(level)
			}
			cliLogger := loggingutil.WithSubsystem(logger, "cli.root")
			loggingutil.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to coeditd",
				"pid", os.Getpid(),
				"store", cfg.Store,
			)

			server, err := coeditd.NewServer(cfg, coeditd.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), coeditd.DefaultShutdownTimeout)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), coeditd.DefaultShutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.String("listen", coeditd.DefaultListen, "listen address")
	flags.String("store", coeditd.DefaultStore, "storage backend URL (mem://, sqlite://<path>)")
	flags.Duration("lock-ttl", coeditd.DefaultLockTTL, "default edit-lock TTL")
	flags.Duration("max-lock-ttl", coeditd.DefaultMaxLockTTL, "maximum edit-lock TTL callers may request")
	flags.Duration("presence-ttl", coeditd.DefaultPresenceTTL, "presence entry TTL without a fresh heartbeat")
	flags.Duration("sweep-interval", coeditd.DefaultSweepInterval, "interval between expiry sweeps")
	flags.String("json-max", humanizeBytes(coeditd.DefaultJSONMaxBytes), "maximum JSON payload size")
	flags.Int("storage-retry-attempts", coeditd.DefaultStorageRetryMaxAttempts, "maximum storage retry attempts")
	flags.Duration("storage-retry-base-delay", coeditd.DefaultStorageRetryBaseDelay, "initial backoff for storage retries")
	flags.Duration("storage-retry-max-delay", coeditd.DefaultStorageRetryMaxDelay, "maximum backoff delay for storage retries")
	flags.Float64("storage-retry-multiplier", coeditd.DefaultStorageRetryMultiplier, "backoff multiplier for storage retries")
	flags.StringSlice("webhook", nil, "webhook URL receiving publish/content events (repeatable)")
	flags.Duration("webhook-timeout", coeditd.DefaultWebhookTimeout, "timeout per webhook delivery attempt")
	flags.String("metrics-listen", coeditd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", coeditd.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Bool("http-tracing", false, "trace every HTTP request with OTel spans")
	flags.Int("http2-max-concurrent-streams", coeditd.DefaultMaxConcurrentStreams, "maximum concurrent HTTP/2 streams per connection (negative disables the cap)")
	flags.String("log-level", "info", "minimum log level (trace, debug, info, warn, error)")

	v.SetEnvPrefix("COEDITD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	flags.VisitAll(func(f *pflag.Flag) {
		if err := v.BindPFlag(f.Name, f); err != nil {
			panic(err)
		}
	})

	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindConfig(v *viper.Viper) (coeditd.Config, error) {
	cfg := coeditd.Config{
		Listen:                    v.GetString("listen"),
		Store:                     v.GetString("store"),
		LockTTL:                   v.GetDuration("lock-ttl"),
		MaxLockTTL:                v.GetDuration("max-lock-ttl"),
		PresenceTTL:               v.GetDuration("presence-ttl"),
		SweepInterval:             v.GetDuration("sweep-interval"),
		StorageRetryMaxAttempts:   v.GetInt("storage-retry-attempts"),
		StorageRetryBaseDelay:     v.GetDuration("storage-retry-base-delay"),
		StorageRetryMaxDelay:      v.GetDuration("storage-retry-max-delay"),
		StorageRetryMultiplier:    v.GetFloat64("storage-retry-multiplier"),
		WebhookURLs:               v.GetStringSlice("webhook"),
		WebhookTimeout:            v.GetDuration("webhook-timeout"),
		MetricsListen:             v.GetString("metrics-listen"),
		PprofListen:               v.GetString("pprof-listen"),
		OTLPEndpoint:              v.GetString("otlp-endpoint"),
		HTTPTracing:               v.GetBool("http-tracing"),
		HTTP2MaxConcurrentStreams: v.GetInt("http2-max-concurrent-streams"),
	}
	if raw := v.GetString("json-max"); raw != "" {
		size, err := humanize.ParseBytes(raw)
		if err != nil {
			return cfg, fmt.Errorf("parse json-max: %w", err)
		}
		cfg.JSONMaxBytes = int64(size)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
