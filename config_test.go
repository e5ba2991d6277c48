package coeditd

import (
	"testing"
	"time"
)

func TestConfigValidateDefaults(t *testing.T) {
	cfg := Config{Store: "mem://"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Listen != DefaultListen {
		t.Fatalf("expected listen default %q, got %q", DefaultListen, cfg.Listen)
	}
	if cfg.LockTTL != DefaultLockTTL || cfg.MaxLockTTL != DefaultMaxLockTTL {
		t.Fatal("expected lock ttl defaults")
	}
	if cfg.PresenceTTL != DefaultPresenceTTL {
		t.Fatalf("expected presence ttl default, got %s", cfg.PresenceTTL)
	}
	if cfg.SweepInterval != DefaultSweepInterval {
		t.Fatalf("expected sweep interval default, got %s", cfg.SweepInterval)
	}
	if cfg.JSONMaxBytes != DefaultJSONMaxBytes {
		t.Fatalf("expected json max default, got %d", cfg.JSONMaxBytes)
	}
	if cfg.StorageRetryMaxAttempts <= 0 || cfg.StorageRetryBaseDelay <= 0 || cfg.StorageRetryMultiplier <= 0 {
		t.Fatal("expected storage retry defaults")
	}
	if cfg.WebhookTimeout != DefaultWebhookTimeout {
		t.Fatalf("expected webhook timeout default, got %s", cfg.WebhookTimeout)
	}
	if cfg.HTTP2MaxConcurrentStreams != DefaultMaxConcurrentStreams {
		t.Fatalf("expected http2 max concurrent streams default %d, got %d", DefaultMaxConcurrentStreams, cfg.HTTP2MaxConcurrentStreams)
	}
}

func TestConfigEmptyStoreDefaultsToMemory(t *testing.T) {
	var cfg Config
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Store != DefaultStore {
		t.Fatalf("expected store default %q, got %q", DefaultStore, cfg.Store)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	cfg := Config{Store: "mem://", LockTTL: 10 * time.Minute, MaxLockTTL: 5 * time.Minute}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for max lock ttl below lock ttl")
	}
	cfg = Config{Store: "postgres://nope"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unsupported store url")
	}
	cfg = Config{Store: "sqlite://"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for sqlite url without path")
	}
	cfg = Config{Store: "mem://", WebhookURLs: []string{"https://cms.example/hook", "  "}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for blank webhook url")
	}
}

func TestConfigHTTP2MaxConcurrentStreamsNegativeDisables(t *testing.T) {
	cfg := Config{Store: "mem://", HTTP2MaxConcurrentStreams: -1}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.HTTP2MaxConcurrentStreams != -1 {
		t.Fatalf("expected http2 max concurrent streams to stay -1, got %d", cfg.HTTP2MaxConcurrentStreams)
	}
}

func TestResolveOTLPTarget(t *testing.T) {
	cases := []struct {
		raw      string
		protocol string
		endpoint string
		path     string
		insecure bool
		wantErr  bool
	}{
		{raw: "collector:4317", protocol: "grpc", endpoint: "collector:4317", insecure: true},
		{raw: "collector", protocol: "grpc", endpoint: "collector:4317", insecure: true},
		{raw: "grpc://collector", protocol: "grpc", endpoint: "collector:4317", insecure: true},
		{raw: "grpcs://collector:9443", protocol: "grpc", endpoint: "collector:9443"},
		{raw: "http://collector", protocol: "http", endpoint: "collector:4318", insecure: true},
		{raw: "https://collector/v1/traces", protocol: "http", endpoint: "collector:4318", path: "/v1/traces"},
		{raw: "ftp://collector", wantErr: true},
		{raw: "", wantErr: true},
	}
	for _, tc := range cases {
		target, err := resolveOTLPTarget(tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%q: expected error", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", tc.raw, err)
		}
		if target.protocol != tc.protocol || target.endpoint != tc.endpoint || target.path != tc.path || target.insecure != tc.insecure {
			t.Fatalf("%q: got %+v", tc.raw, target)
		}
	}
}
