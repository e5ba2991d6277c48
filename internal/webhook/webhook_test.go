package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func TestPublishDeliversEnvelope(t *testing.T) {
	var mu sync.Mutex
	var received []Event
	var headers []http.Header

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var event Event
		if err := json.Unmarshal(body, &event); err != nil {
			t.Errorf("decode: %v", err)
		}
		mu.Lock()
		received = append(received, event)
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	d := New(Config{Endpoints: []string{server.URL}})
	d.Publish(context.Background(), "post.published", map[string]string{"resource_id": "post-1"})
	d.Flush()

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(received))
	}
	event := received[0]
	if event.Type != "post.published" || event.ID == "" || event.OccurredAtUnix == 0 {
		t.Fatalf("event = %+v", event)
	}
	if headers[0].Get("X-Coedit-Event") != "post.published" {
		t.Fatalf("missing event header: %v", headers[0])
	}
	if headers[0].Get("X-Coedit-Delivery") != event.ID {
		t.Fatalf("delivery header mismatch")
	}
}

func TestPublishFansOutToAllEndpoints(t *testing.T) {
	var mu sync.Mutex
	hits := map[string]int{}
	handler := func(name string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			hits[name]++
			mu.Unlock()
		}
	}
	first := httptest.NewServer(handler("first"))
	defer first.Close()
	second := httptest.NewServer(handler("second"))
	defer second.Close()

	d := New(Config{Endpoints: []string{first.URL, second.URL}})
	d.Publish(context.Background(), "post.unpublished", nil)
	d.Flush()

	mu.Lock()
	defer mu.Unlock()
	if hits["first"] != 1 || hits["second"] != 1 {
		t.Fatalf("hits = %v", hits)
	}
}

func TestPublishSurvivesFailingEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer server.Close()

	d := New(Config{Endpoints: []string{server.URL, "http://127.0.0.1:1/unreachable"}})
	// Must not panic or block; failures are logged only.
	d.Publish(context.Background(), "content.created", nil)
	d.Flush()
}

func TestPublishNoEndpointsIsNoop(t *testing.T) {
	d := New(Config{})
	d.Publish(context.Background(), "post.published", nil)
	d.Flush()
}
