package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/louisbranch/proxyfeed/internal/platform/errors"
)

func noSleep(c *Client) {
	c.sleep = func(context.Context, time.Duration) error { return nil }
}

func newServer(t *testing.T, mux *Mux) *httptest.Server {
	t.Helper()
	e := echo.New()
	mux.Bind(e, "/rpc")
	server := httptest.NewServer(e)
	t.Cleanup(server.Close)
	return server
}

func TestCallRoundTrip(t *testing.T) {
	mux := NewMux()
	mux.Handle("localEvents", "publish", func(_ context.Context, payload json.RawMessage) (any, error) {
		var in map[string]string
		if err := json.Unmarshal(payload, &in); err != nil {
			return nil, err
		}
		return map[string]string{"echo": in["value"]}, nil
	})
	server := newServer(t, mux)

	client := NewClient(server.URL+"/rpc", "publisher")
	noSleep(client)

	var out map[string]string
	err := client.Call(context.Background(), "localEvents", "publish", map[string]string{"value": "hello"}, &out)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if out["echo"] != "hello" {
		t.Fatalf("payload = %v, want echo hello", out)
	}
}

func TestCallRetriesTransientFailures(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(Response{OK: true})
	}))
	t.Cleanup(server.Close)

	client := NewClient(server.URL, "publisher", WithAttempts(5))
	noSleep(client)

	if err := client.Call(context.Background(), "r", "c", nil, nil); err != nil {
		t.Fatalf("Call() error = %v, want recovery on third attempt", err)
	}
	if hits.Load() != 3 {
		t.Fatalf("attempts = %d, want 3", hits.Load())
	}
}

func TestCallExhaustsRetryBudget(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	client := NewClient(server.URL, "publisher", WithAttempts(3))
	noSleep(client)

	err := client.Call(context.Background(), "r", "c", nil, nil)
	if errors.CodeOf(err) != errors.CodeTransportExhausted {
		t.Fatalf("CodeOf(err) = %v, want %v", errors.CodeOf(err), errors.CodeTransportExhausted)
	}
	if hits.Load() != 3 {
		t.Fatalf("attempts = %d, want full budget of 3", hits.Load())
	}
}

func TestCallDoesNotRetryRejections(t *testing.T) {
	mux := NewMux()
	mux.Handle("r", "c", func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New(errors.CodeProxyFieldNotWritable, "nope")
	})
	server := newServer(t, mux)

	client := NewClient(server.URL+"/rpc", "publisher", WithAttempts(5))
	noSleep(client)

	err := client.Call(context.Background(), "r", "c", nil, nil)
	if errors.CodeOf(err) != errors.CodeProxyFieldNotWritable {
		t.Fatalf("CodeOf(err) = %v, want remote code preserved", errors.CodeOf(err))
	}
}

func TestServeUnknownRouteRejected(t *testing.T) {
	mux := NewMux()
	mux.Handle("known", "cmd", func(context.Context, json.RawMessage) (any, error) {
		return nil, nil
	})
	server := newServer(t, mux)
	client := NewClient(server.URL+"/rpc", "publisher")
	noSleep(client)

	for _, pair := range [][2]string{{"ghost", "cmd"}, {"known", "ghost"}} {
		err := client.Call(context.Background(), pair[0], pair[1], nil, nil)
		if errors.CodeOf(err) != errors.CodeTransportRejected {
			t.Fatalf("CodeOf(err) for %v = %v, want %v", pair, errors.CodeOf(err), errors.CodeTransportRejected)
		}
	}
}

func TestRetryBackoffCapped(t *testing.T) {
	if retryBackoff(0) != time.Second {
		t.Fatalf("backoff(0) = %v, want 1s", retryBackoff(0))
	}
	if retryBackoff(2) != 4*time.Second {
		t.Fatalf("backoff(2) = %v, want 4s", retryBackoff(2))
	}
	if retryBackoff(20) != 5*time.Minute {
		t.Fatalf("backoff(20) = %v, want 5m cap", retryBackoff(20))
	}
}

func TestCallAttemptTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		_ = json.NewEncoder(w).Encode(Response{OK: true})
	}))
	t.Cleanup(func() {
		close(release)
		server.Close()
	})

	client := NewClient(server.URL, "publisher",
		WithAttempts(1), WithAttemptTimeout(50*time.Millisecond))
	noSleep(client)

	start := time.Now()
	err := client.Call(context.Background(), "r", "c", nil, nil)
	if err == nil {
		t.Fatal("Call() succeeded, want timeout")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("attempt timeout not enforced: took %v", elapsed)
	}
	if fmt.Sprint(err) == "" {
		t.Fatal("empty error")
	}
}
