package extsvc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestInvokeSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"summary":"hi"}`))
	}))
	defer server.Close()

	c := NewHTTPClient(server.URL, time.Second)
	out, err := c.Invoke(context.Background(), "summarize", map[string]any{"text": "hello"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out["summary"] != "hi" {
		t.Fatalf("output = %v", out)
	}
}

func TestInvokeClassifiesServerErrorTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := NewHTTPClient(server.URL, time.Second)
	_, err := c.Invoke(context.Background(), "summarize", map[string]any{"text": "hello"})
	if err == nil {
		t.Fatal("expected error")
	}
	if IsPermanent(err) {
		t.Fatalf("5xx must be transient, got permanent: %v", err)
	}
}

func TestInvokeClassifiesBadRequestPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	c := NewHTTPClient(server.URL, time.Second)
	_, err := c.Invoke(context.Background(), "summarize", map[string]any{"text": "hello"})
	if !IsPermanent(err) {
		t.Fatalf("4xx must be permanent, got: %v", err)
	}
}

func TestInvokeClassifiesThrottleTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := NewHTTPClient(server.URL, time.Second)
	_, err := c.Invoke(context.Background(), "summarize", map[string]any{"text": "hello"})
	if err == nil || IsPermanent(err) {
		t.Fatalf("429 must be transient, got: %v", err)
	}
}

func TestInvokeTimeoutIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	c := NewHTTPClient(server.URL, 20*time.Millisecond)
	start := time.Now()
	_, err := c.Invoke(context.Background(), "summarize", map[string]any{"text": "hello"})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if IsPermanent(err) {
		t.Fatalf("timeout must be transient, got: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("call was not bounded by the configured timeout")
	}
}
