package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHTTPTransportDoReturnsStatusAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Test") != "yes" {
			t.Errorf("expected forwarded header, got %q", r.Header.Get("X-Test"))
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	tr := NewHTTPTransport(nil, 0)
	resp, err := tr.Do(context.Background(), Request{
		URL:     srv.URL,
		Method:  http.MethodGet,
		Headers: map[string]string{"X-Test": "yes"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	if string(resp.Body) != "hello" {
		t.Fatalf("expected body 'hello', got %q", resp.Body)
	}
}

func TestHTTPTransportDoClassifiesNetworkError(t *testing.T) {
	tr := NewHTTPTransport(nil, 0)
	_, err := tr.Do(context.Background(), Request{URL: "http://127.0.0.1:0/unreachable"})
	if err == nil {
		t.Fatalf("expected a network error for an unreachable address")
	}
	if !strings.Contains(err.Error(), "network:") {
		t.Fatalf("expected network-classified error, got %v", err)
	}
}

func TestHTTPTransportDoRespectsPerAttemptTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(nil, 0)
	_, err := tr.Do(context.Background(), Request{URL: srv.URL, Timeout: 5 * time.Millisecond})
	if err == nil {
		t.Fatalf("expected a timeout error")
	}
}

func TestHTTPTransportDefaultMaxBodyBytes(t *testing.T) {
	tr := NewHTTPTransport(nil, -1)
	if tr.maxBody != 10<<20 {
		t.Fatalf("expected default 10MiB max body, got %d", tr.maxBody)
	}
}
