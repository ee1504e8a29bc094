// Package transport executes the HTTP side of a request-form leaf over a
// pooled client, grounded on services/orchestrator/task_executor.go's
// HTTPTaskExecutor (connection pooling, trace propagation, status
// classification) generalized from workflow tasks to leaf requests.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Response is the outcome of one HTTP round trip.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// Transport executes a single HTTP round trip. An error whose text starts
// with "network:" (wrapped by networkError) means the round trip failed at
// the network level: dial failure, timeout, reset, or a failed body read —
// the caller classifies these differently from a received status code.
type Transport interface {
	Do(ctx context.Context, req Request) (Response, error)
}

// Request is transport's input shape, deliberately narrower than
// pkg/leaf.Request so this package has no dependency on pkg/leaf.
type Request struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    []byte
	Timeout time.Duration
}

// HTTPTransport is the default Transport, backed by a connection-pooled
// *http.Client (default pool sizing mirrors task_executor.go's
// NewHTTPTaskExecutor).
type HTTPTransport struct {
	client   *http.Client
	tracer   trace.Tracer
	maxBody  int64
}

// NewHTTPTransport constructs a transport. A nil client gets a pooled
// default; maxBodyBytes <= 0 defaults to 10MiB.
func NewHTTPTransport(client *http.Client, maxBodyBytes int64) *HTTPTransport {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = 10 << 20
	}
	return &HTTPTransport{
		client:  client,
		tracer:  otel.Tracer("orchestrator"),
		maxBody: maxBodyBytes,
	}
}

// Do executes one HTTP round trip. The per-attempt timeout, if set, bounds
// this single call via a derived context; it does not touch ctx's own
// deadline.
func (t *HTTPTransport) Do(ctx context.Context, req Request) (Response, error) {
	ctx, span := t.tracer.Start(ctx, "leaf.http",
		trace.WithAttributes(
			attribute.String("http.url", req.URL),
			attribute.String("http.method", req.Method),
		),
	)
	defer span.End()

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bodyReader)
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := t.client.Do(httpReq)
	if err != nil {
		span.SetAttributes(attribute.Bool("error", true))
		return Response{}, networkError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBody))
	if err != nil {
		return Response{}, networkError(err)
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	return Response{StatusCode: resp.StatusCode, Body: respBody, Headers: resp.Header.Clone()}, nil
}

// networkError normalizes errors that never reached a status line, so
// callers can tell a dial/timeout/reset failure apart from a received
// (even 5xx) response.
func networkError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("network: %w", err)
}
