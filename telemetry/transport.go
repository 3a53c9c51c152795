package telemetry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"
)

// Outcomes recorded for upstream calls.
const (
	OutcomeOK           = "ok"
	OutcomeNotFound     = "not_found"
	OutcomeUnauthorized = "unauthorized"
	OutcomeRateLimited  = "rate_limited"
	OutcomeClientError  = "4xx"
	OutcomeServerError  = "5xx"
	OutcomeError        = "error"
	OutcomeTimeout      = "timeout"
	OutcomeCanceled     = "canceled"
)

// OperationOther labels requests an Operation func cannot name.
const OperationOther = "other"

// Operation names the call a request performs, such as "guild" or "member".
type Operation func(*http.Request) string

// StaticOperation labels every request with name.
func StaticOperation(name string) Operation {
	return func(*http.Request) string { return name }
}

// UpstreamTransport records one upstream fetch per request, labelled with the
// upstream, the operation and the outcome. The fetch is recorded when the
// response body is closed, so byte counts cover what the caller read.
type UpstreamTransport struct {
	base      http.RoundTripper
	upstream  string
	operation Operation
}

// TransportOption configures an UpstreamTransport.
type TransportOption func(*UpstreamTransport)

// WithBaseTransport sets the wrapped RoundTripper. The default is http.DefaultTransport.
func WithBaseTransport(rt http.RoundTripper) TransportOption {
	return func(t *UpstreamTransport) {
		if rt != nil {
			t.base = rt
		}
	}
}

// WithOperation sets how requests are labelled.
func WithOperation(op Operation) TransportOption {
	return func(t *UpstreamTransport) {
		if op != nil {
			t.operation = op
		}
	}
}

// NewUpstreamTransport creates a transport recording calls to upstream.
func NewUpstreamTransport(upstream string, opts ...TransportOption) *UpstreamTransport {
	t := &UpstreamTransport{
		base:      http.DefaultTransport,
		upstream:  upstream,
		operation: StaticOperation(OperationOther),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NewHTTPClient returns an HTTP client whose requests are recorded under upstream.
func NewHTTPClient(upstream string, timeout time.Duration, opts ...TransportOption) *http.Client {
	return &http.Client{
		Transport: NewUpstreamTransport(upstream, opts...),
		Timeout:   timeout,
	}
}

// RoundTrip implements http.RoundTripper.
func (t *UpstreamTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	op := t.operation(req)
	if op == "" {
		op = OperationOther
	}

	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		RecordUpstreamFetch(req.Context(), t.upstream, op, errorOutcome(req.Context(), err), time.Since(start), 0)
		return nil, err
	}

	resp.Body = &countingBody{
		ReadCloser: resp.Body,
		ctx:        req.Context(),
		upstream:   t.upstream,
		operation:  op,
		outcome:    StatusOutcome(resp.StatusCode),
		start:      start,
	}
	return resp, nil
}

// StatusOutcome maps an upstream HTTP status to an outcome label.
func StatusOutcome(status int) string {
	switch {
	case status == http.StatusNotFound:
		return OutcomeNotFound
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return OutcomeUnauthorized
	case status == http.StatusTooManyRequests:
		return OutcomeRateLimited
	case status >= 500:
		return OutcomeServerError
	case status >= 400:
		return OutcomeClientError
	default:
		return OutcomeOK
	}
}

func errorOutcome(ctx context.Context, err error) string {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return OutcomeTimeout
	case errors.Is(ctx.Err(), context.Canceled):
		return OutcomeCanceled
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return OutcomeTimeout
	}
	return OutcomeError
}

// countingBody counts bytes read and records the fetch on the first Close.
type countingBody struct {
	io.ReadCloser
	ctx       context.Context
	upstream  string
	operation string
	outcome   string
	start     time.Time
	bytes     int64
	closed    bool
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.bytes += int64(n)
	return n, err
}

func (b *countingBody) Close() error {
	if !b.closed {
		b.closed = true
		RecordUpstreamFetch(b.ctx, b.upstream, b.operation, b.outcome, time.Since(b.start), b.bytes)
	}
	return b.ReadCloser.Close()
}
