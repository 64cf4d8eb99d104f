// Package robusthttp builds the outbound HTTP clients used by the chat gateway and the report notifier.
package robusthttp

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type LeveledSlog struct {
	inner *slog.Logger
}

// re-writes HTTP client ERROR to WARN level (because of retries)
func (l LeveledSlog) Error(msg string, keysAndValues ...any) {
	l.inner.Warn(msg, keysAndValues...)
}

func (l LeveledSlog) Warn(msg string, keysAndValues ...any) {
	l.inner.Warn(msg, keysAndValues...)
}

func (l LeveledSlog) Info(msg string, keysAndValues ...any) {
	l.inner.Info(msg, keysAndValues...)
}

func (l LeveledSlog) Debug(msg string, keysAndValues ...any) {
	l.inner.Debug(msg, keysAndValues...)
}

type Option func(*options)

type options struct {
	client  *retryablehttp.Client
	timeout time.Duration
}

func WithMaxRetries(maxRetries int) Option {
	return func(o *options) {
		o.client.RetryMax = maxRetries
	}
}

func WithRetryWait(waitMin, waitMax time.Duration) Option {
	return func(o *options) {
		o.client.RetryWaitMin = waitMin
		o.client.RetryWaitMax = waitMax
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.client.Logger = retryablehttp.LeveledLogger(LeveledSlog{inner: logger})
	}
}

// WithTransport replaces the pooled, traced transport; tests use it to point at httptest servers.
func WithTransport(transport http.RoundTripper) Option {
	return func(o *options) {
		o.client.HTTPClient.Transport = transport
	}
}

func WithRetryPolicy(policy retryablehttp.CheckRetry) Option {
	return func(o *options) {
		o.client.CheckRetry = policy
	}
}

// WithTimeout bounds each request including retries.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// NewClient returns a stdlib *http.Client backed by retryablehttp.
//
// Connection errors and 5xx responses (except 501) are retried a few times with WARN logging. 429 is returned to the caller untouched: the chat gateway mandates a specific wait, and the platform layer honors it instead of the generic backoff.
func NewClient(opts ...Option) *http.Client {
	logger := LeveledSlog{inner: slog.Default().With("subsystem", "robusthttp")}
	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient.Transport = otelhttp.NewTransport(cleanhttp.DefaultPooledTransport())
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 10 * time.Second
	retryClient.Logger = retryablehttp.LeveledLogger(logger)
	retryClient.CheckRetry = DefaultRetryPolicy

	o := &options{client: retryClient, timeout: 30 * time.Second}
	for _, opt := range opts {
		opt(o)
	}

	client := retryClient.StandardClient()
	client.Timeout = o.timeout
	return client
}

// DefaultRetryPolicy wraps retryablehttp.DefaultRetryPolicy, leaving 429 to the caller.
func DefaultRetryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil && resp.StatusCode == http.StatusTooManyRequests {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}
