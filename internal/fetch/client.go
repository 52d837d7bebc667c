package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const maxBodyBytes = 8 << 20

// HTTPClient is the shared transport for fetchers. Each attempt gets its own
// timeout; network errors, 429 and 5xx are retried a bounded number of times.
type HTTPClient struct {
	client        *http.Client
	timeout       time.Duration
	maxRetries    int
	retryBase     time.Duration
	maxRetryAfter time.Duration
	userAgent     string
}

type ClientOption func(*HTTPClient)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(h *HTTPClient) { h.client = c }
}

func WithRetries(n int, base time.Duration) ClientOption {
	return func(h *HTTPClient) {
		if n >= 0 {
			h.maxRetries = n
		}
		if base > 0 {
			h.retryBase = base
		}
	}
}

// WithMaxRetryAfter caps how long a Retry-After header may delay a retry.
func WithMaxRetryAfter(d time.Duration) ClientOption {
	return func(h *HTTPClient) { h.maxRetryAfter = d }
}

func NewHTTPClient(timeout time.Duration, opts ...ClientOption) *HTTPClient {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	h := &HTTPClient{
		client:        &http.Client{},
		timeout:       timeout,
		maxRetries:    2,
		retryBase:     200 * time.Millisecond,
		maxRetryAfter: 10 * time.Second,
		userAgent:     "corpusflow/1.0",
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Get returns the response body of a successful GET.
func (h *HTTPClient) Get(ctx context.Context, url string, header http.Header) ([]byte, error) {
	policy := &hintedBackOff{BackOff: h.policy()}
	var body []byte

	op := func() error {
		b, retryAfter, err := h.do(ctx, url, header)
		if err == nil {
			body = b
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		policy.hint = min(retryAfter, h.maxRetryAfter)
		slog.Debug("source request failed, retrying", "url", url, "error", err)
		return err
	}

	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	return body, nil
}

// GetJSON decodes a successful response into v.
func (h *HTTPClient) GetJSON(ctx context.Context, url string, header http.Header, v any) error {
	body, err := h.Get(ctx, url, header)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrMalformed, url, err)
	}
	return nil
}

func (h *HTTPClient) do(ctx context.Context, url string, header http.Header) ([]byte, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: build request: %v", ErrRejected, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("User-Agent", h.userAgent)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: GET %s: %v", classifyError(err), url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, retryAfter(resp.Header.Get("Retry-After")),
			fmt.Errorf("%w: GET %s: %s", classifyStatus(resp.StatusCode), url, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: read %s: %v", classifyError(err), url, err)
	}
	return body, 0, nil
}

func (h *HTTPClient) policy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = h.retryBase
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, uint64(h.maxRetries))
}

// hintedBackOff lets a server's Retry-After replace the next computed delay.
type hintedBackOff struct {
	backoff.BackOff
	hint time.Duration
}

func (b *hintedBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	if b.hint > 0 {
		next, b.hint = b.hint, 0
	}
	return next
}

// retryAfter parses the delay-seconds or HTTP-date form of Retry-After.
func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
