// Package transport sends provider requests with bounded retries and pumps
// streamed bodies through the SSE decoder.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/aschepis/backscratcher/chatcore/llm"
	"github.com/aschepis/backscratcher/chatcore/metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

const (
	// DefaultTimeout bounds the wait for response headers.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxRetries is the number of retries after the first attempt.
	DefaultMaxRetries = 2
	// DefaultInitialBackoff is the first retry delay.
	DefaultInitialBackoff = 500 * time.Millisecond
	// DefaultMaxBackoff caps a single retry delay.
	DefaultMaxBackoff = 5 * time.Second
	// MaxRetryAfter caps a server supplied Retry-After.
	MaxRetryAfter = 60 * time.Second

	maxErrorBody = 1 << 20
)

// Options configures a Client. Zero durations select the defaults;
// MaxRetries is used as given.
type Options struct {
	Timeout        time.Duration
	MaxRetries     uint64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// RetryRateLimited also retries 429 responses, waiting for Retry-After
	// when the server sends one.
	RetryRateLimited bool

	// IdleTimeout aborts a stream that delivers no bytes for this long.
	// Zero disables it.
	IdleTimeout time.Duration

	Logger  zerolog.Logger
	Metrics *metrics.Recorder

	// HTTPClient replaces the default client. Its Timeout should be zero so
	// that long streams are not cut off.
	HTTPClient *http.Client
}

// Client performs provider HTTP calls.
type Client struct {
	http    *http.Client
	opts    Options
	logger  zerolog.Logger
	metrics *metrics.Recorder
}

// New creates a client. The initial-response timeout is enforced with
// ResponseHeaderTimeout so streamed bodies may run for as long as needed.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	hc := opts.HTTPClient
	if hc == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.ResponseHeaderTimeout = opts.Timeout
		hc = &http.Client{Transport: tr}
	}
	return &Client{
		http:    hc,
		opts:    opts,
		logger:  opts.Logger.With().Str("component", "transport").Logger(),
		metrics: opts.Metrics,
	}
}

// NewDefault creates a client with the default timeout and retry policy.
func NewDefault(logger zerolog.Logger) *Client {
	return New(Options{MaxRetries: DefaultMaxRetries, Logger: logger})
}

// HTTPClient returns the underlying client for one-shot calls such as
// model listing.
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

// RequestBuilder creates a fresh request for each attempt.
type RequestBuilder func(ctx context.Context) (*http.Request, error)

// errRetryStatus marks an attempt whose status allows another try.
var errRetryStatus = errors.New("retryable status")

// Send performs the request, retrying connection errors and 5xx responses
// with exponential backoff. 4xx responses are returned immediately. When
// retries are exhausted on a 5xx, that response is returned with its body
// buffered so the caller can read the provider's error.
func (c *Client) Send(ctx context.Context, build RequestBuilder) (*http.Response, error) {
	var (
		last    *http.Response
		host    string
		attempt int
	)
	hinted := &hintedBackOff{BackOff: c.newBackOff()}

	op := func() error {
		attempt++
		req, err := build(ctx)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
		}
		host = req.URL.Host
		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return llm.NewTransportError("request failed", err)
		}

		retry := resp.StatusCode >= 500 ||
			(resp.StatusCode == http.StatusTooManyRequests && c.opts.RetryRateLimited)
		if !retry {
			last = resp
			return nil
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			hinted.hint = retryAfter(resp.Header.Get("Retry-After"))
		}
		buffered, err := bufferBody(resp)
		if err != nil {
			return llm.NewTransportError("failed to read error body", err)
		}
		last = buffered
		return errRetryStatus
	}

	notify := func(err error, wait time.Duration) {
		c.metrics.IncRetry(host)
		c.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Uint64("max_retries", c.opts.MaxRetries).
			Dur("next_delay", wait).
			Msg("Provider request failed, retrying")
	}

	b := backoff.WithContext(backoff.WithMaxRetries(hinted, c.opts.MaxRetries), ctx)
	err := backoff.RetryNotify(op, b, notify)
	switch {
	case err == nil:
		return last, nil
	case errors.Is(err, errRetryStatus):
		return last, nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, err
	}
	var llmErr *llm.Error
	if errors.As(err, &llmErr) {
		return nil, llmErr
	}
	return nil, llm.NewTransportError("request failed", err)
}

func (c *Client) newBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.opts.InitialBackoff
	eb.MaxInterval = c.opts.MaxBackoff
	eb.Multiplier = 2.0
	eb.RandomizationFactor = 0.2
	eb.MaxElapsedTime = 0
	eb.Reset()
	return eb
}

// hintedBackOff lets a Retry-After header replace the next computed delay.
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

// retryAfter parses seconds or an HTTP date, capped at MaxRetryAfter.
func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	var d time.Duration
	if secs, err := strconv.Atoi(v); err == nil {
		d = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(v); err == nil {
		d = time.Until(at)
	}
	if d < 0 {
		return 0
	}
	if d > MaxRetryAfter {
		return MaxRetryAfter
	}
	return d
}

// bufferBody replaces resp.Body with an in-memory copy and closes the
// network body.
func bufferBody(resp *http.Response) (*http.Response, error) {
	defer resp.Body.Close() //nolint:errcheck
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(data))
	return resp, nil
}
