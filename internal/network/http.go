package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

// HTTPOptions configures an HTTP network.
//
// Defaults:
// - Client:          http.DefaultClient
// - Timeout:         30s per attempt (only if the context has no deadline)
// - MaxTries:        3
// - InitialInterval: 200ms
// - MaxElapsed:      10s
type HTTPOptions struct {
	Client          *http.Client
	Header          http.Header
	Timeout         time.Duration
	MaxTries        uint
	InitialInterval time.Duration
	MaxElapsed      time.Duration
	Logger          *zap.Logger
}

type HTTPOption func(*HTTPOptions)

func defaultHTTPOptions() *HTTPOptions {
	return &HTTPOptions{
		Client:          http.DefaultClient,
		Header:          http.Header{},
		Timeout:         30 * time.Second,
		MaxTries:        3,
		InitialInterval: 200 * time.Millisecond,
		MaxElapsed:      10 * time.Second,
		Logger:          zap.NewNop(),
	}
}

func WithHTTPClient(c *http.Client) HTTPOption { return func(o *HTTPOptions) { o.Client = c } }
func WithTimeout(d time.Duration) HTTPOption   { return func(o *HTTPOptions) { o.Timeout = d } }
func WithMaxTries(n uint) HTTPOption           { return func(o *HTTPOptions) { o.MaxTries = n } }
func WithHTTPLogger(l *zap.Logger) HTTPOption  { return func(o *HTTPOptions) { o.Logger = l } }

// WithRetryInterval sets the first retry delay. Later delays grow
// exponentially.
func WithRetryInterval(d time.Duration) HTTPOption {
	return func(o *HTTPOptions) { o.InitialInterval = d }
}

// WithHeader adds a header sent with every request.
func WithHeader(key, value string) HTTPOption {
	return func(o *HTTPOptions) { o.Header.Add(key, value) }
}

// HTTP posts requests as JSON to a GraphQL endpoint. Transport errors and
// 5xx responses are retried with exponential backoff; a response carrying a
// GraphQL body is never retried.
type HTTP struct {
	endpoint string
	opt      *HTTPOptions
	log      *zap.Logger
}

func NewHTTP(endpoint string, opts ...HTTPOption) *HTTP {
	o := defaultHTTPOptions()
	for _, f := range opts {
		f(o)
	}
	return &HTTP{endpoint: endpoint, opt: o, log: o.Logger.Named("network.http")}
}

func (h *HTTP) Execute(ctx context.Context, req Request) iter.Seq2[*Response, error] {
	return Instrument(ctx, "http", req, Once(func(yield func(*Response, error) bool) {
		if req.Kind == "subscription" {
			yield(nil, fmt.Errorf("%w: subscriptions need a streaming network", ErrUnsupported))
			return
		}
		yield(h.do(ctx, req))
	}))
}

func (h *HTTP) do(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("network: encode request: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = h.opt.InitialInterval

	attempt := 0
	return backoff.Retry(ctx, func() (*Response, error) {
		attempt++
		res, err := h.attempt(ctx, body)
		if err != nil && !errors.As(err, new(*backoff.PermanentError)) {
			h.log.Debug("request failed, retrying",
				zap.String("endpoint", h.endpoint),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
		return res, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(h.opt.MaxTries),
		backoff.WithMaxElapsedTime(h.opt.MaxElapsed),
	)
}

func (h *HTTP) attempt(ctx context.Context, body []byte) (*Response, error) {
	if _, ok := ctx.Deadline(); !ok && h.opt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opt.Timeout)
		defer cancel()
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("network: build request: %w", err))
	}
	for k, vs := range h.opt.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/graphql-response+json, application/json")

	resp, err := h.opt.Client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("network: read response: %w", err)
	}

	var out Response
	decodeErr := json.Unmarshal(raw, &out)
	hasBody := decodeErr == nil && (out.Data != nil || len(out.Errors) > 0)
	switch {
	case hasBody:
		return &out, nil
	case resp.StatusCode >= 500:
		return nil, &StatusError{Code: resp.StatusCode, Body: truncate(raw)}
	case resp.StatusCode >= 300:
		return nil, backoff.Permanent(&StatusError{Code: resp.StatusCode, Body: truncate(raw)})
	default:
		if decodeErr != nil {
			return nil, backoff.Permanent(fmt.Errorf("network: decode response: %w", decodeErr))
		}
		return nil, backoff.Permanent(ErrEmptyResponse)
	}
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
