// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package transport is the single outbound gateway to the backend.

Every call goes through Pipeline.Do, which in order:

 1. attaches X-API-Key from the credential source
 2. attaches Authorization: Bearer <token> when a token exists
 3. sends to the connection manager's active endpoint
 4. classifies the outcome exactly once

Classification drives the global side effects:

  - 2xx: success, body passed through untouched
  - 401: token cleared and every OnAuthExpired hook fired
  - no response (timeout, DNS, refused): connection manager notified
  - any other status: *syncerr.StatusError for the caller only

A caller that cancels its own context gets its context error back and
nothing global happens. Identical concurrent GETs share one network call,
so classification still runs once.
*/
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/opsync/services/opsync/connection"
	"github.com/AleutianAI/opsync/services/opsync/syncerr"
)

const (
	// DefaultTimeout bounds regular data calls.
	DefaultTimeout = 15 * time.Second

	// maxResponseBytes caps how much of a response body is read.
	maxResponseBytes = 8 << 20

	tracerName = "github.com/AleutianAI/opsync/services/opsync/transport"
)

// ErrOffline is the cause of the network error returned while the
// connection manager has given up reconnecting.
var ErrOffline = errors.New("backend marked unreachable, retry the connection first")

// EndpointSource is the part of the connection manager the pipeline uses.
type EndpointSource interface {
	ActiveEndpoint() connection.Endpoint
	Allow() bool
	ReportNetworkFailure(err error)
	ReportSuccess()
}

// CredentialSource is the part of the credential store the pipeline uses.
type CredentialSource interface {
	GetAPIKey() string
	Token() (string, bool)
	ClearTokenIf(expected string) (bool, error)
}

// Config configures a Pipeline.
type Config struct {
	// Endpoints and Credentials are required.
	Endpoints   EndpointSource
	Credentials CredentialSource

	// Timeout bounds each call. Default: 15s
	Timeout time.Duration

	// HTTPClient sends requests. Default: a client with no own timeout.
	HTTPClient *http.Client

	// Limiter throttles outbound calls when set.
	Limiter *rate.Limiter

	// DisableDedup turns off GET sharing.
	DisableDedup bool

	// UserAgent is sent on every request when set.
	UserAgent string

	Logger *slog.Logger
	Tracer trace.Tracer
}

// Request describes one backend call.
type Request struct {
	Method string

	// Path starts with "/" and is appended to the active endpoint.
	Path string

	Query url.Values

	// Body is sent as JSON. []byte and json.RawMessage are sent as-is.
	Body any

	// Timeout overrides Config.Timeout for this call.
	Timeout time.Duration
}

// Response is a successful (2xx) response. Responses to shared GETs are
// handed to several callers and must be treated as read-only.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Pipeline sends requests and classifies their outcomes.
//
// # Thread Safety
//
// Pipeline is safe for concurrent use.
type Pipeline struct {
	endpoints EndpointSource
	creds     CredentialSource
	client    *http.Client
	timeout   time.Duration
	limiter   *rate.Limiter
	dedup     bool
	userAgent string
	logger    *slog.Logger
	tracer    trace.Tracer

	group singleflight.Group

	hooksMu   sync.RWMutex
	authHooks []func()
}

// New creates a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Endpoints == nil {
		return nil, errors.New("transport: endpoint source is required")
	}
	if cfg.Credentials == nil {
		return nil, errors.New("transport: credential source is required")
	}
	p := &Pipeline{
		endpoints: cfg.Endpoints,
		creds:     cfg.Credentials,
		client:    cfg.HTTPClient,
		timeout:   cfg.Timeout,
		limiter:   cfg.Limiter,
		dedup:     !cfg.DisableDedup,
		userAgent: cfg.UserAgent,
		logger:    cfg.Logger,
		tracer:    cfg.Tracer,
	}
	if p.client == nil {
		p.client = &http.Client{}
	}
	if p.timeout <= 0 {
		p.timeout = DefaultTimeout
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("component", "transport")
	if p.tracer == nil {
		p.tracer = otel.Tracer(tracerName)
	}
	return p, nil
}

// OnAuthExpired registers fn to run after any 401. Hooks run synchronously
// on the goroutine that received the 401, after the token is cleared.
func (p *Pipeline) OnAuthExpired(fn func()) {
	if fn == nil {
		return
	}
	p.hooksMu.Lock()
	defer p.hooksMu.Unlock()
	p.authHooks = append(p.authHooks, fn)
}

// Do sends req and classifies the outcome.
//
// # Outputs
//
//   - *Response: the 2xx response
//   - error: *syncerr.NetworkError, *syncerr.StatusError,
//     *syncerr.ValidationError for a malformed request, or the caller's
//     context error
func (p *Pipeline) Do(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if !strings.HasPrefix(req.Path, "/") {
		return nil, syncerr.Invalid("path must start with /: %q", req.Path)
	}
	body, err := encodeBody(req.Body)
	if err != nil {
		return nil, err
	}

	if !p.endpoints.Allow() {
		rejectedRequests.Inc()
		requestsTotal.WithLabelValues(req.Method, OutcomeNetworkUnreachable.String()).Inc()
		return nil, syncerr.NewNetworkError(req.Method, req.Path, ErrOffline)
	}

	if req.Method != http.MethodGet || !p.dedup {
		return p.execute(ctx, req, body)
	}

	// The shared call must not die with whichever caller started it.
	shared := context.WithoutCancel(ctx)
	ch := p.group.DoChan(p.flightKey(req), func() (any, error) {
		return p.execute(shared, req, nil)
	})
	select {
	case res := <-ch:
		if res.Shared {
			sharedRequests.Inc()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Response), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.Path, ctx.Err())
	}
}

// execute performs one network round trip and applies its classification.
func (p *Pipeline) execute(ctx context.Context, req Request, body []byte) (*Response, error) {
	ep := p.endpoints.ActiveEndpoint()
	target := ep.URL + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	ctx, span := p.tracer.Start(ctx, "opsync "+req.Method+" "+req.Path,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.path", req.Path),
			attribute.String("opsync.endpoint.role", ep.Role.String()),
		),
	)
	defer span.End()

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			span.SetStatus(codes.Error, "rate limit wait")
			return nil, fmt.Errorf("%s %s: rate limit: %w", req.Method, req.Path, err)
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = p.timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, req.Method, target, bytes.NewReader(body))
	if err != nil {
		return nil, syncerr.Invalid("build request: %v", err)
	}
	sent := p.stamp(callCtx, httpReq)

	start := time.Now()
	status, header, respBody, err := p.roundTrip(httpReq)
	requestDuration.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())

	outcome := classify(status, err, ctx.Err() != nil)
	requestsTotal.WithLabelValues(req.Method, outcome.String()).Inc()
	span.SetAttributes(attribute.String("opsync.outcome", outcome.String()))
	if status != 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", status))
	}

	switch outcome {
	case OutcomeSuccess:
		p.endpoints.ReportSuccess()
		return &Response{Status: status, Header: header, Body: respBody}, nil

	case OutcomeAuthExpired:
		span.SetStatus(codes.Error, "unauthorized")
		p.logger.Warn("backend rejected credentials", "method", req.Method, "path", req.Path)
		p.expireAuth(sent)
		return nil, &syncerr.StatusError{Method: req.Method, Path: req.Path, Status: status, Body: respBody}

	case OutcomeNetworkUnreachable:
		netErr := syncerr.NewNetworkError(req.Method, target, err)
		span.SetStatus(codes.Error, "network unreachable")
		span.RecordError(netErr)
		p.logger.Warn("backend unreachable", "method", req.Method, "path", req.Path, "endpoint", ep.URL, "error", err)
		p.endpoints.ReportNetworkFailure(netErr)
		return nil, netErr

	case OutcomeServerError:
		span.SetStatus(codes.Error, http.StatusText(status))
		return nil, &syncerr.StatusError{Method: req.Method, Path: req.Path, Status: status, Body: respBody}

	default:
		span.SetStatus(codes.Error, "cancelled")
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.Path, ctx.Err())
	}
}

// stamp attaches credentials, content headers and trace propagation. It
// returns the bearer token sent, or "" when there was none.
func (p *Pipeline) stamp(ctx context.Context, r *http.Request) string {
	r.Header.Set("X-API-Key", p.creds.GetAPIKey())
	token, ok := p.creds.Token()
	if ok {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Accept", "application/json")
	if p.userAgent != "" {
		r.Header.Set("User-Agent", p.userAgent)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(r.Header))
	return token
}

func (p *Pipeline) roundTrip(r *http.Request) (int, http.Header, []byte, error) {
	resp, err := p.client.Do(r)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("read response body: %w", err)
	}
	return resp.StatusCode, resp.Header, body, nil
}

// expireAuth clears the rejected token and runs the hooks. A 401 for a token
// that has since been replaced by a new login is ignored.
func (p *Pipeline) expireAuth(sent string) {
	cleared, err := p.creds.ClearTokenIf(sent)
	if err != nil {
		p.logger.Error("could not clear token after 401", "error", err)
	} else if !cleared {
		p.logger.Debug("ignoring 401 for a replaced token")
		return
	}

	p.hooksMu.RLock()
	hooks := make([]func(), len(p.authHooks))
	copy(hooks, p.authHooks)
	p.hooksMu.RUnlock()

	for _, hook := range hooks {
		hook()
	}
}

func (p *Pipeline) flightKey(req Request) string {
	token, _ := p.creds.Token()
	return strings.Join([]string{
		req.Method,
		p.endpoints.ActiveEndpoint().URL,
		req.Path,
		req.Query.Encode(),
		p.creds.GetAPIKey(),
		token,
	}, "\x00")
}

// =============================================================================
// JSON helpers
// =============================================================================

// GetJSON issues GET path and decodes the body into out.
func (p *Pipeline) GetJSON(ctx context.Context, path string, out any) error {
	resp, err := p.Do(ctx, Request{Method: http.MethodGet, Path: path})
	if err != nil {
		return err
	}
	return decode(resp, out)
}

// PostJSON issues POST path with in as body and decodes the reply into out.
func (p *Pipeline) PostJSON(ctx context.Context, path string, in, out any) error {
	resp, err := p.Do(ctx, Request{Method: http.MethodPost, Path: path, Body: in})
	if err != nil {
		return err
	}
	return decode(resp, out)
}

// PutJSON issues PUT path with in as body and decodes the reply into out.
func (p *Pipeline) PutJSON(ctx context.Context, path string, in, out any) error {
	resp, err := p.Do(ctx, Request{Method: http.MethodPut, Path: path, Body: in})
	if err != nil {
		return err
	}
	return decode(resp, out)
}

// Delete issues DELETE path.
func (p *Pipeline) Delete(ctx context.Context, path string) error {
	_, err := p.Do(ctx, Request{Method: http.MethodDelete, Path: path})
	return err
}

func decode(resp *Response, out any) error {
	if out == nil || len(bytes.TrimSpace(resp.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, syncerr.Invalid("encode request body: %v", err)
		}
		return data, nil
	}
}
