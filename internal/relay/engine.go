// Package relay forwards a request to an ordered list of upstream candidates,
// failing over only on transport errors, and relays the first response it
// gets back to the caller.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/llm-relay/internal/core/domain"
	"github.com/tjfontaine/llm-relay/internal/relay/sse"
	"github.com/tjfontaine/llm-relay/internal/server"
	"github.com/tjfontaine/llm-relay/internal/tokens"
)

// Defaults for outbound calls.
const (
	DefaultTimeout   = 120 * time.Second
	DefaultUserAgent = "llm-relay/1.0"
)

const streamChunkSize = 32 * 1024

// InputCounter estimates the input tokens of a request body.
type InputCounter interface {
	CountInput(body []byte) int64
}

// Engine relays requests to upstream candidates.
type Engine struct {
	client         *http.Client
	timeout        time.Duration
	userAgent      string
	noAuthPrefixes []string
	counter        InputCounter
	rules          []tokens.Rule
	logger         *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithHTTPClient sets the client used for upstream calls.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) {
		e.client = c
	}
}

// WithTimeout bounds each upstream attempt. Non-positive values keep the default.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithUserAgent sets the User-Agent sent upstream.
func WithUserAgent(ua string) Option {
	return func(e *Engine) {
		if ua != "" {
			e.userAgent = ua
		}
	}
}

// WithNoAuthBaseURLs lists base URL prefixes whose candidates authenticate
// some other way and must not receive an Authorization header.
func WithNoAuthBaseURLs(prefixes ...string) Option {
	return func(e *Engine) {
		e.noAuthPrefixes = append(e.noAuthPrefixes, prefixes...)
	}
}

// WithInputCounter replaces the input token estimator.
func WithInputCounter(c InputCounter) Option {
	return func(e *Engine) {
		e.counter = c
	}
}

// WithTokenRules replaces the rule chain for buffered responses.
func WithTokenRules(rules []tokens.Rule) Option {
	return func(e *Engine) {
		e.rules = rules
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// NewEngine creates an engine. Without WithHTTPClient, upstream calls go
// through an instrumented default transport.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		timeout:   DefaultTimeout,
		userAgent: DefaultUserAgent,
		rules:     tokens.DefaultRules,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.client == nil {
		e.client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if e.counter == nil {
		e.counter = tokens.NewRegistry()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Relay tries candidates in order. The first candidate that answers wins,
// even with an error status; its response is written to w. If none answers,
// an aggregated 502 is written instead. body is the inbound request body.
func (e *Engine) Relay(w http.ResponseWriter, r *http.Request, body []byte, candidates []domain.Candidate) Outcome {
	ctx := r.Context()
	inputTokens := e.counter.CountInput(body)

	var out Outcome
	for _, c := range candidates {
		if len(out.Attempts) > 0 && ctx.Err() != nil {
			break
		}

		if reason := c.Misconfigured(); reason != "" {
			e.logger.Warn("skipping misconfigured candidate",
				"request_id", server.GetRequestID(ctx),
				"provider", c.Label(),
				"reason", reason,
			)
			out.Attempts = append(out.Attempts, Attempt{Candidate: c, Kind: Skipped, Reason: reason})
			continue
		}

		a, delivered := e.attempt(w, r, body, c, inputTokens)
		out.Attempts = append(out.Attempts, a.Attempt)
		if !delivered {
			e.logger.Warn("upstream attempt failed",
				"request_id", server.GetRequestID(ctx),
				"provider", c.Label(),
				"error", a.Err,
				"duration", a.Duration,
			)
			continue
		}

		out.Delivered = true
		out.Candidate = c
		out.Status = a.Status
		out.Streamed = a.streamed
		out.Bytes = a.bytes
		out.Tokens = a.tokens
		out.TokenRule = a.rule

		server.AddLogField(ctx, "provider", c.Label())
		server.AddLogField(ctx, "upstream_status", fmt.Sprint(a.Status))
		return out
	}

	out.Err = exhausted(out.Attempts)
	server.AddError(ctx, out.Err)
	domain.WriteError(w, out.Err)
	return out
}

// attemptResult carries the relay details of a delivered attempt alongside
// the public record.
type attemptResult struct {
	Attempt
	streamed bool
	bytes    int64
	tokens   int64
	rule     string
}

func (e *Engine) attempt(w http.ResponseWriter, r *http.Request, body []byte, c domain.Candidate, inputTokens int64) (attemptResult, bool) {
	start := time.Now()
	res := attemptResult{Attempt: Attempt{Candidate: c}}
	fail := func(err error, errBody []byte) (attemptResult, bool) {
		res.Kind = TransportFailed
		res.Err = err
		res.ErrBody = errBody
		res.Duration = time.Since(start)
		return res, false
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	var timedOut atomic.Bool
	timer := time.AfterFunc(e.timeout, func() {
		timedOut.Store(true)
		cancel()
	})
	defer timer.Stop()
	wrap := func(err error) error {
		if timedOut.Load() {
			return fmt.Errorf("upstream timeout after %s: %w", e.timeout, err)
		}
		return err
	}

	req, err := e.newUpstreamRequest(ctx, r, body, c)
	if err != nil {
		return fail(err, nil)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fail(wrap(err), nil)
	}
	defer resp.Body.Close()

	res.Kind = Delivered
	res.Status = resp.StatusCode

	if isEventStream(resp.Header) {
		timer.Stop()
		res.streamed = true
		res.bytes, res.tokens = e.relayStream(w, resp, cancel)
		res.rule = "stream_estimate"
		res.Duration = time.Since(start)
		return res, true
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		var partial []byte
		if gjson.ValidBytes(respBody) {
			partial = respBody
		}
		return fail(wrap(fmt.Errorf("read upstream body: %w", err)), partial)
	}
	timer.Stop()

	copyHeaders(w.Header(), resp.Header)
	w.Header().Set("Content-Length", fmt.Sprint(len(respBody)))
	w.WriteHeader(resp.StatusCode)
	n, _ := w.Write(respBody)

	res.bytes = int64(n)
	res.tokens, res.rule = tokens.Count(tokens.Input{
		Path:        r.URL.Path,
		Status:      resp.StatusCode,
		Body:        respBody,
		InputTokens: inputTokens,
	}, e.rules)
	res.Duration = time.Since(start)
	return res, true
}

func (e *Engine) newUpstreamRequest(ctx context.Context, r *http.Request, body []byte, c domain.Candidate) (*http.Request, error) {
	outBody := body
	if c.Model != "" {
		rewritten, err := sjson.SetBytes(body, "model", c.Model)
		if err != nil {
			return nil, fmt.Errorf("rewrite model: %w", err)
		}
		outBody = rewritten
	}

	target := strings.TrimRight(c.BaseURL, "/") + r.URL.Path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(outBody))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", e.userAgent)
	req.Header.Set("Connection", "keep-alive")
	if !e.skipsAuth(c.BaseURL) {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	return req, nil
}

func (e *Engine) skipsAuth(baseURL string) bool {
	for _, p := range e.noAuthPrefixes {
		if p != "" && strings.HasPrefix(baseURL, p) {
			return true
		}
	}
	return false
}

// relayStream mirrors the upstream event stream to w chunk by chunk while
// counting delta content. A failed client write stops the relay and cancels
// the upstream call; the content seen so far is still counted.
func (e *Engine) relayStream(w http.ResponseWriter, resp *http.Response, cancel context.CancelFunc) (int64, int64) {
	copyHeaders(w.Header(), resp.Header)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(resp.StatusCode)

	rc := http.NewResponseController(w)
	_ = rc.Flush()

	scanner := sse.NewScanner()
	buf := make([]byte, streamChunkSize)
	var written int64
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			scanner.Write(chunk)
			wn, werr := w.Write(chunk)
			written += int64(wn)
			if werr != nil {
				e.logger.Debug("client went away during stream", "error", werr)
				cancel()
				break
			}
			_ = rc.Flush()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				e.logger.Warn("upstream stream ended with error", "error", err)
			}
			break
		}
	}
	scanner.Flush()
	return written, tokens.StreamEstimate(scanner.Chars())
}

func isEventStream(h http.Header) bool {
	return strings.Contains(strings.ToLower(h.Get("Content-Type")), "text/event-stream")
}

// stripped headers are never mirrored from upstream.
var stripped = map[string]bool{
	"Transfer-Encoding":           true,
	"Connection":                  true,
	"Content-Encoding":            true,
	"Content-Length":              true,
	"Access-Control-Allow-Origin": true,
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		if stripped[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// exhausted builds the aggregated failure for a loop that produced no
// response.
func exhausted(attempts []Attempt) *domain.APIError {
	var (
		lastErr  error
		lastBody []byte
		skipped  []string
		tried    int
	)
	for _, a := range attempts {
		switch a.Kind {
		case TransportFailed:
			tried++
			lastErr = a.Err
			lastBody = a.ErrBody
		case Skipped:
			skipped = append(skipped, a.Candidate.Label()+": "+a.Reason)
		}
	}

	msg := "all upstream candidates failed"
	if tried == 0 {
		msg = "no upstream candidate could be attempted"
	}
	apiErr := domain.ErrUpstream(msg)
	if lastErr != nil {
		apiErr.WithDetail("last_error", lastErr.Error())
	}
	if len(lastBody) > 0 {
		apiErr.WithDetail("last_error_body", json.RawMessage(lastBody))
	}
	if len(skipped) > 0 {
		apiErr.WithDetail("skipped", skipped)
	}
	return apiErr
}
