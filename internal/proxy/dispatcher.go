package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-relay/internal/cache"
	"github.com/nulpointcorp/llm-relay/internal/logger"
	"github.com/nulpointcorp/llm-relay/internal/metrics"
	"github.com/nulpointcorp/llm-relay/internal/providers"
	"github.com/nulpointcorp/llm-relay/internal/providers/anthropicapi"
	"github.com/nulpointcorp/llm-relay/internal/providers/openaiapi"
	"github.com/nulpointcorp/llm-relay/internal/stats"
	"github.com/nulpointcorp/llm-relay/internal/tokens"
	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

// errorBodyLimit caps upstream error bodies carried in request logs.
const errorBodyLimit = 500

// Inbound names the listener-side context of one dispatch, carried into
// request logs and stats.
type Inbound struct {
	Surface     providers.APIType
	Path        string
	ClientAgent string
}

// Result is a successful dispatch. For streamed responses the surface must
// call CompleteStream after draining Response.Stream; for everything else
// accounting has already happened.
type Result struct {
	Response *providers.Response
	Provider providers.Provider // zero-valued on cache hits
	Cached   bool

	in    Inbound
	req   *providers.Request
	start time.Time
}

// DispatchError is the terminal failure of a dispatch. StatusCode is the
// HTTP status the surface answers with; Reason is the classification label
// used in logs and metrics.
type DispatchError struct {
	StatusCode int
	Reason     string
	Message    string
}

func (e *DispatchError) Error() string { return e.Message }

// HTTPStatus implements providers.StatusCoder.
func (e *DispatchError) HTTPStatus() int { return e.StatusCode }

// DispatcherOptions configures NewDispatcher. Registry is required. Nil
// collaborators disable their concern: no cache, no stats, no metrics.
type DispatcherOptions struct {
	Registry *providers.Registry
	Breaker  *CircuitBreaker
	Router   *Router
	Cache    *cache.ResponseCache
	Stats    *stats.Aggregator
	Requests *logger.Logger
	Metrics  *metrics.Registry
	Tokens   *tokens.Estimator
	Log      *slog.Logger

	// Callers overrides the upstream protocol clients, keyed by their
	// Protocol(). Tests inject function-backed fakes here.
	Callers []providers.Caller

	// DisableFallback stops after the first failed attempt instead of
	// trying the next eligible provider.
	DisableFallback bool

	// UpstreamTimeout bounds each upstream attempt when the default
	// callers are built. Zero means providers.ProviderTimeout.
	UpstreamTimeout time.Duration
}

// Dispatcher serves canonical requests: cache lookup first, then upstream
// attempts across breaker-eligible providers, recording breaker outcomes,
// stats samples, request-log entries and metrics along the way.
type Dispatcher struct {
	registry *providers.Registry
	breaker  *CircuitBreaker
	router   *Router
	cache    *cache.ResponseCache
	stats    *stats.Aggregator
	requests *logger.Logger
	metrics  *metrics.Registry
	tokens   *tokens.Estimator
	log      *slog.Logger
	callers  map[providers.APIType]providers.Caller
	fallback atomic.Bool
}

// NewDispatcher wires a Dispatcher from opts, filling defaults for the
// pieces left nil.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Tokens == nil {
		opts.Tokens = tokens.New()
	}
	if opts.Router == nil {
		opts.Router = NewRouter(opts.Registry, opts.Breaker, opts.Metrics)
	}
	if len(opts.Callers) == 0 {
		opts.Callers = []providers.Caller{
			anthropicapi.New(opts.UpstreamTimeout),
			openaiapi.NewResponses(opts.UpstreamTimeout),
			openaiapi.NewChat(opts.UpstreamTimeout),
		}
	}

	callers := make(map[providers.APIType]providers.Caller, len(opts.Callers))
	for _, c := range opts.Callers {
		callers[c.Protocol()] = c
	}

	d := &Dispatcher{
		registry: opts.Registry,
		breaker:  opts.Breaker,
		router:   opts.Router,
		cache:    opts.Cache,
		stats:    opts.Stats,
		requests: opts.Requests,
		metrics:  opts.Metrics,
		tokens:   opts.Tokens,
		log:      opts.Log,
		callers:  callers,
	}
	d.fallback.Store(!opts.DisableFallback)
	return d
}

// SetFallback toggles multi-provider fallback at runtime. Requests already
// in their attempt loop keep the value they started with per attempt.
func (d *Dispatcher) SetFallback(enabled bool) {
	d.fallback.Store(enabled)
}

// Dispatch serves one canonical request. The bounded fallback loop tries
// each eligible provider at most once; terminal failures come back as
// *DispatchError values.
func (d *Dispatcher) Dispatch(ctx context.Context, in Inbound, req *providers.Request) (*Result, error) {
	start := time.Now()

	cacheable := d.cache.Cacheable(req)
	if d.metrics != nil && !cacheable {
		d.metrics.CacheGetBypass()
	}
	if cacheable {
		if entry, ok := d.cache.Lookup(ctx, req); ok {
			return d.serveCached(ctx, in, req, entry, start), nil
		}
		if d.metrics != nil {
			d.metrics.CacheGetMiss()
		}
	}

	excluded := make(map[string]bool)

	var (
		primary    string
		prevName   string
		prevReason string
		attempts   int
		exhausted  bool
		lastOut    attemptOutcome
		lastErr    error
	)

	for {
		p, err := d.router.Select(in.Surface, req.Model, excluded)
		if err != nil {
			if attempts == 0 {
				return nil, d.failNoProvider(ctx, in, req, start, err)
			}
			exhausted = true
			break
		}
		if primary == "" {
			primary = p.Name
		}

		// A failed attempt hands over to a different provider.
		if attempts > 0 && d.metrics != nil {
			d.metrics.RecordFallback(primary, prevName, p.Name, prevReason)
		}

		caller := d.callerFor(in.Surface, &p)
		if caller == nil {
			excluded[p.ID] = true
			continue
		}

		callReq := *req
		callReq.Model = p.ResolveModel(req.Model)

		attemptStart := time.Now()
		resp, err := caller.Complete(ctx, &p, &callReq)
		dur := time.Since(attemptStart)
		attempts++

		if err == nil {
			return d.serveUpstream(ctx, in, req, &callReq, p, resp, start, dur, primary)
		}

		out := classifyFailure(ctx, err)

		if !out.failure {
			// The upstream answered with a client-class status: the
			// provider did its job, pass the answer through.
			d.recordSuccessState(p)
			d.observeAttempt(p.Name, in.Surface, out.reason, dur)
			if d.metrics != nil {
				d.metrics.RecordRequest(p.Name, out.status)
			}
			d.log.WarnContext(ctx, "upstream_rejected_request",
				slog.String("request_id", req.RequestID),
				slog.String("provider", p.Name),
				slog.Int("status", out.status),
				slog.String("error", err.Error()),
			)
			d.emit(in, req, outcomeRecord{
				id:          requestUUID(req.RequestID),
				provider:    p.Name,
				model:       req.Model,
				status:      out.status,
				duration:    time.Since(start),
				inputTokens: d.tokens.CountRequest(req),
				errMsg:      out.message,
			})
			return nil, &DispatchError{StatusCode: out.status, Reason: out.reason, Message: err.Error()}
		}

		d.recordFailureState(p, out.message)
		d.observeAttempt(p.Name, in.Surface, out.reason, dur)
		if d.metrics != nil {
			d.metrics.RecordError(p.Name, out.reason)
		}
		d.log.WarnContext(ctx, "provider_attempt_failed",
			slog.String("request_id", req.RequestID),
			slog.String("provider", p.Name),
			slog.String("reason", out.reason),
			slog.Int64("latency_ms", dur.Milliseconds()),
			slog.String("error", err.Error()),
		)

		inTok := 0
		if out.countInput {
			inTok = d.tokens.CountRequest(req)
		}
		d.emit(in, req, outcomeRecord{
			provider:    p.Name,
			model:       req.Model,
			status:      out.status,
			duration:    time.Since(start),
			inputTokens: inTok,
			errMsg:      out.message,
		})

		excluded[p.ID] = true
		prevName = p.Name
		prevReason = out.reason
		lastOut = out
		lastErr = err

		if !out.fallback || !d.fallback.Load() {
			break
		}
	}

	status := terminalStatus(lastOut)
	if d.metrics != nil {
		if exhausted {
			d.metrics.RecordFallbackExhausted(primary)
		}
		d.metrics.RecordRequest(prevName, status)
	}

	d.log.ErrorContext(ctx, "all_providers_failed",
		slog.String("request_id", req.RequestID),
		slog.String("primary", primary),
		slog.Int("attempts", attempts),
		slog.String("reason", lastOut.reason),
		slog.String("error", lastErr.Error()),
	)

	return nil, &DispatchError{
		StatusCode: status,
		Reason:     lastOut.reason,
		Message:    fmt.Sprintf("all providers failed after %d attempt(s): %s", attempts, lastErr.Error()),
	}
}

// CompleteStream records the terminal outcome of a streamed dispatch. The
// surface calls it exactly once after the upstream channel closes, with the
// text it forwarded, the usage reported by the final chunk (zero halves are
// estimated), and the upstream error message if the stream broke.
func (d *Dispatcher) CompleteStream(res *Result, content string, got providers.Usage, errMsg string) {
	callReq := *res.req
	callReq.Model = res.Provider.ResolveModel(res.req.Model)

	usage := d.tokens.FillUsage(&callReq, content, got)
	cost := res.Provider.Cost(usage.InputTokens, usage.OutputTokens)
	dur := time.Since(res.start)

	model := res.Response.Model
	if model == "" {
		model = callReq.Model
	}

	if d.metrics != nil {
		d.metrics.RecordRequest(res.Provider.Name, fasthttp.StatusOK)
		d.metrics.ObserveRelayRequest(res.Provider.Name, string(res.in.Surface), "bypass", dur)
		d.metrics.AddTokens(res.Provider.Name, string(res.in.Surface), usage.InputTokens, usage.OutputTokens, false)
		d.metrics.AddCost(res.Provider.Name, cost)
	}

	d.emit(res.in, res.req, outcomeRecord{
		id:           requestUUID(res.req.RequestID),
		provider:     res.Provider.Name,
		model:        model,
		status:       fasthttp.StatusOK,
		duration:     dur,
		inputTokens:  usage.InputTokens,
		outputTokens: usage.OutputTokens,
		cost:         cost,
		errMsg:       errMsg,
	})
}

// RecordRejection records a listener-level rejection that never reached
// provider selection, such as a rate-limited request.
func (d *Dispatcher) RecordRejection(in Inbound, req *providers.Request, status int, msg string) {
	d.emit(in, req, outcomeRecord{
		id:     requestUUID(req.RequestID),
		model:  req.Model,
		status: status,
		errMsg: msg,
	})
}

// serveCached replays a stored entry without touching any provider state.
func (d *Dispatcher) serveCached(ctx context.Context, in Inbound, req *providers.Request, entry *cache.Entry, start time.Time) *Result {
	if d.metrics != nil {
		d.metrics.CacheGetHit()
		d.metrics.ObserveRelayRequest("cache", string(in.Surface), "hit", time.Since(start))
		d.metrics.AddTokens("cache", string(in.Surface), entry.InputTokens, entry.OutputTokens, true)
	}

	d.log.DebugContext(ctx, "cache_hit",
		slog.String("request_id", req.RequestID),
		slog.String("model", req.Model),
	)

	d.emit(in, req, outcomeRecord{
		id:           requestUUID(req.RequestID),
		model:        entry.Model,
		status:       fasthttp.StatusOK,
		duration:     time.Since(start),
		inputTokens:  entry.InputTokens,
		outputTokens: entry.OutputTokens,
		cached:       true,
	})

	return &Result{
		Response: &providers.Response{
			Model:        entry.Model,
			Content:      entry.Content,
			FinishReason: entry.FinishReason,
			Usage: providers.Usage{
				InputTokens:  entry.InputTokens,
				OutputTokens: entry.OutputTokens,
			},
		},
		Cached: true,
		in:     in,
		req:    req,
		start:  start,
	}
}

// serveUpstream finishes a successful attempt: breaker reset, usage fill,
// cache store, accounting. Streamed responses defer accounting to
// CompleteStream.
func (d *Dispatcher) serveUpstream(ctx context.Context, in Inbound, req, callReq *providers.Request, p providers.Provider, resp *providers.Response, start time.Time, dur time.Duration, primary string) (*Result, error) {
	d.recordSuccessState(p)
	d.observeAttempt(p.Name, in.Surface, "success", dur)

	if p.Name != primary {
		d.log.InfoContext(ctx, "failover_success",
			slog.String("request_id", req.RequestID),
			slog.String("from", primary),
			slog.String("to", p.Name),
			slog.Int64("latency_ms", dur.Milliseconds()),
		)
		if d.metrics != nil {
			d.metrics.RecordFallbackSuccess(primary, p.Name)
		}
	}

	res := &Result{Response: resp, Provider: p, in: in, req: req, start: start}

	if resp.Stream != nil {
		return res, nil
	}

	resp.Usage = d.tokens.FillUsage(callReq, resp.Content, resp.Usage)
	cost := p.Cost(resp.Usage.InputTokens, resp.Usage.OutputTokens)

	cacheLabel := "bypass"
	if d.cache.Cacheable(req) {
		cacheLabel = "miss"
		if err := d.cache.Save(ctx, req, resp); err != nil {
			if d.metrics != nil {
				d.metrics.CacheSetError()
			}
			d.log.WarnContext(ctx, "cache_store_failed",
				slog.String("request_id", req.RequestID),
				slog.String("error", err.Error()),
			)
		} else if d.metrics != nil {
			d.metrics.CacheSetOK()
		}
	}

	model := resp.Model
	if model == "" {
		model = callReq.Model
	}

	if d.metrics != nil {
		d.metrics.RecordRequest(p.Name, fasthttp.StatusOK)
		d.metrics.ObserveRelayRequest(p.Name, string(in.Surface), cacheLabel, time.Since(start))
		d.metrics.AddTokens(p.Name, string(in.Surface), resp.Usage.InputTokens, resp.Usage.OutputTokens, false)
		d.metrics.AddCost(p.Name, cost)
	}

	d.emit(in, req, outcomeRecord{
		id:           requestUUID(req.RequestID),
		provider:     p.Name,
		model:        model,
		status:       fasthttp.StatusOK,
		duration:     time.Since(start),
		inputTokens:  resp.Usage.InputTokens,
		outputTokens: resp.Usage.OutputTokens,
		cost:         cost,
	})

	return res, nil
}

// failNoProvider is the zero-attempt terminal: nothing in the snapshot could
// serve the request.
func (d *Dispatcher) failNoProvider(ctx context.Context, in Inbound, req *providers.Request, start time.Time, err error) error {
	d.log.WarnContext(ctx, "no_eligible_provider",
		slog.String("request_id", req.RequestID),
		slog.String("model", req.Model),
		slog.String("api_type", string(in.Surface)),
	)

	if d.metrics != nil {
		d.metrics.RecordRequest("none", fasthttp.StatusServiceUnavailable)
	}

	d.emit(in, req, outcomeRecord{
		id:       requestUUID(req.RequestID),
		model:    req.Model,
		status:   fasthttp.StatusServiceUnavailable,
		duration: time.Since(start),
		errMsg:   err.Error(),
	})

	return &DispatchError{
		StatusCode: fasthttp.StatusServiceUnavailable,
		Reason:     "no_eligible_provider",
		Message:    err.Error(),
	}
}

// callerFor returns the protocol client for p on the given surface. A
// provider flagged openai_compat serves Anthropic-surface traffic through
// the Chat protocol; the surface re-encodes the canonical response.
func (d *Dispatcher) callerFor(surface providers.APIType, p *providers.Provider) providers.Caller {
	if surface == providers.APITypeAnthropic && p.OpenAICompat {
		return d.callers[providers.APITypeChat]
	}
	return d.callers[surface]
}

func (d *Dispatcher) recordSuccessState(p providers.Provider) {
	if d.breaker == nil {
		return
	}
	d.breaker.RecordSuccess(p.ID)
	if d.metrics != nil {
		d.metrics.SetBreakerState(p.Name, d.breaker.StateLabel(p.ID))
	}
}

func (d *Dispatcher) recordFailureState(p providers.Provider, errMsg string) {
	if d.breaker == nil {
		return
	}
	d.breaker.RecordFailure(p.ID, errMsg)
	if d.metrics != nil {
		d.metrics.SetBreakerState(p.Name, d.breaker.StateLabel(p.ID))
	}
}

func (d *Dispatcher) observeAttempt(provider string, surface providers.APIType, outcome string, dur time.Duration) {
	if d.metrics != nil {
		d.metrics.ObserveUpstreamAttempt(provider, string(surface), outcome, dur)
	}
}

// outcomeRecord carries one finished outcome into the matched RequestLog
// entry and stats sample.
type outcomeRecord struct {
	id           uuid.UUID // zero means a fresh per-attempt id
	provider     string
	model        string
	status       int
	duration     time.Duration
	inputTokens  int
	outputTokens int
	cost         float64
	cached       bool
	errMsg       string
}

func (d *Dispatcher) emit(in Inbound, req *providers.Request, o outcomeRecord) {
	if d.stats != nil {
		d.stats.Record(stats.Sample{
			RequestID:    req.RequestID,
			Surface:      in.Surface,
			Provider:     o.provider,
			Model:        o.model,
			Status:       o.status,
			DurationMs:   float64(o.duration) / float64(time.Millisecond),
			InputTokens:  o.inputTokens,
			OutputTokens: o.outputTokens,
			Cost:         o.cost,
			Cached:       o.cached,
			Error:        o.errMsg,
		})
	}

	if d.requests != nil {
		id := o.id
		if id == uuid.Nil {
			id = uuid.New()
		}
		d.requests.Log(logger.RequestLog{
			ID:           id,
			CreatedAt:    time.Now(),
			Surface:      string(in.Surface),
			Path:         in.Path,
			Provider:     o.provider,
			Model:        o.model,
			Status:       uint16(o.status),
			LatencyMs:    uint32(o.duration.Milliseconds()),
			InputTokens:  uint32(o.inputTokens),
			OutputTokens: uint32(o.outputTokens),
			Cost:         o.cost,
			Cached:       o.cached,
			ClientAgent:  in.ClientAgent,
			Error:        o.errMsg,
		})
	}
}

// attemptOutcome classifies one failed upstream attempt.
type attemptOutcome struct {
	reason     string // metrics label and log field
	status     int    // status recorded for the attempt
	failure    bool   // counts against the provider's breaker
	fallback   bool   // admits trying the next candidate
	countInput bool   // attempt log carries the input token estimate
	message    string // error_message recorded for the attempt
}

// classifyFailure buckets an upstream error. Statuses in {5xx, 401, 402,
// 403, 410, 429} mean the provider itself is unwell; any other non-2xx
// status is an answer about the request and passes through. Connection
// errors, timeouts and client cancellation each map to their synthetic
// status.
func classifyFailure(ctx context.Context, err error) attemptOutcome {
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		out := attemptOutcome{
			reason:     fmt.Sprintf("http_%d", status),
			status:     status,
			countInput: true,
			message:    fmt.Sprintf("HTTP %d - %s", status, truncateError(err.Error())),
		}
		out.failure = fallbackStatus(status)
		out.fallback = out.failure
		return out
	}

	if ctx.Err() == context.Canceled || errors.Is(err, context.Canceled) {
		return attemptOutcome{
			reason:  "canceled",
			status:  apierr.StatusClientClosedRequest,
			failure: true,
			message: fmt.Sprintf("Connection failed: %v", err),
		}
	}

	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return attemptOutcome{
			reason:   "timeout",
			status:   fasthttp.StatusGatewayTimeout,
			failure:  true,
			fallback: true,
			message:  fmt.Sprintf("Connection failed: %v", err),
		}
	}

	return attemptOutcome{
		reason:   "connection",
		status:   fasthttp.StatusBadGateway,
		failure:  true,
		fallback: true,
		message:  fmt.Sprintf("Connection failed: %v", err),
	}
}

// fallbackStatus reports whether an upstream status indicates a provider
// failure rather than a problem with the request itself.
func fallbackStatus(status int) bool {
	switch status {
	case fasthttp.StatusUnauthorized,
		fasthttp.StatusPaymentRequired,
		fasthttp.StatusForbidden,
		fasthttp.StatusGone,
		fasthttp.StatusTooManyRequests:
		return true
	}
	return status >= 500
}

// terminalStatus maps the last attempt's failure onto the status the client
// receives once no further provider will be tried.
func terminalStatus(out attemptOutcome) int {
	switch out.reason {
	case "timeout":
		return fasthttp.StatusGatewayTimeout
	case "canceled":
		return apierr.StatusClientClosedRequest
	}
	if out.status == fasthttp.StatusTooManyRequests {
		return fasthttp.StatusTooManyRequests
	}
	return fasthttp.StatusBadGateway
}

func truncateError(s string) string {
	if len(s) > errorBodyLimit {
		return s[:errorBodyLimit] + "...(truncated)"
	}
	return s
}

func requestUUID(requestID string) uuid.UUID {
	if id, err := uuid.Parse(requestID); err == nil {
		return id
	}
	return uuid.New()
}
