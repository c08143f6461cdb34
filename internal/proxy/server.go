package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-relay/internal/metrics"
	"github.com/nulpointcorp/llm-relay/internal/providers"
	"github.com/nulpointcorp/llm-relay/internal/ratelimit"
	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"
)

// ServerOptions configures a Server. A surface with an empty address is
// disabled; Serve for it returns immediately.
type ServerOptions struct {
	Dispatcher *Dispatcher
	Limiter    *ratelimit.RPMLimiter
	Metrics    *metrics.Registry
	Health     *Health
	Log        *slog.Logger

	AnthropicAddr string
	ResponsesAddr string
	ChatAddr      string

	CORSOrigins  []string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server hosts the protocol surfaces, one fasthttp listener per surface.
// Every surface decodes its own dialect into the canonical request shape and
// hands it to the shared Dispatcher.
type Server struct {
	dispatcher   *Dispatcher
	limiter      *ratelimit.RPMLimiter
	metrics      *metrics.Registry
	health       *Health
	log          *slog.Logger
	cors         []string
	readTimeout  time.Duration
	writeTimeout time.Duration
	addrs        map[providers.APIType]string

	mu   sync.Mutex
	srvs map[providers.APIType]*fasthttp.Server
}

// NewServer wires a Server from opts.
func NewServer(opts ServerOptions) *Server {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 60 * time.Second
	}

	return &Server{
		dispatcher:   opts.Dispatcher,
		limiter:      opts.Limiter,
		metrics:      opts.Metrics,
		health:       opts.Health,
		log:          opts.Log,
		cors:         opts.CORSOrigins,
		readTimeout:  opts.ReadTimeout,
		writeTimeout: opts.WriteTimeout,
		addrs: map[providers.APIType]string{
			providers.APITypeAnthropic: opts.AnthropicAddr,
			providers.APITypeResponses: opts.ResponsesAddr,
			providers.APITypeChat:      opts.ChatAddr,
		},
		srvs: make(map[providers.APIType]*fasthttp.Server),
	}
}

// Addr returns the configured listen address for surface t, empty when the
// surface is disabled.
func (s *Server) Addr(t providers.APIType) string { return s.addrs[t] }

// Handler builds the full middleware-wrapped handler for surface t. Exposed
// so tests can drive a surface without binding a port.
func (s *Server) Handler(t providers.APIType) fasthttp.RequestHandler {
	r := router.New()

	switch t {
	case providers.APITypeAnthropic:
		r.POST("/v1/messages", s.handleMessages)
	case providers.APITypeResponses:
		r.POST("/v1/responses", s.handleResponses)
	case providers.APITypeChat:
		r.POST("/v1/chat/completions", s.handleChatCompletions)
	}
	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)

	return chain(r.Handler,
		recovery(t),
		requestID,
		timing,
		corsHandler(s.cors),
		securityHeaders,
	)
}

// Serve listens on the configured address for surface t and blocks until the
// listener stops. A disabled surface returns nil immediately.
func (s *Server) Serve(t providers.APIType) error {
	addr := s.addrs[t]
	if addr == "" {
		return nil
	}

	srv := &fasthttp.Server{
		Handler:      s.Handler(t),
		Name:         "llm-relay",
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
	}

	s.mu.Lock()
	s.srvs[t] = srv
	s.mu.Unlock()

	s.log.Info("surface_listening",
		slog.String("api_type", string(t)),
		slog.String("addr", addr),
	)
	return srv.ListenAndServe(addr)
}

// Shutdown gracefully stops every started listener. In-flight requests get
// until ctx expires to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for t, srv := range s.srvs {
		if err := srv.ShutdownWithContext(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.srvs, t)
	}
	return firstErr
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	if s.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok"})
		return
	}
	writeJSON(ctx, s.health.Snapshot())
}

func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if s.health == nil || s.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

// allowRequest applies the per-client RPM limit. A blocked request is
// answered in the surface's dialect and recorded; callers must return
// immediately on false.
func (s *Server) allowRequest(ctx *fasthttp.RequestCtx, in Inbound, req *providers.Request) bool {
	if s.limiter == nil {
		return true
	}

	client := ctx.RemoteIP().String()
	allowed, err := s.limiter.Allow(ctx, client)
	if s.metrics != nil {
		switch {
		case err != nil:
			s.metrics.RecordRateLimit("error")
		case allowed:
			s.metrics.RecordRateLimit("allowed")
		default:
			s.metrics.RecordRateLimit("blocked")
		}
	}
	if err != nil || allowed {
		return true
	}

	s.log.WarnContext(ctx, "rate_limit_exceeded",
		slog.String("request_id", req.RequestID),
		slog.String("client", client),
	)
	if s.dispatcher != nil {
		s.dispatcher.RecordRejection(in, req, fasthttp.StatusTooManyRequests, "rate limit exceeded")
	}
	writeSurfaceError(ctx, in.Surface, fasthttp.StatusTooManyRequests, "rate limit exceeded")
	return false
}

// inbound captures the listener-side fields recorded with every outcome.
func (s *Server) inbound(ctx *fasthttp.RequestCtx, t providers.APIType) Inbound {
	return Inbound{
		Surface:     t,
		Path:        string(ctx.Path()),
		ClientAgent: string(ctx.Request.Header.UserAgent()),
	}
}

// writeSurfaceError answers in the dialect the surface speaks.
func writeSurfaceError(ctx *fasthttp.RequestCtx, t providers.APIType, status int, msg string) {
	if t == providers.APITypeAnthropic {
		apierr.WriteAnthropic(ctx, status, msg)
		return
	}
	apierr.WriteOpenAI(ctx, status, msg)
}

// writeDispatchError maps a Dispatch failure onto the surface's dialect.
func writeDispatchError(ctx *fasthttp.RequestCtx, t providers.APIType, err error) {
	var de *DispatchError
	if errors.As(err, &de) {
		writeSurfaceError(ctx, t, de.StatusCode, de.Message)
		return
	}
	writeSurfaceError(ctx, t, fasthttp.StatusBadGateway, err.Error())
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}

// cacheHeader returns the X-Cache value for a dispatch result.
func cacheHeader(hit bool) string {
	if hit {
		return xCacheHIT
	}
	return xCacheMISS
}

// sseEvent writes one named SSE event and flushes it immediately.
func sseEvent(w *bufio.Writer, event string, v any) {
	data, _ := json.Marshal(v)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	w.Flush() //nolint:errcheck
}

// sseData writes one bare SSE data line and flushes it immediately.
func sseData(w *bufio.Writer, v any) {
	data, _ := json.Marshal(v)
	fmt.Fprintf(w, "data: %s\n\n", data)
	w.Flush() //nolint:errcheck
}

// finishStream records listener metrics once a stream writer drains. Stream
// handlers skip the usual handler defer and call this instead.
func (s *Server) finishStream(in Inbound, start time.Time, reqBytes int, route string) {
	if s.metrics == nil {
		return
	}
	s.metrics.DecInFlight()
	s.metrics.ObserveHTTP(string(in.Surface), route, fasthttp.StatusOK, time.Since(start), reqBytes, -1)
}
