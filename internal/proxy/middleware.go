package proxy

import (
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-relay/internal/providers"
)

// middleware wraps a fasthttp handler.
type middleware func(fasthttp.RequestHandler) fasthttp.RequestHandler

// chain wraps h so the first middleware runs outermost:
// chain(h, a, b) == a(b(h)).
func chain(h fasthttp.RequestHandler, mws ...middleware) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// recovery turns a handler panic into an error answer in the surface's own
// dialect so the listener keeps serving. The panic value is logged at ERROR.
func recovery(t providers.APIType) middleware {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("handler_panic",
						slog.Any("panic", r),
						slog.String("surface", string(t)),
						slog.String("path", string(ctx.Path())),
						slog.String("method", string(ctx.Method())),
					)
					ctx.ResetBody()
					writeSurfaceError(ctx, t, fasthttp.StatusInternalServerError, "internal server error")
				}
			}()
			next(ctx)
		}
	}
}

// requestID stamps every exchange with an X-Request-ID. A client-supplied id
// is kept so callers can correlate retries; otherwise a fresh UUID is issued.
// Handlers read it back through the request_id user value.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek("X-Request-ID"))
		if id == "" {
			id = uuid.NewString()
		}
		ctx.SetUserValue("request_id", id)
		ctx.Response.Header.Set("X-Request-ID", id)
		next(ctx)
	}
}

// timing reports the exchange wall time in X-Response-Time, in Go duration
// notation.
func timing(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		ctx.Response.Header.Set("X-Response-Time", time.Since(start).String())
	}
}

// hardeningHeaders go on every proxy answer. The relay serves JSON and SSE
// only, so the CSP denies all resource loads and framing is refused.
// X-XSS-Protection is retired and pinned to 0.
var hardeningHeaders = [...][2]string{
	{"Strict-Transport-Security", "max-age=31536000; includeSubDomains"},
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"X-XSS-Protection", "0"},
	{"Content-Security-Policy", "default-src 'none'"},
	{"Referrer-Policy", "no-referrer"},
	{"Permissions-Policy", "geolocation=(), camera=(), microphone=()"},
}

func securityHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		for _, kv := range hardeningHeaders {
			ctx.Response.Header.Set(kv[0], kv[1])
		}
	}
}

// corsHandler answers cross-origin traffic per the cors_origins allowlist:
// empty or ["*"] keeps the surface open, anything else is sent as the joined
// list. Preflights finish here with 204 and never reach the handler. The
// allowed headers cover both SDK dialects (Bearer auth and the Messages
// x-api-key/anthropic-version pair).
func corsHandler(origins []string) middleware {
	allowOrigin := "*"
	if len(origins) > 0 && !(len(origins) == 1 && origins[0] == "*") {
		allowOrigin = strings.Join(origins, ", ")
	}
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			h := &ctx.Response.Header
			h.Set("Access-Control-Allow-Origin", allowOrigin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID, X-API-Key, Anthropic-Version")

			if string(ctx.Method()) == fasthttp.MethodOptions {
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}
