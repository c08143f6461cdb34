package proxy

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-relay/internal/providers"
)

func mwHandler(status int) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(status)
	}
}

func TestRecoveryPassesThrough(t *testing.T) {
	h := recovery(providers.APITypeChat)(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	})

	ctx := &fasthttp.RequestCtx{}
	h(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("status = %d, want 200", ctx.Response.StatusCode())
	}
	if got := string(ctx.Response.Body()); got != "ok" {
		t.Errorf("body = %q, want untouched handler output", got)
	}
}

// A panic is answered in the dialect of the surface it escaped on.
func TestRecoveryAnswersPanicsWith500(t *testing.T) {
	tests := []struct {
		surface providers.APIType
		marker  string
	}{
		{providers.APITypeChat, `"provider_error"`},
		{providers.APITypeResponses, `"provider_error"`},
		{providers.APITypeAnthropic, `"type":"error"`},
	}

	for _, tt := range tests {
		t.Run(string(tt.surface), func(t *testing.T) {
			h := recovery(tt.surface)(func(*fasthttp.RequestCtx) {
				panic("boom")
			})

			ctx := &fasthttp.RequestCtx{}
			h(ctx)

			if ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
				t.Fatalf("status = %d, want 500", ctx.Response.StatusCode())
			}
			if ct := string(ctx.Response.Header.ContentType()); ct != "application/json" {
				t.Errorf("Content-Type = %q, want application/json", ct)
			}
			body := string(ctx.Response.Body())
			if !strings.Contains(body, "internal server error") || !strings.Contains(body, tt.marker) {
				t.Errorf("body = %s, want the %s dialect envelope", body, tt.surface)
			}
		})
	}
}

func TestRequestIDGenerated(t *testing.T) {
	var seen string
	h := requestID(func(ctx *fasthttp.RequestCtx) {
		seen, _ = ctx.UserValue("request_id").(string)
	})

	ctx := &fasthttp.RequestCtx{}
	h(ctx)

	if _, err := uuid.Parse(seen); err != nil {
		t.Errorf("generated request_id %q is not a UUID: %v", seen, err)
	}
	if got := string(ctx.Response.Header.Peek("X-Request-ID")); got != seen {
		t.Errorf("X-Request-ID = %q, want the id the handler saw (%q)", got, seen)
	}
}

func TestRequestIDPreserved(t *testing.T) {
	const id = "client-chosen-id"

	h := requestID(func(ctx *fasthttp.RequestCtx) {
		if got, _ := ctx.UserValue("request_id").(string); got != id {
			t.Errorf("request_id = %q, want %q", got, id)
		}
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("X-Request-ID", id)
	h(ctx)

	if got := string(ctx.Response.Header.Peek("X-Request-ID")); got != id {
		t.Errorf("X-Request-ID = %q, want %q echoed back", got, id)
	}
}

func TestTimingHeaderParses(t *testing.T) {
	h := timing(mwHandler(fasthttp.StatusOK))

	ctx := &fasthttp.RequestCtx{}
	h(ctx)

	raw := string(ctx.Response.Header.Peek("X-Response-Time"))
	if raw == "" {
		t.Fatal("X-Response-Time should be set")
	}
	if _, err := time.ParseDuration(raw); err != nil {
		t.Errorf("X-Response-Time %q is not a duration: %v", raw, err)
	}
}

func TestSecurityHeaders(t *testing.T) {
	h := securityHeaders(mwHandler(fasthttp.StatusOK))

	ctx := &fasthttp.RequestCtx{}
	h(ctx)

	want := map[string]string{
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"X-XSS-Protection":          "0",
		"Content-Security-Policy":   "default-src 'none'",
		"Referrer-Policy":           "no-referrer",
		"Permissions-Policy":        "geolocation=(), camera=(), microphone=()",
	}
	for name, value := range want {
		if got := string(ctx.Response.Header.Peek(name)); got != value {
			t.Errorf("%s = %q, want %q", name, got, value)
		}
	}
}

func TestCORSOrigins(t *testing.T) {
	tests := []struct {
		name    string
		origins []string
		want    string
	}{
		{"nil means open", nil, "*"},
		{"explicit wildcard", []string{"*"}, "*"},
		{
			"allowlist joined",
			[]string{"https://app.nulpoint.com", "https://dashboard.nulpoint.com"},
			"https://app.nulpoint.com, https://dashboard.nulpoint.com",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := corsHandler(tt.origins)(mwHandler(fasthttp.StatusOK))

			ctx := &fasthttp.RequestCtx{}
			ctx.Request.Header.SetMethod(fasthttp.MethodGet)
			h(ctx)

			if got := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")); got != tt.want {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.want)
			}
		})
	}
}

// The allow lists must cover the headers both SDK dialects send: Bearer auth
// and the Messages-style x-api-key/anthropic-version pair.
func TestCORSAllowLists(t *testing.T) {
	h := corsHandler(nil)(mwHandler(fasthttp.StatusOK))

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodGet)
	h(ctx)

	headers := string(ctx.Response.Header.Peek("Access-Control-Allow-Headers"))
	for _, name := range []string{"Authorization", "Content-Type", "X-Request-ID", "X-API-Key", "Anthropic-Version"} {
		if !strings.Contains(headers, name) {
			t.Errorf("Allow-Headers %q is missing %q", headers, name)
		}
	}

	methods := string(ctx.Response.Header.Peek("Access-Control-Allow-Methods"))
	for _, m := range []string{fasthttp.MethodGet, fasthttp.MethodPost, fasthttp.MethodOptions} {
		if !strings.Contains(methods, m) {
			t.Errorf("Allow-Methods %q is missing %q", methods, m)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	h := corsHandler(nil)(func(ctx *fasthttp.RequestCtx) {
		t.Error("preflight must not reach the handler")
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodOptions)
	h(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusNoContent {
		t.Errorf("status = %d, want 204", ctx.Response.StatusCode())
	}
	if len(ctx.Response.Body()) != 0 {
		t.Errorf("body = %q, want empty", ctx.Response.Body())
	}
	if got := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")); got != "*" {
		t.Errorf("preflight Allow-Origin = %q, want *", got)
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	tag := func(name string) middleware {
		return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
			return func(ctx *fasthttp.RequestCtx) {
				order = append(order, name+"-in")
				next(ctx)
				order = append(order, name+"-out")
			}
		}
	}

	h := chain(func(*fasthttp.RequestCtx) {
		order = append(order, "handler")
	}, tag("outer"), tag("inner"))

	h(&fasthttp.RequestCtx{})

	want := []string{"outer-in", "inner-in", "handler", "inner-out", "outer-out"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestChainEmpty(t *testing.T) {
	called := false
	h := chain(func(*fasthttp.RequestCtx) { called = true })

	h(&fasthttp.RequestCtx{})

	if !called {
		t.Error("bare handler should run unchanged")
	}
}
