// Package apierr renders wire error envelopes in the dialect of each
// listening surface: OpenAI-style `{"error":{...}}` for the chat and
// responses listeners, Anthropic-style `{"type":"error","error":{...}}` for
// the messages listener.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// StatusClientClosedRequest is the nginx-convention status recorded when the
// client goes away before the upstream answers.
const StatusClientClosedRequest = 499

// OpenAI error type constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
)

// OpenAI error code constants.
const (
	CodeRateLimitExceeded   = "rate_limit_exceeded"
	CodeInvalidAPIKey       = "invalid_api_key"
	CodeInternalError       = "internal_error"
	CodeProviderError       = "provider_error"
	CodeRequestTimeout      = "request_timeout"
	CodeNoEligibleProviders = "no_eligible_providers"
	CodeClientClosedRequest = "client_closed_request"
	CodeInvalidRequest      = "invalid_request"
)

type (
	// APIError is the inner error object of the OpenAI dialect.
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	openaiEnvelope struct {
		Error APIError `json:"error"`
	}

	anthropicError struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	anthropicEnvelope struct {
		Type  string         `json:"type"`
		Error anthropicError `json:"error"`
	}
)

// Write writes an OpenAI-dialect error with explicit type and code.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	setCommon(ctx, status)
	body, _ := json.Marshal(openaiEnvelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteOpenAI writes an OpenAI-dialect error, deriving type and code from the
// HTTP status.
func WriteOpenAI(ctx *fasthttp.RequestCtx, status int, message string) {
	errType, code := openaiKind(status)
	Write(ctx, status, message, errType, code)
}

// WriteAnthropic writes an Anthropic-dialect error, deriving the error type
// from the HTTP status.
func WriteAnthropic(ctx *fasthttp.RequestCtx, status int, message string) {
	setCommon(ctx, status)
	body, _ := json.Marshal(anthropicEnvelope{
		Type: "error",
		Error: anthropicError{
			Type:    anthropicKind(status),
			Message: message,
		},
	})
	ctx.SetBody(body)
}

func setCommon(ctx *fasthttp.RequestCtx, status int) {
	if status == fasthttp.StatusTooManyRequests {
		ctx.Response.Header.Set("Retry-After", "60")
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
}

// openaiKind maps an HTTP status to the OpenAI error type and code.
func openaiKind(status int) (string, string) {
	switch {
	case status == fasthttp.StatusUnauthorized:
		return TypeAuthenticationErr, CodeInvalidAPIKey
	case status == fasthttp.StatusTooManyRequests:
		return TypeRateLimitError, CodeRateLimitExceeded
	case status == StatusClientClosedRequest:
		return TypeInvalidRequest, CodeClientClosedRequest
	case status == fasthttp.StatusServiceUnavailable:
		return TypeProviderError, CodeNoEligibleProviders
	case status == fasthttp.StatusGatewayTimeout:
		return TypeProviderError, CodeRequestTimeout
	case status >= 500:
		return TypeProviderError, CodeProviderError
	case status >= 400:
		return TypeInvalidRequest, CodeInvalidRequest
	default:
		return TypeServerError, CodeInternalError
	}
}

// anthropicKind maps an HTTP status to the Anthropic error type.
func anthropicKind(status int) string {
	switch status {
	case fasthttp.StatusBadRequest:
		return "invalid_request_error"
	case fasthttp.StatusUnauthorized:
		return "authentication_error"
	case fasthttp.StatusForbidden:
		return "permission_error"
	case fasthttp.StatusNotFound:
		return "not_found_error"
	case fasthttp.StatusRequestEntityTooLarge:
		return "request_too_large"
	case fasthttp.StatusTooManyRequests:
		return "rate_limit_error"
	case 529:
		return "overloaded_error"
	}
	if status >= 500 {
		return "api_error"
	}
	return "invalid_request_error"
}
