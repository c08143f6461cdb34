package providers

import (
	"context"
)

type (
	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string
		Content string
	}

	// Usage — token usage stats.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// StreamChunk is a single token chunk delivered during a streaming
	// response. Usage is set only on the final chunk, when the upstream
	// reports it.
	StreamChunk struct {
		Content      string
		FinishReason string
		Usage        *Usage
	}

	// Request — canonical client request, protocol-agnostic. Model is the
	// effective upstream model at call time: the dispatcher applies the
	// provider's ModelMapping before handing the request to a Caller.
	Request struct {
		Model       string
		System      string
		Messages    []Message
		MaxTokens   int
		Temperature float64
		TopP        float64
		Stream      bool
		RequestID   string
	}

	// Response — canonical upstream response. Stream is nil for
	// non-streaming calls; when set, Content and Usage are empty and the
	// consumer drains the channel instead.
	Response struct {
		ID           string
		Model        string
		Content      string
		FinishReason string
		Usage        Usage
		Stream       <-chan StreamChunk
	}
)

// Caller performs an upstream call in one wire protocol. Implementations are
// stateless with respect to providers: the target's base URL and key come
// from the Provider argument on every call.
type Caller interface {
	// Protocol returns the wire protocol this caller speaks.
	Protocol() APIType
	// Complete performs the call against p.BaseURL with p.APIKey.
	Complete(ctx context.Context, p *Provider, req *Request) (*Response, error)
}
