// Package anthropicapi implements the Anthropic Messages wire protocol as a
// providers.Caller, using the official SDK. The target base URL and key come
// from the provider record on every call, so one client serves any number of
// configured upstreams.
package anthropicapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/llm-relay/internal/providers"
)

// Client speaks the Anthropic Messages protocol to any configured upstream.
type Client struct {
	httpClient *http.Client
}

// New creates the caller. timeout bounds each upstream call at the transport
// level; zero means providers.ProviderTimeout.
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = providers.ProviderTimeout
	}
	return &Client{httpClient: &http.Client{Timeout: timeout}}
}

// Protocol implements providers.Caller.
func (c *Client) Protocol() providers.APIType { return providers.APITypeAnthropic }

// Complete implements providers.Caller.
func (c *Client) Complete(ctx context.Context, p *providers.Provider, req *providers.Request) (*providers.Response, error) {
	if p.APIKey == "" {
		return nil, fmt.Errorf("anthropicapi: provider %q has no API key", p.ID)
	}

	client := anthropic.NewClient(
		option.WithAPIKey(p.APIKey),
		option.WithBaseURL(apiBase(p.BaseURL)),
		option.WithHTTPClient(c.httpClient),
	)

	params := buildParams(req)

	if req.Stream {
		return c.stream(ctx, client, params)
	}
	return c.complete(ctx, client, params)
}

func buildParams(req *providers.Request) anthropic.MessageNewParams {
	systemPrompt := req.System
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		default:
			msgs = append(msgs, toSDKMessage(m.Role, m.Content))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = providers.DefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}

	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: systemPrompt},
		}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if req.TopP > 0 {
		params.TopP = anthropic.Float(req.TopP)
	}

	return params
}

func toSDKMessage(role, content string) anthropic.MessageParam {
	anthRole := anthropic.MessageParamRoleUser
	if strings.ToLower(role) == "assistant" {
		anthRole = anthropic.MessageParamRoleAssistant
	}

	return anthropic.MessageParam{
		Role: anthRole,
		Content: []anthropic.ContentBlockParamUnion{
			{
				OfText: &anthropic.TextBlockParam{
					Text: content,
				},
			},
		},
	}
}

func (c *Client) complete(ctx context.Context, client anthropic.Client, params anthropic.MessageNewParams) (*providers.Response, error) {
	msg, err := client.Messages.New(ctx, params)
	if err != nil {
		return nil, toCallError(err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case *anthropic.TextBlock:
			sb.WriteString(v.Text)
		}
	}

	return &providers.Response{
		ID:           msg.ID,
		Model:        string(msg.Model),
		Content:      sb.String(),
		FinishReason: string(msg.StopReason),
		Usage: providers.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

func (c *Client) stream(ctx context.Context, client anthropic.Client, params anthropic.MessageNewParams) (*providers.Response, error) {
	ch := make(chan providers.StreamChunk, 64)

	stream := client.Messages.NewStreaming(ctx, params)

	go func() {
		defer close(ch)

		var usage providers.Usage

		for stream.Next() {
			ev := stream.Current()

			switch eventVariant := ev.AsAny().(type) {
			case anthropic.MessageStartEvent:
				usage.InputTokens = int(eventVariant.Message.Usage.InputTokens)

			case anthropic.ContentBlockDeltaEvent:
				switch deltaVariant := eventVariant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if deltaVariant.Text != "" {
						ch <- providers.StreamChunk{Content: deltaVariant.Text}
					}
				case *anthropic.TextDelta:
					if deltaVariant.Text != "" {
						ch <- providers.StreamChunk{Content: deltaVariant.Text}
					}
				}

			case anthropic.MessageDeltaEvent:
				usage.OutputTokens = int(eventVariant.Usage.OutputTokens)
				final := usage
				ch <- providers.StreamChunk{
					FinishReason: string(eventVariant.Delta.StopReason),
					Usage:        &final,
				}
			}
		}

		if err := stream.Err(); err != nil {
			ch <- providers.StreamChunk{
				Content:      fmt.Sprintf("[stream error] %v", err),
				FinishReason: "error",
			}
		}
	}()

	return &providers.Response{Model: string(params.Model), Stream: ch}, nil
}

// apiBase normalizes a configured base_url to the SDK's expectation: the
// protocol root without the /v1 path segment.
func apiBase(raw string) string {
	b := strings.TrimRight(raw, "/")
	return strings.TrimSuffix(b, "/v1")
}

// CallError is a structured error returned by an Anthropic-protocol upstream.
type CallError struct {
	StatusCode int
	Message    string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("anthropicapi: %s (status=%d)", e.Message, e.StatusCode)
}

// HTTPStatus implements providers.StatusCoder.
func (e *CallError) HTTPStatus() int { return e.StatusCode }

func toCallError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &CallError{
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
		}
	}
	return err
}
