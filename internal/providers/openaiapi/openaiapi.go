// Package openaiapi implements the two OpenAI wire protocols as
// providers.Caller values: ChatClient for /v1/chat/completions and
// ResponsesClient for /v1/responses. Both bind the target base URL and key
// from the provider record on every call.
package openaiapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"
	"github.com/openai/openai-go/v3/shared"

	"github.com/nulpointcorp/llm-relay/internal/providers"
)

// ChatClient speaks the Chat Completions protocol.
type ChatClient struct {
	httpClient *http.Client
}

// NewChat creates the Chat Completions caller. timeout bounds each upstream
// call at the transport level; zero means providers.ProviderTimeout.
func NewChat(timeout time.Duration) *ChatClient {
	if timeout <= 0 {
		timeout = providers.ProviderTimeout
	}
	return &ChatClient{httpClient: &http.Client{Timeout: timeout}}
}

// Protocol implements providers.Caller.
func (c *ChatClient) Protocol() providers.APIType { return providers.APITypeChat }

// Complete implements providers.Caller.
func (c *ChatClient) Complete(ctx context.Context, p *providers.Provider, req *providers.Request) (*providers.Response, error) {
	client, err := newClient(c.httpClient, p)
	if err != nil {
		return nil, err
	}

	params := buildChatParams(req)

	if req.Stream {
		return c.stream(ctx, client, params)
	}

	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, toCallError(err)
	}

	content := ""
	finish := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
		finish = resp.Choices[0].FinishReason
	}

	return &providers.Response{
		ID:           resp.ID,
		Model:        resp.Model,
		Content:      content,
		FinishReason: finish,
		Usage: providers.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

func buildChatParams(req *providers.Request) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openaiSDK.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	}

	if req.Temperature != 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}
	if req.TopP != 0 {
		params.TopP = openaiSDK.Float(req.TopP)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}

	return params
}

func (c *ChatClient) stream(ctx context.Context, client openaiSDK.Client, params openaiSDK.ChatCompletionNewParams) (*providers.Response, error) {
	ch := make(chan providers.StreamChunk, 64)

	stream := client.Chat.Completions.NewStreaming(ctx, params)

	go func() {
		defer close(ch)

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}

			choice := chunk.Choices[0]

			if choice.Delta.Content != "" {
				ch <- providers.StreamChunk{Content: choice.Delta.Content}
			}

			if choice.FinishReason != "" {
				final := providers.Usage{
					InputTokens:  int(chunk.Usage.PromptTokens),
					OutputTokens: int(chunk.Usage.CompletionTokens),
				}
				ch <- providers.StreamChunk{
					FinishReason: choice.FinishReason,
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

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	case "user":
		fallthrough
	default:
		return openaiSDK.UserMessage(content)
	}
}

// ResponsesClient speaks the Responses protocol.
type ResponsesClient struct {
	httpClient *http.Client
}

// NewResponses creates the Responses caller.
func NewResponses(timeout time.Duration) *ResponsesClient {
	if timeout <= 0 {
		timeout = providers.ProviderTimeout
	}
	return &ResponsesClient{httpClient: &http.Client{Timeout: timeout}}
}

// Protocol implements providers.Caller.
func (c *ResponsesClient) Protocol() providers.APIType { return providers.APITypeResponses }

// Complete implements providers.Caller.
func (c *ResponsesClient) Complete(ctx context.Context, p *providers.Provider, req *providers.Request) (*providers.Response, error) {
	client, err := newClient(c.httpClient, p)
	if err != nil {
		return nil, err
	}

	params := buildResponsesParams(req)

	if req.Stream {
		return c.stream(ctx, client, params)
	}

	resp, err := client.Responses.New(ctx, params)
	if err != nil {
		return nil, toCallError(err)
	}

	return &providers.Response{
		ID:           resp.ID,
		Model:        string(resp.Model),
		Content:      resp.OutputText(),
		FinishReason: finishReason(string(resp.Status)),
		Usage: providers.Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
	}, nil
}

func buildResponsesParams(req *providers.Request) responses.ResponseNewParams {
	items := make(responses.ResponseInputParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		items = append(items, responses.ResponseInputItemUnionParam{
			OfMessage: &responses.EasyInputMessageParam{
				Role: responses.EasyInputMessageRole(normalizeRole(m.Role)),
				Content: responses.EasyInputMessageContentUnionParam{
					OfString: openaiSDK.String(m.Content),
				},
			},
		})
	}

	params := responses.ResponseNewParams{
		Model: shared.ResponsesModel(req.Model),
		Input: responses.ResponseNewParamsInputUnion{OfInputItemList: items},
	}

	if req.System != "" {
		params.Instructions = openaiSDK.String(req.System)
	}
	if req.Temperature != 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}
	if req.TopP != 0 {
		params.TopP = openaiSDK.Float(req.TopP)
	}
	if req.MaxTokens > 0 {
		params.MaxOutputTokens = openaiSDK.Int(int64(req.MaxTokens))
	}

	return params
}

func (c *ResponsesClient) stream(ctx context.Context, client openaiSDK.Client, params responses.ResponseNewParams) (*providers.Response, error) {
	ch := make(chan providers.StreamChunk, 64)

	stream := client.Responses.NewStreaming(ctx, params)

	go func() {
		defer close(ch)

		for stream.Next() {
			ev := stream.Current()

			switch eventVariant := ev.AsAny().(type) {
			case responses.ResponseTextDeltaEvent:
				if eventVariant.Delta != "" {
					ch <- providers.StreamChunk{Content: eventVariant.Delta}
				}

			case responses.ResponseCompletedEvent:
				final := providers.Usage{
					InputTokens:  int(eventVariant.Response.Usage.InputTokens),
					OutputTokens: int(eventVariant.Response.Usage.OutputTokens),
				}
				ch <- providers.StreamChunk{
					FinishReason: finishReason(string(eventVariant.Response.Status)),
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

func normalizeRole(role string) string {
	switch strings.ToLower(role) {
	case "assistant":
		return "assistant"
	case "system", "developer":
		return "developer"
	default:
		return "user"
	}
}

func finishReason(status string) string {
	switch status {
	case "completed":
		return "stop"
	case "incomplete":
		return "length"
	default:
		return status
	}
}

func newClient(httpClient *http.Client, p *providers.Provider) (openaiSDK.Client, error) {
	if p.APIKey == "" {
		return openaiSDK.Client{}, fmt.Errorf("openaiapi: provider %q has no API key", p.ID)
	}
	return openaiSDK.NewClient(
		option.WithAPIKey(p.APIKey),
		option.WithBaseURL(apiBase(p.BaseURL)),
		option.WithHTTPClient(httpClient),
	), nil
}

// apiBase normalizes a configured base_url to the SDK's expectation: the
// protocol root including the /v1 path segment.
func apiBase(raw string) string {
	b := strings.TrimRight(raw, "/")
	if strings.HasSuffix(b, "/v1") {
		return b
	}
	return b + "/v1"
}

// CallError is a structured error returned by an OpenAI-protocol upstream.
type CallError struct {
	StatusCode int
	Message    string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("openaiapi: %s (status=%d)", e.Message, e.StatusCode)
}

// HTTPStatus implements providers.StatusCoder.
func (e *CallError) HTTPStatus() int { return e.StatusCode }

func toCallError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &CallError{
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
		}
	}
	return err
}
