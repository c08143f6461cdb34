package proxy

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-relay/internal/providers"
	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

// Wire types for the Chat Completions dialect.
type (
	chatMessage struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	chatRequest struct {
		Model               string        `json:"model"`
		Messages            []chatMessage `json:"messages"`
		MaxTokens           int           `json:"max_tokens"`
		MaxCompletionTokens int           `json:"max_completion_tokens"`
		Temperature         *float64      `json:"temperature"`
		TopP                *float64      `json:"top_p"`
		Stream              bool          `json:"stream"`
	}

	chatResponseMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	chatChoice struct {
		Index        int                 `json:"index"`
		Message      chatResponseMessage `json:"message"`
		FinishReason string              `json:"finish_reason"`
	}

	chatUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	chatResponse struct {
		ID      string       `json:"id"`
		Object  string       `json:"object"`
		Created int64        `json:"created"`
		Model   string       `json:"model"`
		Choices []chatChoice `json:"choices"`
		Usage   chatUsage    `json:"usage"`
	}
)

// handleChatCompletions serves POST /v1/chat/completions.
func (s *Server) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	reqBytes := len(ctx.PostBody())
	streaming := false
	respBytes := -1

	if s.metrics != nil {
		s.metrics.IncInFlight()
	}
	defer func() {
		if s.metrics == nil || streaming {
			return
		}
		s.metrics.DecInFlight()
		if respBytes < 0 {
			respBytes = len(ctx.Response.Body())
		}
		s.metrics.ObserveHTTP(string(providers.APITypeChat), "chat_completions",
			ctx.Response.StatusCode(), time.Since(start), reqBytes, respBytes)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	req, err := decodeChatRequest(ctx.PostBody())
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	req.RequestID = reqID

	in := s.inbound(ctx, providers.APITypeChat)

	s.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("api_type", string(in.Surface)),
		slog.String("model", req.Model),
		slog.Bool("stream", req.Stream),
	)

	if !s.allowRequest(ctx, in, req) {
		return
	}

	res, err := s.dispatcher.Dispatch(ctx, in, req)
	if err != nil {
		writeDispatchError(ctx, in.Surface, err)
		return
	}

	if req.Stream && res.Response.Stream != nil {
		streaming = true
		s.streamChat(ctx, res, start, reqBytes)
		return
	}

	resp := res.Response
	model := resp.Model
	if model == "" {
		model = req.Model
	}
	id := resp.ID
	if id == "" {
		id = chatID()
	}

	out := chatResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []chatChoice{
			{
				Index:        0,
				Message:      chatResponseMessage{Role: "assistant", Content: resp.Content},
				FinishReason: openaiFinishReason(resp.FinishReason),
			},
		},
		Usage: chatUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}

	body, err := json.Marshal(out)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	ctx.Response.Header.Set("X-Cache", cacheHeader(res.Cached))
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	respBytes = len(body)
}

// streamChat mirrors an upstream stream as Chat-dialect SSE chunks followed
// by the [DONE] sentinel.
func (s *Server) streamChat(ctx *fasthttp.RequestCtx, res *Result, start time.Time, reqBytes int) {
	d := s.dispatcher
	in := res.in
	model := res.Response.Model
	if model == "" {
		model = res.req.Model
	}
	id := chatID()
	created := time.Now().Unix()
	stream := res.Response.Stream

	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer

		var (
			sb     strings.Builder
			finish string
			errMsg string
			got    providers.Usage
		)

		for chunk := range stream {
			if chunk.Usage != nil {
				got = *chunk.Usage
			}
			if chunk.FinishReason == "error" {
				errMsg = chunk.Content
				continue
			}
			if chunk.FinishReason != "" {
				finish = chunk.FinishReason
				continue
			}
			if chunk.Content == "" {
				continue
			}
			sb.WriteString(chunk.Content)
			sseData(w, map[string]any{
				"id":      id,
				"object":  "chat.completion.chunk",
				"created": created,
				"model":   model,
				"choices": []map[string]any{
					{
						"index":         0,
						"delta":         map[string]string{"content": chunk.Content},
						"finish_reason": nil,
					},
				},
			})
		}

		sseData(w, map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": created,
			"model":   model,
			"choices": []map[string]any{
				{
					"index":         0,
					"delta":         map[string]any{},
					"finish_reason": openaiFinishReason(finish),
				},
			},
		})
		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush() //nolint:errcheck

		d.CompleteStream(res, sb.String(), got, errMsg)
		s.finishStream(in, start, reqBytes, "chat_completions")
	})
}

// decodeChatRequest maps a Chat-dialect body onto the canonical request
// shape. System-role messages fold into the canonical system prompt.
func decodeChatRequest(body []byte) (*providers.Request, error) {
	var wire chatRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("invalid JSON: %s", err.Error())
	}
	if wire.Model == "" {
		return nil, errors.New("field 'model' is required")
	}
	if len(wire.Messages) == 0 {
		return nil, errors.New("field 'messages' is required")
	}

	maxTokens := wire.MaxTokens
	if maxTokens <= 0 {
		maxTokens = wire.MaxCompletionTokens
	}
	if maxTokens <= 0 {
		maxTokens = providers.DefaultMaxTokens
	}

	req := &providers.Request{
		Model:     wire.Model,
		MaxTokens: maxTokens,
		Stream:    wire.Stream,
	}
	if wire.Temperature != nil {
		req.Temperature = *wire.Temperature
	}
	if wire.TopP != nil {
		req.TopP = *wire.TopP
	}

	var system []string
	for _, m := range wire.Messages {
		text := decodeContentField(m.Content)
		if text == "" {
			continue
		}
		switch m.Role {
		case "system", "developer":
			system = append(system, text)
		case "assistant":
			req.Messages = append(req.Messages, providers.Message{Role: "assistant", Content: text})
		default:
			req.Messages = append(req.Messages, providers.Message{Role: "user", Content: text})
		}
	}
	req.System = strings.Join(system, "\n")

	if len(req.Messages) == 0 {
		return nil, errors.New("field 'messages' must contain at least one user or assistant message")
	}

	return req, nil
}

// openaiFinishReason maps a canonical finish reason onto the Chat dialect's
// finish_reason vocabulary.
func openaiFinishReason(finish string) string {
	switch finish {
	case "length", "max_tokens":
		return "length"
	default:
		return "stop"
	}
}

// chatID derives a Chat-dialect completion id.
func chatID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:24]
}
