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

// Wire types for the Messages dialect. Content fields accept both the plain
// string form and the block-list form.
type (
	messagesRequest struct {
		Model       string            `json:"model"`
		MaxTokens   int               `json:"max_tokens"`
		System      json.RawMessage   `json:"system"`
		Messages    []messagesMessage `json:"messages"`
		Temperature *float64          `json:"temperature"`
		TopP        *float64          `json:"top_p"`
		Stream      bool              `json:"stream"`
	}

	messagesMessage struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	contentBlock struct {
		Type    string          `json:"type"`
		Text    string          `json:"text"`
		Content json.RawMessage `json:"content"`
	}

	messagesTextBlock struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}

	messagesUsage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	}

	messagesResponse struct {
		ID           string              `json:"id"`
		Type         string              `json:"type"`
		Role         string              `json:"role"`
		Content      []messagesTextBlock `json:"content"`
		Model        string              `json:"model"`
		StopReason   string              `json:"stop_reason"`
		StopSequence *string             `json:"stop_sequence"`
		Usage        messagesUsage       `json:"usage"`
	}
)

// handleMessages serves POST /v1/messages.
func (s *Server) handleMessages(ctx *fasthttp.RequestCtx) {
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
		s.metrics.ObserveHTTP(string(providers.APITypeAnthropic), "messages",
			ctx.Response.StatusCode(), time.Since(start), reqBytes, respBytes)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	req, err := decodeMessagesRequest(ctx.PostBody())
	if err != nil {
		apierr.WriteAnthropic(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}
	req.RequestID = reqID

	in := s.inbound(ctx, providers.APITypeAnthropic)

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
		s.streamMessages(ctx, res, start, reqBytes)
		return
	}

	resp := res.Response
	model := resp.Model
	if model == "" {
		model = req.Model
	}

	out := messagesResponse{
		ID:         messageID(),
		Type:       "message",
		Role:       "assistant",
		Content:    []messagesTextBlock{{Type: "text", Text: resp.Content}},
		Model:      model,
		StopReason: anthropicStopReason(resp.FinishReason),
		Usage: messagesUsage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}

	body, err := json.Marshal(out)
	if err != nil {
		apierr.WriteAnthropic(ctx, fasthttp.StatusInternalServerError, "failed to serialize response")
		return
	}

	ctx.Response.Header.Set("X-Cache", cacheHeader(res.Cached))
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	respBytes = len(body)
}

// streamMessages mirrors an upstream stream as Messages-dialect SSE. The
// upstream chunks are already canonical, so the event sequence is synthesized
// here regardless of which protocol produced them.
func (s *Server) streamMessages(ctx *fasthttp.RequestCtx, res *Result, start time.Time, reqBytes int) {
	d := s.dispatcher
	in := res.in
	model := res.Response.Model
	if model == "" {
		model = res.req.Model
	}
	msgID := messageID()
	inputEst := d.tokens.CountRequest(res.req)
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

		sseEvent(w, "message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            msgID,
				"type":          "message",
				"role":          "assistant",
				"content":       []any{},
				"model":         model,
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         map[string]int{"input_tokens": inputEst, "output_tokens": 0},
			},
		})
		sseEvent(w, "content_block_start", map[string]any{
			"type":          "content_block_start",
			"index":         0,
			"content_block": map[string]string{"type": "text", "text": ""},
		})

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
			sseEvent(w, "content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": 0,
				"delta": map[string]string{"type": "text_delta", "text": chunk.Content},
			})
		}

		outTokens := got.OutputTokens
		if outTokens == 0 {
			outTokens = d.tokens.Count(sb.String(), res.req.Model)
		}

		// Closing events are synthesized even when the upstream never sent a
		// termination marker, so the client always sees a complete message.
		sseEvent(w, "content_block_stop", map[string]any{
			"type":  "content_block_stop",
			"index": 0,
		})
		sseEvent(w, "message_delta", map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": anthropicStopReason(finish), "stop_sequence": nil},
			"usage": map[string]int{"output_tokens": outTokens},
		})
		sseEvent(w, "message_stop", map[string]any{"type": "message_stop"})

		d.CompleteStream(res, sb.String(), got, errMsg)
		s.finishStream(in, start, reqBytes, "messages")
	})
}

// decodeMessagesRequest maps a Messages-dialect body onto the canonical
// request shape. Tool blocks are flattened to text so any upstream protocol
// can serve them.
func decodeMessagesRequest(body []byte) (*providers.Request, error) {
	var wire messagesRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("invalid JSON: %s", err.Error())
	}
	if wire.Model == "" {
		return nil, errors.New("field 'model' is required")
	}
	if len(wire.Messages) == 0 {
		return nil, errors.New("field 'messages' is required")
	}

	req := &providers.Request{
		Model:     wire.Model,
		MaxTokens: wire.MaxTokens,
		Stream:    wire.Stream,
		System:    flattenText(wire.System),
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = providers.DefaultMaxTokens
	}
	if wire.Temperature != nil {
		req.Temperature = *wire.Temperature
	}
	if wire.TopP != nil {
		req.TopP = *wire.TopP
	}

	for _, m := range wire.Messages {
		role := m.Role
		if role != "user" && role != "assistant" {
			role = "user"
		}
		text := decodeContentField(m.Content)
		if text == "" {
			continue
		}
		req.Messages = append(req.Messages, providers.Message{Role: role, Content: text})
	}

	return req, nil
}

// flattenText accepts either a plain string or a list of text-bearing blocks
// and returns the joined text.
func flattenText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// decodeContentField flattens a message content union to plain text. Text
// blocks keep their text; tool results become "Tool result: ..." lines;
// every other block type is dropped.
func decodeContentField(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		case "tool_result":
			for _, t := range toolResultTexts(b.Content) {
				parts = append(parts, "Tool result: "+t)
			}
		}
	}
	return strings.Join(parts, "\n")
}

func toolResultTexts(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []string{s}
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil
	}
	var out []string
	for _, b := range blocks {
		if b.Text != "" {
			out = append(out, b.Text)
		}
	}
	return out
}

// anthropicStopReason maps a canonical finish reason onto the Messages
// dialect's stop_reason vocabulary.
func anthropicStopReason(finish string) string {
	switch finish {
	case "length", "max_tokens":
		return "max_tokens"
	case "stop_sequence":
		return "stop_sequence"
	default:
		return "end_turn"
	}
}

// messageID derives a Messages-dialect message id.
func messageID() string {
	return "msg_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:24]
}
