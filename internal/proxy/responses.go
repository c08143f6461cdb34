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

// Wire types for the Responses dialect. Input accepts both the plain-string
// and item-list forms.
type (
	responsesRequest struct {
		Model           string          `json:"model"`
		Input           json.RawMessage `json:"input"`
		Instructions    string          `json:"instructions"`
		MaxOutputTokens int             `json:"max_output_tokens"`
		Temperature     *float64        `json:"temperature"`
		TopP            *float64        `json:"top_p"`
		Stream          bool            `json:"stream"`
	}

	responsesInputItem struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	responsesOutputText struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Annotations []any  `json:"annotations"`
	}

	responsesOutputItem struct {
		ID      string                `json:"id"`
		Type    string                `json:"type"`
		Status  string                `json:"status"`
		Role    string                `json:"role"`
		Content []responsesOutputText `json:"content"`
	}

	responsesUsage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	}

	responsesIncomplete struct {
		Reason string `json:"reason"`
	}

	responsesResponse struct {
		ID                string                `json:"id"`
		Object            string                `json:"object"`
		CreatedAt         int64                 `json:"created_at"`
		Status            string                `json:"status"`
		IncompleteDetails *responsesIncomplete  `json:"incomplete_details"`
		Model             string                `json:"model"`
		Output            []responsesOutputItem `json:"output"`
		Usage             responsesUsage        `json:"usage"`
	}
)

// handleResponses serves POST /v1/responses.
func (s *Server) handleResponses(ctx *fasthttp.RequestCtx) {
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
		s.metrics.ObserveHTTP(string(providers.APITypeResponses), "responses",
			ctx.Response.StatusCode(), time.Since(start), reqBytes, respBytes)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	req, err := decodeResponsesRequest(ctx.PostBody())
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	req.RequestID = reqID

	in := s.inbound(ctx, providers.APITypeResponses)

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
		s.streamResponses(ctx, res, start, reqBytes)
		return
	}

	resp := res.Response
	model := resp.Model
	if model == "" {
		model = req.Model
	}
	id := resp.ID
	if id == "" {
		id = responseID()
	}

	out := buildResponsesBody(id, model, resp.Content, resp.FinishReason, resp.Usage)

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

// streamResponses mirrors an upstream stream as Responses-dialect SSE:
// response.created, then one response.output_text.delta per chunk, then
// response.completed carrying the full output and usage.
func (s *Server) streamResponses(ctx *fasthttp.RequestCtx, res *Result, start time.Time, reqBytes int) {
	d := s.dispatcher
	in := res.in
	model := res.Response.Model
	if model == "" {
		model = res.req.Model
	}
	id := responseID()
	itemID := messageID()
	createdAt := time.Now().Unix()
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

		sseEvent(w, "response.created", map[string]any{
			"type": "response.created",
			"response": map[string]any{
				"id":         id,
				"object":     "response",
				"created_at": createdAt,
				"status":     "in_progress",
				"model":      model,
				"output":     []any{},
			},
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
			sseEvent(w, "response.output_text.delta", map[string]any{
				"type":          "response.output_text.delta",
				"item_id":       itemID,
				"output_index":  0,
				"content_index": 0,
				"delta":         chunk.Content,
			})
		}

		usage := got
		if usage.InputTokens == 0 {
			usage.InputTokens = d.tokens.CountRequest(res.req)
		}
		if usage.OutputTokens == 0 {
			usage.OutputTokens = d.tokens.Count(sb.String(), res.req.Model)
		}

		final := buildResponsesBody(id, model, sb.String(), finish, usage)
		final.CreatedAt = createdAt
		final.Output[0].ID = itemID
		sseEvent(w, "response.completed", map[string]any{
			"type":     "response.completed",
			"response": final,
		})

		d.CompleteStream(res, sb.String(), got, errMsg)
		s.finishStream(in, start, reqBytes, "responses")
	})
}

// buildResponsesBody assembles the Responses-dialect envelope. A truncated
// generation reports status "incomplete" with the reason attached.
func buildResponsesBody(id, model, content, finish string, usage providers.Usage) responsesResponse {
	status := "completed"
	var incomplete *responsesIncomplete
	if finish == "length" || finish == "max_tokens" {
		status = "incomplete"
		incomplete = &responsesIncomplete{Reason: "max_output_tokens"}
	}

	return responsesResponse{
		ID:                id,
		Object:            "response",
		CreatedAt:         time.Now().Unix(),
		Status:            status,
		IncompleteDetails: incomplete,
		Model:             model,
		Output: []responsesOutputItem{
			{
				ID:      messageID(),
				Type:    "message",
				Status:  "completed",
				Role:    "assistant",
				Content: []responsesOutputText{{Type: "output_text", Text: content, Annotations: []any{}}},
			},
		},
		Usage: responsesUsage{
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
			TotalTokens:  usage.InputTokens + usage.OutputTokens,
		},
	}
}

// decodeResponsesRequest maps a Responses-dialect body onto the canonical
// request shape. Instructions and system-role input items fold into the
// canonical system prompt.
func decodeResponsesRequest(body []byte) (*providers.Request, error) {
	var wire responsesRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("invalid JSON: %s", err.Error())
	}
	if wire.Model == "" {
		return nil, errors.New("field 'model' is required")
	}
	if len(wire.Input) == 0 {
		return nil, errors.New("field 'input' is required")
	}

	maxTokens := wire.MaxOutputTokens
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

	system := make([]string, 0, 1)
	if wire.Instructions != "" {
		system = append(system, wire.Instructions)
	}

	// Input is either one plain string or a list of role-tagged items.
	var text string
	if err := json.Unmarshal(wire.Input, &text); err == nil {
		req.Messages = append(req.Messages, providers.Message{Role: "user", Content: text})
	} else {
		var items []responsesInputItem
		if err := json.Unmarshal(wire.Input, &items); err != nil {
			return nil, errors.New("field 'input' must be a string or a list of input items")
		}
		for _, it := range items {
			content := flattenText(it.Content)
			if content == "" {
				continue
			}
			switch it.Role {
			case "system", "developer":
				system = append(system, content)
			case "assistant":
				req.Messages = append(req.Messages, providers.Message{Role: "assistant", Content: content})
			default:
				req.Messages = append(req.Messages, providers.Message{Role: "user", Content: content})
			}
		}
	}
	req.System = strings.Join(system, "\n")

	if len(req.Messages) == 0 {
		return nil, errors.New("field 'input' must contain at least one user or assistant item")
	}

	return req, nil
}

// responseID derives a Responses-dialect response id.
func responseID() string {
	return "resp_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:24]
}
