package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// newMessagesHandler serves the Anthropic Messages dialect.
func newMessagesHandler(b behavior) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			messagesError(w, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
			return
		}
		b.delay()
		if b.failNow() {
			messagesError(w, http.StatusInternalServerError, "overloaded_error", "mock internal error")
			return
		}

		// Only the envelope fields matter here; message content may be
		// strings or block arrays and is deliberately not decoded.
		var req struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			messagesError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body")
			return
		}
		if req.Model == "" {
			req.Model = "claude-sonnet-4-20250514"
		}

		id := fmt.Sprintf("msg_%024x", rand.Int64())
		text := b.sentence()

		if req.Stream {
			streamMessagesMock(w, id, req.Model, text, b.Words)
			return
		}
		writeJSON(w, http.StatusOK, messageEnvelope(id, req.Model, text, b.Words))
	})

	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		now := time.Now().Unix()
		writeJSON(w, http.StatusOK, map[string]any{
			"data": []map[string]any{
				{"id": "claude-sonnet-4-20250514", "display_name": "Claude Sonnet 4", "created_at": now},
				{"id": "claude-3-5-haiku-20241022", "display_name": "Claude 3.5 Haiku", "created_at": now},
			},
			"has_more": false,
			"first_id": "claude-sonnet-4-20250514",
			"last_id":  "claude-3-5-haiku-20241022",
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		messagesError(w, http.StatusNotFound, "not_found_error", "mock: unknown path "+r.URL.Path)
	})

	return mux
}

func messagesError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, map[string]any{
		"type": "error",
		"error": map[string]string{
			"type":    kind,
			"message": msg,
		},
	})
}

// messageEnvelope builds a complete non-streaming Messages answer.
func messageEnvelope(id, model, text string, outTokens int) map[string]any {
	return map[string]any{
		"id":            id,
		"type":          "message",
		"role":          "assistant",
		"model":         model,
		"stop_reason":   "end_turn",
		"stop_sequence": nil,
		"content": []map[string]string{
			{"type": "text", "text": text},
		},
		"usage": map[string]int{
			"input_tokens":  mockPromptTokens,
			"output_tokens": outTokens,
		},
	}
}

// streamMessagesMock plays the full Messages event sequence: message_start,
// content_block_start, one text_delta per word, content_block_stop,
// message_delta with the final usage, message_stop.
func streamMessagesMock(w http.ResponseWriter, id, model, text string, outTokens int) {
	sse := startSSE(w)

	sse.event("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            id,
			"type":          "message",
			"role":          "assistant",
			"model":         model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage": map[string]int{
				"input_tokens":  mockPromptTokens,
				"output_tokens": 0,
			},
		},
	})

	sse.event("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         0,
		"content_block": map[string]string{"type": "text", "text": ""},
	})

	sse.event("ping", map[string]string{"type": "ping"})

	for _, word := range strings.Fields(text) {
		sse.event("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]string{"type": "text_delta", "text": word + " "},
		})
	}

	sse.event("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": 0,
	})

	sse.event("message_delta", map[string]any{
		"type": "message_delta",
		"delta": map[string]any{
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
		},
		"usage": map[string]int{"output_tokens": outTokens},
	})

	sse.event("message_stop", map[string]string{"type": "message_stop"})
}
