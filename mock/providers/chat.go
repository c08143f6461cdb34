package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// newChatHandler serves the OpenAI Chat Completions dialect. Compatible
// vendors share this wire format, so one handler stands in for them all.
func newChatHandler(b behavior) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}
		b.delay()
		if b.failNow() {
			writeError(w, http.StatusInternalServerError, "mock internal server error", "server_error")
			return
		}

		var req struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
			return
		}
		if req.Model == "" {
			req.Model = "gpt-4o"
		}

		id := fmt.Sprintf("chatcmpl-%x", rand.Int64())
		text := b.sentence()

		if req.Stream {
			streamChatMock(w, id, req.Model, text, b.Words)
			return
		}
		writeJSON(w, http.StatusOK, chatEnvelope(id, req.Model, text, b.Words))
	})

	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"object": "list",
			"data": []map[string]any{
				{"id": "gpt-4o", "object": "model", "created": 1710000000, "owned_by": "openai"},
				{"id": "gpt-4o-mini", "object": "model", "created": 1710000000, "owned_by": "openai"},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "mock: unknown path "+r.URL.Path, "not_found")
	})

	return mux
}

// chatEnvelope builds a complete non-streaming chat completion.
func chatEnvelope(id, model, text string, outTokens int) map[string]any {
	return map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{
			{
				"index": 0,
				"message": map[string]string{
					"role":    "assistant",
					"content": text,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{
			"prompt_tokens":     mockPromptTokens,
			"completion_tokens": outTokens,
			"total_tokens":      mockPromptTokens + outTokens,
		},
	}
}

// streamChatMock writes one chunk per word and closes with a finish chunk
// carrying usage, the shape stream_options include_usage produces.
func streamChatMock(w http.ResponseWriter, id, model, text string, outTokens int) {
	sse := startSSE(w)
	created := time.Now().Unix()

	chunk := func(delta map[string]string, finish any) map[string]any {
		return map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": created,
			"model":   model,
			"choices": []map[string]any{
				{"index": 0, "delta": delta, "finish_reason": finish},
			},
		}
	}

	for _, word := range strings.Fields(text) {
		sse.data(chunk(map[string]string{"content": word + " "}, nil))
	}

	final := chunk(map[string]string{}, "stop")
	final["usage"] = map[string]int{
		"prompt_tokens":     mockPromptTokens,
		"completion_tokens": outTokens,
		"total_tokens":      mockPromptTokens + outTokens,
	}
	sse.data(final)
	sse.done()
}
