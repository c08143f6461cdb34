package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// newResponsesHandler serves the OpenAI Responses dialect.
func newResponsesHandler(b behavior) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/responses", func(w http.ResponseWriter, r *http.Request) {
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

		respID := fmt.Sprintf("resp_%x", rand.Int64())
		itemID := fmt.Sprintf("msg_%x", rand.Int64())
		text := b.sentence()

		if req.Stream {
			streamResponsesMock(w, respID, itemID, req.Model, text, b.Words)
			return
		}
		writeJSON(w, http.StatusOK, responseEnvelope(respID, itemID, req.Model, text, b.Words))
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "mock: unknown path "+r.URL.Path, "not_found")
	})

	return mux
}

// responseEnvelope builds a completed Response object. The same shape appears
// in the non-streaming body and inside the response.completed stream event.
func responseEnvelope(respID, itemID, model, text string, outTokens int) map[string]any {
	return map[string]any{
		"id":         respID,
		"object":     "response",
		"created_at": time.Now().Unix(),
		"status":     "completed",
		"model":      model,
		"output": []map[string]any{
			{
				"type":   "message",
				"id":     itemID,
				"status": "completed",
				"role":   "assistant",
				"content": []map[string]any{
					{
						"type":        "output_text",
						"text":        text,
						"annotations": []any{},
					},
				},
			},
		},
		"usage": map[string]int{
			"input_tokens":  mockPromptTokens,
			"output_tokens": outTokens,
			"total_tokens":  mockPromptTokens + outTokens,
		},
	}
}

// streamResponsesMock plays the Responses event sequence: response.created,
// one response.output_text.delta per word, then response.completed carrying
// the full final object.
func streamResponsesMock(w http.ResponseWriter, respID, itemID, model, text string, outTokens int) {
	sse := startSSE(w)
	seq := 0

	next := func() int {
		seq++
		return seq - 1
	}

	created := responseEnvelope(respID, itemID, model, "", 0)
	created["status"] = "in_progress"
	created["output"] = []any{}
	delete(created, "usage")

	sse.event("response.created", map[string]any{
		"type":            "response.created",
		"sequence_number": next(),
		"response":        created,
	})

	for _, word := range strings.Fields(text) {
		sse.event("response.output_text.delta", map[string]any{
			"type":            "response.output_text.delta",
			"sequence_number": next(),
			"item_id":         itemID,
			"output_index":    0,
			"content_index":   0,
			"delta":           word + " ",
		})
	}

	sse.event("response.completed", map[string]any{
		"type":            "response.completed",
		"sequence_number": next(),
		"response":        responseEnvelope(respID, itemID, model, text, outTokens),
	})
}
