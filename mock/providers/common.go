package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// mockPromptTokens is the fixed input_tokens figure every mock answer
// reports. The relay's accounting prefers upstream usage, so tests can
// assert this exact value.
const mockPromptTokens = 12

// behavior holds the knobs shared by all three mock upstreams.
type behavior struct {
	Latency   time.Duration
	ErrorRate float64
	Words     int
}

// loadBehavior reads the MOCK_* environment knobs. Unparseable values keep
// their defaults.
func loadBehavior() behavior {
	b := behavior{Words: 10}
	if ms, err := strconv.Atoi(os.Getenv("MOCK_LATENCY_MS")); err == nil && ms > 0 {
		b.Latency = time.Duration(ms) * time.Millisecond
	}
	if f, err := strconv.ParseFloat(os.Getenv("MOCK_ERROR_RATE"), 64); err == nil && f >= 0 && f <= 1 {
		b.ErrorRate = f
	}
	if n, err := strconv.Atoi(os.Getenv("MOCK_STREAM_WORDS")); err == nil && n > 0 {
		b.Words = n
	}
	return b
}

// delay applies the configured artificial latency.
func (b behavior) delay() {
	if b.Latency > 0 {
		time.Sleep(b.Latency)
	}
}

// failNow rolls the configured error rate.
func (b behavior) failNow() bool {
	return b.ErrorRate > 0 && rand.Float64() < b.ErrorRate
}

// wordPool feeds the generated completions.
var wordPool = strings.Fields(
	"relay mock completion text for local runs without upstream credentials " +
		"each answer draws a fresh word sequence so cache hits stay " +
		"distinguishable from fresh completions during manual testing",
)

// sentence builds the mock completion text, b.Words words long.
func (b behavior) sentence() string {
	words := make([]string, b.Words)
	for i := range words {
		words[i] = wordPool[rand.IntN(len(wordPool))]
	}
	return strings.Join(words, " ") + "."
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError answers in the OpenAI error envelope. The messages mock has its
// own dialect-specific variant.
func writeError(w http.ResponseWriter, status int, msg, kind string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"message": msg,
			"type":    kind,
			"code":    kind,
		},
	})
}

// sseStream writes server-sent events, flushing after every write so word
// deltas arrive one at a time even through buffering proxies.
type sseStream struct {
	w http.ResponseWriter
	f http.Flusher
}

func startSSE(w http.ResponseWriter) *sseStream {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	f, _ := w.(http.Flusher)
	return &sseStream{w: w, f: f}
}

func (s *sseStream) flush() {
	if s.f != nil {
		s.f.Flush()
	}
}

// event writes the named-event framing of the Messages and Responses dialects.
func (s *sseStream) event(name string, v any) {
	payload, _ := json.Marshal(v)
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, payload)
	s.flush()
}

// data writes the bare-data framing of Chat Completions.
func (s *sseStream) data(v any) {
	payload, _ := json.Marshal(v)
	fmt.Fprintf(s.w, "data: %s\n\n", payload)
	s.flush()
}

func (s *sseStream) done() {
	fmt.Fprint(s.w, "data: [DONE]\n\n")
	s.flush()
}
