// Package tokens estimates token counts for usage accounting when an
// upstream response carries none. Counting prefers tiktoken encodings and
// falls back to a length heuristic when the BPE data is unavailable, so the
// gateway never depends on network access for accounting.
package tokens

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/nulpointcorp/llm-relay/internal/providers"
)

// Encoding names used by tiktoken.
const (
	EncodingCL100kBase = "cl100k_base"
	EncodingO200kBase  = "o200k_base"
)

// modelEncoding pairs a model prefix with its encoding.
type modelEncoding struct {
	prefix   string
	encoding string
}

// Ordered by prefix length, longest first, so gpt-4o matches before gpt-4.
var modelEncodings = []modelEncoding{
	{"gpt-4o", EncodingO200kBase},
	{"gpt-3.5", EncodingCL100kBase},
	{"gpt-4", EncodingCL100kBase},
	{"chatgpt", EncodingO200kBase},
	{"o1", EncodingO200kBase},
	{"o3", EncodingO200kBase},
}

// Estimator counts tokens for request and response text.
type Estimator struct {
	heuristicOnly bool

	mu        sync.RWMutex
	encodings map[string]*tiktoken.Tiktoken
	broken    map[string]bool
}

// New creates an Estimator that uses tiktoken encodings when they can be
// loaded and the heuristic otherwise.
func New() *Estimator {
	return &Estimator{
		encodings: make(map[string]*tiktoken.Tiktoken),
		broken:    make(map[string]bool),
	}
}

// NewHeuristic creates an Estimator that never consults tiktoken. Tests use
// it for deterministic counts.
func NewHeuristic() *Estimator {
	e := New()
	e.heuristicOnly = true
	return e
}

// Count estimates the number of tokens in text for the given model.
func (e *Estimator) Count(text, model string) int {
	if text == "" {
		return 0
	}
	if e.heuristicOnly {
		return Heuristic(text)
	}

	enc := e.encoding(resolveEncoding(model))
	if enc == nil {
		return Heuristic(text)
	}
	return len(enc.Encode(text, nil, nil))
}

// CountRequest estimates the prompt tokens of a request: the system prompt
// plus every message body.
func (e *Estimator) CountRequest(req *providers.Request) int {
	total := e.Count(req.System, req.Model)
	for _, m := range req.Messages {
		total += e.Count(m.Content, req.Model)
	}
	return total
}

// FillUsage returns usage with missing halves replaced by estimates. Upstream
// counts always win when present.
func (e *Estimator) FillUsage(req *providers.Request, content string, got providers.Usage) providers.Usage {
	if got.InputTokens == 0 {
		got.InputTokens = e.CountRequest(req)
	}
	if got.OutputTokens == 0 && content != "" {
		got.OutputTokens = e.Count(content, req.Model)
	}
	return got
}

func (e *Estimator) encoding(name string) *tiktoken.Tiktoken {
	e.mu.RLock()
	enc, ok := e.encodings[name]
	bad := e.broken[name]
	e.mu.RUnlock()
	if ok {
		return enc
	}
	if bad {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if enc, ok = e.encodings[name]; ok {
		return enc
	}
	if e.broken[name] {
		return nil
	}

	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		// Remember the failure so offline runs pay the load cost once.
		e.broken[name] = true
		return nil
	}
	e.encodings[name] = enc
	return enc
}

func resolveEncoding(model string) string {
	modelLower := strings.ToLower(model)
	for _, me := range modelEncodings {
		if strings.HasPrefix(modelLower, me.prefix) {
			return me.encoding
		}
	}
	return EncodingCL100kBase
}

// Heuristic approximates a token count as one token per four characters,
// with a floor of one token for non-empty text.
func Heuristic(text string) int {
	if text == "" {
		return 0
	}
	n := utf8.RuneCountInString(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}
