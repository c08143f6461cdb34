package tokens

import (
	"strings"
	"testing"

	"github.com/nulpointcorp/llm-relay/internal/providers"
)

func TestHeuristic(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"short floors at one", "hi", 1},
		{"four chars", "abcd", 1},
		{"eight chars", "abcdefgh", 2},
		{"runes not bytes", strings.Repeat("é", 8), 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Heuristic(tt.text); got != tt.want {
				t.Errorf("Heuristic(%q) = %d, want %d", tt.text, got, tt.want)
			}
		})
	}
}

func TestHeuristicEstimatorCount(t *testing.T) {
	e := NewHeuristic()

	if got := e.Count("", "gpt-4o"); got != 0 {
		t.Errorf("empty text: got %d, want 0", got)
	}
	if got := e.Count("abcdefgh", "gpt-4o"); got != 2 {
		t.Errorf("Count = %d, want 2", got)
	}
}

func TestCountRequest(t *testing.T) {
	e := NewHeuristic()

	req := &providers.Request{
		Model:  "claude-sonnet-4",
		System: strings.Repeat("s", 40),
		Messages: []providers.Message{
			{Role: "user", Content: strings.Repeat("u", 80)},
			{Role: "assistant", Content: strings.Repeat("a", 20)},
		},
	}

	// 10 + 20 + 5
	if got := e.CountRequest(req); got != 35 {
		t.Errorf("CountRequest = %d, want 35", got)
	}
}

func TestFillUsage(t *testing.T) {
	e := NewHeuristic()

	req := &providers.Request{
		Model:    "claude-sonnet-4",
		Messages: []providers.Message{{Role: "user", Content: strings.Repeat("x", 40)}},
	}

	t.Run("keeps upstream counts", func(t *testing.T) {
		got := e.FillUsage(req, "response text", providers.Usage{InputTokens: 7, OutputTokens: 3})
		if got.InputTokens != 7 || got.OutputTokens != 3 {
			t.Errorf("got %+v, want upstream counts preserved", got)
		}
	})

	t.Run("fills missing halves", func(t *testing.T) {
		got := e.FillUsage(req, strings.Repeat("y", 20), providers.Usage{})
		if got.InputTokens != 10 {
			t.Errorf("InputTokens = %d, want 10", got.InputTokens)
		}
		if got.OutputTokens != 5 {
			t.Errorf("OutputTokens = %d, want 5", got.OutputTokens)
		}
	})

	t.Run("no output estimate without content", func(t *testing.T) {
		got := e.FillUsage(req, "", providers.Usage{InputTokens: 1})
		if got.OutputTokens != 0 {
			t.Errorf("OutputTokens = %d, want 0", got.OutputTokens)
		}
	})
}

func TestResolveEncoding(t *testing.T) {
	tests := []struct {
		model string
		want  string
	}{
		{"gpt-4o-mini", EncodingO200kBase},
		{"gpt-4-turbo", EncodingCL100kBase},
		{"o1-preview", EncodingO200kBase},
		{"claude-sonnet-4", EncodingCL100kBase},
		{"unknown-model", EncodingCL100kBase},
	}

	for _, tt := range tests {
		if got := resolveEncoding(tt.model); got != tt.want {
			t.Errorf("resolveEncoding(%q) = %q, want %q", tt.model, got, tt.want)
		}
	}
}
