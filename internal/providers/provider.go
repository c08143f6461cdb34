// Package providers defines the upstream provider model shared by the relay:
// the Provider configuration record, the API protocol types, the atomic
// registry snapshot, and the canonical request/response passed between the
// protocol surfaces and the upstream callers.
//
// Protocol-specific upstream clients live in sub-packages (anthropicapi,
// openaiapi) and implement the Caller interface.
package providers

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// APIType identifies one of the wire protocols a provider accepts.
type APIType string

const (
	APITypeAnthropic APIType = "anthropic"
	APITypeResponses APIType = "responses"
	APITypeChat      APIType = "chat"
)

// AllAPITypes lists every supported protocol in surface order.
var AllAPITypes = []APIType{APITypeAnthropic, APITypeResponses, APITypeChat}

// Valid reports whether t is one of the known protocol constants.
func (t APIType) Valid() bool {
	switch t {
	case APITypeAnthropic, APITypeResponses, APITypeChat:
		return true
	}
	return false
}

// Default provider constants.
const (
	DefaultWeight    = 100
	ProviderTimeout  = 30 * time.Second
	DefaultMaxTokens = 4096
	DefaultCooldown  = 60 * time.Second
)

// Provider is one configured upstream target. The settings UI owns the
// persistent form of this record; the relay consumes it read-only through
// Registry snapshots.
type Provider struct {
	ID      string `json:"id" mapstructure:"id"`
	Name    string `json:"name" mapstructure:"name"`
	BaseURL string `json:"base_url" mapstructure:"base_url"`
	// APIKey is forwarded to the upstream and must never appear in logs.
	APIKey string `json:"api_key" mapstructure:"api_key"`

	// ModelMapping rewrites a requested model name to the upstream's name.
	// Unknown models pass through unchanged.
	ModelMapping map[string]string `json:"model_mapping" mapstructure:"model_mapping"`

	Enabled  bool      `json:"enabled" mapstructure:"enabled"`
	APITypes []APIType `json:"api_types" mapstructure:"api_types"`

	// Weight sets relative selection probability among eligible providers.
	Weight int `json:"weight" mapstructure:"weight"`

	InputPricePer1K  float64 `json:"input_price_per_1k" mapstructure:"input_price_per_1k"`
	OutputPricePer1K float64 `json:"output_price_per_1k" mapstructure:"output_price_per_1k"`

	// OpenAICompat marks an upstream that serves Anthropic-surface traffic
	// but only speaks the OpenAI Chat protocol; the dispatcher calls it with
	// the chat caller and the surface re-encodes the canonical response.
	OpenAICompat bool `json:"openai_compat" mapstructure:"openai_compat"`
}

// SupportsType reports whether the provider accepts traffic of protocol t.
func (p *Provider) SupportsType(t APIType) bool {
	for _, at := range p.APITypes {
		if at == t {
			return true
		}
	}
	return false
}

// ResolveModel maps a requested model name to the upstream's effective name.
// Models absent from ModelMapping pass through unchanged.
func (p *Provider) ResolveModel(requested string) string {
	if p.ModelMapping != nil {
		if effective, ok := p.ModelMapping[requested]; ok && effective != "" {
			return effective
		}
	}
	return requested
}

// Cost computes the request cost in the provider's configured currency from
// token counts and the per-1000-token rates.
func (p *Provider) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1000.0*p.InputPricePer1K +
		float64(outputTokens)/1000.0*p.OutputPricePer1K
}

// Validate checks the invariants an enabled provider must satisfy.
func (p *Provider) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("provider %q: id must not be empty", p.Name)
	}
	if p.BaseURL == "" {
		return fmt.Errorf("provider %q: base_url must not be empty", p.ID)
	}
	if !p.Enabled {
		return nil
	}
	if p.Weight <= 0 {
		return fmt.Errorf("provider %q: weight must be > 0 when enabled (got %d)", p.ID, p.Weight)
	}
	if len(p.APITypes) == 0 {
		return fmt.Errorf("provider %q: api_types must not be empty when enabled", p.ID)
	}
	for _, t := range p.APITypes {
		if !t.Valid() {
			return fmt.Errorf("provider %q: unknown api_type %q (want anthropic, responses or chat)", p.ID, t)
		}
	}
	return nil
}

// LogValue implements slog.LogValuer so a Provider can be logged without
// leaking its API key.
func (p Provider) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", p.ID),
		slog.String("name", p.Name),
		slog.String("base_url", p.BaseURL),
		slog.Bool("enabled", p.Enabled),
		slog.Int("weight", p.Weight),
	)
}

// DefaultAPITypes infers the protocol set from a provider name. Configs
// written before api_types existed carry an empty set; the inference mirrors
// how those records were migrated.
func DefaultAPITypes(name string) []APIType {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "claude") || strings.Contains(n, "anthropic"):
		return []APIType{APITypeAnthropic}
	case strings.Contains(n, "openai") || strings.Contains(n, "gpt"):
		return []APIType{APITypeResponses, APITypeChat}
	default:
		return []APIType{APITypeAnthropic, APITypeResponses, APITypeChat}
	}
}

// StatusCoder is implemented by upstream errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}
