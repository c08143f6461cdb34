package providers

import (
	"strings"
	"testing"
)

func TestSupportsType(t *testing.T) {
	p := Provider{APITypes: []APIType{APITypeAnthropic, APITypeChat}}

	if !p.SupportsType(APITypeAnthropic) || !p.SupportsType(APITypeChat) {
		t.Error("declared protocols should be supported")
	}
	if p.SupportsType(APITypeResponses) {
		t.Error("undeclared protocol should not be supported")
	}

	var empty Provider
	if empty.SupportsType(APITypeChat) {
		t.Error("provider with no api_types supports nothing")
	}
}

func TestResolveModel(t *testing.T) {
	p := Provider{ModelMapping: map[string]string{
		"claude-3-5-haiku": "llama-3.3-70b-versatile",
		"blanked":          "",
	}}

	if got := p.ResolveModel("claude-3-5-haiku"); got != "llama-3.3-70b-versatile" {
		t.Errorf("mapped model = %q", got)
	}
	if got := p.ResolveModel("claude-opus-4"); got != "claude-opus-4" {
		t.Errorf("unmapped model rewritten to %q", got)
	}
	// An empty mapping target is treated as absent.
	if got := p.ResolveModel("blanked"); got != "blanked" {
		t.Errorf("empty mapping target rewrote the model to %q", got)
	}

	var unmapped Provider
	if got := unmapped.ResolveModel("gpt-4o"); got != "gpt-4o" {
		t.Errorf("nil mapping rewrote the model to %q", got)
	}
}

func TestCost(t *testing.T) {
	p := Provider{InputPricePer1K: 3.0, OutputPricePer1K: 15.0}

	if got := p.Cost(1000, 1000); got != 18.0 {
		t.Errorf("Cost(1000, 1000) = %v, want 18", got)
	}
	if got := p.Cost(500, 200); got != 1.5+3.0 {
		t.Errorf("Cost(500, 200) = %v, want 4.5", got)
	}

	var free Provider
	if got := free.Cost(1000, 1000); got != 0 {
		t.Errorf("unpriced provider cost = %v, want 0", got)
	}
}

func TestProviderValidate(t *testing.T) {
	valid := Provider{
		ID: "p1", Name: "p1", BaseURL: "https://api.example.com",
		Enabled: true, Weight: 100,
		APITypes: []APIType{APITypeChat},
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid provider rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Provider)
		want   string
	}{
		{"missing id", func(p *Provider) { p.ID = "" }, "id must not be empty"},
		{"missing base_url", func(p *Provider) { p.BaseURL = "" }, "base_url must not be empty"},
		{"zero weight", func(p *Provider) { p.Weight = 0 }, "weight must be > 0"},
		{"no api_types", func(p *Provider) { p.APITypes = nil }, "api_types must not be empty"},
		{"unknown api_type", func(p *Provider) { p.APITypes = []APIType{"grpc"} }, "unknown api_type"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := valid
			tc.mutate(&p)
			err := p.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("err = %v, want %q", err, tc.want)
			}
		})
	}

	// Disabled providers skip the enabled-only checks.
	disabled := valid
	disabled.Enabled = false
	disabled.Weight = 0
	disabled.APITypes = nil
	if err := disabled.Validate(); err != nil {
		t.Errorf("disabled provider rejected: %v", err)
	}
}

func TestLogValueOmitsAPIKey(t *testing.T) {
	p := Provider{
		ID: "p1", Name: "primary", BaseURL: "https://api.example.com",
		APIKey: "sk-secret-value",
	}

	for _, attr := range p.LogValue().Group() {
		if strings.Contains(attr.Value.String(), "sk-secret-value") {
			t.Fatalf("API key leaked through attr %q", attr.Key)
		}
		if attr.Key == "api_key" {
			t.Fatal("api_key must not be a log attribute")
		}
	}
}

func TestDefaultAPITypes(t *testing.T) {
	cases := []struct {
		name string
		want []APIType
	}{
		{"Claude Primary", []APIType{APITypeAnthropic}},
		{"anthropic-backup", []APIType{APITypeAnthropic}},
		{"OpenAI", []APIType{APITypeResponses, APITypeChat}},
		{"gpt-mirror", []APIType{APITypeResponses, APITypeChat}},
		{"groq", []APIType{APITypeAnthropic, APITypeResponses, APITypeChat}},
	}
	for _, tc := range cases {
		got := DefaultAPITypes(tc.name)
		if len(got) != len(tc.want) {
			t.Errorf("DefaultAPITypes(%q) = %v, want %v", tc.name, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("DefaultAPITypes(%q) = %v, want %v", tc.name, got, tc.want)
				break
			}
		}
	}
}

func TestAPITypeValid(t *testing.T) {
	for _, at := range AllAPITypes {
		if !at.Valid() {
			t.Errorf("%q should be valid", at)
		}
	}
	if APIType("websocket").Valid() {
		t.Error("unknown protocol should be invalid")
	}
}
