package cache

import "testing"

func TestExclusionsNilIsEmpty(t *testing.T) {
	var x *ExclusionList
	if x.Matches("claude-sonnet-4") {
		t.Error("nil list must never match")
	}
	if x.Len() != 0 {
		t.Errorf("nil list Len = %d, want 0", x.Len())
	}
}

func TestExclusionsExactRules(t *testing.T) {
	x, err := NewExclusionList([]string{"claude-sonnet-4", "gpt-4o"}, nil)
	if err != nil {
		t.Fatalf("NewExclusionList: %v", err)
	}

	cases := []struct {
		model string
		want  bool
	}{
		{"claude-sonnet-4", true},
		{"gpt-4o", true},
		{"gpt-4o-mini", false},
		{"GPT-4O", false},
		{"claude", false},
	}
	for _, c := range cases {
		if got := x.Matches(c.model); got != c.want {
			t.Errorf("Matches(%q) = %v, want %v", c.model, got, c.want)
		}
	}
}

func TestExclusionsPatternRules(t *testing.T) {
	x, err := NewExclusionList(nil, []string{`^gpt-4o`, `claude-haiku`})
	if err != nil {
		t.Fatalf("NewExclusionList: %v", err)
	}

	cases := []struct {
		model string
		want  bool
	}{
		{"gpt-4o", true},
		{"gpt-4o-mini", true},
		{"claude-haiku-3", true},
		{"claude-sonnet-4", false},
		{"gpt-3.5-turbo", false},
	}
	for _, c := range cases {
		if got := x.Matches(c.model); got != c.want {
			t.Errorf("Matches(%q) = %v, want %v", c.model, got, c.want)
		}
	}
}

func TestExclusionsMixedRules(t *testing.T) {
	x, err := NewExclusionList([]string{"claude-sonnet-4"}, []string{`-preview$`})
	if err != nil {
		t.Fatalf("NewExclusionList: %v", err)
	}

	if !x.Matches("claude-sonnet-4") {
		t.Error("exact rule missed")
	}
	if !x.Matches("gpt-5-preview") {
		t.Error("pattern rule missed")
	}
	if x.Matches("gpt-4o") {
		t.Error("unlisted model should pass")
	}
	if x.Len() != 2 {
		t.Errorf("Len = %d, want 2", x.Len())
	}
}

func TestExclusionsRejectBadPattern(t *testing.T) {
	_, err := NewExclusionList(nil, []string{`[unclosed`})
	if err == nil {
		t.Fatal("expected an error for an invalid pattern")
	}
}

func TestExclusionsBlankRulesDropped(t *testing.T) {
	x, err := NewExclusionList(
		[]string{"", "  claude-sonnet-4  ", " "},
		[]string{"", "  ", `^gpt-4o`},
	)
	if err != nil {
		t.Fatalf("NewExclusionList: %v", err)
	}

	if !x.Matches("claude-sonnet-4") {
		t.Error("trimmed exact rule should match the bare model name")
	}
	if !x.Matches("gpt-4o") {
		t.Error("pattern rule missed")
	}
	if x.Len() != 2 {
		t.Errorf("Len = %d, want 2", x.Len())
	}
}
