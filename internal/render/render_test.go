package render

import (
	"strings"
	"testing"

	"github.com/ignite/workspace-mailer/internal/domain"
)

func TestSubstitute(t *testing.T) {
	tests := []struct {
		name string
		text string
		vars map[string]string
		want string
	}{
		{
			name: "single token",
			text: "Hello {{name}}!",
			vars: map[string]string{"name": "Alice"},
			want: "Hello Alice!",
		},
		{
			name: "repeated token",
			text: "{{name}} and {{name}} again",
			vars: map[string]string{"name": "Bob"},
			want: "Bob and Bob again",
		},
		{
			name: "multiple tokens",
			text: "{{greeting}}, {{name}}",
			vars: map[string]string{"greeting": "Hi", "name": "Carol"},
			want: "Hi, Carol",
		},
		{
			name: "unknown token left in place",
			text: "Hello {{missing}}",
			vars: map[string]string{"name": "Dave"},
			want: "Hello {{missing}}",
		},
		{
			name: "no vars",
			text: "Hello {{name}}",
			vars: nil,
			want: "Hello {{name}}",
		},
		{
			name: "empty text",
			text: "",
			vars: map[string]string{"name": "Eve"},
			want: "",
		},
		{
			name: "spaced token is not a token",
			text: "Hello {{ name }}",
			vars: map[string]string{"name": "Frank"},
			want: "Hello {{ name }}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Substitute(tt.text, tt.vars)
			if got != tt.want {
				t.Errorf("Substitute() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSubstituteIdempotent(t *testing.T) {
	vars := map[string]string{"name": "Alice", "city": "Paris"}
	text := "{{name}} from {{city}}"

	once := Substitute(text, vars)
	twice := Substitute(once, vars)
	if once != twice {
		t.Errorf("second substitution changed output: %q != %q", once, twice)
	}
}

func TestFlatten(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, ""},
		{"string passthrough", "plain body", "plain body"},
		{"string slice", []string{"line one", "line two"}, "line one\nline two"},
		{"any slice", []any{"a", "b", "c"}, "a\nb\nc"},
		{"nested slice", []any{"head", []any{"x", "y"}}, "head\nx\ny"},
		{"map to json", map[string]any{"op": "insert"}, `{"op":"insert"}`},
		{"number to json", 42.0, "42"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Flatten(tt.in)
			if got != tt.want {
				t.Errorf("Flatten() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRenderSimple(t *testing.T) {
	r := New()

	got, err := r.Render(domain.TemplateSimple, "", "Hi {{name}}", map[string]string{"name": "Alice"})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if got != "Hi Alice" {
		t.Errorf("Render() = %q, want %q", got, "Hi Alice")
	}
}

func TestRenderLiquid(t *testing.T) {
	r := New()

	tests := []struct {
		name string
		text string
		vars map[string]string
		want string
	}{
		{
			name: "plain variable",
			text: "Hi {{ name }}",
			vars: map[string]string{"name": "Alice"},
			want: "Hi Alice",
		},
		{
			name: "default filter",
			text: `Hi {{ first_name | default: "Friend" }}`,
			vars: map[string]string{},
			want: "Hi Friend",
		},
		{
			name: "titlecase filter",
			text: "{{ name | titlecase }}",
			vars: map[string]string{"name": "jane DOE"},
			want: "Jane Doe",
		},
		{
			name: "email_domain filter",
			text: "{{ email | email_domain }}",
			vars: map[string]string{"email": "alice@example.com"},
			want: "example.com",
		},
		{
			name: "mask_email filter",
			text: "{{ email | mask_email }}",
			vars: map[string]string{"email": "alice@example.com"},
			want: "al***@example.com",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Render(domain.TemplateLiquid, "", tt.text, tt.vars)
			if err != nil {
				t.Fatalf("Render() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Render() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRenderLiquidParseError(t *testing.T) {
	r := New()

	_, err := r.Render(domain.TemplateLiquid, "", "{% if broken %}", nil)
	if err == nil {
		t.Fatal("Render() with unterminated tag expected error, got nil")
	}
	if !strings.Contains(err.Error(), "liquid") {
		t.Errorf("error = %q, want liquid parse error", err.Error())
	}
}

func TestRenderLiquidCache(t *testing.T) {
	r := New()

	first, err := r.Render(domain.TemplateLiquid, "c1:subject", "Hi {{ name }}", map[string]string{"name": "A"})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	// Second render with the same key must use the cached template but
	// fresh bindings.
	second, err := r.Render(domain.TemplateLiquid, "c1:subject", "ignored text", map[string]string{"name": "B"})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if first != "Hi A" || second != "Hi B" {
		t.Errorf("cached renders = %q, %q; want %q, %q", first, second, "Hi A", "Hi B")
	}

	r.ClearCache()
	third, err := r.Render(domain.TemplateLiquid, "c1:subject", "Now {{ name }}", map[string]string{"name": "C"})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if third != "Now C" {
		t.Errorf("post-clear render = %q, want %q", third, "Now C")
	}
}
