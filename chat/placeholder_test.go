package chat

import "testing"

func TestSubstitute(t *testing.T) {
	tests := []struct {
		name  string
		names Placeholders
		in    string
		want  string
	}{
		{"no placeholders", Placeholders{Char: "Ava"}, "hello", "hello"},
		{"char", Placeholders{Char: "Ava"}, "I am {{char}}.", "I am Ava."},
		{"case insensitive", Placeholders{Char: "Ava", Persona: "Sam"}, "{{CHAR}} greets {{Persona}}", "Ava greets Sam"},
		{"user alias", Placeholders{Char: "Ava", Persona: "Sam"}, "hi {{user}}", "hi Sam"},
		{"default persona", Placeholders{Char: "Ava"}, "hi {{persona}}", "hi User"},
		{"spaces inside braces", Placeholders{Char: "Ava"}, "{{ char }}", "Ava"},
		{"unknown kept", Placeholders{Char: "Ava"}, "{{time}} {{char}}", "{{time}} Ava"},
		{"unterminated", Placeholders{Char: "Ava"}, "{{char}} {{char", "Ava {{char"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.names.Substitute(tt.in); got != tt.want {
				t.Errorf("Substitute(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
