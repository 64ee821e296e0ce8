package chat

import "strings"

// DefaultUserName stands in for {{persona}} when a session has no persona.
const DefaultUserName = "User"

// Placeholders are the names substituted into prompts and history.
type Placeholders struct {
	Char    string
	Persona string
}

// Substitute replaces {{char}}, {{persona}} and its alias {{user}} in text.
// Matching ignores case.
func (p Placeholders) Substitute(text string) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	persona := p.Persona
	if persona == "" {
		persona = DefaultUserName
	}
	var sb strings.Builder
	for {
		start := strings.Index(text, "{{")
		if start < 0 {
			break
		}
		end := strings.Index(text[start:], "}}")
		if end < 0 {
			break
		}
		end += start
		name := strings.ToLower(strings.TrimSpace(text[start+2 : end]))
		sb.WriteString(text[:start])
		switch name {
		case "char":
			sb.WriteString(p.Char)
		case "persona", "user":
			sb.WriteString(persona)
		default:
			sb.WriteString(text[start : end+2])
		}
		text = text[end+2:]
	}
	sb.WriteString(text)
	return sb.String()
}
