package transport

import (
	"net/url"
	"strings"

	"github.com/samber/lo"
)

// Redacted replaces secret values in telemetry.
const Redacted = "***"

// MaxLoggedBody is the number of body bytes kept in telemetry.
const MaxLoggedBody = 2 * 1024

var secretHeaders = []string{"authorization", "x-api-key", "authentication", "api-key", "x-goog-api-key"}

var secretParams = []string{"key", "api_key", "apikey", "token"}

// RedactHeaders returns a copy of h with credential values replaced.
func RedactHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if lo.Contains(secretHeaders, strings.ToLower(k)) {
			v = Redacted
		}
		out[k] = v
	}
	return out
}

// RedactURL replaces credential query parameters such as Gemini's key=.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.RawQuery == "" {
		return raw
	}
	q := u.Query()
	changed := false
	for name := range q {
		if lo.Contains(secretParams, strings.ToLower(name)) {
			q.Set(name, Redacted)
			changed = true
		}
	}
	if !changed {
		return raw
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// TruncateBody returns at most MaxLoggedBody bytes of body as a string.
func TruncateBody(body []byte) string {
	if len(body) <= MaxLoggedBody {
		return string(body)
	}
	return string(body[:MaxLoggedBody]) + "...(truncated)"
}
