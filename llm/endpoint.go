package llm

import (
	"regexp"
	"strings"
)

// Attribution headers sent to providers that document them.
const (
	AttributionReferer = "https://github.com/LettuceAI/"
	AttributionTitle   = "LettuceAI"
)

var versionSuffix = regexp.MustCompile(`/v\d+[a-z0-9]*$`)

// HasVersionSuffix reports whether the URL already ends in a versioned
// prefix such as /v1, /v4 or /v1beta.
func HasVersionSuffix(baseURL string) bool {
	return versionSuffix.MatchString(strings.TrimRight(baseURL, "/"))
}

// JoinVersioned appends path to baseURL, inserting version only when the
// base does not already end in a versioned prefix.
func JoinVersioned(baseURL, version, path string) string {
	base := strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if HasVersionSuffix(base) || version == "" {
		return base + path
	}
	return base + "/" + strings.Trim(version, "/") + path
}

// MergeHeaders copies extra over base. Keys are compared case-insensitively
// and the writer's spelling of a replaced key wins.
func MergeHeaders(base, extra map[string]string) map[string]string {
	if base == nil {
		base = make(map[string]string, len(extra))
	}
	for k, v := range extra {
		for existing := range base {
			if strings.EqualFold(existing, k) {
				delete(base, existing)
			}
		}
		base[k] = v
	}
	return base
}

// JSONHeaders returns the headers every adapter starts from.
func JSONHeaders(stream bool) map[string]string {
	h := map[string]string{"Content-Type": "application/json"}
	if stream {
		h["Accept"] = "text/event-stream"
	}
	return h
}
