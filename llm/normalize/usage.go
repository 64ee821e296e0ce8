package normalize

import (
	"bufio"
	"math"
	"strings"

	"github.com/aschepis/backscratcher/chatcore/llm"
	"github.com/spf13/cast"
	"github.com/tidwall/gjson"
)

// Token count key aliases, most common first.
var (
	promptKeys = []string{
		"prompt_tokens", "input_tokens", "promptTokens", "inputTokens", "promptTokenCount",
	}
	completionKeys = []string{
		"completion_tokens", "output_tokens", "completionTokens", "outputTokens", "candidatesTokenCount",
	}
	totalKeys = []string{
		"total_tokens", "totalTokens", "totalTokenCount",
	}
	reasoningKeys = []string{
		"reasoning_tokens", "thinking_tokens", "reasoningTokens", "thinkingTokens", "thoughtsTokenCount",
		"completion_tokens_details.reasoning_tokens", "completionTokensDetails.reasoningTokens",
		"output_tokens_details.reasoning_tokens",
	}
	imageKeys = []string{
		"image_tokens", "imageTokens",
		"prompt_tokens_details.image_tokens", "promptTokensDetails.imageTokens",
		"completion_tokens_details.image_tokens", "completionTokensDetails.imageTokens",
	}
)

const maxUsageDepth = 8

// ExtractUsage finds a usage map anywhere in a JSON document and reads its
// token counts. It returns nil when the document carries no usage.
func ExtractUsage(data []byte) *llm.UsageSummary {
	if !gjson.ValidBytes(data) {
		return nil
	}
	return UsageFrom(gjson.ParseBytes(data))
}

// UsageFrom is ExtractUsage for an already parsed value.
func UsageFrom(v gjson.Result) *llm.UsageSummary {
	return rawUsage(v).Normalize()
}

// rawUsage reads the reported counts without synthesizing a total.
func rawUsage(v gjson.Result) *llm.UsageSummary {
	m, ok := findUsage(v, 0)
	if !ok {
		return nil
	}
	u := &llm.UsageSummary{
		PromptTokens:     firstCount(m, promptKeys),
		CompletionTokens: firstCount(m, completionKeys),
		TotalTokens:      firstCount(m, totalKeys),
		ReasoningTokens:  firstCount(m, reasoningKeys),
		ImageTokens:      firstCount(m, imageKeys),
	}
	if u.IsEmpty() {
		return nil
	}
	return u
}

// mergeUsage overlays next on acc. A total is only kept when next reports
// one; otherwise it is recomputed from the merged prompt and completion.
func mergeUsage(acc, next *llm.UsageSummary) *llm.UsageSummary {
	if next == nil {
		return acc
	}
	merged := acc.Merge(next)
	if next.TotalTokens == nil {
		merged.TotalTokens = nil
	}
	return merged.Normalize()
}

// ExtractUsageFromText scans concatenated SSE text and returns the usage
// observed across its data lines, later values overriding earlier ones.
// Text without data lines is treated as a single JSON document.
func ExtractUsageFromText(text string) *llm.UsageSummary {
	var merged *llm.UsageSummary
	sawData := false
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), DefaultMaxLineBytes)
	for sc.Scan() {
		payload, ok := dataPayload(sc.Text())
		if !ok {
			continue
		}
		sawData = true
		if gjson.Valid(payload) {
			merged = mergeUsage(merged, rawUsage(gjson.Parse(payload)))
		}
	}
	if !sawData {
		return ExtractUsage([]byte(text))
	}
	return merged
}

// findUsage returns the first usage-like object. Each level is checked
// before descending, so a top-level usage wins over nested ones.
func findUsage(v gjson.Result, depth int) (gjson.Result, bool) {
	if depth > maxUsageDepth {
		return gjson.Result{}, false
	}
	if v.IsObject() {
		for _, key := range []string{"usage", "usageMetadata", "usage_metadata"} {
			if u := v.Get(key); u.IsObject() {
				return u, true
			}
		}
	}
	if !v.IsObject() && !v.IsArray() {
		return gjson.Result{}, false
	}
	var found gjson.Result
	ok := false
	v.ForEach(func(_, child gjson.Result) bool {
		if child.IsObject() || child.IsArray() {
			found, ok = findUsage(child, depth+1)
		}
		return !ok
	})
	return found, ok
}

func firstCount(m gjson.Result, paths []string) *int64 {
	for _, p := range paths {
		if n, ok := count(m.Get(p)); ok {
			return &n
		}
	}
	return nil
}

// count reads an integer or decimal string token count.
func count(r gjson.Result) (int64, bool) {
	if r.Type != gjson.Number && r.Type != gjson.String {
		return 0, false
	}
	f, err := cast.ToFloat64E(r.Value())
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int64(math.Round(f)), true
}
