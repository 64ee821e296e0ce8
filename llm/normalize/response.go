package normalize

import (
	"fmt"
	"strings"

	"github.com/aschepis/backscratcher/chatcore/llm"
	"github.com/tidwall/gjson"
)

// Gemini block reasons and their user-facing translations.
var geminiBlockReasons = map[string]string{
	"SAFETY":             "blocked by Gemini safety filters",
	"RECITATION":         "blocked by Gemini because it recited protected material",
	"BLOCKLIST":          "blocked by Gemini because it contained blocklisted terms",
	"PROHIBITED_CONTENT": "blocked by Gemini for prohibited content",
	"SPII":               "blocked by Gemini because it contained sensitive personal information",
	"IMAGE_SAFETY":       "blocked by Gemini image safety filters",
	"OTHER":              "blocked by Gemini for an unspecified reason",
}

// TranslateBlockReason returns a readable message for a Gemini block reason.
func TranslateBlockReason(reason string) string {
	if msg, ok := geminiBlockReasons[strings.ToUpper(reason)]; ok {
		return msg
	}
	return fmt.Sprintf("blocked by Gemini (%s)", reason)
}

// ProviderErrorMessage extracts a readable error from a provider body. The
// boolean reports whether the body describes a content block rather than a
// request failure. It returns "" when the body carries no error.
func ProviderErrorMessage(data []byte) (string, bool) {
	if !gjson.ValidBytes(data) {
		return "", false
	}
	return providerError(gjson.ParseBytes(data))
}

func providerError(v gjson.Result) (string, bool) {
	if reason := v.Get("promptFeedback.blockReason").String(); reason != "" {
		return "Prompt was " + TranslateBlockReason(reason), true
	}

	var blockedBy string
	v.Get("candidates").ForEach(func(_, c gjson.Result) bool {
		reason := c.Get("finishReason").String()
		if _, ok := geminiBlockReasons[reason]; ok {
			blockedBy = reason
			return false
		}
		return true
	})
	if blockedBy != "" {
		return "Response was " + TranslateBlockReason(blockedBy), true
	}

	for _, path := range []string{"error.message", "error.error.message", "message", "detail", "error"} {
		if r := v.Get(path); r.Type == gjson.String && r.Str != "" {
			return r.Str, false
		}
	}
	// FastAPI-style validation errors: {"detail":[{"msg":...}]}
	if msg := v.Get("detail.0.msg").String(); msg != "" {
		return msg, false
	}
	return "", false
}

// ExtractResponse reads text, reasoning, usage, tool calls and finish
// reason from a buffered, non-stream response of any supported family.
func ExtractResponse(data []byte) llm.ChatResult {
	if !gjson.ValidBytes(data) {
		return llm.ChatResult{Text: strings.TrimSpace(string(data))}
	}
	v := gjson.ParseBytes(data)
	res := llm.ChatResult{
		Usage:     UsageFrom(v),
		ToolCalls: toolCallsFrom(v, 0),
	}
	res.Reasoning, res.Text = responseText(v)
	res.FinishReason = finishReason(v)
	if res.FinishReason == "" {
		res.FinishReason = v.Get("stop_reason").String()
	}
	if res.Usage != nil && res.FinishReason != "" {
		res.Usage.FinishReason = res.FinishReason
	}
	return res
}

func responseText(v gjson.Result) (reasoning, text string) {
	if msg := v.Get("choices.0.message"); msg.Exists() {
		for _, key := range []string{"reasoning", "reasoning_content"} {
			if r := msg.Get(key); r.Type == gjson.String {
				reasoning = r.Str
				break
			}
		}
		return reasoning, joinText(msg.Get("content"))
	}

	if content := v.Get("content"); content.IsArray() {
		var t, r strings.Builder
		content.ForEach(func(_, block gjson.Result) bool {
			switch block.Get("type").String() {
			case "text":
				t.WriteString(block.Get("text").String())
			case "thinking":
				r.WriteString(block.Get("thinking").String())
			}
			return true
		})
		return r.String(), t.String()
	}

	if parts := v.Get("candidates.0.content.parts"); parts.IsArray() {
		var t, r strings.Builder
		parts.ForEach(func(_, p gjson.Result) bool {
			if p.Get("thought").Bool() {
				r.WriteString(p.Get("text").String())
			} else {
				t.WriteString(p.Get("text").String())
			}
			return true
		})
		return r.String(), t.String()
	}

	if outputs := v.Get("outputs"); outputs.IsArray() {
		var t strings.Builder
		outputs.ForEach(func(_, out gjson.Result) bool {
			if out.Get("type").String() == "message.output" {
				t.WriteString(joinText(out.Get("content")))
			}
			return true
		})
		return "", t.String()
	}

	for _, path := range []string{"content", "message.content", "text", "output_text", "response"} {
		if r := v.Get(path); r.Type == gjson.String {
			return "", r.Str
		}
	}
	return "", ""
}

// joinText flattens a string or an array of text chunks.
func joinText(r gjson.Result) string {
	if r.Type == gjson.String {
		return r.Str
	}
	var sb strings.Builder
	r.ForEach(func(_, part gjson.Result) bool {
		if part.Type == gjson.String {
			sb.WriteString(part.Str)
		} else if part.Get("type").String() == "text" {
			sb.WriteString(part.Get("text").String())
		}
		return true
	})
	return sb.String()
}
