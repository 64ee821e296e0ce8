package llm

import (
	"encoding/json"
	"testing"
)

func TestNewTextMessage(t *testing.T) {
	msg := NewTextMessage(RoleUser, "Hello, world!")
	if msg.Role != RoleUser {
		t.Errorf("Expected role %v, got %v", RoleUser, msg.Role)
	}
	if msg.Content.IsMultipart() {
		t.Error("Expected plain text content")
	}
	if msg.Text() != "Hello, world!" {
		t.Errorf("Expected text 'Hello, world!', got %q", msg.Text())
	}
}

func TestContentJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		text string
		imgs int
	}{
		{"string", `{"role":"user","content":"hi"}`, "hi", 0},
		{"parts", `{"role":"user","content":[{"type":"text","text":"look"},{"type":"image_url","image_url":{"url":"https://x/y.png","detail":"low"}}]}`, "look", 1},
		{"null", `{"role":"assistant","content":null}`, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m Message
			if err := json.Unmarshal([]byte(tt.in), &m); err != nil {
				t.Fatalf("Unmarshal(%s) error: %v", tt.in, err)
			}
			if m.Text() != tt.text {
				t.Errorf("Text() = %q, want %q", m.Text(), tt.text)
			}
			if got := len(m.Content.Images()); got != tt.imgs {
				t.Errorf("Images() = %d, want %d", got, tt.imgs)
			}
		})
	}
}

func TestContentMarshalShape(t *testing.T) {
	data, err := json.Marshal(NewTextMessage(RoleUser, "hi"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"role":"user","content":"hi"}` {
		t.Errorf("Marshal = %s", data)
	}

	data, err = json.Marshal(Content{Parts: []ContentPart{{Type: PartTypeText, Text: "a"}}})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `[{"type":"text","text":"a"}]` {
		t.Errorf("Marshal parts = %s", data)
	}
}

func TestContentRejectsObjects(t *testing.T) {
	var c Content
	if err := json.Unmarshal([]byte(`{"text":"x"}`), &c); err == nil {
		t.Error("Expected error for object content")
	}
}

func TestDropScene(t *testing.T) {
	in := []Message{
		NewTextMessage(RoleScene, "a tavern"),
		NewTextMessage(RoleUser, "hi"),
	}
	out := DropScene(in)
	if len(out) != 1 || out[0].Role != RoleUser {
		t.Errorf("DropScene() = %+v", out)
	}
}

func TestMergeSameRole(t *testing.T) {
	in := []Message{
		NewTextMessage(RoleUser, "one"),
		NewTextMessage(RoleUser, "two"),
		NewTextMessage(RoleAssistant, "three"),
		NewTextMessage(RoleUser, "four"),
		{Role: RoleUser, Content: Content{Parts: []ContentPart{{Type: PartTypeText, Text: "five"}}}},
	}
	out := MergeSameRole(in)
	if len(out) != 4 {
		t.Fatalf("len(MergeSameRole()) = %d, want 4", len(out))
	}
	if out[0].Text() != "one\n\ntwo" {
		t.Errorf("merged text = %q", out[0].Text())
	}
	if !out[3].Content.IsMultipart() {
		t.Error("multipart message must not be merged")
	}
}

func TestUsageNormalizeAndMerge(t *testing.T) {
	u := (&UsageSummary{PromptTokens: Int64(10), CompletionTokens: Int64(5)}).Normalize()
	if u.TotalTokens == nil || *u.TotalTokens != 15 {
		t.Errorf("TotalTokens = %v, want 15", u.TotalTokens)
	}

	start := &UsageSummary{PromptTokens: Int64(7)}
	merged := start.Merge(&UsageSummary{CompletionTokens: Int64(3), FinishReason: "end_turn"})
	if merged.Prompt() != 7 || merged.Completion() != 3 || merged.Total() != 10 {
		t.Errorf("merged = %+v", merged)
	}
	if merged.FinishReason != "end_turn" {
		t.Errorf("FinishReason = %q", merged.FinishReason)
	}
	if start.CompletionTokens != nil {
		t.Error("Merge must not mutate the receiver")
	}
}

func TestCustomConfig(t *testing.T) {
	cred := Credential{ID: "c1", Config: json.RawMessage(`{"authMode":"Query","mergeSameRoleMessages":true}`)}
	cfg, err := cred.CustomConfig()
	if err != nil {
		t.Fatalf("CustomConfig() error: %v", err)
	}
	if cfg.AuthMode != AuthModeQuery || cfg.AuthQueryParamName != "key" || !cfg.MergeSameRoleMessages {
		t.Errorf("CustomConfig() = %+v", cfg)
	}

	bad := Credential{ID: "c2", Config: json.RawMessage(`{"authMode":"digest"}`)}
	if _, err := bad.CustomConfig(); CodeOf(err) != CodeConfig {
		t.Errorf("expected CONFIG error, got %v", err)
	}
}

func TestEventTerminal(t *testing.T) {
	if !DoneEvent().IsTerminal() {
		t.Error("done must be terminal")
	}
	if ErrorEvent(ErrorEnvelope{Code: CodeDecode}).IsTerminal() {
		t.Error("decode errors must not be terminal")
	}
	if !ErrorEvent(ErrorEnvelope{Code: CodeAborted}).IsTerminal() {
		t.Error("aborted must be terminal")
	}
	if DeltaEvent("x").IsTerminal() {
		t.Error("delta must not be terminal")
	}
}
