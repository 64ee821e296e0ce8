package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestNewHTTPStatusErrorRetryable(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{400, false},
		{401, false},
		{429, false},
		{500, true},
		{503, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			err := NewHTTPStatusError(tt.status, "boom")
			if err.Retryable != tt.retryable {
				t.Errorf("NewHTTPStatusError(%d).Retryable = %v, want %v", tt.status, err.Retryable, tt.retryable)
			}
			if err.Code != CodeHTTPStatus {
				t.Errorf("Code = %q, want %q", err.Code, CodeHTTPStatus)
			}
		})
	}
}

func TestIsAborted(t *testing.T) {
	err := fmt.Errorf("stream: %w", NewAbortedError("req-1"))
	if !IsAborted(err) {
		t.Error("Expected IsAborted to return true for wrapped aborted error")
	}
	if IsAborted(errors.New("plain")) {
		t.Error("Expected IsAborted to return false for foreign error")
	}
}

func TestIsRetryableError(t *testing.T) {
	if !IsRetryableError(NewTransportError("dial failed", nil)) {
		t.Error("Expected transport errors to be retryable")
	}
	if IsRetryableError(NewConfigError("missing key", nil)) {
		t.Error("Expected config errors to be non-retryable")
	}
}

func TestExtractRetryAfter(t *testing.T) {
	retryAfter := 5 * time.Second
	err := NewHTTPStatusError(429, "slow down")
	err.RetryAfter = &retryAfter
	extracted := ExtractRetryAfter(err)
	if extracted == nil {
		t.Fatal("Expected non-nil retry after")
	}
	if *extracted != retryAfter {
		t.Errorf("Expected retry after %v, got %v", retryAfter, *extracted)
	}
	if ExtractRetryAfter(NewDecodeError("bad json", nil)) != nil {
		t.Error("Expected nil retry after for decode error")
	}
}

func TestEnvelopeAlwaysCarriesRetryable(t *testing.T) {
	env := NewAbortedError("req-1").WithRequest("openai", "").Envelope()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["code"] != "ABORTED" {
		t.Errorf("code = %v, want ABORTED", decoded["code"])
	}
	if v, ok := decoded["retryable"]; !ok || v != false {
		t.Errorf("retryable = %v (present=%v), want false", v, ok)
	}
	if decoded["providerId"] != "openai" || decoded["requestId"] != "req-1" {
		t.Errorf("unexpected ids in envelope: %v", decoded)
	}
}

func TestEnvelopeOfForeignError(t *testing.T) {
	env := EnvelopeOf(errors.New("connection reset"))
	if env.Code != CodeTransport {
		t.Errorf("Code = %q, want %q", env.Code, CodeTransport)
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("root")
	err := NewConfigError("bad", cause)
	if !errors.Is(err, cause) {
		t.Error("Expected errors.Is to find the cause")
	}
	if err.Error() != "bad: root" {
		t.Errorf("Error() = %q", err.Error())
	}
}
