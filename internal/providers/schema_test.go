package providers

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCleanSchemaForProvider(t *testing.T) {
	schema := map[string]interface{}{
		"$schema":              "http://json-schema.org/draft-07/schema#",
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":                 "string",
				"additionalProperties": false,
			},
		},
	}

	got := CleanSchemaForProvider("gemini", schema)
	if _, ok := got["$schema"]; ok {
		t.Error("$schema not stripped")
	}
	if _, ok := got["additionalProperties"]; ok {
		t.Error("additionalProperties not stripped at top level")
	}
	props := got["properties"].(map[string]interface{})
	path := props["path"].(map[string]interface{})
	if _, ok := path["additionalProperties"]; ok {
		t.Error("additionalProperties not stripped in nested schema")
	}
	if path["type"] != "string" {
		t.Errorf("nested type lost: %v", path["type"])
	}
}

func TestCleanSchemaNil(t *testing.T) {
	got := CleanSchemaForProvider("anthropic", nil)
	if got["type"] != "object" {
		t.Errorf("nil schema should become empty object schema, got %v", got)
	}
}

func TestRetryDoStopsOnNonRetryable(t *testing.T) {
	calls := 0
	_, err := RetryDo(context.Background(), DefaultRetryConfig(), func() (int, error) {
		calls++
		return 0, &HTTPError{Status: 401, Body: "unauthorized"}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (401 is not retryable)", calls)
	}
}

func TestRetryDoRetriesServerErrors(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	calls := 0
	got, err := RetryDo(context.Background(), cfg, func() (string, error) {
		calls++
		if calls < 3 {
			return "", &HTTPError{Status: 500, Body: "boom"}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("RetryDo: %v", err)
	}
	if got != "ok" || calls != 3 {
		t.Errorf("got %q after %d calls", got, calls)
	}
}

func TestRetryDoExhaustsBudget(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	calls := 0
	_, err := RetryDo(context.Background(), cfg, func() (int, error) {
		calls++
		return 0, &HTTPError{Status: 429, Body: "slow down"}
	})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != 429 {
		t.Fatalf("err = %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if d := ParseRetryAfter("7"); d != 7*time.Second {
		t.Errorf("ParseRetryAfter(7) = %v", d)
	}
	if d := ParseRetryAfter(""); d != 0 {
		t.Errorf("ParseRetryAfter(\"\") = %v", d)
	}
	if d := ParseRetryAfter("soon"); d != 0 {
		t.Errorf("ParseRetryAfter(soon) = %v", d)
	}
}
