package errclass

import (
	"errors"
	"testing"
)

func TestClassifyMessage(t *testing.T) {
	tests := []struct {
		msg       string
		category  Category
		retryable bool
	}{
		{"openai: status 429: slow down", RateLimit, true},
		{"Rate limit reached for requests", RateLimit, true},
		{"anthropic: status 529: Overloaded", Server, true},
		{"upstream returned status 503", Server, true},
		{"Internal server error", Server, true},
		{"invalid authentication token", Auth, false},
		{"status 401: Unauthorized", Auth, false},
		{"403 Forbidden", Auth, false},
		{"Invalid API key provided", Auth, false},
		{"dial tcp 127.0.0.1:1: connect: connection refused", Network, true},
		{"context deadline exceeded (Client.Timeout exceeded while awaiting headers)", Network, true},
		{"request aborted", Network, true},
		{"status 400: messages: malformed", Client, false},
		{"invalid request: temperature out of range", Client, false},
		{"status 400: invalid_request_error: messages[512] too long", Client, false},
		{"status 400: max_tokens 600 exceeds limit 512", Client, false},
		{"HTTP 502 from upstream", Server, true},
		{"status 404: model gpt-4-0613 retired after 500 days", Unknown, false},
		{"something odd happened", Unknown, false},
		{"", Unknown, false},
	}
	for _, tc := range tests {
		t.Run(tc.msg, func(t *testing.T) {
			got := ClassifyMessage(tc.msg)
			if got.Category != tc.category || got.Retryable != tc.retryable {
				t.Errorf("ClassifyMessage(%q) = %+v, want {%s %v}", tc.msg, got, tc.category, tc.retryable)
			}
		})
	}
}

func TestClassify_AuthBeforeClient(t *testing.T) {
	got := Classify(errors.New("invalid authentication token"))
	if got != (Result{Category: Auth, Retryable: false}) {
		t.Errorf("expected auth/non-retryable, got %+v", got)
	}
}

func TestClassify_Nil(t *testing.T) {
	if got := Classify(nil); got.Category != Unknown || got.Retryable {
		t.Errorf("unexpected result for nil: %+v", got)
	}
}
