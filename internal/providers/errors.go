package providers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrMissingAPIKey is returned when a provider that requires credentials gets none.
// Its text classifies as an auth failure.
var ErrMissingAPIKey = errors.New("api key required: unauthorized")

// APIError is a non-2xx upstream response. Its message carries the status code so the
// error classifier can bucket it.
type APIError struct {
	Provider   string
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s: %s", e.Provider, e.Type, e.Message)
	}
	if e.Type != "" {
		return fmt.Sprintf("%s: status %d: %s: %s", e.Provider, e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// StatusCode extracts the upstream status from err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// vendor error envelopes: {"error":{"type":..,"message":..}} for both OpenAI and Anthropic,
// and {"error":"..."} for Ollama-style servers.
type errorEnvelope struct {
	Error json.RawMessage `json:"error"`
}

type errorObject struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ReadAPIError builds an APIError from a failed response, reading at most 64KiB of body.
func ReadAPIError(provider string, resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return &APIError{Provider: provider, StatusCode: resp.StatusCode, Message: "failed to read error body: " + err.Error()}
	}
	apiErr := &APIError{Provider: provider, StatusCode: resp.StatusCode}

	var env errorEnvelope
	if json.Unmarshal(body, &env) == nil && len(env.Error) > 0 {
		var obj errorObject
		var text string
		switch {
		case json.Unmarshal(env.Error, &obj) == nil && obj.Message != "":
			apiErr.Type = obj.Type
			apiErr.Message = obj.Message
			return apiErr
		case json.Unmarshal(env.Error, &text) == nil && text != "":
			apiErr.Message = text
			return apiErr
		}
	}

	apiErr.Message = strings.TrimSpace(string(body))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
