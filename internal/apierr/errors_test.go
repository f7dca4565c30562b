package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUpstreamError_ExtractsMessage(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		expected string
	}{
		{"openai envelope", 400, `{"error":{"message":"bad model","type":"invalid_request_error"}}`, "bad model"},
		{"gemini array", 429, `[{"error":{"code":429,"message":"Resource has been exhausted","status":"RESOURCE_EXHAUSTED"}}]`, "Resource has been exhausted"},
		{"flat message", 500, `{"message":"boom"}`, "boom"},
		{"string error", 502, `{"error":"gateway down"}`, "gateway down"},
		{"plain text", 503, "service unavailable", "service unavailable"},
		{"empty body", 504, "", http.StatusText(504)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewUpstreamError("acme", "m1", tt.status, []byte(tt.body))
			assert.Equal(t, tt.expected, err.Message)
			assert.Equal(t, tt.status, StatusCode(err))
		})
	}
}

func TestKeywordClassifier(t *testing.T) {
	c := NewKeywordClassifier("insufficient_quota")

	tests := []struct {
		name  string
		err   error
		quota bool
	}{
		{"nil", nil, false},
		{"429 status", NewUpstreamError("p", "m", 429, []byte(`{}`)), true},
		{"quota text", NewUpstreamError("p", "m", 400, []byte(`{"error":{"message":"You exceeded your current Quota"}}`)), true},
		{"resource exhausted", NewUpstreamError("p", "m", 503, []byte(`{"error":{"message":"Resource Exhausted"}}`)), true},
		{"auth never quota", NewUpstreamError("p", "m", 401, []byte(`{"error":{"message":"quota key invalid"}}`)), false},
		{"invalid credentials", NewUpstreamError("p", "m", 400, []byte(`{"error":{"message":"invalid credentials"}}`)), false},
		{"transport", &TransportError{Provider: "p", Err: errors.New("rate limit dial")}, false},
		{"configuration", Configurationf("rate limit route missing"), false},
		{"plain error with keyword", errors.New("TPM limit reached"), true},
		{"already classified", &QuotaError{UpstreamError: NewUpstreamError("p", "m", 500, nil)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.quota, c.IsQuota(tt.err))
		})
	}
}

func TestClassify(t *testing.T) {
	c := NewKeywordClassifier()

	err := Classify(c, NewUpstreamError("p", "m", 429, nil))
	var quota *QuotaError
	require.True(t, errors.As(err, &quota))
	assert.Equal(t, 429, quota.StatusCode)

	plain := NewUpstreamError("p", "m", 400, []byte(`{"error":{"message":"bad input"}}`))
	assert.Same(t, plain, Classify(c, plain))

	other := errors.New("x")
	assert.Equal(t, other, Classify(c, other))
}

func TestType_And_StatusCode(t *testing.T) {
	upstream := NewUpstreamError("p", "m", 429, nil)

	tests := []struct {
		name   string
		err    error
		typ    ErrorType
		status int
	}{
		{"configuration", Configurationf("no provider %q", "x"), TypeConfiguration, 500},
		{"upstream", NewUpstreamError("p", "m", 404, nil), TypeUpstream, 404},
		{"quota", &QuotaError{UpstreamError: upstream}, TypeQuota, 429},
		{"transport", &TransportError{Provider: "p", Err: errors.New("refused")}, TypeTransport, 500},
		{"exhausted", &FallbackExhaustedError{Provider: "p", Attempted: []string{"a"}, Original: upstream}, TypeFallbackExhausted, 429},
		{"invalid", &InvalidRequestError{Message: "bad json"}, TypeInvalidRequest, 400},
		{"wrapped", fmt.Errorf("outer: %w", Configurationf("inner")), TypeConfiguration, 500},
		{"unknown", errors.New("boom"), TypeInternal, 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.typ, Type(tt.err))
			assert.Equal(t, tt.status, StatusCode(tt.err))
		})
	}
}

func TestWriteJSON(t *testing.T) {
	rr := httptest.NewRecorder()
	status := WriteJSON(rr, Configurationf("provider %q not found", "ghost"))

	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var body Body
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, TypeConfiguration, body.Error.Type)
	assert.Contains(t, body.Error.Message, `provider "ghost" not found`)
}

func TestMessage(t *testing.T) {
	original := NewUpstreamError("acme", "m1", 429, []byte(`{"error":{"message":"slow down"}}`))
	exhausted := &FallbackExhaustedError{Provider: "acme", Attempted: []string{"m1", "m2"}, Original: original}

	assert.Equal(t, "acme: every model is rate limited (m1, m2)", Message(exhausted))
	assert.Equal(t, "acme returned 429: slow down", Message(original))
	assert.Equal(t, "missing route", Message(Configurationf("missing route")))
	assert.Contains(t, exhausted.Error(), "original error")
	assert.True(t, errors.Is(exhausted, original))
}

func TestTruncate_KeepsRunesWhole(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		n        int
		expected string
	}{
		{name: "short", in: "abc", n: 5, expected: "abc"},
		{name: "ascii", in: "abcdef", n: 3, expected: "abc..."},
		{name: "inside a rune", in: "ab€cd", n: 3, expected: "ab..."},
		{name: "at a rune boundary", in: "ab€cd", n: 5, expected: "ab€..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.in, tt.n)
			assert.Equal(t, tt.expected, got)
			assert.True(t, utf8.ValidString(got))
		})
	}
}
