// Package apierr defines the gateway error taxonomy and its JSON rendering.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// ErrorType is the machine-readable error category written to clients.
type ErrorType string

const (
	TypeConfiguration     ErrorType = "configuration_error"
	TypeUpstream          ErrorType = "upstream_error"
	TypeQuota             ErrorType = "rate_limit_error"
	TypeTransport         ErrorType = "transport_error"
	TypeFallbackExhausted ErrorType = "fallback_exhausted"
	TypeInvalidRequest    ErrorType = "invalid_request_error"
	TypeInternal          ErrorType = "internal_error"
	TypeAuthentication    ErrorType = "authentication_error"
)

// ConfigurationError reports an unresolved provider, model or route. It is
// never retried.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Message
}

func Configurationf(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Message: fmt.Sprintf(format, args...)}
}

// UpstreamError is a non-2xx reply from a provider.
type UpstreamError struct {
	Provider   string
	Model      string
	StatusCode int
	Body       []byte
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.Model != "" {
		return fmt.Sprintf("[%s/%s] upstream returned %d: %s", e.Provider, e.Model, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("[%s] upstream returned %d: %s", e.Provider, e.StatusCode, e.Message)
}

// QuotaError is an UpstreamError classified as temporary capacity exhaustion.
type QuotaError struct {
	*UpstreamError
}

func (e *QuotaError) Error() string {
	return "quota exhausted: " + e.UpstreamError.Error()
}

func (e *QuotaError) Unwrap() error {
	return e.UpstreamError
}

// TransportError wraps network failures talking to a provider.
type TransportError struct {
	Provider string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("[%s] transport failure: %v", e.Provider, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// FallbackExhaustedError is raised once every substitute model has failed.
// It names and wraps the failure of the first attempted model.
type FallbackExhaustedError struct {
	Provider  string
	Attempted []string
	Original  error
	Last      error
}

func (e *FallbackExhaustedError) Error() string {
	return fmt.Sprintf("all models for provider %s exhausted (tried %s): original error: %v",
		e.Provider, strings.Join(e.Attempted, ", "), e.Original)
}

func (e *FallbackExhaustedError) Unwrap() error {
	return e.Original
}

// MalformedFragmentError describes a stream fragment that could not be
// decoded. The gateway counts and drops these; they never reach clients.
type MalformedFragmentError struct {
	Provider string
	Fragment string
	Err      error
}

func (e *MalformedFragmentError) Error() string {
	return fmt.Sprintf("[%s] malformed stream fragment %q: %v", e.Provider, truncate(e.Fragment, 120), e.Err)
}

func (e *MalformedFragmentError) Unwrap() error {
	return e.Err
}

// InvalidRequestError is a client mistake detected before any upstream call.
type InvalidRequestError struct {
	Message string
	Err     error
}

func (e *InvalidRequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid request: %s: %v", e.Message, e.Err)
	}

	return "invalid request: " + e.Message
}

func (e *InvalidRequestError) Unwrap() error {
	return e.Err
}

// NewUpstreamError builds an UpstreamError from a raw reply, extracting the
// human-readable message from the common provider error envelopes.
func NewUpstreamError(provider, model string, statusCode int, body []byte) *UpstreamError {
	return &UpstreamError{
		Provider:   provider,
		Model:      model,
		StatusCode: statusCode,
		Body:       body,
		Message:    extractMessage(statusCode, body),
	}
}

func extractMessage(statusCode int, body []byte) string {
	paths := []string{
		"error.message",
		"0.error.message",
		"message",
		"error.status",
		"detail",
	}
	if gjson.ValidBytes(body) {
		for _, path := range paths {
			if v := gjson.GetBytes(body, path); v.Exists() && v.String() != "" {
				return v.String()
			}
		}
		if v := gjson.GetBytes(body, "error"); v.Type == gjson.String {
			return v.String()
		}
	}

	if msg := strings.TrimSpace(string(body)); msg != "" {
		return truncate(msg, 500)
	}

	return http.StatusText(statusCode)
}

// StatusCode maps an error to the HTTP status the gateway should reply with.
// Upstream statuses are preserved; anything unknown becomes 500.
func StatusCode(err error) int {
	var upstream *UpstreamError
	if errors.As(err, &upstream) && upstream.StatusCode != 0 {
		return upstream.StatusCode
	}

	var invalid *InvalidRequestError
	if errors.As(err, &invalid) {
		return http.StatusBadRequest
	}

	return http.StatusInternalServerError
}

// Type returns the category written in the JSON error body.
func Type(err error) ErrorType {
	var (
		cfg       *ConfigurationError
		quota     *QuotaError
		upstream  *UpstreamError
		transport *TransportError
		exhausted *FallbackExhaustedError
		invalid   *InvalidRequestError
	)

	switch {
	case errors.As(err, &exhausted):
		return TypeFallbackExhausted
	case errors.As(err, &cfg):
		return TypeConfiguration
	case errors.As(err, &quota):
		return TypeQuota
	case errors.As(err, &upstream):
		return TypeUpstream
	case errors.As(err, &transport):
		return TypeTransport
	case errors.As(err, &invalid):
		return TypeInvalidRequest
	default:
		return TypeInternal
	}
}

// Body is the JSON error envelope returned by the gateway.
type Body struct {
	Error BodyError `json:"error"`
}

type BodyError struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
}

// ToJSON renders err as the gateway error envelope.
func ToJSON(err error) []byte {
	data, mErr := json.Marshal(Body{Error: BodyError{Type: Type(err), Message: err.Error()}})
	if mErr != nil {
		return []byte(`{"error":{"type":"internal_error","message":"failed to encode error"}}`)
	}

	return data
}

// WriteBody writes an error envelope with an explicit status and type.
func WriteBody(w http.ResponseWriter, status int, typ ErrorType, message string) {
	data, err := json.Marshal(Body{Error: BodyError{Type: typ, Message: message}})
	if err != nil {
		data = []byte(`{"error":{"type":"internal_error","message":"failed to encode error"}}`)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// WriteJSON writes err as a JSON response using StatusCode.
func WriteJSON(w http.ResponseWriter, err error) int {
	status := StatusCode(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(ToJSON(err))

	return status
}

// Message produces the single human-readable line shown by CLI consumers.
func Message(err error) string {
	var (
		cfg       *ConfigurationError
		exhausted *FallbackExhaustedError
		upstream  *UpstreamError
		transport *TransportError
	)

	switch {
	case errors.As(err, &exhausted):
		return fmt.Sprintf("%s: every model is rate limited (%s)", exhausted.Provider, strings.Join(exhausted.Attempted, ", "))
	case errors.As(err, &cfg):
		return cfg.Message
	case errors.As(err, &upstream):
		return fmt.Sprintf("%s returned %d: %s", upstream.Provider, upstream.StatusCode, upstream.Message)
	case errors.As(err, &transport):
		return fmt.Sprintf("could not reach %s: %v", transport.Provider, transport.Err)
	default:
		return err.Error()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}

	return s[:n] + "..."
}
