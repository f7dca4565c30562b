package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Davincible/llmgate/internal/apierr"
	"github.com/Davincible/llmgate/internal/metrics"
	"github.com/Davincible/llmgate/internal/protocol"
	"github.com/Davincible/llmgate/internal/providers"
)

// maxErrorBody caps how much of a failed upstream reply is buffered.
const maxErrorBody = 1 << 20

// Target is a resolved provider account.
type Target struct {
	Provider    string
	Transformer providers.Transformer
	APIBase     string
	APIKey      string
}

// Request is one call against a Target.
type Request struct {
	Target Target
	Chat   *protocol.UnifiedChatRequest
	// Inbound carries the client's headers for credential passthrough.
	Inbound http.Header
}

// Client sends transformed requests over a pooled HTTP client.
type Client struct {
	http    *http.Client
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewClient(httpClient *http.Client, m *metrics.Metrics, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient(DefaultClientConfig(0))
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{http: httpClient, metrics: m, logger: logger}
}

// Endpoint resolves the upstream URL: the request's explicit endpoint, then
// provider_options.baseUrl for self-hosted transformers, then the configured
// base URL, then the transformer default.
func Endpoint(t Target, req *protocol.UnifiedChatRequest) string {
	if req.Endpoint != "" {
		return req.Endpoint
	}

	base := t.APIBase
	if t.Transformer.SelfHosted() {
		if override := req.OptionString(providers.OptionBaseURL); override != "" {
			base = override
		}
	}

	return t.Transformer.Endpoint(base, req.Model, req.Stream)
}

// passthroughHeaders are forwarded verbatim when the client supplies them.
func passthroughHeaders(tr providers.Transformer) []string {
	headers := []string{"Authorization", "X-API-Key"}
	if h := tr.APIKeyHeader(); h != "" && !strings.EqualFold(h, "X-API-Key") {
		headers = append(headers, h)
	}

	return headers
}

// credentialHeader is the header the family authenticates with.
func credentialHeader(tr providers.Transformer) string {
	if h := tr.APIKeyHeader(); h != "" {
		return h
	}

	return "Authorization"
}

// Send transforms and posts the request. The call is bound to ctx; a
// closed inbound connection aborts it. The response body is decompressed.
// Non-2xx responses are returned as-is for the caller to inspect.
func (c *Client) Send(ctx context.Context, r Request) (*http.Response, error) {
	tr := r.Target.Transformer

	body, err := tr.TransformRequestOut(r.Chat)
	if err != nil {
		return nil, fmt.Errorf("transform request for %s: %w", r.Target.Provider, err)
	}

	url := Endpoint(r.Target, r.Chat)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, apierr.Configurationf("provider %q: invalid endpoint %q: %v", r.Target.Provider, url, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Encoding", AcceptEncoding)
	if r.Chat.Stream {
		req.Header.Set("Accept", providers.ContentTypeEventStream)
	} else {
		req.Header.Set("Accept", "application/json")
	}

	for _, name := range passthroughHeaders(tr) {
		if v := r.Inbound.Get(name); v != "" {
			req.Header.Set(name, v)
		}
	}

	// Only the family's own credential header replaces the configured key.
	passed := r.Inbound.Get(credentialHeader(tr)) != ""
	if passed {
		tr.SetAuth(req.Header, "")
	} else {
		tr.SetAuth(req.Header, r.Target.APIKey)
	}

	c.logger.Debug("Sending upstream request",
		"provider", r.Target.Provider,
		"transformer", tr.Name(),
		"model", r.Chat.Model,
		"url", url,
		"stream", r.Chat.Stream,
		"passthrough_auth", passed,
	)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &apierr.TransportError{Provider: r.Target.Provider, Err: err}
	}
	c.metrics.ObserveUpstream(r.Target.Provider, r.Chat.Model, resp.StatusCode, time.Since(start))

	if err := decompress(resp); err != nil {
		resp.Body.Close()
		return nil, &apierr.TransportError{Provider: r.Target.Provider, Err: err}
	}

	return resp, nil
}

// ReadError drains a non-2xx response into an UpstreamError and closes it.
func ReadError(provider, model string, resp *http.Response) *apierr.UpstreamError {
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	return apierr.NewUpstreamError(provider, model, resp.StatusCode, body)
}

// Complete performs a non-streaming call and decodes the reply. Non-2xx
// replies become UpstreamErrors classified by the transformer's classifier.
func (c *Client) Complete(ctx context.Context, r Request) (*protocol.UnifiedChatResponse, error) {
	chat := *r.Chat
	chat.Stream = false
	r.Chat = &chat

	resp, err := c.Send(ctx, r)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		upErr := ReadError(r.Target.Provider, chat.Model, resp)
		return nil, apierr.Classify(r.Target.Transformer.Classifier(), upErr)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &apierr.TransportError{Provider: r.Target.Provider, Err: fmt.Errorf("read response: %w", err)}
	}

	out, err := r.Target.Transformer.TransformResponseIn(body)
	if err != nil {
		return nil, fmt.Errorf("decode %s response: %w", r.Target.Provider, err)
	}
	if out.Model == "" {
		out.Model = chat.Model
	}

	return out, nil
}
