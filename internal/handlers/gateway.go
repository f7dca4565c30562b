package handlers

import (
	"cmp"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Davincible/llmgate/internal/apierr"
	"github.com/Davincible/llmgate/internal/config"
	"github.com/Davincible/llmgate/internal/metrics"
	"github.com/Davincible/llmgate/internal/protocol"
	"github.com/Davincible/llmgate/internal/providers"
	"github.com/Davincible/llmgate/internal/upstream"
)

const (
	HeaderProvider = "X-Provider"
	HeaderTaskType = "X-Task-Type"

	maxRequestBody = 32 << 20
	streamReadSize = 32 << 10
)

// Router picks a provider and model when the client names no provider.
type Router interface {
	Route(req protocol.RoutingRequest) (*protocol.RoutingResult, error)
}

// Deps are the collaborators shared by the gateway handlers.
type Deps struct {
	Store    config.Store
	Registry *providers.Registry
	Router   Router
	Upstream *upstream.Client
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// GatewayHandler accepts one client dialect, forwards to the resolved
// provider and answers in the same dialect.
type GatewayHandler struct {
	Deps

	dialect   providers.Transformer
	route     string
	streaming bool
}

// NewChatHandler serves POST /v1/chat/completions.
func NewChatHandler(deps Deps) *GatewayHandler {
	return newGatewayHandler(deps, providers.OpenAIName, "/v1/chat/completions", true)
}

// NewMessagesHandler serves POST /v1/messages with Anthropic-shaped bodies.
// Streaming is not offered on this route.
func NewMessagesHandler(deps Deps) *GatewayHandler {
	return newGatewayHandler(deps, providers.AnthropicName, "/v1/messages", false)
}

func newGatewayHandler(deps Deps, dialect, route string, streaming bool) *GatewayHandler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Upstream == nil {
		deps.Upstream = upstream.NewClient(nil, deps.Metrics, deps.Logger)
	}

	tr, ok := deps.Registry.Get(dialect)
	if !ok {
		panic("handlers: transformer " + dialect + " is not registered")
	}

	return &GatewayHandler{Deps: deps, dialect: tr, route: route, streaming: streaming}
}

func (h *GatewayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status, provider := h.serve(w, r)
	h.Metrics.ObserveRequest(h.route, provider, status)
}

func (h *GatewayHandler) serve(w http.ResponseWriter, r *http.Request) (int, string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		return h.fail(w, &apierr.InvalidRequestError{Message: "failed to read request body", Err: err}), ""
	}

	req, err := h.dialect.TransformRequestIn(body)
	if err != nil {
		return h.fail(w, err), ""
	}
	if len(req.Messages) == 0 {
		return h.fail(w, &apierr.InvalidRequestError{Message: "messages must not be empty"}), ""
	}
	if len(req.Conversation()) == 0 {
		return h.fail(w, &apierr.InvalidRequestError{Message: "messages must contain a user or assistant turn"}), ""
	}
	if req.Stream && !h.streaming {
		return h.fail(w, &apierr.InvalidRequestError{Message: "streaming is not supported on " + h.route}), ""
	}

	target, err := h.resolve(r, req)
	if err != nil {
		return h.fail(w, err), ""
	}

	h.Logger.Info("Proxying request",
		"route", h.route,
		"provider", target.Provider,
		"transformer", target.Transformer.Name(),
		"model", req.Model,
		"stream", req.Stream,
	)

	start := time.Now()
	resp, err := h.Upstream.Send(r.Context(), upstream.Request{Target: target, Chat: req, Inbound: r.Header})
	if err != nil {
		return h.fail(w, err), target.Provider
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		h.passthrough(w, resp, target)
		return resp.StatusCode, target.Provider
	}

	if req.Stream {
		h.stream(w, resp, target, req.Model, start)
		return http.StatusOK, target.Provider
	}

	return h.complete(w, resp, target, req.Model, start), target.Provider
}

// resolve picks the provider: the body's provider field, then the
// X-Provider header, then the router. The router also decides the model.
func (h *GatewayHandler) resolve(r *http.Request, req *protocol.UnifiedChatRequest) (upstream.Target, error) {
	name := cmp.Or(req.Provider, r.Header.Get(HeaderProvider))

	if name == "" {
		task, ok := protocol.ParseTaskType(r.Header.Get(HeaderTaskType))
		if !ok {
			return upstream.Target{}, &apierr.InvalidRequestError{Message: "unknown task type " + r.Header.Get(HeaderTaskType)}
		}

		result, err := h.Router.Route(protocol.RoutingRequest{TaskType: task, Messages: req.Messages})
		if err != nil {
			return upstream.Target{}, err
		}
		req.Model = result.Model

		tr, ok := h.Registry.Get(result.Transformer)
		if !ok {
			return upstream.Target{}, apierr.Configurationf("provider %q: unknown transformer %q", result.Provider, result.Transformer)
		}

		h.Logger.Debug("Routed request", "provider", result.Provider, "model", result.Model, "reason", result.Reason)

		return upstream.Target{Provider: result.Provider, Transformer: tr, APIBase: result.APIBaseURL, APIKey: result.APIKey}, nil
	}

	p, ok := h.Store.Get().Provider(name)
	if !ok {
		return upstream.Target{}, apierr.Configurationf("provider %q not found in configuration", name)
	}
	if !p.IsEnabled() {
		return upstream.Target{}, apierr.Configurationf("provider %q is disabled", p.Name)
	}

	if req.Model == "" {
		if len(p.Models) == 0 {
			return upstream.Target{}, &apierr.InvalidRequestError{Message: "model is required for provider " + p.Name}
		}
		req.Model = p.Models[0]
	}

	tr, err := h.Registry.Resolve(p.Transformer, p.Name, p.APIBase)
	if err != nil {
		return upstream.Target{}, err
	}

	return upstream.Target{Provider: p.Name, Transformer: tr, APIBase: p.APIBase, APIKey: p.APIKey}, nil
}

// passthrough relays a failed upstream reply with its status and body unchanged.
func (h *GatewayHandler) passthrough(w http.ResponseWriter, resp *http.Response, target upstream.Target) {
	copyHeaders(w, resp)
	w.WriteHeader(resp.StatusCode)

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		h.Logger.Warn("Failed to relay upstream error body", "provider", target.Provider, "error", err)
	}

	h.Logger.Error("Upstream error response",
		"provider", target.Provider,
		"status", resp.StatusCode,
		"bytes", n,
	)
}

func (h *GatewayHandler) complete(w http.ResponseWriter, resp *http.Response, target upstream.Target, model string, start time.Time) int {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return h.fail(w, &apierr.TransportError{Provider: target.Provider, Err: err})
	}

	out, err := target.Transformer.TransformResponseIn(data)
	if err != nil {
		return h.fail(w, err)
	}
	if out.Model == "" {
		out.Model = model
	}
	if out.ID == "" {
		out.ID = providers.NewResponseID()
	}

	encoded, err := h.dialect.TransformResponseOut(out)
	if err != nil {
		return h.fail(w, err)
	}

	copyHeaders(w, resp)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(encoded); err != nil {
		h.Logger.Warn("Failed to write response", "error", err)
	}

	h.Logger.Info("Successful response",
		"provider", target.Provider,
		"model", out.Model,
		"input_tokens", out.Usage.PromptTokens,
		"output_tokens", out.Usage.CompletionTokens,
		"duration", time.Since(start),
	)

	return http.StatusOK
}

// streamState carries the identity every re-framed chunk must share.
type streamState struct {
	requestModel string
	id           string
	model        string
	chunks       int
	dropped      int
}

// fill copies the first chunk's id and model onto later chunks that lack them.
func (s *streamState) fill(c *protocol.UnifiedChunk) {
	if s.id == "" {
		s.id = cmp.Or(c.ID, providers.NewResponseID())
	}
	if s.model == "" {
		s.model = cmp.Or(c.Model, s.requestModel)
	}

	if c.ID == "" {
		c.ID = s.id
	}
	if c.Model == "" {
		c.Model = s.model
	}
	if c.Object == "" {
		c.Object = protocol.ObjectChatCompletionChunk
	}
}

// stream re-frames the upstream event stream as unified chunks. A clean end
// of the upstream body is terminated with [DONE]; a read error closes the
// stream without it so clients can tell the two apart.
func (h *GatewayHandler) stream(w http.ResponseWriter, resp *http.Response, target upstream.Target, model string, start time.Time) {
	w.Header().Set("Content-Type", providers.ContentTypeEventStream)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flushResponse(w)

	state := &streamState{requestModel: model}
	var lines protocol.LineBuffer
	buf := make([]byte, streamReadSize)

	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			for _, line := range lines.Feed(buf[:n]) {
				if !h.forward(w, target, state, line) {
					h.Logger.Warn("Client went away mid-stream", "provider", target.Provider, "chunks", state.chunks)
					return
				}
			}
		}

		if errors.Is(err, io.EOF) {
			if rest := lines.Flush(); rest != "" {
				h.forward(w, target, state, rest)
			}
			if _, err := w.Write(protocol.DoneFrame); err == nil {
				flushResponse(w)
			}

			h.Logger.Info("Completed streaming response",
				"provider", target.Provider,
				"model", state.model,
				"chunks", state.chunks,
				"dropped", state.dropped,
				"duration", time.Since(start),
			)

			return
		}

		if err != nil {
			h.Logger.Warn("Upstream stream interrupted",
				"provider", target.Provider,
				"chunks", state.chunks,
				"error", err,
			)

			return
		}
	}
}

// forward writes one upstream line as a unified chunk. It returns false
// once the client can no longer be written to.
func (h *GatewayHandler) forward(w http.ResponseWriter, target upstream.Target, state *streamState, line string) bool {
	kind, payload := protocol.ClassifyLine(line)
	if kind != protocol.LineData {
		return true
	}

	chunk, err := target.Transformer.TransformStreamChunk(payload)
	if err != nil {
		state.dropped++
		h.Metrics.DroppedFragment(target.Provider)
		h.Logger.Debug("Dropped stream fragment",
			"error", &apierr.MalformedFragmentError{Provider: target.Provider, Fragment: string(payload), Err: err},
		)

		return true
	}
	if chunk == nil {
		return true
	}

	state.fill(chunk)

	frame, err := protocol.EncodeChunk(chunk)
	if err != nil {
		h.Logger.Error("Failed to encode chunk", "provider", target.Provider, "error", err)
		return true
	}

	if _, err := w.Write(frame); err != nil {
		return false
	}
	flushResponse(w)

	state.chunks++
	h.Metrics.StreamChunk(target.Provider)

	return true
}

func (h *GatewayHandler) fail(w http.ResponseWriter, err error) int {
	status := apierr.WriteJSON(w, err)

	if status >= http.StatusInternalServerError {
		h.Logger.Error("Request failed", "route", h.route, "status", status, "error", err)
	} else {
		h.Logger.Warn("Request rejected", "route", h.route, "status", status, "error", err)
	}

	return status
}

// copyHeaders relays upstream headers that still describe the body the
// client receives.
func copyHeaders(w http.ResponseWriter, resp *http.Response) {
	for key, values := range resp.Header {
		switch http.CanonicalHeaderKey(key) {
		case "Content-Encoding", "Content-Length", "Connection", "Transfer-Encoding":
			continue
		}
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
}

func flushResponse(w http.ResponseWriter) {
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}
