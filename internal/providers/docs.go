/*
Package providers implements the transformer layer of the gateway.

Each provider family speaks its own wire dialect. A Transformer converts
between that dialect and the unified chat protocol in both directions, for
requests, complete responses and individual streaming events.

# Transformer Interface

	type Transformer interface {
		Name() string
		SystemStrategy() SystemStrategy
		SelfHosted() bool
		DefaultBaseURL() string
		Endpoint(baseURL, model string, stream bool) string
		SetAuth(h http.Header, apiKey string)
		APIKeyHeader() string
		Classifier() apierr.Classifier

		TransformRequestOut(req *protocol.UnifiedChatRequest) ([]byte, error)
		TransformResponseIn(body []byte) (*protocol.UnifiedChatResponse, error)
		TransformRequestIn(body []byte) (*protocol.UnifiedChatRequest, error)
		TransformResponseOut(resp *protocol.UnifiedChatResponse) ([]byte, error)
		TransformStreamChunk(data []byte) (*protocol.UnifiedChunk, error)
	}

# System Instructions

Every transformer commits to exactly one SystemStrategy:

  - anthropic: SystemField, the joined system text goes to "system".
  - gemini: SystemInstruction, the text goes to systemInstruction.parts.
  - openai, selfhosted: SystemInline, system messages stay in place.
  - selfhosted-legacy: SystemExchange, a user turn carrying the
    instruction followed by the assistant reply "Understood.".

# Streaming

TransformStreamChunk receives the payload of one data line. It returns nil
for events that carry nothing to forward (pings, block boundaries, empty
deltas). Chunk ids and models may be empty; the gateway fills them from the
first event of the stream.

# Finish Reasons

Dialect-specific reasons are normalized to stop, length, tool_calls and
content_filter. A response without a reason reports "unknown".

# Adding a Family

 1. Implement Transformer in a new file.
 2. Give it a Classifier with any family-specific quota vocabulary.
 3. Register it in Registry.Initialize and map its API host in
    domainTransformerMap.
 4. Add a round-trip test: TransformRequestIn(TransformRequestOut(req))
    must preserve roles, text and sampling parameters.
*/
package providers
