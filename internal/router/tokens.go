package router

import (
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/Davincible/llmgate/internal/protocol"
)

const tokenEncoding = "cl100k_base"

// TokenCounter estimates the prompt size of a conversation.
type TokenCounter func(messages []protocol.Message) int

// NewTiktokenCounter counts with the cl100k_base encoding. The encoding is
// loaded on first use; when it cannot be loaded the counter degrades to
// EstimateTokens.
func NewTiktokenCounter(logger *slog.Logger) TokenCounter {
	var (
		once sync.Once
		enc  *tiktoken.Tiktoken
	)

	return func(messages []protocol.Message) int {
		once.Do(func() {
			var err error
			enc, err = tiktoken.GetEncoding(tokenEncoding)
			if err != nil {
				logger.Warn("Failed to get tiktoken encoding, estimating from length", "encoding", tokenEncoding, "error", err)
			}
		})

		if enc == nil {
			return EstimateTokens(messages)
		}

		return len(enc.Encode(joinContent(messages), nil, nil))
	}
}

// EstimateTokens approximates four characters per token.
func EstimateTokens(messages []protocol.Message) int {
	return (utf8.RuneCountInString(joinContent(messages)) + 3) / 4
}

func joinContent(messages []protocol.Message) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.Content)
	}

	return b.String()
}
