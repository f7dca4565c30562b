package apierr

import (
	"errors"
	"net/http"
	"strings"
)

// QuotaKeywords is the vocabulary shared by every provider family.
var QuotaKeywords = []string{
	"quota",
	"rate limit",
	"too many requests",
	"resource exhausted",
	"exceeded",
	"429",
	"tokens",
	"rpm",
	"tpm",
}

// Classifier decides whether a failed call hit temporary capacity limits.
type Classifier interface {
	IsQuota(err error) bool
}

// KeywordClassifier matches error text case-insensitively against a
// vocabulary. Authentication failures and transport errors are never quota;
// a 429 status always is.
type KeywordClassifier struct {
	Keywords []string
}

// NewKeywordClassifier returns a classifier over the shared vocabulary plus extra.
func NewKeywordClassifier(extra ...string) *KeywordClassifier {
	keywords := make([]string, 0, len(QuotaKeywords)+len(extra))
	keywords = append(keywords, QuotaKeywords...)
	for _, k := range extra {
		keywords = append(keywords, strings.ToLower(k))
	}

	return &KeywordClassifier{Keywords: keywords}
}

func (c *KeywordClassifier) IsQuota(err error) bool {
	if err == nil {
		return false
	}

	var quota *QuotaError
	if errors.As(err, &quota) {
		return true
	}

	var transport *TransportError
	if errors.As(err, &transport) {
		return false
	}

	var cfg *ConfigurationError
	if errors.As(err, &cfg) {
		return false
	}

	text := err.Error()

	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		switch upstream.StatusCode {
		case http.StatusTooManyRequests:
			return true
		case http.StatusUnauthorized, http.StatusForbidden:
			return false
		}
		text = upstream.Message + " " + string(upstream.Body)
	}

	return c.matches(text)
}

func (c *KeywordClassifier) matches(text string) bool {
	lower := strings.ToLower(text)
	for _, k := range c.Keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}

	return false
}

// Classify upgrades an UpstreamError to a QuotaError when c says so.
func Classify(c Classifier, err error) error {
	var upstream *UpstreamError
	if c == nil || !errors.As(err, &upstream) {
		return err
	}
	if c.IsQuota(err) {
		return &QuotaError{UpstreamError: upstream}
	}

	return err
}
