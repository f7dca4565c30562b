package upstream

import (
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// AcceptEncoding is what the gateway advertises to providers.
const AcceptEncoding = "gzip, br"

type decodedBody struct {
	io.Reader
	closers []io.Closer
}

func (b *decodedBody) Close() error {
	var first error
	for _, c := range b.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}

	return first
}

// decompress swaps resp.Body for a decoding reader according to
// Content-Encoding and drops the headers that no longer describe the body.
func decompress(resp *http.Response) error {
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))

	switch encoding {
	case "", "identity":
		return nil
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return fmt.Errorf("open gzip body: %w", err)
		}
		resp.Body = &decodedBody{Reader: gz, closers: []io.Closer{gz, resp.Body}}
	case "br":
		resp.Body = &decodedBody{Reader: brotli.NewReader(resp.Body), closers: []io.Closer{resp.Body}}
	default:
		return fmt.Errorf("unsupported content encoding %q", encoding)
	}

	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true

	return nil
}
