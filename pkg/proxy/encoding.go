package proxy

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
)

// ContentEncoding is a Content-Encoding coding the proxy can undo
type ContentEncoding int

const (
	EncodingIdentity ContentEncoding = iota
	EncodingGzip
	EncodingDeflate
	EncodingBrotli
	EncodingUnknown
)

// String returns the header token of the coding
func (c ContentEncoding) String() string {
	switch c {
	case EncodingIdentity:
		return "identity"
	case EncodingGzip:
		return "gzip"
	case EncodingDeflate:
		return "deflate"
	case EncodingBrotli:
		return "br"
	default:
		return "unknown"
	}
}

// parseCoding maps a single Content-Encoding token
func parseCoding(token string) ContentEncoding {
	switch strings.ToLower(strings.TrimSpace(token)) {
	case "", "identity":
		return EncodingIdentity
	case "gzip", "x-gzip":
		return EncodingGzip
	case "deflate":
		return EncodingDeflate
	case "br":
		return EncodingBrotli
	default:
		return EncodingUnknown
	}
}

// DecodeBody undoes the codings listed in a Content-Encoding header value.
// Codings are applied in listed order, so they are removed in reverse.
func DecodeBody(body []byte, contentEncoding string) ([]byte, error) {
	if len(body) == 0 || strings.TrimSpace(contentEncoding) == "" {
		return body, nil
	}

	tokens := strings.Split(contentEncoding, ",")
	decoded := body
	for i := len(tokens) - 1; i >= 0; i-- {
		var err error
		decoded, err = decodeOne(decoded, parseCoding(tokens[i]))
		if err != nil {
			return nil, fmt.Errorf("content-encoding %q: %w", strings.TrimSpace(tokens[i]), err)
		}
	}
	return decoded, nil
}

func decodeOne(data []byte, coding ContentEncoding) ([]byte, error) {
	var reader io.Reader
	switch coding {
	case EncodingIdentity:
		return data, nil
	case EncodingGzip:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer zr.Close()
		reader = zr
	case EncodingDeflate:
		fr := flate.NewReader(bytes.NewReader(data))
		defer fr.Close()
		reader = fr
	case EncodingBrotli:
		reader = brotli.NewReader(bytes.NewReader(data))
	default:
		return nil, fmt.Errorf("unsupported coding")
	}

	out, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress %s data: %w", coding, err)
	}
	return out, nil
}
