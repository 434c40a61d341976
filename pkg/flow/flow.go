package flow

import (
	"net/http"
	"sort"
)

// Header is a single header field as it appeared on the wire
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered header list. Names are not deduplicated.
type Headers []Header

// Get returns the first value for name (case-sensitive)
func (h Headers) Get(name string) string {
	for _, field := range h {
		if field.Name == name {
			return field.Value
		}
	}
	return ""
}

// HeadersFromHTTP converts an http.Header into an ordered list when the wire
// order is not available. Keys are sorted; values keep their order.
func HeadersFromHTTP(header http.Header) Headers {
	names := make([]string, 0, len(header))
	for name := range header {
		names = append(names, name)
	}
	sort.Strings(names)

	result := make(Headers, 0, len(header))
	for _, name := range names {
		for _, value := range header[name] {
			result = append(result, Header{Name: name, Value: value})
		}
	}
	return result
}

// Request is the request half of a flow
type Request struct {
	Method string
	// URL is the URL as the proxy addressed it; filters match against it
	URL string
	// PrettyURL uses the Host header instead of the resolved destination
	PrettyURL string
	Headers   Headers
	Body      []byte
}

// Response is the response half of a flow
type Response struct {
	StatusCode int
	Headers    Headers
	Body       []byte
}

// Flow is one request/response exchange observed by the proxy.
// ID is assigned by the host and stays the same for both events.
type Flow struct {
	ID         string
	ClientAddr string
	ServerAddr string
	Request    *Request
	Response   *Response
}
