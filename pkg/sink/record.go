package sink

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/httpseal/flowtap/pkg/flow"
	"golang.org/x/text/encoding/unicode"
)

// Direction tags a record as the request or response half of a flow
type Direction string

const (
	DirectionRequest  Direction = "request"
	DirectionResponse Direction = "response"
)

// Record is the per-event projection of a flow that gets rendered into a sink
type Record struct {
	Seq       uint64
	Direction Direction

	// Request side
	Method     string
	URL        string
	ClientAddr string
	ServerAddr string

	// Response side
	StatusCode int

	Headers flow.Headers
	Body    []byte
}

// RequestRecord projects the request half of f
func RequestRecord(seq uint64, f *flow.Flow) *Record {
	return &Record{
		Seq:        seq,
		Direction:  DirectionRequest,
		Method:     f.Request.Method,
		URL:        f.Request.URL,
		ClientAddr: f.ClientAddr,
		ServerAddr: f.ServerAddr,
		Headers:    f.Request.Headers,
		Body:       f.Request.Body,
	}
}

// ResponseRecord projects the response half of f
func ResponseRecord(seq uint64, f *flow.Flow) *Record {
	return &Record{
		Seq:        seq,
		Direction:  DirectionResponse,
		Method:     f.Request.Method,
		URL:        f.Request.URL,
		StatusCode: f.Response.StatusCode,
		Headers:    f.Response.Headers,
		Body:       f.Response.Body,
	}
}

// Render returns the text block appended to a sink. Every block starts on a
// fresh line; invalid UTF-8 anywhere in it is replaced with U+FFFD.
func (r *Record) Render() string {
	var buf bytes.Buffer

	if r.Direction == DirectionRequest {
		buf.WriteString("\n=== Request #")
		buf.WriteString(strconv.FormatUint(r.Seq, 10))
		buf.WriteString(" ===\n")
		buf.WriteString(r.Method)
		buf.WriteByte(' ')
		buf.WriteString(r.URL)
		buf.WriteByte('\n')
	} else {
		buf.WriteString("\n=== Response ===\n")
		buf.WriteString("Status: ")
		buf.WriteString(strconv.Itoa(r.StatusCode))
		buf.WriteByte('\n')
	}

	buf.WriteString("Headers:\n")
	for _, h := range r.Headers {
		buf.WriteString(h.Name)
		buf.WriteString(": ")
		buf.WriteString(h.Value)
		buf.WriteByte('\n')
	}

	if len(r.Body) > 0 {
		buf.WriteString("\nBody:\n")
		buf.Write(r.Body)
	}

	return decodeUTF8(buf.Bytes())
}

func decodeUTF8(raw []byte) string {
	out, err := unicode.UTF8.NewDecoder().Bytes(raw)
	if err != nil {
		return strings.ToValidUTF8(string(raw), "\uFFFD")
	}
	return string(out)
}
