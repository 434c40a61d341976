package proxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/textproto"
	"strings"
	"sync"

	"github.com/httpseal/flowtap/pkg/flow"
)

// maxHeadBytes bounds a request or response header block
const maxHeadBytes = 1 << 20

var errHeadTooLarge = errors.New("header block too large")

// readRequest reads one request from r. The header block is read line by line
// so the recorded headers keep their wire order and spelling, including Host
// and Transfer-Encoding which net/http moves out of Request.Header.
func readRequest(r *bufio.Reader) (*http.Request, flow.Headers, []byte, error) {
	head, err := readHead(r)
	if err != nil {
		return nil, nil, nil, err
	}

	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(head)))
	if err != nil {
		return nil, nil, nil, err
	}

	body, err := readRequestBody(r, req)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to read request body: %w", err)
	}
	return req, parseHeaderLines(head), body, nil
}

// readHead returns the request line and header lines up to and including the
// blank line that ends them, with CRLF line endings
func readHead(r *bufio.Reader) ([]byte, error) {
	tp := textproto.NewReader(r)
	var head bytes.Buffer

	for {
		line, err := tp.ReadLine()
		if err != nil {
			if head.Len() > 0 && errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		// Blank lines before the request line are ignored
		if line == "" && head.Len() == 0 {
			continue
		}

		head.WriteString(line)
		head.WriteString("\r\n")
		if head.Len() > maxHeadBytes {
			return nil, errHeadTooLarge
		}
		if line == "" {
			return head.Bytes(), nil
		}
	}
}

// readRequestBody reads the body framed as req declares it
func readRequestBody(r *bufio.Reader, req *http.Request) ([]byte, error) {
	if len(req.TransferEncoding) > 0 && req.TransferEncoding[0] == "chunked" {
		body, err := io.ReadAll(httputil.NewChunkedReader(r))
		if err != nil {
			return nil, err
		}
		// Trailer fields end with a blank line
		if _, err := textproto.NewReader(r).ReadMIMEHeader(); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		return body, nil
	}

	if req.ContentLength <= 0 {
		return nil, nil
	}
	body := make([]byte, req.ContentLength)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// parseHeaderLines turns a header block into ordered pairs. The first line
// (request or status line) is skipped; folded lines continue the previous value.
func parseHeaderLines(head []byte) flow.Headers {
	lines := strings.Split(string(head), "\n")
	var headers flow.Headers

	for _, line := range lines[1:] {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		if (line[0] == ' ' || line[0] == '\t') && len(headers) > 0 {
			last := &headers[len(headers)-1]
			last.Value = strings.TrimSpace(last.Value + " " + strings.TrimSpace(line))
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		headers = append(headers, flow.Header{Name: name, Value: strings.TrimSpace(value)})
	}
	return headers
}

// wireCapture collects the bytes an upstream connection reads until the final
// (non 1xx) response header block is complete
type wireCapture struct {
	mu   sync.Mutex
	buf  []byte
	head []byte
}

func (c *wireCapture) record(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.head != nil || len(c.buf) >= maxHeadBytes {
		return
	}
	c.buf = append(c.buf, p...)
	c.head = finalHead(c.buf)
	if c.head != nil {
		c.buf = nil
	}
}

// headers returns the response headers as sent, or nil when the head was not seen
func (c *wireCapture) headers() flow.Headers {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.head == nil {
		return nil
	}
	return parseHeaderLines(c.head)
}

// finalHead returns the first complete header block in buf whose status is
// not informational
func finalHead(buf []byte) []byte {
	for {
		end, sep := headEnd(buf)
		if end < 0 {
			return nil
		}
		head := buf[:end+sep]
		if !isInformational(head) {
			return append([]byte(nil), head...)
		}
		buf = buf[end+sep:]
	}
}

// headEnd finds the blank line ending a header block, accepting bare LF
func headEnd(buf []byte) (int, int) {
	crlf := bytes.Index(buf, []byte("\r\n\r\n"))
	lf := bytes.Index(buf, []byte("\n\n"))
	switch {
	case crlf < 0 && lf < 0:
		return -1, 0
	case lf < 0 || (crlf >= 0 && crlf < lf):
		return crlf, 4
	default:
		return lf, 2
	}
}

func isInformational(head []byte) bool {
	statusLine, _, _ := bytes.Cut(head, []byte("\n"))
	fields := strings.Fields(string(statusLine))
	return len(fields) >= 2 && len(fields[1]) == 3 && fields[1][0] == '1'
}

type captureKey struct{}

func withCapture(ctx context.Context, c *wireCapture) context.Context {
	return context.WithValue(ctx, captureKey{}, c)
}

// captureConn tees reads from conn into the capture carried by ctx, if any
func captureConn(ctx context.Context, conn net.Conn) net.Conn {
	c, ok := ctx.Value(captureKey{}).(*wireCapture)
	if !ok {
		return conn
	}
	return &capturingConn{Conn: conn, capture: c}
}

type capturingConn struct {
	net.Conn
	capture *wireCapture
}

func (c *capturingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.capture.record(p[:n])
	}
	return n, err
}

// hopHeaders apply to a single connection and are not forwarded
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// removeHopHeaders deletes hop-by-hop headers, including those named in Connection
func removeHopHeaders(h http.Header) {
	for _, value := range h.Values("Connection") {
		for _, name := range strings.Split(value, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}
