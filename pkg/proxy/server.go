package proxy

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/httpseal/flowtap/pkg/flow"
	"github.com/httpseal/flowtap/pkg/logger"
	"golang.org/x/net/proxy"
)

// Addon receives flow events. Calls for one flow arrive in order; calls for
// different flows may be concurrent.
type Addon interface {
	OnRequest(f *flow.Flow)
	OnResponse(f *flow.Flow)
	OnError(f *flow.Flow)
}

// DomainResolver maps the local address a client dialed back to the domain it asked for
type DomainResolver interface {
	DomainForIP(ip string) (string, bool)
}

// CertificateSource mints leaf certificates for intercepted hosts
type CertificateSource interface {
	CertificateFor(name string) (*tls.Certificate, error)
}

// Options configures the proxy listeners and upstream connections
type Options struct {
	HTTPSPort int
	// HTTPPort enables plain HTTP interception when > 0
	HTTPPort int
	// ConnectionTimeout is the idle timeout of a client connection
	ConnectionTimeout time.Duration
	// UpstreamTimeout bounds one upstream round trip
	UpstreamTimeout time.Duration

	SOCKS5Address  string
	SOCKS5Username string
	SOCKS5Password string

	// UpstreamTLS overrides the TLS settings used towards real servers
	UpstreamTLS *tls.Config
}

// Server intercepts TLS and plain HTTP connections redirected to it, forwards
// each request upstream and reports the exchange to an Addon.
type Server struct {
	opts      Options
	certs     CertificateSource
	resolver  DomainResolver
	addon     Addon
	logger    logger.Logger
	client    *http.Client
	listeners []net.Listener
	wg        sync.WaitGroup
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewServer creates a proxy server
func NewServer(opts Options, certs CertificateSource, resolver DomainResolver, addon Addon, log logger.Logger) (*Server, error) {
	client, err := newUpstreamClient(opts)
	if err != nil {
		return nil, err
	}

	return &Server{
		opts:     opts,
		certs:    certs,
		resolver: resolver,
		addon:    addon,
		logger:   log,
		client:   client,
		stopCh:   make(chan struct{}),
	}, nil
}

// newUpstreamClient builds the client used towards real servers, dialing
// through SOCKS5 when configured
func newUpstreamClient(opts Options) (*http.Client, error) {
	dial := (&net.Dialer{Timeout: 30 * time.Second}).DialContext

	if opts.SOCKS5Address != "" {
		var auth *proxy.Auth
		if opts.SOCKS5Username != "" {
			auth = &proxy.Auth{User: opts.SOCKS5Username, Password: opts.SOCKS5Password}
		}
		dialer, err := proxy.SOCKS5("tcp", opts.SOCKS5Address, auth, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
		}
		contextDialer, ok := dialer.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("SOCKS5 dialer does not support contexts")
		}
		dial = contextDialer.DialContext
	}

	// Every request dials its own connection so the response head read from it
	// can be captured with its wire order intact
	transport := &http.Transport{
		Proxy:              nil,
		DisableKeepAlives:  true,
		DisableCompression: true,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dial(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			return captureConn(ctx, conn), nil
		},
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dial(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			tlsConn := tls.Client(conn, upstreamTLSConfig(opts.UpstreamTLS, addr))
			if err := tlsConn.HandshakeContext(ctx); err != nil {
				conn.Close()
				return nil, err
			}
			return captureConn(ctx, tlsConn), nil
		},
	}

	timeout := opts.UpstreamTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		// Redirects are the client's business, not the proxy's
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}, nil
}

// Start listens on the configured ports and serves in the background
func (s *Server) Start() error {
	l, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", s.opts.HTTPSPort))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.opts.HTTPSPort, err)
	}
	s.Serve(l, true)
	s.logger.Debug("HTTPS proxy server started on %s", l.Addr())

	if s.opts.HTTPPort > 0 {
		l, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", s.opts.HTTPPort))
		if err != nil {
			_ = s.Stop()
			return fmt.Errorf("failed to listen on port %d: %w", s.opts.HTTPPort, err)
		}
		s.Serve(l, false)
		s.logger.Debug("HTTP proxy server started on %s", l.Addr())
	}

	return nil
}

// Serve accepts connections from l in the background. secure selects TLS interception.
func (s *Server) Serve(l net.Listener, secure bool) {
	s.listeners = append(s.listeners, l)
	s.wg.Add(1)
	go s.acceptLoop(l, secure)
}

// Stop closes the listeners and waits for open connections to finish
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		for _, l := range s.listeners {
			l.Close()
		}
	})
	s.wg.Wait()
	return nil
}

func (s *Server) acceptLoop(l net.Listener, secure bool) {
	defer s.wg.Done()

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("Error accepting connection: %v", err)
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn, secure)
	}
}

// handleConnection serves every request on one client connection
func (s *Server) handleConnection(clientConn net.Conn, secure bool) {
	defer s.wg.Done()
	defer clientConn.Close()

	destIP := ""
	if addr, ok := clientConn.LocalAddr().(*net.TCPAddr); ok {
		destIP = addr.IP.String()
	}
	domain, mapped := s.resolver.DomainForIP(destIP)

	conn := clientConn
	scheme := "http"
	if secure {
		scheme = "https"
		tlsConn := tls.Server(clientConn, s.tlsConfig(domain))
		s.setDeadline(tlsConn)
		if err := tlsConn.Handshake(); err != nil {
			s.logger.Error("TLS handshake failed for %s: %v", orAddr(domain, destIP), err)
			return
		}
		if !mapped {
			domain = tlsConn.ConnectionState().ServerName
		}
		conn = tlsConn
	}

	reader := bufio.NewReader(conn)
	for {
		s.setDeadline(conn)
		req, headers, body, err := readRequest(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !isTimeout(err) {
				s.logger.Error("Failed to parse HTTP request: %v", err)
			}
			return
		}

		host := domain
		if host == "" {
			host = req.Host
		}
		if host == "" {
			s.logger.Warn("No domain mapping found for destination IP %s", destIP)
			return
		}

		if !s.roundTrip(conn, req, headers, body, scheme, host, clientConn.RemoteAddr().String()) {
			return
		}
		if req.Close {
			return
		}
	}
}

// roundTrip reports, forwards and answers one request. It returns false when
// the client connection should be closed.
func (s *Server) roundTrip(conn net.Conn, req *http.Request, headers flow.Headers, body []byte, scheme, host, clientAddr string) bool {
	requestURI := req.URL.RequestURI()
	f := &flow.Flow{
		ID:         uuid.NewString(),
		ClientAddr: clientAddr,
		ServerAddr: upstreamAddr(host, scheme),
		Request: &flow.Request{
			Method:    req.Method,
			URL:       scheme + "://" + host + requestURI,
			PrettyURL: scheme + "://" + orAddr(req.Host, host) + requestURI,
			Headers:   headers,
			Body:      s.decoded(body, req.Header.Get("Content-Encoding")),
		},
	}
	s.addon.OnRequest(f)

	resp, respHeaders, err := s.forward(req, f.Request.URL, host, body)
	if err != nil {
		s.logger.Error("Failed to forward request to %s: %v", host, err)
		s.addon.OnError(f)
		writeBadGateway(conn)
		return false
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		s.logger.Error("Failed to read response from %s: %v", host, err)
		s.addon.OnError(f)
		writeBadGateway(conn)
		return false
	}

	if respHeaders == nil {
		respHeaders = flow.HeadersFromHTTP(resp.Header)
	}
	f.Response = &flow.Response{
		StatusCode: resp.StatusCode,
		Headers:    respHeaders,
		Body:       s.decoded(respBody, resp.Header.Get("Content-Encoding")),
	}
	s.addon.OnResponse(f)

	if err := writeResponse(conn, resp, respBody, req.Close); err != nil {
		s.logger.Error("Failed to write response: %v", err)
		return false
	}
	return true
}

// forward sends the request to the real server
func (s *Server) forward(req *http.Request, url, host string, body []byte) (*http.Response, flow.Headers, error) {
	capture := &wireCapture{}
	ctx, cancel := context.WithCancel(withCapture(context.Background(), capture))
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	out, err := http.NewRequestWithContext(ctx, req.Method, url, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("failed to create upstream request: %w", err)
	}
	out.Header = req.Header.Clone()
	removeHopHeaders(out.Header)
	out.Host = orAddr(req.Host, host)
	out.ContentLength = int64(len(body))

	resp, err := s.client.Do(out)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, capture.headers(), nil
}

// upstreamTLSConfig returns the client TLS settings for a dial to addr
func upstreamTLSConfig(base *tls.Config, addr string) *tls.Config {
	var cfg *tls.Config
	if base != nil {
		cfg = base.Clone()
	} else {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}
		cfg.ServerName = host
	}
	cfg.NextProtos = []string{"http/1.1"}
	return cfg
}

// decoded returns the body with its content codings removed, or the raw body
// when it cannot be decoded
func (s *Server) decoded(body []byte, contentEncoding string) []byte {
	out, err := DecodeBody(body, contentEncoding)
	if err != nil {
		s.logger.Debug("Recording raw body: %v", err)
		return body
	}
	return out
}

func (s *Server) tlsConfig(domain string) *tls.Config {
	return &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			name := hello.ServerName
			if name == "" {
				name = domain
			}
			if name == "" {
				return nil, fmt.Errorf("no server name for %s", hello.Conn.LocalAddr())
			}
			return s.certs.CertificateFor(name)
		},
		NextProtos: []string{"http/1.1"},
	}
}

func (s *Server) setDeadline(conn net.Conn) {
	if s.opts.ConnectionTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.opts.ConnectionTimeout))
	}
}

// writeResponse sends resp back to the client with the captured body. The
// upstream connection's hop-by-hop headers are dropped; closeConn tells the
// client this connection ends after the response.
func writeResponse(conn net.Conn, resp *http.Response, body []byte, closeConn bool) error {
	out := *resp
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.ContentLength = int64(len(body))
	out.TransferEncoding = nil
	out.Trailer = nil
	out.Close = closeConn
	out.Header = resp.Header.Clone()
	removeHopHeaders(out.Header)
	return out.Write(conn)
}

func writeBadGateway(conn net.Conn) {
	_, _ = io.WriteString(conn, "HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\nConnection: close\r\n\r\n")
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// upstreamAddr returns host:port of the real server
func upstreamAddr(host, scheme string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	port := "80"
	if scheme == "https" {
		port = "443"
	}
	return net.JoinHostPort(strings.Trim(host, "[]"), port)
}

func orAddr(preferred, fallback string) string {
	if preferred != "" {
		return preferred
	}
	return fallback
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
