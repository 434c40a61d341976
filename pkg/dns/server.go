package dns

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/httpseal/flowtap/pkg/logger"
	"github.com/miekg/dns"
)

const answerTTL = 60

// Server answers A queries with a loopback address unique to each domain, so
// the proxy can tell which domain a client meant from the address it dialed.
type Server struct {
	addr   string
	server *dns.Server
	conn   net.PacketConn
	logger logger.Logger

	mu       sync.RWMutex
	byIP     map[string]string // loopback IP -> domain
	byDomain map[string]string // domain -> loopback IP
	nextIP   net.IP
}

// NewServer creates a DNS server that will listen on ip:port
func NewServer(ip string, port int, log logger.Logger) *Server {
	return &Server{
		addr:     net.JoinHostPort(ip, fmt.Sprintf("%d", port)),
		logger:   log,
		byIP:     make(map[string]string),
		byDomain: make(map[string]string),
		nextIP:   net.IPv4(127, 0, 0, 2).To4(),
	}
}

// Start binds the UDP socket and serves in the background
func (s *Server) Start() error {
	conn, err := net.ListenPacket("udp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.conn = conn

	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.handleDNSRequest)

	s.server = &dns.Server{
		PacketConn: conn,
		Handler:    mux,
	}

	go func() {
		if err := s.server.ActivateAndServe(); err != nil {
			s.logger.Error("DNS server error: %v", err)
		}
	}()

	s.logger.Debug("DNS server started on %s", conn.LocalAddr())
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	if s.conn == nil {
		return s.addr
	}
	return s.conn.LocalAddr().String()
}

// Stop stops the DNS server
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Shutdown()
	}
	return nil
}

// DomainForIP returns the domain a loopback address was handed out for
func (s *Server) DomainForIP(ip string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	domain, ok := s.byIP[ip]
	return domain, ok
}

func (s *Server) handleDNSRequest(w dns.ResponseWriter, r *dns.Msg) {
	msg := new(dns.Msg)
	msg.SetReply(r)
	msg.Authoritative = true

	for _, question := range r.Question {
		// AAAA and everything else get an empty answer so clients fall back to A
		if question.Qtype != dns.TypeA {
			continue
		}

		domain := strings.ToLower(strings.TrimSuffix(question.Name, "."))
		ip := s.allocate(domain)
		s.logger.Debug("DNS query for %s -> %s", domain, ip)

		msg.Answer = append(msg.Answer, &dns.A{
			Hdr: dns.RR_Header{
				Name:   question.Name,
				Rrtype: dns.TypeA,
				Class:  dns.ClassINET,
				Ttl:    answerTTL,
			},
			A: net.ParseIP(ip),
		})
	}

	if err := w.WriteMsg(msg); err != nil {
		s.logger.Warn("Failed to write DNS response: %v", err)
	}
}

// allocate returns the loopback IP for domain, handing out a new one on first use
func (s *Server) allocate(domain string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ip, ok := s.byDomain[domain]; ok {
		return ip
	}

	ip := s.nextIP.String()
	// Wrapping around recycles the oldest address
	if previous, ok := s.byIP[ip]; ok {
		delete(s.byDomain, previous)
	}
	s.byIP[ip] = domain
	s.byDomain[domain] = ip
	s.nextIP = nextLoopback(s.nextIP)

	return ip
}

// nextLoopback increments ip within 127.0.0.0/8 and wraps before the broadcast address
func nextLoopback(ip net.IP) net.IP {
	next := make(net.IP, net.IPv4len)
	copy(next, ip.To4())

	for i := len(next) - 1; i > 0; i-- {
		next[i]++
		if next[i] != 0 {
			break
		}
	}

	if next[0] != 127 || (next[1] == 255 && next[2] == 255 && next[3] == 255) {
		return net.IPv4(127, 0, 0, 2).To4()
	}
	return next
}
