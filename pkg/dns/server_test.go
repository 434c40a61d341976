package dns

import (
	"io"
	"net"
	"testing"

	"github.com/httpseal/flowtap/pkg/logger"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer() *Server {
	return NewServer("127.0.0.1", 0, logger.NewWriter(io.Discard, false))
}

func TestAllocateIsStablePerDomain(t *testing.T) {
	s := newTestServer()

	a := s.allocate("api.example.com")
	b := s.allocate("cdn.example.com")
	again := s.allocate("api.example.com")

	assert.Equal(t, "127.0.0.2", a)
	assert.Equal(t, "127.0.0.3", b)
	assert.Equal(t, a, again)

	domain, ok := s.DomainForIP(b)
	assert.True(t, ok)
	assert.Equal(t, "cdn.example.com", domain)

	_, ok = s.DomainForIP("127.0.0.99")
	assert.False(t, ok)
}

func TestNextLoopback(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"127.0.0.2", "127.0.0.3"},
		{"127.0.0.255", "127.0.1.0"},
		{"127.0.255.255", "127.1.0.0"},
		{"127.255.255.254", "127.0.0.2"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, nextLoopback(net.ParseIP(tt.in)).String())
		})
	}
}

func TestServeAQuery(t *testing.T) {
	s := newTestServer()
	require.NoError(t, s.Start())
	defer s.Stop()

	msg := new(dns.Msg)
	msg.SetQuestion("Example.COM.", dns.TypeA)

	var resp *dns.Msg
	var err error
	client := new(dns.Client)
	// the server goroutine may not be reading yet on the first attempt
	for i := 0; i < 5; i++ {
		resp, _, err = client.Exchange(msg, s.Addr())
		if err == nil {
			break
		}
	}
	require.NoError(t, err)
	require.Len(t, resp.Answer, 1)

	a, ok := resp.Answer[0].(*dns.A)
	require.True(t, ok)
	domain, found := s.DomainForIP(a.A.String())
	assert.True(t, found)
	assert.Equal(t, "example.com", domain)
}

func TestServeAAAAQueryIsEmpty(t *testing.T) {
	s := newTestServer()
	require.NoError(t, s.Start())
	defer s.Stop()

	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeAAAA)

	var resp *dns.Msg
	var err error
	client := new(dns.Client)
	for i := 0; i < 5; i++ {
		resp, _, err = client.Exchange(msg, s.Addr())
		if err == nil {
			break
		}
	}
	require.NoError(t, err)
	assert.Empty(t, resp.Answer)
}
