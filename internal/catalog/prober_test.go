package catalog

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestDNSServer answers every A query with 93.184.216.34
func startTestDNSServer(t *testing.T) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	mux := dns.NewServeMux()
	mux.HandleFunc(".", func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		rr, _ := dns.NewRR(r.Question[0].Name + " 60 IN A 93.184.216.34")
		m.Answer = append(m.Answer, rr)
		w.WriteMsg(m)
	})

	started := make(chan struct{})
	server := &dns.Server{PacketConn: pc, Handler: mux, NotifyStartedFunc: func() { close(started) }}
	go server.ActivateAndServe()
	<-started
	t.Cleanup(func() { server.Shutdown() })

	_, port, err := net.SplitHostPort(pc.LocalAddr().String())
	require.NoError(t, err)
	return port
}

func TestProber(t *testing.T) {
	port := startTestDNSServer(t)
	p := NewProber("example.com", port, 500*time.Millisecond)

	servers := []Server{
		{ID: "local", Primary: "127.0.0.1"},
		// nothing listens on this address and port
		{ID: "dead", Primary: "127.0.0.2"},
	}

	results := p.Probe(context.Background(), servers)
	require.Len(t, results, 2)

	assert.Equal(t, "local", results[0].ServerID)
	assert.True(t, results[0].Reachable, results[0].Error)
	assert.Empty(t, results[0].Error)

	assert.Equal(t, "dead", results[1].ServerID)
	assert.False(t, results[1].Reachable)
	assert.NotEmpty(t, results[1].Error)
}

func TestNewProberDefaults(t *testing.T) {
	p := NewProber("", "", 0)
	assert.Equal(t, "example.com", p.Domain)
	assert.Equal(t, "53", p.Port)
	assert.Equal(t, 2*time.Second, p.Timeout)
}
