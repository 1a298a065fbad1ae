package catalog

import (
	"context"
	"net"
	"sync"
	"time"

	"dnsbypass/internal/utils"

	"github.com/miekg/dns"
)

// ProbeResult is the outcome of querying one server
type ProbeResult struct {
	ServerID  string        `json:"serverId"`
	Address   string        `json:"address"`
	Reachable bool          `json:"reachable"`
	RTT       time.Duration `json:"rtt"`
	Error     string        `json:"error,omitempty"`
}

// Prober measures whether catalog servers answer DNS queries
type Prober struct {
	Domain  string
	Port    string
	Timeout time.Duration
}

// NewProber creates a prober for domain on port
func NewProber(domain, port string, timeout time.Duration) *Prober {
	if domain == "" {
		domain = "example.com"
	}
	if port == "" {
		port = "53"
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Prober{Domain: domain, Port: port, Timeout: timeout}
}

// Probe queries each server's primary address concurrently. Results keep
// the order of servers.
func (p *Prober) Probe(ctx context.Context, servers []Server) []ProbeResult {
	results := make([]ProbeResult, len(servers))
	limiter := utils.NewConcurrencyLimiter(utils.MaxConcurrentProbes)

	var wg sync.WaitGroup
	for i, s := range servers {
		wg.Add(1)
		go func(i int, s Server) {
			defer wg.Done()
			limiter.Acquire()
			defer limiter.Release()
			results[i] = p.probeOne(ctx, s)
		}(i, s)
	}
	wg.Wait()
	return results
}

func (p *Prober) probeOne(ctx context.Context, s Server) ProbeResult {
	addr := net.JoinHostPort(s.Primary, p.Port)
	result := ProbeResult{ServerID: s.ID, Address: addr}

	c := new(dns.Client)
	c.Timeout = p.Timeout

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(p.Domain), dns.TypeA)
	m.RecursionDesired = true

	resp, rtt, err := c.ExchangeContext(ctx, m, addr)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	if resp.Rcode != dns.RcodeSuccess && resp.Rcode != dns.RcodeNameError {
		result.Error = dns.RcodeToString[resp.Rcode]
		return result
	}
	result.Reachable = true
	result.RTT = rtt
	return result
}
