package lock

import (
	"context"
	"log/slog"
	"net"
	"time"
)

// Resolver resolves host names. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// DNSProber resolves a fixed set of hosts and logs the outcome. It is used
// when the lock service keeps failing, to tell a network/DNS outage apart
// from a logic error.
type DNSProber struct {
	resolver Resolver
	hosts    []string
	timeout  time.Duration
	logger   *slog.Logger
}

// ProbeResult is the outcome for one host.
type ProbeResult struct {
	Host      string
	Addresses []string
	Err       error
}

// NewDNSProber creates a prober. A nil resolver means net.DefaultResolver.
func NewDNSProber(resolver Resolver, hosts []string, logger *slog.Logger) *DNSProber {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if logger == nil {
		logger = slog.Default()
	}
	seen := make(map[string]bool, len(hosts))
	unique := make([]string, 0, len(hosts))
	for _, h := range hosts {
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		unique = append(unique, h)
	}
	return &DNSProber{
		resolver: resolver,
		hosts:    unique,
		timeout:  3 * time.Second,
		logger:   logger,
	}
}

// Probe resolves every configured host once.
func (p *DNSProber) Probe(ctx context.Context) []ProbeResult {
	results := make([]ProbeResult, 0, len(p.hosts))
	for _, host := range p.hosts {
		lookupCtx, cancel := context.WithTimeout(ctx, p.timeout)
		addrs, err := p.resolver.LookupHost(lookupCtx, host)
		cancel()

		if err != nil {
			p.logger.Error("dns resolution failed", "host", host, "error", err)
		} else {
			p.logger.Warn("dns resolution succeeded", "host", host, "addresses", addrs)
		}
		results = append(results, ProbeResult{Host: host, Addresses: addrs, Err: err})
	}
	return results
}

// hostOf strips the port from a host:port address.
func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
