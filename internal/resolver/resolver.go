// Package resolver performs hostname lookups for the example client
// binaries. The netstack package itself never speaks DNS: applications
// supply the stack with addresses, and a caller that only has a hostname
// uses this package to turn it into one before dialing.
package resolver

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/miekg/dns"
)

// Resolver issues A-record queries against a single upstream server.
type Resolver struct {
	client *dns.Client
	server string // "ip:port" of the upstream resolver
}

// New creates a Resolver that queries upstream (e.g. "8.8.8.8:53").
func New(upstream string) *Resolver {
	return &Resolver{
		client: new(dns.Client),
		server: upstream,
	}
}

// LookupHost resolves name to its first IPv4 address. It does not consult
// /etc/hosts or any other local resolver configuration; it only speaks to
// the configured upstream server.
func (r *Resolver) LookupHost(ctx context.Context, name string) (netip.Addr, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeA)
	msg.RecursionDesired = true

	reply, _, err := r.client.ExchangeContext(ctx, msg, r.server)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("resolver: query %s: %w", name, err)
	}
	if reply.Rcode != dns.RcodeSuccess {
		return netip.Addr{}, fmt.Errorf("resolver: %s: %s", name, dns.RcodeToString[reply.Rcode])
	}

	for _, rr := range reply.Answer {
		if a, ok := rr.(*dns.A); ok {
			addr, ok := netip.AddrFromSlice(a.A.To4())
			if ok {
				return addr, nil
			}
		}
	}
	return netip.Addr{}, fmt.Errorf("resolver: %s: no A record in response", name)
}
