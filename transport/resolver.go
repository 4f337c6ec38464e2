package transport

import (
	"fmt"
	"time"

	"github.com/miekg/dns"
)

// busService is the SRV service label under which bus endpoints are
// published, giving records like _vaultbus._tcp.example.com.
const busService = "_vaultbus._tcp."

// BusResolver discovers bus endpoints for a deployment domain through DNS
// SRV records. The exchange function is injectable for tests; the zero
// value is not usable, construct with NewBusResolver.
type BusResolver struct {
	server   string
	exchange func(msg *dns.Msg, server string) (*dns.Msg, time.Duration, error)
}

// NewBusResolver creates a resolver querying the given DNS server address
// (host:port). An empty server falls back to the local systemd-resolved
// stub at 127.0.0.53:53.
func NewBusResolver(server string) *BusResolver {
	if server == "" {
		server = "127.0.0.53:53"
	}
	client := new(dns.Client)
	return &BusResolver{server: server, exchange: client.Exchange}
}

// Resolve returns the host:port endpoints advertised for a deployment
// domain, in SRV record order.
func (r *BusResolver) Resolve(domain string) ([]string, error) {
	query := new(dns.Msg)
	query.Id = dns.Id()
	query.RecursionDesired = true
	query.Question = []dns.Question{{
		Name:   dns.Fqdn(busService + domain),
		Qtype:  dns.TypeSRV,
		Qclass: dns.ClassINET,
	}}

	response, _, err := r.exchange(query, r.server)
	if err != nil {
		return nil, fmt.Errorf("SRV lookup for %q failed: %w", domain, err)
	}

	endpoints := make([]string, 0, len(response.Answer))
	for _, answer := range response.Answer {
		if srv, ok := answer.(*dns.SRV); ok {
			endpoints = append(endpoints, fmt.Sprintf("%s:%d", srv.Target, srv.Port))
		}
	}

	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no bus endpoints published for %q", domain)
	}
	return endpoints, nil
}
