// Package dnsbl implements reverse-DNS/forward-confirmation (FCrDNS) and
// DNS-based blocklist (DNSBL) lookups, the concrete policy hook a
// session.Handler can consult at HELO/MAIL time.
package dnsbl

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Checker performs rDNS/FCrDNS and DNSBL zone lookups against a configured
// resolver.
type Checker struct {
	// Resolver is the DNS server to query, host:port. Defaults to
	// "8.8.8.8:53" if empty.
	Resolver string

	// Zones are DNSBL zone names consulted by IsBlocked, e.g.
	// "zen.spamhaus.org".
	Zones []string

	// Timeout bounds each individual query. Defaults to 2s if zero.
	Timeout time.Duration
}

func (c *Checker) resolver() string {
	if c.Resolver != "" {
		return c.Resolver
	}
	return "8.8.8.8:53"
}

func (c *Checker) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 2 * time.Second
}

func (c *Checker) exchange(ctx context.Context, m *dns.Msg) (*dns.Msg, error) {
	client := &dns.Client{Timeout: c.timeout()}
	resp, _, err := client.ExchangeContext(ctx, m, c.resolver())
	return resp, err
}

// reverseIPv4 turns an IPv4 address into the reversed-octet label DNSBL
// zones and in-addr.arpa PTR queries use, e.g. "1.2.3.4" -> "4.3.2.1".
func reverseIPv4(ip net.IP) (string, error) {
	v4 := ip.To4()
	if v4 == nil {
		return "", fmt.Errorf("dnsbl: %s is not an IPv4 address", ip)
	}
	return fmt.Sprintf("%d.%d.%d.%d", v4[3], v4[2], v4[1], v4[0]), nil
}

// PTR returns the hostnames the given IP's reverse DNS resolves to.
func (c *Checker) PTR(ctx context.Context, ip net.IP) ([]string, error) {
	rev, err := dns.ReverseAddr(ip.String())
	if err != nil {
		return nil, err
	}

	m := new(dns.Msg)
	m.SetQuestion(rev, dns.TypePTR)
	resp, err := c.exchange(ctx, m)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, rr := range resp.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			names = append(names, strings.TrimSuffix(ptr.Ptr, "."))
		}
	}
	return names, nil
}

// FCrDNS performs forward-confirmed reverse DNS: it resolves ip's PTR
// record(s), then confirms that at least one of those names resolves
// forward back to ip. It returns the confirmed name, or "" if none of the
// PTR names forward-confirm.
func (c *Checker) FCrDNS(ctx context.Context, ip net.IP) (string, error) {
	names, err := c.PTR(ctx, ip)
	if err != nil {
		return "", err
	}

	for _, name := range names {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(name), dns.TypeA)
		resp, err := c.exchange(ctx, m)
		if err != nil {
			continue
		}
		for _, rr := range resp.Answer {
			if a, ok := rr.(*dns.A); ok && a.A.Equal(ip) {
				return name, nil
			}
		}
	}
	return "", nil
}

// IsBlocked reports whether ip is listed by any configured DNSBL zone. A
// network error on an individual zone is treated as "not listed" for that
// zone, same as the laitos policy this is grounded on: a DNSBL outage must
// never itself become a reason to reject mail.
func (c *Checker) IsBlocked(ctx context.Context, ip net.IP) (bool, string, error) {
	rev, err := reverseIPv4(ip)
	if err != nil {
		return false, "", err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	for _, zone := range c.Zones {
		name := dns.Fqdn(rev + "." + zone)
		m := new(dns.Msg)
		m.SetQuestion(name, dns.TypeA)
		resp, err := c.exchange(ctx, m)
		if err != nil {
			continue
		}
		if resp.Rcode == dns.RcodeSuccess && len(resp.Answer) > 0 {
			return true, zone, nil
		}
	}
	return false, "", nil
}
