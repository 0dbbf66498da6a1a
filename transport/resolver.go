package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// ErrNoAddresses indicates a name resolved to nothing usable.
var ErrNoAddresses = errors.New("no addresses for host")

// SystemResolver resolves names with the operating system resolver.
type SystemResolver struct {
	Resolver *net.Resolver
}

// LookupHost returns the addresses of host. A literal IP is returned as is.
func (r SystemResolver) LookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{ip.Unmap()}, nil
	}
	res := r.Resolver
	if res == nil {
		res = net.DefaultResolver
	}
	addrs, err := res.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoAddresses, host)
	}
	for i := range addrs {
		addrs[i] = addrs[i].Unmap()
	}
	return addrs, nil
}

// DNSResolver queries one DNS server directly for A and AAAA records.
type DNSResolver struct {
	server string
	client *dns.Client
}

// NewDNSResolver creates a resolver for server ("host:port"; port 53 is
// assumed when missing).
func NewDNSResolver(server string, timeout time.Duration) *DNSResolver {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &DNSResolver{
		server: server,
		client: &dns.Client{Net: "udp", Timeout: timeout},
	}
}

// LookupHost returns the A records of host followed by its AAAA records.
func (r *DNSResolver) LookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{ip.Unmap()}, nil
	}

	var (
		addrs   []netip.Addr
		lastErr error
	)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		found, err := r.query(ctx, host, qtype)
		if err != nil {
			lastErr = err
			continue
		}
		addrs = append(addrs, found...)
	}

	if len(addrs) == 0 {
		if lastErr != nil {
			return nil, fmt.Errorf("resolve %q: %w", host, lastErr)
		}
		return nil, fmt.Errorf("%w: %s", ErrNoAddresses, host)
	}
	return addrs, nil
}

func (r *DNSResolver) query(ctx context.Context, host string, qtype uint16) ([]netip.Addr, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)
	msg.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, msg, r.server)
	if err != nil {
		return nil, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		logrus.WithFields(logrus.Fields{
			"function": "DNSResolver.query",
			"host":     host,
			"qtype":    dns.TypeToString[qtype],
			"rcode":    dns.RcodeToString[resp.Rcode],
		}).Debug("DNS query unsuccessful")
		return nil, fmt.Errorf("dns %s: %s", dns.TypeToString[qtype], dns.RcodeToString[resp.Rcode])
	}

	var addrs []netip.Addr
	for _, rr := range resp.Answer {
		var ip net.IP
		switch rec := rr.(type) {
		case *dns.A:
			ip = rec.A
		case *dns.AAAA:
			ip = rec.AAAA
		default:
			continue
		}
		if addr, ok := netip.AddrFromSlice(ip); ok {
			addrs = append(addrs, addr.Unmap())
		}
	}
	return addrs, nil
}
