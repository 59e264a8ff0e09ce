// Package resolve turns configured "host:port" strings into concrete socket
// addresses. Resolution happens once at startup; failures are fatal to the
// caller and nothing is re-resolved at runtime.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
)

// ErrNoAddresses is returned when nothing usable is left after resolution
// and family filtering.
var ErrNoAddresses = errors.New("no addresses")

// Options controls resolution.
type Options struct {
	// IPv4Only keeps only IPv4 results.
	IPv4Only bool

	// IPv6Only keeps only IPv6 results.
	IPv6Only bool

	// Servers are DNS servers ("host:port") tried in order.
	// Empty means the system resolver.
	Servers []string

	// Timeout bounds each lookup.
	Timeout time.Duration
}

// DefaultTimeout is used when Options.Timeout is zero.
const DefaultTimeout = 5 * time.Second

// Resolver resolves addresses according to Options.
type Resolver struct {
	opts   Options
	client *dns.Client
}

// New creates a resolver.
func New(opts Options) (*Resolver, error) {
	if opts.IPv4Only && opts.IPv6Only {
		return nil, errors.New("ipv4_only and ipv6_only are mutually exclusive")
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}

	return &Resolver{
		opts:   opts,
		client: &dns.Client{Net: "udp", Timeout: opts.Timeout},
	}, nil
}

// Resolve resolves every address in addrs. Each entry must resolve; the
// combined result is de-duplicated and filtered by family.
func (r *Resolver) Resolve(ctx context.Context, addrs []string) ([]netip.AddrPort, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolve: %w: address list is empty", ErrNoAddresses)
	}

	var all []netip.AddrPort
	for _, addr := range addrs {
		resolved, err := r.lookup(ctx, addr)
		if err != nil {
			return nil, err
		}
		all = append(all, resolved...)
	}

	out := r.filter(dedupe(all))
	if len(out) == 0 {
		return nil, fmt.Errorf("resolve %v: %w matching %s", addrs, ErrNoAddresses, r.familyName())
	}
	return out, nil
}

// ResolveOne resolves a single address to exactly one target. When no
// family filter is set, an IPv4 result is preferred.
func (r *Resolver) ResolveOne(ctx context.Context, addr string) (netip.AddrPort, error) {
	all, err := r.Resolve(ctx, []string{addr})
	if err != nil {
		return netip.AddrPort{}, err
	}

	for _, ap := range all {
		if ap.Addr().Is4() {
			return ap, nil
		}
	}
	return all[0], nil
}

func (r *Resolver) lookup(ctx context.Context, addr string) ([]netip.AddrPort, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	port, err := net.DefaultResolver.LookupPort(ctx, "udp", portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in %q: %w", addr, err)
	}

	if host == "" {
		return []netip.AddrPort{
			netip.AddrPortFrom(netip.IPv4Unspecified(), uint16(port)),
			netip.AddrPortFrom(netip.IPv6Unspecified(), uint16(port)),
		}, nil
	}

	if ip, err := netip.ParseAddr(host); err == nil {
		return []netip.AddrPort{netip.AddrPortFrom(ip.Unmap(), uint16(port))}, nil
	}

	ips, err := r.lookupHost(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve %q: %w", addr, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("cannot resolve %q: %w", addr, ErrNoAddresses)
	}

	out := make([]netip.AddrPort, 0, len(ips))
	for _, ip := range ips {
		out = append(out, netip.AddrPortFrom(ip.Unmap(), uint16(port)))
	}
	return out, nil
}

func (r *Resolver) lookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	if len(r.opts.Servers) == 0 {
		return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	}

	var out []netip.Addr
	for _, qtype := range r.queryTypes() {
		addrs, err := r.query(ctx, host, qtype)
		if err != nil {
			return nil, err
		}
		out = append(out, addrs...)
	}
	return out, nil
}

// queryTypes skips the record type a family filter would discard anyway.
func (r *Resolver) queryTypes() []uint16 {
	switch {
	case r.opts.IPv4Only:
		return []uint16{dns.TypeA}
	case r.opts.IPv6Only:
		return []uint16{dns.TypeAAAA}
	default:
		return []uint16{dns.TypeA, dns.TypeAAAA}
	}
}

// query asks the configured servers in order. The first server that answers
// with NOERROR or NXDOMAIN decides the result; transport errors and other
// response codes move on to the next server.
func (r *Resolver) query(ctx context.Context, host string, qtype uint16) ([]netip.Addr, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)

	var lastErr error
	for _, server := range r.opts.Servers {
		resp, _, err := r.client.ExchangeContext(ctx, msg, server)
		if err == nil && resp.Truncated {
			tcp := *r.client
			tcp.Net = "tcp"
			resp, _, err = tcp.ExchangeContext(ctx, msg, server)
		}
		if err != nil {
			lastErr = fmt.Errorf("query %s: %w", server, err)
			continue
		}

		switch resp.Rcode {
		case dns.RcodeSuccess:
			return answerAddrs(resp), nil
		case dns.RcodeNameError:
			return nil, nil
		default:
			lastErr = fmt.Errorf("query %s: %s", server, dns.RcodeToString[resp.Rcode])
		}
	}
	return nil, lastErr
}

func answerAddrs(resp *dns.Msg) []netip.Addr {
	var out []netip.Addr
	for _, rr := range resp.Answer {
		var ip net.IP
		switch v := rr.(type) {
		case *dns.A:
			ip = v.A
		case *dns.AAAA:
			ip = v.AAAA
		default:
			continue
		}
		if addr, ok := netip.AddrFromSlice(ip); ok {
			out = append(out, addr.Unmap())
		}
	}
	return out
}

func (r *Resolver) filter(in []netip.AddrPort) []netip.AddrPort {
	if !r.opts.IPv4Only && !r.opts.IPv6Only {
		return in
	}

	out := in[:0]
	for _, ap := range in {
		if r.opts.IPv4Only && ap.Addr().Is4() || r.opts.IPv6Only && ap.Addr().Is6() {
			out = append(out, ap)
		}
	}
	return out
}

func (r *Resolver) familyName() string {
	switch {
	case r.opts.IPv4Only:
		return "ipv4_only"
	case r.opts.IPv6Only:
		return "ipv6_only"
	default:
		return "any family"
	}
}

func dedupe(in []netip.AddrPort) []netip.AddrPort {
	seen := make(map[netip.AddrPort]struct{}, len(in))
	out := make([]netip.AddrPort, 0, len(in))
	for _, ap := range in {
		if _, ok := seen[ap]; ok {
			continue
		}
		seen[ap] = struct{}{}
		out = append(out, ap)
	}
	return out
}
