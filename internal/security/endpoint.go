package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

// ErrEndpointBlocked is returned for URLs that point into private address space.
var ErrEndpointBlocked = errors.New("endpoint not allowed")

var blockedHosts = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
	"metadata.google":          true,
}

// Carrier-grade NAT is not covered by netip's IsPrivate.
var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

// EndpointPolicy decides which webhook destinations the service may call.
type EndpointPolicy struct {
	// RequireHTTPS rejects plain http URLs.
	RequireHTTPS bool
	// Resolver looks up host names. nil uses net.DefaultResolver.
	Resolver *net.Resolver
	// LookupTimeout bounds DNS resolution.
	LookupTimeout time.Duration
}

// Check rejects URLs with an unsupported scheme or whose host is, or
// resolves to, a loopback, private, link-local or unspecified address.
func (p EndpointPolicy) Check(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format")
	}
	switch {
	case u.Scheme == "https":
	case u.Scheme == "http" && !p.RequireHTTPS:
	default:
		return fmt.Errorf("URL scheme %q is not allowed", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("URL must have a host")
	}
	if blockedHosts[strings.ToLower(host)] {
		return fmt.Errorf("%w: host %q", ErrEndpointBlocked, host)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(addr)
	}

	resolver := p.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	timeout := p.LookupTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	lctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addrs, err := resolver.LookupNetIP(lctx, "ip", host)
	if err != nil {
		return fmt.Errorf("cannot resolve URL host: %s", host)
	}
	for _, addr := range addrs {
		if err := checkAddr(addr); err != nil {
			return fmt.Errorf("host %q resolves to %s: %w", host, addr, err)
		}
	}
	return nil
}

// ValidateEndpointURL checks rawURL with the default policy (http allowed).
func ValidateEndpointURL(rawURL string) error {
	return EndpointPolicy{}.Check(context.Background(), rawURL)
}

func checkAddr(addr netip.Addr) error {
	addr = addr.Unmap()
	switch {
	case addr.IsLoopback():
		return fmt.Errorf("%w: loopback address", ErrEndpointBlocked)
	case addr.IsPrivate(), sharedAddressSpace.Contains(addr):
		return fmt.Errorf("%w: private address", ErrEndpointBlocked)
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local address", ErrEndpointBlocked)
	case addr.IsUnspecified():
		return fmt.Errorf("%w: unspecified address", ErrEndpointBlocked)
	}
	return nil
}
