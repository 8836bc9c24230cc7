package security

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// lookupHost is swapped in tests.
var lookupHost = net.DefaultResolver.LookupHost

// carrierNAT is the shared address space mobile carriers put subscribers in.
var carrierNAT = netip.MustParsePrefix("100.64.0.0/10")

// EndpointPolicy tunes ValidateEndpointURL.
type EndpointPolicy struct {
	// RequireHTTPS rejects plain http, used for the payment gateway in production
	RequireHTTPS bool
}

// ValidateEndpointURL checks that a URL escrowd will call server-side points
// at a public host. Private, loopback, link-local, carrier-NAT and
// unspecified addresses are refused, both as literals and after DNS
// resolution.
func ValidateEndpointURL(ctx context.Context, rawURL string, policy EndpointPolicy) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format")
	}

	switch {
	case u.Scheme == "https":
	case u.Scheme == "http" && !policy.RequireHTTPS:
	case u.Scheme == "http":
		return fmt.Errorf("URL scheme must be https")
	default:
		return fmt.Errorf("URL scheme must be http or https")
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("URL must have a host")
	}

	for _, b := range []string{"localhost", "metadata.google.internal", "metadata.google"} {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("URL host %q is not allowed", host)
		}
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(addr)
	}

	addrs, err := lookupHost(ctx, host)
	if err != nil {
		return fmt.Errorf("cannot resolve URL host: %s", host)
	}
	for _, a := range addrs {
		addr, err := netip.ParseAddr(a)
		if err != nil {
			continue
		}
		if err := checkAddr(addr); err != nil {
			return fmt.Errorf("URL host %q resolves to blocked address: %v", host, err)
		}
	}
	return nil
}

func checkAddr(addr netip.Addr) error {
	addr = addr.Unmap()
	switch {
	case addr.IsLoopback():
		return fmt.Errorf("loopback addresses are not allowed")
	case addr.IsPrivate():
		return fmt.Errorf("private addresses are not allowed")
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return fmt.Errorf("link-local addresses are not allowed")
	case addr.IsUnspecified():
		return fmt.Errorf("unspecified addresses are not allowed")
	case carrierNAT.Contains(addr):
		return fmt.Errorf("carrier-grade NAT addresses are not allowed")
	}
	return nil
}
