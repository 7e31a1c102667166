package sender

import (
	"fmt"
	"net"
	"net/url"
)

// Guard classifies outbound destinations and refuses loopback, private,
// link-local and cloud-metadata addresses unless AllowPrivate is set.
// Hostnames are resolved first so a DNS name pointing at an internal
// address is caught the same as a literal IP.
type Guard struct {
	AllowPrivate bool

	// lookup is swappable for tests; defaults to net.LookupIP.
	lookup func(host string) ([]net.IP, error)
}

func NewGuard(allowPrivate bool) *Guard {
	return &Guard{AllowPrivate: allowPrivate, lookup: net.LookupIP}
}

// CheckURL validates the host of an http(s) URL.
func (g *Guard) CheckURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("guard: invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("guard: scheme %q not allowed", u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("guard: url %q has no host", raw)
	}
	return g.CheckHost(u.Hostname())
}

// CheckHost validates a bare hostname or IP literal.
func (g *Guard) CheckHost(host string) error {
	if g.AllowPrivate {
		return nil
	}

	ips := []net.IP{}
	if ip := net.ParseIP(host); ip != nil {
		ips = append(ips, ip)
	} else {
		resolved, err := g.lookup(host)
		if err != nil {
			return fmt.Errorf("guard: cannot resolve %q: %w", host, err)
		}
		ips = resolved
	}

	for _, ip := range ips {
		if reason := classify(ip); reason != "" {
			return fmt.Errorf("guard: destination %s (%s) is %s", host, ip, reason)
		}
	}
	return nil
}

// classify returns a non-empty reason when the address must be refused.
func classify(ip net.IP) string {
	switch {
	case ip.IsLoopback():
		return "loopback"
	case ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast():
		// Covers 169.254.0.0/16 including the cloud metadata endpoint.
		return "link-local"
	case ip.IsPrivate():
		return "private"
	case ip.IsUnspecified():
		return "unspecified"
	case metadataV6.Contains(ip):
		return "cloud-metadata"
	}
	return ""
}

// fd00:ec2::254 and friends; the IPv4 metadata address 169.254.169.254 is
// already covered by the link-local check.
var metadataV6 = func() *net.IPNet {
	_, n, _ := net.ParseCIDR("fd00:ec2::/32")
	return n
}()
