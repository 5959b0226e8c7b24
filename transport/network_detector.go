package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LinkClassifier decides whether a remote address is on the local network
// and whether it is one of this host's own interfaces.
type LinkClassifier struct {
	lanNets []*net.IPNet

	interfaceAddrs func() ([]net.Addr, error)
	cacheTTL       time.Duration

	mu        sync.Mutex
	localIPs  []net.IP
	refreshed time.Time
}

// NewLinkClassifier creates a classifier. lanCIDRs lists additional networks
// that count as LAN besides private, loopback and link-local ranges.
func NewLinkClassifier(lanCIDRs []string) (*LinkClassifier, error) {
	c := &LinkClassifier{
		interfaceAddrs: net.InterfaceAddrs,
		cacheTTL:       time.Minute,
	}
	for _, cidr := range lanCIDRs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("parse LAN network %q: %w", cidr, err)
		}
		c.lanNets = append(c.lanNets, ipNet)
	}
	return c, nil
}

// IsOnLAN reports whether addr is in private address space or in one of the
// configured LAN networks.
func (c *LinkClassifier) IsOnLAN(addr net.Addr) bool {
	ip := hostIP(addr)
	if ip == nil {
		return false
	}
	if isPrivateIP(ip) {
		return true
	}
	for _, n := range c.lanNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// IsLocalInterface reports whether addr belongs to one of this host's
// network interfaces.
func (c *LinkClassifier) IsLocalInterface(addr net.Addr) bool {
	ip := hostIP(addr)
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return true
	}
	for _, local := range c.localAddresses() {
		if local.Equal(ip) {
			return true
		}
	}
	return false
}

func (c *LinkClassifier) localAddresses() []net.IP {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.localIPs != nil && time.Since(c.refreshed) < c.cacheTTL {
		return c.localIPs
	}

	addrs, err := c.interfaceAddrs()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "LinkClassifier.localAddresses",
			"error":    err.Error(),
		}).Warn("Failed to list interface addresses")
		return c.localIPs
	}

	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		if ip := hostIP(a); ip != nil {
			ips = append(ips, ip)
		}
	}
	c.localIPs = ips
	c.refreshed = time.Now()
	return ips
}

// hostIP extracts the IP of an address, or nil for non-IP addresses.
func hostIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case nil:
		return nil
	case *net.TCPAddr:
		return a.IP
	case *net.UDPAddr:
		return a.IP
	case *net.IPAddr:
		return a.IP
	case *net.IPNet:
		return a.IP
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	return net.ParseIP(host)
}

// isPrivateIP checks if an IP address is in private address space
func isPrivateIP(ip net.IP) bool {
	if ip == nil {
		return false
	}

	// Check for IPv4 private ranges (RFC 1918)
	if ip4 := ip.To4(); ip4 != nil {
		return ip4[0] == 10 ||
			(ip4[0] == 172 && ip4[1] >= 16 && ip4[1] <= 31) ||
			(ip4[0] == 192 && ip4[1] == 168) ||
			(ip4[0] == 169 && ip4[1] == 254) ||
			ip4[0] == 127 // Include localhost as private
	}

	// IPv6 unique local, loopback and link-local ranges
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}
