package sshmanager

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/gluk-w/sshterm/internal/logutil"
)

// ErrDestinationBlocked is wrapped by CheckDestinationAllowed refusals.
var ErrDestinationBlocked = errors.New("destination blocked")

// ParseAllowedIPs parses a comma-separated list of IPs and CIDR ranges.
// Single IPs become /32 or /128 networks. Empty input returns nil, which
// allows every destination.
func ParseAllowedIPs(allowList string) ([]*net.IPNet, error) {
	allowList = strings.TrimSpace(allowList)
	if allowList == "" {
		return nil, nil
	}

	var networks []*net.IPNet
	for _, part := range strings.Split(allowList, ",") {
		entry := strings.TrimSpace(part)
		if entry == "" {
			continue
		}

		if strings.Contains(entry, "/") {
			_, network, err := net.ParseCIDR(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR %q: %w", entry, err)
			}
			networks = append(networks, network)
			continue
		}

		ip := net.ParseIP(entry)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP address %q", entry)
		}
		mask := net.CIDRMask(128, 128)
		if ip.To4() != nil {
			mask = net.CIDRMask(32, 32)
		}
		networks = append(networks, &net.IPNet{IP: ip.Mask(mask), Mask: mask})
	}
	return networks, nil
}

// CheckDestinationAllowed reports an error unless the resolved remote
// address falls inside one of networks. An empty list allows everything.
func CheckDestinationAllowed(addr net.Addr, networks []*net.IPNet) error {
	if len(networks) == 0 {
		return nil
	}

	var ip net.IP
	switch a := addr.(type) {
	case *net.TCPAddr:
		ip = a.IP
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			host = addr.String()
		}
		ip = net.ParseIP(host)
	}
	if ip == nil {
		return fmt.Errorf("%w: could not parse address %q", ErrDestinationBlocked, logutil.SanitizeForLog(addr.String()))
	}

	for _, network := range networks {
		if network.Contains(ip) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s is not in the allowed list", ErrDestinationBlocked, ip)
}

// NormalizeAllowList validates a comma-separated IP/CIDR list and returns
// it in canonical form.
func NormalizeAllowList(allowList string) (string, error) {
	networks, err := ParseAllowedIPs(allowList)
	if err != nil {
		return "", err
	}
	normalized := make([]string, 0, len(networks))
	for _, n := range networks {
		ones, bits := n.Mask.Size()
		if ones == bits {
			normalized = append(normalized, n.IP.String())
			continue
		}
		normalized = append(normalized, n.String())
	}
	return strings.Join(normalized, ", "), nil
}
