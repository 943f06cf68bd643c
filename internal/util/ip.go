package util

import (
	"net"
	"strings"
)

// IPVerifier checks remote addresses against a whitelist of exact
// addresses, CIDR blocks and dotted wildcards such as 192.168.*.*
type IPVerifier struct {
	allowAll bool
	exact    map[string]bool
	networks []*net.IPNet
	patterns [][]string
}

// NewIPVerifier creates a verifier; "*" anywhere in whitelist allows every
// address. Entries that parse as nothing are ignored.
func NewIPVerifier(whitelist []string) *IPVerifier {
	v := &IPVerifier{exact: make(map[string]bool)}
	for _, entry := range whitelist {
		entry = strings.TrimSpace(entry)
		switch {
		case entry == "":
		case entry == "*":
			v.allowAll = true
		case strings.Contains(entry, "/"):
			if _, network, err := net.ParseCIDR(entry); err == nil {
				v.networks = append(v.networks, network)
			}
		case strings.Contains(entry, "*"):
			v.patterns = append(v.patterns, strings.Split(entry, "."))
		default:
			v.exact[normalizeIP(entry)] = true
		}
	}
	return v
}

// IsAllowed reports whether remoteAddr, with or without a port, is
// whitelisted
func (v *IPVerifier) IsAllowed(remoteAddr string) bool {
	if v.allowAll {
		return true
	}

	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	host = normalizeIP(host)
	if v.exact[host] {
		return true
	}

	ip := net.ParseIP(host)
	for _, network := range v.networks {
		if ip != nil && network.Contains(ip) {
			return true
		}
	}

	parts := strings.Split(host, ".")
	for _, pattern := range v.patterns {
		if matchesWildcard(parts, pattern) {
			return true
		}
	}
	return false
}

// normalizeIP maps IPv4-in-IPv6 addresses to their IPv4 form
func normalizeIP(address string) string {
	ip := net.ParseIP(address)
	if ip == nil {
		return address
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}

func matchesWildcard(parts, pattern []string) bool {
	if len(parts) != len(pattern) {
		return false
	}
	for i := range parts {
		if pattern[i] != "*" && pattern[i] != parts[i] {
			return false
		}
	}
	return true
}
