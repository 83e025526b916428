package auth

import (
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/gobwas/glob"
)

// IPMatcher is a compiled IP allow-list. Patterns are exact addresses,
// CIDR prefixes or dotted wildcards such as "10.0.*.*". An empty matcher
// allows every address.
type IPMatcher struct {
	exact    map[netip.Addr]struct{}
	prefixes []netip.Prefix
	globs    []glob.Glob
	any      bool
	size     int
}

// CompileIPPatterns parses an allow-list. Blank patterns are ignored.
func CompileIPPatterns(patterns []string) (*IPMatcher, error) {
	m := &IPMatcher{exact: make(map[netip.Addr]struct{})}
	for _, raw := range patterns {
		p := strings.TrimSpace(raw)
		if p == "" {
			continue
		}
		m.size++
		switch {
		case p == "*":
			m.any = true
		case strings.Contains(p, "/"):
			prefix, err := netip.ParsePrefix(p)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR %q: %w", p, err)
			}
			m.prefixes = append(m.prefixes, prefix.Masked())
		case strings.ContainsAny(p, "*?"):
			g, err := glob.Compile(p, '.')
			if err != nil {
				return nil, fmt.Errorf("invalid wildcard %q: %w", p, err)
			}
			m.globs = append(m.globs, g)
		default:
			addr, err := netip.ParseAddr(p)
			if err != nil {
				return nil, fmt.Errorf("invalid IP %q: %w", p, err)
			}
			m.exact[addr.Unmap()] = struct{}{}
		}
	}
	return m, nil
}

// Empty reports whether the matcher has no patterns.
func (m *IPMatcher) Empty() bool { return m == nil || m.size == 0 }

// Allowed reports whether ip (optionally with a port) matches the list.
func (m *IPMatcher) Allowed(ip string) bool {
	if m.Empty() || m.any {
		return true
	}
	addr, ok := parseClientAddr(ip)
	if !ok {
		return false
	}
	if _, hit := m.exact[addr]; hit {
		return true
	}
	for _, p := range m.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	s := addr.String()
	for _, g := range m.globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}

// IsIPAllowed compiles patterns and checks ip against them. Invalid
// patterns never match.
func IsIPAllowed(ip string, patterns []string) bool {
	var valid []string
	for _, p := range patterns {
		if _, err := CompileIPPatterns([]string{p}); err == nil {
			valid = append(valid, p)
		}
	}
	if len(valid) == 0 && len(patterns) > 0 {
		return false
	}
	m, _ := CompileIPPatterns(valid)
	return m.Allowed(ip)
}

// NormalizeIP strips a port and brackets and unmaps IPv4-mapped IPv6
// addresses. Unparseable input is returned trimmed.
func NormalizeIP(raw string) string {
	if addr, ok := parseClientAddr(raw); ok {
		return addr.String()
	}
	return strings.TrimSpace(raw)
}

func parseClientAddr(raw string) (netip.Addr, bool) {
	s := strings.TrimSpace(raw)
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap().WithZone(""), true
}
