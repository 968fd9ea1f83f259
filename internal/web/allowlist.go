package web

import (
	"fmt"
	"net/netip"
	"strings"
)

// CIDRAllowlist restricts the dashboard to a set of networks.
type CIDRAllowlist struct {
	prefixes []netip.Prefix
}

// ParseCIDRAllowlist accepts CIDRs, bare addresses and "localhost". No
// entries yields a nil allowlist, which allows every host.
func ParseCIDRAllowlist(entries []string) (*CIDRAllowlist, error) {
	prefixes := make([]netip.Prefix, 0, len(entries))
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if strings.EqualFold(entry, "localhost") {
			prefixes = append(prefixes, netip.MustParsePrefix("127.0.0.1/32"), netip.MustParsePrefix("::1/128"))
			continue
		}
		prefix, err := parsePrefix(entry)
		if err != nil {
			return nil, err
		}
		prefixes = append(prefixes, prefix)
	}
	if len(prefixes) == 0 {
		return nil, nil
	}
	return &CIDRAllowlist{prefixes: prefixes}, nil
}

func (a *CIDRAllowlist) Allows(host string) bool {
	if a == nil {
		return true
	}
	host = strings.TrimSpace(host)
	if trimmed, _, ok := strings.Cut(host, "%"); ok {
		host = trimmed
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range a.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func parsePrefix(entry string) (netip.Prefix, error) {
	if strings.Contains(entry, "/") {
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid dashboard allowlist prefix %q", entry)
		}
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid dashboard allowlist address %q", entry)
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}
