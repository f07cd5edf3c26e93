// Package iprange answers "is this address inside any of these CIDR blocks"
// using a path-compressed prefix trie.
package iprange

import (
	"fmt"
	"net"
	"strings"

	"github.com/libp2p/go-cidranger"
)

// Set is an immutable collection of IPv4 and IPv6 networks.
// It is safe for concurrent use once built.
type Set struct {
	ranger cidranger.Ranger
	cidrs  []string
}

// New builds a Set from CIDR strings. A bare address is taken as a single
// host (/32 or /128). Empty strings are ignored.
func New(cidrs []string) (*Set, error) {
	s := &Set{ranger: cidranger.NewPCTrieRanger()}
	for _, raw := range cidrs {
		c := strings.TrimSpace(raw)
		if c == "" {
			continue
		}
		n, err := parseNet(c)
		if err != nil {
			return nil, err
		}
		if err := s.ranger.Insert(cidranger.NewBasicRangerEntry(*n)); err != nil {
			return nil, fmt.Errorf("insert %q: %w", c, err)
		}
		s.cidrs = append(s.cidrs, n.String())
	}
	return s, nil
}

// MustNew is New for literals known to be valid. It panics on error.
func MustNew(cidrs ...string) *Set {
	s, err := New(cidrs)
	if err != nil {
		panic(err)
	}
	return s
}

func parseNet(c string) (*net.IPNet, error) {
	if strings.Contains(c, "/") {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q", c)
		}
		return n, nil
	}
	ip := net.ParseIP(c)
	if ip == nil {
		return nil, fmt.Errorf("invalid CIDR %q", c)
	}
	if v4 := ip.To4(); v4 != nil {
		return &net.IPNet{IP: v4, Mask: net.CIDRMask(32, 32)}, nil
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(128, 128)}, nil
}

// Contains reports whether ip falls inside any network in the set.
// An unparseable ip is an error, not a miss.
func (s *Set) Contains(ip string) (bool, error) {
	addr := net.ParseIP(strings.TrimSpace(ip))
	if addr == nil {
		return false, fmt.Errorf("invalid IP address %q", ip)
	}
	if s == nil || s.ranger == nil {
		return false, nil
	}
	ok, err := s.ranger.Contains(addr)
	if err != nil {
		return false, fmt.Errorf("lookup %q: %w", ip, err)
	}
	return ok, nil
}

// Len is the number of networks in the set.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.cidrs)
}

// Strings returns the networks in canonical form, in insertion order.
func (s *Set) Strings() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.cidrs))
	copy(out, s.cidrs)
	return out
}
