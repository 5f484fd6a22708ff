// Package addrutil implements the pure IPv4 address arithmetic shared by the
// NAT-PMP, PCP, and UPnP engines: longest-prefix matching between a local
// interface address and a candidate gateway, and simple order-preserving set
// operations over router candidate lists.
package addrutil

import (
	"encoding/binary"
	"net"
)

func toUint32(ip net.IP) (uint32, bool) {
	v4 := ip.To4()
	if v4 == nil {
		return 0, false
	}
	return binary.BigEndian.Uint32(v4), true
}

func commonPrefixLen(a, b uint32) int {
	x := a ^ b
	n := 0
	for i := 31; i >= 0; i-- {
		if x&(1<<uint(i)) != 0 {
			break
		}
		n++
	}
	return n
}

// LongestPrefixMatch returns the candidate IPv4 address (as a string) that
// shares the most leading bits with target. Ties break by earliest index in
// candidates. Non-IPv4 or unparsable candidates are skipped. If no candidate
// parses, ok is false.
func LongestPrefixMatch(candidates []string, target string) (chosen string, ok bool) {
	tgt := net.ParseIP(target)
	tv, tok := toUint32(tgt)
	if !tok {
		return "", false
	}

	bestLen := -1
	for _, c := range candidates {
		cip := net.ParseIP(c)
		cv, cok := toUint32(cip)
		if !cok {
			continue
		}

		l := commonPrefixLen(cv, tv)
		if l > bestLen {
			bestLen = l
			chosen = c
			ok = true
		}
	}
	return chosen, ok
}

// FilterRouterCandidates returns the subset of candidates whose /24 subnet
// matches any of localIPs.
func FilterRouterCandidates(candidates []string, localIPs []string) []string {
	var localV4 []uint32
	for _, l := range localIPs {
		if v, ok := toUint32(net.ParseIP(l)); ok {
			localV4 = append(localV4, v)
		}
	}

	var out []string
	for _, c := range candidates {
		cv, ok := toUint32(net.ParseIP(c))
		if !ok {
			continue
		}
		for _, lv := range localV4 {
			if cv>>8 == lv>>8 {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// Union returns the order-preserving union of a and b: every element of a,
// followed by elements of b not already present, with no duplicates.
func Union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// Difference returns the elements of a that do not appear in b, preserving
// a's order.
func Difference(a, b []string) []string {
	exclude := make(map[string]bool, len(b))
	for _, s := range b {
		exclude[s] = true
	}

	out := make([]string, 0, len(a))
	for _, s := range a {
		if !exclude[s] {
			out = append(out, s)
		}
	}
	return out
}
