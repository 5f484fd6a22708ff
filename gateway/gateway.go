// Package gateway is the default LocalAddressProvider / router-candidate
// source: it enumerates this host's local IPv4 addresses and supplies the
// static list of popular default gateway addresses used for blind fan-out.
// It adapts hlandau/portmap's gateway package (which reads the OS routing
// table for the real default gateway, kept below as SystemGatewayIPs) by
// adding the local-address enumeration the Mapping Controller needs for
// longest-prefix matching against several router candidates at once.
package gateway

import (
	"net"

	"github.com/pkg/errors"
)

// DefaultRouterCandidates is the static ordered list of popular default
// gateway addresses used for blind fan-out: entries in a local /24 subnet
// are raced in the first wave with RouterIpCache, the rest in a second wave
// when no first-wave target replies.
func DefaultRouterCandidates() []string {
	// Copy so callers can't mutate the package-level default.
	out := make([]string, len(defaultRouterCandidates))
	copy(out, defaultRouterCandidates)
	return out
}

var defaultRouterCandidates = []string{
	"192.168.0.1",
	"192.168.1.1",
	"192.168.1.254",
	"192.168.2.1",
	"192.168.10.1",
	"192.168.100.1",
	"192.168.11.1",
	"192.168.123.254",
	"192.168.254.254",
	"10.0.0.1",
	"10.0.0.138",
	"10.0.1.1",
	"10.1.1.1",
	"10.1.10.1",
	"172.16.0.1",
	"172.16.1.1",
	"192.168.1.101",
	"192.168.0.254",
	"192.168.15.1",
	"192.168.8.1",
}

// PrivateIPs enumerates this host's local IPv4 addresses, in the order
// reported by the OS, skipping loopback and link-local addresses. It
// corresponds to the spec's get_private_ips operation and stands in for
// ICE-candidate harvesting: on Go, interface enumeration is synchronous, so
// no async collection window is needed.
func PrivateIPs() ([]string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, errors.Wrap(err, "gateway: enumerating local addresses failed")
	}

	var out []string
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip4 := ipNet.IP.To4()
		if ip4 == nil || ip4.IsLoopback() || ip4.IsLinkLocalUnicast() {
			continue
		}
		out = append(out, ip4.String())
	}

	if len(out) == 0 {
		return nil, errors.New("gateway: getPrivateIps failed: no usable local IPv4 address found")
	}

	return out, nil
}

// SystemGatewayIPs returns the default gateway addresses the OS routing
// table reports for this host. It is not part of the add_mapping wave
// strategy (which is specified purely in terms of RouterIpCache and the
// static candidate list) since seeding RouterIpCache with an unconfirmed
// address would violate the "every cached IP has previously replied"
// invariant; it is exposed for diagnostic use (see cmd/natreachctl's
// "probe --show-gateway" flag).
func SystemGatewayIPs() ([]net.IP, error) {
	return getGatewayAddrs()
}
