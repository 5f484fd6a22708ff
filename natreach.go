// Package natreach establishes and maintains inbound port mappings on
// consumer NATs, negotiating with the on-link gateway over NAT-PMP, PCP, or
// UPnP IGD:WANIPConnection and presenting all three behind one mapping
// lifecycle (add, refresh, delete, enumerate, probe).
//
// Call New to obtain a Controller, then use its AddMapping/DeleteMapping/
// ProbeProtocolSupport methods. See cmd/natreachctl for a worked example.
package natreach

import (
	"net"
	"strconv"
	"time"

	"github.com/hlandau/natreach/wire"
	"github.com/hlandau/xlog"
)

var log, Log = xlog.NewQuiet("natreach")

// Protocol identifies which of the three supported negotiation protocols
// produced (or should be used to delete) a Mapping.
type Protocol int

const (
	NatPmp Protocol = iota
	Pcp
	Upnp
)

func (p Protocol) String() string {
	switch p {
	case NatPmp:
		return "nat-pmp"
	case Pcp:
		return "pcp"
	case Upnp:
		return "upnp"
	default:
		return "unknown"
	}
}

// FailedExternalPort is the sentinel external port value denoting a failed
// mapping attempt. A Mapping with this ExternalPort is never present in
// ActiveMappings.
const FailedExternalPort = -1

// Probe ports: fixed, non-overlapping ports used only during
// ProbeProtocolSupport so the three protocols' probe traffic can never
// collide with each other or with a real mapping attempt.
const (
	ProbePortNATPMP = 55555
	ProbePortPCP    = 55556
	ProbePortUPnP   = 55557
)

// Mapping describes one active (or failed) port mapping.
type Mapping struct {
	InternalIP   string // set after success; may be absent on NAT-PMP failure.
	InternalPort uint16

	// ExternalIP is set only for PCP; other protocols leave it empty.
	ExternalIP string

	// ExternalPort is FailedExternalPort (-1) to denote failure. A failed
	// Mapping is never present in ActiveMappings.
	ExternalPort int

	RequestedLifetime time.Duration
	ActualLifetime    time.Duration

	Protocol Protocol

	// Nonce is present iff Protocol == Pcp.
	Nonce *wire.PCPNonce

	// ControlURL is UPnP-only: the router control endpoint used to create
	// this mapping, retained so deletion can reuse it without rediscovery.
	ControlURL string

	// ErrInfo carries a human-readable description of the last failure, if
	// any. Always empty on a successful Mapping.
	ErrInfo string

	// routerIP is the NAT-PMP/PCP gateway this mapping was negotiated with;
	// an internal detail not named in the public data model, needed so
	// Delete can address the same gateway. Empty for UPnP mappings, which
	// use ControlURL instead.
	routerIP string

	// refreshTimer is the armed one-shot refresh/expiry timer, if any.
	refreshTimer *time.Timer
}

// Failed reports whether this Mapping represents a failed attempt.
func (m *Mapping) Failed() bool {
	return m == nil || m.ExternalPort == FailedExternalPort
}

// HostPort returns "ip:port" for an active mapping with a known external
// address, ":port" if only the port is known, or "" if the mapping isn't
// active. This mirrors hlandau/portmap's Mapping.ExternalAddr() convenience
// accessor.
func (m *Mapping) HostPort() string {
	if m.Failed() {
		return ""
	}
	ip := m.ExternalIP
	return net.JoinHostPort(ip, strconv.Itoa(m.ExternalPort))
}

// ProtocolSupportCache records which protocols are known (by a previous
// ProbeProtocolSupport call) to be supported. The three support flags are
// nil and UpnpControlURL is empty until probed.
type ProtocolSupportCache struct {
	NatPmp         *bool
	Pcp            *bool
	Upnp           *bool
	UpnpControlURL string
}

// ProbeResult is the summarized outcome of ProbeProtocolSupport.
type ProbeResult struct {
	NatPmp bool
	Pcp    bool
	Upnp   bool
}
