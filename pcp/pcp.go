// Package pcp implements the PCP (RFC 6887) wire engine: MAP request
// construction with a per-target client address and replay-binding nonce,
// wave-based racing across candidate gateways, and response parsing.
package pcp

import (
	"context"
	"encoding/binary"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/hlandau/natreach/addrutil"
	"github.com/hlandau/natreach/race"
	"github.com/hlandau/natreach/transport"
	"github.com/hlandau/natreach/wire"
	"github.com/pkg/errors"
)

// GatewayPort is the UDP port PCP gateways listen on (shared with NAT-PMP).
const GatewayPort = 5351

// PerAttemptTimeout bounds a single wave's race, per spec.md §4.6.
const PerAttemptTimeout = 2 * time.Second

// resultSuccess and resultNoResources are the PCP result codes this engine
// treats specially: 0 always means success, and 8 (NO_RESOURCES) on a
// delete means the mapping is already gone, which this engine treats as a
// successful deletion.
const (
	resultSuccess     = 0
	resultNoResources = 8
)

// AddResult is the outcome of a successful Add.
type AddResult struct {
	RouterIP       string
	ExternalIP     string
	ExternalPort   uint16
	ActualLifetime time.Duration
	Nonce          wire.PCPNonce
}

// NewNonce generates a fresh 96-bit mapping nonce, sourcing the randomness
// from a UUID the way this corpus's dynport-server PCP implementation
// reaches for github.com/google/uuid for opaque protocol identifiers.
func NewNonce() wire.PCPNonce {
	u := uuid.New()
	b := u[:12]
	return wire.PCPNonce{
		binary.BigEndian.Uint32(b[0:4]),
		binary.BigEndian.Uint32(b[4:8]),
		binary.BigEndian.Uint32(b[8:12]),
	}
}

// Add negotiates a PCP MAP. The wave strategy mirrors natpmp.Add, but the
// client address encoded in each attempt's request is computed per-target
// via longest-prefix match against that specific router, since PCP gateways
// verify the claimed client address against the UDP source address.
func Add(ctx context.Context, t transport.Transport, routerIPCache, localIPs, defaultCandidates []string, internalPort, externalPort uint16, lifetime time.Duration) (AddResult, error) {
	nonce := NewNonce()

	firstWave := addrutil.Union(routerIPCache, addrutil.FilterRouterCandidates(defaultCandidates, localIPs))
	if res, ok := raceWave(ctx, t, firstWave, localIPs, internalPort, externalPort, lifetime, nonce, false); ok {
		return res, nil
	}

	secondWave := addrutil.Difference(defaultCandidates, firstWave)
	if res, ok := raceWave(ctx, t, secondWave, localIPs, internalPort, externalPort, lifetime, nonce, false); ok {
		return res, nil
	}

	return AddResult{}, errors.New("pcp: no gateway responded to MAP request")
}

// Delete tears down a mapping, reusing the nonce from the original Add so
// the gateway can bind the deletion to the original mapping. A response
// result code of NO_RESOURCES is treated as a successful deletion: the
// mapping is already gone from the gateway's table.
func Delete(ctx context.Context, t transport.Transport, routerIP string, localIPs []string, internalPort uint16, nonce wire.PCPNonce) error {
	if _, ok := raceWave(ctx, t, []string{routerIP}, localIPs, internalPort, 0, 0, nonce, true); !ok {
		return errors.Errorf("pcp: delete request to %s timed out", routerIP)
	}
	return nil
}

func raceWave(ctx context.Context, t transport.Transport, targets, localIPs []string, internalPort, externalPort uint16, lifetime time.Duration, nonce wire.PCPNonce, acceptNoResources bool) (AddResult, bool) {
	if len(targets) == 0 {
		return AddResult{}, false
	}

	attempts := make([]race.Attempt[AddResult], 0, len(targets))
	for _, target := range targets {
		target := target
		attempts = append(attempts, func(ctx context.Context) (AddResult, bool) {
			return attempt(ctx, t, target, localIPs, internalPort, externalPort, lifetime, nonce, acceptNoResources)
		})
	}

	return race.Run(ctx, PerAttemptTimeout, attempts)
}

func attempt(ctx context.Context, t transport.Transport, routerIP string, localIPs []string, internalPort, externalPort uint16, lifetime time.Duration, nonce wire.PCPNonce, acceptNoResources bool) (AddResult, bool) {
	gw := net.ParseIP(routerIP)
	if gw == nil {
		return AddResult{}, false
	}

	clientIPStr, ok := addrutil.LongestPrefixMatch(localIPs, routerIP)
	if !ok {
		return AddResult{}, false
	}
	clientIP := net.ParseIP(clientIPStr)
	if clientIP == nil {
		return AddResult{}, false
	}

	req, err := wire.BuildPCPMapRequest(clientIP, internalPort, externalPort, uint32(lifetime.Seconds()), nonce)
	if err != nil {
		return AddResult{}, false
	}

	sock, err := t.ListenUDP(clientIP, 0)
	if err != nil {
		return AddResult{}, false
	}
	defer sock.Close()

	if err := sock.SendTo(req, gw, GatewayPort); err != nil {
		return AddResult{}, false
	}

	_, peerPort, data, err := sock.Recv(ctx)
	if err != nil {
		return AddResult{}, false
	}
	if peerPort != GatewayPort {
		return AddResult{}, false
	}

	resp, err := wire.ParsePCPResponse(data)
	if err != nil {
		return AddResult{}, false
	}
	ok = resp.ResultCode == resultSuccess || (acceptNoResources && resp.ResultCode == resultNoResources)
	if !ok {
		return AddResult{}, false
	}

	return AddResult{
		RouterIP:       routerIP,
		ExternalIP:     resp.ExternalIPv4.String(),
		ExternalPort:   resp.ExternalPort,
		ActualLifetime: time.Duration(resp.LifetimeSecond) * time.Second,
		Nonce:          resp.Nonce,
	}, true
}
