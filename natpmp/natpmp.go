// Package natpmp implements the NAT-PMP (RFC 6886) wire engine: building and
// racing UDP MAP requests across candidate gateways in waves, and parsing
// responses into actual-lifetime-bearing results. It is pure with respect
// to the Mapping Controller's shared state: callers supply the router
// candidates to try (derived from RouterIpCache and local addresses) and
// get back whichever gateway actually answered, for the controller to
// record.
package natpmp

import (
	"context"
	"net"
	"time"

	"github.com/hlandau/natreach/addrutil"
	"github.com/hlandau/natreach/race"
	"github.com/hlandau/natreach/transport"
	"github.com/hlandau/natreach/wire"
	"github.com/pkg/errors"
)

// GatewayPort is the UDP port NAT-PMP gateways listen on.
const GatewayPort = 5351

// PerAttemptTimeout bounds a single wave's race, per spec.md §4.5.
const PerAttemptTimeout = 2 * time.Second

// AddResult is the outcome of a successful Add.
type AddResult struct {
	RouterIP       string
	InternalIP     string
	ExternalPort   uint16
	ActualLifetime time.Duration
}

// Add negotiates a UDP port mapping. It races RouterIpCache ∪
// filter_router_candidates(localIPs) first; if no candidate in that wave
// answers, it races DefaultRouterCandidates \ firstWave. A zero lifetime
// requests the gateway's default lifetime.
func Add(ctx context.Context, t transport.Transport, routerIPCache, localIPs, defaultCandidates []string, internalPort, externalPort uint16, lifetime time.Duration) (AddResult, error) {
	firstWave := addrutil.Union(routerIPCache, addrutil.FilterRouterCandidates(defaultCandidates, localIPs))

	if res, ok := raceWave(ctx, t, firstWave, localIPs, internalPort, externalPort, lifetime); ok {
		return res, nil
	}

	secondWave := addrutil.Difference(defaultCandidates, firstWave)
	if res, ok := raceWave(ctx, t, secondWave, localIPs, internalPort, externalPort, lifetime); ok {
		return res, nil
	}

	return AddResult{}, errors.New("natpmp: no gateway responded to MAP request")
}

// Delete tears down a previously created mapping by sending a MAP request
// with external port and lifetime both zero to the gateway that created it.
func Delete(ctx context.Context, t transport.Transport, routerIP string, internalPort uint16) error {
	if _, ok := raceWave(ctx, t, []string{routerIP}, nil, internalPort, 0, 0); !ok {
		return errors.Errorf("natpmp: delete request to %s timed out", routerIP)
	}
	return nil
}

func raceWave(ctx context.Context, t transport.Transport, targets, localIPs []string, internalPort, externalPort uint16, lifetime time.Duration) (AddResult, bool) {
	if len(targets) == 0 {
		return AddResult{}, false
	}

	attempts := make([]race.Attempt[AddResult], 0, len(targets))
	for _, target := range targets {
		target := target
		attempts = append(attempts, func(ctx context.Context) (AddResult, bool) {
			return attempt(ctx, t, target, localIPs, internalPort, externalPort, lifetime)
		})
	}

	return race.Run(ctx, PerAttemptTimeout, attempts)
}

func attempt(ctx context.Context, t transport.Transport, routerIP string, localIPs []string, internalPort, externalPort uint16, lifetime time.Duration) (AddResult, bool) {
	gw := net.ParseIP(routerIP)
	if gw == nil {
		return AddResult{}, false
	}

	sock, err := t.ListenUDP(nil, 0)
	if err != nil {
		return AddResult{}, false
	}
	defer sock.Close()

	req := wire.BuildNATPMPRequest(internalPort, externalPort, uint32(lifetime.Seconds()))
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

	resp, err := wire.ParseNATPMPResponse(data)
	if err != nil || resp.ResultCode != 0 {
		return AddResult{}, false
	}

	internalIP, _ := addrutil.LongestPrefixMatch(localIPs, routerIP)

	return AddResult{
		RouterIP:       routerIP,
		InternalIP:     internalIP,
		ExternalPort:   resp.ExternalPort,
		ActualLifetime: time.Duration(resp.LifetimeSecond) * time.Second,
	}, true
}
