package natreach

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/hlandau/natreach/transport"
	"github.com/hlandau/natreach/wire"
)

func buildPMPReply(resultCode uint16, extPort uint16, lifetime uint32) []byte {
	b := make([]byte, 16)
	b[0] = 0
	b[1] = 0x81
	binary.BigEndian.PutUint16(b[2:4], resultCode)
	binary.BigEndian.PutUint16(b[10:12], extPort)
	binary.BigEndian.PutUint32(b[12:16], lifetime)
	return b
}

func buildPCPReply(resultCode byte, lifetime uint32, extPort uint16, extIP net.IP, nonce wire.PCPNonce) []byte {
	b := make([]byte, wire.PCPRequestLen)
	b[3] = resultCode
	binary.BigEndian.PutUint32(b[4:8], lifetime)
	binary.BigEndian.PutUint16(b[42:44], extPort)
	ip4 := extIP.To4()
	copy(b[56:60], ip4)
	binary.BigEndian.PutUint32(b[24:28], nonce[0])
	binary.BigEndian.PutUint32(b[28:32], nonce[1])
	binary.BigEndian.PutUint32(b[32:36], nonce[2])
	return b
}

func localIPsFixed(ips ...string) func() ([]string, error) {
	return func() ([]string, error) { return ips, nil }
}

// TestAddMappingPmpSuccess exercises scenario S1: a NAT-PMP reply granting
// exactly the requested lifetime, with external port 50000.
func TestAddMappingPmpSuccess(t *testing.T) {
	mock := &transport.Mock{
		UDPHandler: func(localIP net.IP, localPort int, peerIP net.IP, peerPort int, data []byte) (net.IP, int, []byte, bool) {
			if len(data) != wire.NATPMPRequestLen {
				return nil, 0, nil, false
			}
			return peerIP, 5351, buildPMPReply(0, 50000, 120), true
		},
	}

	ctl := New(Config{
		Transport:               mock,
		LocalIPs:                localIPsFixed("192.168.1.50"),
		DefaultRouterCandidates: []string{"192.168.1.1"},
	})

	m, err := ctl.AddMappingPmp(context.Background(), 1234, 0, 120*time.Second)
	if err != nil {
		t.Fatalf("AddMappingPmp failed: %v", err)
	}
	if m.ExternalPort != 50000 {
		t.Fatalf("expected external port 50000, got %d", m.ExternalPort)
	}
	if m.ActualLifetime != 120*time.Second {
		t.Fatalf("expected actual lifetime 120s, got %v", m.ActualLifetime)
	}
	if m.InternalIP != "192.168.1.50" {
		t.Fatalf("expected internal IP 192.168.1.50, got %q", m.InternalIP)
	}
	if m.Protocol != NatPmp {
		t.Fatalf("expected NatPmp protocol, got %v", m.Protocol)
	}

	active := ctl.GetActiveMappings()
	if _, ok := active[50000]; !ok {
		t.Fatal("expected ActiveMappings[50000] to be populated")
	}

	cache := ctl.GetRouterIpCache()
	if len(cache) != 1 || cache[0] != "192.168.1.1" {
		t.Fatalf("expected RouterIpCache = [192.168.1.1], got %v", cache)
	}

	ctl.mutex.Lock()
	stored := ctl.active[50000]
	ctl.mutex.Unlock()
	if stored.refreshTimer == nil {
		t.Fatal("expected an expiry timer to be armed since requested == actual lifetime")
	}
	stored.refreshTimer.Stop()
}

// TestAddMappingPcpArmsRenewalTimer exercises scenario S2: PCP grants less
// than requested, so a renewal timer (not a pure expiry) must be armed.
func TestAddMappingPcpArmsRenewalTimer(t *testing.T) {
	wantNonceEcho := wire.PCPNonce{}
	mock := &transport.Mock{
		UDPHandler: func(localIP net.IP, localPort int, peerIP net.IP, peerPort int, data []byte) (net.IP, int, []byte, bool) {
			if len(data) != wire.PCPRequestLen {
				return nil, 0, nil, false
			}
			wantNonceEcho = wire.PCPNonce{
				binary.BigEndian.Uint32(data[24:28]),
				binary.BigEndian.Uint32(data[28:32]),
				binary.BigEndian.Uint32(data[32:36]),
			}
			return peerIP, 5351, buildPCPReply(0, 3600, 50000, net.ParseIP("203.0.113.7"), wantNonceEcho), true
		},
	}

	ctl := New(Config{
		Transport:               mock,
		LocalIPs:                localIPsFixed("192.168.1.50"),
		DefaultRouterCandidates: []string{"192.168.1.1"},
	})

	m, err := ctl.AddMappingPcp(context.Background(), 1234, 0, 7200*time.Second)
	if err != nil {
		t.Fatalf("AddMappingPcp failed: %v", err)
	}
	if m.ExternalPort != 50000 || m.ExternalIP != "203.0.113.7" {
		t.Fatalf("unexpected mapping: %+v", m)
	}
	if m.ActualLifetime != 3600*time.Second {
		t.Fatalf("expected actual lifetime 3600s, got %v", m.ActualLifetime)
	}
	if m.Nonce == nil || *m.Nonce != wantNonceEcho {
		t.Fatalf("expected nonce to round-trip, got %+v want %+v", m.Nonce, wantNonceEcho)
	}

	ctl.mutex.Lock()
	stored := ctl.active[50000]
	ctl.mutex.Unlock()
	if stored.refreshTimer == nil {
		t.Fatal("expected a renewal timer to be armed since actual < requested lifetime")
	}
	stored.refreshTimer.Stop()
}

// TestAddMappingFallsBackFromPmpToPcp exercises scenario S4: NAT-PMP times
// out on every candidate, so AddMapping falls back to PCP.
func TestAddMappingFallsBackFromPmpToPcp(t *testing.T) {
	mock := &transport.Mock{
		UDPHandler: func(localIP net.IP, localPort int, peerIP net.IP, peerPort int, data []byte) (net.IP, int, []byte, bool) {
			if len(data) != wire.PCPRequestLen {
				return nil, 0, nil, false
			}
			return peerIP, 5351, buildPCPReply(0, 3600, 50000, net.ParseIP("203.0.113.7"), wire.PCPNonce{1, 2, 3}), true
		},
	}

	ctl := New(Config{
		Transport:               mock,
		LocalIPs:                localIPsFixed("192.168.1.50"),
		DefaultRouterCandidates: []string{"192.168.1.1"},
	})

	start := time.Now()
	m, err := ctl.AddMapping(context.Background(), 1234, 50000, 3600*time.Second)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("AddMapping failed: %v", err)
	}
	if m.Protocol != Pcp {
		t.Fatalf("expected fallback to Pcp, got %v", m.Protocol)
	}
	if elapsed > 4*time.Second {
		t.Fatalf("fallback took too long: %v", elapsed)
	}

	cache := ctl.GetRouterIpCache()
	found := false
	for _, ip := range cache {
		if ip == "192.168.1.1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected RouterIpCache to contain 192.168.1.1, got %v", cache)
	}

	ctl.mutex.Lock()
	stored := ctl.active[50000]
	ctl.mutex.Unlock()
	if stored != nil && stored.refreshTimer != nil {
		stored.refreshTimer.Stop()
	}
}

// TestDeleteMappingIsIdempotent covers: add then delete leaves the table
// without the key, and a second delete returns false.
func TestDeleteMappingIsIdempotent(t *testing.T) {
	deletes := 0
	mock := &transport.Mock{
		UDPHandler: func(localIP net.IP, localPort int, peerIP net.IP, peerPort int, data []byte) (net.IP, int, []byte, bool) {
			if len(data) != wire.NATPMPRequestLen {
				return nil, 0, nil, false
			}
			extPort := binary.BigEndian.Uint16(data[6:8])
			if extPort == 0 {
				deletes++
			}
			return peerIP, 5351, buildPMPReply(0, 50000, 120), true
		},
	}

	ctl := New(Config{
		Transport:               mock,
		LocalIPs:                localIPsFixed("192.168.1.50"),
		DefaultRouterCandidates: []string{"192.168.1.1"},
	})

	m, err := ctl.AddMappingPmp(context.Background(), 1234, 50000, 120*time.Second)
	if err != nil {
		t.Fatalf("AddMappingPmp failed: %v", err)
	}
	ctl.mutex.Lock()
	if stored := ctl.active[m.ExternalPort]; stored != nil && stored.refreshTimer != nil {
		stored.refreshTimer.Stop()
	}
	ctl.mutex.Unlock()

	if ok := ctl.DeleteMapping(context.Background(), 50000); !ok {
		t.Fatal("expected first delete to succeed")
	}
	if deletes != 1 {
		t.Fatalf("expected exactly one delete request, got %d", deletes)
	}
	if ok := ctl.DeleteMapping(context.Background(), 50000); ok {
		t.Fatal("expected second delete to return false")
	}

	active := ctl.GetActiveMappings()
	if _, ok := active[50000]; ok {
		t.Fatal("expected ActiveMappings to no longer contain port 50000")
	}
}

// TestCloseDeletesAllMappingsAndIsIdempotent covers scenario S5: Close tears
// down every active mapping concurrently, cancels their timers, and a
// second Close completes immediately.
func TestCloseDeletesAllMappingsAndIsIdempotent(t *testing.T) {
	var pmpDeleted, upnpDeleted bool
	mock := &transport.Mock{
		UDPHandler: func(localIP net.IP, localPort int, peerIP net.IP, peerPort int, data []byte) (net.IP, int, []byte, bool) {
			if len(data) == wire.NATPMPRequestLen {
				pmpDeleted = true
				return peerIP, 5351, buildPMPReply(0, 0, 0), true
			}
			return nil, 0, nil, false
		},
		HTTPPostHandler: func(url string, headers map[string]string, body []byte) (int, []byte, error) {
			upnpDeleted = true
			return 200, nil, nil
		},
	}

	ctl := New(Config{Transport: mock, LocalIPs: localIPsFixed("192.168.1.50")})

	ctl.mutex.Lock()
	ctl.active[50000] = &Mapping{
		InternalPort: 1234,
		ExternalPort: 50000,
		Protocol:     NatPmp,
		routerIP:     "192.168.1.1",
		refreshTimer: time.AfterFunc(time.Hour, func() {}),
	}
	ctl.active[50001] = &Mapping{
		InternalPort: 1235,
		ExternalPort: 50001,
		Protocol:     Upnp,
		ControlURL:   "http://192.168.1.1:5000/ctrl",
		refreshTimer: time.AfterFunc(time.Hour, func() {}),
	}
	ctl.mutex.Unlock()

	if err := ctl.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if !pmpDeleted {
		t.Fatal("expected the NAT-PMP mapping to be deleted")
	}
	if !upnpDeleted {
		t.Fatal("expected the UPnP mapping to be deleted")
	}

	active := ctl.GetActiveMappings()
	if len(active) != 0 {
		t.Fatalf("expected ActiveMappings to be empty, got %v", active)
	}

	if err := ctl.Close(context.Background()); err != nil {
		t.Fatalf("second Close should be a no-op, got error: %v", err)
	}
}

// TestProbeProtocolSupportFillsCache covers probe_protocol_support: NAT-PMP
// and PCP both succeed, UPnP's probe add reports ConflictInMappingEntry,
// which per spec.md §4.7 still counts as evidence of support.
func TestProbeProtocolSupportFillsCache(t *testing.T) {
	// UDPMultiHandler takes precedence over UDPHandler in the mock, so it
	// serves both the SSDP M-SEARCH and the unicast NAT-PMP/PCP requests.
	mock := &transport.Mock{
		UDPMultiHandler: func(localIP net.IP, localPort int, peerIP net.IP, peerPort int, data []byte, push func(net.IP, int, []byte)) {
			if peerPort == 1900 {
				push(net.ParseIP("192.168.1.1"), 1900, []byte("HTTP/1.1 200 OK\r\nLOCATION: http://192.168.1.1:5000/desc.xml\r\nST: urn:schemas-upnp-org:device:InternetGatewayDevice:1\r\nUSN: uuid:a\r\n\r\n"))
				return
			}
			switch len(data) {
			case wire.NATPMPRequestLen:
				push(peerIP, 5351, buildPMPReply(0, binary.BigEndian.Uint16(data[6:8]), 120))
			case wire.PCPRequestLen:
				push(peerIP, 5351, buildPCPReply(0, 3600, binary.BigEndian.Uint16(data[42:44]), net.ParseIP("203.0.113.7"), wire.PCPNonce{1, 2, 3}))
			}
		},
		HTTPGetHandler: func(url string) ([]byte, error) {
			return []byte(`<root><device><serviceList><service>` +
				`<serviceType>urn:schemas-upnp-org:service:WANIPConnection:1</serviceType>` +
				`<controlURL>/ctrl</controlURL></service></serviceList></device></root>`), nil
		},
		HTTPPostHandler: func(url string, headers map[string]string, body []byte) (int, []byte, error) {
			return 500, []byte("<errorDescription>ConflictInMappingEntry</errorDescription>"), nil
		},
	}

	ctl := New(Config{
		Transport:               mock,
		LocalIPs:                localIPsFixed("192.168.1.50"),
		DefaultRouterCandidates: []string{"192.168.1.1"},
	})

	result, err := ctl.ProbeProtocolSupport(context.Background())
	if err != nil {
		t.Fatalf("ProbeProtocolSupport failed: %v", err)
	}
	if !result.NatPmp {
		t.Error("expected NAT-PMP to be reported as supported")
	}
	if !result.Pcp {
		t.Error("expected PCP to be reported as supported")
	}
	if !result.Upnp {
		t.Error("expected UPnP to be reported as supported via ConflictInMappingEntry")
	}

	cache := ctl.GetProtocolSupportCache()
	if cache.NatPmp == nil || !*cache.NatPmp {
		t.Error("expected cached NatPmp = true")
	}
	if cache.UpnpControlURL != "http://192.168.1.1:5000/ctrl" {
		t.Errorf("expected cached control URL, got %q", cache.UpnpControlURL)
	}

	// Probing twice is safe and simply overwrites the cache.
	if _, err := ctl.ProbeProtocolSupport(context.Background()); err != nil {
		t.Fatalf("second ProbeProtocolSupport failed: %v", err)
	}
}
