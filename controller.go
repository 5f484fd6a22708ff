package natreach

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/hlandau/natreach/addrutil"
	"github.com/hlandau/natreach/gateway"
	"github.com/hlandau/natreach/natpmp"
	"github.com/hlandau/natreach/pcp"
	"github.com/hlandau/natreach/transport"
	"github.com/hlandau/natreach/upnp"
	"github.com/hlandau/natreach/wire"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Config configures a Controller. The zero value is valid: a real UDP/HTTP
// Transport and the host's actual interfaces and gateway guesses are used.
// Tests override Transport and LocalIPs to run against transport.Mock.
type Config struct {
	// Transport is the socket/HTTP provider engines use. Defaults to a real
	// UDP+net/http transport.
	Transport transport.Transport

	// LocalIPs returns this host's candidate local IPv4 addresses. Defaults
	// to gateway.PrivateIPs.
	LocalIPs func() ([]string, error)

	// DefaultRouterCandidates is the static blind-fan-out list. Entries in a
	// local /24 subnet join RouterIpCache in the first wave; the remaining
	// entries form the second wave, raced when no first-wave target replies.
	// Defaults to gateway.DefaultRouterCandidates().
	DefaultRouterCandidates []string
}

// Controller is the protocol-agnostic orchestrator: it owns the
// active-mapping table, the router-IP and protocol-support caches, and all
// refresh/expiry timers. All exported methods are safe for concurrent use.
type Controller struct {
	t                 transport.Transport
	localIPsFunc      func() ([]string, error)
	defaultCandidates []string

	mutex sync.Mutex

	// m: protected by mutex
	active  map[int]*Mapping
	routers []string
	support ProtocolSupportCache
	closed  bool
}

// New constructs a Controller from cfg.
func New(cfg Config) *Controller {
	t := cfg.Transport
	if t == nil {
		t = transport.Default
	}

	localIPsFunc := cfg.LocalIPs
	if localIPsFunc == nil {
		localIPsFunc = gateway.PrivateIPs
	}

	candidates := cfg.DefaultRouterCandidates
	if candidates == nil {
		candidates = gateway.DefaultRouterCandidates()
	}

	return &Controller{
		t:                 t,
		localIPsFunc:      localIPsFunc,
		defaultCandidates: candidates,
		active:            make(map[int]*Mapping),
	}
}

func (c *Controller) routerCacheSnapshot() []string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	out := make([]string, len(c.routers))
	copy(out, c.routers)
	return out
}

func (c *Controller) recordRouterIP(ip string) {
	if ip == "" {
		return
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for _, r := range c.routers {
		if r == ip {
			return
		}
	}
	c.routers = append(c.routers, ip)
}

// GetActiveMappings returns a snapshot of the active-mapping table, keyed by
// external port.
func (c *Controller) GetActiveMappings() map[int]Mapping {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	out := make(map[int]Mapping, len(c.active))
	for port, m := range c.active {
		out[port] = *m
	}
	return out
}

// GetRouterIpCache returns a snapshot of the router IPs known to have
// replied previously.
func (c *Controller) GetRouterIpCache() []string {
	return c.routerCacheSnapshot()
}

// GetProtocolSupportCache returns the result of the last ProbeProtocolSupport
// call, or the zero value if none has run.
func (c *Controller) GetProtocolSupportCache() ProtocolSupportCache {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.support
}

// GetUpnpControlURL returns the UPnP control URL discovered by the last
// ProbeProtocolSupport call, or "" if none is cached.
func (c *Controller) GetUpnpControlURL() string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.support.UpnpControlURL
}

// GetPrivateIps enumerates this host's candidate local IPv4 addresses.
func (c *Controller) GetPrivateIps() ([]string, error) {
	return c.localIPsFunc()
}

// AddMapping negotiates a port mapping, choosing a protocol according to the
// cached protocol-support result if one is available, falling back to trying
// NAT-PMP, then PCP, then UPnP in order otherwise.
func (c *Controller) AddMapping(ctx context.Context, internalPort, externalPort uint16, lifetime time.Duration) (Mapping, error) {
	c.mutex.Lock()
	support := c.support
	c.mutex.Unlock()

	if support.NatPmp == nil && support.Pcp == nil && support.Upnp == nil {
		if m, err := c.AddMappingPmp(ctx, internalPort, externalPort, lifetime); err == nil {
			return m, nil
		}
		if m, err := c.AddMappingPcp(ctx, internalPort, externalPort, lifetime); err == nil {
			return m, nil
		}
		return c.AddMappingUpnp(ctx, internalPort, externalPort, lifetime)
	}

	switch {
	case support.NatPmp != nil && *support.NatPmp:
		return c.AddMappingPmp(ctx, internalPort, externalPort, lifetime)
	case support.Pcp != nil && *support.Pcp:
		return c.AddMappingPcp(ctx, internalPort, externalPort, lifetime)
	case support.Upnp != nil && *support.Upnp:
		return c.AddMappingUpnp(ctx, internalPort, externalPort, lifetime)
	default:
		return Mapping{ExternalPort: FailedExternalPort, ErrInfo: "No protocols supported"}, nil
	}
}

func failure(errInfo string) Mapping {
	return Mapping{ExternalPort: FailedExternalPort, ErrInfo: errInfo}
}

// AddMappingPmp negotiates a mapping over NAT-PMP specifically.
func (c *Controller) AddMappingPmp(ctx context.Context, internalPort, externalPort uint16, lifetime time.Duration) (Mapping, error) {
	localIPs, err := c.localIPsFunc()
	if err != nil {
		return failure(err.Error()), errors.Wrap(err, "natreach: could not enumerate local IPs")
	}

	res, err := natpmp.Add(ctx, c.t, c.routerCacheSnapshot(), localIPs, c.defaultCandidates, internalPort, externalPort, lifetime)
	if err != nil {
		return failure(err.Error()), err
	}
	c.recordRouterIP(res.RouterIP)

	m := &Mapping{
		InternalIP:        res.InternalIP,
		InternalPort:      internalPort,
		ExternalPort:      int(res.ExternalPort),
		RequestedLifetime: lifetime,
		ActualLifetime:    res.ActualLifetime,
		Protocol:          NatPmp,
		routerIP:          res.RouterIP,
	}

	c.insert(m)
	c.armRefresh(m, func(ctx context.Context, delta time.Duration) {
		c.AddMappingPmp(ctx, internalPort, uint16(m.ExternalPort), delta)
	})

	return *m, nil
}

// AddMappingPcp negotiates a mapping over PCP specifically.
func (c *Controller) AddMappingPcp(ctx context.Context, internalPort, externalPort uint16, lifetime time.Duration) (Mapping, error) {
	localIPs, err := c.localIPsFunc()
	if err != nil {
		return failure(err.Error()), errors.Wrap(err, "natreach: could not enumerate local IPs")
	}

	res, err := pcp.Add(ctx, c.t, c.routerCacheSnapshot(), localIPs, c.defaultCandidates, internalPort, externalPort, lifetime)
	if err != nil {
		return failure(err.Error()), err
	}
	c.recordRouterIP(res.RouterIP)

	nonce := res.Nonce
	internalIP, _ := addrutil.LongestPrefixMatch(localIPs, res.RouterIP)
	m := &Mapping{
		InternalIP:        internalIP,
		InternalPort:      internalPort,
		ExternalIP:        res.ExternalIP,
		ExternalPort:      int(res.ExternalPort),
		RequestedLifetime: lifetime,
		ActualLifetime:    res.ActualLifetime,
		Protocol:          Pcp,
		Nonce:             &nonce,
		routerIP:          res.RouterIP,
	}

	c.insert(m)
	c.armRefresh(m, func(ctx context.Context, delta time.Duration) {
		c.AddMappingPcp(ctx, internalPort, uint16(m.ExternalPort), delta)
	})

	return *m, nil
}

// AddMappingUpnp negotiates a mapping over UPnP IGD:WANIPConnection
// specifically. UPnP never refreshes: a requested lifetime of 0 means
// infinite to a UPnP router, so no timer is armed beyond the expiry delete
// a nonzero lifetime implies.
func (c *Controller) AddMappingUpnp(ctx context.Context, internalPort, externalPort uint16, lifetime time.Duration) (Mapping, error) {
	controlURL := c.GetUpnpControlURL()
	if controlURL == "" {
		var err error
		controlURL, err = upnp.Discover(ctx, c.t)
		if err != nil {
			return failure(err.Error()), err
		}
	}

	return c.addMappingUpnpVia(ctx, controlURL, internalPort, externalPort, lifetime)
}

// addMappingUpnpVia negotiates a UPnP mapping through an already-known
// control URL, skipping SSDP discovery. ProbeProtocolSupport uses this
// directly with the control URL it just fetched.
func (c *Controller) addMappingUpnpVia(ctx context.Context, controlURL string, internalPort, externalPort uint16, lifetime time.Duration) (Mapping, error) {
	localIPs, err := c.localIPsFunc()
	if err != nil {
		return failure(err.Error()), errors.Wrap(err, "natreach: could not enumerate local IPs")
	}

	parsed, err := url.Parse(controlURL)
	if err != nil {
		return failure(err.Error()), errors.Wrap(err, "natreach: malformed UPnP control URL")
	}
	internalIP, ok := addrutil.LongestPrefixMatch(localIPs, parsed.Hostname())
	if !ok {
		return failure("no local address matches the router"), errors.New("natreach: no local address matches the UPnP router")
	}

	if err := upnp.AddPortMapping(ctx, c.t, controlURL, internalPort, externalPort, internalIP, "natreach", lifetime); err != nil {
		return failure(err.Error()), err
	}

	m := &Mapping{
		InternalIP:        internalIP,
		InternalPort:      internalPort,
		ExternalPort:      int(externalPort),
		RequestedLifetime: lifetime,
		ActualLifetime:    lifetime,
		Protocol:          Upnp,
		ControlURL:        controlURL,
	}

	c.insert(m)
	if lifetime > 0 {
		c.armExpiry(m)
	}

	return *m, nil
}

// insert records m in the active table keyed by external port, cancelling
// and replacing any prior entry occupying that slot.
func (c *Controller) insert(m *Mapping) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if prev, ok := c.active[m.ExternalPort]; ok && prev.refreshTimer != nil {
		prev.refreshTimer.Stop()
	}
	c.active[m.ExternalPort] = m
}

// armRefresh schedules the renewal/expiry timer per spec: a zero requested
// lifetime paces at 24h; a granted lifetime short of the request re-invokes
// add with the remaining delta; otherwise a pure expiry delete fires when
// the granted lifetime elapses.
func (c *Controller) armRefresh(m *Mapping, reinvoke func(ctx context.Context, delta time.Duration)) {
	switch {
	case m.RequestedLifetime == 0:
		m.refreshTimer = time.AfterFunc(24*time.Hour, func() {
			reinvoke(context.Background(), 0)
		})
	case m.RequestedLifetime-m.ActualLifetime > 0:
		delta := m.RequestedLifetime - m.ActualLifetime
		m.refreshTimer = time.AfterFunc(m.ActualLifetime, func() {
			reinvoke(context.Background(), delta)
		})
	default:
		c.armExpiry(m)
	}
}

// armExpiry schedules a one-shot timer that removes m from the active table
// without renegotiation when its granted lifetime elapses.
func (c *Controller) armExpiry(m *Mapping) {
	m.refreshTimer = time.AfterFunc(m.ActualLifetime, func() {
		c.mutex.Lock()
		defer c.mutex.Unlock()
		if cur, ok := c.active[m.ExternalPort]; ok && cur == m {
			delete(c.active, m.ExternalPort)
		}
	})
}

// DeleteMapping removes an active mapping, dispatching deletion to the
// protocol that created it. Returns false if no mapping with that external
// port is active.
func (c *Controller) DeleteMapping(ctx context.Context, externalPort int) bool {
	c.mutex.Lock()
	m, ok := c.active[externalPort]
	if ok {
		delete(c.active, externalPort)
	}
	c.mutex.Unlock()

	if !ok {
		return false
	}

	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
	}

	c.deleteOne(ctx, m)
	return true
}

func (c *Controller) deleteOne(ctx context.Context, m *Mapping) {
	localIPs, _ := c.localIPsFunc()

	switch m.Protocol {
	case NatPmp:
		if err := natpmp.Delete(ctx, c.t, m.routerIP, m.InternalPort); err != nil {
			log.Debugf("natreach: NAT-PMP delete of port %d failed: %v", m.ExternalPort, err)
		}
	case Pcp:
		var nonce wire.PCPNonce
		if m.Nonce != nil {
			nonce = *m.Nonce
		}
		if err := pcp.Delete(ctx, c.t, m.routerIP, localIPs, m.InternalPort, nonce); err != nil {
			log.Debugf("natreach: PCP delete of port %d failed: %v", m.ExternalPort, err)
		}
	case Upnp:
		if err := upnp.DeletePortMapping(ctx, c.t, m.ControlURL, uint16(m.ExternalPort)); err != nil {
			log.Debugf("natreach: UPnP delete of port %d failed: %v", m.ExternalPort, err)
		}
	}
}

// ProbeProtocolSupport races a blind add_mapping to a fixed probe port on
// each protocol and concurrently fetches the UPnP control URL, filling the
// protocol-support cache. Calling it twice is safe: the second call simply
// overwrites the cache.
func (c *Controller) ProbeProtocolSupport(ctx context.Context) (ProbeResult, error) {
	var (
		pmpOK, pcpOK, upnpOK bool
		controlURL           string
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		_, err := c.AddMappingPmp(gctx, ProbePortNATPMP, ProbePortNATPMP, time.Minute)
		pmpOK = err == nil
		if pmpOK {
			c.DeleteMapping(context.Background(), ProbePortNATPMP)
		}
		return nil
	})

	g.Go(func() error {
		_, err := c.AddMappingPcp(gctx, ProbePortPCP, ProbePortPCP, time.Minute)
		pcpOK = err == nil
		if pcpOK {
			c.DeleteMapping(context.Background(), ProbePortPCP)
		}
		return nil
	})

	g.Go(func() error {
		discoveredURL, err := upnp.Discover(gctx, c.t)
		if err != nil {
			return nil
		}
		controlURL = discoveredURL

		_, err = c.addMappingUpnpVia(gctx, discoveredURL, ProbePortUPnP, ProbePortUPnP, time.Minute)
		if err == nil {
			upnpOK = true
			c.DeleteMapping(context.Background(), ProbePortUPnP)
			return nil
		}
		if errors.Cause(err) == upnp.ErrConflictInMappingEntry {
			upnpOK = true
		}
		return nil
	})

	_ = g.Wait()

	c.mutex.Lock()
	c.support = ProtocolSupportCache{
		NatPmp:         &pmpOK,
		Pcp:            &pcpOK,
		Upnp:           &upnpOK,
		UpnpControlURL: controlURL,
	}
	c.mutex.Unlock()

	return ProbeResult{NatPmp: pmpOK, Pcp: pcpOK, Upnp: upnpOK}, nil
}

// Close deletes every active mapping concurrently and cancels every
// outstanding refresh timer, returning once all deletions have settled.
// Calling Close a second time completes immediately.
func (c *Controller) Close(ctx context.Context) error {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return nil
	}
	c.closed = true

	mappings := make([]*Mapping, 0, len(c.active))
	for port, m := range c.active {
		if m.refreshTimer != nil {
			m.refreshTimer.Stop()
		}
		mappings = append(mappings, m)
		delete(c.active, port)
	}
	c.mutex.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, m := range mappings {
		m := m
		g.Go(func() error {
			c.deleteOne(gctx, m)
			return nil
		})
	}
	return g.Wait()
}
