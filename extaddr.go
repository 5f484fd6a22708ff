package natreach

import "net"

// IsGloballyRoutable reports whether this host already has a globally
// routable IP address, in which case port mapping is unnecessary. It
// adapts hlandau/portmap's identically-named check: dial a UDP socket
// toward a well-known address and inspect the local address the kernel
// would pick, without ever sending a packet.
func IsGloballyRoutable() bool {
	ip, err := determineSelfIP()
	if err != nil {
		return false
	}
	return ip.IsGlobalUnicast() && !ip.IsPrivate()
}

func determineSelfIP() (net.IP, error) {
	c, err := net.Dial("udp", "8.8.8.8:53")
	if err != nil {
		return nil, err
	}
	defer c.Close()

	uaddr := c.LocalAddr().(*net.UDPAddr)
	return uaddr.IP, nil
}
