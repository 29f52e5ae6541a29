package netx

import (
	"net"
	"net/netip"
)

// DefaultProbe is only used to pick a route; no packet is sent.
const DefaultProbe = "8.8.8.8:80"

// OutboundIP returns the local IPv4 address the kernel would use to reach
// probe, or the zero Addr when there is no route (e.g. before the station
// link has a lease).
func OutboundIP(probe string) netip.Addr {
	conn, err := net.Dial("udp4", probe)
	if err != nil {
		return netip.Addr{}
	}
	defer conn.Close()

	localAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return netip.Addr{}
	}
	addr, ok := netip.AddrFromSlice(localAddr.IP)
	if !ok {
		return netip.Addr{}
	}
	return addr.Unmap()
}

// GetOutboundIP is OutboundIP for the default probe, as a string.
func GetOutboundIP() string {
	addr := OutboundIP(DefaultProbe)
	if !addr.IsValid() {
		return "127.0.0.1"
	}
	return addr.String()
}
