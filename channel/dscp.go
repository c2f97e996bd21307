package channel

import (
	"net"

	"golang.org/x/net/ipv4"
)

// setDSCP marks outgoing datagrams with the given DSCP codepoint, the same
// mechanism kcp-go's session wires up via golang.org/x/net/ipv4 for
// low-latency traffic classification. It is best-effort: an endpoint's OS
// or route may ignore or strip the marking.
func setDSCP(conn *net.UDPConn, dscp int) error {
	return ipv4.NewConn(conn).SetTOS(dscp << 2)
}
