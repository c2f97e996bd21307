//go:build !unix

package channel

import "syscall"

// reuseAddrControl is a no-op on platforms without SO_REUSEADDR semantics
// matching unix's; Rendezvous Race degrades to one socket per candidate on
// these platforms.
func reuseAddrControl(network, address string, c syscall.RawConn) error {
	return nil
}
