//go:build unix

package channel

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseAddrControl is installed as a net.ListenConfig.Control callback so
// Bind can enable SO_REUSEADDR before the kernel binds the socket, letting
// several channels share one local port so a race across candidate peer
// endpoints can dial out from the same port.
func reuseAddrControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
