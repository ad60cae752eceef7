//go:build linux

package relay

import (
	"syscall"

	"golang.org/x/sys/unix"
)

const bindToDeviceSupported = true

// bindToDeviceControl pins a socket to ifname with SO_BINDTODEVICE.
func bindToDeviceControl(ifname string) func(network, address string, c syscall.RawConn) error {
	return func(_, _ string, c syscall.RawConn) error {
		var serr error
		if err := c.Control(func(fd uintptr) {
			serr = unix.SetsockoptString(int(fd), unix.SOL_SOCKET, unix.SO_BINDTODEVICE, ifname)
		}); err != nil {
			return err
		}
		return serr
	}
}
