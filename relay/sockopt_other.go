//go:build !linux

package relay

import "syscall"

const bindToDeviceSupported = false

func bindToDeviceControl(string) func(network, address string, c syscall.RawConn) error {
	return nil
}
