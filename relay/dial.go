package relay

import (
	"context"
	"fmt"
	"net"
	"runtime"
)

// Dialer opens the remote side of a pair. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// NewDialer returns a TCP dialer. When iface is set, outbound sockets are
// bound to that interface; only linux supports this.
// No connect timeout is set: a dial ends when the OS gives up or ctx is done.
func NewDialer(iface string) (*net.Dialer, error) {
	d := &net.Dialer{}
	if iface == "" {
		return d, nil
	}
	if !bindToDeviceSupported {
		return nil, fmt.Errorf("outbound interface %q: not supported on %s", iface, runtime.GOOS)
	}
	d.Control = bindToDeviceControl(iface)
	return d, nil
}
