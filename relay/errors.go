package relay

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrInvalidMapping is matched by every *InvalidMappingError.
	ErrInvalidMapping = errors.New("invalid mapping")
	// ErrAlreadyStarted is returned by a second Engine.Start.
	ErrAlreadyStarted = errors.New("relay engine already started")
	// ErrStopped is returned by Engine.Start after Stop.
	ErrStopped = errors.New("relay engine stopped")
	// ErrDuplicateLocalPort is the cause of a BindError for a record whose
	// local port an earlier record of the same Start already holds.
	ErrDuplicateLocalPort = errors.New("local port already mapped")
)

// InvalidMappingError carries the raw fields of a rejected rule.
type InvalidMappingError struct {
	LocalPort  int
	RemoteHost string
	RemotePort int
	Reason     string
}

func (e *InvalidMappingError) Error() string {
	return fmt.Sprintf("invalid mapping %d %q %d: %s", e.LocalPort, e.RemoteHost, e.RemotePort, e.Reason)
}

func (e *InvalidMappingError) Unwrap() error { return ErrInvalidMapping }

// BindError means the local port of a mapping could not be listened on.
type BindError struct {
	Port uint16
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind local port %d: %v", e.Port, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// RemoteConnectError means the outbound dial for one accepted connection failed.
type RemoteConnectError struct {
	Host string
	Port uint16
	Err  error
}

func (e *RemoteConnectError) Error() string {
	return fmt.Sprintf("connect remote %s:%d: %v", e.Host, e.Port, e.Err)
}

func (e *RemoteConnectError) Unwrap() error { return e.Err }

// IOError is a read or write failure in one direction of a pair.
type IOError struct {
	Direction Direction
	Err       error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("relay %s: %v", e.Direction, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// AcceptError means a listening socket failed outside of a deliberate stop.
type AcceptError struct {
	Port uint16
	Err  error
}

func (e *AcceptError) Error() string {
	return fmt.Sprintf("accept on local port %d: %v", e.Port, e.Err)
}

func (e *AcceptError) Unwrap() error { return e.Err }

// StartupError aggregates every bind failure of one Start call.
type StartupError struct {
	Failures []*BindError
}

func (e *StartupError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Error())
	}
	return fmt.Sprintf("%d mapping(s) failed to start: %s", len(e.Failures), strings.Join(parts, "; "))
}

func (e *StartupError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f)
	}
	return errs
}

// Ports returns the failed local ports in ascending order.
func (e *StartupError) Ports() []uint16 {
	ports := make([]uint16, 0, len(e.Failures))
	for _, f := range e.Failures {
		ports = append(ports, f.Port)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	return ports
}
