package relay

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

const (
	minPort = 1
	maxPort = 65535
)

// MappingRecord is one relay rule: accept on LocalPort, forward to RemoteHost:RemotePort.
// Records are plain values and compare with ==.
type MappingRecord struct {
	LocalPort  uint16
	RemoteHost string
	RemotePort uint16
}

// NewMappingRecord validates the raw fields of a rule and builds a record.
func NewMappingRecord(localPort int, remoteHost string, remotePort int) (MappingRecord, error) {
	host := strings.TrimSpace(remoteHost)
	switch {
	case localPort < minPort || localPort > maxPort:
		return MappingRecord{}, &InvalidMappingError{LocalPort: localPort, RemoteHost: remoteHost, RemotePort: remotePort,
			Reason: fmt.Sprintf("local port %d out of range %d-%d", localPort, minPort, maxPort)}
	case remotePort < minPort || remotePort > maxPort:
		return MappingRecord{}, &InvalidMappingError{LocalPort: localPort, RemoteHost: remoteHost, RemotePort: remotePort,
			Reason: fmt.Sprintf("remote port %d out of range %d-%d", remotePort, minPort, maxPort)}
	case host == "":
		return MappingRecord{}, &InvalidMappingError{LocalPort: localPort, RemoteHost: remoteHost, RemotePort: remotePort,
			Reason: "empty remote host"}
	}
	return MappingRecord{
		LocalPort:  uint16(localPort),
		RemoteHost: host,
		RemotePort: uint16(remotePort),
	}, nil
}

// RemoteAddr is the dial address of the remote side.
func (m MappingRecord) RemoteAddr() string {
	return net.JoinHostPort(m.RemoteHost, strconv.Itoa(int(m.RemotePort)))
}

// String is also the key the status monitor uses for this mapping.
func (m MappingRecord) String() string {
	return fmt.Sprintf("%d -> %s", m.LocalPort, m.RemoteAddr())
}
