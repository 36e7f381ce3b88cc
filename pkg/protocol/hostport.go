package protocol

import (
	"fmt"
	"net"
	"strconv"

	"github.com/sidkik/peersync/pkg/errors"
)

// HostPort identifies a peer by the address it listens on.
type HostPort struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (hp HostPort) String() string {
	return net.JoinHostPort(hp.Host, strconv.Itoa(hp.Port))
}

// ParseHostPort parses a "host:port" string.
func ParseHostPort(s string) (HostPort, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return HostPort{}, errors.WithContext(err, "split host and port")
	}

	if host == "" {
		return HostPort{}, errors.InvalidFieldError{Field: "host", Reason: fmt.Sprintf("empty host in %q", s)}
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return HostPort{}, errors.InvalidFieldError{Field: "port", Reason: fmt.Sprintf("%q is not a valid port", portStr)}
	}
	return HostPort{Host: host, Port: port}, nil
}

// FromUDPAddr returns the HostPort a datagram source address identifies.
func FromUDPAddr(addr *net.UDPAddr) HostPort {
	return HostPort{Host: addr.IP.String(), Port: addr.Port}
}

// FileDescriptor describes the content of a file. Two descriptors refer to
// the same content when their hashes and sizes match; LastModified is
// informational.
type FileDescriptor struct {
	MD5          string `json:"md5"`
	LastModified int64  `json:"lastModified"`
	FileSize     int64  `json:"fileSize"`
}

// SameContent returns whether `other` describes the same bytes.
func (fd FileDescriptor) SameContent(other FileDescriptor) bool {
	return fd.MD5 == other.MD5 && fd.FileSize == other.FileSize
}
