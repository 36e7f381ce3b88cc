// Package transport moves newline-delimited protocol messages between peers,
// either over a TCP stream or as UDP datagrams.
package transport

// Conn carries messages to and from a single peer.
type Conn interface {
	// Send writes one message. A trailing newline is added if missing.
	Send(line []byte) error

	// Receive blocks until the next message arrives. The newline is
	// stripped.
	Receive() ([]byte, error)

	RemoteAddr() string
	Close() error
}

func terminate(line []byte) []byte {
	if len(line) > 0 && line[len(line)-1] == '\n' {
		return line
	}
	return append(line, '\n')
}
