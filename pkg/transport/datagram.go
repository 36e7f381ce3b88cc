package transport

import (
	"bytes"
	"io"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/peersync/pkg/errors"
)

// MaxDatagramSize is the largest UDP payload that can be sent over IPv4.
const MaxDatagramSize = 65507

// inboundBuffer is the number of datagrams queued for a peer. Datagrams that
// arrive while the buffer is full are dropped.
const inboundBuffer = 256

// Packet is a datagram received by an Endpoint.
type Packet struct {
	Source *net.UDPAddr
	Data   []byte
}

// Endpoint is the single UDP socket a node uses to talk to all of its peers.
type Endpoint struct {
	conn *net.UDPConn
}

// ListenDatagram opens a UDP socket on `port`.
func ListenDatagram(port int) (*Endpoint, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, errors.WithContext(err, "listen")
	}
	return &Endpoint{conn: conn}, nil
}

// Run reads datagrams until the endpoint is closed, calling `handle` for each
// one in order.
func (e *Endpoint) Run(handle func(Packet)) error {
	buf := make([]byte, MaxDatagramSize)
	for {
		n, src, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if isClosedErr(err) {
				return nil
			}
			return errors.WithContext(err, "read")
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		handle(Packet{Source: src, Data: bytes.TrimRight(data, "\r\n")})
	}
}

// SendTo writes one message to `addr`.
func (e *Endpoint) SendTo(addr *net.UDPAddr, line []byte) error {
	line = terminate(line)
	if len(line) > MaxDatagramSize {
		return errors.New("message too large for a datagram")
	}
	_, err := e.conn.WriteToUDP(line, addr)
	return errors.WithContext(err, "write")
}

// LocalAddr returns the address the endpoint is bound to.
func (e *Endpoint) LocalAddr() *net.UDPAddr {
	return e.conn.LocalAddr().(*net.UDPAddr)
}

func (e *Endpoint) Close() error {
	return e.conn.Close()
}

// Conn returns a Conn for exchanging messages with `remote`. Inbound
// messages only reach it through Deliver.
func (e *Endpoint) Conn(remote *net.UDPAddr) *DatagramConn {
	return &DatagramConn{
		endpoint: e,
		remote:   remote,
		inbound:  make(chan []byte, inboundBuffer),
		done:     make(chan struct{}),
	}
}

// DatagramConn is a Conn bound to one remote address of an Endpoint.
type DatagramConn struct {
	endpoint *Endpoint
	remote   *net.UDPAddr
	inbound  chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

// Deliver queues a message received from the remote address. It never
// blocks: the message is dropped if the peer isn't keeping up. It returns
// false if the connection is closed.
func (c *DatagramConn) Deliver(line []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.inbound <- line:
	default:
		log.WithField("remote", c.remote.String()).Warn("Dropping datagram, the receive buffer is full")
	}
	return true
}

func (c *DatagramConn) Send(line []byte) error {
	select {
	case <-c.done:
		return io.ErrClosedPipe
	default:
	}
	return c.endpoint.SendTo(c.remote, line)
}

func (c *DatagramConn) Receive() ([]byte, error) {
	select {
	case line := <-c.inbound:
		return line, nil
	case <-c.done:
		return nil, io.EOF
	}
}

func (c *DatagramConn) RemoteAddr() string {
	return c.remote.String()
}

// Close stops the connection. The shared socket stays open.
func (c *DatagramConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		log.WithField("peer", c.remote.String()).Debug("Closed datagram connection")
	})
	return nil
}

func isClosedErr(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		err = opErr.Err
	}
	return err == net.ErrClosed || err.Error() == "use of closed network connection"
}
