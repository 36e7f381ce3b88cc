package transport

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"sync"

	"github.com/sidkik/peersync/pkg/errors"
)

// MaxLineSize bounds a single message on a stream.
const MaxLineSize = 16 << 20

// ErrLineTooLong is returned by Receive when a peer sends more than
// MaxLineSize bytes without a newline.
var ErrLineTooLong = errors.New("line exceeds maximum message size")

type streamConn struct {
	conn   net.Conn
	reader *bufio.Reader

	sendLock sync.Mutex
}

// NewStream wraps a connected stream socket.
func NewStream(conn net.Conn) Conn {
	return &streamConn{conn: conn, reader: bufio.NewReader(conn)}
}

// DialStream connects to `addr` over TCP.
func DialStream(ctx context.Context, addr string) (Conn, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.WithContext(err, "dial")
	}
	return NewStream(conn), nil
}

func (c *streamConn) Send(line []byte) error {
	c.sendLock.Lock()
	defer c.sendLock.Unlock()

	_, err := c.conn.Write(terminate(line))
	return errors.WithContext(err, "write")
}

func (c *streamConn) Receive() ([]byte, error) {
	var line []byte
	for {
		fragment, err := c.reader.ReadSlice('\n')
		line = append(line, fragment...)
		if len(line) > MaxLineSize {
			return nil, ErrLineTooLong
		}

		switch err {
		case nil:
			return bytes.TrimRight(line, "\r\n"), nil
		case bufio.ErrBufferFull:
			continue
		default:
			return nil, err
		}
	}
}

func (c *streamConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *streamConn) Close() error {
	return c.conn.Close()
}
