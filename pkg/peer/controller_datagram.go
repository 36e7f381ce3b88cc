package peer

import (
	"context"
	"net"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/peersync/pkg/protocol"
	"github.com/sidkik/peersync/pkg/transport"
)

// serveDatagrams reads the shared socket. Handshakes are handled here and
// everything else is routed to the session that owns the source address.
func (c *Controller) serveDatagrams(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		c.endpoint.Close()
	}()

	return c.endpoint.Run(func(pkt transport.Packet) {
		c.handlePacket(ctx, pkt)
	})
}

func (c *Controller) handlePacket(ctx context.Context, pkt transport.Packet) {
	source := protocol.FromUDPAddr(pkt.Source)
	msg, err := protocol.Decode(pkt.Data)
	if err == nil && protocol.IsHandshakeCommand(msg.Command()) {
		if req, ok := msg.(protocol.HandshakeRequest); ok {
			c.admitDatagram(ctx, pkt.Source, req)
		} else if !c.deliverReply(ctx, pkt.Source, msg) {
			log.WithField("address", source.String()).Debug("Dropping unsolicited handshake reply")
		}
		return
	}

	if c.registry.RouteIncoming(source, pkt.Data) {
		return
	}

	// A peer may answer our handshake with INVALID_PROTOCOL.
	if err == nil && msg.Command() == protocol.InvalidProtocolCommand && c.deliverReply(ctx, pkt.Source, msg) {
		return
	}
	log.WithField("address", source.String()).Debug("Dropping datagram from unknown peer")
}

// admitDatagram answers a HANDSHAKE_REQUEST. Datagram peers are identified by
// the address the request came from, since that's where replies must go.
func (c *Controller) admitDatagram(ctx context.Context, addr *net.UDPAddr, req protocol.HandshakeRequest) {
	source := protocol.FromUDPAddr(addr)
	entry := log.WithField("address", source.String())
	if source != req.HostPort {
		entry = entry.WithField("advertised", req.HostPort.String())
	}

	reply := func(msg protocol.Message) {
		line, err := protocol.Encode(msg)
		if err == nil {
			err = c.endpoint.SendTo(addr, line)
		}
		if err != nil {
			entry.WithError(err).Warn("Failed to reply to handshake")
		}
	}

	// Our response was lost, so the peer is retransmitting its request.
	if s, ok := c.registry.get(source); ok && s.incoming {
		entry.Debug("Resending handshake response")
		reply(protocol.HandshakeResponse{HostPort: c.self})
		return
	}

	s := c.newSession(source, c.endpoint.Conn(addr), true)
	s.send(protocol.HandshakeResponse{HostPort: c.self})
	switch err := c.registry.Start(ctx, s); err {
	case nil:
	case ErrPeerConnected:
		entry.Info("Rejected duplicate connection")
		reply(protocol.InvalidProtocol{Message: msgAlreadyConnected})
	case ErrConnectionLimit:
		entry.Info("Refused connection at capacity")
		reply(c.refusal())
	default:
		entry.WithError(err).Warn("Failed to start session")
	}
}

// handshakeReply is the answer to an outgoing datagram handshake. started
// holds the result of starting the session when the peer accepted.
type handshakeReply struct {
	msg     protocol.Message
	started error
}

func (c *Controller) awaitReply(addr *net.UDPAddr) (chan handshakeReply, func()) {
	key := addr.String()
	replies := make(chan handshakeReply, 1)

	c.pendingLock.Lock()
	c.pending[key] = replies
	c.pendingLock.Unlock()

	return replies, func() {
		c.pendingLock.Lock()
		if c.pending[key] == replies {
			delete(c.pending, key)
		}
		c.pendingLock.Unlock()
	}
}

// deliverReply passes a handshake reply to the Connect waiting on `addr`.
// Replies from any other address never reach it. An accepted handshake's
// session is started here, on the reading goroutine, so that the datagrams
// the peer sends right after its response are routed to it.
func (c *Controller) deliverReply(ctx context.Context, addr *net.UDPAddr, msg protocol.Message) bool {
	key := addr.String()
	c.pendingLock.Lock()
	replies, ok := c.pending[key]
	delete(c.pending, key)
	c.pendingLock.Unlock()
	if !ok {
		return false
	}

	reply := handshakeReply{msg: msg}
	if _, ok := msg.(protocol.HandshakeResponse); ok {
		s := c.newSession(protocol.FromUDPAddr(addr), c.endpoint.Conn(addr), false)
		reply.started = c.registry.Start(ctx, s)
	}
	replies <- reply
	return true
}

// connectDatagram sends HANDSHAKE_REQUEST until a reply arrives or the
// configured number of attempts is used up.
func (c *Controller) connectDatagram(ctx context.Context, hp protocol.HostPort,
	visited map[protocol.HostPort]bool) bool {
	entry := log.WithField("peer", hp.String())

	addr, err := net.ResolveUDPAddr("udp", hp.String())
	if err != nil {
		entry.WithError(err).Warn("Failed to resolve peer")
		return false
	}

	target := protocol.FromUDPAddr(addr)
	visited[target] = true
	if c.isSelf(addr) || c.registry.IsConnected(target) {
		return false
	}

	request, err := protocol.Encode(protocol.HandshakeRequest{HostPort: c.self})
	if err != nil {
		entry.WithError(err).Error("Failed to encode handshake")
		return false
	}

	replies, stop := c.awaitReply(addr)
	defer stop()

	for remaining := c.cfg.UDPRetries; remaining > 0; remaining-- {
		if err := c.endpoint.SendTo(addr, request); err != nil {
			entry.WithError(err).Warn("Failed to send handshake")
			return false
		}

		select {
		case reply := <-replies:
			return c.handleDatagramReply(ctx, addr, reply, visited)
		case <-c.clock.After(c.cfg.HandshakeTimeout()):
			entry.WithField("remaining", remaining-1).Warn("Timed out waiting for handshake reply")
		case <-ctx.Done():
			return false
		}
	}

	entry.Warn("Giving up on peer")
	return false
}

// isSelf returns whether `addr` is this node's own socket.
func (c *Controller) isSelf(addr *net.UDPAddr) bool {
	local := c.endpoint.LocalAddr()
	if addr.Port != local.Port {
		return false
	}
	return addr.IP.IsLoopback() || addr.IP.Equal(local.IP) || protocol.FromUDPAddr(addr) == c.self
}

func (c *Controller) handleDatagramReply(ctx context.Context, addr *net.UDPAddr, reply handshakeReply,
	visited map[protocol.HostPort]bool) bool {
	entry := log.WithField("peer", protocol.FromUDPAddr(addr).String())

	invalid := func(reason string) {
		if line, err := protocol.Encode(protocol.InvalidProtocol{Message: reason}); err == nil {
			if err := c.endpoint.SendTo(addr, line); err != nil {
				entry.WithError(err).Debug("Failed to send rejection")
			}
		}
	}

	switch m := reply.msg.(type) {
	case protocol.HandshakeResponse:
		switch reply.started {
		case nil:
			return true
		case ErrPeerConnected:
			invalid(msgAlreadyConnected)
		default:
			entry.WithError(reply.started).Warn("Failed to start session")
		}
	case protocol.ConnectionRefused:
		entry.WithField("message", m.Message).Info("Peer refused connection")
		c.discover(ctx, m.Peers, visited)
	case protocol.InvalidProtocol:
		entry.WithField("message", m.Message).Warn("Peer rejected handshake")
	default:
		entry.WithField("command", m.Command()).Warn("Unexpected handshake reply")
		invalid(msgExpectedResponse)
	}
	return false
}
