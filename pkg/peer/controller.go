package peer

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/peersync/cmd/util"
	"github.com/sidkik/peersync/pkg/config"
	"github.com/sidkik/peersync/pkg/errors"
	"github.com/sidkik/peersync/pkg/protocol"
	"github.com/sidkik/peersync/pkg/store"
	"github.com/sidkik/peersync/pkg/transport"
)

// Reasons sent while admitting peers.
const (
	msgAlreadyConnected = "peer already connected"
	msgConnectionLimit  = "connection limit reached"
	msgExpectedRequest  = "expected HANDSHAKE_REQUEST"
	msgExpectedResponse = "expected HANDSHAKE_RESPONSE"
)

// Controller admits incoming peers and connects to outgoing ones.
type Controller struct {
	cfg      config.Peer
	self     protocol.HostPort
	registry *Registry
	store    store.Store
	clock    clockwork.Clock

	// Exactly one of these is set, depending on the mode.
	listener net.Listener
	endpoint *transport.Endpoint

	// pending receives the handshake replies for outgoing datagram
	// connections, keyed by the address the request was sent to.
	pendingLock sync.Mutex
	pending     map[string]chan handshakeReply

	ctxLock sync.Mutex
	ctx     context.Context
}

// NewController binds the peer port for the configured mode.
func NewController(cfg config.Peer, registry *Registry, st store.Store,
	clock clockwork.Clock) (*Controller, error) {
	c := &Controller{
		cfg:      cfg,
		registry: registry,
		store:    st,
		clock:    clock,
		pending:  map[string]chan handshakeReply{},
		ctx:      context.Background(),
	}

	var port int
	switch cfg.Mode {
	case config.ModeUDP:
		endpoint, err := transport.ListenDatagram(cfg.Port)
		if err != nil {
			return nil, errors.WithContext(err, "listen for datagrams")
		}
		c.endpoint = endpoint
		port = endpoint.LocalAddr().Port
	default:
		listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
		if err != nil {
			return nil, errors.WithContext(err, "listen")
		}
		c.listener = listener
		port = listener.Addr().(*net.TCPAddr).Port
	}

	c.self = protocol.HostPort{Host: cfg.AdvertisedName, Port: port}
	return c, nil
}

// Self returns the address this node advertises to its peers.
func (c *Controller) Self() protocol.HostPort {
	return c.self
}

// Run accepts peers until `ctx` is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	c.ctxLock.Lock()
	c.ctx = ctx
	c.ctxLock.Unlock()

	log.WithField("address", c.self.String()).WithField("mode", c.cfg.Mode).Info("Listening for peers")
	if c.endpoint != nil {
		return c.serveDatagrams(ctx)
	}
	return c.serveStreams(ctx)
}

func (c *Controller) runContext() context.Context {
	c.ctxLock.Lock()
	defer c.ctxLock.Unlock()
	return c.ctx
}

func (c *Controller) newSession(hp protocol.HostPort, conn transport.Conn, incoming bool) *Session {
	return newSession(hp, conn, incoming, c.store, c.cfg.EffectiveBlockSize(), c.cfg.MaxReadLength())
}

func (c *Controller) refusal() protocol.Message {
	return protocol.ConnectionRefused{Message: msgConnectionLimit, Peers: c.registry.List()}
}

// Connect performs the handshake with `hp` and starts a session if it's
// accepted. If `hp` refuses because it's full, the peers it lists are tried
// instead. It returns whether a session with `hp` was started.
func (c *Controller) Connect(ctx context.Context, hp protocol.HostPort) bool {
	return c.connect(ctx, hp, map[protocol.HostPort]bool{})
}

// ConnectAll connects to each of `peers` in turn.
func (c *Controller) ConnectAll(ctx context.Context, peers []protocol.HostPort) {
	for _, hp := range peers {
		if ctx.Err() != nil {
			return
		}
		c.Connect(ctx, hp)
	}
}

func (c *Controller) connect(ctx context.Context, hp protocol.HostPort, visited map[protocol.HostPort]bool) bool {
	visited[hp] = true
	if hp == c.self || c.registry.IsConnected(hp) {
		return false
	}

	if c.endpoint != nil {
		return c.connectDatagram(ctx, hp, visited)
	}
	return c.connectStream(ctx, hp, visited)
}

// discover tries each peer listed in a CONNECTION_REFUSED that hasn't
// already been tried.
func (c *Controller) discover(ctx context.Context, peers []protocol.HostPort, visited map[protocol.HostPort]bool) {
	for _, hp := range peers {
		if visited[hp] || hp == c.self || c.registry.IsConnected(hp) {
			continue
		}
		log.WithField("peer", hp.String()).Info("Trying peer from connection refusal")
		c.connect(ctx, hp, visited)
	}
}

func (c *Controller) serveStreams(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		c.listener.Close()
	}()

	for {
		conn, err := c.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.WithContext(err, "accept")
		}

		go func() {
			defer util.HandlePanic()
			c.admitStream(ctx, transport.NewStream(conn))
		}()
	}
}

func (c *Controller) admitStream(ctx context.Context, conn transport.Conn) {
	entry := log.WithField("address", conn.RemoteAddr())
	reject := func(msg protocol.Message) {
		if line, err := protocol.Encode(msg); err == nil {
			if err := conn.Send(line); err != nil {
				entry.WithError(err).Debug("Failed to send rejection")
			}
		}
		conn.Close()
	}

	line, err := conn.Receive()
	if err != nil {
		entry.WithError(err).Warn("Failed to read handshake")
		conn.Close()
		return
	}

	msg, err := protocol.Decode(line)
	req, ok := msg.(protocol.HandshakeRequest)
	if err != nil || !ok {
		entry.WithError(err).Warn("Expected a handshake request")
		reject(protocol.InvalidProtocol{Message: msgExpectedRequest})
		return
	}

	s := c.newSession(req.HostPort, conn, true)
	s.send(protocol.HandshakeResponse{HostPort: c.self})
	switch err := c.registry.Start(ctx, s); err {
	case nil:
	case ErrPeerConnected:
		entry.WithField("peer", req.HostPort.String()).Info("Rejected duplicate connection")
		reject(protocol.InvalidProtocol{Message: msgAlreadyConnected})
	case ErrConnectionLimit:
		entry.WithField("peer", req.HostPort.String()).Info("Refused connection at capacity")
		reject(c.refusal())
	default:
		entry.WithError(err).Warn("Failed to start session")
		conn.Close()
	}
}

func (c *Controller) connectStream(ctx context.Context, hp protocol.HostPort,
	visited map[protocol.HostPort]bool) bool {
	entry := log.WithField("peer", hp.String())

	conn, err := transport.DialStream(ctx, hp.String())
	if err != nil {
		entry.WithError(err).Warn("Failed to connect to peer")
		return false
	}

	abandon := func(reason string) bool {
		if reason != "" {
			if line, err := protocol.Encode(protocol.InvalidProtocol{Message: reason}); err == nil {
				if err := conn.Send(line); err != nil {
					entry.WithError(err).Debug("Failed to send rejection")
				}
			}
		}
		conn.Close()
		return false
	}

	request, err := protocol.Encode(protocol.HandshakeRequest{HostPort: c.self})
	if err != nil {
		entry.WithError(err).Error("Failed to encode handshake")
		return abandon("")
	}
	if err := conn.Send(request); err != nil {
		entry.WithError(err).Warn("Failed to send handshake")
		return abandon("")
	}

	line, err := conn.Receive()
	if err != nil {
		entry.WithError(err).Warn("Failed to read handshake reply")
		return abandon("")
	}

	msg, err := protocol.Decode(line)
	if err != nil {
		entry.WithError(err).Warn("Received invalid handshake reply")
		return abandon(msgExpectedResponse)
	}

	switch m := msg.(type) {
	case protocol.HandshakeResponse:
		switch err := c.registry.Start(ctx, c.newSession(hp, conn, false)); err {
		case nil:
			return true
		case ErrPeerConnected:
			return abandon(msgAlreadyConnected)
		default:
			entry.WithError(err).Warn("Failed to start session")
			return abandon("")
		}
	case protocol.ConnectionRefused:
		entry.WithField("message", m.Message).Info("Peer refused connection")
		abandon("")
		c.discover(ctx, m.Peers, visited)
		return false
	case protocol.InvalidProtocol:
		entry.WithField("message", m.Message).Warn("Peer rejected handshake")
		return abandon("")
	default:
		entry.WithField("command", msg.Command()).Warn("Unexpected handshake reply")
		return abandon(msgExpectedResponse)
	}
}

// ListPeers returns the connected peers.
func (c *Controller) ListPeers() []protocol.HostPort {
	return c.registry.List()
}

// ConnectPeer connects to a peer on behalf of the admin channel.
func (c *Controller) ConnectPeer(host string, port int) bool {
	return c.Connect(c.runContext(), protocol.HostPort{Host: host, Port: port})
}

// DisconnectPeer ends the session with a peer on behalf of the admin
// channel.
func (c *Controller) DisconnectPeer(host string, port int) bool {
	hp := protocol.HostPort{Host: host, Port: port}
	if c.registry.Disconnect(hp) {
		return true
	}

	// Datagram sessions are keyed by resolved address.
	if c.endpoint != nil {
		if addr, err := net.ResolveUDPAddr("udp", hp.String()); err == nil {
			return c.registry.Disconnect(protocol.FromUDPAddr(addr))
		}
	}
	return false
}
