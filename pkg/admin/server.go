package admin

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/peersync/cmd/util"
	"github.com/sidkik/peersync/pkg/errors"
	"github.com/sidkik/peersync/pkg/protocol"
	"github.com/sidkik/peersync/pkg/transport"
)

// PeerManager is the part of the node the admin channel controls.
type PeerManager interface {
	ListPeers() []protocol.HostPort
	ConnectPeer(host string, port int) bool
	DisconnectPeer(host string, port int) bool
}

// Server accepts admin clients. Each connection authenticates, makes one
// request, and is then closed.
type Server struct {
	peers    PeerManager
	keys     map[string]*rsa.PublicKey
	listener net.Listener
}

// NewServer listens for admin clients on `port`. Only the identities in
// `authorizedKeys` may connect.
func NewServer(port int, authorizedKeys []string, peers PeerManager) (*Server, error) {
	keys, err := ParseAuthorizedKeys(authorizedKeys)
	if err != nil {
		return nil, errors.WithContext(err, "parse authorized keys")
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, errors.WithContext(err, "listen")
	}
	return &Server{peers: peers, keys: keys, listener: listener}, nil
}

// Port returns the port the server is listening on.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Run serves clients until `ctx` is cancelled.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	log.WithField("port", s.Port()).Info("Listening for admin clients")
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.WithContext(err, "accept")
		}

		go func() {
			defer util.HandlePanic()
			s.serve(transport.NewStream(conn))
		}()
	}
}

func (s *Server) serve(conn transport.Conn) {
	defer conn.Close()
	entry := log.WithField("client", conn.RemoteAddr())

	key, identity, err := s.authenticate(conn)
	if err != nil {
		entry.WithError(err).Warn("Admin client failed to authenticate")
		return
	}
	entry = entry.WithField("identity", identity)

	line, err := conn.Receive()
	if err != nil {
		entry.WithError(err).Warn("Failed to read admin request")
		return
	}

	var payload Payload
	if err := json.Unmarshal(line, &payload); err != nil || payload.Payload == "" {
		entry.WithError(err).Warn("Admin request has no payload")
		return
	}

	var req PeerRequest
	if err := openJSON(key, payload, &req); err != nil {
		entry.WithError(err).Warn("Failed to decrypt admin request")
		return
	}

	resp, err := s.execute(req)
	if err != nil {
		entry.WithError(err).Warn("Invalid admin request")
		return
	}
	entry.WithField("command", req.Command).Info("Handled admin request")

	sealed, err := sealJSON(key, resp)
	if err == nil {
		err = sendJSON(conn, sealed)
	}
	if err != nil {
		entry.WithError(err).Warn("Failed to send admin response")
	}
}

// authenticate handles the AUTH_REQUEST that opens every connection, and
// returns the session key shared with the client.
func (s *Server) authenticate(conn transport.Conn) ([]byte, string, error) {
	reject := func(message string) error {
		if err := sendJSON(conn, AuthResponse{Command: AuthResponseCommand, Message: message}); err != nil {
			return err
		}
		return errors.New(message)
	}

	line, err := conn.Receive()
	if err != nil {
		return nil, "", errors.WithContext(err, "receive")
	}

	var req AuthRequest
	if err := json.Unmarshal(line, &req); err != nil || req.Command != AuthRequestCommand {
		return nil, "", reject(msgExpectedAuth)
	}
	if req.Identity == "" {
		return nil, "", reject(msgMissingIdentity)
	}

	pub, ok := s.keys[req.Identity]
	if !ok {
		return nil, req.Identity, reject(msgKeyNotFound)
	}

	key, err := newSessionKey()
	if err != nil {
		return nil, req.Identity, err
	}
	wrapped, err := wrapKey(pub, key)
	if err != nil {
		return nil, req.Identity, err
	}

	err = sendJSON(conn, AuthResponse{
		Command: AuthResponseCommand,
		AES128:  wrapped,
		Status:  true,
		Message: msgKeyFound,
	})
	return key, req.Identity, err
}

func (s *Server) execute(req PeerRequest) (interface{}, error) {
	switch req.Command {
	case ListPeersRequestCommand:
		peers := s.peers.ListPeers()
		if peers == nil {
			peers = []protocol.HostPort{}
		}
		return ListPeersResponse{Command: ListPeersResponseCommand, Peers: peers}, nil
	case ConnectPeerRequestCommand, DisconnectPeerRequestCommand:
	default:
		return nil, errors.InvalidFieldError{Field: "command", Reason: fmt.Sprintf("unknown command %q", req.Command)}
	}

	if req.Host == "" {
		return nil, errors.MissingFieldError{Field: "host"}
	}
	if req.Port <= 0 || req.Port > 65535 {
		return nil, errors.InvalidFieldError{Field: "port", Reason: fmt.Sprintf("%d is out of range", req.Port)}
	}

	resp := PeerResponse{Host: req.Host, Port: req.Port}
	if req.Command == ConnectPeerRequestCommand {
		resp.Command = ConnectPeerResponseCommand
		resp.Status = s.peers.ConnectPeer(req.Host, req.Port)
		resp.Message = msgConnectFailed
		if resp.Status {
			resp.Message = msgConnected
		}
	} else {
		resp.Command = DisconnectPeerResponseCommand
		resp.Status = s.peers.DisconnectPeer(req.Host, req.Port)
		resp.Message = msgNotConnected
		if resp.Status {
			resp.Message = msgDisconnected
		}
	}
	return resp, nil
}

func sendJSON(conn transport.Conn, v interface{}) error {
	line, err := json.Marshal(v)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}
	return conn.Send(line)
}
