package admin

import (
	"context"
	"crypto/rsa"

	"github.com/sidkik/peersync/pkg/errors"
	"github.com/sidkik/peersync/pkg/protocol"
	"github.com/sidkik/peersync/pkg/transport"
)

// Client makes requests to a node's admin channel.
type Client struct {
	// Address is the "host:port" of the admin channel.
	Address  string
	Identity string
	Key      *rsa.PrivateKey
}

// ListPeers returns the peers the node is connected to.
func (c Client) ListPeers(ctx context.Context) ([]protocol.HostPort, error) {
	var resp ListPeersResponse
	if err := c.exchange(ctx, PeerRequest{Command: ListPeersRequestCommand}, &resp); err != nil {
		return nil, err
	}
	return resp.Peers, nil
}

// ConnectPeer asks the node to connect to `hp`.
func (c Client) ConnectPeer(ctx context.Context, hp protocol.HostPort) (PeerResponse, error) {
	var resp PeerResponse
	err := c.exchange(ctx, PeerRequest{Command: ConnectPeerRequestCommand, Host: hp.Host, Port: hp.Port}, &resp)
	return resp, err
}

// DisconnectPeer asks the node to end its session with `hp`.
func (c Client) DisconnectPeer(ctx context.Context, hp protocol.HostPort) (PeerResponse, error) {
	var resp PeerResponse
	err := c.exchange(ctx, PeerRequest{Command: DisconnectPeerRequestCommand, Host: hp.Host, Port: hp.Port}, &resp)
	return resp, err
}

func (c Client) exchange(ctx context.Context, req PeerRequest, resp interface{}) error {
	conn, err := transport.DialStream(ctx, c.Address)
	if err != nil {
		return errors.WithContext(err, "connect")
	}
	defer conn.Close()

	if err := sendJSON(conn, AuthRequest{Command: AuthRequestCommand, Identity: c.Identity}); err != nil {
		return errors.WithContext(err, "send auth request")
	}

	var auth AuthResponse
	if err := receiveJSON(conn, &auth); err != nil {
		return errors.WithContext(err, "receive auth response")
	}
	if !auth.Status {
		return errors.NewFriendlyError("The node rejected identity %q: %s", c.Identity, auth.Message)
	}

	key, err := unwrapKey(c.Key, auth.AES128)
	if err != nil {
		return err
	}

	sealed, err := sealJSON(key, req)
	if err != nil {
		return err
	}
	if err := sendJSON(conn, sealed); err != nil {
		return errors.WithContext(err, "send request")
	}

	var payload Payload
	if err := receiveJSON(conn, &payload); err != nil {
		return errors.WithContext(err, "receive response")
	}
	return openJSON(key, payload, resp)
}

func receiveJSON(conn transport.Conn, v interface{}) error {
	line, err := conn.Receive()
	if err != nil {
		return err
	}
	return errors.WithContext(json.Unmarshal(line, v), "unmarshal")
}
