package admin

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/sidkik/peersync/pkg/errors"
	"github.com/sidkik/peersync/pkg/protocol"
	"github.com/sidkik/peersync/pkg/transport"
)

type mockPeerManager struct {
	mock.Mock
}

func (m *mockPeerManager) ListPeers() []protocol.HostPort {
	return m.Called().Get(0).([]protocol.HostPort)
}

func (m *mockPeerManager) ConnectPeer(host string, port int) bool {
	return m.Called(host, port).Bool(0)
}

func (m *mockPeerManager) DisconnectPeer(host string, port int) bool {
	return m.Called(host, port).Bool(0)
}

func generateKey(t *testing.T) *rsa.PrivateKey {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	return key
}

func authorizedKey(t *testing.T, key *rsa.PrivateKey, identity string) string {
	pub, err := ssh.NewPublicKey(&key.PublicKey)
	require.NoError(t, err)
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub))) + " " + identity
}

func startServer(ctx context.Context, t *testing.T, peers PeerManager, authorized ...string) *Server {
	server, err := NewServer(0, authorized, peers)
	require.NoError(t, err)
	go server.Run(ctx)
	return server
}

func TestAdminRequests(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	key := generateKey(t)
	peers := &mockPeerManager{}
	server := startServer(ctx, t, peers, authorizedKey(t, key, "alice@example.com"))
	client := Client{
		Address:  fmt.Sprintf("127.0.0.1:%d", server.Port()),
		Identity: "alice@example.com",
		Key:      key,
	}

	connected := []protocol.HostPort{{Host: "a", Port: 8111}, {Host: "b", Port: 8111}}
	peers.On("ListPeers").Return(connected).Once()
	peers.On("ListPeers").Return([]protocol.HostPort(nil)).Once()
	peers.On("ConnectPeer", "c", 8111).Return(true).Once()
	peers.On("ConnectPeer", "d", 8111).Return(false).Once()
	peers.On("DisconnectPeer", "a", 8111).Return(true).Once()
	peers.On("DisconnectPeer", "e", 8111).Return(false).Once()

	list, err := client.ListPeers(ctx)
	require.NoError(t, err)
	assert.Equal(t, connected, list)

	list, err = client.ListPeers(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	tests := []struct {
		name    string
		request func(context.Context, protocol.HostPort) (PeerResponse, error)
		peer    protocol.HostPort
		exp     PeerResponse
	}{
		{
			name:    "Connect",
			request: client.ConnectPeer,
			peer:    protocol.HostPort{Host: "c", Port: 8111},
			exp: PeerResponse{Command: ConnectPeerResponseCommand, Host: "c", Port: 8111,
				Status: true, Message: "connected to peer"},
		},
		{
			name:    "ConnectFailed",
			request: client.ConnectPeer,
			peer:    protocol.HostPort{Host: "d", Port: 8111},
			exp: PeerResponse{Command: ConnectPeerResponseCommand, Host: "d", Port: 8111,
				Message: "connection failed"},
		},
		{
			name:    "Disconnect",
			request: client.DisconnectPeer,
			peer:    protocol.HostPort{Host: "a", Port: 8111},
			exp: PeerResponse{Command: DisconnectPeerResponseCommand, Host: "a", Port: 8111,
				Status: true, Message: "disconnected from peer"},
		},
		{
			name:    "DisconnectInactive",
			request: client.DisconnectPeer,
			peer:    protocol.HostPort{Host: "e", Port: 8111},
			exp: PeerResponse{Command: DisconnectPeerResponseCommand, Host: "e", Port: 8111,
				Message: "connection not active"},
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			resp, err := test.request(ctx, test.peer)
			require.NoError(t, err)
			assert.Equal(t, test.exp, resp)
		})
	}
	peers.AssertExpectations(t)
}

func TestUnknownIdentity(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	key := generateKey(t)
	peers := &mockPeerManager{}
	server := startServer(ctx, t, peers, authorizedKey(t, key, "alice"))

	client := Client{
		Address:  fmt.Sprintf("127.0.0.1:%d", server.Port()),
		Identity: "mallory",
		Key:      key,
	}
	_, err := client.ListPeers(ctx)
	assert.EqualError(t, err, `The node rejected identity "mallory": public key not found`)

	// Knowing the identity isn't enough without the matching private key.
	client = Client{
		Address:  client.Address,
		Identity: "alice",
		Key:      generateKey(t),
	}
	_, err = client.ListPeers(ctx)
	assert.Error(t, err)
	peers.AssertNotCalled(t, "ListPeers")
}

func TestExpectAuthRequest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := startServer(ctx, t, &mockPeerManager{})
	conn, err := transport.DialStream(ctx, fmt.Sprintf("127.0.0.1:%d", server.Port()))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, sendJSON(conn, PeerRequest{Command: ListPeersRequestCommand}))
	var resp AuthResponse
	require.NoError(t, receiveJSON(conn, &resp))
	assert.Equal(t, AuthResponse{Command: AuthResponseCommand, Message: "expected AUTH_REQUEST"}, resp)

	_, err = conn.Receive()
	assert.Error(t, err)
}

func TestMissingIdentity(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := startServer(ctx, t, &mockPeerManager{})
	conn, err := transport.DialStream(ctx, fmt.Sprintf("127.0.0.1:%d", server.Port()))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, sendJSON(conn, AuthRequest{Command: AuthRequestCommand}))
	var resp AuthResponse
	require.NoError(t, receiveJSON(conn, &resp))
	assert.Equal(t, AuthResponse{Command: AuthResponseCommand, Message: "missing required field: identity"}, resp)
}

func TestExecuteValidation(t *testing.T) {
	s := &Server{peers: &mockPeerManager{}}
	tests := []struct {
		req    PeerRequest
		expErr error
	}{
		{
			req:    PeerRequest{Command: "SHUTDOWN_REQUEST"},
			expErr: errors.InvalidFieldError{Field: "command", Reason: `unknown command "SHUTDOWN_REQUEST"`},
		},
		{
			req:    PeerRequest{Command: ConnectPeerRequestCommand, Port: 1},
			expErr: errors.MissingFieldError{Field: "host"},
		},
		{
			req:    PeerRequest{Command: DisconnectPeerRequestCommand, Host: "a", Port: 70000},
			expErr: errors.InvalidFieldError{Field: "port", Reason: "70000 is out of range"},
		},
	}

	for _, test := range tests {
		_, err := s.execute(test.req)
		assert.Equal(t, test.expErr, err)
	}
}

func TestParseAuthorizedKeys(t *testing.T) {
	key := generateKey(t)

	keys, err := ParseAuthorizedKeys([]string{authorizedKey(t, key, "alice")})
	require.NoError(t, err)
	require.Contains(t, keys, "alice")
	assert.Zero(t, key.PublicKey.N.Cmp(keys["alice"].N))
	assert.Equal(t, key.PublicKey.E, keys["alice"].E)

	_, err = ParseAuthorizedKeys([]string{"ssh-rsa not-base64 alice"})
	assert.Error(t, err)

	noIdentity := strings.TrimSuffix(authorizedKey(t, key, "x"), " x")
	_, err = ParseAuthorizedKeys([]string{noIdentity})
	assert.Equal(t, errors.InvalidFieldError{Field: "authorizedKeys[0]",
		Reason: "the key has no identity comment"}, err)
}

func TestLoadPrivateKey(t *testing.T) {
	fs = afero.NewMemMapFs()
	key := generateKey(t)
	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	require.NoError(t, afero.WriteFile(fs, "/id_rsa", pemBytes, 0600))
	require.NoError(t, afero.WriteFile(fs, "/garbage", []byte("garbage"), 0600))

	loaded, err := LoadPrivateKey("/id_rsa")
	require.NoError(t, err)
	assert.Zero(t, key.D.Cmp(loaded.D))

	_, err = LoadPrivateKey("/garbage")
	assert.Error(t, err)

	_, err = LoadPrivateKey("/missing")
	assert.Error(t, err)
}

func TestSealOpen(t *testing.T) {
	key, err := newSessionKey()
	require.NoError(t, err)

	sealed, err := seal(key, []byte("secret"))
	require.NoError(t, err)
	assert.NotContains(t, sealed, "secret")

	plaintext, err := open(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, "secret", string(plaintext))

	otherKey, err := newSessionKey()
	require.NoError(t, err)
	_, err = open(otherKey, sealed)
	assert.Error(t, err)

	_, err = open(key, "c2hvcnQ=")
	assert.Error(t, err)
}

func TestWrapKey(t *testing.T) {
	priv := generateKey(t)
	key, err := newSessionKey()
	require.NoError(t, err)

	wrapped, err := wrapKey(&priv.PublicKey, key)
	require.NoError(t, err)

	unwrapped, err := unwrapKey(priv, wrapped)
	require.NoError(t, err)
	assert.Equal(t, key, unwrapped)
}
