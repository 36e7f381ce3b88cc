package admin

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/sidkik/peersync/pkg/protocol"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Commands exchanged on the admin channel.
const (
	AuthRequestCommand            = "AUTH_REQUEST"
	AuthResponseCommand           = "AUTH_RESPONSE"
	ListPeersRequestCommand       = "LIST_PEERS_REQUEST"
	ListPeersResponseCommand      = "LIST_PEERS_RESPONSE"
	ConnectPeerRequestCommand     = "CONNECT_PEER_REQUEST"
	ConnectPeerResponseCommand    = "CONNECT_PEER_RESPONSE"
	DisconnectPeerRequestCommand  = "DISCONNECT_PEER_REQUEST"
	DisconnectPeerResponseCommand = "DISCONNECT_PEER_RESPONSE"
)

const (
	msgKeyFound        = "public key found"
	msgKeyNotFound     = "public key not found"
	msgExpectedAuth    = "expected AUTH_REQUEST"
	msgMissingIdentity = "missing required field: identity"
	msgConnected       = "connected to peer"
	msgConnectFailed   = "connection failed"
	msgDisconnected    = "disconnected from peer"
	msgNotConnected    = "connection not active"
)

// AuthRequest opens an admin session as Identity.
type AuthRequest struct {
	Command  string `json:"command"`
	Identity string `json:"identity"`
}

// AuthResponse carries the session key, encrypted with the client's public
// key, when Status is true.
type AuthResponse struct {
	Command string `json:"command"`
	AES128  string `json:"AES128,omitempty"`
	Status  bool   `json:"status"`
	Message string `json:"message"`
}

// Payload wraps an encrypted request or response.
type Payload struct {
	Payload string `json:"payload"`
}

// PeerRequest is a decrypted request. Host and Port are unset for
// LIST_PEERS_REQUEST.
type PeerRequest struct {
	Command string `json:"command"`
	Host    string `json:"host,omitempty"`
	Port    int    `json:"port,omitempty"`
}

type ListPeersResponse struct {
	Command string              `json:"command"`
	Peers   []protocol.HostPort `json:"peers"`
}

// PeerResponse answers CONNECT_PEER_REQUEST and DISCONNECT_PEER_REQUEST.
type PeerResponse struct {
	Command string `json:"command"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Status  bool   `json:"status"`
	Message string `json:"message"`
}
