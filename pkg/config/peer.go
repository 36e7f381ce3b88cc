package config

import (
	"fmt"
	"time"

	homedir "github.com/mitchellh/go-homedir"

	"github.com/sidkik/peersync/pkg/errors"
	"github.com/sidkik/peersync/pkg/protocol"
)

// SupportedPeerConfigVersion is the version of the peer config understood by
// this binary. Files that don't set a version are assumed to use it.
const SupportedPeerConfigVersion = "v1alpha1"

// DefaultPeerConfigPath is where the peer config is read from when no path is
// given on the command line.
const DefaultPeerConfigPath = "~/.peersync.yaml"

// The transports a node can use to talk to its peers.
const (
	ModeTCP = "tcp"
	ModeUDP = "udp"
)

// MaxDatagramBlockSize caps the block size in UDP mode so that a base64
// encoded block fits into a single datagram.
const MaxDatagramBlockSize = 8192

// Defaults applied to unset fields.
const (
	DefaultAdvertisedName             = "localhost"
	DefaultPort                       = 8111
	DefaultMaximumIncomingConnections = 10
	DefaultSyncInterval               = 60
	DefaultBlockSize                  = 1 << 20
	DefaultUDPTimeout                 = 1000
	DefaultUDPRetries                 = 5
	DefaultClientPort                 = 8112
)

// invalidFieldTemplate is shown when a field has a value that can't be used.
const invalidFieldTemplate = "The configuration file %q has an invalid value for %q: %s"

// Peer is the configuration of a single node.
type Peer struct {
	Version string `json:"version,omitempty"`

	// Path is the root of the directory tree that's synchronized. Required.
	Path string `json:"path"`

	AdvertisedName string `json:"advertisedName,omitempty"`
	Port           int    `json:"port,omitempty"`

	// Peers are "host:port" addresses that are connected to at startup.
	Peers []string `json:"peers,omitempty"`

	MaximumIncomingConnections int `json:"maximumIncomingConnections,omitempty"`

	// SyncInterval is the number of seconds between full reconciliations.
	SyncInterval int `json:"syncInterval,omitempty"`

	BlockSize int64  `json:"blockSize,omitempty"`
	Mode      string `json:"mode,omitempty"`

	// UDPTimeout is the number of milliseconds to wait for a handshake reply
	// before retransmitting. Only used in UDP mode.
	UDPTimeout int `json:"udpTimeout,omitempty"`
	UDPRetries int `json:"udpRetries,omitempty"`

	// ClientPort is where the admin channel listens. Zero disables it.
	ClientPort *int `json:"clientPort,omitempty"`

	// AuthorizedKeys are OpenSSH public keys, one per line, whose comment is
	// the identity clients authenticate as.
	AuthorizedKeys []string `json:"authorizedKeys,omitempty"`
}

func (c Peer) getVersion() string {
	return c.Version
}

// ParsePeer reads, defaults and validates the peer config at `path`.
func ParsePeer(path string) (Peer, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return Peer{}, errors.WithContext(err, "expand path")
	}

	// Files without a version keep this one.
	cfg := Peer{Version: SupportedPeerConfigVersion}
	if err := parseConfig(path, &cfg, SupportedPeerConfigVersion); err != nil {
		return Peer{}, errors.WithContext(err, "parse")
	}

	cfg.applyDefaults()
	if err := cfg.validate(path); err != nil {
		return Peer{}, err
	}

	if cfg.Path, err = homedir.Expand(cfg.Path); err != nil {
		return Peer{}, errors.WithContext(err, "expand sync path")
	}
	return cfg, nil
}

func (c *Peer) applyDefaults() {
	if c.AdvertisedName == "" {
		c.AdvertisedName = DefaultAdvertisedName
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.MaximumIncomingConnections == 0 {
		c.MaximumIncomingConnections = DefaultMaximumIncomingConnections
	}
	if c.SyncInterval == 0 {
		c.SyncInterval = DefaultSyncInterval
	}
	if c.BlockSize == 0 {
		c.BlockSize = DefaultBlockSize
	}
	if c.Mode == "" {
		c.Mode = ModeTCP
	}
	if c.UDPTimeout == 0 {
		c.UDPTimeout = DefaultUDPTimeout
	}
	if c.UDPRetries == 0 {
		c.UDPRetries = DefaultUDPRetries
	}
	if c.ClientPort == nil {
		port := DefaultClientPort
		c.ClientPort = &port
	}
}

func (c Peer) validate(path string) error {
	invalid := func(field, reason string) error {
		return errors.NewFriendlyError(invalidFieldTemplate, path, field, reason)
	}

	if c.Path == "" {
		return errors.NewFriendlyError("The configuration file %q must set %q "+
			"to the directory that should be synchronized.", path, "path")
	}
	if !validPort(c.Port) {
		return invalid("port", fmt.Sprintf("%d is not a valid port", c.Port))
	}
	if port := *c.ClientPort; port != 0 && !validPort(port) {
		return invalid("clientPort", fmt.Sprintf("%d is not a valid port", port))
	}
	if c.Mode != ModeTCP && c.Mode != ModeUDP {
		return invalid("mode", fmt.Sprintf("must be %q or %q", ModeTCP, ModeUDP))
	}
	if c.MaximumIncomingConnections < 0 {
		return invalid("maximumIncomingConnections", "must not be negative")
	}

	positive := map[string]int64{
		"syncInterval": int64(c.SyncInterval),
		"blockSize":    c.BlockSize,
		"udpTimeout":   int64(c.UDPTimeout),
		"udpRetries":   int64(c.UDPRetries),
	}
	for _, field := range []string{"syncInterval", "blockSize", "udpTimeout", "udpRetries"} {
		if positive[field] < 0 {
			return invalid(field, "must be positive")
		}
	}

	if c.BlockSize > protocol.MaxBlockSize {
		return invalid("blockSize", fmt.Sprintf("must not exceed %d", protocol.MaxBlockSize))
	}

	for _, peer := range c.Peers {
		if _, err := protocol.ParseHostPort(peer); err != nil {
			return invalid("peers", fmt.Sprintf("%q is not a host:port address", peer))
		}
	}
	return nil
}

func validPort(port int) bool {
	return port > 0 && port <= 65535
}

// PeerAddresses returns the parsed Peers.
func (c Peer) PeerAddresses() (peers []protocol.HostPort) {
	for _, peer := range c.Peers {
		// Already checked by validate.
		hp, _ := protocol.ParseHostPort(peer)
		peers = append(peers, hp)
	}
	return peers
}

// SyncPeriod returns SyncInterval as a duration.
func (c Peer) SyncPeriod() time.Duration {
	return time.Duration(c.SyncInterval) * time.Second
}

// HandshakeTimeout returns UDPTimeout as a duration.
func (c Peer) HandshakeTimeout() time.Duration {
	return time.Duration(c.UDPTimeout) * time.Millisecond
}

// EffectiveBlockSize returns the block size used for transfers, which is
// capped in UDP mode.
func (c Peer) EffectiveBlockSize() int64 {
	if c.Mode == ModeUDP && c.BlockSize > MaxDatagramBlockSize {
		return MaxDatagramBlockSize
	}
	return c.BlockSize
}

// MaxReadLength returns the longest block the node serves to its peers.
func (c Peer) MaxReadLength() int64 {
	if c.Mode == ModeUDP {
		return MaxDatagramBlockSize
	}
	return protocol.MaxBlockSize
}

// AdminPort returns the admin channel's port, and false if it's disabled.
func (c Peer) AdminPort() (int, bool) {
	if c.ClientPort == nil || *c.ClientPort == 0 {
		return 0, false
	}
	return *c.ClientPort, true
}
