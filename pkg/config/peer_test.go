package config

import (
	"fmt"
	"testing"
	"time"

	"github.com/ghodss/yaml"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/peersync/pkg/errors"
	"github.com/sidkik/peersync/pkg/protocol"
)

func intPointer(i int) *int {
	return &i
}

func TestParsePeer(t *testing.T) {
	path := "/etc/peersync.yaml"

	tests := []struct {
		name      string
		input     []byte
		expConfig Peer
		expError  error
	}{
		{
			name:  "Defaults",
			input: []byte("path: /data\n"),
			expConfig: Peer{
				Version:                    SupportedPeerConfigVersion,
				Path:                       "/data",
				AdvertisedName:             DefaultAdvertisedName,
				Port:                       DefaultPort,
				MaximumIncomingConnections: DefaultMaximumIncomingConnections,
				SyncInterval:               DefaultSyncInterval,
				BlockSize:                  DefaultBlockSize,
				Mode:                       ModeTCP,
				UDPTimeout:                 DefaultUDPTimeout,
				UDPRetries:                 DefaultUDPRetries,
				ClientPort:                 intPointer(DefaultClientPort),
			},
		},
		{
			name: "FullySpecified",
			input: mustMarshal(Peer{
				Version:                    SupportedPeerConfigVersion,
				Path:                       "/data",
				AdvertisedName:             "alpha.example.com",
				Port:                       9000,
				Peers:                      []string{"beta:9000", "gamma:9001"},
				MaximumIncomingConnections: 2,
				SyncInterval:               30,
				BlockSize:                  4096,
				Mode:                       ModeUDP,
				UDPTimeout:                 250,
				UDPRetries:                 3,
				ClientPort:                 intPointer(0),
				AuthorizedKeys:             []string{"ssh-rsa AAAA admin@example"},
			}),
			expConfig: Peer{
				Version:                    SupportedPeerConfigVersion,
				Path:                       "/data",
				AdvertisedName:             "alpha.example.com",
				Port:                       9000,
				Peers:                      []string{"beta:9000", "gamma:9001"},
				MaximumIncomingConnections: 2,
				SyncInterval:               30,
				BlockSize:                  4096,
				Mode:                       ModeUDP,
				UDPTimeout:                 250,
				UDPRetries:                 3,
				ClientPort:                 intPointer(0),
				AuthorizedKeys:             []string{"ssh-rsa AAAA admin@example"},
			},
		},
		{
			name:  "IncorrectVersion",
			input: []byte("version: v2\npath: /data\n"),
			expError: errors.WithContext(incompatibleVersionError{
				path:   path,
				exp:    SupportedPeerConfigVersion,
				actual: "v2",
			}, "parse"),
		},
		{
			name:  "MissingPath",
			input: []byte("port: 9000\n"),
			expError: errors.NewFriendlyError("The configuration file %q must set %q "+
				"to the directory that should be synchronized.", path, "path"),
		},
		{
			name:     "BadMode",
			input:    []byte("path: /data\nmode: sctp\n"),
			expError: errors.NewFriendlyError(invalidFieldTemplate, path, "mode", `must be "tcp" or "udp"`),
		},
		{
			name:  "BadPort",
			input: []byte("path: /data\nport: 70000\n"),
			expError: errors.NewFriendlyError(invalidFieldTemplate, path, "port",
				"70000 is not a valid port"),
		},
		{
			name:  "BadPeer",
			input: []byte("path: /data\npeers: [\"beta\"]\n"),
			expError: errors.NewFriendlyError(invalidFieldTemplate, path, "peers",
				`"beta" is not a host:port address`),
		},
		{
			name:     "NegativeBlockSize",
			input:    []byte("path: /data\nblockSize: -1\n"),
			expError: errors.NewFriendlyError(invalidFieldTemplate, path, "blockSize", "must be positive"),
		},
		{
			name:  "BlockSizeTooLarge",
			input: []byte("path: /data\nblockSize: 16777216\n"),
			expError: errors.NewFriendlyError(invalidFieldTemplate, path, "blockSize",
				fmt.Sprintf("must not exceed %d", protocol.MaxBlockSize)),
		},
	}

	fs = afero.NewMemMapFs()
	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			require.NoError(t, afero.WriteFile(fs, path, test.input, 0644))
			config, err := ParsePeer(path)
			assert.Equal(t, test.expConfig, config)
			assert.Equal(t, test.expError, err)
		})
	}
}

func TestParsePeerExtraFields(t *testing.T) {
	fs = afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/peersync.yaml", []byte("path: /data\nextra: field\n"), 0644))

	_, err := ParsePeer("/peersync.yaml")
	require.Error(t, err)
	assert.Contains(t, errors.GetPrintableMessage(err), `unknown field "extra"`)
}

func TestParsePeerMissingFile(t *testing.T) {
	fs = afero.NewMemMapFs()
	_, err := ParsePeer("/missing.yaml")
	assert.Equal(t, errors.FileNotFound{Path: "/missing.yaml"}, errors.RootCause(err))
}

func TestPeerHelpers(t *testing.T) {
	cfg := Peer{
		Peers:        []string{"beta:9000"},
		SyncInterval: 5,
		UDPTimeout:   250,
		BlockSize:    1 << 20,
		Mode:         ModeTCP,
		ClientPort:   intPointer(0),
	}

	assert.Equal(t, []protocol.HostPort{{Host: "beta", Port: 9000}}, cfg.PeerAddresses())
	assert.Equal(t, 5*time.Second, cfg.SyncPeriod())
	assert.Equal(t, 250*time.Millisecond, cfg.HandshakeTimeout())
	assert.Equal(t, int64(1<<20), cfg.EffectiveBlockSize())

	_, enabled := cfg.AdminPort()
	assert.False(t, enabled)

	assert.Equal(t, int64(protocol.MaxBlockSize), cfg.MaxReadLength())

	cfg.Mode = ModeUDP
	assert.Equal(t, int64(MaxDatagramBlockSize), cfg.EffectiveBlockSize())
	assert.Equal(t, int64(MaxDatagramBlockSize), cfg.MaxReadLength())

	cfg.ClientPort = intPointer(8112)
	port, enabled := cfg.AdminPort()
	assert.True(t, enabled)
	assert.Equal(t, 8112, port)
}

func mustMarshal(cfg interface{}) []byte {
	yamlBytes, err := yaml.Marshal(cfg)
	if err != nil {
		panic(fmt.Errorf("bad test input, unable to marshal to yaml: %s", err))
	}
	return yamlBytes
}
