package client

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/buger/goterm"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"

	"github.com/sidkik/peersync/cmd/util"
	"github.com/sidkik/peersync/pkg/admin"
	"github.com/sidkik/peersync/pkg/errors"
	"github.com/sidkik/peersync/pkg/protocol"
)

// requestTimeout bounds each admin request. Connecting to a peer over UDP may
// take several handshake retransmissions.
const requestTimeout = time.Minute

// Mocked out for unit testing.
var stdout io.Writer = os.Stdout

type clientCmd struct {
	server   string
	identity string
	keyPath  string
}

// New creates a new `client` command.
func New() *cobra.Command {
	var cmd clientCmd
	cobraCmd := &cobra.Command{
		Use:   "client",
		Short: "Manage the peers of a running node",
		Long: `Manage the peers of a running node through its admin port.

The client authenticates with an identity listed in the node's authorizedKeys,
and the RSA private key that matches it.`,
	}
	cobraCmd.PersistentFlags().StringVarP(&cmd.server, "server", "s", "localhost:8112",
		"The admin address of the node")
	cobraCmd.PersistentFlags().StringVarP(&cmd.identity, "identity", "i", "",
		"The identity to authenticate as")
	cobraCmd.PersistentFlags().StringVarP(&cmd.keyPath, "key", "k", "~/.ssh/id_rsa",
		"The path to the RSA private key of the identity")

	cobraCmd.AddCommand(
		&cobra.Command{
			Use:   "list-peers",
			Short: "List the peers the node is connected to",
			Args:  cobra.NoArgs,
			Run: func(_ *cobra.Command, _ []string) {
				cmd.runWithClient(func(ctx context.Context, c admin.Client) error {
					peers, err := c.ListPeers(ctx)
					if err != nil {
						return err
					}
					printPeers(stdout, peers)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "connect-peer <host:port>",
			Short: "Connect the node to a peer",
			Args:  cobra.ExactArgs(1),
			Run: func(_ *cobra.Command, args []string) {
				cmd.runPeerRequest(args[0], admin.Client.ConnectPeer)
			},
		},
		&cobra.Command{
			Use:   "disconnect-peer <host:port>",
			Short: "Disconnect the node from a peer",
			Args:  cobra.ExactArgs(1),
			Run: func(_ *cobra.Command, args []string) {
				cmd.runPeerRequest(args[0], admin.Client.DisconnectPeer)
			},
		},
	)
	return cobraCmd
}

type peerRequest func(admin.Client, context.Context, protocol.HostPort) (admin.PeerResponse, error)

func (cmd clientCmd) runPeerRequest(target string, request peerRequest) {
	hp, err := protocol.ParseHostPort(target)
	if err != nil {
		util.HandleFatalError(errors.NewFriendlyError("%q is not a valid peer address: %s", target, err))
	}

	cmd.runWithClient(func(ctx context.Context, c admin.Client) error {
		resp, err := request(c, ctx, hp)
		if err != nil {
			return err
		}
		printPeerResponse(stdout, resp)
		return nil
	})
}

func (cmd clientCmd) runWithClient(fn func(context.Context, admin.Client) error) {
	c, err := cmd.newClient()
	if err != nil {
		util.HandleFatalError(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := fn(ctx, c); err != nil {
		util.HandleFatalError(errors.WithContext(err, "admin request"))
	}
}

func (cmd clientCmd) newClient() (admin.Client, error) {
	if cmd.identity == "" {
		return admin.Client{}, errors.NewFriendlyError("An identity is required. Set it with --identity.")
	}

	keyPath, err := homedir.Expand(cmd.keyPath)
	if err != nil {
		return admin.Client{}, errors.WithContext(err, "expand key path")
	}

	key, err := admin.LoadPrivateKey(keyPath)
	if err != nil {
		return admin.Client{}, errors.WithContext(err, fmt.Sprintf("load private key %s", keyPath))
	}
	return admin.Client{Address: cmd.server, Identity: cmd.identity, Key: key}, nil
}

func printPeers(out io.Writer, peers []protocol.HostPort) {
	if len(peers) == 0 {
		fmt.Fprintln(out, "The node isn't connected to any peers.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 10, 5, ' ', 0)
	defer w.Flush()
	fmt.Fprintf(w, "HOST\tPORT\n")
	for _, peer := range peers {
		fmt.Fprintf(w, "%s\t%d\n", peer.Host, peer.Port)
	}
}

func printPeerResponse(out io.Writer, resp admin.PeerResponse) {
	color := goterm.RED
	if resp.Status {
		color = goterm.GREEN
	}
	fmt.Fprintf(out, "%s:%d: %s\n", resp.Host, resp.Port, goterm.Color(resp.Message, color))
}
