package client

import (
	"bytes"
	"testing"

	"github.com/buger/goterm"
	"github.com/stretchr/testify/assert"

	"github.com/sidkik/peersync/pkg/admin"
	"github.com/sidkik/peersync/pkg/protocol"
)

func TestPrintPeers(t *testing.T) {
	var out bytes.Buffer
	printPeers(&out, nil)
	assert.Equal(t, "The node isn't connected to any peers.\n", out.String())

	out.Reset()
	printPeers(&out, []protocol.HostPort{
		{Host: "localhost", Port: 8111},
		{Host: "sunrise.cis.unimelb.edu.au", Port: 8500},
	})
	assert.Equal(t, "HOST                           PORT\n"+
		"localhost                      8111\n"+
		"sunrise.cis.unimelb.edu.au     8500\n", out.String())
}

func TestPrintPeerResponse(t *testing.T) {
	var out bytes.Buffer
	printPeerResponse(&out, admin.PeerResponse{Host: "a", Port: 1, Status: true, Message: "connected to peer"})
	printPeerResponse(&out, admin.PeerResponse{Host: "b", Port: 2, Message: "connection failed"})
	assert.Equal(t, "a:1: "+goterm.Color("connected to peer", goterm.GREEN)+"\n"+
		"b:2: "+goterm.Color("connection failed", goterm.RED)+"\n", out.String())
}

func TestNewClientRequiresIdentity(t *testing.T) {
	_, err := clientCmd{server: "localhost:8112", keyPath: "/id_rsa"}.newClient()
	assert.EqualError(t, err, "An identity is required. Set it with --identity.")
}
