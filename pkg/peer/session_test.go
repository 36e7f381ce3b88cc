package peer

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/peersync/pkg/protocol"
	"github.com/sidkik/peersync/pkg/store"
	"github.com/sidkik/peersync/pkg/transport"
)

var testPeer = protocol.HostPort{Host: "peer", Port: 8111}

// startSession runs a session over an in-memory pipe, and returns the other
// end of the pipe.
func startSession(t *testing.T, st store.Store) (*Session, transport.Conn, chan error) {
	local, remote := net.Pipe()
	s := newSession(testPeer, transport.NewStream(local), true, st, 4, protocol.MaxBlockSize)

	done := make(chan error, 1)
	go func() {
		done <- s.Run(context.Background())
	}()
	return s, transport.NewStream(remote), done
}

func receiveMessage(t *testing.T, conn transport.Conn) protocol.Message {
	line, err := conn.Receive()
	require.NoError(t, err)

	msg, err := protocol.Decode(line)
	require.NoError(t, err)
	return msg
}

func sendMessage(t *testing.T, conn transport.Conn, msg protocol.Message) {
	line, err := protocol.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, conn.Send(line))
}

func waitForRun(t *testing.T, done chan error) error {
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session never stopped")
		return nil
	}
}

func TestSessionRequestResponse(t *testing.T) {
	st, _ := newTestStore(t, nil)
	s, remote, done := startSession(t, st)

	sendMessage(t, remote, protocol.DirectoryCreateRequest{PathName: "docs"})
	assert.Equal(t, protocol.DirectoryCreateResponse{PathName: "docs",
		Message: "directory created", Status: true}, receiveMessage(t, remote))
	assert.True(t, st.DirNameExists("docs"))

	sendMessage(t, remote, protocol.HandshakeRequest{HostPort: testPeer})
	assert.Equal(t, protocol.InvalidProtocol{Message: "invalid command"}, receiveMessage(t, remote))

	s.Close()
	assert.Error(t, waitForRun(t, done))
}

func TestSessionSendsEventsInOrder(t *testing.T) {
	st, _ := newTestStore(t, nil)
	s, remote, done := startSession(t, st)

	fd := descriptorOf("contents")
	s.EnqueueEvents([]store.SyncEvent{
		{Kind: store.DirectoryCreate, PathName: "docs"},
		{Kind: store.FileCreate, PathName: "docs/a.txt", Descriptor: fd},
	})
	s.Enqueue(store.SyncEvent{Kind: store.FileModify, PathName: "docs/a.txt", Descriptor: fd})
	s.Enqueue(store.SyncEvent{Kind: store.FileDelete, PathName: "docs/a.txt", Descriptor: fd})
	s.Enqueue(store.SyncEvent{Kind: store.DirectoryDelete, PathName: "docs"})

	assert.Equal(t, protocol.DirectoryCreateRequest{PathName: "docs"}, receiveMessage(t, remote))
	assert.Equal(t, protocol.FileCreateRequest{FileDescriptor: fd, PathName: "docs/a.txt"},
		receiveMessage(t, remote))
	assert.Equal(t, protocol.FileModifyRequest{FileDescriptor: fd, PathName: "docs/a.txt"},
		receiveMessage(t, remote))
	assert.Equal(t, protocol.FileDeleteRequest{FileDescriptor: fd, PathName: "docs/a.txt"},
		receiveMessage(t, remote))
	assert.Equal(t, protocol.DirectoryDeleteRequest{PathName: "docs"}, receiveMessage(t, remote))

	s.Close()
	waitForRun(t, done)
}

func TestSessionCancelsTransfersOnDisconnect(t *testing.T) {
	st, _ := newTestStore(t, nil)
	_, remote, done := startSession(t, st)

	fd := descriptorOf("0123456789")
	sendMessage(t, remote, protocol.FileCreateRequest{FileDescriptor: fd, PathName: "a.txt"})
	assert.Equal(t, protocol.FileCreateResponse{FileDescriptor: fd, PathName: "a.txt",
		Message: "file loader ready", Status: true}, receiveMessage(t, remote))
	assert.Equal(t, protocol.FileBytesRequest{FileDescriptor: fd, PathName: "a.txt", Position: 0, Length: 4},
		receiveMessage(t, remote))

	require.NoError(t, remote.Close())
	assert.Error(t, waitForRun(t, done))

	// The abandoned loader no longer blocks a new transfer.
	assert.NoError(t, st.CreateFileLoader("a.txt", fd))
}

func TestSessionContextCancelled(t *testing.T) {
	st, _ := newTestStore(t, nil)
	local, remote := net.Pipe()
	defer remote.Close()
	s := newSession(testPeer, transport.NewStream(local), false, st, 4, protocol.MaxBlockSize)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()

	cancel()
	assert.Error(t, waitForRun(t, done))
	assert.False(t, s.Incoming())
	assert.Equal(t, testPeer, s.HostPort())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate([]byte("short")))

	long := make([]byte, maxLoggedLine+10)
	for i := range long {
		long[i] = 'a'
	}
	assert.Equal(t, string(long[:maxLoggedLine])+"... 10 more bytes", truncate(long))
}
