package peer

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sidkik/peersync/cmd/util"
	"github.com/sidkik/peersync/pkg/errors"
	"github.com/sidkik/peersync/pkg/protocol"
	"github.com/sidkik/peersync/pkg/store"
	"github.com/sidkik/peersync/pkg/transport"
)

// errSessionClosed is returned by Run when the session was closed locally.
var errSessionClosed = errors.New("session closed")

// maxLoggedLine is the number of bytes of a message included in debug logs.
const maxLoggedLine = 256

// deliverer is implemented by transports that receive their messages from a
// shared socket.
type deliverer interface {
	Deliver(line []byte) bool
}

// Session is an admitted connection to a peer. Outbound messages are
// written by a single pump goroutine in the order they were queued, while a
// second goroutine handles inbound messages.
type Session struct {
	hostPort protocol.HostPort
	conn     transport.Conn
	incoming bool

	queue   *queue
	handler *handler
	log     *log.Entry

	closing   chan struct{}
	closeOnce sync.Once
}

func newSession(hp protocol.HostPort, conn transport.Conn, incoming bool,
	st store.Store, blockSize, maxRead int64) *Session {
	direction := "outgoing"
	if incoming {
		direction = "incoming"
	}
	entry := log.WithFields(log.Fields{
		"peer":      hp.String(),
		"direction": direction,
	})

	s := &Session{
		hostPort: hp,
		conn:     conn,
		incoming: incoming,
		queue:    newQueue(),
		log:      entry,
		closing:  make(chan struct{}),
	}
	s.handler = &handler{
		store:     st,
		blockSize: blockSize,
		maxRead:   maxRead,
		send:      s.send,
		log:       entry,
		transfers: map[string]*transfer{},
	}
	return s
}

// HostPort returns the peer's identity.
func (s *Session) HostPort() protocol.HostPort {
	return s.hostPort
}

// Incoming returns whether the peer connected to us.
func (s *Session) Incoming() bool {
	return s.incoming
}

// Enqueue queues the request that asks the peer to apply `event`.
func (s *Session) Enqueue(event store.SyncEvent) {
	s.EnqueueEvents([]store.SyncEvent{event})
}

// EnqueueEvents queues requests for all of `events` as one contiguous burst.
func (s *Session) EnqueueEvents(events []store.SyncEvent) {
	var msgs []protocol.Message
	for _, event := range events {
		msgs = append(msgs, requestForEvent(event))
	}
	s.send(msgs...)
}

func (s *Session) send(msgs ...protocol.Message) {
	var lines [][]byte
	for _, msg := range msgs {
		line, err := protocol.Encode(msg)
		if err != nil {
			s.log.WithError(err).WithField("command", msg.Command()).Error("Failed to encode message")
			continue
		}
		lines = append(lines, line)
	}
	s.queue.push(lines...)
}

func requestForEvent(event store.SyncEvent) protocol.Message {
	switch event.Kind {
	case store.DirectoryCreate:
		return protocol.DirectoryCreateRequest{PathName: event.PathName}
	case store.DirectoryDelete:
		return protocol.DirectoryDeleteRequest{PathName: event.PathName}
	case store.FileCreate:
		return protocol.FileCreateRequest{FileDescriptor: event.Descriptor, PathName: event.PathName}
	case store.FileDelete:
		return protocol.FileDeleteRequest{FileDescriptor: event.Descriptor, PathName: event.PathName}
	case store.FileModify:
		return protocol.FileModifyRequest{FileDescriptor: event.Descriptor, PathName: event.PathName}
	}
	panic(fmt.Sprintf("unknown event kind %d", event.Kind))
}

// Run pumps messages until the connection fails, the session is closed or
// `ctx` is cancelled. Transfers that haven't finished are discarded.
func (s *Session) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		defer util.HandlePanic()
		return s.pump(ctx)
	})
	group.Go(func() error {
		defer util.HandlePanic()
		return s.receive()
	})
	group.Go(func() error {
		defer util.HandlePanic()
		select {
		case <-ctx.Done():
		case <-s.closing:
		}

		// Unblocks receive.
		if err := s.conn.Close(); err != nil {
			s.log.WithError(err).Debug("Failed to close connection")
		}
		return errSessionClosed
	})

	err := group.Wait()
	s.handler.cancelTransfers()
	return err
}

// Close ends the session. It doesn't wait for Run to return.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closing)
	})
}

func (s *Session) pump(ctx context.Context) error {
	for {
		line, err := s.queue.pop(ctx)
		if err != nil {
			return err
		}

		if err := s.conn.Send(line); err != nil {
			return errors.WithContext(err, "send")
		}
		s.log.WithField("message", truncate(line)).Debug("Sent message")
	}
}

func (s *Session) receive() error {
	for {
		line, err := s.conn.Receive()
		if err != nil {
			return errors.WithContext(err, "receive")
		}
		s.handler.handle(line)
	}
}

// deliver hands a message received on a shared socket to the session.
func (s *Session) deliver(line []byte) bool {
	d, ok := s.conn.(deliverer)
	return ok && d.Deliver(line)
}

func truncate(line []byte) string {
	if len(line) <= maxLoggedLine {
		return string(line)
	}
	return fmt.Sprintf("%s... %d more bytes", line[:maxLoggedLine], len(line)-maxLoggedLine)
}
