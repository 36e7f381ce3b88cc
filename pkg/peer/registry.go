package peer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/peersync/cmd/util"
	"github.com/sidkik/peersync/pkg/errors"
	"github.com/sidkik/peersync/pkg/protocol"
	"github.com/sidkik/peersync/pkg/store"
)

// Errors returned by Register.
var (
	ErrPeerConnected   = errors.New("peer already connected")
	ErrConnectionLimit = errors.New("connection limit reached")
)

// Registry is the set of live sessions, keyed by peer. It relays local
// changes to every session.
type Registry struct {
	store        store.Store
	maxIncoming  int
	syncInterval time.Duration
	clock        clockwork.Clock

	lock     sync.Mutex
	sessions map[protocol.HostPort]*Session
	incoming int
}

// NewRegistry creates an empty Registry.
func NewRegistry(st store.Store, maxIncoming int, syncInterval time.Duration,
	clock clockwork.Clock) *Registry {
	return &Registry{
		store:        st,
		maxIncoming:  maxIncoming,
		syncInterval: syncInterval,
		clock:        clock,
		sessions:     map[protocol.HostPort]*Session{},
	}
}

// Register adds `s` unless its peer is already connected, or it's incoming
// and the incoming limit has been reached.
func (r *Registry) Register(s *Session) error {
	r.lock.Lock()
	if _, ok := r.sessions[s.hostPort]; ok {
		r.lock.Unlock()
		return ErrPeerConnected
	}
	if s.incoming && r.incoming >= r.maxIncoming {
		r.lock.Unlock()
		return ErrConnectionLimit
	}

	r.sessions[s.hostPort] = s
	if s.incoming {
		r.incoming++
	}
	r.lock.Unlock()
	return nil
}

// Start registers `s` and runs it until it ends, after which it's
// unregistered. The session is first sent the current state of the tree,
// which is walked on the session's goroutine rather than the caller's.
func (r *Registry) Start(ctx context.Context, s *Session) error {
	if err := r.Register(s); err != nil {
		return err
	}
	s.log.Info("Connected to peer")

	go func() {
		defer util.HandlePanic()
		s.EnqueueEvents(r.store.GenerateSyncEvents())
		err := s.Run(ctx)
		r.Unregister(s)
		s.log.WithError(err).Info("Disconnected from peer")
	}()
	return nil
}

// Unregister removes `s`. It's a no-op if `s` was already removed.
func (r *Registry) Unregister(s *Session) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.sessions[s.hostPort] != s {
		return
	}
	delete(r.sessions, s.hostPort)
	if s.incoming {
		r.incoming--
	}
}

func (r *Registry) IsConnected(hp protocol.HostPort) bool {
	_, ok := r.get(hp)
	return ok
}

func (r *Registry) get(hp protocol.HostPort) (*Session, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	s, ok := r.sessions[hp]
	return s, ok
}

// CanAcceptIncoming returns whether another incoming session would be
// admitted.
func (r *Registry) CanAcceptIncoming() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.incoming < r.maxIncoming
}

// List returns the connected peers in a stable order.
func (r *Registry) List() []protocol.HostPort {
	r.lock.Lock()
	peers := make([]protocol.HostPort, 0, len(r.sessions))
	for hp := range r.sessions {
		peers = append(peers, hp)
	}
	r.lock.Unlock()

	sort.Slice(peers, func(i, j int) bool {
		return peers[i].String() < peers[j].String()
	})
	return peers
}

func (r *Registry) all() []*Session {
	r.lock.Lock()
	defer r.lock.Unlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// Notify queues `event` on every session.
func (r *Registry) Notify(event store.SyncEvent) {
	for _, s := range r.all() {
		s.Enqueue(event)
	}
}

// RouteIncoming hands a datagram from `source` to its session. It returns
// false if no session belongs to `source`.
func (r *Registry) RouteIncoming(source protocol.HostPort, line []byte) bool {
	s, ok := r.get(source)
	return ok && s.deliver(line)
}

// Disconnect closes the session with `hp`. It returns false if there was no
// such session.
func (r *Registry) Disconnect(hp protocol.HostPort) bool {
	s, ok := r.get(hp)
	if !ok {
		return false
	}

	r.Unregister(s)
	s.Close()
	return true
}

// Run sends the full state of the tree to every session each sync interval,
// until `ctx` is cancelled.
func (r *Registry) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.clock.After(r.syncInterval):
		}

		sessions := r.all()
		if len(sessions) == 0 {
			continue
		}

		events := r.store.GenerateSyncEvents()
		log.WithField("events", len(events)).WithField("peers", len(sessions)).Debug("Relaying sync events")
		for _, s := range sessions {
			s.EnqueueEvents(events)
		}
	}
}
