package transport

import (
	"sync"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"ethersync/internal/crdt"
	"ethersync/internal/cursor"
)

// outboundBuffer bounds how many changes a session's writer goroutine may
// have queued before the session is considered unreachable: on overflow
// the connection is torn down, and reconnection catches the peer back up
// through Store.ResyncChanges rather than any retained backlog.
const outboundBuffer = 256

// session is one peer connection, already past both the libp2p transport
// handshake and this package's pairing handshake. One goroutine reads
// incoming wireMessages, one drains outbound and writes them; both only
// ever touch the stream through cs, which serializes nothing on its own,
// so writes are additionally serialized by writeMu.
type session struct {
	t      *Transport
	peerID peer.ID
	stream network.Stream
	cs     *cipherState

	writeMu sync.Mutex

	outbound  chan wireMessage
	closeOnce sync.Once
	done      chan struct{}
}

func newSession(t *Transport, peerID peer.ID, stream network.Stream, cs *cipherState) *session {
	return &session{
		t:        t,
		peerID:   peerID,
		stream:   stream,
		cs:       cs,
		outbound: make(chan wireMessage, outboundBuffer),
		done:     make(chan struct{}),
	}
}

// run drives the session until the stream closes or the outbound buffer
// overflows. It registers itself with the Transport, exchanges hello and
// an initial resync, then services live traffic in both directions until
// torn down.
func (s *session) run() {
	s.t.addSession(s)
	defer s.t.removeSession(s)
	defer s.stream.Close()
	defer close(s.done)

	go s.writeLoop()

	hello := wireMessage{Type: msgHello, Hello: &helloPayload{
		NodeID:        uint64(s.t.node),
		VersionVector: encodeVersionVector(s.t.store.VersionVector()),
	}}
	if !s.enqueue(hello) {
		return
	}
	if !s.enqueue(wireMessage{Type: msgResync, Changes: s.t.store.ResyncChanges()}) {
		return
	}

	for {
		msg, err := readMessage(s.stream, s.cs)
		if err != nil {
			s.t.logger.Printf("transport: session with %s ended: %v", s.peerID, err)
			return
		}
		s.handleIncoming(msg)
	}
}

func (s *session) handleIncoming(msg wireMessage) {
	switch msg.Type {
	case msgHello:
		if msg.Hello != nil {
			s.t.logger.Printf("transport: %s is at version vector %v", s.peerID, msg.Hello.VersionVector)
		}
	case msgResync:
		s.t.store.ApplyResync(msg.Changes)
	case msgChanges:
		if _, err := s.t.store.ApplyRemote(msg.Changes); err != nil {
			s.t.logger.Printf("transport: applying changes from %s: %v", s.peerID, err)
		}
	case msgCursor:
		if msg.Cursor != nil {
			s.t.markRemoteUser(msg.Cursor.UserID)
			c := cursor.Cursor{
				UserID: msg.Cursor.UserID,
				Name:   msg.Cursor.Name,
				Path:   msg.Cursor.Path,
				Ranges: msg.Cursor.Ranges,
			}
			s.t.cursors.Update(c)
		}
	default:
		s.t.logger.Printf("transport: %s sent an unrecognized message type %q", s.peerID, msg.Type)
	}
}

func (s *session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.outbound:
			s.writeMu.Lock()
			err := writeMessage(s.stream, s.cs, msg)
			s.writeMu.Unlock()
			if err != nil {
				s.t.logger.Printf("transport: writing to %s: %v", s.peerID, err)
				s.stream.Close()
				return
			}
		}
	}
}

// enqueue queues msg for delivery, closing the session instead of blocking
// if its outbound buffer is already full.
func (s *session) enqueue(msg wireMessage) bool {
	select {
	case s.outbound <- msg:
		return true
	case <-s.done:
		return false
	default:
		s.t.logger.Printf("transport: %s fell behind, tearing down the connection", s.peerID)
		s.closeOnce.Do(func() { s.stream.Close() })
		return false
	}
}

func (s *session) sendChange(c crdt.Change) {
	s.enqueue(wireMessage{Type: msgChanges, Changes: []crdt.Change{c}})
}

func (s *session) sendCursor(c cursor.Cursor) {
	s.enqueue(wireMessage{Type: msgCursor, Cursor: &cursorPayload{
		UserID: c.UserID,
		Name:   c.Name,
		Path:   c.Path,
		Ranges: c.Ranges,
	}})
}
