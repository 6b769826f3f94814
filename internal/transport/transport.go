// Package transport is the peer side of the daemon: it runs a libp2p
// host, discovers and dials peers, and maintains one session per peer
// that exchanges CRDT changes and cursor awareness over a Noise
// XXpsk2-authenticated stream. Each session keeps its own bounded
// outbound queue; a peer that cannot drain it is torn down and catches
// back up on reconnect.
package transport

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/multiformats/go-multiaddr"

	"ethersync/internal/crdt"
	"ethersync/internal/cursor"
)

// ProtocolID is the libp2p protocol this package speaks once a session's
// pairing handshake has completed.
const ProtocolID = protocol.ID("/ethersync/1.0.0")

func mdnsServiceTag(psk []byte) string {
	return fmt.Sprintf("ethersync-%x", psk[:4])
}

// Transport owns the libp2p host for one project and every live peer
// session against it.
type Transport struct {
	host    host.Host
	store   *crdt.Store
	cursors *cursor.Tracker
	psk     []byte
	node    crdt.NodeID
	logger  *log.Logger

	mdnsService mdns.Service

	unsubscribeStore  func()
	unsubscribeCursor func()

	mu              sync.Mutex
	sessions        map[peer.ID]*session
	onPeerConnected func(id peer.ID, addr string)

	// remoteUsers records which cursor UserIDs arrived from a peer rather
	// than a local editor. The Tracker notifies this transport's own
	// subscriber on those updates too; without this set each peer would
	// re-broadcast the other's cursors back at it indefinitely (cursors
	// have no version vector to dedup on, unlike changes).
	remoteUsers map[string]bool
}

// New creates the libp2p host and begins listening, but does not yet
// discover or dial anyone; call StartDiscovery or Connect afterward. identitySeed is the 32-byte Ed25519 seed
// persisted in .ethersync/config (internal/config.Config.SecretKey); a
// nil seed generates and returns a fresh one so the caller can persist it.
func New(store *crdt.Store, cursors *cursor.Tracker, identitySeed, psk []byte, logger *log.Logger) (*Transport, []byte, error) {
	if logger == nil {
		logger = log.Default()
	}
	if len(identitySeed) == 0 {
		_, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			return nil, nil, fmt.Errorf("transport: generate identity: %w", err)
		}
		identitySeed = priv.Seed()
	}
	if len(identitySeed) != ed25519.SeedSize {
		return nil, nil, fmt.Errorf("transport: identity seed must be %d bytes, got %d", ed25519.SeedSize, len(identitySeed))
	}
	full := ed25519.NewKeyFromSeed(identitySeed)
	priv, err := crypto.UnmarshalEd25519PrivateKey(full)
	if err != nil {
		return nil, nil, fmt.Errorf("transport: unmarshal identity key: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings("/ip4/0.0.0.0/tcp/0"),
		libp2p.NATPortMap(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("transport: create libp2p host: %w", err)
	}

	t := &Transport{
		host:        h,
		store:       store,
		cursors:     cursors,
		psk:         psk,
		node:        NodeIDFromPeer(h.ID()),
		logger:      logger,
		sessions:    make(map[peer.ID]*session),
		remoteUsers: make(map[string]bool),
	}
	h.SetStreamHandler(ProtocolID, t.handleIncomingStream)
	t.unsubscribeStore = store.Subscribe(t.onStoreChange)
	t.unsubscribeCursor = cursors.Subscribe(t.onCursorUpdate)

	return t, identitySeed, nil
}

// NodeID returns this host's derived CRDT node identity, used by the
// session controller to initialize the document store.
func (t *Transport) NodeID() crdt.NodeID { return t.node }

// Addrs returns this host's dialable multiaddrs, combined with its peer
// ID, in the form Connect accepts.
func (t *Transport) Addrs() []multiaddr.Multiaddr {
	info := peer.AddrInfo{ID: t.host.ID(), Addrs: t.host.Addrs()}
	addrs, err := peer.AddrInfoToP2pAddrs(&info)
	if err != nil {
		return nil
	}
	return addrs
}

// StartDiscovery begins advertising and watching for other peers on the
// local network via mDNS, scoped to this project by hashing the pairing
// secret into the service tag; two daemons for different projects on the
// same LAN never even see each other's advertisements.
func (t *Transport) StartDiscovery() error {
	svc := mdns.NewMdnsService(t.host, mdnsServiceTag(t.psk), t)
	if err := svc.Start(); err != nil {
		return fmt.Errorf("transport: start mdns discovery: %w", err)
	}
	t.mdnsService = svc
	return nil
}

// HandlePeerFound implements mdns.Notifee: it's invoked once per peer
// mDNS discovers on the scoped service tag.
func (t *Transport) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == t.host.ID() {
		return
	}
	t.mu.Lock()
	_, already := t.sessions[pi.ID]
	t.mu.Unlock()
	if already {
		return
	}
	ctx := context.Background()
	if err := t.host.Connect(ctx, pi); err != nil {
		t.logger.Printf("transport: connecting to discovered peer %s: %v", pi.ID, err)
		return
	}
	go t.dialSession(ctx, pi.ID)
}

// Connect dials a known multiaddr directly, used by `join --addr`
// when mDNS isn't available (e.g. across networks) or hasn't found the
// host yet.
func (t *Transport) Connect(ctx context.Context, addr multiaddr.Multiaddr) error {
	info, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return fmt.Errorf("transport: parse peer address: %w", err)
	}
	if err := t.host.Connect(ctx, *info); err != nil {
		return fmt.Errorf("transport: connect to %s: %w", info.ID, err)
	}
	go t.dialSession(ctx, info.ID)
	return nil
}

func (t *Transport) dialSession(ctx context.Context, p peer.ID) {
	stream, err := t.host.NewStream(ctx, p, ProtocolID)
	if err != nil {
		t.logger.Printf("transport: opening stream to %s: %v", p, err)
		return
	}
	cs, err := pairingHandshake(stream, t.psk, true)
	if err != nil {
		t.logger.Printf("transport: pairing handshake with %s failed, closing: %v", p, err)
		stream.Close()
		return
	}
	newSession(t, p, stream, cs).run()
}

func (t *Transport) handleIncomingStream(stream network.Stream) {
	p := stream.Conn().RemotePeer()
	cs, err := pairingHandshake(stream, t.psk, false)
	if err != nil {
		t.logger.Printf("transport: pairing handshake from %s failed, closing: %v", p, err)
		stream.Close()
		return
	}
	newSession(t, p, stream, cs).run()
}

// OnPeerConnected registers a callback invoked once per established
// session, with the peer's id and the remote address it was reached at.
// The session controller uses it to remember peers in the project config
// so a restarted daemon can dial them directly.
func (t *Transport) OnPeerConnected(fn func(id peer.ID, addr string)) {
	t.mu.Lock()
	t.onPeerConnected = fn
	t.mu.Unlock()
}

func (t *Transport) addSession(s *session) {
	t.mu.Lock()
	if old, ok := t.sessions[s.peerID]; ok {
		old.stream.Close()
	}
	t.sessions[s.peerID] = s
	fn := t.onPeerConnected
	t.mu.Unlock()
	if fn != nil {
		fn(s.peerID, s.stream.Conn().RemoteMultiaddr().String())
	}
}

func (t *Transport) removeSession(s *session) {
	t.mu.Lock()
	if t.sessions[s.peerID] == s {
		delete(t.sessions, s.peerID)
	}
	t.mu.Unlock()
}

func (t *Transport) onStoreChange(c crdt.Change) {
	for _, s := range t.snapshotSessions() {
		s.sendChange(c)
	}
}

func (t *Transport) onCursorUpdate(c cursor.Cursor) {
	if t.isRemoteUser(c.UserID) {
		return // came from a peer; every peer already exchanges cursors pairwise
	}
	for _, s := range t.snapshotSessions() {
		s.sendCursor(c)
	}
}

func (t *Transport) markRemoteUser(userID string) {
	t.mu.Lock()
	t.remoteUsers[userID] = true
	t.mu.Unlock()
}

func (t *Transport) isRemoteUser(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remoteUsers[userID]
}

func (t *Transport) snapshotSessions() []*session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	return out
}

// Peers returns the currently connected peer IDs, for the status view.
func (t *Transport) Peers() []peer.ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]peer.ID, 0, len(t.sessions))
	for id := range t.sessions {
		out = append(out, id)
	}
	return out
}

// Close tears down every session, stops discovery, and closes the host,
// as part of the session controller's shutdown sequence.
func (t *Transport) Close() error {
	t.unsubscribeStore()
	t.unsubscribeCursor()
	if t.mdnsService != nil {
		t.mdnsService.Close()
	}
	for _, s := range t.snapshotSessions() {
		s.stream.Close()
	}
	return t.host.Close()
}
