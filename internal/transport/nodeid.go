package transport

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/libp2p/go-libp2p/core/peer"

	"ethersync/internal/crdt"
)

// NodeIDFromPeer derives a crdt.NodeID from a libp2p peer identity.
// peer.ID is an opaque multihash-shaped byte string with no numeric
// structure of its own, but the LSEQ tie-break and version vector only
// need any stable, collision-resistant uint64 per identity, not the
// identity itself, so this just takes the first 8 bytes of its SHA-256
// digest. Two distinct peer.IDs colliding here is astronomically
// unlikely; if it happened, the two peers would share one version-vector
// entry and one identifier tie-break value.
func NodeIDFromPeer(p peer.ID) crdt.NodeID {
	sum := sha256.Sum256([]byte(p))
	return crdt.NodeID(binary.BigEndian.Uint64(sum[:8]))
}
