package transport

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"ethersync/internal/crdt"
	"ethersync/internal/ot"
)

// maxFrameSize bounds one wire frame. A resync batch can legitimately be
// large (a whole project's worth of characters), but an unbounded length
// prefix would let a misbehaving peer make us allocate arbitrarily.
const maxFrameSize = 64 << 20 // 64 MiB

// wireMessage is the single envelope every frame on an established session
// carries, tagged by Type so one session's read loop can dispatch on it
// without a second round of sniffing. Exactly one of the payload fields is
// set per message.
type wireMessage struct {
	Type    string         `json:"type"`
	Hello   *helloPayload  `json:"hello,omitempty"`
	Changes []crdt.Change  `json:"changes,omitempty"`
	Cursor  *cursorPayload `json:"cursor,omitempty"`
}

const (
	msgHello   = "hello"
	msgResync  = "resync"
	msgChanges = "changes"
	msgCursor  = "cursor"
)

// helloPayload is the first message each side sends once a session starts,
// carrying its version vector so the other side knows what, if anything, a
// normal incremental exchange would need to cover. This implementation
// always follows hello with a full resync (see ResyncChanges in
// internal/crdt) rather than computing an incremental diff from the
// vector, so VersionVector here is informational only, not used to gate
// what gets sent.
type helloPayload struct {
	NodeID        uint64            `json:"node_id"`
	VersionVector map[string]uint64 `json:"version_vector"`
}

// cursorPayload mirrors internal/cursor.Cursor, spelled out explicitly
// rather than reusing the type directly so this package's wire format
// doesn't silently change if that package's internal field set ever does.
type cursorPayload struct {
	UserID string     `json:"user_id"`
	Name   string     `json:"name,omitempty"`
	Path   string     `json:"path"`
	Ranges []ot.Range `json:"ranges"`
}

func encodeVersionVector(vv map[crdt.NodeID]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(vv))
	for node, seq := range vv {
		out[fmt.Sprintf("%d", uint64(node))] = seq
	}
	return out
}

// readFrame reads one length-prefixed, cipher-sealed frame and decrypts it
// with cs. The prefix is a big-endian uint32 byte count of the ciphertext
// that follows (Noise's own per-message MAC already authenticates length
// implicitly, but a length prefix is still needed to know how many bytes
// to read off the stream).
func readFrame(r io.Reader, cs *cipherState) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("transport: frame of %d bytes exceeds the %d byte limit", n, maxFrameSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return cs.decrypt(buf)
}

// writeFrame encrypts data with cs and writes it length-prefixed.
func writeFrame(w io.Writer, cs *cipherState, data []byte) error {
	sealed, err := cs.encrypt(data)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(sealed)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(sealed)
	return err
}

func readMessage(r io.Reader, cs *cipherState) (wireMessage, error) {
	data, err := readFrame(r, cs)
	if err != nil {
		return wireMessage{}, err
	}
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return wireMessage{}, fmt.Errorf("transport: malformed message: %w", err)
	}
	return msg, nil
}

func writeMessage(w io.Writer, cs *cipherState, msg wireMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return writeFrame(w, cs, data)
}
