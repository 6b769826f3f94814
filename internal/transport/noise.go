package transport

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/flynn/noise"
)

// cipherSuite is fixed for the whole protocol: Curve25519 for the DH,
// AES-256-GCM for the AEAD, SHA-256 for the hash and HKDF. This matches
// what libp2p's own Noise security transport uses, so the two handshakes
// (this package's pairing handshake and libp2p's per-connection transport
// security) share no code but the same primitives.
var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherAESGCM, noise.HashSHA256)

// cipherState holds the pair of one-way ciphers a completed handshake
// produces: send encrypts frames this side originates, recv decrypts
// frames the other side sends.
type cipherState struct {
	send *noise.CipherState
	recv *noise.CipherState
}

func (cs *cipherState) encrypt(plaintext []byte) ([]byte, error) {
	return cs.send.Encrypt(nil, nil, plaintext)
}

func (cs *cipherState) decrypt(ciphertext []byte) ([]byte, error) {
	return cs.recv.Decrypt(nil, nil, ciphertext)
}

// pairingHandshake runs the Noise XXpsk2 handshake over s (a freshly
// opened stream, before any wireMessage framing starts) and returns the
// resulting cipherState. psk is the pairing secret derived in
// internal/pairing; both sides must supply the same one, which is
// precisely what XXpsk2's extra mixed-in PSK message proves without
// either side ever putting the secret itself on the wire.
//
// This runs in addition to, not instead of, libp2p's own per-connection
// Noise security: that layer authenticates the libp2p peer identity;
// this one authenticates project membership. A peer that completes
// libp2p's handshake but not this one has a working connection and no
// access to anything this session forwards.
func pairingHandshake(rw io.ReadWriter, psk []byte, initiator bool) (*cipherState, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:           cipherSuite,
		Pattern:               noise.HandshakeXX,
		Initiator:             initiator,
		Random:                rand.Reader,
		StaticKeypair:         mustKeypair(),
		PresharedKey:          psk,
		PresharedKeyPlacement: 2,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: init noise handshake: %w", err)
	}

	// The XX pattern is three messages: initiator writes message 1 and 3,
	// responder writes message 2. Only the third (final) message produces
	// the two transport CipherStates, via whichever call makes it: the
	// initiator's WriteMessage for message 3, or the responder's
	// ReadMessage of it.
	writesAt := map[int]bool{0: initiator, 1: !initiator, 2: initiator}

	var c1, c2 *noise.CipherState
	for i := 0; i < 3; i++ {
		if writesAt[i] {
			msg, cs1, cs2, err := hs.WriteMessage(nil, nil)
			if err != nil {
				return nil, fmt.Errorf("transport: write handshake message %d: %w", i, err)
			}
			if err := writeRaw(rw, msg); err != nil {
				return nil, err
			}
			c1, c2 = cs1, cs2
		} else {
			raw, err := readRaw(rw)
			if err != nil {
				return nil, err
			}
			_, cs1, cs2, err := hs.ReadMessage(nil, raw)
			if err != nil {
				return nil, fmt.Errorf("transport: read handshake message %d: %w", i, err)
			}
			c1, c2 = cs1, cs2
		}
	}

	if c1 == nil || c2 == nil {
		return nil, fmt.Errorf("transport: handshake completed without producing transport ciphers")
	}

	// flynn/noise's Split (surfaced through the final WriteMessage/
	// ReadMessage call) returns c1 for initiator->responder traffic and c2
	// for the reverse; orient send/recv accordingly for each side.
	if initiator {
		return &cipherState{send: c1, recv: c2}, nil
	}
	return &cipherState{send: c2, recv: c1}, nil
}

func writeRaw(w io.Writer, data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readRaw(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("transport: handshake message of %d bytes exceeds the %d byte limit", n, maxFrameSize)
	}
	buf := make([]byte, n)
	_, err := io.ReadFull(r, buf)
	return buf, err
}

func mustKeypair() noise.DHKey {
	kp, err := cipherSuite.GenerateKeypair(rand.Reader)
	if err != nil {
		panic(fmt.Sprintf("transport: generate ephemeral noise keypair: %v", err))
	}
	return kp
}
