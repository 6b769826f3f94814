// Package pairing bootstraps a shared secret between a hosting daemon and
// a joiner without any prior contact: the host generates a short,
// human-readable code; the joiner types it in. Both sides derive the same
// pre-shared key from the code, which is then fed into the peer
// transport's Noise handshake (internal/transport) instead of a
// round-tripped key exchange.
//
// This is a practical approximation rather than a true
// password-authenticated key exchange: the code itself is the secret, and
// HKDF turns it into key material. Anyone who observes the code before the
// first handshake completes can impersonate either side; the model is a
// shared secret, nothing stronger.
package pairing

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// words is a small, fixed dictionary used to render a pairing code as
// three words instead of a hex string a user has to type over a phone
// call.
var words = []string{
	"anchor", "basil", "cedar", "delta", "ember", "fable", "granite", "harbor",
	"indigo", "juniper", "kestrel", "lantern", "meadow", "nectar", "opal", "pebble",
	"quartz", "ridge", "satin", "thistle", "umber", "violet", "willow", "zephyr",
}

const codeSeparator = "-"

// Code is a short human-readable pairing code plus the pre-shared key both
// sides derive from it. The host and the joiner never exchange Secret
// directly; they each compute it independently from the same word
// phrase, which is what ParseAndDeriveAuth does on the joiner's side.
type Code struct {
	Words  []string
	Secret []byte
}

// String renders the code as hyphen-joined words, e.g. "cedar-opal-ridge".
func (c Code) String() string {
	return strings.Join(c.Words, codeSeparator)
}

// Generate picks a fresh random phrase and derives the pre-shared key from
// it, exactly as ParseAndDeriveAuth will when the joiner types the same
// phrase back in; the word phrase itself is the shared secret, entropy
// drawn from crypto/rand only to pick which words.
func Generate() (Code, error) {
	entropy := make([]byte, 32)
	if _, err := rand.Read(entropy); err != nil {
		return Code{}, fmt.Errorf("pairing: generate entropy: %w", err)
	}
	picked := wordsFromEntropy(entropy)
	secret, err := ParseAndDeriveAuth(strings.Join(picked, codeSeparator))
	if err != nil {
		return Code{}, err
	}
	return Code{Words: picked, Secret: secret}, nil
}

func wordsFromEntropy(entropy []byte) []string {
	sum := sha256.Sum256(entropy)
	picked := make([]string, 3)
	for i := range picked {
		picked[i] = words[int(sum[i])%len(words)]
	}
	return picked
}

// ParseAndDeriveAuth turns a code typed by the joiner into the same
// pre-shared key the host derives, by hashing the code text itself; the
// code IS the shared secret in this scheme, not a reference to one the
// host remembers, which is why the host must only ever speak it to the
// one intended joiner.
func ParseAndDeriveAuth(code string) ([]byte, error) {
	normalized := strings.ToLower(strings.TrimSpace(code))
	if normalized == "" {
		return nil, fmt.Errorf("pairing: empty code")
	}
	return DeriveAuth([]byte(normalized))
}

// DeriveAuth expands a shared secret into a 32-byte pre-shared key via
// HKDF-SHA256, suitable as the PSK input to a Noise XXpsk2 handshake.
func DeriveAuth(secret []byte) ([]byte, error) {
	psk := make([]byte, 32)
	kdf := hkdf.New(sha256.New, secret, nil, []byte("ethersync-pairing-psk"))
	if _, err := kdf.Read(psk); err != nil {
		return nil, fmt.Errorf("pairing: derive psk: %w", err)
	}
	return psk, nil
}
