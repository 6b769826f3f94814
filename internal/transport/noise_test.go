package transport

import (
	"net"
	"sync"
	"testing"
)

func TestPairingHandshakeProducesMatchingCiphers(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	psk := make([]byte, 32)
	for i := range psk {
		psk[i] = byte(i)
	}

	var wg sync.WaitGroup
	var csInitiator, csResponder *cipherState
	var errInitiator, errResponder error

	wg.Add(2)
	go func() {
		defer wg.Done()
		csInitiator, errInitiator = pairingHandshake(a, psk, true)
	}()
	go func() {
		defer wg.Done()
		csResponder, errResponder = pairingHandshake(b, psk, false)
	}()
	wg.Wait()

	if errInitiator != nil {
		t.Fatalf("initiator handshake: %v", errInitiator)
	}
	if errResponder != nil {
		t.Fatalf("responder handshake: %v", errResponder)
	}

	plaintext := []byte("hello peer")
	sealed, err := csInitiator.encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	opened, err := csResponder.decrypt(sealed)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(opened) != string(plaintext) {
		t.Fatalf("round trip = %q, want %q", opened, plaintext)
	}
}

func TestPairingHandshakeFailsOnMismatchedPSK(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	pskA := make([]byte, 32)
	pskB := make([]byte, 32)
	pskB[0] = 1 // differ from pskA

	var wg sync.WaitGroup
	var errInitiator, errResponder error

	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errInitiator = pairingHandshake(a, pskA, true)
	}()
	go func() {
		defer wg.Done()
		_, errResponder = pairingHandshake(b, pskB, false)
	}()
	wg.Wait()

	if errInitiator == nil && errResponder == nil {
		t.Fatalf("expected a mismatched PSK to fail the handshake on at least one side")
	}
}
