package crypto

import (
	"bytes"
	"testing"
)

func sameKeyDerive(sa *SA, nonce []byte) error {
	// In the real deployment the derivation function would run a KDF
	// over the nonce and a pre-shared secret; tests use the SA's
	// pre-populated key directly and ignore the nonce, matching
	// scenario 5 in spec §8 ("same 32-byte key").
	return nil
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	var key [KeySize]byte
	for i := range key {
		key[i] = byte(i)
	}

	serverSA := NewSA(RoleServer, key)
	clientSA := NewSA(RoleClient, key)

	nonce, err := NewNonce(16)
	if err != nil {
		t.Fatalf("NewNonce: %v", err)
	}

	if err := Derive(serverSA, nonce, sameKeyDerive); err != nil {
		t.Fatalf("Derive(server): %v", err)
	}
	if err := Derive(clientSA, nonce, sameKeyDerive); err != nil {
		t.Fatalf("Derive(client): %v", err)
	}

	plaintext := []byte("simple_crypto_test{value=true}")

	envelope, err := Encrypt(clientSA, plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if string(envelope[0:4]) != string(Magic[:]) {
		t.Fatalf("envelope missing magic prefix")
	}

	got, err := Decrypt(serverSA, envelope)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}

	if !bytes.Equal(got, plaintext) {
		t.Fatalf("Decrypt = %q, want %q", got, plaintext)
	}
}

func TestDecryptWithoutDeriveFails(t *testing.T) {
	var key [KeySize]byte
	sa := NewSA(RoleServer, key)

	_, err := Decrypt(sa, []byte("not a real envelope"))
	if err != ErrNotReady {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}
}

func TestResetInboundForcesFreshHandshake(t *testing.T) {
	var key [KeySize]byte
	sa := NewSA(RoleClient, key)

	if err := Derive(sa, []byte("n"), sameKeyDerive); err != nil {
		t.Fatalf("Derive: %v", err)
	}

	sa.ResetInbound()

	_, decReady := sa.ready()
	if decReady {
		t.Fatalf("decrypt context should be uninitialised after ResetInbound")
	}
}

func TestNonceFrameRoundTrip(t *testing.T) {
	nonce := []byte{1, 2, 3, 4, 5}
	frame := EncodeNonceFrame(nonce)

	got, err := DecodeNonceFrame(frame)
	if err != nil {
		t.Fatalf("DecodeNonceFrame: %v", err)
	}
	if !bytes.Equal(got, nonce) {
		t.Fatalf("got %v, want %v", got, nonce)
	}
}
