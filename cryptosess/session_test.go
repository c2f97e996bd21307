package cryptosess

import (
	"bytes"
	"testing"
)

func TestHandshakeDerivesIdenticalKeys(t *testing.T) {
	alice, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair(alice): %v", err)
	}
	bob, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair(bob): %v", err)
	}

	aliceSecret, err := SharedSecret(alice.Private, bob.Public[:])
	if err != nil {
		t.Fatalf("SharedSecret(alice): %v", err)
	}
	bobSecret, err := SharedSecret(bob.Private, alice.Public[:])
	if err != nil {
		t.Fatalf("SharedSecret(bob): %v", err)
	}
	if !bytes.Equal(aliceSecret, bobSecret) {
		t.Fatalf("shared secrets diverge")
	}

	aliceKey, err := DeriveAEADKey(aliceSecret)
	if err != nil {
		t.Fatalf("DeriveAEADKey(alice): %v", err)
	}
	bobKey, err := DeriveAEADKey(bobSecret)
	if err != nil {
		t.Fatalf("DeriveAEADKey(bob): %v", err)
	}
	if aliceKey != bobKey {
		t.Fatalf("derived AEAD keys diverge")
	}
}

func TestAEADRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	secret, err := SharedSecret(kp.Private, kp.Public[:])
	if err != nil {
		t.Fatalf("SharedSecret: %v", err)
	}
	key, err := DeriveAEADKey(secret)
	if err != nil {
		t.Fatalf("DeriveAEADKey: %v", err)
	}
	aead, err := NewAEAD(key)
	if err != nil {
		t.Fatalf("NewAEAD: %v", err)
	}

	plaintext := []byte("hello from the sliding window")
	ciphertext := aead.Seal(plaintext)
	got, err := aead.Open(ciphertext)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q, want %q", got, plaintext)
	}
}

func TestAEADOpenRejectsTamperedCiphertext(t *testing.T) {
	kp, _ := GenerateKeyPair()
	secret, _ := SharedSecret(kp.Private, kp.Public[:])
	key, _ := DeriveAEADKey(secret)
	aead, _ := NewAEAD(key)

	ciphertext := aead.Seal([]byte("integrity matters"))
	ciphertext[0] ^= 0xFF

	if _, err := aead.Open(ciphertext); err == nil {
		t.Fatalf("expected Open to reject tampered ciphertext")
	}
}
