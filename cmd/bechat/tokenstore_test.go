package main

import (
	"path/filepath"
	"testing"
)

func TestTokenStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	s := NewTokenStore(path, "correct horse battery staple")

	if err := s.Save("tok-12345"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != "tok-12345" {
		t.Fatalf("Load() = %q, want tok-12345", got)
	}
}

func TestTokenStoreLoadMissingFileReturnsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist")
	s := NewTokenStore(path, "whatever")

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != "" {
		t.Fatalf("Load() = %q, want empty", got)
	}
}

func TestTokenStoreWrongPassphraseFailsToDecrypt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	writer := NewTokenStore(path, "right passphrase")
	if err := writer.Save("secret-token"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reader := NewTokenStore(path, "wrong passphrase")
	if _, err := reader.Load(); err == nil {
		t.Fatalf("expected decrypt failure with wrong passphrase")
	}
}

func TestTokenStoreClearRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	s := NewTokenStore(path, "pw")
	if err := s.Save("tok"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load after clear: %v", err)
	}
	if got != "" {
		t.Fatalf("Load after clear = %q, want empty", got)
	}
}
