package vault

import (
	"bytes"
	"errors"
	"testing"
)

func mustNew(t *testing.T, passphrase string) *Vault {
	t.Helper()
	v, err := New(passphrase)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	return v
}

func TestSealOpen(t *testing.T) {
	v := mustNew(t, "test-passphrase")
	plaintext := []byte(`{"agent_id":"a1"}`)

	blob, err := v.Seal(plaintext, "a1")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(blob, plaintext) {
		t.Fatal("blob contains plaintext")
	}

	got, err := mustNew(t, "test-passphrase").Open(blob, "a1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(plaintext, got) {
		t.Fatalf("got %q, want %q", got, plaintext)
	}
}

func TestOpenWrongOwner(t *testing.T) {
	v := mustNew(t, "pass")
	blob, err := v.Seal([]byte("snapshot"), "a1")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := v.Open(blob, "a2"); err == nil {
		t.Fatal("expected error opening a blob sealed for another agent")
	}
}

func TestOpenWrongPassphrase(t *testing.T) {
	blob, err := mustNew(t, "correct").Seal([]byte("snapshot"), "a1")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := mustNew(t, "wrong").Open(blob, "a1"); err == nil {
		t.Fatal("expected error opening with wrong passphrase")
	}
}

func TestOpenShortBlob(t *testing.T) {
	v := mustNew(t, "pass")
	if _, err := v.Open([]byte{1, 2, 3}, "a1"); !errors.Is(err, ErrShortBlob) {
		t.Fatalf("expected ErrShortBlob, got %v", err)
	}
}

func TestSealUsesFreshNonces(t *testing.T) {
	v := mustNew(t, "pass")
	b1, _ := v.Seal([]byte("same"), "a1")
	b2, _ := v.Seal([]byte("same"), "a1")
	if bytes.Equal(b1, b2) {
		t.Fatal("sealing twice produced identical blobs")
	}
	if mustNew(t, "one").key == mustNew(t, "two").key {
		t.Fatal("different passphrases produced the same key")
	}
}
