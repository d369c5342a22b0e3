package crypto

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestIdentityFromMnemonic_Deterministic(t *testing.T) {
	s := New()
	mnemonic, err := s.GenerateMnemonic()
	if err != nil {
		t.Fatalf("GenerateMnemonic: %v", err)
	}

	a, err := s.IdentityFromMnemonic(mnemonic)
	if err != nil {
		t.Fatalf("IdentityFromMnemonic: %v", err)
	}
	b, err := s.IdentityFromMnemonic(mnemonic)
	if err != nil {
		t.Fatalf("IdentityFromMnemonic (second device): %v", err)
	}

	if a.AccountID() != b.AccountID() {
		t.Errorf("account ids diverge: %s vs %s", a.AccountID(), b.AccountID())
	}
	if !bytes.Equal(a.SealKey, b.SealKey) {
		t.Error("seal keys diverge for the same recovery phrase")
	}
}

func TestIdentityFromMnemonic_Invalid(t *testing.T) {
	s := New()
	for _, phrase := range []string{"", "not a phrase", "abandon abandon abandon"} {
		if _, err := s.IdentityFromMnemonic(phrase); !errors.Is(err, ErrInvalidMnemonic) {
			t.Errorf("IdentityFromMnemonic(%q) = %v, want ErrInvalidMnemonic", phrase, err)
		}
	}
}

func TestSealOpen_Roundtrip(t *testing.T) {
	s := New()
	mnemonic, err := s.GenerateMnemonic()
	if err != nil {
		t.Fatalf("GenerateMnemonic: %v", err)
	}
	id, err := s.IdentityFromMnemonic(mnemonic)
	if err != nil {
		t.Fatalf("IdentityFromMnemonic: %v", err)
	}

	plain := []byte(`{"body":"hello"}`)
	sealed, err := s.Seal(id.SealKey, plain)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(sealed, []byte("hello")) {
		t.Fatal("ciphertext leaks plaintext")
	}

	got, err := s.Open(id.SealKey, sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("Open = %q, want %q", got, plain)
	}

	// Two seals of one plaintext must not repeat a nonce.
	again, err := s.Seal(id.SealKey, plain)
	if err != nil {
		t.Fatalf("Seal again: %v", err)
	}
	if bytes.Equal(sealed, again) {
		t.Error("repeated Seal produced identical ciphertext")
	}
}

func TestOpen_WrongKeyOrGarbage(t *testing.T) {
	s := New()
	key := bytes.Repeat([]byte{1}, 32)
	other := bytes.Repeat([]byte{2}, 32)

	sealed, err := s.Seal(key, []byte("secret"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := s.Open(other, sealed); !errors.Is(err, ErrDecrypt) {
		t.Errorf("Open with wrong key = %v, want ErrDecrypt", err)
	}
	if _, err := s.Open(key, []byte("short")); !errors.Is(err, ErrDecrypt) {
		t.Errorf("Open of truncated ciphertext = %v, want ErrDecrypt", err)
	}

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0x01
	if _, err := s.Open(key, tampered); !errors.Is(err, ErrDecrypt) {
		t.Errorf("Open of tampered ciphertext = %v, want ErrDecrypt", err)
	}
}

func TestSignVerify(t *testing.T) {
	s := New()
	mnemonic, _ := s.GenerateMnemonic()
	id, err := s.IdentityFromMnemonic(mnemonic)
	if err != nil {
		t.Fatalf("IdentityFromMnemonic: %v", err)
	}

	msg := []byte("swarm request")
	sig := s.Sign(id, msg)
	if !s.Verify(id.PublicKey, msg, sig) {
		t.Error("signature did not verify")
	}
	if s.Verify(id.PublicKey, []byte("other"), sig) {
		t.Error("signature verified against a different message")
	}
	if s.Verify(nil, msg, sig) {
		t.Error("Verify accepted an empty public key")
	}
}

func TestBlindedID(t *testing.T) {
	s := New()
	mnemonic, _ := s.GenerateMnemonic()
	id, err := s.IdentityFromMnemonic(mnemonic)
	if err != nil {
		t.Fatalf("IdentityFromMnemonic: %v", err)
	}

	serverA := bytes.Repeat([]byte{0xaa}, 32)
	serverB := bytes.Repeat([]byte{0xbb}, 32)
	a, err := s.BlindedID(id, serverA)
	if err != nil {
		t.Fatalf("BlindedID: %v", err)
	}
	b, err := s.BlindedID(id, serverB)
	if err != nil {
		t.Fatalf("BlindedID: %v", err)
	}

	if !strings.HasPrefix(a, "15") {
		t.Errorf("blinded id %q lacks the 15 prefix", a)
	}
	if a == b {
		t.Error("same blinded id across different community servers")
	}
	if a2, _ := s.BlindedID(id, serverA); a2 != a {
		t.Errorf("blinded id not stable: %s vs %s", a2, a)
	}
}
