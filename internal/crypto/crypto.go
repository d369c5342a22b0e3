// Package crypto provides the key and cipher capabilities the engine
// consumes: identity derivation from a recovery phrase, signing, key
// agreement, and AEAD sealing of config messages. Callers depend on the
// Provider interface, never on the primitives directly.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	hkdfInfoSigning = "driftsync/identity/signing/v1"
	hkdfInfoSealing = "driftsync/config/sealing/v1"
	hkdfInfoBlinded = "driftsync/identity/blinded/v1"
)

var (
	// ErrDecrypt is returned when an AEAD open fails.
	ErrDecrypt = errors.New("decryption failed")
	// ErrInvalidMnemonic is returned for an unusable recovery phrase.
	ErrInvalidMnemonic = errors.New("invalid recovery phrase")
)

// Identity is a device's account key material.
type Identity struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
	// SealKey is the symmetric key under which this account's config
	// messages are sealed.
	SealKey []byte
}

// AccountID returns the hex account id shared across the user's devices.
func (id *Identity) AccountID() string {
	return hex.EncodeToString(id.PublicKey)
}

// Provider is the capability interface handed to executors and the daemon.
type Provider interface {
	// IdentityFromMnemonic derives the account identity from a bip39
	// recovery phrase, so every device with the phrase derives the same keys.
	IdentityFromMnemonic(mnemonic string) (*Identity, error)
	// GenerateMnemonic returns a fresh recovery phrase.
	GenerateMnemonic() (string, error)
	// Sign signs msg with the identity key.
	Sign(id *Identity, msg []byte) []byte
	// Verify checks an Ed25519 signature.
	Verify(pub ed25519.PublicKey, msg, sig []byte) bool
	// SharedSecret computes an X25519 agreement for message sealing
	// between two accounts.
	SharedSecret(priv, peerPub []byte) ([]byte, error)
	// Seal encrypts plaintext under key with a random nonce prefix.
	Seal(key, plaintext []byte) ([]byte, error)
	// Open reverses Seal.
	Open(key, ciphertext []byte) ([]byte, error)
	// BlindedID derives the per-community blinded identifier for an account.
	BlindedID(id *Identity, communityKey []byte) (string, error)
}

// Sodium is the default Provider implementation.
type Sodium struct{}

// New returns the default provider.
func New() *Sodium { return &Sodium{} }

func (s *Sodium) IdentityFromMnemonic(mnemonic string) (*Identity, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	entropy, err := bip39.EntropyFromMnemonic(mnemonic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMnemonic, err)
	}
	return identityFromSeed(entropy)
}

func (s *Sodium) GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return "", fmt.Errorf("generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("generate mnemonic: %w", err)
	}
	return mnemonic, nil
}

func identityFromSeed(seed []byte) (*Identity, error) {
	signingSeed, err := hkdfExpand(seed, hkdfInfoSigning, ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	sealKey, err := hkdfExpand(seed, hkdfInfoSealing, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	priv := ed25519.NewKeyFromSeed(signingSeed)
	return &Identity{
		PublicKey:  priv.Public().(ed25519.PublicKey),
		PrivateKey: priv,
		SealKey:    sealKey,
	}, nil
}

func (s *Sodium) Sign(id *Identity, msg []byte) []byte {
	return ed25519.Sign(id.PrivateKey, msg)
}

func (s *Sodium) Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	return len(pub) == ed25519.PublicKeySize && ed25519.Verify(pub, msg, sig)
}

func (s *Sodium) SharedSecret(priv, peerPub []byte) ([]byte, error) {
	secret, err := curve25519.X25519(priv, peerPub)
	if err != nil {
		return nil, fmt.Errorf("x25519: %w", err)
	}
	return hkdfExpand(secret, hkdfInfoSealing, chacha20poly1305.KeySize)
}

func (s *Sodium) Seal(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *Sodium) Open(key, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, ErrDecrypt
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}

func (s *Sodium) BlindedID(id *Identity, communityKey []byte) (string, error) {
	material := append(append([]byte{}, id.PublicKey...), communityKey...)
	blinded, err := hkdfExpand(material, hkdfInfoBlinded, 32)
	if err != nil {
		return "", err
	}
	return "15" + hex.EncodeToString(blinded), nil
}

func hkdfExpand(secret []byte, info string, outLen int) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return out, nil
}
