package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// KeyPair represents an X25519 key pair used for key agreement.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: generate key pair: %v", ErrCrypto, err)
	}

	return &KeyPair{
		Public:  *publicKey,
		Private: *privateKey,
	}, nil
}

// SharedSecret computes the X25519 Diffie-Hellman output between our
// private key and a peer's public key.
func (kp *KeyPair) SharedSecret(peerPublic [32]byte) ([32]byte, error) {
	var out [32]byte
	secret, err := curve25519.X25519(kp.Private[:], peerPublic[:])
	if err != nil {
		return out, fmt.Errorf("%w: diffie-hellman: %v", ErrCrypto, err)
	}
	copy(out[:], secret)
	return out, nil
}

// Wipe zeroes the private half of the key pair.
func (kp *KeyPair) Wipe() {
	for i := range kp.Private {
		kp.Private[i] = 0
	}
}

// EncodeKey renders a 32-byte public key as standard base64, the format
// used in every wire payload.
func EncodeKey(key [32]byte) string {
	return base64.StdEncoding.EncodeToString(key[:])
}

// DecodeKey parses a base64 public key, rejecting anything that is not
// exactly 32 bytes.
func DecodeKey(encoded string) ([32]byte, error) {
	var key [32]byte
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return key, fmt.Errorf("%w: decode key: %v", ErrCrypto, err)
	}
	if len(raw) != 32 {
		return key, fmt.Errorf("%w: decode key: got %d bytes, want 32", ErrCrypto, len(raw))
	}
	copy(key[:], raw)
	return key, nil
}
