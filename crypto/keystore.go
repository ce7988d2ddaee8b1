package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

const masterKeySize = 32

// KeyStore provides encrypted-at-rest byte storage under a data
// directory, keyed by logical slot names. Every payload is sealed with
// AES-256-GCM under a single random master secret; the store has no
// knowledge of payload semantics.
//
// Layout:
//
//	{base}/keys/master.secret              32-byte master key (mode 0600)
//	{base}/keys/identity.pickle.enc        identity pickle
//	{base}/keys/sessions/{peer}.enc        per-peer sessions
//	{base}/keys/group_sessions/...         group sessions
//	{base}/cert/chat.key.pem               TLS private key (clear)
//	{base}/cert/chat.cert.pem              TLS certificate (clear)
type KeyStore struct {
	baseDir string
	aead    cipher.AEAD
}

// NewKeyStore initializes the key store rooted at baseDir, creating the
// directory tree and the master secret on first use. A master key file of
// the wrong length is fatal: regenerating it would orphan every existing
// encrypted slot.
func NewKeyStore(baseDir string) (*KeyStore, error) {
	keysDir := filepath.Join(baseDir, "keys")
	for _, dir := range []string{
		keysDir,
		filepath.Join(keysDir, "sessions"),
		filepath.Join(keysDir, "group_sessions"),
		filepath.Join(baseDir, "cert"),
	} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("%w: create %s: %v", ErrCrypto, dir, err)
		}
	}

	masterKey, err := loadOrGenerateMasterKey(filepath.Join(keysDir, "master.secret"))
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("%w: cipher init: %v", ErrCrypto, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: gcm init: %v", ErrCrypto, err)
	}

	return &KeyStore{baseDir: baseDir, aead: aead}, nil
}

func loadOrGenerateMasterKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != masterKeySize {
			return nil, fmt.Errorf("%w: corrupt master key file: %d bytes", ErrCrypto, len(data))
		}
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: read master key: %v", ErrCrypto, err)
	}

	key := make([]byte, masterKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("%w: generate master key: %v", ErrCrypto, err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("%w: write master key: %v", ErrCrypto, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "loadOrGenerateMasterKey",
		"path":     path,
	}).Info("Generated new key store master secret")
	return key, nil
}

// encrypt seals plaintext as nonce || ciphertext with a fresh random
// 96-bit nonce.
func (ks *KeyStore) encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, ks.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: generate nonce: %v", ErrCrypto, err)
	}
	return ks.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// decrypt fails closed on any length or authentication-tag mismatch.
func (ks *KeyStore) decrypt(data []byte) ([]byte, error) {
	if len(data) < ks.aead.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrCrypto)
	}
	nonce, ciphertext := data[:ks.aead.NonceSize()], data[ks.aead.NonceSize():]
	plaintext, err := ks.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt slot: %v", ErrCrypto, err)
	}
	return plaintext, nil
}

// saveEncrypted writes atomically via a temporary file and rename.
func (ks *KeyStore) saveEncrypted(path string, plaintext []byte) error {
	sealed, err := ks.encrypt(plaintext)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrCrypto, path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: rename %s: %v", ErrCrypto, path, err)
	}
	return nil
}

// loadEncrypted returns (nil, nil) when the slot does not exist.
func (ks *KeyStore) loadEncrypted(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrCrypto, path, err)
	}
	return ks.decrypt(data)
}

// SaveIdentity persists the identity pickle.
func (ks *KeyStore) SaveIdentity(pickle []byte) error {
	return ks.saveEncrypted(filepath.Join(ks.baseDir, "keys", "identity.pickle.enc"), pickle)
}

// LoadIdentity returns the identity pickle, or nil if none exists.
func (ks *KeyStore) LoadIdentity() ([]byte, error) {
	return ks.loadEncrypted(filepath.Join(ks.baseDir, "keys", "identity.pickle.enc"))
}

// SaveSession persists a per-peer session pickle.
func (ks *KeyStore) SaveSession(peerID string, pickle []byte) error {
	return ks.saveEncrypted(ks.sessionPath(peerID), pickle)
}

// LoadSession returns a per-peer session pickle, or nil if none exists.
func (ks *KeyStore) LoadSession(peerID string) ([]byte, error) {
	return ks.loadEncrypted(ks.sessionPath(peerID))
}

// SaveOutboundGroupSession persists the outbound ratchet for a group.
func (ks *KeyStore) SaveOutboundGroupSession(groupID string, pickle []byte) error {
	return ks.saveEncrypted(ks.groupSessionPath(groupID, "", "outbound"), pickle)
}

// LoadOutboundGroupSession returns the outbound ratchet pickle for a
// group, or nil if none exists.
func (ks *KeyStore) LoadOutboundGroupSession(groupID string) ([]byte, error) {
	return ks.loadEncrypted(ks.groupSessionPath(groupID, "", "outbound"))
}

// SaveInboundGroupSession persists the inbound ratchet for a
// (group, sender) pair.
func (ks *KeyStore) SaveInboundGroupSession(groupID, sender string, pickle []byte) error {
	return ks.saveEncrypted(ks.groupSessionPath(groupID, sender, "inbound"), pickle)
}

// LoadInboundGroupSession returns the inbound ratchet pickle for a
// (group, sender) pair, or nil if none exists.
func (ks *KeyStore) LoadInboundGroupSession(groupID, sender string) ([]byte, error) {
	return ks.loadEncrypted(ks.groupSessionPath(groupID, sender, "inbound"))
}

func (ks *KeyStore) sessionPath(peerID string) string {
	return filepath.Join(ks.baseDir, "keys", "sessions", sanitizeSlot(peerID)+".enc")
}

func (ks *KeyStore) groupSessionPath(groupID, sender, direction string) string {
	name := sanitizeSlot(groupID)
	if sender != "" {
		name += "." + sanitizeSlot(sender)
	}
	return filepath.Join(ks.baseDir, "keys", "group_sessions", name+"."+direction+".enc")
}

// CertPath returns the location of the TLS certificate PEM.
func (ks *KeyStore) CertPath() string {
	return filepath.Join(ks.baseDir, "cert", "chat.cert.pem")
}

// KeyPath returns the location of the TLS private key PEM.
func (ks *KeyStore) KeyPath() string {
	return filepath.Join(ks.baseDir, "cert", "chat.key.pem")
}

// BaseDir returns the key store's root directory.
func (ks *KeyStore) BaseDir() string {
	return ks.baseDir
}

var slotReplacer = strings.NewReplacer(
	"/", "_", "\\", "_", ":", "_", "*", "_", "?", "_",
	"\"", "_", "<", "_", ">", "_", "|", "_",
)

func sanitizeSlot(name string) string {
	return slotReplacer.Replace(name)
}
