package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// maxSkippedKeys bounds the out-of-order message key cache. Exceeding it
// means either extreme packet loss or an attacker forcing unbounded state
// growth; in both cases the session is better off failing.
const maxSkippedKeys = 1000

var (
	kdfRootInfo  = []byte("archivist-chat-root")
	kdfAEADInfo  = []byte("archivist-chat-aead")
	chainByteMsg = []byte{0x01}
	chainByteCK  = []byte{0x02}
)

// ratchetHeader travels in the clear with every ratchet message and is
// authenticated as associated data.
type ratchetHeader struct {
	DHKey string `json:"dh"`
	PN    uint32 `json:"pn"`
	N     uint32 `json:"n"`
}

// ratchetMessage is one sealed double-ratchet payload.
type ratchetMessage struct {
	ratchetHeader
	Ciphertext []byte `json:"ciphertext"`
}

// ratchetState holds all mutable double-ratchet state. Fields are
// exported for JSON pickling only; nothing outside this package sees it.
type ratchetState struct {
	DHs     KeyPair             `json:"dhs"`
	DHr     [32]byte            `json:"dhr"`
	HasDHr  bool                `json:"hasDhr"`
	RK      [32]byte            `json:"rk"`
	CKs     [32]byte            `json:"cks"`
	HasCKs  bool                `json:"hasCks"`
	CKr     [32]byte            `json:"ckr"`
	HasCKr  bool                `json:"hasCkr"`
	Ns      uint32              `json:"ns"`
	Nr      uint32              `json:"nr"`
	PN      uint32              `json:"pn"`
	Skipped map[string][32]byte `json:"skipped"`
	AD      []byte              `json:"ad"`
}

// initRatchetAlice sets up the sending side of a fresh session: the
// initiator performs the first DH ratchet step against the responder's
// one-time key immediately, so the very first message already carries a
// new ratchet key.
func initRatchetAlice(sk [32]byte, remoteDH [32]byte, ad []byte) (*ratchetState, error) {
	dhs, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	dhOut, err := dhs.SharedSecret(remoteDH)
	if err != nil {
		return nil, err
	}

	st := &ratchetState{
		DHs:     *dhs,
		DHr:     remoteDH,
		HasDHr:  true,
		Skipped: make(map[string][32]byte),
		AD:      ad,
	}
	st.RK, st.CKs = kdfRootKey(sk, dhOut)
	st.HasCKs = true
	return st, nil
}

// initRatchetBob sets up the receiving side: the responder's ratchet key
// is the one-time key the initiator handshook against, and the first
// receiving chain is derived when the initiator's ratchet key arrives.
func initRatchetBob(sk [32]byte, ownDH KeyPair, ad []byte) *ratchetState {
	return &ratchetState{
		DHs:     ownDH,
		RK:      sk,
		Skipped: make(map[string][32]byte),
		AD:      ad,
	}
}

// Encrypt advances the sending chain one step and seals plaintext.
func (st *ratchetState) Encrypt(plaintext []byte) ([]byte, error) {
	if !st.HasCKs {
		return nil, fmt.Errorf("%w: ratchet has no sending chain", ErrCrypto)
	}

	var mk [32]byte
	st.CKs, mk = kdfChainKey(st.CKs)

	header := ratchetHeader{DHKey: EncodeKey(st.DHs.Public), PN: st.PN, N: st.Ns}
	st.Ns++

	ciphertext, err := sealWithKey(mk, plaintext, st.authData(header))
	if err != nil {
		return nil, err
	}
	return json.Marshal(ratchetMessage{ratchetHeader: header, Ciphertext: ciphertext})
}

// Decrypt opens one ratchet message, advancing receiving state. The
// state is only mutated if decryption succeeds; a forged or corrupt
// message leaves the ratchet exactly where it was.
func (st *ratchetState) Decrypt(data []byte) ([]byte, error) {
	var msg ratchetMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: ratchet message: %v", ErrCrypto, err)
	}

	// Work on a copy for atomicity.
	work := st.clone()

	if plaintext, ok, err := work.trySkipped(msg); err != nil {
		return nil, err
	} else if ok {
		*st = *work
		return plaintext, nil
	}

	headerDH, err := DecodeKey(msg.DHKey)
	if err != nil {
		return nil, err
	}
	if !work.HasDHr || headerDH != work.DHr {
		if err := work.skipMessageKeys(msg.PN); err != nil {
			return nil, err
		}
		if err := work.dhRatchet(headerDH); err != nil {
			return nil, err
		}
	}
	if err := work.skipMessageKeys(msg.N); err != nil {
		return nil, err
	}

	var mk [32]byte
	work.CKr, mk = kdfChainKey(work.CKr)
	work.Nr++

	plaintext, err := openWithKey(mk, msg.Ciphertext, work.authData(msg.ratchetHeader))
	if err != nil {
		return nil, err
	}
	*st = *work
	return plaintext, nil
}

func (st *ratchetState) trySkipped(msg ratchetMessage) ([]byte, bool, error) {
	key := skippedKeyID(msg.DHKey, msg.N)
	mk, ok := st.Skipped[key]
	if !ok {
		return nil, false, nil
	}
	plaintext, err := openWithKey(mk, msg.Ciphertext, st.authData(msg.ratchetHeader))
	if err != nil {
		return nil, false, err
	}
	delete(st.Skipped, key)
	return plaintext, true, nil
}

func (st *ratchetState) skipMessageKeys(until uint32) error {
	if !st.HasCKr {
		return nil
	}
	if st.Nr+maxSkippedKeys < until {
		return fmt.Errorf("%w: too many skipped message keys", ErrCrypto)
	}
	for st.Nr < until {
		var mk [32]byte
		st.CKr, mk = kdfChainKey(st.CKr)
		st.Skipped[skippedKeyID(EncodeKey(st.DHr), st.Nr)] = mk
		st.Nr++
	}
	if len(st.Skipped) > maxSkippedKeys {
		return fmt.Errorf("%w: skipped key cache overflow", ErrCrypto)
	}
	return nil
}

func (st *ratchetState) dhRatchet(remoteDH [32]byte) error {
	st.PN = st.Ns
	st.Ns = 0
	st.Nr = 0
	st.DHr = remoteDH
	st.HasDHr = true

	dhOut, err := st.DHs.SharedSecret(st.DHr)
	if err != nil {
		return err
	}
	st.RK, st.CKr = kdfRootKey(st.RK, dhOut)
	st.HasCKr = true

	dhs, err := GenerateKeyPair()
	if err != nil {
		return err
	}
	st.DHs = *dhs

	dhOut, err = st.DHs.SharedSecret(st.DHr)
	if err != nil {
		return err
	}
	st.RK, st.CKs = kdfRootKey(st.RK, dhOut)
	st.HasCKs = true
	return nil
}

// authData binds the session's identity digest and the message header
// into the AEAD associated data.
func (st *ratchetState) authData(header ratchetHeader) []byte {
	headerBytes, _ := json.Marshal(header)
	ad := make([]byte, 0, len(st.AD)+len(headerBytes))
	ad = append(ad, st.AD...)
	return append(ad, headerBytes...)
}

func (st *ratchetState) clone() *ratchetState {
	work := *st
	work.Skipped = make(map[string][32]byte, len(st.Skipped))
	for k, v := range st.Skipped {
		work.Skipped[k] = v
	}
	return &work
}

func skippedKeyID(dhKey string, n uint32) string {
	return fmt.Sprintf("%s:%d", dhKey, n)
}

// kdfRootKey derives the next root key and chain key from the current
// root key and a fresh DH output (HKDF-SHA256).
func kdfRootKey(rk, dhOut [32]byte) (newRK, ck [32]byte) {
	r := hkdf.New(sha256.New, dhOut[:], rk[:], kdfRootInfo)
	if _, err := io.ReadFull(r, newRK[:]); err != nil {
		panic(err)
	}
	if _, err := io.ReadFull(r, ck[:]); err != nil {
		panic(err)
	}
	return
}

// kdfChainKey derives the next chain key and the message key for the
// current step (HMAC-SHA256 with distinct domain bytes).
func kdfChainKey(ck [32]byte) (newCK, mk [32]byte) {
	h := hmac.New(sha256.New, ck[:])
	h.Write(chainByteCK)
	copy(newCK[:], h.Sum(nil))

	h = hmac.New(sha256.New, ck[:])
	h.Write(chainByteMsg)
	copy(mk[:], h.Sum(nil))
	return
}

// sealWithKey expands a message key into a ChaCha20-Poly1305 key and
// nonce, then seals plaintext with ad as associated data.
func sealWithKey(mk [32]byte, plaintext, ad []byte) ([]byte, error) {
	key, nonce, err := expandMessageKey(mk)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: aead init: %v", ErrCrypto, err)
	}
	return aead.Seal(nil, nonce, plaintext, ad), nil
}

// openWithKey is the inverse of sealWithKey and fails closed.
func openWithKey(mk [32]byte, ciphertext, ad []byte) ([]byte, error) {
	key, nonce, err := expandMessageKey(mk)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: aead init: %v", ErrCrypto, err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrCrypto, err)
	}
	return plaintext, nil
}

func expandMessageKey(mk [32]byte) (key, nonce []byte, err error) {
	r := hkdf.New(sha256.New, mk[:], nil, kdfAEADInfo)
	key = make([]byte, chacha20poly1305.KeySize)
	nonce = make([]byte, chacha20poly1305.NonceSize)
	if _, err = io.ReadFull(r, key); err != nil {
		return nil, nil, fmt.Errorf("%w: key expansion: %v", ErrCrypto, err)
	}
	if _, err = io.ReadFull(r, nonce); err != nil {
		return nil, nil, fmt.Errorf("%w: key expansion: %v", ErrCrypto, err)
	}
	return key, nonce, nil
}
