package crypto

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/hkdf"
)

// Message type discriminators on the wire.
const (
	MessageTypePreKey = "preKey"
	MessageTypeNormal = "normal"
)

var kdfHandshakeInfo = []byte("archivist-chat-handshake")

// Message is one encrypted pairwise payload. PreKey messages carry the
// handshake material needed to establish the session on the receiving
// side; normal messages are bare ratchet payloads.
type Message struct {
	Type string `json:"messageType"`
	Body []byte `json:"body"`
}

// preKeyEnvelope wraps a ratchet message with the public keys the
// responder needs to derive the shared secret.
type preKeyEnvelope struct {
	IdentityKey  string `json:"identityKey"`
	EphemeralKey string `json:"ephemeralKey"`
	OneTimeKey   string `json:"oneTimeKey"`
	Message      []byte `json:"message"`
}

// handshakeInfo is retained by the initiator and replayed in every
// outgoing message until the responder demonstrably has the session.
type handshakeInfo struct {
	IdentityKey  string `json:"identityKey"`
	EphemeralKey string `json:"ephemeralKey"`
	OneTimeKey   string `json:"oneTimeKey"`
}

type session struct {
	PeerID         string         `json:"peerId"`
	RemoteIdentity string         `json:"remoteIdentity"`
	Ratchet        *ratchetState  `json:"ratchet"`
	Pending        *handshakeInfo `json:"pending,omitempty"`
}

// SessionManager owns all pairwise double-ratchet sessions, one per
// peer. Sessions are loaded lazily from the key store and persisted
// after every state-changing operation. Not safe for concurrent use;
// callers serialize access.
type SessionManager struct {
	store    *KeyStore
	identity *IdentityManager
	sessions map[string]*session
}

// NewSessionManager creates a session manager over the given key store
// and identity.
func NewSessionManager(store *KeyStore, identity *IdentityManager) *SessionManager {
	return &SessionManager{
		store:    store,
		identity: identity,
		sessions: make(map[string]*session),
	}
}

// CreateOutboundSession establishes a fresh session toward a peer from
// their pre-key bundle. The bundle must carry a one-time key; there is
// no handshake without one.
func (sm *SessionManager) CreateOutboundSession(peerID string, bundle PreKeyBundle) error {
	if bundle.OneTimeKey == "" {
		return ErrNoOneTimeKey
	}

	remoteIdentity, err := DecodeKey(bundle.IdentityKey)
	if err != nil {
		return err
	}
	remoteOneTime, err := DecodeKey(bundle.OneTimeKey)
	if err != nil {
		return err
	}

	ephemeral, err := GenerateKeyPair()
	if err != nil {
		return err
	}

	// Triple DH: identity->one-time, ephemeral->identity,
	// ephemeral->one-time.
	dh1, err := sm.identity.agreement.SharedSecret(remoteOneTime)
	if err != nil {
		return err
	}
	dh2, err := ephemeral.SharedSecret(remoteIdentity)
	if err != nil {
		return err
	}
	dh3, err := ephemeral.SharedSecret(remoteOneTime)
	if err != nil {
		return err
	}

	sk, err := deriveSharedKey(dh1, dh2, dh3)
	if err != nil {
		return err
	}

	ad := sessionAuthData(sm.identity.AgreementKey(), bundle.IdentityKey)
	ratchet, err := initRatchetAlice(sk, remoteOneTime, ad)
	if err != nil {
		return err
	}

	sess := &session{
		PeerID:         peerID,
		RemoteIdentity: bundle.IdentityKey,
		Ratchet:        ratchet,
		Pending: &handshakeInfo{
			IdentityKey:  sm.identity.AgreementKey(),
			EphemeralKey: EncodeKey(ephemeral.Public),
			OneTimeKey:   bundle.OneTimeKey,
		},
	}
	sm.sessions[peerID] = sess
	if err := sm.persist(sess); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "CreateOutboundSession",
		"peer_id":  peerID,
	}).Info("Established outbound session")
	return nil
}

// createInboundSession derives the session from our one-time key named
// in a pre-key envelope and decrypts the envelope's inner message in one
// step. The key is consumed only once the decrypt succeeds, so a corrupt
// envelope does not burn it for legitimate retries.
func (sm *SessionManager) createInboundSession(peerID string, env preKeyEnvelope) ([]byte, error) {
	oneTime, ok := sm.identity.oneTimeKeyPair(env.OneTimeKey)
	if !ok {
		return nil, fmt.Errorf("%w: one-time key already consumed or unknown", ErrCrypto)
	}

	remoteIdentity, err := DecodeKey(env.IdentityKey)
	if err != nil {
		return nil, err
	}
	remoteEphemeral, err := DecodeKey(env.EphemeralKey)
	if err != nil {
		return nil, err
	}

	// Mirror of the initiator's triple DH.
	dh1, err := oneTime.SharedSecret(remoteIdentity)
	if err != nil {
		return nil, err
	}
	dh2, err := sm.identity.agreement.SharedSecret(remoteEphemeral)
	if err != nil {
		return nil, err
	}
	dh3, err := oneTime.SharedSecret(remoteEphemeral)
	if err != nil {
		return nil, err
	}

	sk, err := deriveSharedKey(dh1, dh2, dh3)
	if err != nil {
		return nil, err
	}

	ad := sessionAuthData(sm.identity.AgreementKey(), env.IdentityKey)
	sess := &session{
		PeerID:         peerID,
		RemoteIdentity: env.IdentityKey,
		Ratchet:        initRatchetBob(sk, *oneTime, ad),
	}

	plaintext, err := sess.Ratchet.Decrypt(env.Message)
	if err != nil {
		return nil, err
	}

	sm.identity.takeOneTimeKey(env.OneTimeKey)
	sm.sessions[peerID] = sess
	if err := sm.persist(sess); err != nil {
		return nil, err
	}
	if err := sm.identity.Persist(sm.store); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "createInboundSession",
		"peer_id":  peerID,
	}).Info("Established inbound session")
	return plaintext, nil
}

// Encrypt seals plaintext for a peer. While the handshake is pending the
// result is a pre-key message so the peer can establish the session from
// any of them; once an inbound message confirms the session, messages
// shrink to bare ratchet payloads.
func (sm *SessionManager) Encrypt(peerID string, plaintext []byte) (*Message, error) {
	sess, err := sm.loadSession(peerID)
	if err != nil {
		return nil, err
	}

	ratchetMsg, err := sess.Ratchet.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	if err := sm.persist(sess); err != nil {
		return nil, err
	}

	if sess.Pending != nil {
		body, err := json.Marshal(preKeyEnvelope{
			IdentityKey:  sess.Pending.IdentityKey,
			EphemeralKey: sess.Pending.EphemeralKey,
			OneTimeKey:   sess.Pending.OneTimeKey,
			Message:      ratchetMsg,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: envelope: %v", ErrCrypto, err)
		}
		return &Message{Type: MessageTypePreKey, Body: body}, nil
	}
	return &Message{Type: MessageTypeNormal, Body: ratchetMsg}, nil
}

// Decrypt opens a message from a peer, establishing the session first if
// the message is a pre-key envelope and none exists yet. A successful
// decrypt confirms the peer holds the session, so any pending handshake
// state is cleared.
func (sm *SessionManager) Decrypt(peerID string, msg *Message) ([]byte, error) {
	switch msg.Type {
	case MessageTypePreKey:
		var env preKeyEnvelope
		if err := json.Unmarshal(msg.Body, &env); err != nil {
			return nil, fmt.Errorf("%w: envelope: %v", ErrCrypto, err)
		}
		sess, err := sm.loadSession(peerID)
		if err == nil {
			// Session already exists: the peer is usually just
			// replaying handshake material for a session we hold.
			plaintext, derr := sm.decryptRatchet(sess, env.Message)
			if derr == nil {
				return plaintext, nil
			}
			// The resident session does not match this envelope.
			// That happens when both sides initiated concurrently and
			// each holds its own outbound session; rebuild ours from
			// the envelope so the pair converges instead of wedging.
			plaintext, ierr := sm.createInboundSession(peerID, env)
			if ierr != nil {
				return nil, derr
			}
			logrus.WithFields(logrus.Fields{
				"function": "Decrypt",
				"peer_id":  peerID,
			}).Info("Replaced stale session from pre-key envelope")
			return plaintext, nil
		}
		if !errors.Is(err, ErrSessionNotFound) {
			return nil, err
		}
		return sm.createInboundSession(peerID, env)

	case MessageTypeNormal:
		sess, err := sm.loadSession(peerID)
		if err != nil {
			return nil, err
		}
		return sm.decryptRatchet(sess, msg.Body)

	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrCrypto, msg.Type)
	}
}

func (sm *SessionManager) decryptRatchet(sess *session, ratchetMsg []byte) ([]byte, error) {
	plaintext, err := sess.Ratchet.Decrypt(ratchetMsg)
	if err != nil {
		return nil, err
	}
	sess.Pending = nil
	if err := sm.persist(sess); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// HasSession reports whether a session exists for the peer, in memory or
// on disk.
func (sm *SessionManager) HasSession(peerID string) bool {
	_, err := sm.loadSession(peerID)
	return err == nil
}

// RemoteIdentityKey returns the peer's long-term identity key as bound
// to the session at establishment.
func (sm *SessionManager) RemoteIdentityKey(peerID string) (string, error) {
	sess, err := sm.loadSession(peerID)
	if err != nil {
		return "", err
	}
	return sess.RemoteIdentity, nil
}

func (sm *SessionManager) loadSession(peerID string) (*session, error) {
	if sess, ok := sm.sessions[peerID]; ok {
		return sess, nil
	}
	pickle, err := sm.store.LoadSession(peerID)
	if err != nil {
		return nil, err
	}
	if pickle == nil {
		return nil, ErrSessionNotFound
	}

	var sess session
	if err := json.Unmarshal(pickle, &sess); err != nil {
		return nil, fmt.Errorf("%w: session pickle: %v", ErrCrypto, err)
	}
	sm.sessions[peerID] = &sess
	return &sess, nil
}

func (sm *SessionManager) persist(sess *session) error {
	pickle, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("%w: session pickle: %v", ErrCrypto, err)
	}
	return sm.store.SaveSession(sess.PeerID, pickle)
}

// deriveSharedKey folds the three DH outputs into the ratchet seed.
func deriveSharedKey(dh1, dh2, dh3 [32]byte) ([32]byte, error) {
	var sk [32]byte
	ikm := make([]byte, 0, 96)
	ikm = append(ikm, dh1[:]...)
	ikm = append(ikm, dh2[:]...)
	ikm = append(ikm, dh3[:]...)

	r := hkdf.New(sha256.New, ikm, nil, kdfHandshakeInfo)
	if _, err := io.ReadFull(r, sk[:]); err != nil {
		return sk, fmt.Errorf("%w: derive shared key: %v", ErrCrypto, err)
	}
	return sk, nil
}

// sessionAuthData digests the two identity keys in lexical order, so
// both sides compute identical associated data regardless of role.
func sessionAuthData(keyA, keyB string) []byte {
	keys := []string{keyA, keyB}
	sort.Strings(keys)
	sum := sha256.Sum256([]byte(keys[0] + keys[1]))
	return sum[:]
}
