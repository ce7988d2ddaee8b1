package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrGroupSessionNotFound indicates no ratchet exists for the requested
// group or (group, sender) pair.
var ErrGroupSessionNotFound = errors.New("group session not found")

// groupRatchet is one sender's hash-chain ratchet. The same structure
// serves both directions: outbound for our own sends, inbound per remote
// sender.
type groupRatchet struct {
	SessionID string   `json:"sessionId"`
	ChainKey  [32]byte `json:"chainKey"`
	Index     uint32   `json:"index"`
}

// groupKeyExport is the serialized form distributed to members over
// pairwise sessions. A member importing it can decrypt from Index
// onward, never earlier.
type groupKeyExport struct {
	SessionID string `json:"sessionId"`
	Index     uint32 `json:"index"`
	ChainKey  string `json:"chainKey"`
}

// groupMessage is one sealed group payload.
type groupMessage struct {
	SessionID  string `json:"sessionId"`
	N          uint32 `json:"n"`
	Ciphertext []byte `json:"ciphertext"`
}

// GroupSessionManager owns group ratchets: one outbound per group for
// our own messages, and one inbound per (group, sender). Not safe for
// concurrent use; callers serialize access.
type GroupSessionManager struct {
	store    *KeyStore
	outbound map[string]*groupRatchet
	inbound  map[string]*groupRatchet
}

// NewGroupSessionManager creates a group session manager over the given
// key store.
func NewGroupSessionManager(store *KeyStore) *GroupSessionManager {
	return &GroupSessionManager{
		store:    store,
		outbound: make(map[string]*groupRatchet),
		inbound:  make(map[string]*groupRatchet),
	}
}

// CreateGroupSession provisions a fresh outbound ratchet for a group,
// replacing any existing one, and returns its key export for
// distribution to the members.
func (gm *GroupSessionManager) CreateGroupSession(groupID string) (string, error) {
	ratchet := &groupRatchet{SessionID: uuid.New().String()}
	if _, err := io.ReadFull(rand.Reader, ratchet.ChainKey[:]); err != nil {
		return "", fmt.Errorf("%w: generate group chain key: %v", ErrCrypto, err)
	}

	gm.outbound[groupID] = ratchet
	if err := gm.persistOutbound(groupID, ratchet); err != nil {
		return "", err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "CreateGroupSession",
		"group_id":   groupID,
		"session_id": ratchet.SessionID,
	}).Info("Created outbound group session")
	return exportRatchet(ratchet)
}

// RekeyGroup is CreateGroupSession under its operational name: it cuts
// over to a brand-new session so departed members lose access and new
// members gain no history.
func (gm *GroupSessionManager) RekeyGroup(groupID string) (string, error) {
	return gm.CreateGroupSession(groupID)
}

// ExportOutbound re-exports the current outbound ratchet at its current
// index, for late-joining members.
func (gm *GroupSessionManager) ExportOutbound(groupID string) (string, error) {
	ratchet, err := gm.loadOutbound(groupID)
	if err != nil {
		return "", err
	}
	return exportRatchet(ratchet)
}

// AddInboundSession imports a sender's key export for a group. An import
// with a new session ID replaces the previous ratchet for that sender;
// re-importing the current session is a no-op so a replayed invite
// cannot rewind the replay floor.
func (gm *GroupSessionManager) AddInboundSession(groupID, sender, export string) error {
	ratchet, err := importRatchet(export)
	if err != nil {
		return err
	}

	key := inboundKey(groupID, sender)
	if existing, ok := gm.inbound[key]; ok && existing.SessionID == ratchet.SessionID {
		return nil
	}

	gm.inbound[key] = ratchet
	if err := gm.persistInbound(groupID, sender, ratchet); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "AddInboundSession",
		"group_id":   groupID,
		"sender":     sender,
		"session_id": ratchet.SessionID,
	}).Info("Imported inbound group session")
	return nil
}

// EncryptGroup seals plaintext with the group's outbound ratchet,
// advancing it one step. Returns the sealed payload and the index it was
// sealed at.
func (gm *GroupSessionManager) EncryptGroup(groupID string, plaintext []byte) ([]byte, uint32, error) {
	ratchet, err := gm.loadOutbound(groupID)
	if err != nil {
		return nil, 0, err
	}

	mk := ratchet.messageKey()
	ciphertext, err := sealWithKey(mk, plaintext, []byte(ratchet.SessionID))
	if err != nil {
		return nil, 0, err
	}
	msg := groupMessage{SessionID: ratchet.SessionID, N: ratchet.Index, Ciphertext: ciphertext}

	ratchet.advance()
	if err := gm.persistOutbound(groupID, ratchet); err != nil {
		return nil, 0, err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: group message: %v", ErrCrypto, err)
	}
	return data, msg.N, nil
}

// DecryptGroup opens a group payload from a specific sender. Messages
// must belong to the sender's current session and carry an index at or
// past the ratchet position; anything earlier is a replay and fails.
func (gm *GroupSessionManager) DecryptGroup(groupID, sender string, data []byte) ([]byte, error) {
	var msg groupMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: group message: %v", ErrCrypto, err)
	}

	ratchet, err := gm.loadInbound(groupID, sender)
	if err != nil {
		return nil, err
	}
	if msg.SessionID != ratchet.SessionID {
		return nil, fmt.Errorf("%w: group message for unknown session %s", ErrCrypto, msg.SessionID)
	}
	if msg.N < ratchet.Index {
		return nil, fmt.Errorf("%w: group message index %d already consumed", ErrCrypto, msg.N)
	}

	// Advance a scratch copy to the message index; commit only on a
	// successful open.
	work := *ratchet
	for work.Index < msg.N {
		work.advance()
	}
	plaintext, err := openWithKey(work.messageKey(), msg.Ciphertext, []byte(work.SessionID))
	if err != nil {
		return nil, err
	}
	work.advance()

	*ratchet = work
	if err := gm.persistInbound(groupID, sender, ratchet); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// SessionID returns the group's current outbound session ID.
func (gm *GroupSessionManager) SessionID(groupID string) (string, error) {
	ratchet, err := gm.loadOutbound(groupID)
	if err != nil {
		return "", err
	}
	return ratchet.SessionID, nil
}

// HasOutbound reports whether an outbound ratchet exists for the group.
func (gm *GroupSessionManager) HasOutbound(groupID string) bool {
	_, err := gm.loadOutbound(groupID)
	return err == nil
}

func (r *groupRatchet) messageKey() [32]byte {
	_, mk := kdfChainKey(r.ChainKey)
	return mk
}

func (r *groupRatchet) advance() {
	r.ChainKey, _ = kdfChainKey(r.ChainKey)
	r.Index++
}

func exportRatchet(r *groupRatchet) (string, error) {
	data, err := json.Marshal(groupKeyExport{
		SessionID: r.SessionID,
		Index:     r.Index,
		ChainKey:  base64.StdEncoding.EncodeToString(r.ChainKey[:]),
	})
	if err != nil {
		return "", fmt.Errorf("%w: group key export: %v", ErrCrypto, err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func importRatchet(export string) (*groupRatchet, error) {
	data, err := base64.StdEncoding.DecodeString(export)
	if err != nil {
		return nil, fmt.Errorf("%w: group key export: %v", ErrCrypto, err)
	}
	var exp groupKeyExport
	if err := json.Unmarshal(data, &exp); err != nil {
		return nil, fmt.Errorf("%w: group key export: %v", ErrCrypto, err)
	}

	chainKey, err := DecodeKey(exp.ChainKey)
	if err != nil {
		return nil, err
	}
	return &groupRatchet{SessionID: exp.SessionID, ChainKey: chainKey, Index: exp.Index}, nil
}

func (gm *GroupSessionManager) loadOutbound(groupID string) (*groupRatchet, error) {
	if r, ok := gm.outbound[groupID]; ok {
		return r, nil
	}
	pickle, err := gm.store.LoadOutboundGroupSession(groupID)
	if err != nil {
		return nil, err
	}
	if pickle == nil {
		return nil, ErrGroupSessionNotFound
	}

	var r groupRatchet
	if err := json.Unmarshal(pickle, &r); err != nil {
		return nil, fmt.Errorf("%w: group session pickle: %v", ErrCrypto, err)
	}
	gm.outbound[groupID] = &r
	return &r, nil
}

func (gm *GroupSessionManager) loadInbound(groupID, sender string) (*groupRatchet, error) {
	key := inboundKey(groupID, sender)
	if r, ok := gm.inbound[key]; ok {
		return r, nil
	}
	pickle, err := gm.store.LoadInboundGroupSession(groupID, sender)
	if err != nil {
		return nil, err
	}
	if pickle == nil {
		return nil, ErrGroupSessionNotFound
	}

	var r groupRatchet
	if err := json.Unmarshal(pickle, &r); err != nil {
		return nil, fmt.Errorf("%w: group session pickle: %v", ErrCrypto, err)
	}
	gm.inbound[key] = &r
	return &r, nil
}

func (gm *GroupSessionManager) persistOutbound(groupID string, r *groupRatchet) error {
	pickle, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("%w: group session pickle: %v", ErrCrypto, err)
	}
	return gm.store.SaveOutboundGroupSession(groupID, pickle)
}

func (gm *GroupSessionManager) persistInbound(groupID, sender string, r *groupRatchet) error {
	pickle, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("%w: group session pickle: %v", ErrCrypto, err)
	}
	return gm.store.SaveInboundGroupSession(groupID, sender, pickle)
}

func inboundKey(groupID, sender string) string {
	return groupID + "\x00" + sender
}
