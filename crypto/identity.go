package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
)

const (
	// oneTimeKeyLowWater triggers replenishment of the prekey pool.
	oneTimeKeyLowWater = 5
	// oneTimeKeyTarget is the pool size after replenishment.
	oneTimeKeyTarget = 10
)

// PreKeyBundle is the exported snapshot a peer needs to open a session
// toward us. It is constructed on demand and consumed once by the remote
// party claiming the one-time key.
type PreKeyBundle struct {
	IdentityKey string `json:"identityKey"`
	SigningKey  string `json:"signingKey"`
	OneTimeKey  string `json:"oneTimeKey,omitempty"`
	PeerID      string `json:"peerId"`
}

type oneTimeKey struct {
	Pair      KeyPair
	Published bool
}

// IdentityManager owns the long-term key-agreement keypair, the signing
// keypair, and the one-time prekey pool. One identity exists per data
// directory; it is created on first run and persisted immediately.
type IdentityManager struct {
	agreement   KeyPair
	signingPub  ed25519.PublicKey
	signingPriv ed25519.PrivateKey
	oneTime     []oneTimeKey
	peerID      string
}

type identityPickle struct {
	AgreementPublic  string             `json:"agreementPublic"`
	AgreementPrivate string             `json:"agreementPrivate"`
	SigningPrivate   string             `json:"signingPrivate"`
	OneTimeKeys      []oneTimeKeyPickle `json:"oneTimeKeys"`
}

type oneTimeKeyPickle struct {
	Public    string `json:"public"`
	Private   string `json:"private"`
	Published bool   `json:"published"`
}

// LoadOrCreateIdentity loads the persisted identity or generates a fresh
// key-agreement and signing pair, persisting immediately.
func LoadOrCreateIdentity(store *KeyStore, peerID string) (*IdentityManager, error) {
	pickle, err := store.LoadIdentity()
	if err != nil {
		return nil, err
	}

	if pickle != nil {
		im, err := identityFromPickle(pickle)
		if err != nil {
			return nil, err
		}
		im.peerID = peerID
		logrus.WithFields(logrus.Fields{
			"function": "LoadOrCreateIdentity",
			"peer_id":  peerID,
		}).Info("Loaded existing chat identity")
		return im, nil
	}

	agreement, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	signingPub, signingPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: generate signing key: %v", ErrCrypto, err)
	}

	im := &IdentityManager{
		agreement:   *agreement,
		signingPub:  signingPub,
		signingPriv: signingPriv,
		peerID:      peerID,
	}
	if err := im.Persist(store); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "LoadOrCreateIdentity",
		"peer_id":  peerID,
	}).Info("Created new chat identity")
	return im, nil
}

func identityFromPickle(data []byte) (*IdentityManager, error) {
	var p identityPickle
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: identity pickle: %v", ErrCrypto, err)
	}

	im := &IdentityManager{}
	var err error
	if im.agreement.Public, err = DecodeKey(p.AgreementPublic); err != nil {
		return nil, err
	}
	if im.agreement.Private, err = DecodeKey(p.AgreementPrivate); err != nil {
		return nil, err
	}

	signingPriv, err := base64.StdEncoding.DecodeString(p.SigningPrivate)
	if err != nil || len(signingPriv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: identity pickle: bad signing key", ErrCrypto)
	}
	im.signingPriv = ed25519.PrivateKey(signingPriv)
	im.signingPub = im.signingPriv.Public().(ed25519.PublicKey)

	for _, okp := range p.OneTimeKeys {
		var otk oneTimeKey
		if otk.Pair.Public, err = DecodeKey(okp.Public); err != nil {
			return nil, err
		}
		if otk.Pair.Private, err = DecodeKey(okp.Private); err != nil {
			return nil, err
		}
		otk.Published = okp.Published
		im.oneTime = append(im.oneTime, otk)
	}
	return im, nil
}

// Persist writes the identity pickle to encrypted storage.
func (im *IdentityManager) Persist(store *KeyStore) error {
	p := identityPickle{
		AgreementPublic:  EncodeKey(im.agreement.Public),
		AgreementPrivate: EncodeKey(im.agreement.Private),
		SigningPrivate:   base64.StdEncoding.EncodeToString(im.signingPriv),
	}
	for _, otk := range im.oneTime {
		p.OneTimeKeys = append(p.OneTimeKeys, oneTimeKeyPickle{
			Public:    EncodeKey(otk.Pair.Public),
			Private:   EncodeKey(otk.Pair.Private),
			Published: otk.Published,
		})
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("%w: identity pickle: %v", ErrCrypto, err)
	}
	return store.SaveIdentity(data)
}

// GenerateOneTimeKeysIfNeeded tops the prekey pool back up to the target
// whenever the number of unpublished keys drops below the low-water mark,
// persisting after generation.
func (im *IdentityManager) GenerateOneTimeKeysIfNeeded(store *KeyStore) error {
	count := im.unpublishedCount()
	if count >= oneTimeKeyLowWater {
		return nil
	}

	generated := 0
	for i := count; i < oneTimeKeyTarget; i++ {
		pair, err := GenerateKeyPair()
		if err != nil {
			return err
		}
		im.oneTime = append(im.oneTime, oneTimeKey{Pair: *pair})
		generated++
	}
	if err := im.Persist(store); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":  "GenerateOneTimeKeysIfNeeded",
		"generated": generated,
	}).Info("Generated new one-time pre-keys")
	return nil
}

// ExportPreKeyBundle returns the current public keys plus one unconsumed
// one-time key, if any. Side-effect free: consumption happens via
// MarkKeysAsPublished once the bundle has actually been claimed.
func (im *IdentityManager) ExportPreKeyBundle() PreKeyBundle {
	bundle := PreKeyBundle{
		IdentityKey: EncodeKey(im.agreement.Public),
		SigningKey:  base64.StdEncoding.EncodeToString(im.signingPub),
		PeerID:      im.peerID,
	}
	for i := range im.oneTime {
		if !im.oneTime[i].Published {
			bundle.OneTimeKey = EncodeKey(im.oneTime[i].Pair.Public)
			break
		}
	}
	return bundle
}

// MarkKeysAsPublished marks every currently offered one-time key as
// published so it is never offered in a later bundle. The private halves
// remain available for inbound session creation until claimed.
func (im *IdentityManager) MarkKeysAsPublished() {
	for i := range im.oneTime {
		im.oneTime[i].Published = true
	}
}

// oneTimeKeyPair returns the one-time key matching the given public key
// without consuming it, so a failed handshake attempt does not burn the
// key.
func (im *IdentityManager) oneTimeKeyPair(public string) (*KeyPair, bool) {
	for i := range im.oneTime {
		if EncodeKey(im.oneTime[i].Pair.Public) == public {
			pair := im.oneTime[i].Pair
			return &pair, true
		}
	}
	return nil, false
}

// takeOneTimeKey removes and returns the one-time key matching the given
// public key. Consumed keys are never reused.
func (im *IdentityManager) takeOneTimeKey(public string) (*KeyPair, bool) {
	for i := range im.oneTime {
		if EncodeKey(im.oneTime[i].Pair.Public) == public {
			pair := im.oneTime[i].Pair
			im.oneTime = append(im.oneTime[:i], im.oneTime[i+1:]...)
			return &pair, true
		}
	}
	return nil, false
}

func (im *IdentityManager) unpublishedCount() int {
	count := 0
	for i := range im.oneTime {
		if !im.oneTime[i].Published {
			count++
		}
	}
	return count
}

// AgreementKey returns the base64 public key-agreement key.
func (im *IdentityManager) AgreementKey() string {
	return EncodeKey(im.agreement.Public)
}

// SigningKey returns the base64 public signing key.
func (im *IdentityManager) SigningKey() string {
	return base64.StdEncoding.EncodeToString(im.signingPub)
}

// PeerID returns the identity's visible peer ID.
func (im *IdentityManager) PeerID() string {
	return im.peerID
}

// SetPeerID late-binds the visible peer ID once the network layer has
// assigned one; the identity may be created before network bootstrap
// completes.
func (im *IdentityManager) SetPeerID(peerID string) {
	im.peerID = peerID
}
