// Package tofu implements trust-on-first-use pinning of peer transport
// certificate fingerprints. The first fingerprint seen for a peer is
// pinned; a later change becomes the current pin immediately but is
// flagged and keeps the prior value visible until the user accepts it.
package tofu

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// TrustLevel describes how much confidence we have in a pinned
// fingerprint.
type TrustLevel string

const (
	// TrustFirstUse is the default after pinning an unverified
	// fingerprint.
	TrustFirstUse TrustLevel = "firstUse"
	// TrustVerified means the user compared safety numbers out of band.
	TrustVerified TrustLevel = "verified"
	// TrustChanged means the peer presented a fingerprint that differs
	// from the pinned one.
	TrustChanged TrustLevel = "changed"
)

// ErrPeerUnknown indicates no pin exists for the requested peer.
var ErrPeerUnknown = errors.New("peer not in trust store")

// Entry is one pinned peer certificate.
type Entry struct {
	PeerID          string     `json:"peerId"`
	CertFingerprint string     `json:"certFingerprint"`
	FirstSeen       int64      `json:"firstSeen"`
	LastSeen        int64      `json:"lastSeen"`
	TrustLevel      TrustLevel `json:"trustLevel"`
	// PreviousFingerprint holds the replaced value while TrustLevel is
	// TrustChanged, so a change is never silently overwritten as
	// trusted.
	PreviousFingerprint string `json:"previousFingerprint,omitempty"`
	VerifiedAt          int64  `json:"verifiedAt,omitempty"`
}

// Store is the on-disk trust database: a single JSON file rewritten
// synchronously on every mutation, so a crash never loses an accepted
// pin. Safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	path    string
	entries map[string]*Entry
	now     func() time.Time
}

// NewStore loads or creates the trust database at dataDir/tofu.json.
func NewStore(dataDir string) (*Store, error) {
	s := &Store{
		path:    filepath.Join(dataDir, "tofu.json"),
		entries: make(map[string]*Entry),
		now:     time.Now,
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read trust store: %w", err)
	}
	if err := json.Unmarshal(data, &s.entries); err != nil {
		return nil, fmt.Errorf("parse trust store: %w", err)
	}
	return s, nil
}

// CheckOrStore pins the fingerprint on first contact and compares it
// afterwards. A match refreshes LastSeen; a mismatch records the old
// value as PreviousFingerprint, makes the new one current, and flips
// the entry to TrustChanged.
func (s *Store) CheckOrStore(peerID, fingerprint string) (TrustLevel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UnixMilli()
	entry, ok := s.entries[peerID]
	if !ok {
		entry = &Entry{
			PeerID:          peerID,
			CertFingerprint: fingerprint,
			TrustLevel:      TrustFirstUse,
			FirstSeen:       now,
			LastSeen:        now,
		}
		s.entries[peerID] = entry
		if err := s.persist(); err != nil {
			return "", err
		}
		logrus.WithFields(logrus.Fields{
			"function": "CheckOrStore",
			"peer_id":  peerID,
		}).Info("Pinned first-use certificate fingerprint")
		return TrustFirstUse, nil
	}

	if entry.CertFingerprint == fingerprint {
		entry.LastSeen = now
		if err := s.persist(); err != nil {
			return "", err
		}
		return entry.TrustLevel, nil
	}

	entry.PreviousFingerprint = entry.CertFingerprint
	entry.CertFingerprint = fingerprint
	entry.TrustLevel = TrustChanged
	entry.LastSeen = now
	entry.VerifiedAt = 0
	if err := s.persist(); err != nil {
		return "", err
	}
	logrus.WithFields(logrus.Fields{
		"function": "CheckOrStore",
		"peer_id":  peerID,
		"previous": entry.PreviousFingerprint,
		"current":  fingerprint,
	}).Warn("Peer certificate fingerprint changed")
	return TrustChanged, nil
}

// VerifyPeer records that the user compared safety numbers with the peer
// out of band.
func (s *Store) VerifyPeer(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[peerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerUnknown, peerID)
	}
	if entry.TrustLevel == TrustChanged {
		return fmt.Errorf("peer %s has an unaccepted fingerprint change", peerID)
	}

	entry.TrustLevel = TrustVerified
	entry.VerifiedAt = s.now().UnixMilli()
	return s.persist()
}

// AcceptChanged clears a flagged fingerprint change, dropping the entry
// back to first-use trust.
func (s *Store) AcceptChanged(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[peerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerUnknown, peerID)
	}
	if entry.TrustLevel != TrustChanged {
		return fmt.Errorf("peer %s has no pending fingerprint change", peerID)
	}

	entry.TrustLevel = TrustFirstUse
	entry.PreviousFingerprint = ""
	if err := s.persist(); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "AcceptChanged",
		"peer_id":  peerID,
	}).Info("Accepted changed certificate fingerprint")
	return nil
}

// GetEntry returns a copy of the peer's pin.
func (s *Store) GetEntry(peerID string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[peerID]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrPeerUnknown, peerID)
	}
	return *entry, nil
}

// Fingerprint returns the current pinned fingerprint for the peer.
func (s *Store) Fingerprint(peerID string) (string, error) {
	entry, err := s.GetEntry(peerID)
	if err != nil {
		return "", err
	}
	return entry.CertFingerprint, nil
}

// Entries returns a copy of every pin, for identity listings.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		out = append(out, *entry)
	}
	return out
}

func (s *Store) persist() error {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode trust store: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write trust store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write trust store: %w", err)
	}
	return nil
}
