package tofu

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstContactPinsFingerprint(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	level, err := store.CheckOrStore("peer-a", "AA:BB:CC")
	require.NoError(t, err)
	assert.Equal(t, TrustFirstUse, level)

	entry, err := store.GetEntry("peer-a")
	require.NoError(t, err)
	assert.Equal(t, "AA:BB:CC", entry.CertFingerprint)
	assert.NotZero(t, entry.FirstSeen)
	assert.Equal(t, entry.FirstSeen, entry.LastSeen)
}

func TestMatchingFingerprintRefreshesLastSeen(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.CheckOrStore("peer-a", "AA:BB:CC")
	require.NoError(t, err)
	require.NoError(t, store.VerifyPeer("peer-a"))

	first, err := store.GetEntry("peer-a")
	require.NoError(t, err)

	store.now = func() time.Time { return time.Now().Add(time.Hour) }
	level, err := store.CheckOrStore("peer-a", "AA:BB:CC")
	require.NoError(t, err)
	assert.Equal(t, TrustVerified, level)

	refreshed, err := store.GetEntry("peer-a")
	require.NoError(t, err)
	assert.Greater(t, refreshed.LastSeen, first.LastSeen)
	assert.Equal(t, first.FirstSeen, refreshed.FirstSeen)
}

func TestChangedFingerprintRecordsPrevious(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.CheckOrStore("peer-a", "AA:BB:CC")
	require.NoError(t, err)

	level, err := store.CheckOrStore("peer-a", "DD:EE:FF")
	require.NoError(t, err)
	assert.Equal(t, TrustChanged, level)

	// The new fingerprint becomes current; the old one stays visible.
	entry, err := store.GetEntry("peer-a")
	require.NoError(t, err)
	assert.Equal(t, "DD:EE:FF", entry.CertFingerprint)
	assert.Equal(t, "AA:BB:CC", entry.PreviousFingerprint)
}

func TestAcceptChanged(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.CheckOrStore("peer-a", "AA:BB:CC")
	require.NoError(t, err)
	_, err = store.CheckOrStore("peer-a", "DD:EE:FF")
	require.NoError(t, err)

	require.NoError(t, store.AcceptChanged("peer-a"))

	entry, err := store.GetEntry("peer-a")
	require.NoError(t, err)
	assert.Equal(t, TrustFirstUse, entry.TrustLevel)
	assert.Empty(t, entry.PreviousFingerprint)

	level, err := store.CheckOrStore("peer-a", "DD:EE:FF")
	require.NoError(t, err)
	assert.Equal(t, TrustFirstUse, level)
}

func TestAcceptWithoutPendingChange(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.CheckOrStore("peer-a", "AA:BB:CC")
	require.NoError(t, err)
	assert.Error(t, store.AcceptChanged("peer-a"))
	assert.ErrorIs(t, store.AcceptChanged("nobody"), ErrPeerUnknown)
}

func TestVerifyBlockedWhileChanged(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.CheckOrStore("peer-a", "AA:BB:CC")
	require.NoError(t, err)
	_, err = store.CheckOrStore("peer-a", "DD:EE:FF")
	require.NoError(t, err)

	assert.Error(t, store.VerifyPeer("peer-a"))
}

func TestVerifyClearedByChange(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.CheckOrStore("peer-a", "AA:BB:CC")
	require.NoError(t, err)
	require.NoError(t, store.VerifyPeer("peer-a"))

	_, err = store.CheckOrStore("peer-a", "DD:EE:FF")
	require.NoError(t, err)

	entry, err := store.GetEntry("peer-a")
	require.NoError(t, err)
	assert.Equal(t, TrustChanged, entry.TrustLevel)
	assert.Zero(t, entry.VerifiedAt)
}

func TestStorePersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()

	store, err := NewStore(dir)
	require.NoError(t, err)
	_, err = store.CheckOrStore("peer-a", "AA:BB:CC")
	require.NoError(t, err)
	require.NoError(t, store.VerifyPeer("peer-a"))

	reloaded, err := NewStore(dir)
	require.NoError(t, err)
	entry, err := reloaded.GetEntry("peer-a")
	require.NoError(t, err)
	assert.Equal(t, TrustVerified, entry.TrustLevel)
	assert.Equal(t, "AA:BB:CC", entry.CertFingerprint)

	// File on disk is the JSON database itself.
	_, err = os.Stat(filepath.Join(dir, "tofu.json"))
	assert.NoError(t, err)
}

func TestEntriesListing(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.CheckOrStore("peer-a", "AA:BB:CC")
	require.NoError(t, err)
	_, err = store.CheckOrStore("peer-b", "DD:EE:FF")
	require.NoError(t, err)

	assert.Len(t, store.Entries(), 2)

	fp, err := store.Fingerprint("peer-b")
	require.NoError(t, err)
	assert.Equal(t, "DD:EE:FF", fp)
}
