package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyStoreCreatesLayout(t *testing.T) {
	dir := t.TempDir()
	_, err := NewKeyStore(dir)
	require.NoError(t, err)

	for _, sub := range []string{
		"keys",
		filepath.Join("keys", "sessions"),
		filepath.Join("keys", "group_sessions"),
		"cert",
	} {
		info, err := os.Stat(filepath.Join(dir, sub))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}

	info, err := os.Stat(filepath.Join(dir, "keys", "master.secret"))
	require.NoError(t, err)
	assert.Equal(t, int64(masterKeySize), info.Size())
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestKeyStoreRoundTrip(t *testing.T) {
	ks, err := NewKeyStore(t.TempDir())
	require.NoError(t, err)

	payload := []byte(`{"hello":"world"}`)
	require.NoError(t, ks.SaveIdentity(payload))

	got, err := ks.LoadIdentity()
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestKeyStoreMissingSlotReturnsNil(t *testing.T) {
	ks, err := NewKeyStore(t.TempDir())
	require.NoError(t, err)

	got, err := ks.LoadSession("nobody")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestKeyStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	ks, err := NewKeyStore(dir)
	require.NoError(t, err)
	require.NoError(t, ks.SaveSession("peer-1", []byte("session state")))

	reopened, err := NewKeyStore(dir)
	require.NoError(t, err)
	got, err := reopened.LoadSession("peer-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("session state"), got)
}

func TestKeyStoreDataEncryptedOnDisk(t *testing.T) {
	dir := t.TempDir()
	ks, err := NewKeyStore(dir)
	require.NoError(t, err)

	secret := []byte("highly confidential pickle")
	require.NoError(t, ks.SaveIdentity(secret))

	raw, err := os.ReadFile(filepath.Join(dir, "keys", "identity.pickle.enc"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "confidential")
}

func TestKeyStoreTamperDetection(t *testing.T) {
	dir := t.TempDir()
	ks, err := NewKeyStore(dir)
	require.NoError(t, err)
	require.NoError(t, ks.SaveIdentity([]byte("payload")))

	path := filepath.Join(dir, "keys", "identity.pickle.enc")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	_, err = ks.LoadIdentity()
	assert.ErrorIs(t, err, ErrCrypto)
}

func TestKeyStoreCorruptMasterKeyFatal(t *testing.T) {
	dir := t.TempDir()
	_, err := NewKeyStore(dir)
	require.NoError(t, err)

	path := filepath.Join(dir, "keys", "master.secret")
	require.NoError(t, os.WriteFile(path, []byte("short"), 0o600))

	_, err = NewKeyStore(dir)
	assert.ErrorIs(t, err, ErrCrypto)
}

func TestKeyStoreSanitizesSlotNames(t *testing.T) {
	ks, err := NewKeyStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, ks.SaveSession("../evil/peer:id", []byte("data")))
	got, err := ks.LoadSession("../evil/peer:id")
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), got)

	entries, err := os.ReadDir(filepath.Join(ks.BaseDir(), "keys", "sessions"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotContains(t, entries[0].Name(), "/")
}
