package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityCreateAndReload(t *testing.T) {
	dir := t.TempDir()
	ks, err := NewKeyStore(dir)
	require.NoError(t, err)

	identity, err := LoadOrCreateIdentity(ks, "peer-a")
	require.NoError(t, err)
	require.NoError(t, identity.GenerateOneTimeKeysIfNeeded(ks))

	reopened, err := NewKeyStore(dir)
	require.NoError(t, err)
	reloaded, err := LoadOrCreateIdentity(reopened, "peer-a")
	require.NoError(t, err)

	assert.Equal(t, identity.AgreementKey(), reloaded.AgreementKey())
	assert.Equal(t, identity.SigningKey(), reloaded.SigningKey())
	assert.Equal(t, len(identity.oneTime), len(reloaded.oneTime))
}

func TestIdentityPreKeyPoolTopUp(t *testing.T) {
	ks, err := NewKeyStore(t.TempDir())
	require.NoError(t, err)
	identity, err := LoadOrCreateIdentity(ks, "peer-a")
	require.NoError(t, err)

	require.NoError(t, identity.GenerateOneTimeKeysIfNeeded(ks))
	assert.Equal(t, oneTimeKeyTarget, identity.unpublishedCount())

	// Above the low-water mark nothing happens.
	require.NoError(t, identity.GenerateOneTimeKeysIfNeeded(ks))
	assert.Equal(t, oneTimeKeyTarget, identity.unpublishedCount())

	// Consuming down past the mark triggers a refill.
	for i := 0; i < oneTimeKeyTarget-oneTimeKeyLowWater+1; i++ {
		bundle := identity.ExportPreKeyBundle()
		_, ok := identity.takeOneTimeKey(bundle.OneTimeKey)
		require.True(t, ok)
	}
	require.NoError(t, identity.GenerateOneTimeKeysIfNeeded(ks))
	assert.Equal(t, oneTimeKeyTarget, identity.unpublishedCount())
}

func TestIdentityBundleExport(t *testing.T) {
	ks, err := NewKeyStore(t.TempDir())
	require.NoError(t, err)
	identity, err := LoadOrCreateIdentity(ks, "peer-a")
	require.NoError(t, err)
	require.NoError(t, identity.GenerateOneTimeKeysIfNeeded(ks))

	bundle := identity.ExportPreKeyBundle()
	assert.Equal(t, identity.AgreementKey(), bundle.IdentityKey)
	assert.Equal(t, identity.SigningKey(), bundle.SigningKey)
	assert.Equal(t, "peer-a", bundle.PeerID)
	assert.NotEmpty(t, bundle.OneTimeKey)

	// Export is side-effect free: the same key is offered again.
	again := identity.ExportPreKeyBundle()
	assert.Equal(t, bundle.OneTimeKey, again.OneTimeKey)
}

func TestIdentityMarkKeysAsPublished(t *testing.T) {
	ks, err := NewKeyStore(t.TempDir())
	require.NoError(t, err)
	identity, err := LoadOrCreateIdentity(ks, "peer-a")
	require.NoError(t, err)
	require.NoError(t, identity.GenerateOneTimeKeysIfNeeded(ks))

	identity.MarkKeysAsPublished()
	assert.Equal(t, 0, identity.unpublishedCount())

	bundle := identity.ExportPreKeyBundle()
	assert.Empty(t, bundle.OneTimeKey)

	// Published keys are still claimable until consumed.
	require.NoError(t, identity.GenerateOneTimeKeysIfNeeded(ks))
	assert.Equal(t, oneTimeKeyTarget, identity.unpublishedCount())
	assert.Equal(t, 2*oneTimeKeyTarget, len(identity.oneTime))
}

func TestIdentityOneTimeKeyConsumedOnce(t *testing.T) {
	ks, err := NewKeyStore(t.TempDir())
	require.NoError(t, err)
	identity, err := LoadOrCreateIdentity(ks, "peer-a")
	require.NoError(t, err)
	require.NoError(t, identity.GenerateOneTimeKeysIfNeeded(ks))

	bundle := identity.ExportPreKeyBundle()
	_, ok := identity.takeOneTimeKey(bundle.OneTimeKey)
	require.True(t, ok)
	_, ok = identity.takeOneTimeKey(bundle.OneTimeKey)
	assert.False(t, ok)
}
