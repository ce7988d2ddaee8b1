package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafetyNumberSymmetric(t *testing.T) {
	a, err := GenerateKeyPair()
	require.NoError(t, err)
	b, err := GenerateKeyPair()
	require.NoError(t, err)

	keyA, keyB := EncodeKey(a.Public), EncodeKey(b.Public)
	assert.Equal(t, SafetyNumber(keyA, keyB), SafetyNumber(keyB, keyA))
}

func TestSafetyNumberFormat(t *testing.T) {
	a, err := GenerateKeyPair()
	require.NoError(t, err)
	b, err := GenerateKeyPair()
	require.NoError(t, err)

	number := SafetyNumber(EncodeKey(a.Public), EncodeKey(b.Public))
	groups := strings.Split(number, " ")
	require.Len(t, groups, 12)
	for _, group := range groups {
		assert.Len(t, group, 5)
		for _, c := range group {
			assert.True(t, c >= '0' && c <= '9')
		}
	}
}

func TestSafetyNumberGroups(t *testing.T) {
	a, err := GenerateKeyPair()
	require.NoError(t, err)
	b, err := GenerateKeyPair()
	require.NoError(t, err)

	number := SafetyNumber(EncodeKey(a.Public), EncodeKey(b.Public))
	groups := SafetyNumberGroups(number)
	require.Len(t, groups, 12)
	assert.Equal(t, number, strings.Join(groups, " "))
}

func TestSafetyNumberDistinguishesKeys(t *testing.T) {
	a, err := GenerateKeyPair()
	require.NoError(t, err)
	b, err := GenerateKeyPair()
	require.NoError(t, err)
	c, err := GenerateKeyPair()
	require.NoError(t, err)

	keyA := EncodeKey(a.Public)
	assert.NotEqual(t,
		SafetyNumber(keyA, EncodeKey(b.Public)),
		SafetyNumber(keyA, EncodeKey(c.Public)))
}

func TestSafetyNumberDeterministic(t *testing.T) {
	number := SafetyNumber("AAAA", "BBBB")
	assert.Equal(t, number, SafetyNumber("AAAA", "BBBB"))
}
