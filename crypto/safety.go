package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// SafetyNumber derives the human-comparable fingerprint for a pair of
// identity keys: twelve five-digit groups, identical on both devices
// because the keys are sorted before hashing.
func SafetyNumber(localKey, remoteKey string) string {
	keys := []string{localKey, remoteKey}
	sort.Strings(keys)
	digest := sha256.Sum256([]byte(keys[0] + keys[1]))

	groups := make([]string, 12)
	for i := range groups {
		chunk := binary.BigEndian.Uint16(digest[i*2 : i*2+2])
		groups[i] = fmt.Sprintf("%05d", uint32(chunk)*100000/65536)
	}
	return strings.Join(groups, " ")
}

// SafetyNumberGroups splits a safety number into its five-digit groups
// for UIs that render them as separate blocks.
func SafetyNumberGroups(number string) []string {
	return strings.Fields(number)
}

// KeyFingerprint renders a single key's SHA-256 digest as
// colon-separated uppercase hex, for identity display.
func KeyFingerprint(key string) string {
	digest := sha256.Sum256([]byte(key))
	hexDigest := strings.ToUpper(hex.EncodeToString(digest[:]))

	parts := make([]string, 0, len(digest))
	for i := 0; i < len(hexDigest); i += 2 {
		parts = append(parts, hexDigest[i:i+2])
	}
	return strings.Join(parts, ":")
}
