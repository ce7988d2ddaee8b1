// Package crypto implements the cryptographic core of the archivist chat
// subsystem: the encrypted-at-rest key store, the local identity with its
// one-time prekey pool, pairwise double-ratchet sessions, sender-keyed
// group ratchets, and the human-comparable safety number.
//
// All session and group-session state is mutated in place and persisted
// through the KeyStore immediately after every state-changing operation.
// Callers are responsible for serializing access to a given session; the
// chat orchestrator does this with a single lock.
//
// Example:
//
//	store, err := crypto.NewKeyStore(dataDir)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	identity, err := crypto.LoadOrCreateIdentity(store, peerID)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	bundle := identity.ExportPreKeyBundle()
package crypto
