package crypto

import (
	"errors"
	"fmt"
)

// ErrCrypto is the base class for all cryptographic failures: malformed
// keys or ciphertexts, pickle corruption, and cipher failures. It is
// always fatal to the operation that raised it.
var ErrCrypto = errors.New("crypto failure")

// ErrSessionNotFound indicates no session exists for the requested peer.
// Unlike ErrCrypto it is recoverable: the caller should attempt
// LoadSession or session establishment first.
var ErrSessionNotFound = errors.New("session not found")

// ErrNoOneTimeKey is returned when a peer's pre-key bundle carries no
// one-time key. There is no fallback handshake without one.
var ErrNoOneTimeKey = fmt.Errorf("%w: peer bundle missing one-time key", ErrCrypto)
