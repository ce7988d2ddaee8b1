// Package wire defines every payload exchanged between chat peers over
// HTTPS. Field names follow the frontend's camelCase convention; the
// same structs are returned verbatim through the local API.
package wire

import (
	"encoding/json"

	"github.com/archivist-app/chatcore/crypto"
)

// Delivery status values carried on acks and stored messages.
const (
	StatusSending   = "sending"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// Group rekey reasons.
const (
	RekeyMemberAdded       = "memberAdded"
	RekeyMemberRemoved     = "memberRemoved"
	RekeyScheduledRotation = "scheduledRotation"
	RekeyManual            = "manual"
)

// BundleRequest asks a peer for their pre-key bundle, offering ours in
// the same round trip so either side can initiate afterwards. The
// sender's transport certificate fingerprint rides along for TOFU
// pinning.
type BundleRequest struct {
	SenderID        string              `json:"senderPeerId"`
	Bundle          crypto.PreKeyBundle `json:"bundle"`
	CertFingerprint string              `json:"certFingerprint"`
}

// BundleResponse carries the peer's bundle and certificate fingerprint
// back.
type BundleResponse struct {
	SenderID        string              `json:"senderPeerId"`
	Bundle          crypto.PreKeyBundle `json:"bundle"`
	CertFingerprint string              `json:"certFingerprint"`
}

// MessagePayload is one encrypted direct message in flight.
type MessagePayload struct {
	MessageID         string         `json:"messageId"`
	SenderID          string         `json:"senderId"`
	SenderIdentityKey string         `json:"senderIdentityKey"`
	Timestamp         int64          `json:"timestamp"`
	Message           crypto.Message `json:"message"`
}

// Attachment references a file shared through the archive store by its
// content ID; raw bytes never travel over the chat channel.
type Attachment struct {
	CID       string `json:"cid"`
	Filename  string `json:"filename"`
	MimeType  string `json:"mimeType"`
	SizeBytes int64  `json:"sizeBytes"`
}

// MessageContent is the plaintext inside a direct or group message.
type MessageContent struct {
	Body        string       `json:"body"`
	ReplyTo     string       `json:"replyTo,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// GroupMember pairs a roster entry with its identity key, empty when the
// sender has no session with that member yet.
type GroupMember struct {
	PeerID      string `json:"peerId"`
	IdentityKey string `json:"identityKey"`
}

// GroupInvitePayload distributes a group's roster and the creator's
// sender key. The key export itself is pairwise-encrypted per invitee;
// the roster and name are plaintext routing metadata.
type GroupInvitePayload struct {
	GroupID   string         `json:"groupId"`
	GroupName string         `json:"groupName"`
	CreatorID string         `json:"creatorPeerId"`
	Members   []GroupMember  `json:"members"`
	Invite    crypto.Message `json:"encryptedSessionKey"`
}

// GroupInviteContent is the plaintext inside an invite's encrypted
// part: the key export bound to its group ID.
type GroupInviteContent struct {
	GroupID   string `json:"groupId"`
	KeyExport string `json:"keyExport"`
}

// GroupMessagePayload is one group-ratchet payload in flight. The
// ciphertext is opaque to everyone without the sender's key export.
type GroupMessagePayload struct {
	MessageID         string          `json:"messageId"`
	GroupID           string          `json:"groupId"`
	SenderID          string          `json:"senderId"`
	SenderIdentityKey string          `json:"senderIdentityKey"`
	SessionID         string          `json:"sessionId"`
	MessageIndex      uint32          `json:"messageIndex"`
	Timestamp         int64           `json:"timestamp"`
	Ciphertext        json.RawMessage `json:"ciphertext"`
}

// GroupRekeyPayload wraps a pairwise-encrypted key rotation notice.
type GroupRekeyPayload struct {
	GroupID      string         `json:"groupId"`
	SenderID     string         `json:"senderId"`
	NewSessionID string         `json:"newSessionId"`
	Reason       string         `json:"reason"`
	Rekey        crypto.Message `json:"encryptedSessionKey"`
}

// GroupRekeyContent is the plaintext inside a rekey notice: the new key
// export plus the roster it applies to.
type GroupRekeyContent struct {
	GroupID   string   `json:"groupId"`
	Members   []string `json:"members"`
	KeyExport string   `json:"keyExport"`
}

// AckPayload reports a delivery-state transition back to the sender.
type AckPayload struct {
	MessageID string `json:"messageId"`
	SenderID  string `json:"senderId"`
	Status    string `json:"status"`
}

// ErrorResponse is the uniform error body for every chat endpoint.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse answers GET chat/health.
type HealthResponse struct {
	Status string `json:"status"`
	PeerID string `json:"peerId"`
}
