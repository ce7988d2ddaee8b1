// Package chat orchestrates the messaging core: sessions, trust,
// history, and delivery, behind a single service the local API and CLI
// call into.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/archivist-app/chatcore/config"
	"github.com/archivist-app/chatcore/crypto"
	"github.com/archivist-app/chatcore/delivery"
	"github.com/archivist-app/chatcore/messaging"
	"github.com/archivist-app/chatcore/tofu"
	"github.com/archivist-app/chatcore/wire"
)

// ErrChat marks protocol-level failures: invalid requests, oversized
// messages, mismatched group payloads. Crypto failures keep their own
// taxonomy under crypto.ErrCrypto.
var ErrChat = errors.New("chat failure")

// Transport is what the service needs from the network layer: payload
// delivery plus the pre-key bundle round trip.
type Transport interface {
	delivery.Sender
	ExchangePreKeyBundle(ctx context.Context, peerID string, req wire.BundleRequest) (*wire.BundleResponse, error)
}

// Callbacks notify the embedding application. All fields are optional;
// callbacks run synchronously on the mutating goroutine and must return
// quickly.
type Callbacks struct {
	OnMessageReceived      func(msg messaging.StoredMessage)
	OnDeliveryStateChanged func(conversationID, messageID, status string)
	OnFingerprintChanged   func(peerID string)
	OnGroupInvite          func(groupID, groupName, senderID string)
	OnUnreadChanged        func(total int)
}

// IdentityInfo is the local identity as shown to the user.
type IdentityInfo struct {
	PeerID          string `json:"peerId"`
	IdentityKey     string `json:"identityKey"`
	SigningKey      string `json:"signingKey"`
	CertFingerprint string `json:"certFingerprint"`
}

// SafetyNumberInfo pairs the displayable number, both whole and as its
// digit groups, with the peer's trust state.
type SafetyNumberInfo struct {
	PeerID       string          `json:"peerId"`
	SafetyNumber string          `json:"safetyNumber"`
	Groups       []string        `json:"groups"`
	TrustLevel   tofu.TrustLevel `json:"trustLevel"`
}

// Status reports the running service.
type Status struct {
	PeerID       string `json:"peerId"`
	Address      string `json:"address"`
	StartedAt    int64  `json:"startedAt"`
	QueueDepth   int    `json:"queueDepth"`
	Conversation int    `json:"conversationCount"`
}

// Service is the chat core. All state-changing paths hold the service
// lock; the crypto managers underneath are not concurrency-safe on
// their own.
type Service struct {
	mu sync.Mutex

	cfg       *config.Config
	keyStore  *crypto.KeyStore
	identity  *crypto.IdentityManager
	sessions  *crypto.SessionManager
	groups    *crypto.GroupSessionManager
	trust     *tofu.Store
	store     *messaging.Store
	queue     *delivery.Queue
	transport Transport
	callbacks Callbacks

	// peerKeys maps peer ID to the identity key learned during session
	// establishment, for safety number derivation.
	peerKeys map[string]string

	certFingerprint string
	address         string
	startedAt       time.Time
}

// NewService wires the chat core over a data directory. The transport
// is injected so tests can run without a network.
func NewService(cfg *config.Config, transport Transport) (*Service, error) {
	keyStore, err := crypto.NewKeyStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	identity, err := crypto.LoadOrCreateIdentity(keyStore, cfg.PeerID)
	if err != nil {
		return nil, err
	}
	if err := identity.GenerateOneTimeKeysIfNeeded(keyStore); err != nil {
		return nil, err
	}
	trust, err := tofu.NewStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	store, err := messaging.NewStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	return &Service{
		cfg:       cfg,
		keyStore:  keyStore,
		identity:  identity,
		sessions:  crypto.NewSessionManager(keyStore, identity),
		groups:    crypto.NewGroupSessionManager(keyStore),
		trust:     trust,
		store:     store,
		queue:     delivery.NewQueue(),
		transport: transport,
		peerKeys:  make(map[string]string),
		startedAt: time.Now(),
	}, nil
}

// SetCallbacks registers application callbacks. Call before traffic
// starts flowing.
func (s *Service) SetCallbacks(cb Callbacks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = cb
}

// SetAddress records the bound transport address for status reporting.
func (s *Service) SetAddress(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.address = addr
}

// SetCertFingerprint records the local transport certificate
// fingerprint offered during bundle exchanges. Call before traffic
// starts flowing.
func (s *Service) SetCertFingerprint(fingerprint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.certFingerprint = fingerprint
}

// KeyStore exposes the key store for transport certificate paths.
func (s *Service) KeyStore() *crypto.KeyStore {
	return s.keyStore
}

// InitiateSession performs the pre-key bundle exchange with a peer and
// establishes the outbound session. A no-op when a session already
// exists.
func (s *Service) InitiateSession(ctx context.Context, peerID string) error {
	s.mu.Lock()
	if s.sessions.HasSession(peerID) {
		s.mu.Unlock()
		return nil
	}
	req := wire.BundleRequest{
		SenderID:        s.identity.PeerID(),
		Bundle:          s.identity.ExportPreKeyBundle(),
		CertFingerprint: s.certFingerprint,
	}
	s.mu.Unlock()

	// The network round trip happens outside the lock.
	resp, err := s.transport.ExchangePreKeyBundle(ctx, peerID, req)
	if err != nil {
		return fmt.Errorf("bundle exchange with %s: %w", peerID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.identity.MarkKeysAsPublished()
	if err := s.identity.GenerateOneTimeKeysIfNeeded(s.keyStore); err != nil {
		return err
	}

	if err := s.checkTrustLocked(peerID, resp.CertFingerprint); err != nil {
		return err
	}
	s.peerKeys[peerID] = resp.Bundle.IdentityKey

	if s.sessions.HasSession(peerID) {
		// The peer initiated toward us during the round trip.
		return nil
	}
	if err := s.sessions.CreateOutboundSession(peerID, resp.Bundle); err != nil {
		return err
	}
	_, err = s.store.GetOrCreateDirect(peerID)
	return err
}

// SendMessage encrypts a plain text message for a peer and queues it
// for delivery, returning the message ID.
func (s *Service) SendMessage(peerID, body string) (string, error) {
	return s.SendMessageContent(peerID, wire.MessageContent{Body: body})
}

// SendMessageContent is SendMessage with reply-to and attachment
// references. The session must already exist; oversized bodies are
// rejected before any cryptography runs.
func (s *Service) SendMessageContent(peerID string, mc wire.MessageContent) (string, error) {
	if len(mc.Body) > s.cfg.MaxMessageSize {
		return "", fmt.Errorf("%w: message exceeds %d bytes", ErrChat, s.cfg.MaxMessageSize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	content, err := marshalContent(mc)
	if err != nil {
		return "", err
	}
	encrypted, err := s.sessions.Encrypt(peerID, content)
	if err != nil {
		return "", err
	}

	messageID := uuid.New().String()
	now := time.Now().UnixMilli()
	conv, err := s.store.GetOrCreateDirect(peerID)
	if err != nil {
		return "", err
	}
	if s.cfg.StoreHistory {
		if err := s.store.AddMessage(messaging.StoredMessage{
			MessageID:      messageID,
			ConversationID: conv.ID,
			SenderID:       s.identity.PeerID(),
			Body:           mc.Body,
			ReplyTo:        mc.ReplyTo,
			Attachments:    mc.Attachments,
			Timestamp:      now,
			Status:         wire.StatusSending,
			Outgoing:       true,
		}); err != nil {
			return "", err
		}
	}

	payload, err := marshalContent(wire.MessagePayload{
		MessageID:         messageID,
		SenderID:          s.identity.PeerID(),
		SenderIdentityKey: s.identity.AgreementKey(),
		Timestamp:         now,
		Message:           *encrypted,
	})
	if err != nil {
		return "", err
	}
	s.queue.Enqueue(delivery.Pending{
		DeliveryID:     uuid.New().String(),
		RecipientID:    peerID,
		Endpoint:       "chat/message",
		Payload:        payload,
		Kind:           delivery.KindMessage,
		MessageID:      messageID,
		ConversationID: conv.ID,
	})
	return messageID, nil
}

// ReceiveMessage decrypts and stores an inbound direct message.
func (s *Service) ReceiveMessage(payload wire.MessagePayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	plaintext, err := s.sessions.Decrypt(payload.SenderID, &payload.Message)
	if err != nil {
		return err
	}

	// Certificate fingerprints are pinned during the bundle exchange;
	// here we only learn the sender's identity key if we never did.
	if _, ok := s.peerKeys[payload.SenderID]; !ok && payload.SenderIdentityKey != "" {
		s.peerKeys[payload.SenderID] = payload.SenderIdentityKey
	}

	var content wire.MessageContent
	if err := unmarshalContent(plaintext, &content); err != nil {
		return err
	}

	conv, err := s.store.GetOrCreateDirect(payload.SenderID)
	if err != nil {
		return err
	}
	msg := messaging.StoredMessage{
		MessageID:      payload.MessageID,
		ConversationID: conv.ID,
		SenderID:       payload.SenderID,
		Body:           content.Body,
		ReplyTo:        content.ReplyTo,
		Attachments:    content.Attachments,
		Timestamp:      payload.Timestamp,
		Status:         wire.StatusDelivered,
	}
	if s.cfg.StoreHistory {
		if err := s.store.AddMessage(msg); err != nil {
			return err
		}
	}

	s.notifyMessageLocked(msg)
	return nil
}

// SendAck queues a delivery-state report to a message's sender.
func (s *Service) SendAck(peerID, messageID, status string) error {
	if status != wire.StatusDelivered && status != wire.StatusRead {
		return fmt.Errorf("%w: invalid ack status %q", ErrChat, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueueAckLocked(peerID, messageID, status)
}

func (s *Service) enqueueAckLocked(peerID, messageID, status string) error {
	payload, err := marshalContent(wire.AckPayload{
		MessageID: messageID,
		SenderID:  s.identity.PeerID(),
		Status:    status,
	})
	if err != nil {
		return err
	}
	s.queue.Enqueue(delivery.Pending{
		DeliveryID:  uuid.New().String(),
		RecipientID: peerID,
		Endpoint:    "chat/ack",
		Payload:     payload,
		Kind:        delivery.KindAck,
		MessageID:   messageID,
	})
	return nil
}

// ReceiveAck applies a peer's delivery-state report to our copy of the
// message.
func (s *Service) ReceiveAck(payload wire.AckPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	convID := messaging.DirectConversationID(payload.SenderID)
	if err := s.store.UpdateDeliveryStatus(convID, payload.MessageID, payload.Status); err != nil {
		return err
	}
	if s.callbacks.OnDeliveryStateChanged != nil {
		s.callbacks.OnDeliveryStateChanged(convID, payload.MessageID, payload.Status)
	}
	return nil
}

// MarkConversationRead flags a conversation read and, for direct
// conversations, queues read receipts for the messages that changed.
func (s *Service) MarkConversationRead(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed, err := s.store.MarkRead(conversationID)
	if err != nil {
		return err
	}
	if len(changed) == 0 {
		return nil
	}

	if peerID, ok := directPeer(conversationID); ok {
		for _, messageID := range changed {
			if err := s.enqueueAckLocked(peerID, messageID, wire.StatusRead); err != nil {
				return err
			}
		}
	}
	s.notifyUnreadLocked()
	return nil
}

// Conversations lists conversation summaries, most recent first.
func (s *Service) Conversations() []messaging.Summary {
	return s.store.Summaries()
}

// Messages pages through a conversation's history.
func (s *Service) Messages(conversationID string, limit int, before int64) ([]messaging.StoredMessage, error) {
	return s.store.GetMessages(conversationID, limit, before)
}

// UnreadCount returns the total unread messages.
func (s *Service) UnreadCount() int {
	return s.store.UnreadCount()
}

// DeleteConversation removes a conversation and its history.
func (s *Service) DeleteConversation(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.DeleteConversation(conversationID); err != nil {
		return err
	}
	s.notifyUnreadLocked()
	return nil
}

// VerifyPeer marks the peer verified after an out-of-band safety number
// comparison.
func (s *Service) VerifyPeer(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trust.VerifyPeer(peerID)
}

// AcceptChangedKey accepts a peer's new identity key after a change.
func (s *Service) AcceptChangedKey(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trust.AcceptChanged(peerID)
}

// SafetyNumber derives the comparable number for a known peer from the
// identity key learned at session establishment.
func (s *Service) SafetyNumber(peerID string) (*SafetyNumberInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	theirKey, ok := s.peerKeys[peerID]
	if !ok {
		key, err := s.sessions.RemoteIdentityKey(peerID)
		if err != nil {
			return nil, fmt.Errorf("%w: no identity key known for %s", ErrChat, peerID)
		}
		theirKey = key
		s.peerKeys[peerID] = key
	}

	level := tofu.TrustFirstUse
	if entry, err := s.trust.GetEntry(peerID); err == nil {
		level = entry.TrustLevel
	}

	number := crypto.SafetyNumber(s.identity.AgreementKey(), theirKey)
	return &SafetyNumberInfo{
		PeerID:       peerID,
		SafetyNumber: number,
		Groups:       crypto.SafetyNumberGroups(number),
		TrustLevel:   level,
	}, nil
}

// TrustEntries lists every pinned peer.
func (s *Service) TrustEntries() []tofu.Entry {
	return s.trust.Entries()
}

// Identity reports the local identity.
func (s *Service) Identity() IdentityInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	return IdentityInfo{
		PeerID:          s.identity.PeerID(),
		IdentityKey:     s.identity.AgreementKey(),
		SigningKey:      s.identity.SigningKey(),
		CertFingerprint: s.certFingerprint,
	}
}

// ServerStatus reports the running service.
func (s *Service) ServerStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Status{
		PeerID:       s.identity.PeerID(),
		Address:      s.address,
		StartedAt:    s.startedAt.UnixMilli(),
		QueueDepth:   s.queue.Len(),
		Conversation: s.store.ConversationCount(),
	}
}

// ProcessDeliveryQueue attempts every due delivery once and applies the
// resulting state transitions to the store.
func (s *Service) ProcessDeliveryQueue(ctx context.Context) {
	delivered, failed := s.queue.Process(ctx, s.transport)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range delivered {
		s.applyDeliveryStateLocked(p, wire.StatusDelivered)
	}
	for _, p := range failed {
		s.applyDeliveryStateLocked(p, wire.StatusFailed)
	}
}

// RunDeliveryLoop ticks the delivery queue until the context ends.
func (s *Service) RunDeliveryLoop(ctx context.Context) {
	interval := time.Duration(s.cfg.DeliveryIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ProcessDeliveryQueue(ctx)
		}
	}
}

func (s *Service) applyDeliveryStateLocked(p delivery.Pending, status string) {
	if p.MessageID == "" || p.ConversationID == "" {
		return
	}
	if err := s.store.UpdateDeliveryStatus(p.ConversationID, p.MessageID, status); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "applyDeliveryStateLocked",
			"message_id": p.MessageID,
			"error":      err,
		}).Debug("Could not record delivery state")
		return
	}
	if s.callbacks.OnDeliveryStateChanged != nil {
		s.callbacks.OnDeliveryStateChanged(p.ConversationID, p.MessageID, status)
	}
}

// checkTrustLocked pins the peer's transport certificate fingerprint
// and fires the fingerprint callback on a change. A change never blocks
// traffic by itself; surfacing it is the user's cue to re-verify.
func (s *Service) checkTrustLocked(peerID, fingerprint string) error {
	level, err := s.trust.CheckOrStore(peerID, fingerprint)
	if err != nil {
		return err
	}
	if level == tofu.TrustChanged && s.callbacks.OnFingerprintChanged != nil {
		s.callbacks.OnFingerprintChanged(peerID)
	}
	return nil
}

func (s *Service) notifyMessageLocked(msg messaging.StoredMessage) {
	if s.cfg.NotifyOnMessage && s.callbacks.OnMessageReceived != nil {
		s.callbacks.OnMessageReceived(msg)
	}
	s.notifyUnreadLocked()
}

func (s *Service) notifyUnreadLocked() {
	if s.callbacks.OnUnreadChanged != nil {
		s.callbacks.OnUnreadChanged(s.store.UnreadCount())
	}
}

func directPeer(conversationID string) (string, bool) {
	const prefix = "dm:"
	if len(conversationID) > len(prefix) && conversationID[:len(prefix)] == prefix {
		return conversationID[len(prefix):], true
	}
	return "", false
}
