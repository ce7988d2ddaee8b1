package chat

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/archivist-app/chatcore/delivery"
	"github.com/archivist-app/chatcore/messaging"
	"github.com/archivist-app/chatcore/wire"
)

// CreateGroup provisions a group with the given members and distributes
// the sender key to each of them. Members we have no session with are
// skipped with a warning; they can be added once a session exists.
// Returns the new group ID.
func (s *Service) CreateGroup(name string, members []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	groupID := uuid.New().String()
	keyExport, err := s.groups.CreateGroupSession(groupID)
	if err != nil {
		return "", err
	}

	reachable := make([]string, 0, len(members))
	for _, member := range members {
		if !s.sessions.HasSession(member) {
			logrus.WithFields(logrus.Fields{
				"function": "CreateGroup",
				"group_id": groupID,
				"member":   member,
			}).Warn("Skipping group member without a session")
			continue
		}
		reachable = append(reachable, member)
	}

	if _, err := s.store.GetOrCreateGroup(groupID, name, s.identity.PeerID(), reachable); err != nil {
		return "", err
	}

	roster := s.rosterLocked(reachable)
	for _, member := range reachable {
		if err := s.enqueueInviteLocked(groupID, name, member, roster, keyExport); err != nil {
			return "", err
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":     "CreateGroup",
		"group_id":     groupID,
		"member_count": len(reachable),
	}).Info("Created group")
	return groupID, nil
}

// SendGroupMessage encrypts a plain text message once with the group's
// sender key and fans the ciphertext out to every member.
func (s *Service) SendGroupMessage(groupID, body string) (string, error) {
	return s.SendGroupMessageContent(groupID, wire.MessageContent{Body: body})
}

// SendGroupMessageContent is SendGroupMessage with reply-to and
// attachment references.
func (s *Service) SendGroupMessageContent(groupID string, mc wire.MessageContent) (string, error) {
	if len(mc.Body) > s.cfg.MaxMessageSize {
		return "", fmt.Errorf("%w: message exceeds %d bytes", ErrChat, s.cfg.MaxMessageSize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	members, err := s.store.Members(groupID)
	if err != nil {
		return "", err
	}

	content, err := marshalContent(mc)
	if err != nil {
		return "", err
	}
	ciphertext, index, err := s.groups.EncryptGroup(groupID, content)
	if err != nil {
		return "", err
	}
	sessionID, err := s.groups.SessionID(groupID)
	if err != nil {
		return "", err
	}

	messageID := uuid.New().String()
	now := time.Now().UnixMilli()
	if s.cfg.StoreHistory {
		if err := s.store.AddMessage(messaging.StoredMessage{
			MessageID:      messageID,
			ConversationID: groupID,
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

	wirePayload, err := marshalContent(wire.GroupMessagePayload{
		MessageID:         messageID,
		GroupID:           groupID,
		SenderID:          s.identity.PeerID(),
		SenderIdentityKey: s.identity.AgreementKey(),
		SessionID:         sessionID,
		MessageIndex:      index,
		Timestamp:         now,
		Ciphertext:        json.RawMessage(ciphertext),
	})
	if err != nil {
		return "", err
	}

	for _, member := range members {
		s.queue.Enqueue(delivery.Pending{
			DeliveryID:     uuid.New().String(),
			RecipientID:    member,
			Endpoint:       "chat/group/message",
			Payload:        wirePayload,
			Kind:           delivery.KindGroupMessage,
			MessageID:      messageID,
			ConversationID: groupID,
		})
	}
	return messageID, nil
}

// AddGroupMember adds a peer to the group and rotates the sender key so
// the newcomer reads nothing sent before they joined. The new key goes
// to the full resulting roster.
func (s *Service) AddGroupMember(groupID, memberID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.sessions.HasSession(memberID) {
		return fmt.Errorf("%w: no session with %s; initiate one first", ErrChat, memberID)
	}
	if err := s.store.AddGroupMember(groupID, memberID); err != nil {
		return err
	}
	return s.rekeyLocked(groupID, wire.RekeyMemberAdded)
}

// RemoveGroupMember drops a peer from the group and rotates the sender
// key so they read nothing sent after removal.
func (s *Service) RemoveGroupMember(groupID, memberID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.RemoveGroupMember(groupID, memberID); err != nil {
		return err
	}
	return s.rekeyLocked(groupID, wire.RekeyMemberRemoved)
}

// RotateGroupKey rotates the sender key on demand.
func (s *Service) RotateGroupKey(groupID, reason string) error {
	switch reason {
	case wire.RekeyManual, wire.RekeyScheduledRotation:
	default:
		return fmt.Errorf("%w: invalid rekey reason %q", ErrChat, reason)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rekeyLocked(groupID, reason)
}

// rekeyLocked cuts over to a fresh sender key and distributes it to the
// current roster. Rotation is unconditional on any membership change.
func (s *Service) rekeyLocked(groupID, reason string) error {
	members, err := s.store.Members(groupID)
	if err != nil {
		return err
	}

	keyExport, err := s.groups.RekeyGroup(groupID)
	if err != nil {
		return err
	}
	sessionID, err := s.groups.SessionID(groupID)
	if err != nil {
		return err
	}

	for _, member := range members {
		if !s.sessions.HasSession(member) {
			logrus.WithFields(logrus.Fields{
				"function": "rekeyLocked",
				"group_id": groupID,
				"member":   member,
			}).Warn("Cannot deliver rekey to member without a session")
			continue
		}
		if err := s.enqueueRekeyLocked(groupID, member, members, keyExport, sessionID, reason); err != nil {
			return err
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "rekeyLocked",
		"group_id": groupID,
		"reason":   reason,
	}).Info("Rotated group sender key")
	return nil
}

// HandleGroupInvite processes an inbound invite: the pairwise-encrypted
// sender key plus the plaintext roster.
func (s *Service) HandleGroupInvite(payload wire.GroupInvitePayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	plaintext, err := s.sessions.Decrypt(payload.CreatorID, &payload.Invite)
	if err != nil {
		return err
	}
	var content wire.GroupInviteContent
	if err := unmarshalContent(plaintext, &content); err != nil {
		return err
	}
	if content.GroupID != payload.GroupID {
		return fmt.Errorf("%w: invite group mismatch: %s vs %s", ErrChat, content.GroupID, payload.GroupID)
	}

	if err := s.groups.AddInboundSession(content.GroupID, payload.CreatorID, content.KeyExport); err != nil {
		return err
	}

	memberIDs := make([]string, 0, len(payload.Members))
	for _, member := range payload.Members {
		memberIDs = append(memberIDs, member.PeerID)
		if _, ok := s.peerKeys[member.PeerID]; !ok && member.IdentityKey != "" {
			s.peerKeys[member.PeerID] = member.IdentityKey
		}
	}
	if _, err := s.store.GetOrCreateGroup(payload.GroupID, payload.GroupName, payload.CreatorID, memberIDs); err != nil {
		return err
	}

	if s.callbacks.OnGroupInvite != nil {
		s.callbacks.OnGroupInvite(payload.GroupID, payload.GroupName, payload.CreatorID)
	}
	return nil
}

// HandleGroupMessage decrypts an inbound group payload with the
// sender's imported key.
func (s *Service) HandleGroupMessage(payload wire.GroupMessagePayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	plaintext, err := s.groups.DecryptGroup(payload.GroupID, payload.SenderID, payload.Ciphertext)
	if err != nil {
		return err
	}
	if _, ok := s.peerKeys[payload.SenderID]; !ok && payload.SenderIdentityKey != "" {
		s.peerKeys[payload.SenderID] = payload.SenderIdentityKey
	}
	var content wire.MessageContent
	if err := unmarshalContent(plaintext, &content); err != nil {
		return err
	}

	msg := messaging.StoredMessage{
		MessageID:      payload.MessageID,
		ConversationID: payload.GroupID,
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

// HandleGroupRekey imports a rotated sender key and reconciles the
// roster it names.
func (s *Service) HandleGroupRekey(payload wire.GroupRekeyPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	plaintext, err := s.sessions.Decrypt(payload.SenderID, &payload.Rekey)
	if err != nil {
		return err
	}
	var content wire.GroupRekeyContent
	if err := unmarshalContent(plaintext, &content); err != nil {
		return err
	}
	if content.GroupID != payload.GroupID {
		return fmt.Errorf("%w: rekey group mismatch: %s vs %s", ErrChat, content.GroupID, payload.GroupID)
	}

	if err := s.groups.AddInboundSession(content.GroupID, payload.SenderID, content.KeyExport); err != nil {
		return err
	}
	if _, err := s.store.GetOrCreateGroup(content.GroupID, "", "", content.Members); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "HandleGroupRekey",
		"group_id":   content.GroupID,
		"sender":     payload.SenderID,
		"session_id": payload.NewSessionID,
		"reason":     payload.Reason,
	}).Info("Imported rotated group key")
	return nil
}

func (s *Service) enqueueInviteLocked(groupID, name, member string, roster []wire.GroupMember, keyExport string) error {
	content, err := marshalContent(wire.GroupInviteContent{
		GroupID:   groupID,
		KeyExport: keyExport,
	})
	if err != nil {
		return err
	}
	encrypted, err := s.sessions.Encrypt(member, content)
	if err != nil {
		return err
	}
	payload, err := marshalContent(wire.GroupInvitePayload{
		GroupID:   groupID,
		GroupName: name,
		CreatorID: s.identity.PeerID(),
		Members:   roster,
		Invite:    *encrypted,
	})
	if err != nil {
		return err
	}

	s.queue.Enqueue(delivery.Pending{
		DeliveryID:  uuid.New().String(),
		RecipientID: member,
		Endpoint:    "chat/group/invite",
		Payload:     payload,
		Kind:        delivery.KindGroupInvite,
	})
	return nil
}

func (s *Service) enqueueRekeyLocked(groupID, member string, members []string, keyExport, sessionID, reason string) error {
	content, err := marshalContent(wire.GroupRekeyContent{
		GroupID:   groupID,
		Members:   members,
		KeyExport: keyExport,
	})
	if err != nil {
		return err
	}
	encrypted, err := s.sessions.Encrypt(member, content)
	if err != nil {
		return err
	}
	payload, err := marshalContent(wire.GroupRekeyPayload{
		GroupID:      groupID,
		SenderID:     s.identity.PeerID(),
		NewSessionID: sessionID,
		Reason:       reason,
		Rekey:        *encrypted,
	})
	if err != nil {
		return err
	}

	s.queue.Enqueue(delivery.Pending{
		DeliveryID:  uuid.New().String(),
		RecipientID: member,
		Endpoint:    "chat/group/rekey",
		Payload:     payload,
		Kind:        delivery.KindGroupRekey,
	})
	return nil
}

// rosterLocked pairs member IDs with the identity keys we know for
// them; members we have not completed a handshake with carry an empty
// key until one exists.
func (s *Service) rosterLocked(members []string) []wire.GroupMember {
	roster := make([]wire.GroupMember, 0, len(members))
	for _, member := range members {
		entry := wire.GroupMember{PeerID: member}
		if member == s.identity.PeerID() {
			entry.IdentityKey = s.identity.AgreementKey()
		} else if key, ok := s.peerKeys[member]; ok {
			entry.IdentityKey = key
		}
		roster = append(roster, entry)
	}
	return roster
}
