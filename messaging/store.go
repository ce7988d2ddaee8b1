// Package messaging persists decrypted conversation history. One JSON
// file per conversation lives under {data_dir}/messages; plaintext never
// leaves the local disk and deleting a conversation removes its file.
package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/archivist-app/chatcore/wire"
)

// Conversation kinds.
const (
	KindDirect = "direct"
	KindGroup  = "group"
)

// ErrConversationNotFound indicates no conversation exists for the
// requested ID.
var ErrConversationNotFound = errors.New("conversation not found")

// ErrMessageNotFound indicates the message is not in the conversation.
var ErrMessageNotFound = errors.New("message not found")

// StoredMessage is one decrypted message at rest.
type StoredMessage struct {
	MessageID      string            `json:"messageId"`
	ConversationID string            `json:"conversationId"`
	SenderID       string            `json:"senderId"`
	Body           string            `json:"body"`
	ReplyTo        string            `json:"replyTo,omitempty"`
	Attachments    []wire.Attachment `json:"attachments,omitempty"`
	Timestamp      int64             `json:"timestamp"`
	Status         string            `json:"status"`
	Outgoing       bool              `json:"outgoing"`
	Read           bool              `json:"read"`
}

// Conversation groups messages with their roster.
type Conversation struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Name      string          `json:"name"`
	PeerID    string          `json:"peerId,omitempty"`
	GroupID   string          `json:"groupId,omitempty"`
	Creator   string          `json:"creatorPeerId,omitempty"`
	CreatedAt int64           `json:"createdAt"`
	Members   []string        `json:"members,omitempty"`
	Messages  []StoredMessage `json:"messages"`
}

// Summary is the conversation-list view: enough to render a sidebar row
// without loading the full history.
type Summary struct {
	ConversationID string `json:"conversationId"`
	Kind           string `json:"kind"`
	Name           string `json:"name"`
	LastMessage    string `json:"lastMessage"`
	LastTimestamp  int64  `json:"lastTimestamp"`
	UnreadCount    int    `json:"unreadCount"`
}

// Store is the conversation database. Safe for concurrent use; every
// mutation is persisted before returning.
type Store struct {
	mu            sync.Mutex
	dir           string
	conversations map[string]*Conversation
}

// NewStore opens the message store under dataDir/messages, loading any
// existing conversation files.
func NewStore(dataDir string) (*Store, error) {
	dir := filepath.Join(dataDir, "messages")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create message store: %w", err)
	}

	s := &Store{dir: dir, conversations: make(map[string]*Conversation)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read message store: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read conversation %s: %w", entry.Name(), err)
		}
		var conv Conversation
		if err := json.Unmarshal(data, &conv); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "NewStore",
				"file":     entry.Name(),
				"error":    err,
			}).Warn("Skipping unreadable conversation file")
			continue
		}
		s.conversations[conv.ID] = &conv
	}
	return s, nil
}

// DirectConversationID is the canonical ID for a two-party thread.
func DirectConversationID(peerID string) string {
	return "dm:" + peerID
}

// GetOrCreateDirect returns the direct conversation with a peer,
// creating it on first contact.
func (s *Store) GetOrCreateDirect(peerID string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := DirectConversationID(peerID)
	if conv, ok := s.conversations[id]; ok {
		return copyConversation(conv), nil
	}

	conv := &Conversation{
		ID:        id,
		Kind:      KindDirect,
		Name:      peerID,
		PeerID:    peerID,
		CreatedAt: time.Now().UnixMilli(),
	}
	s.conversations[id] = conv
	if err := s.persist(conv); err != nil {
		return nil, err
	}
	return copyConversation(conv), nil
}

// GetOrCreateGroup returns the group conversation, creating it with the
// given creator and roster on first sight. An existing conversation's
// roster is updated to match.
func (s *Store) GetOrCreateGroup(groupID, name, creator string, members []string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conv, ok := s.conversations[groupID]; ok {
		if name != "" {
			conv.Name = name
		}
		if creator != "" && conv.Creator == "" {
			conv.Creator = creator
		}
		if members != nil {
			conv.Members = append([]string(nil), members...)
		}
		if err := s.persist(conv); err != nil {
			return nil, err
		}
		return copyConversation(conv), nil
	}

	conv := &Conversation{
		ID:        groupID,
		Kind:      KindGroup,
		Name:      name,
		GroupID:   groupID,
		Creator:   creator,
		CreatedAt: time.Now().UnixMilli(),
		Members:   append([]string(nil), members...),
	}
	s.conversations[groupID] = conv
	if err := s.persist(conv); err != nil {
		return nil, err
	}
	return copyConversation(conv), nil
}

// AddMessage appends a message to its conversation. Outgoing messages
// are born read; inbound ones count as unread until MarkRead.
func (s *Store) AddMessage(msg StoredMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[msg.ConversationID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, msg.ConversationID)
	}
	if msg.Outgoing {
		msg.Read = true
	}
	conv.Messages = append(conv.Messages, msg)
	return s.persist(conv)
}

// UpdateDeliveryStatus sets the status of one message.
func (s *Store) UpdateDeliveryStatus(conversationID, messageID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}
	for i := range conv.Messages {
		if conv.Messages[i].MessageID == messageID {
			conv.Messages[i].Status = status
			return s.persist(conv)
		}
	}
	return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
}

// MarkRead flags every message in a conversation as read and returns
// the IDs that changed, so read receipts can be sent for exactly those.
func (s *Store) MarkRead(conversationID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}

	var changed []string
	for i := range conv.Messages {
		if !conv.Messages[i].Read {
			conv.Messages[i].Read = true
			changed = append(changed, conv.Messages[i].MessageID)
		}
	}
	if len(changed) == 0 {
		return nil, nil
	}
	return changed, s.persist(conv)
}

// GetMessages returns up to limit messages with timestamps strictly
// before the given cutoff, newest-last. A zero cutoff means "from the
// end"; a zero limit means no limit.
func (s *Store) GetMessages(conversationID string, limit int, before int64) ([]StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}

	var out []StoredMessage
	for _, msg := range conv.Messages {
		if before > 0 && msg.Timestamp >= before {
			continue
		}
		out = append(out, msg)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// DeleteConversation removes the conversation and its file.
func (s *Store) DeleteConversation(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[conversationID]; !ok {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}
	delete(s.conversations, conversationID)

	if err := os.Remove(s.filePath(conversationID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

// Summaries returns one row per conversation, most recent first.
func (s *Store) Summaries() []Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Summary, 0, len(s.conversations))
	for _, conv := range s.conversations {
		sum := Summary{ConversationID: conv.ID, Kind: conv.Kind, Name: conv.Name}
		for _, msg := range conv.Messages {
			if !msg.Read {
				sum.UnreadCount++
			}
		}
		if n := len(conv.Messages); n > 0 {
			sum.LastMessage = conv.Messages[n-1].Body
			sum.LastTimestamp = conv.Messages[n-1].Timestamp
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastTimestamp > out[j].LastTimestamp
	})
	return out
}

// UnreadCount returns the total number of unread messages across all
// conversations.
func (s *Store) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, conv := range s.conversations {
		for _, msg := range conv.Messages {
			if !msg.Read {
				total++
			}
		}
	}
	return total
}

// ConversationCount returns the number of conversations.
func (s *Store) ConversationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conversations)
}

// Members returns the roster of a group conversation.
func (s *Store) Members(groupID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[groupID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, groupID)
	}
	return append([]string(nil), conv.Members...), nil
}

// AddGroupMember adds a member to the roster if not already present.
func (s *Store) AddGroupMember(groupID, memberID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[groupID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, groupID)
	}
	for _, m := range conv.Members {
		if m == memberID {
			return nil
		}
	}
	conv.Members = append(conv.Members, memberID)
	return s.persist(conv)
}

// RemoveGroupMember drops a member from the roster.
func (s *Store) RemoveGroupMember(groupID, memberID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[groupID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, groupID)
	}
	for i, m := range conv.Members {
		if m == memberID {
			conv.Members = append(conv.Members[:i], conv.Members[i+1:]...)
			return s.persist(conv)
		}
	}
	return nil
}

func (s *Store) persist(conv *Conversation) error {
	data, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}

	path := s.filePath(conv.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write conversation: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write conversation: %w", err)
	}
	return nil
}

func (s *Store) filePath(conversationID string) string {
	return filepath.Join(s.dir, sanitizeFileName(conversationID)+".json")
}

var fileNameReplacer = strings.NewReplacer(
	"/", "_", "\\", "_", ":", "_", "*", "_", "?", "_",
	"\"", "_", "<", "_", ">", "_", "|", "_",
)

func sanitizeFileName(name string) string {
	return fileNameReplacer.Replace(name)
}

func copyConversation(conv *Conversation) *Conversation {
	out := *conv
	out.Members = append([]string(nil), conv.Members...)
	out.Messages = append([]StoredMessage(nil), conv.Messages...)
	return &out
}
