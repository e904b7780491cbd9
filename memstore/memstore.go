// Package memstore is an in-process implementation of the conversation and
// message stores. It backs the `store: memory` mode and the tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"chatrelay/common"

	"github.com/google/uuid"
)

type conversationRecord struct {
	conv common.Conversation
	seq  int64
}

type messageRecord struct {
	msg     common.Message
	ownerId string
}

type Store struct {
	mu            sync.RWMutex
	conversations map[string]*conversationRecord
	messages      map[string]*messageRecord
	now           func() time.Time

	subMu  sync.Mutex
	subs   map[int]*subscriber
	nextId int
}

func New() *Store {
	return &Store{
		conversations: make(map[string]*conversationRecord),
		messages:      make(map[string]*messageRecord),
		now:           time.Now,
		subs:          make(map[int]*subscriber),
	}
}

// SetClock replaces the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Store) ownedLocked(ownerId, id string) (*conversationRecord, error) {
	rec, ok := s.conversations[id]
	if !ok || rec.conv.OwnerId != ownerId {
		return nil, common.NotFoundError("memstore", "conversation not found")
	}
	return rec, nil
}

func (s *Store) CreateConversation(ctx context.Context, ownerId string) (*common.Conversation, error) {
	if ownerId == "" {
		return nil, common.ValidationError("memstore.CreateConversation", "owner id is required")
	}
	s.mu.Lock()
	conv := common.Conversation{
		Id:        uuid.NewString(),
		OwnerId:   ownerId,
		Title:     common.DefaultConversationTitle,
		CreatedAt: s.now(),
	}
	s.conversations[conv.Id] = &conversationRecord{conv: conv}
	s.mu.Unlock()

	s.notifyConversations(ownerId)
	return &conv, nil
}

func (s *Store) GetConversation(ctx context.Context, ownerId, id string) (*common.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, err := s.ownedLocked(ownerId, id)
	if err != nil {
		return nil, err
	}
	conv := rec.conv
	return &conv, nil
}

func (s *Store) ListConversations(ctx context.Context, ownerId string) ([]common.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	convs := make([]common.Conversation, 0)
	for _, rec := range s.conversations {
		if rec.conv.OwnerId == ownerId {
			convs = append(convs, rec.conv)
		}
	}
	sort.SliceStable(convs, func(i, j int) bool {
		if convs[i].CreatedAt.Equal(convs[j].CreatedAt) {
			return convs[i].Id > convs[j].Id
		}
		return convs[i].CreatedAt.After(convs[j].CreatedAt)
	})
	return convs, nil
}

func (s *Store) RenameConversation(ctx context.Context, ownerId, id, title string) error {
	s.mu.Lock()
	rec, err := s.ownedLocked(ownerId, id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	rec.conv.Title = title
	s.mu.Unlock()

	s.notifyConversations(ownerId)
	return nil
}

func (s *Store) DeleteConversation(ctx context.Context, ownerId, id string) error {
	s.mu.Lock()
	if _, err := s.ownedLocked(ownerId, id); err != nil {
		s.mu.Unlock()
		return err
	}
	delete(s.conversations, id)
	for msgId, rec := range s.messages {
		if rec.msg.ConversationId == id {
			delete(s.messages, msgId)
		}
	}
	s.mu.Unlock()

	s.notifyConversations(ownerId)
	s.notifyMessages(id)
	return nil
}

func (s *Store) appendLocked(rec *conversationRecord, id string, sender common.Sender, text string, extra common.MessageExtra) common.Message {
	rec.seq++
	msg := common.Message{
		Id:             id,
		ConversationId: rec.conv.Id,
		Sender:         sender,
		Text:           text,
		Timestamp:      s.now(),
		Seq:            rec.seq,
		IsError:        extra.IsError,
	}
	s.messages[id] = &messageRecord{msg: msg, ownerId: rec.conv.OwnerId}
	return msg
}

func (s *Store) AppendMessage(ctx context.Context, ownerId, conversationId string, sender common.Sender, text string, extra common.MessageExtra) (*common.Message, error) {
	if !sender.Valid() {
		return nil, common.ValidationError("memstore.AppendMessage", "unknown sender")
	}
	s.mu.Lock()
	rec, err := s.ownedLocked(ownerId, conversationId)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	msg := s.appendLocked(rec, uuid.NewString(), sender, text, extra)
	s.mu.Unlock()

	s.notifyMessages(conversationId)
	return &msg, nil
}

func (s *Store) InsertWelcome(ctx context.Context, ownerId, conversationId string) (bool, error) {
	s.mu.Lock()
	rec, err := s.ownedLocked(ownerId, conversationId)
	if err != nil {
		s.mu.Unlock()
		return false, err
	}
	id := common.WelcomeMessageId(conversationId)
	// only an empty conversation gets one
	if _, exists := s.messages[id]; exists || rec.seq > 0 {
		s.mu.Unlock()
		return false, nil
	}
	s.appendLocked(rec, id, common.SenderBot, common.WelcomeText, common.MessageExtra{})
	s.mu.Unlock()

	s.notifyMessages(conversationId)
	return true, nil
}

func (s *Store) SetFeedback(ctx context.Context, ownerId, messageId string, feedback common.Feedback) error {
	s.mu.Lock()
	rec, ok := s.messages[messageId]
	if !ok || rec.ownerId != ownerId {
		s.mu.Unlock()
		return common.NotFoundError("memstore.SetFeedback", "message not found")
	}
	if rec.msg.Feedback == feedback {
		s.mu.Unlock()
		return nil
	}
	rec.msg.Feedback = feedback
	conversationId := rec.msg.ConversationId
	s.mu.Unlock()

	s.notifyMessages(conversationId)
	return nil
}

func (s *Store) messagesLocked(ownerId, conversationId string) []common.Message {
	msgs := make([]common.Message, 0)
	for _, rec := range s.messages {
		if rec.msg.ConversationId == conversationId && rec.ownerId == ownerId {
			msgs = append(msgs, rec.msg)
		}
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Seq < msgs[j].Seq })
	return msgs
}

func (s *Store) ListMessages(ctx context.Context, ownerId, conversationId string) ([]common.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := s.ownedLocked(ownerId, conversationId); err != nil {
		return nil, err
	}
	return s.messagesLocked(ownerId, conversationId), nil
}

func (s *Store) RecentMessages(ctx context.Context, ownerId, conversationId string, n int) ([]common.Message, error) {
	msgs, err := s.ListMessages(ctx, ownerId, conversationId)
	if err != nil {
		return nil, err
	}
	if n >= 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return msgs, nil
}

func (s *Store) CountMessages(ctx context.Context, ownerId, conversationId string) (int, error) {
	msgs, err := s.ListMessages(ctx, ownerId, conversationId)
	if err != nil {
		return 0, err
	}
	return len(msgs), nil
}

func (s *Store) ObserveConversations(ctx context.Context, ownerId string, obs common.Observer[common.Conversation]) (common.Subscription, error) {
	deliver := func() {
		convs, _ := s.ListConversations(ctx, ownerId)
		obs.Snapshot(convs)
	}
	return s.subscribe(conversationsKey(ownerId), "conversations", deliver), nil
}

func (s *Store) ObserveMessages(ctx context.Context, ownerId, conversationId string, obs common.Observer[common.Message]) (common.Subscription, error) {
	if _, err := s.GetConversation(ctx, ownerId, conversationId); err != nil {
		return nil, err
	}
	deliver := func() {
		s.mu.RLock()
		msgs := s.messagesLocked(ownerId, conversationId)
		s.mu.RUnlock()
		obs.Snapshot(msgs)
	}
	return s.subscribe(messagesKey(conversationId), "messages", deliver), nil
}

// Snapshot copies every conversation and message, for inspection in tests.
func (s *Store) Snapshot() ([]common.Conversation, []common.Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	convs := make([]common.Conversation, 0, len(s.conversations))
	for _, rec := range s.conversations {
		convs = append(convs, rec.conv)
	}
	msgs := make([]common.Message, 0, len(s.messages))
	for _, rec := range s.messages {
		msgs = append(msgs, rec.msg)
	}
	return convs, msgs
}
