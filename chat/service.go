package chat

import (
	"context"
	"strings"
	"sync"

	"chatrelay/common"
	"chatrelay/log"
	"chatrelay/metrics"
)

// Service is the single entry point the transport uses: conversation and
// message operations plus per-user send pipelines.
type Service struct {
	store     Store
	pipelines *PipelineSet

	welcomeMu sync.Mutex
	welcomed  map[string]struct{}
}

func NewService(store Store, completer Completer, maxPending int) *Service {
	return &Service{
		store:     store,
		pipelines: NewPipelineSet(store, completer, maxPending),
		welcomed:  make(map[string]struct{}),
	}
}

func (s *Service) NewConversation(ctx context.Context, user common.User) (*common.Conversation, error) {
	conv, err := s.store.CreateConversation(ctx, user.Uid)
	if err != nil {
		return nil, err
	}
	metrics.ConversationsCreatedTotal.Inc()
	return conv, nil
}

func (s *Service) Conversation(ctx context.Context, user common.User, id string) (*common.Conversation, error) {
	return s.store.GetConversation(ctx, user.Uid, id)
}

func (s *Service) Conversations(ctx context.Context, user common.User) ([]common.Conversation, error) {
	return s.store.ListConversations(ctx, user.Uid)
}

func (s *Service) Rename(ctx context.Context, user common.User, id, title string) error {
	title = strings.TrimSpace(title)
	if id == "" || title == "" {
		return common.ValidationError("chat.Rename", "title must not be empty")
	}
	return s.store.RenameConversation(ctx, user.Uid, id, title)
}

func (s *Service) Delete(ctx context.Context, user common.User, id string) error {
	if id == "" {
		return common.ValidationError("chat.Delete", "no conversation selected")
	}
	if err := s.store.DeleteConversation(ctx, user.Uid, id); err != nil {
		return err
	}
	s.welcomeMu.Lock()
	delete(s.welcomed, id)
	s.welcomeMu.Unlock()
	return nil
}

func (s *Service) Messages(ctx context.Context, user common.User, conversationId string) ([]common.Message, error) {
	return s.store.ListMessages(ctx, user.Uid, conversationId)
}

func (s *Service) SetFeedback(ctx context.Context, user common.User, messageId string, feedback common.Feedback) error {
	if messageId == "" {
		return common.ValidationError("chat.SetFeedback", "no message selected")
	}
	return s.store.SetFeedback(ctx, user.Uid, messageId, feedback)
}

func (s *Service) Send(ctx context.Context, user common.User, conversationId, text string) (*SendResult, error) {
	return s.pipelines.For(user.Uid).Send(ctx, conversationId, user.Uid, text)
}

func (s *Service) SendState(user common.User) SendState {
	return s.pipelines.For(user.Uid).State()
}

func (s *Service) WatchConversations(ctx context.Context, user common.User, obs common.Observer[common.Conversation]) (common.Subscription, error) {
	return s.store.ObserveConversations(ctx, user.Uid, obs)
}

// WatchMessages forwards every snapshot and seeds an empty conversation with
// the welcome message.
func (s *Service) WatchMessages(ctx context.Context, user common.User, conversationId string, obs common.Observer[common.Message]) (common.Subscription, error) {
	wrapped := common.Observer[common.Message]{
		OnSnapshot: func(msgs []common.Message) {
			obs.Snapshot(msgs)
			if len(msgs) == 0 {
				if err := s.EnsureWelcome(ctx, user, conversationId); err != nil {
					obs.Fail(err)
				}
			}
		},
		OnError: obs.OnError,
	}
	return s.store.ObserveMessages(ctx, user.Uid, conversationId, wrapped)
}

// EnsureWelcome writes the welcome message once per conversation. The store
// rejects a second copy by id; the local set only saves the round trip.
func (s *Service) EnsureWelcome(ctx context.Context, user common.User, conversationId string) error {
	s.welcomeMu.Lock()
	if _, ok := s.welcomed[conversationId]; ok {
		s.welcomeMu.Unlock()
		return nil
	}
	s.welcomed[conversationId] = struct{}{}
	s.welcomeMu.Unlock()

	inserted, err := s.store.InsertWelcome(context.WithoutCancel(ctx), user.Uid, conversationId)
	if err != nil {
		s.welcomeMu.Lock()
		delete(s.welcomed, conversationId)
		s.welcomeMu.Unlock()
		// deleted while a watcher still had it open
		if common.IsKind(err, common.KindNotFound) {
			return nil
		}
		log.Error("insert welcome message", "conversation", conversationId, "error", err.Error())
		return err
	}
	if inserted {
		log.Debug("welcome message added", "conversation", conversationId)
	}
	return nil
}
