package chat

import (
	"context"

	"chatrelay/common"
)

// ConversationStore keeps conversation records scoped to their owner.
type ConversationStore interface {
	CreateConversation(ctx context.Context, ownerId string) (*common.Conversation, error)
	GetConversation(ctx context.Context, ownerId, id string) (*common.Conversation, error)
	ListConversations(ctx context.Context, ownerId string) ([]common.Conversation, error)
	RenameConversation(ctx context.Context, ownerId, id, title string) error
	// DeleteConversation removes the conversation and all of its messages atomically.
	DeleteConversation(ctx context.Context, ownerId, id string) error
	// ObserveConversations delivers the owner's conversations, newest first.
	ObserveConversations(ctx context.Context, ownerId string, obs common.Observer[common.Conversation]) (common.Subscription, error)
}

// MessageStore appends and reads messages of a conversation, ordered by
// their per-conversation sequence number.
type MessageStore interface {
	AppendMessage(ctx context.Context, ownerId, conversationId string, sender common.Sender, text string, extra common.MessageExtra) (*common.Message, error)
	// InsertWelcome writes the welcome message under a deterministic id and
	// reports false when it already exists.
	InsertWelcome(ctx context.Context, ownerId, conversationId string) (bool, error)
	SetFeedback(ctx context.Context, ownerId, messageId string, feedback common.Feedback) error
	// RecentMessages returns up to n trailing messages, oldest first.
	RecentMessages(ctx context.Context, ownerId, conversationId string, n int) ([]common.Message, error)
	CountMessages(ctx context.Context, ownerId, conversationId string) (int, error)
	ListMessages(ctx context.Context, ownerId, conversationId string) ([]common.Message, error)
	ObserveMessages(ctx context.Context, ownerId, conversationId string, obs common.Observer[common.Message]) (common.Subscription, error)
}

type Store interface {
	ConversationStore
	MessageStore
}

// Completer produces the assistant reply for a context window and a new user turn.
type Completer interface {
	Complete(ctx context.Context, history []common.Turn, text string) (string, error)
}
