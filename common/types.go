package common

import "time"

type Sender string

const (
	SenderUser Sender = "user"
	SenderBot  Sender = "bot"
)

func (s Sender) Valid() bool {
	return s == SenderUser || s == SenderBot
}

type Feedback string

const (
	FeedbackNone    Feedback = ""
	FeedbackLike    Feedback = "like"
	FeedbackDislike Feedback = "dislike"
)

// ParseFeedback accepts "like", "dislike" and "none"/"" (cleared).
func ParseFeedback(s string) (Feedback, bool) {
	switch s {
	case "like":
		return FeedbackLike, true
	case "dislike":
		return FeedbackDislike, true
	case "", "none", "null":
		return FeedbackNone, true
	}
	return FeedbackNone, false
}

const (
	DefaultConversationTitle = "New Conversation"
	WelcomeText              = "Hello! How can I help you today?"
)

// User is the identity handed over by the identity provider.
type User struct {
	Uid      string `json:"uid"`
	Email    string `json:"email"`
	PhotoURL string `json:"photoURL,omitempty"`
}

type Conversation struct {
	Id        string    `json:"id"`
	OwnerId   string    `json:"userId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
}

type Message struct {
	Id             string    `json:"id"`
	ConversationId string    `json:"conversationId"`
	Sender         Sender    `json:"sender"`
	Text           string    `json:"text"`
	Timestamp      time.Time `json:"timestamp"`
	Seq            int64     `json:"seq"`
	IsError        bool      `json:"isError,omitempty"`
	Feedback       Feedback  `json:"feedback,omitempty"`
}

// MessageExtra carries the optional fields of an appended message.
type MessageExtra struct {
	IsError bool
}

// Turn is one entry of the context window handed to the completion client.
type Turn struct {
	Sender Sender
	Text   string
}

func TurnsOf(msgs []Message) []Turn {
	turns := make([]Turn, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, Turn{Sender: m.Sender, Text: m.Text})
	}
	return turns
}

// WelcomeMessageId is the deterministic id of a conversation's welcome message,
// so the store's unique key rejects a second copy.
func WelcomeMessageId(conversationId string) string {
	return "welcome-" + conversationId
}
