package db

import (
	"time"

	"chatrelay/common"
)

const (
	ConversationCollection = "conversations"
	MessageCollection      = "messages"
)

type Conversation struct {
	Id        string    `json:"id" bson:"_id"`
	UserId    string    `json:"userId" bson:"userId"`
	Title     string    `json:"title" bson:"title"`
	CreatedAt time.Time `json:"createdAt" bson:"createdAt"`
	// Seq is the last sequence number handed to a message of this conversation.
	Seq int64 `json:"-" bson:"seq"`
}

type Message struct {
	Id             string    `json:"id" bson:"_id"`
	ConversationId string    `json:"conversationId" bson:"conversationId"`
	UserId         string    `json:"userId" bson:"userId"`
	Sender         string    `json:"sender" bson:"sender"`
	Text           string    `json:"text" bson:"text"`
	Timestamp      time.Time `json:"timestamp" bson:"timestamp"`
	Seq            int64     `json:"seq" bson:"seq"`
	IsError        bool      `json:"isError,omitempty" bson:"isError,omitempty"`
	Feedback       string    `json:"feedback,omitempty" bson:"feedback,omitempty"`
}

func (c Conversation) toCommon() common.Conversation {
	return common.Conversation{
		Id:        c.Id,
		OwnerId:   c.UserId,
		Title:     c.Title,
		CreatedAt: c.CreatedAt,
	}
}

func (m Message) toCommon() common.Message {
	return common.Message{
		Id:             m.Id,
		ConversationId: m.ConversationId,
		Sender:         common.Sender(m.Sender),
		Text:           m.Text,
		Timestamp:      m.Timestamp,
		Seq:            m.Seq,
		IsError:        m.IsError,
		Feedback:       common.Feedback(m.Feedback),
	}
}
