// Package conversation holds the chat history records that import jobs write
// and export jobs read.
package conversation

import "time"

// NoParent is the parent id carried by the first message of a thread.
const NoParent = "00000000-0000-0000-0000-000000000000"

// Conversation is one chat thread owned by a user.
type Conversation struct {
	ConversationID string    `db:"conversation_id" json:"conversationId"`
	UserID         string    `db:"user_id" json:"user"`
	Title          string    `db:"title" json:"title"`
	Endpoint       string    `db:"endpoint" json:"endpoint"`
	Model          string    `db:"model" json:"model,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time `db:"updated_at" json:"updatedAt"`
	Messages       []Message `db:"-" json:"messages"`
}

// Message is a single turn inside a conversation.
type Message struct {
	MessageID       string    `db:"message_id" json:"messageId"`
	ConversationID  string    `db:"conversation_id" json:"conversationId"`
	ParentMessageID string    `db:"parent_message_id" json:"parentMessageId"`
	UserID          string    `db:"user_id" json:"user"`
	Sender          string    `db:"sender" json:"sender"`
	Text            string    `db:"text" json:"text"`
	IsCreatedByUser bool      `db:"is_created_by_user" json:"isCreatedByUser"`
	Model           string    `db:"model" json:"model,omitempty"`
	CreatedAt       time.Time `db:"created_at" json:"createdAt"`
}
