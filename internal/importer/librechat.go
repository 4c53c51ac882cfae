package importer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuongbtq/convo-transfer/internal/conversation"
)

type libreChatDocument struct {
	Conversations []libreChatConversation `json:"conversations"`
}

type libreChatConversation struct {
	ConversationID *string            `json:"conversationId"`
	Title          string             `json:"title"`
	Endpoint       string             `json:"endpoint"`
	Model          string             `json:"model"`
	CreatedAt      *time.Time         `json:"createdAt"`
	UpdatedAt      *time.Time         `json:"updatedAt"`
	Messages       []libreChatMessage `json:"messages"`
}

type libreChatMessage struct {
	MessageID       string     `json:"messageId"`
	ParentMessageID string     `json:"parentMessageId"`
	Sender          string     `json:"sender"`
	Text            string     `json:"text"`
	IsCreatedByUser bool       `json:"isCreatedByUser"`
	Model           string     `json:"model"`
	CreatedAt       *time.Time `json:"createdAt"`
}

// LibreChat reads the native export document, which is also what export jobs produce.
type LibreChat struct {
	newID func() string
}

func NewLibreChat() *LibreChat {
	return &LibreChat{}
}

func (l *LibreChat) Name() string { return "librechat" }

func (l *LibreChat) Match(raw json.RawMessage) bool {
	var shape struct {
		Conversations []struct {
			ConversationID *string          `json:"conversationId"`
			Messages       *json.RawMessage `json:"messages"`
		} `json:"conversations"`
	}
	if err := json.Unmarshal(raw, &shape); err != nil || shape.Conversations == nil {
		return false
	}
	for _, c := range shape.Conversations {
		if c.ConversationID == nil || c.Messages == nil {
			return false
		}
	}
	return true
}

func (l *LibreChat) Parse(raw json.RawMessage, userID string, now time.Time) ([]conversation.Conversation, error) {
	var doc libreChatDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode librechat export: %w", err)
	}

	convos := make([]conversation.Conversation, 0, len(doc.Conversations))
	for _, src := range doc.Conversations {
		ids := newIDMapper(l.newID)
		convID := ids.newID()

		createdAt := now
		if src.CreatedAt != nil {
			createdAt = src.CreatedAt.UTC()
		}
		updatedAt := createdAt
		if src.UpdatedAt != nil {
			updatedAt = src.UpdatedAt.UTC()
		}

		// Assign every id first so parents that appear later still resolve.
		for _, m := range src.Messages {
			ids.assign(m.MessageID)
		}

		messages := make([]conversation.Message, 0, len(src.Messages))
		for i, m := range src.Messages {
			ts := sequence(createdAt, i)
			if m.CreatedAt != nil {
				ts = m.CreatedAt.UTC()
			}
			messages = append(messages, conversation.Message{
				MessageID:       ids.assign(m.MessageID),
				ConversationID:  convID,
				ParentMessageID: ids.parent(m.ParentMessageID),
				UserID:          userID,
				Sender:          orDefault(m.Sender, senderFor(m.IsCreatedByUser, m.Model)),
				Text:            m.Text,
				IsCreatedByUser: m.IsCreatedByUser,
				Model:           m.Model,
				CreatedAt:       ts,
			})
		}

		convos = append(convos, conversation.Conversation{
			ConversationID: convID,
			UserID:         userID,
			Title:          orDefault(src.Title, defaultTitle),
			Endpoint:       orDefault(src.Endpoint, defaultEndpoint),
			Model:          src.Model,
			CreatedAt:      createdAt,
			UpdatedAt:      updatedAt,
			Messages:       messages,
		})
	}
	return convos, nil
}

const (
	defaultTitle    = "Imported Chat"
	defaultEndpoint = "openAI"
	defaultSender   = "ChatGPT"
)

func senderFor(isUser bool, model string) string {
	if isUser {
		return "User"
	}
	return orDefault(model, defaultSender)
}
