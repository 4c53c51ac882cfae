package importer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuongbtq/convo-transfer/internal/conversation"
)

type chatbotUIDocument struct {
	Version int                     `json:"version"`
	History []chatbotUIConversation `json:"history"`
}

type chatbotUIConversation struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	Model struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"model"`
}

// ChatbotUI reads the settings export of Chatbot UI, where each conversation is
// a flat list of role/content messages.
type ChatbotUI struct {
	newID func() string
}

func NewChatbotUI() *ChatbotUI {
	return &ChatbotUI{}
}

func (c *ChatbotUI) Name() string { return "chatbotui" }

func (c *ChatbotUI) Match(raw json.RawMessage) bool {
	var shape struct {
		Version *json.RawMessage  `json:"version"`
		History []json.RawMessage `json:"history"`
	}
	if err := json.Unmarshal(raw, &shape); err != nil {
		return false
	}
	return shape.Version != nil && shape.History != nil
}

func (c *ChatbotUI) Parse(raw json.RawMessage, userID string, now time.Time) ([]conversation.Conversation, error) {
	var doc chatbotUIDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode chatbot ui export: %w", err)
	}

	convos := make([]conversation.Conversation, 0, len(doc.History))
	for _, src := range doc.History {
		ids := newIDMapper(c.newID)
		convID := ids.newID()

		messages := make([]conversation.Message, 0, len(src.Messages))
		parent := conversation.NoParent
		for i, m := range src.Messages {
			if m.Role != "user" && m.Role != "assistant" {
				continue
			}
			isUser := m.Role == "user"
			msg := conversation.Message{
				MessageID:       ids.newID(),
				ConversationID:  convID,
				ParentMessageID: parent,
				UserID:          userID,
				Sender:          senderFor(isUser, src.Model.Name),
				Text:            m.Content,
				IsCreatedByUser: isUser,
				CreatedAt:       sequence(now, i),
			}
			if !isUser {
				msg.Model = src.Model.ID
			}
			messages = append(messages, msg)
			parent = msg.MessageID
		}

		convos = append(convos, conversation.Conversation{
			ConversationID: convID,
			UserID:         userID,
			Title:          orDefault(src.Name, defaultTitle),
			Endpoint:       defaultEndpoint,
			Model:          src.Model.ID,
			CreatedAt:      now,
			UpdatedAt:      now,
			Messages:       messages,
		})
	}
	return convos, nil
}
