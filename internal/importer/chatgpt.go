package importer

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/cuongbtq/convo-transfer/internal/conversation"
)

type chatGPTConversation struct {
	Title      string                 `json:"title"`
	CreateTime float64                `json:"create_time"`
	UpdateTime float64                `json:"update_time"`
	Mapping    map[string]chatGPTNode `json:"mapping"`
}

type chatGPTNode struct {
	ID       string          `json:"id"`
	Message  *chatGPTMessage `json:"message"`
	Parent   string          `json:"parent"`
	Children []string        `json:"children"`
}

type chatGPTMessage struct {
	Author struct {
		Role string `json:"role"`
	} `json:"author"`
	CreateTime *float64 `json:"create_time"`
	Content    struct {
		Parts []any `json:"parts"`
	} `json:"content"`
	Metadata struct {
		ModelSlug string `json:"model_slug"`
	} `json:"metadata"`
}

// ChatGPT reads the conversations.json file of an OpenAI data export: an array
// of conversations whose messages form a tree keyed by node id.
type ChatGPT struct {
	newID func() string
}

func NewChatGPT() *ChatGPT {
	return &ChatGPT{}
}

func (c *ChatGPT) Name() string { return "chatgpt" }

func (c *ChatGPT) Match(raw json.RawMessage) bool {
	var shape []struct {
		Title   *string          `json:"title"`
		Mapping *json.RawMessage `json:"mapping"`
	}
	if err := json.Unmarshal(raw, &shape); err != nil || len(shape) == 0 {
		return false
	}
	for _, p := range shape {
		if p.Title == nil || p.Mapping == nil {
			return false
		}
	}
	return true
}

func (c *ChatGPT) Parse(raw json.RawMessage, userID string, now time.Time) ([]conversation.Conversation, error) {
	var doc []chatGPTConversation
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode chatgpt export: %w", err)
	}

	convos := make([]conversation.Conversation, 0, len(doc))
	for _, src := range doc {
		convos = append(convos, c.convert(src, userID, now))
	}
	return convos, nil
}

func (c *ChatGPT) convert(src chatGPTConversation, userID string, now time.Time) conversation.Conversation {
	ids := newIDMapper(c.newID)
	convID := ids.newID()

	createdAt := unixSeconds(src.CreateTime, now)
	updatedAt := unixSeconds(src.UpdateTime, createdAt)

	var (
		messages []conversation.Message
		model    string
	)

	// Depth-first walk from the roots, in child order, so replies follow
	// their prompts. Nodes without visible text are skipped and their
	// children attach to the nearest kept ancestor.
	visited := make(map[string]bool, len(src.Mapping))
	var walk func(nodeID, keptParent string)
	walk = func(nodeID, keptParent string) {
		node, ok := src.Mapping[nodeID]
		if !ok || visited[nodeID] {
			return
		}
		visited[nodeID] = true

		parent := keptParent
		if text, role, ok := visibleText(node.Message); ok {
			ts := sequence(createdAt, len(messages))
			if node.Message.CreateTime != nil {
				ts = unixSeconds(*node.Message.CreateTime, ts)
			}
			isUser := role == "user"
			slug := node.Message.Metadata.ModelSlug
			if slug != "" {
				model = slug
			}
			msg := conversation.Message{
				MessageID:       ids.assign(nodeID),
				ConversationID:  convID,
				ParentMessageID: ids.parent(keptParent),
				UserID:          userID,
				Sender:          senderFor(isUser, slug),
				Text:            text,
				IsCreatedByUser: isUser,
				CreatedAt:       ts,
			}
			if !isUser {
				msg.Model = slug
			}
			messages = append(messages, msg)
			parent = nodeID
		}

		for _, child := range node.Children {
			walk(child, parent)
		}
	}

	for _, root := range roots(src.Mapping) {
		walk(root, "")
	}

	return conversation.Conversation{
		ConversationID: convID,
		UserID:         userID,
		Title:          orDefault(src.Title, defaultTitle),
		Endpoint:       defaultEndpoint,
		Model:          model,
		CreatedAt:      createdAt,
		UpdatedAt:      updatedAt,
		Messages:       messages,
	}
}

// roots returns nodes with no known parent, sorted for deterministic output.
func roots(mapping map[string]chatGPTNode) []string {
	var out []string
	for id, node := range mapping {
		if _, ok := mapping[node.Parent]; !ok || node.Parent == "" {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func visibleText(m *chatGPTMessage) (string, string, bool) {
	if m == nil {
		return "", "", false
	}
	role := m.Author.Role
	if role != "user" && role != "assistant" {
		return "", "", false
	}

	var parts []string
	for _, p := range m.Content.Parts {
		if s, ok := p.(string); ok && s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return "", "", false
	}
	return strings.Join(parts, "\n"), role, true
}

func unixSeconds(sec float64, fallback time.Time) time.Time {
	if sec <= 0 {
		return fallback
	}
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC()
}
