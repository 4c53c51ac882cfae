package conversation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
)

// Repository is the storage the transfer handlers depend on.
type Repository interface {
	SaveConversations(ctx context.Context, userID string, convos []Conversation) error
	ListConversations(ctx context.Context, userID string) ([]Conversation, error)
	ListMessages(ctx context.Context, userID, conversationID string) ([]Message, error)
}

const queryInsertConversation = `
INSERT INTO conversations (conversation_id, user_id, title, endpoint, model, created_at, updated_at)
VALUES (:conversation_id, :user_id, :title, :endpoint, :model, :created_at, :updated_at)
`

const queryInsertMessage = `
INSERT INTO messages (message_id, conversation_id, parent_message_id, user_id, sender, text, is_created_by_user, model, created_at)
VALUES (:message_id, :conversation_id, :parent_message_id, :user_id, :sender, :text, :is_created_by_user, :model, :created_at)
`

const queryListConversations = `
SELECT conversation_id, user_id, title, endpoint, model, created_at, updated_at
FROM conversations
WHERE user_id = $1
ORDER BY updated_at DESC, conversation_id
`

const queryListMessages = `
SELECT message_id, conversation_id, parent_message_id, user_id, sender, text, is_created_by_user, model, created_at
FROM messages
WHERE user_id = $1 AND conversation_id = $2
ORDER BY created_at ASC, message_id
`

// PostgresRepository stores conversations in PostgreSQL
type PostgresRepository struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgresRepository creates a new PostgresRepository instance
func NewPostgresRepository(db *sqlx.DB, logger *slog.Logger) *PostgresRepository {
	return &PostgresRepository{
		db:     db,
		logger: logger,
	}
}

// SaveConversations writes every conversation and its messages in one
// transaction. Records are attributed to userID regardless of what they carry.
func (r *PostgresRepository) SaveConversations(ctx context.Context, userID string, convos []Conversation) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				r.logger.Error("Failed to rollback transaction", slog.Any("error", rbErr))
			}
		}
	}()

	messages := 0
	for i := range convos {
		c := convos[i]
		c.UserID = userID
		if _, err = tx.NamedExecContext(ctx, queryInsertConversation, c); err != nil {
			return fmt.Errorf("failed to insert conversation %s: %w", c.ConversationID, err)
		}
		for j := range c.Messages {
			m := c.Messages[j]
			m.UserID = userID
			m.ConversationID = c.ConversationID
			if _, err = tx.NamedExecContext(ctx, queryInsertMessage, m); err != nil {
				return fmt.Errorf("failed to insert message %s: %w", m.MessageID, err)
			}
			messages++
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	r.logger.Debug("Conversations saved",
		slog.String("user_id", userID),
		slog.Int("conversations", len(convos)),
		slog.Int("messages", messages),
	)
	return nil
}

// ListConversations returns the user's conversations without messages.
func (r *PostgresRepository) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	var convos []Conversation
	if err := r.db.SelectContext(ctx, &convos, queryListConversations, userID); err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return convos, nil
}

// ListMessages returns one conversation's messages in creation order.
func (r *PostgresRepository) ListMessages(ctx context.Context, userID, conversationID string) ([]Message, error) {
	var messages []Message
	if err := r.db.SelectContext(ctx, &messages, queryListMessages, userID, conversationID); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return messages, nil
}
