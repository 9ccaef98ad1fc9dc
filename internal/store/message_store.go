package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nhle/mailpilot/internal/model"
)

// AppendMessage inserts a message row and atomically bumps the parent
// conversation's message_count and updated_at. If the message already
// carries metrics, total_cost is incremented in the same transaction.
// A reader never observes a message without its count update.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *model.Message) error {
	var metricsJSON sql.NullString
	var cost float64
	if msg.Metrics != nil {
		raw, err := json.Marshal(msg.Metrics)
		if err != nil {
			return fmt.Errorf("marshaling message metrics: %w", err)
		}
		metricsJSON = sql.NullString{String: string(raw), Valid: true}
		cost = msg.Metrics.CostUSD
	}

	return s.withRetry(ctx, "append message", func() error {
		err := s.inTx(ctx, func(tx *sqlx.Tx) error {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO messages (
					id, conversation_id, user_id,
					created_at, last_updated_at,
					system_prompt, user_content, assistant_content, metrics
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				msg.ID, msg.ConversationID, msg.UserID,
				msg.CreatedAt.UTC(), msg.LastUpdatedAt.UTC(),
				msg.SystemPrompt, msg.UserContent, msg.AssistantContent,
				metricsJSON,
			)
			if err != nil {
				return fmt.Errorf("inserting message %s: %w", msg.ID, err)
			}
			if n, err := res.RowsAffected(); err != nil || n != 1 {
				return fmt.Errorf("%w: message insert affected %d rows", ErrIntegrityViolation, n)
			}

			return touchConversationTx(ctx, tx, msg.ConversationID, 1, cost)
		})
		return classify(err)
	})
}

// CompleteMessage fills in the assistant side of a pending message and
// adds its cost to the conversation aggregate in the same transaction.
// Completing a message that is not pending is an integrity violation:
// assistant content is written exactly once.
func (s *SQLiteStore) CompleteMessage(ctx context.Context, messageID, assistantContent string, metrics model.MessageMetrics) error {
	if assistantContent == "" {
		return fmt.Errorf("%w: empty assistant content for message %s", ErrIntegrityViolation, messageID)
	}

	raw, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("marshaling message metrics: %w", err)
	}

	return s.withRetry(ctx, "complete message", func() error {
		err := s.inTx(ctx, func(tx *sqlx.Tx) error {
			var conversationID string
			err := tx.GetContext(ctx, &conversationID,
				"SELECT conversation_id FROM messages WHERE id = ?", messageID,
			)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return fmt.Errorf("message %s: %w", messageID, ErrNotFound)
				}
				return fmt.Errorf("looking up message %s: %w", messageID, err)
			}

			res, err := tx.ExecContext(ctx, `
				UPDATE messages
				SET assistant_content = ?, metrics = ?, last_updated_at = ?
				WHERE id = ? AND assistant_content = ''`,
				assistantContent, string(raw), time.Now().UTC(), messageID,
			)
			if err != nil {
				return fmt.Errorf("completing message %s: %w", messageID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("checking affected rows: %w", err)
			}
			if n != 1 {
				return fmt.Errorf("%w: message %s is not pending", ErrIntegrityViolation, messageID)
			}

			return touchConversationTx(ctx, tx, conversationID, 0, metrics.CostUSD)
		})
		return classify(err)
	})
}

// GetConversationHistory returns all messages of a conversation
// ordered by (created_at, id) ascending.
func (s *SQLiteStore) GetConversationHistory(ctx context.Context, conversationID string) ([]model.Message, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT * FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying conversation history: %w", err)
	}
	defer rows.Close()

	var messages []model.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// GetMessage retrieves a single message by its ID.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	rows, err := s.db.QueryxContext(ctx, "SELECT * FROM messages WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("querying message %s: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}

	msg, err := scanMessage(rows)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// scanMessage scans a message row from a sqlx.Rows result set.
func scanMessage(rows *sqlx.Rows) (model.Message, error) {
	var (
		msg           model.Message
		createdAt     time.Time
		lastUpdatedAt time.Time
		metricsJSON   sql.NullString
	)

	err := rows.Scan(
		&msg.ID, &msg.ConversationID, &msg.UserID,
		&createdAt, &lastUpdatedAt,
		&msg.SystemPrompt, &msg.UserContent, &msg.AssistantContent,
		&metricsJSON,
	)
	if err != nil {
		return model.Message{}, fmt.Errorf("scanning message row: %w", err)
	}

	msg.CreatedAt = createdAt
	msg.LastUpdatedAt = lastUpdatedAt

	if metricsJSON.Valid && metricsJSON.String != "" {
		var metrics model.MessageMetrics
		if err := json.Unmarshal([]byte(metricsJSON.String), &metrics); err != nil {
			return model.Message{}, fmt.Errorf("unmarshaling message metrics: %w", err)
		}
		msg.Metrics = &metrics
	}

	return msg, nil
}
