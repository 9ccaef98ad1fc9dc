package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nhle/mailpilot/internal/model"
)

// CreateConversation inserts a new conversation row.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *model.Conversation) error {
	metadata, err := json.Marshal(conv.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling conversation metadata: %w", err)
	}

	return s.withRetry(ctx, "create conversation", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO conversations (
				id, user_id, created_at, updated_at,
				title, status, total_cost, message_count, metadata
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			conv.ID, conv.UserID, conv.CreatedAt.UTC(), conv.UpdatedAt.UTC(),
			conv.Title, string(conv.Status), conv.TotalCost, conv.MessageCount,
			string(metadata),
		)
		if err != nil {
			return classify(fmt.Errorf("inserting conversation %s: %w", conv.ID, err))
		}
		return nil
	})
}

// GetConversation retrieves a single conversation by its ID.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	row := s.db.QueryRowxContext(ctx, "SELECT * FROM conversations WHERE id = ?", id)
	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("getting conversation %s: %w", id, err)
	}
	return &conv, nil
}

// ListConversations retrieves conversations matching the filter,
// ordered by updated_at descending.
func (s *SQLiteStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]model.Conversation, error) {
	var conditions []string
	var args []interface{}

	if filter.UserID != nil {
		conditions = append(conditions, "user_id = ?")
		args = append(args, *filter.UserID)
	}
	if filter.Status != nil {
		conditions = append(conditions, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.UpdatedSince != nil {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, filter.UpdatedSince.UTC())
	}

	query := "SELECT * FROM conversations"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY updated_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var conversations []model.Conversation
	for rows.Next() {
		conv, err := scanConversationRows(rows)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, conv)
	}

	return conversations, rows.Err()
}

// CloseConversation marks a conversation as closed. Closing an
// already-closed conversation is a no-op.
func (s *SQLiteStore) CloseConversation(ctx context.Context, id string) error {
	return s.withRetry(ctx, "close conversation", func() error {
		res, err := s.db.ExecContext(ctx,
			"UPDATE conversations SET status = ?, updated_at = ? WHERE id = ?",
			string(model.ConversationClosed), time.Now().UTC(), id,
		)
		if err != nil {
			return classify(err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// touchConversationTx bumps a conversation's aggregates inside an open
// transaction: message_count by countDelta, total_cost by costDelta,
// and updated_at to now. The affected-row count is validated so an
// append against a missing conversation aborts the transaction.
func touchConversationTx(ctx context.Context, tx *sqlx.Tx, conversationID string, countDelta int, costDelta float64) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET message_count = message_count + ?,
		    total_cost = total_cost + ?,
		    updated_at = ?
		WHERE id = ?`,
		countDelta, costDelta, time.Now().UTC(), conversationID,
	)
	if err != nil {
		return fmt.Errorf("updating conversation %s aggregates: %w", conversationID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking affected rows: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("%w: conversation %s aggregate update affected %d rows",
			ErrIntegrityViolation, conversationID, n)
	}
	return nil
}

func scanConversation(row *sqlx.Row) (model.Conversation, error) {
	var (
		conv      model.Conversation
		status    string
		createdAt time.Time
		updatedAt time.Time
		metadata  string
	)

	err := row.Scan(
		&conv.ID, &conv.UserID, &createdAt, &updatedAt,
		&conv.Title, &status, &conv.TotalCost, &conv.MessageCount,
		&metadata,
	)
	if err != nil {
		return model.Conversation{}, err
	}

	return finishConversation(conv, status, createdAt, updatedAt, metadata)
}

func scanConversationRows(rows *sqlx.Rows) (model.Conversation, error) {
	var (
		conv      model.Conversation
		status    string
		createdAt time.Time
		updatedAt time.Time
		metadata  string
	)

	err := rows.Scan(
		&conv.ID, &conv.UserID, &createdAt, &updatedAt,
		&conv.Title, &status, &conv.TotalCost, &conv.MessageCount,
		&metadata,
	)
	if err != nil {
		return model.Conversation{}, fmt.Errorf("scanning conversation row: %w", err)
	}

	return finishConversation(conv, status, createdAt, updatedAt, metadata)
}

func finishConversation(conv model.Conversation, status string, createdAt, updatedAt time.Time, metadata string) (model.Conversation, error) {
	conv.Status = model.ConversationStatus(status)
	conv.CreatedAt = createdAt
	conv.UpdatedAt = updatedAt

	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &conv.Metadata); err != nil {
			return model.Conversation{}, fmt.Errorf("unmarshaling conversation metadata: %w", err)
		}
	}
	return conv, nil
}
