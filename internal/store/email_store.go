package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nhle/mailpilot/internal/model"
)

// AppendEmail inserts an immutable email row. Redelivery of an email
// already stored for the conversation (same Message-ID) fails with
// ErrDuplicateMessageID via the unique index; this is the storage-side
// backstop for resolver idempotence.
func (s *SQLiteStore) AppendEmail(ctx context.Context, email *model.Email) error {
	refs, err := json.Marshal(email.References)
	if err != nil {
		return fmt.Errorf("marshaling references: %w", err)
	}
	to, err := json.Marshal(email.To)
	if err != nil {
		return fmt.Errorf("marshaling to addresses: %w", err)
	}
	cc, err := json.Marshal(email.Cc)
	if err != nil {
		return fmt.Errorf("marshaling cc addresses: %w", err)
	}
	bcc, err := json.Marshal(email.Bcc)
	if err != nil {
		return fmt.Errorf("marshaling bcc addresses: %w", err)
	}
	headers, err := json.Marshal(email.Headers)
	if err != nil {
		return fmt.Errorf("marshaling headers: %w", err)
	}

	return s.withRetry(ctx, "append email", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO emails (
				id, conversation_id, created_at, direction,
				message_id, in_reply_to, refs,
				from_email, to_addrs, cc_addrs, bcc_addrs,
				subject, text, html, headers
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			email.ID, email.ConversationID, email.CreatedAt.UTC(), string(email.Direction),
			email.MessageID, email.InReplyTo, string(refs),
			email.From, string(to), string(cc), string(bcc),
			email.Subject, email.Text, email.HTML, string(headers),
		)
		if err != nil {
			return classify(fmt.Errorf("inserting email %s: %w", email.ID, err))
		}
		return nil
	})
}

// FindEmailByMessageID returns the stored email carrying the given
// RFC Message-ID. Used by the thread resolver to follow In-Reply-To
// and References chains.
func (s *SQLiteStore) FindEmailByMessageID(ctx context.Context, messageID string) (*model.Email, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT * FROM emails WHERE message_id = ? ORDER BY created_at ASC LIMIT 1",
		messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying email by message id: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("message id %s: %w", messageID, ErrNotFound)
	}

	email, err := scanEmail(rows)
	if err != nil {
		return nil, err
	}
	return &email, nil
}

// FindEmailReferencing returns the oldest stored email whose
// In-Reply-To or References chain points at the given Message-ID.
// Together with FindEmailByMessageID this makes header resolution
// symmetric: a reply delivered before its parent still lands in the
// same conversation once the parent arrives.
func (s *SQLiteStore) FindEmailReferencing(ctx context.Context, messageID string) (*model.Email, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT * FROM emails
		WHERE in_reply_to = ?
		   OR (json_valid(refs) AND EXISTS (
		         SELECT 1 FROM json_each(emails.refs) WHERE json_each.value = ?))
		ORDER BY created_at ASC LIMIT 1`,
		messageID, messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying email by referenced message id: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("referenced message id %s: %w", messageID, ErrNotFound)
	}

	email, err := scanEmail(rows)
	if err != nil {
		return nil, err
	}
	return &email, nil
}

// ListEmails returns a conversation's emails ordered by creation time.
func (s *SQLiteStore) ListEmails(ctx context.Context, conversationID string) ([]model.Email, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT * FROM emails
		WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying emails: %w", err)
	}
	defer rows.Close()

	var emails []model.Email
	for rows.Next() {
		email, err := scanEmail(rows)
		if err != nil {
			return nil, err
		}
		emails = append(emails, email)
	}

	return emails, rows.Err()
}

// scanEmail scans an email row from a sqlx.Rows result set.
func scanEmail(rows *sqlx.Rows) (model.Email, error) {
	var (
		email     model.Email
		createdAt time.Time
		direction string
		refs      string
		to        string
		cc        string
		bcc       string
		headers   string
	)

	err := rows.Scan(
		&email.ID, &email.ConversationID, &createdAt, &direction,
		&email.MessageID, &email.InReplyTo, &refs,
		&email.From, &to, &cc, &bcc,
		&email.Subject, &email.Text, &email.HTML, &headers,
	)
	if err != nil {
		return model.Email{}, fmt.Errorf("scanning email row: %w", err)
	}

	email.CreatedAt = createdAt
	email.Direction = model.EmailDirection(direction)

	if err := unmarshalList(refs, &email.References); err != nil {
		return model.Email{}, fmt.Errorf("unmarshaling references: %w", err)
	}
	if err := unmarshalList(to, &email.To); err != nil {
		return model.Email{}, fmt.Errorf("unmarshaling to addresses: %w", err)
	}
	if err := unmarshalList(cc, &email.Cc); err != nil {
		return model.Email{}, fmt.Errorf("unmarshaling cc addresses: %w", err)
	}
	if err := unmarshalList(bcc, &email.Bcc); err != nil {
		return model.Email{}, fmt.Errorf("unmarshaling bcc addresses: %w", err)
	}

	if headers != "" {
		if err := json.Unmarshal([]byte(headers), &email.Headers); err != nil {
			return model.Email{}, fmt.Errorf("unmarshaling headers: %w", err)
		}
	}

	return email, nil
}

// unmarshalList decodes a JSON string list, treating "" as empty.
func unmarshalList(src string, dst *[]string) error {
	if src == "" {
		return nil
	}
	return json.Unmarshal([]byte(src), dst)
}
