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

// CreateUser inserts a user together with its address lookup rows.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *model.User) error {
	if len(user.EmailAddresses) == 0 {
		return fmt.Errorf("%w: user %s has no email addresses", ErrIntegrityViolation, user.ID)
	}

	return s.withRetry(ctx, "create user", func() error {
		err := s.inTx(ctx, func(tx *sqlx.Tx) error {
			return insertUserTx(ctx, tx, user)
		})
		return classify(err)
	})
}

func insertUserTx(ctx context.Context, tx *sqlx.Tx, user *model.User) error {
	addrs, err := json.Marshal(user.EmailAddresses)
	if err != nil {
		return fmt.Errorf("marshaling email addresses: %w", err)
	}
	settings, err := json.Marshal(user.Settings)
	if err != nil {
		return fmt.Errorf("marshaling settings: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO users (id, created_at, updated_at, name, email_addresses, settings)
		VALUES (?, ?, ?, ?, ?, ?)`,
		user.ID, user.CreatedAt.UTC(), user.UpdatedAt.UTC(),
		user.Name, string(addrs), string(settings),
	)
	if err != nil {
		return fmt.Errorf("inserting user %s: %w", user.ID, err)
	}

	for _, addr := range user.EmailAddresses {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO user_addresses (address, user_id) VALUES (?, ?)",
			model.NormalizeAddress(addr), user.ID,
		)
		if err != nil {
			return fmt.Errorf("inserting user address %s: %w", addr, err)
		}
	}
	return nil
}

// GetUserByID retrieves a single user by its ID.
func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	row := s.db.QueryRowxContext(ctx, "SELECT * FROM users WHERE id = ?", id)
	user, err := scanUserRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("getting user %s: %w", id, err)
	}
	return &user, nil
}

// GetUserByAddress retrieves the user owning the given address,
// compared in normalized form.
func (s *SQLiteStore) GetUserByAddress(ctx context.Context, address string) (*model.User, error) {
	var userID string
	err := s.db.GetContext(ctx, &userID,
		"SELECT user_id FROM user_addresses WHERE address = ?",
		model.NormalizeAddress(address),
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("address %s: %w", address, ErrNotFound)
		}
		return nil, fmt.Errorf("looking up address %s: %w", address, err)
	}
	return s.GetUserByID(ctx, userID)
}

// GetOrCreateUser is an idempotent lookup-or-insert keyed on the
// normalized email address. A concurrent insert of the same address
// loses the race on the primary key and falls back to the lookup.
func (s *SQLiteStore) GetOrCreateUser(ctx context.Context, address string) (*model.User, bool, error) {
	address = model.NormalizeAddress(address)

	user, err := s.GetUserByAddress(ctx, address)
	if err == nil {
		return user, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	fresh, err := model.NewUser(address)
	if err != nil {
		return nil, false, err
	}

	if err := s.CreateUser(ctx, fresh); err != nil {
		if errors.Is(err, ErrIntegrityViolation) {
			// Lost a race against another writer for this address.
			user, lookupErr := s.GetUserByAddress(ctx, address)
			if lookupErr == nil {
				return user, false, nil
			}
		}
		return nil, false, err
	}

	s.logger.Info("created user", "user_id", fresh.ID, "address", address)
	return fresh, true, nil
}

// AddUserAddress attaches an additional address to an existing user.
func (s *SQLiteStore) AddUserAddress(ctx context.Context, userID, address string) error {
	address = model.NormalizeAddress(address)

	return s.withRetry(ctx, "add user address", func() error {
		err := s.inTx(ctx, func(tx *sqlx.Tx) error {
			res, err := tx.ExecContext(ctx,
				"INSERT INTO user_addresses (address, user_id) VALUES (?, ?)",
				address, userID,
			)
			if err != nil {
				return err
			}
			if n, err := res.RowsAffected(); err != nil || n != 1 {
				return fmt.Errorf("%w: address insert affected %d rows", ErrIntegrityViolation, n)
			}

			user, err := getUserTx(ctx, tx, userID)
			if err != nil {
				return err
			}
			if user.HasAddress(address) {
				return nil
			}
			user.EmailAddresses = append(user.EmailAddresses, address)
			addrs, err := json.Marshal(user.EmailAddresses)
			if err != nil {
				return fmt.Errorf("marshaling email addresses: %w", err)
			}
			_, err = tx.ExecContext(ctx,
				"UPDATE users SET email_addresses = ?, updated_at = ? WHERE id = ?",
				string(addrs), time.Now().UTC(), userID,
			)
			return err
		})
		return classify(err)
	})
}

// UpdateUserSettings replaces a user's settings blob.
func (s *SQLiteStore) UpdateUserSettings(ctx context.Context, userID string, settings model.UserSettings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshaling settings: %w", err)
	}

	return s.withRetry(ctx, "update user settings", func() error {
		res, err := s.db.ExecContext(ctx,
			"UPDATE users SET settings = ?, updated_at = ? WHERE id = ?",
			string(raw), time.Now().UTC(), userID,
		)
		if err != nil {
			return classify(err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("user %s: %w", userID, ErrNotFound)
		}
		return nil
	})
}

func getUserTx(ctx context.Context, tx *sqlx.Tx, id string) (*model.User, error) {
	row := tx.QueryRowxContext(ctx, "SELECT * FROM users WHERE id = ?", id)
	user, err := scanUserRow(row)
	if err != nil {
		return nil, fmt.Errorf("getting user %s: %w", id, err)
	}
	return &user, nil
}

// scanUserRow scans a single user row from a sqlx.Row.
func scanUserRow(row *sqlx.Row) (model.User, error) {
	var (
		user      model.User
		createdAt time.Time
		updatedAt time.Time
		addrsJSON string
		settings  string
	)

	err := row.Scan(
		&user.ID, &createdAt, &updatedAt,
		&user.Name, &addrsJSON, &settings,
	)
	if err != nil {
		return model.User{}, err
	}

	user.CreatedAt = createdAt
	user.UpdatedAt = updatedAt

	if err := json.Unmarshal([]byte(addrsJSON), &user.EmailAddresses); err != nil {
		return model.User{}, fmt.Errorf("unmarshaling email addresses: %w", err)
	}
	if settings != "" {
		if err := json.Unmarshal([]byte(settings), &user.Settings); err != nil {
			return model.User{}, fmt.Errorf("unmarshaling settings: %w", err)
		}
	}

	return user, nil
}
