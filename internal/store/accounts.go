// ABOUTME: SQLite persistence for accounts and users
// ABOUTME: Accounts own jobs and resources; users act on behalf of one account

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateAccount inserts an account. A non-zero ID is kept as given.
func (s *SQLiteStore) CreateAccount(ctx context.Context, account *Account) error {
	if account.UUID == "" {
		account.UUID = uuid.New().String()
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, uuid, name, admin, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		nullID(account.ID),
		account.UUID,
		account.Name,
		account.Admin,
		account.Enabled,
		formatTime(account.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting account: %w", err)
	}
	if account.ID == 0 {
		if account.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("reading account id: %w", err)
		}
	}
	return nil
}

// GetAccount retrieves an account by ID.
func (s *SQLiteStore) GetAccount(ctx context.Context, id int64) (*Account, error) {
	var a Account
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, uuid, name, admin, enabled, created_at FROM accounts WHERE id = ?
	`, id).Scan(&a.ID, &a.UUID, &a.Name, &a.Admin, &a.Enabled, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying account: %w", err)
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &a, nil
}

// CreateUser inserts a user. A non-zero ID is kept as given.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	if user.UUID == "" {
		user.UUID = uuid.New().String()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, uuid, account_id, name, created_at)
		VALUES (?, ?, ?, ?, ?)
	`,
		nullID(user.ID),
		user.UUID,
		user.AccountID,
		user.Name,
		formatTime(user.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting user: %w", err)
	}
	if user.ID == 0 {
		if user.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("reading user id: %w", err)
		}
	}
	return nil
}

// GetUser retrieves a user by ID.
func (s *SQLiteStore) GetUser(ctx context.Context, id int64) (*User, error) {
	var u User
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, uuid, account_id, name, created_at FROM users WHERE id = ?
	`, id).Scan(&u.ID, &u.UUID, &u.AccountID, &u.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &u, nil
}
