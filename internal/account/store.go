// Package account provides user registration and login. A successful login
// mints the bearer token that the WebSocket identity gate verifies at
// connection time.
package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ErrUsernameTaken is returned by Create when the username already exists.
var ErrUsernameTaken = errors.New("account: username taken")

// ErrNotFound is returned by ByUsername when no account matches.
var ErrNotFound = errors.New("account: not found")

// uniqueViolation is the Postgres error code for a unique constraint failure.
const uniqueViolation = "23505"

// Account is a registered user.
type Account struct {
	ID           string
	Username     string
	DisplayName  string
	PasswordHash string
	CreatedAt    time.Time
}

// Store persists accounts in Postgres.
type Store struct {
	db *sql.DB
}

// NewStore creates an account store on an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new account and returns it with a generated ID. The
// username is unique; a duplicate maps to ErrUsernameTaken.
func (s *Store) Create(ctx context.Context, username, displayName, passwordHash string) (Account, error) {
	acct := Account{
		ID:           uuid.New().String(),
		Username:     username,
		DisplayName:  displayName,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, username, display_name, password_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		acct.ID, acct.Username, acct.DisplayName, acct.PasswordHash, acct.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return Account{}, ErrUsernameTaken
		}
		return Account{}, fmt.Errorf("account: insert: %w", err)
	}
	return acct, nil
}

// ByUsername looks up an account by its unique username.
func (s *Store) ByUsername(ctx context.Context, username string) (Account, error) {
	var acct Account
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, display_name, password_hash, created_at
		 FROM accounts WHERE username = $1`,
		username).Scan(&acct.ID, &acct.Username, &acct.DisplayName, &acct.PasswordHash, &acct.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("account: query: %w", err)
	}
	return acct, nil
}
