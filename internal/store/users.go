package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/orchestration-gateway/gateway/internal/gatewayerr"
)

// User mirrors the data-model User: created at first login, never
// destroyed by the core.
type User struct {
	ID         string
	ExternalID int64
	Login      string
	Email      sql.NullString
	LastLogin  time.Time
}

// Users is the users table repository.
type Users struct {
	db *sql.DB
}

// NewUsers constructs a Users repository over db.
func NewUsers(db *sql.DB) *Users {
	return &Users{db: db}
}

// Upsert creates the user on first login (by external_id) or refreshes
// login/email/last_login on subsequent logins. The OAuth callback is an
// external collaborator; this is the one write path it calls into.
func (u *Users) Upsert(externalID int64, login, email string) (*User, error) {
	existing, err := u.GetByExternalID(externalID)
	if err != nil && !errors.Is(err, gatewayerr.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	if existing == nil {
		id := uuid.NewString()
		_, err := u.db.Exec(
			`INSERT INTO users (id, external_id, login, email, last_login) VALUES (?, ?, ?, ?, ?)`,
			id, externalID, login, nullableString(email), now,
		)
		if err != nil {
			return nil, fmt.Errorf("insert user: %w", err)
		}
		return u.GetByID(id)
	}

	_, err = u.db.Exec(
		`UPDATE users SET login = ?, email = ?, last_login = ? WHERE id = ?`,
		login, nullableString(email), now, existing.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("update user: %w", err)
	}
	return u.GetByID(existing.ID)
}

// GetByID fetches a user by opaque id.
func (u *Users) GetByID(id string) (*User, error) {
	row := u.db.QueryRow(
		`SELECT id, external_id, login, email, last_login FROM users WHERE id = ?`, id,
	)
	return scanUser(row)
}

// GetByExternalID fetches a user by identity-provider id.
func (u *Users) GetByExternalID(externalID int64) (*User, error) {
	row := u.db.QueryRow(
		`SELECT id, external_id, login, email, last_login FROM users WHERE external_id = ?`, externalID,
	)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var user User
	err := row.Scan(&user.ID, &user.ExternalID, &user.Login, &user.Email, &user.LastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user: %w", gatewayerr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &user, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
