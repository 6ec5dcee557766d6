package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/orchestration-gateway/gateway/internal/gatewayerr"
)

// Session backs browser auth: a cookie value mapped to a user and an
// expiry, plus a per-session CSRF token.
type Session struct {
	ID        string
	UserID    string
	CSRFToken string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Sessions is the sessions table repository.
type Sessions struct {
	db       *sql.DB
	duration time.Duration
}

// NewSessions constructs a Sessions repository; duration is applied to
// every newly created session.
func NewSessions(db *sql.DB, duration time.Duration) *Sessions {
	return &Sessions{db: db, duration: duration}
}

// Create mints a new session for userID and persists it.
func (s *Sessions) Create(userID string) (*Session, error) {
	id, err := generateSecureToken(32)
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}
	csrf, err := generateSecureToken(32)
	if err != nil {
		return nil, fmt.Errorf("generate csrf token: %w", err)
	}

	now := time.Now().UTC()
	session := &Session{
		ID:        id,
		UserID:    userID,
		CSRFToken: csrf,
		CreatedAt: now,
		ExpiresAt: now.Add(s.duration),
	}

	_, err = s.db.Exec(
		`INSERT INTO sessions (id, user_id, csrf_token, created_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		session.ID, session.UserID, session.CSRFToken, session.CreatedAt, session.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return session, nil
}

// Get fetches a session by id, deleting and returning ErrNotFound if
// it has already expired.
func (s *Sessions) Get(id string) (*Session, error) {
	var session Session
	err := s.db.QueryRow(
		`SELECT id, user_id, csrf_token, created_at, expires_at FROM sessions WHERE id = ?`, id,
	).Scan(&session.ID, &session.UserID, &session.CSRFToken, &session.CreatedAt, &session.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session: %w", gatewayerr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	if time.Now().After(session.ExpiresAt) {
		_ = s.Delete(id)
		return nil, fmt.Errorf("session expired: %w", gatewayerr.ErrNotFound)
	}
	return &session, nil
}

// Delete removes a session (logout, or lazy expiry cleanup).
func (s *Sessions) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	return err
}

func generateSecureToken(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
