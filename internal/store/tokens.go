package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/orchestration-gateway/gateway/internal/gatewayerr"
)

const tokenWirePrefix = "ao"

// Token is the database-facing view of a BearerToken: the hash column
// is opaque to every caller except Tokens itself.
type Token struct {
	ID         string
	UserID     string
	Name       string
	Hash       string
	CreatedAt  time.Time
	LastUsedAt sql.NullTime
	RevokedAt  sql.NullTime
}

// Tokens is the tokens table repository.
type Tokens struct {
	db *sql.DB
}

// NewTokens constructs a Tokens repository.
func NewTokens(db *sql.DB) *Tokens {
	return &Tokens{db: db}
}

// Mint generates a fresh bearer token of the form ao_<id>_<secret>,
// stores only the bcrypt hash of the secret, and returns the full
// plaintext wire value exactly once.
func (t *Tokens) Mint(userID, name string) (wire string, tokenID string, err error) {
	id, err := randomHex(8) // 16 hex chars
	if err != nil {
		return "", "", fmt.Errorf("generate token id: %w", err)
	}
	secret, err := randomHex(32) // 64 hex chars
	if err != nil {
		return "", "", fmt.Errorf("generate token secret: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash token secret: %w", err)
	}

	_, err = t.db.Exec(
		`INSERT INTO tokens (id, user_id, name, hash, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, userID, name, string(hash), time.Now().UTC(),
	)
	if err != nil {
		return "", "", fmt.Errorf("insert token: %w", err)
	}

	return fmt.Sprintf("%s_%s_%s", tokenWirePrefix, id, secret), id, nil
}

// Verify parses a wire-format token, looks up its id, and checks the
// secret against the stored hash. It returns the owning user_id on
// success and updates last_used_at.
func (t *Tokens) Verify(wire string) (userID string, err error) {
	id, secret, ok := ParseToken(wire)
	if !ok {
		return "", fmt.Errorf("malformed token: %w", gatewayerr.ErrAuthInvalid)
	}

	var tok Token
	row := t.db.QueryRow(
		`SELECT id, user_id, hash, revoked_at FROM tokens WHERE id = ?`, id,
	)
	if err := row.Scan(&tok.ID, &tok.UserID, &tok.Hash, &tok.RevokedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("token: %w", gatewayerr.ErrAuthInvalid)
		}
		return "", fmt.Errorf("scan token: %w", err)
	}
	if tok.RevokedAt.Valid {
		return "", fmt.Errorf("token revoked: %w", gatewayerr.ErrAuthInvalid)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(tok.Hash), []byte(secret)); err != nil {
		return "", fmt.Errorf("secret mismatch: %w", gatewayerr.ErrAuthInvalid)
	}

	_, _ = t.db.Exec(`UPDATE tokens SET last_used_at = ? WHERE id = ?`, time.Now().UTC(), id)
	return tok.UserID, nil
}

// List returns every token owned by userID, most recent first.
func (t *Tokens) List(userID string) ([]Token, error) {
	rows, err := t.db.Query(
		`SELECT id, user_id, name, hash, created_at, last_used_at, revoked_at
		 FROM tokens WHERE user_id = ? ORDER BY created_at DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query tokens: %w", err)
	}
	defer rows.Close()

	var tokens []Token
	for rows.Next() {
		var tok Token
		if err := rows.Scan(&tok.ID, &tok.UserID, &tok.Name, &tok.Hash, &tok.CreatedAt, &tok.LastUsedAt, &tok.RevokedAt); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		tokens = append(tokens, tok)
	}
	return tokens, rows.Err()
}

// Revoke soft-deletes a token the caller owns.
func (t *Tokens) Revoke(userID, tokenID string) error {
	res, err := t.db.Exec(
		`UPDATE tokens SET revoked_at = ? WHERE id = ? AND user_id = ? AND revoked_at IS NULL`,
		time.Now().UTC(), tokenID, userID,
	)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return checkAffected(res)
}

// Delete hard-deletes a token the caller owns.
func (t *Tokens) Delete(userID, tokenID string) error {
	res, err := t.db.Exec(`DELETE FROM tokens WHERE id = ? AND user_id = ?`, tokenID, userID)
	if err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return checkAffected(res)
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("token: %w", gatewayerr.ErrNotFound)
	}
	return nil
}

// ParseToken splits a wire-format token ao_<id>_<secret> into its id
// and secret parts.
func ParseToken(wire string) (id string, secret string, ok bool) {
	parts := strings.SplitN(wire, "_", 3)
	if len(parts) != 3 || parts[0] != tokenWirePrefix || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
