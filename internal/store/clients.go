package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/orchestration-gateway/gateway/internal/gatewayerr"
)

// ClientRecord is the durable projection of a client. It is the
// persisted half of a ClientSession; the socket and in-memory fields
// live only in the owning UserHub.
type ClientRecord struct {
	ID           string
	UserID       string
	Hostname     string
	Project      string
	Status       string
	LastActivity sql.NullString
	ConnectedAt  time.Time
	LastSeen     time.Time
	CallbackURL  sql.NullString
}

// Clients is the clients table repository, scoped per user_id by every
// call site — this is the "Hub storage" component of the design,
// backed by one shared table rather than one file per tenant.
type Clients struct {
	db *sql.DB
}

// NewClients constructs a Clients repository.
func NewClients(db *sql.DB) *Clients {
	return &Clients{db: db}
}

// Upsert creates or refreshes a ClientRecord. A register for an
// existing client_id is a Conflict per the error design: treated as an
// update, never an error.
func (c *Clients) Upsert(rec ClientRecord) error {
	_, err := c.db.Exec(`
		INSERT INTO clients (client_id, user_id, hostname, project, status, last_activity, connected_at, last_seen, callback_url)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			hostname = excluded.hostname,
			project = excluded.project,
			status = excluded.status,
			last_activity = excluded.last_activity,
			last_seen = excluded.last_seen,
			callback_url = COALESCE(excluded.callback_url, clients.callback_url)
	`, rec.ID, rec.UserID, rec.Hostname, rec.Project, rec.Status, rec.LastActivity, rec.ConnectedAt, rec.LastSeen, rec.CallbackURL)
	if err != nil {
		return fmt.Errorf("upsert client: %w", err)
	}
	return nil
}

// UpdateStatus sets status and last_activity and touches last_seen.
func (c *Clients) UpdateStatus(clientID, status string, lastSeen time.Time) error {
	res, err := c.db.Exec(
		`UPDATE clients SET status = ?, last_activity = ?, last_seen = ? WHERE client_id = ?`,
		status, lastSeen.Format(time.RFC3339), lastSeen, clientID,
	)
	if err != nil {
		return fmt.Errorf("update client status: %w", err)
	}
	return checkAffected(res)
}

// TouchLastSeen updates last_seen only, for ping handling.
func (c *Clients) TouchLastSeen(clientID string, at time.Time) error {
	_, err := c.db.Exec(`UPDATE clients SET last_seen = ? WHERE client_id = ?`, at, clientID)
	return err
}

// Get fetches one ClientRecord.
func (c *Clients) Get(clientID string) (*ClientRecord, error) {
	row := c.db.QueryRow(`
		SELECT client_id, user_id, hostname, project, status, last_activity, connected_at, last_seen, callback_url
		FROM clients WHERE client_id = ?`, clientID)
	return scanClient(row)
}

// ListByUser returns every ClientRecord belonging to userID.
func (c *Clients) ListByUser(userID string) ([]ClientRecord, error) {
	rows, err := c.db.Query(`
		SELECT client_id, user_id, hostname, project, status, last_activity, connected_at, last_seen, callback_url
		FROM clients WHERE user_id = ? ORDER BY hostname`, userID)
	if err != nil {
		return nil, fmt.Errorf("query clients: %w", err)
	}
	defer rows.Close()

	var records []ClientRecord
	for rows.Next() {
		var r ClientRecord
		if err := rows.Scan(&r.ID, &r.UserID, &r.Hostname, &r.Project, &r.Status, &r.LastActivity, &r.ConnectedAt, &r.LastSeen, &r.CallbackURL); err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// UserIDForClient resolves user_id from client_id alone, used by the
// proxy adapter's public-asset fallback path.
func (c *Clients) UserIDForClient(clientID string) (string, error) {
	var userID string
	err := c.db.QueryRow(`SELECT user_id FROM clients WHERE client_id = ?`, clientID).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("client: %w", gatewayerr.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("lookup client user: %w", err)
	}
	return userID, nil
}

// MarkDisconnected demotes a record to disconnected; a no-op error if
// the record is already gone.
func (c *Clients) MarkDisconnected(clientID string) error {
	_, err := c.db.Exec(`UPDATE clients SET status = 'disconnected' WHERE client_id = ?`, clientID)
	return err
}

func scanClient(row *sql.Row) (*ClientRecord, error) {
	var r ClientRecord
	err := row.Scan(&r.ID, &r.UserID, &r.Hostname, &r.Project, &r.Status, &r.LastActivity, &r.ConnectedAt, &r.LastSeen, &r.CallbackURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("client: %w", gatewayerr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan client: %w", err)
	}
	return &r, nil
}
