package catalog

import (
	"database/sql"
	"fmt"
	"time"
)

// Account identifies a (hostname, username) pair with first-seen and
// last-touched timestamps.
type Account struct {
	ID        int64
	Hostname  string
	Username  string
	CreatedAt int64
	UpdatedAt int64
}

// GetOrCreateAccount returns the account row for (hostname, username),
// creating it on first contact and touching updated_at either way.
func (db *DB) GetOrCreateAccount(hostname, username string) (*Account, error) {
	now := time.Now().Unix()

	var a Account
	err := db.QueryRow(`
		SELECT id, hostname, username, created_at, updated_at
		FROM accounts WHERE hostname = ? AND username = ?`,
		hostname, username).
		Scan(&a.ID, &a.Hostname, &a.Username, &a.CreatedAt, &a.UpdatedAt)
	switch err {
	case nil:
		if _, err := db.Exec(`UPDATE accounts SET updated_at = ? WHERE id = ?`, now, a.ID); err != nil {
			return nil, fmt.Errorf("failed to touch account: %w", err)
		}
		a.UpdatedAt = now
		return &a, nil
	case sql.ErrNoRows:
		res, err := db.Exec(`
			INSERT INTO accounts (hostname, username, created_at, updated_at)
			VALUES (?, ?, ?, ?)`,
			hostname, username, now, now)
		if err != nil {
			return nil, fmt.Errorf("failed to create account: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		return &Account{ID: id, Hostname: hostname, Username: username, CreatedAt: now, UpdatedAt: now}, nil
	default:
		return nil, fmt.Errorf("failed to look up account: %w", err)
	}
}
