package catalog

import (
	"database/sql"
	"fmt"
	"strings"
)

// Mailbox is one catalogued mailbox and its scan state.
type Mailbox struct {
	ID          int64
	AccountID   int64
	Name        string // UTF-8, delimiter-normalized
	Delim       string
	Attr        string // comma-joined server attribute flags
	Subscribed  bool
	UIDValidity uint32
	UIDNext     uint32
}

// Attrs splits the comma-joined attribute column.
func (m *Mailbox) Attrs() []string {
	if m.Attr == "" {
		return nil
	}
	return strings.Split(m.Attr, ",")
}

// GetMailbox looks up a mailbox by (account, name). Returns nil when the
// catalog has never seen it.
func (db *DB) GetMailbox(accountID int64, name string) (*Mailbox, error) {
	var m Mailbox
	var sub int
	err := db.QueryRow(`
		SELECT id, account_id, name, delim, attr, subscribed, uidvalidity, uidnext
		FROM mailboxes WHERE account_id = ? AND name = ?`,
		accountID, name).
		Scan(&m.ID, &m.AccountID, &m.Name, &m.Delim, &m.Attr, &sub, &m.UIDValidity, &m.UIDNext)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up mailbox %q: %w", name, err)
	}
	m.Subscribed = sub != 0
	return &m, nil
}

// UpsertMailbox creates or refreshes a mailbox row from a LIST response.
// Scan state (uidvalidity, uidnext) is left alone for existing rows.
func (db *DB) UpsertMailbox(accountID int64, name, delim string, attrs []string, subscribed bool) (*Mailbox, error) {
	attr := strings.Join(attrs, ",")
	sub := 0
	if subscribed {
		sub = 1
	}

	existing, err := db.GetMailbox(accountID, name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if _, err := db.Exec(`
			UPDATE mailboxes SET delim = ?, attr = ?, subscribed = ? WHERE id = ?`,
			delim, attr, sub, existing.ID); err != nil {
			return nil, fmt.Errorf("failed to update mailbox %q: %w", name, err)
		}
		existing.Delim = delim
		existing.Attr = attr
		existing.Subscribed = subscribed
		return existing, nil
	}

	res, err := db.Exec(`
		INSERT INTO mailboxes (account_id, name, delim, attr, subscribed, uidvalidity, uidnext)
		VALUES (?, ?, ?, ?, ?, 0, 0)`,
		accountID, name, delim, attr, sub)
	if err != nil {
		return nil, fmt.Errorf("failed to create mailbox %q: %w", name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Mailbox{
		ID: id, AccountID: accountID, Name: name,
		Delim: delim, Attr: attr, Subscribed: subscribed,
	}, nil
}

// ListMailboxes returns all catalogued mailboxes for an account.
func (db *DB) ListMailboxes(accountID int64) ([]*Mailbox, error) {
	rows, err := db.Query(`
		SELECT id, account_id, name, delim, attr, subscribed, uidvalidity, uidnext
		FROM mailboxes WHERE account_id = ? ORDER BY name`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list mailboxes: %w", err)
	}
	defer rows.Close()

	var out []*Mailbox
	for rows.Next() {
		var m Mailbox
		var sub int
		if err := rows.Scan(&m.ID, &m.AccountID, &m.Name, &m.Delim, &m.Attr, &sub, &m.UIDValidity, &m.UIDNext); err != nil {
			return nil, err
		}
		m.Subscribed = sub != 0
		out = append(out, &m)
	}
	return out, rows.Err()
}

// DeleteMailbox removes a mailbox row and, via the foreign key cascade, its
// messages. Used when LIST no longer returns the name.
func (db *DB) DeleteMailbox(id int64) error {
	if _, err := db.Exec(`DELETE FROM mailboxes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete mailbox: %w", err)
	}
	return nil
}

// ResetMailboxValidity replaces a mailbox's UIDVALIDITY, dropping every
// cached message row: the server has renumbered.
func (db *DB) ResetMailboxValidity(m *Mailbox, uidValidity uint32) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM messages WHERE mailbox_id = ?`, m.ID); err != nil {
		return fmt.Errorf("failed to drop messages on UIDVALIDITY change: %w", err)
	}
	if _, err := tx.Exec(`
		UPDATE mailboxes SET uidvalidity = ?, uidnext = 0 WHERE id = ?`,
		uidValidity, m.ID); err != nil {
		return fmt.Errorf("failed to reset mailbox validity: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	m.UIDValidity = uidValidity
	m.UIDNext = 0
	return nil
}

// SetMailboxUIDNext persists scan progress so a crash-resume skips past
// already-catalogued messages.
func (db *DB) SetMailboxUIDNext(m *Mailbox, uidNext uint32) error {
	if _, err := db.Exec(`UPDATE mailboxes SET uidnext = ? WHERE id = ?`, uidNext, m.ID); err != nil {
		return fmt.Errorf("failed to update mailbox uidnext: %w", err)
	}
	m.UIDNext = uidNext
	return nil
}
