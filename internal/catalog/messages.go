package catalog

import (
	"database/sql"
	"fmt"
	"strings"
)

// Message is one catalogued message header.
type Message struct {
	ID           int64
	MailboxID    int64
	UID          uint32
	GUID         string
	MessageID    string // RFC 2822 Message-Id contents, "" when absent
	Size         uint32 // RFC822.SIZE octets
	InternalDate int64  // Unix seconds
	Flags        string // comma-joined catalog flag tokens
}

// InsertMessages stores one scan block of messages and advances the
// mailbox's UIDNEXT past the last stored UID, in one transaction.
func (db *DB) InsertMessages(m *Mailbox, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO messages (mailbox_id, uid, guid, message_id, rfc822_size, internaldate, flags)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(mailbox_id, uid) DO UPDATE SET
			guid = excluded.guid,
			message_id = excluded.message_id,
			rfc822_size = excluded.rfc822_size,
			internaldate = excluded.internaldate,
			flags = excluded.flags`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	lastUID := uint32(0)
	for _, msg := range msgs {
		var msgID interface{}
		if msg.MessageID != "" {
			msgID = msg.MessageID
		}
		if _, err := stmt.Exec(m.ID, msg.UID, msg.GUID, msgID, msg.Size, msg.InternalDate, msg.Flags); err != nil {
			return fmt.Errorf("failed to insert message uid %d: %w", msg.UID, err)
		}
		if msg.UID > lastUID {
			lastUID = msg.UID
		}
	}

	if _, err := tx.Exec(`UPDATE mailboxes SET uidnext = ? WHERE id = ?`, lastUID+1, m.ID); err != nil {
		return fmt.Errorf("failed to advance mailbox uidnext: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	m.UIDNext = lastUID + 1
	return nil
}

// ListMessages returns a mailbox's messages in UID order.
func (db *DB) ListMessages(mailboxID int64) ([]*Message, error) {
	rows, err := db.Query(`
		SELECT id, mailbox_id, uid, guid, message_id, rfc822_size, internaldate, flags
		FROM messages WHERE mailbox_id = ? ORDER BY uid`, mailboxID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// ListMessagesInRange returns messages with lo <= uid <= hi in UID order.
func (db *DB) ListMessagesInRange(mailboxID int64, lo, hi uint32) ([]*Message, error) {
	rows, err := db.Query(`
		SELECT id, mailbox_id, uid, guid, message_id, rfc822_size, internaldate, flags
		FROM messages WHERE mailbox_id = ? AND uid BETWEEN ? AND ? ORDER BY uid`,
		mailboxID, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages in range: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]*Message, error) {
	var out []*Message
	for rows.Next() {
		var m Message
		var msgID sql.NullString
		if err := rows.Scan(&m.ID, &m.MailboxID, &m.UID, &m.GUID, &msgID, &m.Size, &m.InternalDate, &m.Flags); err != nil {
			return nil, err
		}
		m.MessageID = msgID.String
		out = append(out, &m)
	}
	return out, rows.Err()
}

// CountMessages returns the catalog size for a mailbox.
func (db *DB) CountMessages(mailboxID int64) (int, error) {
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE mailbox_id = ?`, mailboxID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// GetMessageByGUID returns the first message with the given GUID in a
// mailbox, nil when absent.
func (db *DB) GetMessageByGUID(mailboxID int64, guid string) (*Message, error) {
	rows, err := db.Query(`
		SELECT id, mailbox_id, uid, guid, message_id, rfc822_size, internaldate, flags
		FROM messages WHERE mailbox_id = ? AND guid = ? ORDER BY uid LIMIT 1`,
		mailboxID, guid)
	if err != nil {
		return nil, fmt.Errorf("failed to look up guid: %w", err)
	}
	defer rows.Close()
	msgs, err := scanMessages(rows)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return msgs[0], nil
}

// GUIDSet returns the set of GUIDs present in a mailbox.
func (db *DB) GUIDSet(mailboxID int64) (map[string]bool, error) {
	rows, err := db.Query(`SELECT guid FROM messages WHERE mailbox_id = ?`, mailboxID)
	if err != nil {
		return nil, fmt.Errorf("failed to load guid set: %w", err)
	}
	defer rows.Close()

	set := make(map[string]bool)
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, err
		}
		set[g] = true
	}
	return set, rows.Err()
}

// UpdateMessageFlags rewrites one message's flag column.
func (db *DB) UpdateMessageFlags(id int64, flags string) error {
	if _, err := db.Exec(`UPDATE messages SET flags = ? WHERE id = ?`, flags, id); err != nil {
		return fmt.Errorf("failed to update message flags: %w", err)
	}
	return nil
}

// DeleteMessagesByUID removes rows whose UIDs have disappeared from the
// server, in one transaction per batch.
func (db *DB) DeleteMessagesByUID(mailboxID int64, uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`DELETE FROM messages WHERE mailbox_id = ? AND uid = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, uid := range uids {
		if _, err := stmt.Exec(mailboxID, uid); err != nil {
			return fmt.Errorf("failed to delete message uid %d: %w", uid, err)
		}
	}
	return tx.Commit()
}

// flagSeparator joins catalog flag tokens.
const flagSeparator = ","

// JoinFlags builds the comma-joined catalog form.
func JoinFlags(tokens []string) string {
	return strings.Join(tokens, flagSeparator)
}

// SplitFlags splits the comma-joined catalog form.
func SplitFlags(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, flagSeparator)
}
