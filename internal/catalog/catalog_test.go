package catalog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "larch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Migrate())
}

func TestGetOrCreateAccount(t *testing.T) {
	db := openTestDB(t)

	a, err := db.GetOrCreateAccount("mail.example.com", "alice")
	require.NoError(t, err)
	assert.NotZero(t, a.ID)
	assert.NotZero(t, a.CreatedAt)

	b, err := db.GetOrCreateAccount("mail.example.com", "alice")
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)

	c, err := db.GetOrCreateAccount("mail.example.com", "bob")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, c.ID)
}

func TestMaintainPrunesStaleAccounts(t *testing.T) {
	db := openTestDB(t)

	stale, err := db.GetOrCreateAccount("old.example.com", "u")
	require.NoError(t, err)
	fresh, err := db.GetOrCreateAccount("new.example.com", "u")
	require.NoError(t, err)

	// Age the first account past the 30-day window.
	cutoff := time.Now().Add(-31 * 24 * time.Hour).Unix()
	_, err = db.Exec(`UPDATE accounts SET updated_at = ? WHERE id = ?`, cutoff, stale.ID)
	require.NoError(t, err)

	require.NoError(t, db.Maintain(context.Background()))

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM accounts`).Scan(&n))
	assert.Equal(t, 1, n)

	var id int64
	require.NoError(t, db.QueryRow(`SELECT id FROM accounts`).Scan(&id))
	assert.Equal(t, fresh.ID, id)
}

func testMailbox(t *testing.T, db *DB) *Mailbox {
	t.Helper()
	a, err := db.GetOrCreateAccount("h", "u")
	require.NoError(t, err)
	m, err := db.UpsertMailbox(a.ID, "INBOX", "/", []string{`\HasNoChildren`}, true)
	require.NoError(t, err)
	return m
}

func TestUpsertMailbox(t *testing.T) {
	db := openTestDB(t)
	m := testMailbox(t, db)
	assert.Equal(t, []string{`\HasNoChildren`}, m.Attrs())
	assert.True(t, m.Subscribed)

	again, err := db.UpsertMailbox(m.AccountID, "INBOX", ".", nil, false)
	require.NoError(t, err)
	assert.Equal(t, m.ID, again.ID)
	assert.Equal(t, ".", again.Delim)
	assert.False(t, again.Subscribed)
}

func TestInsertMessagesAdvancesUIDNext(t *testing.T) {
	db := openTestDB(t)
	m := testMailbox(t, db)
	require.NoError(t, db.ResetMailboxValidity(m, 99))

	msgs := []*Message{
		{UID: 1, GUID: "g1", MessageID: "a@x", Size: 10, InternalDate: 100, Flags: "Seen"},
		{UID: 2, GUID: "g2", Size: 20, InternalDate: 200},
		{UID: 5, GUID: "g3", Size: 30, InternalDate: 300},
	}
	require.NoError(t, db.InsertMessages(m, msgs))
	assert.Equal(t, uint32(6), m.UIDNext)

	got, err := db.GetMailbox(m.AccountID, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(6), got.UIDNext)
	assert.Equal(t, uint32(99), got.UIDValidity)

	n, err := db.CountMessages(m.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestInsertMessagesUpsertsOnConflict(t *testing.T) {
	db := openTestDB(t)
	m := testMailbox(t, db)

	require.NoError(t, db.InsertMessages(m, []*Message{{UID: 1, GUID: "old", Size: 1}}))
	require.NoError(t, db.InsertMessages(m, []*Message{{UID: 1, GUID: "new", Size: 2}}))

	rows, err := db.ListMessages(m.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "new", rows[0].GUID)
	assert.Equal(t, uint32(2), rows[0].Size)
}

// A UIDVALIDITY change drops every cached message for the mailbox.
func TestResetMailboxValidity(t *testing.T) {
	db := openTestDB(t)
	m := testMailbox(t, db)
	require.NoError(t, db.ResetMailboxValidity(m, 1))

	var msgs []*Message
	for uid := uint32(1); uid <= 50; uid++ {
		msgs = append(msgs, &Message{UID: uid, GUID: "g", Size: uid})
	}
	require.NoError(t, db.InsertMessages(m, msgs))

	require.NoError(t, db.ResetMailboxValidity(m, 2))
	assert.Equal(t, uint32(2), m.UIDValidity)
	assert.Equal(t, uint32(0), m.UIDNext)

	n, err := db.CountMessages(m.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestGUIDLookups(t *testing.T) {
	db := openTestDB(t)
	m := testMailbox(t, db)
	require.NoError(t, db.InsertMessages(m, []*Message{
		{UID: 1, GUID: "g1"},
		{UID: 2, GUID: "g2"},
		{UID: 3, GUID: "g2"}, // duplicate GUID, distinct UID
	}))

	set, err := db.GUIDSet(m.ID)
	require.NoError(t, err)
	assert.Len(t, set, 2)
	assert.True(t, set["g1"])
	assert.True(t, set["g2"])

	msg, err := db.GetMessageByGUID(m.ID, "g2")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, uint32(2), msg.UID) // lowest UID wins

	msg, err = db.GetMessageByGUID(m.ID, "missing")
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestDeleteMessagesByUID(t *testing.T) {
	db := openTestDB(t)
	m := testMailbox(t, db)
	require.NoError(t, db.InsertMessages(m, []*Message{
		{UID: 1, GUID: "g1"}, {UID: 2, GUID: "g2"}, {UID: 3, GUID: "g3"},
	}))

	require.NoError(t, db.DeleteMessagesByUID(m.ID, []uint32{1, 3}))

	rows, err := db.ListMessages(m.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, uint32(2), rows[0].UID)
}

func TestDeleteMailboxCascades(t *testing.T) {
	db := openTestDB(t)
	m := testMailbox(t, db)
	require.NoError(t, db.InsertMessages(m, []*Message{{UID: 1, GUID: "g"}}))

	require.NoError(t, db.DeleteMailbox(m.ID))

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&n))
	assert.Equal(t, 0, n)
}

func TestListMessagesInRange(t *testing.T) {
	db := openTestDB(t)
	m := testMailbox(t, db)
	require.NoError(t, db.InsertMessages(m, []*Message{
		{UID: 5, GUID: "a"}, {UID: 10, GUID: "b"}, {UID: 15, GUID: "c"},
	}))

	rows, err := db.ListMessagesInRange(m.ID, 6, 15)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, uint32(10), rows[0].UID)
	assert.Equal(t, uint32(15), rows[1].UID)
}

func TestFlagJoinSplit(t *testing.T) {
	assert.Equal(t, "Seen,Answered", JoinFlags([]string{"Seen", "Answered"}))
	assert.Equal(t, []string{"Seen", "Answered"}, SplitFlags("Seen,Answered"))
	assert.Nil(t, SplitFlags(""))
	assert.Equal(t, "", JoinFlags(nil))
}
