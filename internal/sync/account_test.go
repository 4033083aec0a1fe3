package sync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/hkdb/larch/internal/catalog"
	"github.com/hkdb/larch/internal/pool"
	"github.com/hkdb/larch/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAccount(t *testing.T, srv *testServer) (*Account, *catalog.DB) {
	t.Helper()
	db, err := catalog.Open(filepath.Join(t.TempDir(), "larch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())

	p := pool.New(pool.DefaultConfig(), session.Options{MaxRetries: 1})
	t.Cleanup(p.Disconnect)

	a := NewAccount(srv.uri(t, "user", ""), p, db, Options{})
	require.NoError(t, a.Open(context.Background()))
	return a, db
}

func TestCanonicalName(t *testing.T) {
	assert.Equal(t, "INBOX", canonicalName("inbox", "/"))
	assert.Equal(t, "INBOX", canonicalName("Inbox", "/"))
	assert.Equal(t, "INBOX/Sub", canonicalName("inbox.Sub", "."))
	assert.Equal(t, "Work/2023", canonicalName("Work.2023", "."))
	assert.Equal(t, "Work", canonicalName("Work", ""))
}

// Traversal order: INBOX sorts before everything, the rest
// case-insensitively; any spelling of inbox is catalogued as INBOX.
func TestMailboxesOrderAndCanonicalization(t *testing.T) {
	srv := newTestServer(t, "* OK [CAPABILITY IMAP4rev1] ready")
	srv.addBox("Zebra", 1, true)
	srv.addBox("inbox", 1, false)
	srv.addBox("apple", 1, true)
	srv.addBox("Banana", 1, false)

	a, _ := newTestAccount(t, srv)
	boxes, err := a.Mailboxes(context.Background())
	require.NoError(t, err)

	var names []string
	for _, mb := range boxes {
		names = append(names, mb.Name())
	}
	assert.Equal(t, []string{"INBOX", "apple", "Banana", "Zebra"}, names)

	// LSUB data landed on the right mailboxes.
	assert.True(t, boxes[1].Subscribed())  // apple
	assert.False(t, boxes[2].Subscribed()) // Banana
	assert.True(t, boxes[3].Subscribed())  // Zebra
}

// Mailboxes the server no longer lists are removed from the catalog.
func TestStaleMailboxesRemoved(t *testing.T) {
	srv := newTestServer(t, "* OK [CAPABILITY IMAP4rev1] ready")
	srv.addBox("INBOX", 1, false)
	srv.addBox("Doomed", 1, false)

	a, db := newTestAccount(t, srv)
	ctx := context.Background()

	_, err := a.Mailboxes(ctx)
	require.NoError(t, err)
	rows, err := db.ListMailboxes(a.row.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	// The server drops Doomed.
	srv.mu.Lock()
	delete(srv.boxes, "Doomed")
	srv.order = []string{"INBOX"}
	srv.mu.Unlock()

	_, err = a.Mailboxes(ctx)
	require.NoError(t, err)
	rows, err = db.ListMailboxes(a.row.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "INBOX", rows[0].Name)
}

func TestMailboxNotFound(t *testing.T) {
	srv := newTestServer(t, "* OK [CAPABILITY IMAP4rev1] ready")
	srv.addBox("INBOX", 1, false)

	a, _ := newTestAccount(t, srv)
	_, err := a.Mailbox(context.Background(), "Missing")
	assert.ErrorIs(t, err, ErrMailboxNotFound)
}

// The scan catalogs new messages and skips when re-run within the scan
// interval.
func TestScanCadence(t *testing.T) {
	srv := newTestServer(t, "* OK [CAPABILITY IMAP4rev1] ready")
	box := srv.addBox("INBOX", 7, false)
	box.add("s1@example.com", "first", nil, time.Unix(1_700_000_000, 0))
	box.add("s2@example.com", "second", nil, time.Unix(1_700_000_001, 0))

	a, db := newTestAccount(t, srv)
	ctx := context.Background()

	mb, err := a.Mailbox(ctx, "INBOX")
	require.NoError(t, err)
	require.NoError(t, mb.Scan(ctx))

	n, err := db.CountMessages(mb.row.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, uint32(3), mb.row.UIDNext)
	assert.Equal(t, uint32(7), mb.row.UIDValidity)

	statusCount := func() int {
		count := 0
		for _, cmd := range srv.commands() {
			if len(cmd) >= 6 && cmd[:6] == "STATUS" {
				count++
			}
		}
		return count
	}
	before := statusCount()

	// A second scan within a minute is skipped entirely.
	require.NoError(t, mb.Scan(ctx))
	assert.Equal(t, before, statusCount())
}

// Noselect mailboxes are containers: scanning them is a no-op.
func TestScanSkipsNoselect(t *testing.T) {
	srv := newTestServer(t, "* OK [CAPABILITY IMAP4rev1] ready")
	a, _ := newTestAccount(t, srv)

	mb := &Mailbox{
		account: a,
		name:    "Container",
		attrs:   []string{`\Noselect`},
		log:     a.log,
	}
	assert.False(t, mb.Selectable())
	assert.NoError(t, mb.Scan(context.Background()))
}
