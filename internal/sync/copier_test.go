package sync

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hkdb/larch/internal/catalog"
	"github.com/hkdb/larch/internal/config"
	"github.com/hkdb/larch/internal/pool"
	"github.com/hkdb/larch/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testEnv wires a source server, destination server, catalog, and pool.
type testEnv struct {
	src *testServer
	dst *testServer
	db  *catalog.DB
	cfg *config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvGreetings(t, "* OK [CAPABILITY IMAP4rev1] ready", "* OK [CAPABILITY IMAP4rev1] ready")
}

func newTestEnvGreetings(t *testing.T, srcGreeting, dstGreeting string) *testEnv {
	t.Helper()
	src := newTestServer(t, srcGreeting)
	dst := newTestServer(t, dstGreeting)

	db, err := catalog.Open(filepath.Join(t.TempDir(), "larch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())

	cfg := &config.Config{
		From:         src.uri(t, "src", ""),
		To:           dst.uri(t, "dst", ""),
		FromFolder:   "INBOX",
		ToFolder:     "INBOX",
		Recurse:      true,
		CreateFolder: true,
		MaxRetries:   1,
	}
	return &testEnv{src: src, dst: dst, db: db, cfg: cfg}
}

// runCopier builds a fresh Copier over the environment and runs it, the
// way a new larch invocation would.
func (e *testEnv) runCopier(t *testing.T) *Copier {
	t.Helper()
	p := pool.New(pool.DefaultConfig(), session.Options{MaxRetries: 1})
	defer p.Disconnect()

	c := NewCopier(e.cfg, e.db, p)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	require.NoError(t, c.Run(ctx))
	return c
}

func stamp(n int) time.Time {
	return time.Unix(1_700_000_000+int64(n), 0).UTC()
}

// Scenario: empty destination gets every source message exactly once.
func TestCopyEmptyDestination(t *testing.T) {
	env := newTestEnv(t)
	srcBox := env.src.addBox("INBOX", 10, false)
	env.dst.addBox("INBOX", 20, false)
	for i := 0; i < 5; i++ {
		srcBox.add("m"+string(rune('a'+i))+"@example.com", strings.Repeat("x", 50+i), []string{`\Seen`}, stamp(i))
	}

	c := env.runCopier(t)

	snap := c.Counters()
	assert.Equal(t, 5, snap.Copied)
	assert.Equal(t, 0, snap.Failed)
	assert.Equal(t, 0, snap.Untouched)
	assert.Equal(t, 5, snap.Total)

	assert.Equal(t, 5, env.dst.appendCount())
	assert.Len(t, env.dst.box("INBOX").msgs, 5)
}

// Scenario: a second run over an unchanged source performs zero appends.
func TestRerunIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	srcBox := env.src.addBox("INBOX", 10, false)
	env.dst.addBox("INBOX", 20, false)
	for i := 0; i < 3; i++ {
		srcBox.add("m"+string(rune('a'+i))+"@example.com", strings.Repeat("y", 40+i), nil, stamp(i))
	}

	first := env.runCopier(t)
	assert.Equal(t, 3, first.Counters().Copied)
	require.Equal(t, 3, env.dst.appendCount())

	second := env.runCopier(t)
	snap := second.Counters()
	assert.Equal(t, 0, snap.Copied)
	assert.Equal(t, 0, snap.Failed)
	assert.Equal(t, 3, snap.Untouched)
	assert.Equal(t, 3, snap.Total)

	// No APPEND was issued on the second run.
	assert.Equal(t, 3, env.dst.appendCount())
}

// Scenario: two messages without Message-Id but identical size and
// internal date share a GUID; only the first is appended.
func TestMissingMessageIDDeduplicates(t *testing.T) {
	env := newTestEnv(t)
	srcBox := env.src.addBox("INBOX", 10, false)
	env.dst.addBox("INBOX", 20, false)

	body := strings.Repeat("z", 64)
	when := time.Unix(1_700_000_000, 0).UTC()
	srcBox.add("", body, nil, when)
	srcBox.add("", body, nil, when)

	c := env.runCopier(t)

	snap := c.Counters()
	assert.Equal(t, 1, snap.Copied)
	assert.Equal(t, 1, snap.Untouched)
	assert.Equal(t, 2, snap.Total)
	assert.Equal(t, 1, env.dst.appendCount())
}

// Scenario: a UIDVALIDITY change replaces every catalog row for the
// mailbox before any copy decision.
func TestUIDValidityChangeInvalidatesCatalog(t *testing.T) {
	env := newTestEnv(t)
	srcBox := env.src.addBox("INBOX", 1, false)
	env.dst.addBox("INBOX", 20, false)
	for i := 0; i < 4; i++ {
		srcBox.add("v"+string(rune('a'+i))+"@example.com", strings.Repeat("w", 30+i), nil, stamp(i))
	}

	env.runCopier(t)

	acct, err := env.db.GetOrCreateAccount("127.0.0.1", "src")
	require.NoError(t, err)
	row, err := env.db.GetMailbox(acct.ID, "INBOX")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, uint32(1), row.UIDValidity)
	n, err := env.db.CountMessages(row.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	// The server renumbers: same messages, new UIDVALIDITY and UIDs.
	env.src.mu.Lock()
	srcBox.uidValidity = 2
	msgs := srcBox.msgs
	srcBox.msgs = nil
	srcBox.uidNext = 1
	for _, m := range msgs {
		srcBox.addRaw(&srvMessage{messageID: m.messageID, body: m.body, flags: m.flags, date: m.date})
	}
	env.src.mu.Unlock()

	env.runCopier(t)

	row, err = env.db.GetMailbox(acct.ID, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), row.UIDValidity)
	n, err = env.db.CountMessages(row.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	// The messages themselves were already at the destination.
	assert.Equal(t, 4, env.dst.appendCount())
}

// Scenario: Gmail delete routes through UID COPY to [Gmail]/Trash plus
// +FLAGS \Deleted, with no APPEND.
func TestGmailDelete(t *testing.T) {
	env := newTestEnvGreetings(t,
		"* OK Gimap ready for requests from 1.2.3.4",
		"* OK [CAPABILITY IMAP4rev1] ready")
	env.cfg.Delete = true

	srcBox := env.src.addBox("INBOX", 10, false)
	dstBox := env.dst.addBox("INBOX", 20, false)
	srcBox.add("same@example.com", "same body", nil, stamp(0))
	dstBox.add("same@example.com", "same body", nil, stamp(0))

	c := env.runCopier(t)

	snap := c.Counters()
	assert.Equal(t, 0, snap.Copied)
	assert.Equal(t, 1, snap.Untouched)
	assert.Equal(t, 1, snap.Deleted)
	assert.Equal(t, 0, env.dst.appendCount())

	var sawCopy, sawStore bool
	for _, cmd := range env.src.commands() {
		if strings.HasPrefix(cmd, "UID COPY 1 [Gmail]/Trash") {
			sawCopy = true
		}
		if strings.HasPrefix(cmd, `UID STORE 1 +FLAGS (\Deleted)`) {
			sawStore = true
		}
	}
	assert.True(t, sawCopy, "expected UID COPY to [Gmail]/Trash")
	assert.True(t, sawStore, "expected +FLAGS \\Deleted store")
}

// Scenario: exclusions filter mailboxes by full name, case-insensitively.
func TestExcludedMailboxes(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.All = true
	exclusions, err := config.CompileExclusions([]string{"Spam", "/^trash$/i"})
	require.NoError(t, err)
	env.cfg.Exclusions = exclusions

	for _, name := range []string{"INBOX", "Spam", "Trash", "Work"} {
		b := env.src.addBox(name, 1, false)
		b.add(name+"@example.com", "body of "+name, nil, stamp(1))
	}
	env.dst.addBox("INBOX", 1, false)

	c := env.runCopier(t)

	var processed []string
	for _, r := range c.Results() {
		processed = append(processed, r.Name)
	}
	assert.Equal(t, []string{"INBOX", "Work"}, processed)

	// Work was created at the destination; Spam and Trash were not.
	assert.NotNil(t, env.dst.box("Work"))
	assert.Nil(t, env.dst.box("Spam"))
	assert.Nil(t, env.dst.box("Trash"))
}

// sync-flags updates destination flags for messages already present.
func TestSyncFlags(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.SyncFlags = true

	srcBox := env.src.addBox("INBOX", 10, false)
	dstBox := env.dst.addBox("INBOX", 20, false)
	srcBox.add("f@example.com", "flagged body", []string{`\Seen`, `\Flagged`}, stamp(0))
	dstBox.add("f@example.com", "flagged body", []string{`\Seen`}, stamp(0))

	env.runCopier(t)

	msg := env.dst.box("INBOX").msgs[0]
	assert.True(t, msg.hasFlag(`\Flagged`))
	assert.True(t, msg.hasFlag(`\Seen`))
}

// The subscription mirror runs both ways: the destination subscribes when
// the source is subscribed and unsubscribes when only it is.
func TestMirrorSubscription(t *testing.T) {
	env := newTestEnv(t)

	srcBox := env.src.addBox("INBOX", 10, false)
	dstBox := env.dst.addBox("INBOX", 20, true)
	srcBox.add("u@example.com", "unsub body", nil, stamp(0))

	env.runCopier(t)
	assert.False(t, dstBox.subscribed)

	env.src.mu.Lock()
	srcBox.subscribed = true
	env.src.mu.Unlock()

	env.runCopier(t)
	assert.True(t, dstBox.subscribed)
}

// dry-run scans but issues no APPEND.
func TestDryRun(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.DryRun = true

	srcBox := env.src.addBox("INBOX", 10, false)
	env.dst.addBox("INBOX", 20, false)
	srcBox.add("d@example.com", "dry body", nil, stamp(0))

	p := pool.New(pool.DefaultConfig(), session.Options{MaxRetries: 1, DryRun: true})
	defer p.Disconnect()
	c := NewCopier(env.cfg, env.db, p)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	require.NoError(t, c.Run(ctx))

	assert.Equal(t, 0, env.dst.appendCount())
	assert.Len(t, env.dst.box("INBOX").msgs, 0)
	// The scan still ran: the source catalog knows the message.
	acct, err := env.db.GetOrCreateAccount("127.0.0.1", "src")
	require.NoError(t, err)
	row, err := env.db.GetMailbox(acct.ID, "INBOX")
	require.NoError(t, err)
	n, err := env.db.CountMessages(row.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// expunge removes \Deleted messages from the source after the copy.
func TestExpungeSource(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Expunge = true

	srcBox := env.src.addBox("INBOX", 10, false)
	env.dst.addBox("INBOX", 20, false)
	srcBox.add("keep@example.com", "keep me", nil, stamp(0))
	srcBox.add("gone@example.com", "expunge me", []string{`\Deleted`}, stamp(1))

	env.runCopier(t)

	require.Len(t, env.src.box("INBOX").msgs, 1)
	assert.Equal(t, "keep@example.com", env.src.box("INBOX").msgs[0].messageID)
}
