package catalog

// Migration represents a schema migration.
type Migration struct {
	Version int
	SQL     string
}

// migrations is the list of all catalog migrations.
var migrations = []Migration{
	{
		Version: 1,
		SQL: `
			-- Accounts: one row per (server, user) pair ever synced
			CREATE TABLE accounts (
				id INTEGER PRIMARY KEY,
				hostname TEXT NOT NULL,
				username TEXT NOT NULL,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL,

				UNIQUE(hostname, username)
			);

			-- Mailboxes: scan state per account mailbox. A UIDVALIDITY
			-- change deletes the row's messages and resets its scan state.
			CREATE TABLE mailboxes (
				id INTEGER PRIMARY KEY,
				account_id INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
				name TEXT NOT NULL,
				delim TEXT NOT NULL DEFAULT '',
				attr TEXT NOT NULL DEFAULT '',
				subscribed INTEGER NOT NULL DEFAULT 0,
				uidvalidity INTEGER NOT NULL DEFAULT 0,
				uidnext INTEGER NOT NULL DEFAULT 0,

				UNIQUE(account_id, name, uidvalidity)
			);

			CREATE INDEX idx_mailboxes_account ON mailboxes(account_id);

			-- Messages: one row per (mailbox, uid) with its cross-server GUID
			CREATE TABLE messages (
				id INTEGER PRIMARY KEY,
				mailbox_id INTEGER NOT NULL REFERENCES mailboxes(id) ON DELETE CASCADE,
				uid INTEGER NOT NULL,
				guid TEXT NOT NULL,
				message_id TEXT,
				rfc822_size INTEGER NOT NULL DEFAULT 0,
				internaldate INTEGER NOT NULL DEFAULT 0,
				flags TEXT NOT NULL DEFAULT '',

				UNIQUE(mailbox_id, uid)
			);

			CREATE INDEX idx_messages_guid ON messages(guid);
			CREATE INDEX idx_messages_mailbox ON messages(mailbox_id);
		`,
	},
}
