package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id            TEXT PRIMARY KEY,
	connection_id INTEGER NOT NULL DEFAULT 0,
	client_domain TEXT NOT NULL DEFAULT '',
	remote_addr   TEXT NOT NULL DEFAULT '',
	received_at   DATETIME NOT NULL,
	from_name     TEXT NOT NULL DEFAULT '',
	from_address  TEXT NOT NULL DEFAULT '',
	subject       TEXT NOT NULL DEFAULT '',
	body          TEXT NOT NULL DEFAULT '',
	is_html       INTEGER NOT NULL DEFAULT 0,
	headers       TEXT NOT NULL DEFAULT '{}',
	raw           BLOB
);

CREATE TABLE IF NOT EXISTS recipients (
	message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	kind       TEXT NOT NULL,
	position   INTEGER NOT NULL,
	name       TEXT NOT NULL DEFAULT '',
	address    TEXT NOT NULL,
	PRIMARY KEY (message_id, kind, position)
);

CREATE TABLE IF NOT EXISTS attachments (
	id           TEXT PRIMARY KEY,
	message_id   TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	position     INTEGER NOT NULL,
	filename     TEXT NOT NULL DEFAULT '',
	content_type TEXT NOT NULL DEFAULT '',
	content      BLOB
);

CREATE INDEX IF NOT EXISTS idx_messages_received_at ON messages(received_at);
CREATE INDEX IF NOT EXISTS idx_recipients_address ON recipients(address);
CREATE INDEX IF NOT EXISTS idx_attachments_message_id ON attachments(message_id);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS alternate_views (
	message_id   TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	position     INTEGER NOT NULL,
	content_type TEXT NOT NULL DEFAULT '',
	content      TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (message_id, position)
);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
