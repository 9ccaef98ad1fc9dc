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

CREATE TABLE IF NOT EXISTS users (
	id              TEXT PRIMARY KEY,
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL,
	name            TEXT NOT NULL DEFAULT '',
	email_addresses TEXT NOT NULL DEFAULT '[]',
	settings        TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS user_addresses (
	address TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS conversations (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL REFERENCES users(id),
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL,
	title         TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active', 'closed')),
	total_cost    REAL NOT NULL DEFAULT 0 CHECK(total_cost >= 0),
	message_count INTEGER NOT NULL DEFAULT 0 CHECK(message_count >= 0),
	metadata      TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS messages (
	id                TEXT PRIMARY KEY,
	conversation_id   TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	user_id           TEXT NOT NULL,
	created_at        DATETIME NOT NULL,
	last_updated_at   DATETIME NOT NULL,
	system_prompt     TEXT NOT NULL DEFAULT '',
	user_content      TEXT NOT NULL,
	assistant_content TEXT NOT NULL DEFAULT '',
	metrics           TEXT
);

CREATE TABLE IF NOT EXISTS emails (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	created_at      DATETIME NOT NULL,
	direction       TEXT NOT NULL CHECK(direction IN ('inbound', 'outbound')),
	message_id      TEXT NOT NULL,
	in_reply_to     TEXT NOT NULL DEFAULT '',
	refs            TEXT NOT NULL DEFAULT '[]',
	from_email      TEXT NOT NULL,
	to_addrs        TEXT NOT NULL DEFAULT '[]',
	cc_addrs        TEXT NOT NULL DEFAULT '[]',
	bcc_addrs       TEXT NOT NULL DEFAULT '[]',
	subject         TEXT NOT NULL DEFAULT '',
	text            TEXT NOT NULL DEFAULT '',
	html            TEXT NOT NULL DEFAULT '',
	headers         TEXT NOT NULL DEFAULT '[]',
	UNIQUE(conversation_id, message_id)
);

CREATE INDEX IF NOT EXISTS idx_user_addresses_user_id ON user_addresses(user_id);
CREATE INDEX IF NOT EXISTS idx_conversations_user_id ON conversations(user_id);
CREATE INDEX IF NOT EXISTS idx_conversations_status_updated ON conversations(status, updated_at);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at, id);
CREATE INDEX IF NOT EXISTS idx_emails_conversation ON emails(conversation_id, created_at);
CREATE INDEX IF NOT EXISTS idx_emails_message_id ON emails(message_id);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE INDEX IF NOT EXISTS idx_emails_in_reply_to ON emails(in_reply_to);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
