package store

// Schema is applied on every open; statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS groups (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	crawl_enabled BOOLEAN NOT NULL DEFAULT 1,
	visibility TEXT NOT NULL DEFAULT 'private',
	last_error TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source_message_id TEXT NOT NULL,
	group_id TEXT NOT NULL,
	sender_id TEXT NOT NULL DEFAULT '',
	sender_name TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL DEFAULT '',
	media_kind TEXT NOT NULL DEFAULT '',
	media_url TEXT NOT NULL DEFAULT '',
	reply_to_id TEXT NOT NULL DEFAULT '',
	topic_id TEXT NOT NULL DEFAULT '',
	is_deleted BOOLEAN NOT NULL DEFAULT 0,
	sent_at DATETIME NOT NULL,
	edited_at DATETIME,
	UNIQUE(source_message_id, group_id)
);
CREATE INDEX IF NOT EXISTS idx_messages_group_sent ON messages(group_id, sent_at);

CREATE TABLE IF NOT EXISTS crawler_status (
	group_id TEXT PRIMARY KEY,
	status TEXT NOT NULL DEFAULT 'initializing',
	is_enabled BOOLEAN NOT NULL DEFAULT 1,
	error_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	crawl_progress INTEGER NOT NULL DEFAULT 0,
	crawl_total INTEGER NOT NULL DEFAULT 0,
	last_message_at DATETIME,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS entity_cache (
	chat_id TEXT PRIMARY KEY,
	handle TEXT NOT NULL,
	kind TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS failed_messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source_message_id TEXT NOT NULL DEFAULT '',
	group_id TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	error_text TEXT NOT NULL DEFAULT '',
	retry_count INTEGER NOT NULL DEFAULT 0,
	resolved BOOLEAN NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_failed_messages_resolved ON failed_messages(resolved);
`
