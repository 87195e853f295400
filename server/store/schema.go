package store

// schema is valid for both SQLite and PostgreSQL. Timestamps are unix
// milliseconds (created_at) or nanoseconds (set membership order).
const schema = `
CREATE TABLE IF NOT EXISTS message (
    id TEXT PRIMARY KEY,
    room_id TEXT NOT NULL,
    author TEXT NOT NULL,
    body TEXT NOT NULL DEFAULT '',
    attachment TEXT NOT NULL DEFAULT '',
    created_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_message_room ON message(room_id, created_at);

CREATE TABLE IF NOT EXISTS message_seen (
    message_id TEXT NOT NULL,
    viewer TEXT NOT NULL,
    seen_at BIGINT NOT NULL,
    PRIMARY KEY (message_id, viewer)
);

CREATE TABLE IF NOT EXISTS poll (
    id TEXT PRIMARY KEY,
    room_id TEXT NOT NULL,
    question TEXT NOT NULL,
    created_by TEXT NOT NULL,
    created_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_poll_room ON poll(room_id, created_at);

CREATE TABLE IF NOT EXISTS poll_option (
    poll_id TEXT NOT NULL,
    idx INTEGER NOT NULL,
    text TEXT NOT NULL,
    votes INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (poll_id, idx)
);

CREATE TABLE IF NOT EXISTS poll_voter (
    poll_id TEXT NOT NULL,
    voter TEXT NOT NULL,
    option_idx INTEGER NOT NULL,
    voted_at BIGINT NOT NULL,
    PRIMARY KEY (poll_id, voter)
);

CREATE TABLE IF NOT EXISTS notification (
    id TEXT PRIMARY KEY,
    category TEXT NOT NULL,
    room_id TEXT NOT NULL,
    origin_id TEXT NOT NULL DEFAULT '',
    text TEXT NOT NULL,
    is_read INTEGER NOT NULL DEFAULT 0,
    created_at BIGINT NOT NULL,
    UNIQUE (category, room_id, origin_id)
);

CREATE TABLE IF NOT EXISTS notification_recipient (
    notification_id TEXT NOT NULL,
    identity TEXT NOT NULL,
    added_at BIGINT NOT NULL,
    PRIMARY KEY (notification_id, identity)
);

CREATE INDEX IF NOT EXISTS idx_notification_recipient_identity ON notification_recipient(identity);
`
