package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema is the full database schema. Statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	username      TEXT NOT NULL UNIQUE,
	display_name  TEXT NOT NULL DEFAULT '',
	avatar_url    TEXT NOT NULL DEFAULT '',
	role          TEXT NOT NULL CHECK (role IN ('client', 'freelancer', 'admin')),
	password_hash TEXT NOT NULL,
	created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS services (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	freelancer_id INTEGER NOT NULL,
	title         TEXT NOT NULL,
	created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY (freelancer_id) REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS chat_rooms (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	client_id     INTEGER NOT NULL,
	freelancer_id INTEGER NOT NULL,
	service_id    INTEGER,
	created_at    DATETIME NOT NULL,
	FOREIGN KEY (client_id) REFERENCES users(id),
	FOREIGN KEY (freelancer_id) REFERENCES users(id),
	FOREIGN KEY (service_id) REFERENCES services(id)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_chat_rooms_pair
	ON chat_rooms(client_id, freelancer_id, IFNULL(service_id, 0));
CREATE INDEX IF NOT EXISTS idx_chat_rooms_freelancer ON chat_rooms(freelancer_id);

CREATE TABLE IF NOT EXISTS messages (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id      INTEGER NOT NULL,
	sender_id    INTEGER NOT NULL,
	message_text TEXT NOT NULL,
	is_read      BOOLEAN NOT NULL DEFAULT 0,
	sent_at      DATETIME NOT NULL,
	FOREIGN KEY (room_id) REFERENCES chat_rooms(id),
	FOREIGN KEY (sender_id) REFERENCES users(id)
);

CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room_id, sent_at DESC);
CREATE INDEX IF NOT EXISTS idx_messages_unread ON messages(room_id, is_read, sender_id);
`

// Migrate applies Schema to db.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// ApplySchema is a setup function for NewWithSetup.
func ApplySchema(db *sql.DB) error {
	return Migrate(context.Background(), db)
}
