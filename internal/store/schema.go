package store

import (
	"database/sql"
	"fmt"
)

// Two tables: the session document itself and its roster. Participant rows
// are keyed by (session_id, user_id) so a rejoin is an upsert, never an
// append, and removal is guarded on connection_id in the same statement.
const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id    TEXT PRIMARY KEY,
	title         TEXT NOT NULL DEFAULT '',
	code          TEXT NOT NULL DEFAULT '',
	language      TEXT NOT NULL DEFAULT 'javascript',
	total_edits   INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMP NOT NULL,
	last_modified TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS participants (
	session_id    TEXT NOT NULL,
	user_id       TEXT NOT NULL,
	username      TEXT NOT NULL,
	color         TEXT NOT NULL,
	cursor_line   INTEGER NOT NULL DEFAULT 1,
	cursor_column INTEGER NOT NULL DEFAULT 1,
	connection_id TEXT NOT NULL,
	last_active   TIMESTAMP NOT NULL,
	PRIMARY KEY (session_id, user_id),
	FOREIGN KEY (session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_participants_connection
	ON participants(session_id, connection_id);
`

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
