package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"codepair/internal/config"
	"codepair/pkg/protocol"
)

// Store is the durable session document store. Reads run concurrently on the
// connection pool; every mutation goes through a single writer goroutine and
// executes as one match-then-modify statement, so two racing edits can never
// interleave a read-modify-write.
type Store struct {
	db      *sql.DB
	writeCh chan writeOp
	quit    chan struct{}
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
}

type writeOp struct {
	fn     func(db *sql.DB) error
	result chan error
}

// Open opens (or creates) the SQLite database at cfg.Path and starts the
// writer goroutine.
func Open(cfg config.StoreConfig) (*Store, error) {
	dsn := fmt.Sprintf("%s?_busy_timeout=%d&_journal_mode=WAL&_foreign_keys=on",
		cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := applySchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db:      db,
		writeCh: make(chan writeOp, 100),
		quit:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.writeLoop()

	return s, nil
}

func (s *Store) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case op := <-s.writeCh:
			op.result <- op.fn(s.db)
		case <-s.quit:
			// Drain queued writes before exiting so callers are not left
			// blocked on their result channel.
			for {
				select {
				case op := <-s.writeCh:
					op.result <- op.fn(s.db)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) write(ctx context.Context, fn func(db *sql.DB) error) error {
	op := writeOp{fn: fn, result: make(chan error, 1)}

	// The read lock is held through the enqueue: Close cannot take the write
	// lock, flip closed, and run its drain pass until every writer that
	// passed the closed check has its op in the channel. Without this a
	// writer could enqueue after the drain and block on its result forever.
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	select {
	case s.writeCh <- op:
		s.mu.RUnlock()
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-op.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the writer goroutine and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.quit)
	s.wg.Wait()
	return s.db.Close()
}

// CreateSession inserts a fresh session document.
func (s *Store) CreateSession(ctx context.Context, sess *protocol.Session) error {
	return s.write(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO sessions (session_id, title, code, language, total_edits, created_at, last_modified)
			 VALUES (?, ?, ?, ?, 0, ?, ?)`,
			sess.SessionID, sess.Title, sess.Code, sess.Language, sess.LastModified, sess.LastModified)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrSessionExists
			}
			return fmt.Errorf("failed to create session: %w", err)
		}
		return nil
	})
}

// FindSession loads a session document by id.
func (s *Store) FindSession(ctx context.Context, sessionID string) (*protocol.Session, error) {
	var sess protocol.Session
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, title, code, language, total_edits, last_modified
		 FROM sessions WHERE session_id = ?`, sessionID).
		Scan(&sess.SessionID, &sess.Title, &sess.Code, &sess.Language, &sess.TotalEdits, &sess.LastModified)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return &sess, nil
}

// SessionInfo returns the lightweight snapshot used for resync decisions.
func (s *Store) SessionInfo(ctx context.Context, sessionID string) (*protocol.SessionInfo, error) {
	var info protocol.SessionInfo
	err := s.db.QueryRowContext(ctx,
		`SELECT s.session_id, s.language, s.last_modified,
		        (SELECT COUNT(*) FROM participants p WHERE p.session_id = s.session_id)
		 FROM sessions s WHERE s.session_id = ?`, sessionID).
		Scan(&info.SessionID, &info.Language, &info.LastModified, &info.ParticipantCount)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session info: %w", err)
	}
	return &info, nil
}

// ApplyEdit replaces the document text and bumps the edit counter in one
// statement. The newest full-text write always wins.
func (s *Store) ApplyEdit(ctx context.Context, sessionID, code string, now time.Time) error {
	return s.write(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`UPDATE sessions
			 SET code = ?, total_edits = total_edits + 1, last_modified = ?
			 WHERE session_id = ?`,
			code, now, sessionID)
		if err != nil {
			return fmt.Errorf("failed to apply edit: %w", err)
		}
		return notFoundIfNoRows(res)
	})
}

// SetLanguage switches the session language.
func (s *Store) SetLanguage(ctx context.Context, sessionID, language string, now time.Time) error {
	return s.write(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`UPDATE sessions SET language = ?, last_modified = ? WHERE session_id = ?`,
			language, now, sessionID)
		if err != nil {
			return fmt.Errorf("failed to set language: %w", err)
		}
		return notFoundIfNoRows(res)
	})
}

// UpsertParticipant adds or replaces the roster entry for p.UserID. A rejoin
// overwrites the previous entry, including its connection id, instead of
// appending a duplicate.
func (s *Store) UpsertParticipant(ctx context.Context, sessionID string, p protocol.Participant) error {
	return s.write(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO participants
			 (session_id, user_id, username, color, cursor_line, cursor_column, connection_id, last_active)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(session_id, user_id) DO UPDATE SET
			 username = excluded.username,
			 color = excluded.color,
			 cursor_line = excluded.cursor_line,
			 cursor_column = excluded.cursor_column,
			 connection_id = excluded.connection_id,
			 last_active = excluded.last_active`,
			sessionID, p.UserID, p.Username, p.Color,
			p.Cursor.Line, p.Cursor.Column, p.ConnectionID, p.LastActive)
		if err != nil {
			return fmt.Errorf("failed to upsert participant: %w", err)
		}
		return nil
	})
}

// PullParticipant removes the roster entry owned by connectionID. The
// predicate is the reconnect fence: a participant who already rejoined with a
// new connection no longer matches and is left alone. Returns whether a row
// was removed.
func (s *Store) PullParticipant(ctx context.Context, sessionID, connectionID string) (bool, error) {
	var removed bool
	err := s.write(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`DELETE FROM participants WHERE session_id = ? AND connection_id = ?`,
			sessionID, connectionID)
		if err != nil {
			return fmt.Errorf("failed to remove participant: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		removed = n > 0
		return nil
	})
	return removed, err
}

// UpdateCursor stores a participant's cursor position. Best-effort: a missing
// participant is not an error.
func (s *Store) UpdateCursor(ctx context.Context, sessionID, userID string, pos protocol.Position, now time.Time) error {
	return s.write(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`UPDATE participants
			 SET cursor_line = ?, cursor_column = ?, last_active = ?
			 WHERE session_id = ? AND user_id = ?`,
			pos.Line, pos.Column, now, sessionID, userID)
		if err != nil {
			return fmt.Errorf("failed to update cursor: %w", err)
		}
		return nil
	})
}

// Participants returns the roster ordered by join recency.
func (s *Store) Participants(ctx context.Context, sessionID string) ([]protocol.Participant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, username, color, cursor_line, cursor_column, connection_id, last_active
		 FROM participants WHERE session_id = ? ORDER BY last_active`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load participants: %w", err)
	}
	defer rows.Close()

	var list []protocol.Participant
	for rows.Next() {
		var p protocol.Participant
		if err := rows.Scan(&p.UserID, &p.Username, &p.Color,
			&p.Cursor.Line, &p.Cursor.Column, &p.ConnectionID, &p.LastActive); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		list = append(list, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return list, nil
}

// DeleteSession removes a session and, via cascade, its roster.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	return s.write(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`DELETE FROM sessions WHERE session_id = ?`, sessionID)
		if err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}
		return notFoundIfNoRows(res)
	})
}

func notFoundIfNoRows(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
