// ABOUTME: SQLite implementation of the durable event log using modernc.org/sqlite.
// ABOUTME: Per-session key locks serialize read-modify-write without a global write lock.

package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed durable event log. Mutations of one session's
// record never block mutations of a different session's record: serialization
// happens on a per-session mutex, and SQLite runs in WAL mode so readers do
// not block behind writers.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// NewStore opens (or creates) the log database at the given path. Parent
// directories are created if needed.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "history")

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("history store initialized", "path", path)
	return s, nil
}

func (s *Store) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			last_activity_at TEXT NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0,
			summary TEXT NOT NULL DEFAULT '',
			is_remote INTEGER NOT NULL DEFAULT 0,
			config TEXT NOT NULL DEFAULT '',
			workspace_path TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS session_messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			stream_id TEXT NOT NULL DEFAULT '',
			tool_call_id TEXT NOT NULL DEFAULT '',
			tool_result TEXT NOT NULL DEFAULT '',
			tool_error INTEGER NOT NULL DEFAULT 0,
			reasoning TEXT NOT NULL DEFAULT '',
			attachments TEXT NOT NULL DEFAULT '',
			FOREIGN KEY (session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_session_messages_session
			ON session_messages(session_id, seq);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// lockFor returns the mutex serializing writes to one session's record.
func (s *Store) lockFor(sessionID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	mu, ok := s.locks[sessionID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[sessionID] = mu
	}
	return mu
}

// Append adds messages to the end of the session's log, preserving call
// order. The session's metadata row is created on first append and its
// message count and last-activity are advanced in the same transaction.
func (s *Store) Append(ctx context.Context, sessionID string, msgs ...*Message) error {
	if len(msgs) == 0 {
		return nil
	}

	mu := s.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning append tx: %w", err)
	}
	defer tx.Rollback()

	if err := ensureSessionTx(ctx, tx, sessionID, msgs[0].Timestamp); err != nil {
		return err
	}

	for _, msg := range msgs {
		if err := insertMessageTx(ctx, tx, sessionID, msg); err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET message_count = message_count + ?, last_activity_at = ? WHERE session_id = ?`,
		len(msgs), time.Now().UTC().Format(time.RFC3339Nano), sessionID,
	)
	if err != nil {
		return fmt.Errorf("advancing session counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing append: %w", err)
	}

	s.logger.Debug("messages appended", "session_id", sessionID, "count", len(msgs))
	return nil
}

// Save replaces the whole record for a session in one transaction, so a
// concurrent Load observes either the fully-prior or fully-new record.
func (s *Store) Save(ctx context.Context, record *Record) error {
	sessionID := record.Metadata.SessionID

	mu := s.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning save tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clearing messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clearing session: %w", err)
	}

	m := record.Metadata
	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (session_id, created_at, last_activity_at, message_count, summary, is_remote, config, workspace_path)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.SessionID,
		m.CreatedAt.UTC().Format(time.RFC3339Nano),
		m.LastActivityAt.UTC().Format(time.RFC3339Nano),
		len(record.Messages),
		m.Summary,
		boolToInt(m.IsRemote),
		m.Config,
		m.WorkspacePath,
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}

	for _, msg := range record.Messages {
		if err := insertMessageTx(ctx, tx, sessionID, msg); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing save: %w", err)
	}
	return nil
}

// Load reads a whole session record. Returns ErrSessionNotFound when the log
// has no row for the id. Metadata and messages are read inside one read
// transaction so they share a snapshot: a Save committing mid-load is
// observed fully or not at all, never as a mix of two generations.
func (s *Store) Load(ctx context.Context, sessionID string) (*Record, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("beginning load tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT session_id, created_at, last_activity_at, message_count, summary, is_remote, config, workspace_path
		 FROM sessions WHERE session_id = ?`, sessionID)
	meta, err := scanMetadata(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	msgs, err := loadMessagesTx(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing load: %w", err)
	}

	return &Record{Metadata: *meta, Messages: msgs}, nil
}

func loadMessagesTx(ctx context.Context, tx *sql.Tx, sessionID string) ([]*Message, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT message_id, timestamp, role, content, stream_id, tool_call_id, tool_result, tool_error, reasoning, attachments
		 FROM session_messages WHERE session_id = ? ORDER BY seq ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		msg := &Message{}
		var ts, attachments string
		var toolError int
		if err := rows.Scan(
			&msg.ID, &ts, &msg.Role, &msg.Content, &msg.StreamID,
			&msg.ToolCallID, &msg.ToolResult, &toolError, &msg.Reasoning, &attachments,
		); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		msg.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parsing message timestamp: %w", err)
		}
		msg.ToolError = toolError != 0
		if attachments != "" {
			if err := json.Unmarshal([]byte(attachments), &msg.Attachments); err != nil {
				return nil, fmt.Errorf("parsing attachments: %w", err)
			}
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return msgs, nil
}

// IncrementCounter bumps the durable message count by one. The whole
// read-modify-write runs under the session's lock, so concurrent increments
// for the same session never lose updates.
func (s *Store) IncrementCounter(ctx context.Context, sessionID string) error {
	mu := s.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET message_count = message_count + 1, last_activity_at = ? WHERE session_id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), sessionID,
	)
	if err != nil {
		return fmt.Errorf("incrementing counter: %w", err)
	}
	return requireRow(res)
}

// UpdateSummary replaces the session's summary.
func (s *Store) UpdateSummary(ctx context.Context, sessionID, summary string) error {
	mu := s.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET summary = ? WHERE session_id = ?`, summary, sessionID)
	if err != nil {
		return fmt.Errorf("updating summary: %w", err)
	}
	return requireRow(res)
}

// SetWorkspacePath records the detected workspace path exactly once. Calls
// after the first are no-ops, matching the best-effort heuristic contract.
func (s *Store) SetWorkspacePath(ctx context.Context, sessionID, path string) error {
	mu := s.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET workspace_path = ? WHERE session_id = ? AND workspace_path = ''`,
		path, sessionID)
	if err != nil {
		return fmt.Errorf("setting workspace path: %w", err)
	}
	return nil
}

// Delete removes the session's whole record. Deleting an unknown id is a no-op.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	mu := s.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("deleting messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete: %w", err)
	}

	// The session's lock entry stays in the map: pruning it here could hand a
	// concurrent lockFor caller a different mutex for the same key.
	return nil
}

// LoadAll enumerates metadata for every persisted session, ordered by
// creation time. Used at startup to reconcile with the engine's live list.
func (s *Store) LoadAll(ctx context.Context) ([]*Metadata, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, created_at, last_activity_at, message_count, summary, is_remote, config, workspace_path
		 FROM sessions ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var all []*Metadata
	for rows.Next() {
		meta, err := scanMetadata(rows.Scan)
		if err != nil {
			return nil, err
		}
		all = append(all, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return all, nil
}

// ReconcileLive creates fresh metadata rows for sessions the engine knows
// about but the log has no record of. Metadata is never fabricated for
// sessions absent from both sides, and existing records are left untouched.
func (s *Store) ReconcileLive(ctx context.Context, liveIDs []string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, id := range liveIDs {
		mu := s.lockFor(id)
		mu.Lock()
		_, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO sessions (session_id, created_at, last_activity_at) VALUES (?, ?, ?)`,
			id, now, now)
		mu.Unlock()
		if err != nil {
			return fmt.Errorf("reconciling session %s: %w", id, err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func scanMetadata(scan func(dest ...any) error) (*Metadata, error) {
	meta := &Metadata{}
	var createdAt, lastActivity string
	var isRemote int

	if err := scan(
		&meta.SessionID, &createdAt, &lastActivity, &meta.MessageCount,
		&meta.Summary, &isRemote, &meta.Config, &meta.WorkspacePath,
	); err != nil {
		return nil, err
	}

	var err error
	meta.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	meta.LastActivityAt, err = time.Parse(time.RFC3339Nano, lastActivity)
	if err != nil {
		return nil, fmt.Errorf("parsing last_activity_at: %w", err)
	}
	meta.IsRemote = isRemote != 0
	return meta, nil
}

func ensureSessionTx(ctx context.Context, tx *sql.Tx, sessionID string, firstTS time.Time) error {
	if firstTS.IsZero() {
		firstTS = time.Now()
	}
	ts := firstTS.UTC().Format(time.RFC3339Nano)
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (session_id, created_at, last_activity_at) VALUES (?, ?, ?)`,
		sessionID, ts, ts)
	if err != nil {
		return fmt.Errorf("ensuring session row: %w", err)
	}
	return nil
}

func insertMessageTx(ctx context.Context, tx *sql.Tx, sessionID string, msg *Message) error {
	attachments := ""
	if len(msg.Attachments) > 0 {
		data, err := json.Marshal(msg.Attachments)
		if err != nil {
			return fmt.Errorf("encoding attachments: %w", err)
		}
		attachments = string(data)
	}

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO session_messages (message_id, session_id, timestamp, role, content, stream_id, tool_call_id, tool_result, tool_error, reasoning, attachments)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, sessionID,
		ts.UTC().Format(time.RFC3339Nano),
		msg.Role, msg.Content, msg.StreamID,
		msg.ToolCallID, msg.ToolResult, boolToInt(msg.ToolError), msg.Reasoning, attachments,
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking affected rows: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
