package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/samsaffron/tau/internal/agent"
	"github.com/samsaffron/tau/internal/llm"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Schema for the sessions database.
const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    number INTEGER,
    name TEXT,
    summary TEXT,
    provider TEXT NOT NULL,
    model TEXT NOT NULL,
    mode TEXT DEFAULT 'chat',
    cwd TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    generation INTEGER DEFAULT 0,
    input_tokens INTEGER DEFAULT 0,
    cached_input_tokens INTEGER DEFAULT 0,
    output_tokens INTEGER DEFAULT 0,
    reasoning_tokens INTEGER DEFAULT 0,
    status TEXT DEFAULT 'active'
);

CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system', 'tool')),
    parts TEXT NOT NULL,
    text_content TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    sequence INTEGER NOT NULL,
    UNIQUE (session_id, sequence)
);

CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_number ON sessions(number);

-- Full-text search on extracted text content
CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
    text_content,
    content='messages',
    content_rowid='id'
);

-- Triggers to keep FTS in sync
CREATE TRIGGER IF NOT EXISTS messages_ai AFTER INSERT ON messages BEGIN
    INSERT INTO messages_fts(rowid, text_content) VALUES (new.id, new.text_content);
END;

CREATE TRIGGER IF NOT EXISTS messages_ad AFTER DELETE ON messages BEGIN
    INSERT INTO messages_fts(messages_fts, rowid, text_content) VALUES ('delete', old.id, old.text_content);
END;
`

// schemaVersion is recorded in schema_version. Bump it together with a
// migration when the schema changes.
const schemaVersion = 1

// NewSQLiteStore creates a new SQLite-based session store.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	dbPath, err := GetDBPath(cfg)
	if err != nil {
		return nil, fmt.Errorf("get db path: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	store := &SQLiteStore{db: db, cfg: cfg}

	if err := store.cleanup(); err != nil {
		slog.Warn("session cleanup failed", "error", err)
	}

	return store, nil
}

func initSchema(db *sql.DB) error {
	var currentVersion int
	err := db.QueryRow("SELECT version FROM schema_version").Scan(&currentVersion)
	if err == nil && currentVersion >= schemaVersion {
		return nil
	}

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create base schema: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}
	if _, err := db.Exec("DELETE FROM schema_version"); err != nil {
		return fmt.Errorf("reset schema version: %w", err)
	}
	if _, err := db.Exec("INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("insert schema version: %w", err)
	}
	return nil
}

// cleanup removes old sessions based on configuration.
func (s *SQLiteStore) cleanup() error {
	ctx := context.Background()

	if s.cfg.MaxAgeDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -s.cfg.MaxAgeDays)
		if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE updated_at < ?", cutoff); err != nil {
			return fmt.Errorf("delete old sessions: %w", err)
		}
	}

	if s.cfg.MaxCount > 0 {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM sessions WHERE id IN (
				SELECT id FROM sessions
				ORDER BY updated_at DESC
				LIMIT -1 OFFSET ?
			)`, s.cfg.MaxCount)
		if err != nil {
			return fmt.Errorf("enforce max count: %w", err)
		}
	}

	return nil
}

func (s *SQLiteStore) Create(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = NewID()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = sess.CreatedAt
	}
	if sess.Status == "" {
		sess.Status = StatusActive
	}
	if sess.Mode == "" {
		sess.Mode = ModeChat
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(number), 0) + 1 FROM sessions").Scan(&sess.Number); err != nil {
		return fmt.Errorf("allocate session number: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, number, name, summary, provider, model, mode, cwd, created_at, updated_at,
		                      generation, input_tokens, cached_input_tokens, output_tokens, reasoning_tokens, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Number, nullString(sess.Name), nullString(sess.Summary), sess.Provider, sess.Model,
		string(sess.Mode), nullString(sess.CWD), sess.CreatedAt, sess.UpdatedAt,
		sess.Generation, sess.InputTokens, sess.CachedInputTokens, sess.OutputTokens, sess.ReasoningTokens,
		string(sess.Status))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return tx.Commit()
}

const sessionColumns = `id, number, name, summary, provider, model, mode, cwd, created_at, updated_at,
	generation, input_tokens, cached_input_tokens, output_tokens, reasoning_tokens, status`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var number sql.NullInt64
	var name, summary, mode, cwd, status sql.NullString
	err := row.Scan(&sess.ID, &number, &name, &summary, &sess.Provider, &sess.Model, &mode, &cwd,
		&sess.CreatedAt, &sess.UpdatedAt,
		&sess.Generation, &sess.InputTokens, &sess.CachedInputTokens, &sess.OutputTokens, &sess.ReasoningTokens,
		&status)
	if err != nil {
		return nil, err
	}
	sess.Number = number.Int64
	sess.Name = name.String
	sess.Summary = summary.String
	sess.Mode = SessionMode(mode.String)
	sess.CWD = cwd.String
	sess.Status = SessionStatus(status.String)
	return &sess, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) Resolve(ctx context.Context, ref string) (*Session, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, ErrNotFound
	}

	if ref == "last" {
		row := s.db.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM sessions ORDER BY updated_at DESC LIMIT 1")
		return s.resolved(row, ref)
	}

	if n, err := strconv.ParseInt(strings.TrimPrefix(ref, "#"), 10, 64); err == nil && n > 0 {
		row := s.db.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE number = ?", n)
		if sess, err := s.resolved(row, ref); !errors.Is(err, ErrNotFound) {
			return sess, err
		}
	}

	rows, err := s.db.QueryContext(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE id LIKE ? || '%' LIMIT 2", ref)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var matches []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		matches = append(matches, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("session reference %q is ambiguous", ref)
	}
}

func (s *SQLiteStore) resolved(row *sql.Row, ref string) (*Session, error) {
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status SessionStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, updated_at = ?
		WHERE id = ?`,
		string(status), time.Now(), id)
	return err
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	// Foreign key cascade handles messages
	result, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, opts ListOptions) ([]SessionSummary, error) {
	query := `
		SELECT s.id, s.number, s.summary, s.provider, s.model, s.mode, s.created_at, s.updated_at,
		       (SELECT COUNT(*) FROM messages WHERE session_id = s.id) as message_count,
		       s.input_tokens, s.output_tokens, s.status
		FROM sessions s
		WHERE 1=1`
	args := []any{}

	if opts.Provider != "" {
		query += " AND s.provider = ?"
		args = append(args, opts.Provider)
	}
	if opts.Model != "" {
		query += " AND s.model = ?"
		args = append(args, opts.Model)
	}
	if opts.Mode != "" {
		query += " AND s.mode = ?"
		args = append(args, string(opts.Mode))
	}
	if opts.Status != "" {
		query += " AND s.status = ?"
		args = append(args, string(opts.Status))
	}

	query += " ORDER BY s.updated_at DESC, s.number DESC"

	limit := opts.Limit
	if limit == 0 {
		limit = 50 // Default
	}
	query += fmt.Sprintf(" LIMIT %d", limit)
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var results []SessionSummary
	for rows.Next() {
		var sum SessionSummary
		var number sql.NullInt64
		var summary, mode, status sql.NullString
		err := rows.Scan(&sum.ID, &number, &summary, &sum.Provider, &sum.Model, &mode,
			&sum.CreatedAt, &sum.UpdatedAt, &sum.MessageCount,
			&sum.InputTokens, &sum.OutputTokens, &status)
		if err != nil {
			return nil, fmt.Errorf("scan session summary: %w", err)
		}
		sum.Number = number.Int64
		sum.Summary = summary.String
		sum.Mode = SessionMode(mode.String)
		sum.Status = SessionStatus(status.String)
		results = append(results, sum)
	}
	return results, rows.Err()
}

func (s *SQLiteStore) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if limit == 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.session_id, s.number, m.id, s.summary, snippet(messages_fts, 0, '**', '**', '...', 32),
		       s.provider, s.model, m.created_at
		FROM messages_fts f
		JOIN messages m ON m.id = f.rowid
		JOIN sessions s ON s.id = m.session_id
		WHERE messages_fts MATCH ?
		ORDER BY rank
		LIMIT ?`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var number sql.NullInt64
		var summary sql.NullString
		err := rows.Scan(&r.SessionID, &number, &r.MessageID, &summary,
			&r.Snippet, &r.Provider, &r.Model, &r.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		r.SessionNumber = number.Int64
		r.Summary = summary.String
		results = append(results, r)
	}
	return results, rows.Err()
}

// SaveConversation appends messages not yet stored. When the compaction
// generation changed, or the stored history is longer than conv, the stored
// messages are replaced.
func (s *SQLiteStore) SaveConversation(ctx context.Context, id string, conv agent.Conversation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var generation int
	var summary sql.NullString
	err = tx.QueryRowContext(ctx, "SELECT generation, summary FROM sessions WHERE id = ?", id).Scan(&generation, &summary)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}

	var stored int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages WHERE session_id = ?", id).Scan(&stored); err != nil {
		return fmt.Errorf("count messages: %w", err)
	}
	if generation != conv.Generation || stored > len(conv.Messages) {
		if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE session_id = ?", id); err != nil {
			return fmt.Errorf("replace messages: %w", err)
		}
		stored = 0
	}

	for i := stored; i < len(conv.Messages); i++ {
		msg := NewMessage(id, conv.Messages[i], i)
		partsJSON, err := msg.PartsJSON()
		if err != nil {
			return fmt.Errorf("serialize parts: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (session_id, role, parts, text_content, created_at, sequence)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id, string(msg.Role), partsJSON, msg.TextContent, msg.CreatedAt, msg.Sequence)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	newSummary := summary.String
	if newSummary == "" {
		newSummary = firstUserText(conv.Messages)
	}

	u := conv.Usage
	_, err = tx.ExecContext(ctx, `
		UPDATE sessions SET generation = ?, summary = ?, input_tokens = ?, cached_input_tokens = ?,
		       output_tokens = ?, reasoning_tokens = ?, updated_at = ?
		WHERE id = ?`,
		conv.Generation, nullString(newSummary), u.InputTokens, u.CachedInputTokens,
		u.OutputTokens, u.ReasoningTokens, time.Now(), id)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// LoadConversation rebuilds the stored conversation for id.
func (s *SQLiteStore) LoadConversation(ctx context.Context, id string) (*agent.Conversation, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	msgs, err := s.GetMessages(ctx, id, 0, 0)
	if err != nil {
		return nil, err
	}

	conv := &agent.Conversation{
		Messages:   make([]llm.Message, 0, len(msgs)),
		Usage:      sess.Usage(),
		Generation: sess.Generation,
	}
	for i := range msgs {
		conv.Messages = append(conv.Messages, msgs[i].ToLLMMessage())
	}
	return conv, nil
}

func (s *SQLiteStore) GetMessages(ctx context.Context, sessionID string, limit, offset int) ([]Message, error) {
	query := `
		SELECT id, session_id, role, parts, text_content, created_at, sequence
		FROM messages
		WHERE session_id = ?
		ORDER BY sequence ASC`

	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
		if offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		var partsJSON string
		var text sql.NullString
		err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &partsJSON,
			&text, &msg.CreatedAt, &msg.Sequence)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.TextContent = text.String
		if err := msg.SetPartsFromJSON(partsJSON); err != nil {
			return nil, fmt.Errorf("deserialize parts: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func firstUserText(msgs []llm.Message) string {
	for _, m := range msgs {
		if m.Role == llm.RoleUser {
			if text := m.Text(); text != "" {
				return TruncateSummary(text)
			}
		}
	}
	return ""
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
