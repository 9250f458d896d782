package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"tandem/pkg/models"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// Database wraps a *sql.DB holding the session journal: sessions, their
// broadcast events and the audit trail of playlist requests. It is safe for
// concurrent use because the underlying *sql.DB is concurrency-safe.
type Database struct {
	conn   *sql.DB
	logger *logrus.Logger

	// Prepared statements for the journal write path
	insertSessionStmt *sql.Stmt
	closeSessionStmt  *sql.Stmt
	insertEventStmt   *sql.Stmt
	upsertRequestStmt *sql.Stmt
	insertHistoryStmt *sql.Stmt
}

// SessionRecord is a persisted session row
type SessionRecord struct {
	models.Session
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	CloseReason string     `json:"close_reason,omitempty"`
}

// EventRecord is a persisted broadcast event. Payload is the raw JSON that
// was sent to subscribers.
type EventRecord struct {
	SessionID string           `json:"session_id"`
	Seq       uint64           `json:"seq"`
	Type      models.EventType `json:"type"`
	Payload   json.RawMessage  `json:"payload"`
	CreatedAt time.Time        `json:"created_at"`
}

// RequestTransition is one status change of a playlist request. The
// request_log row holds the latest status; transitions keep every step.
type RequestTransition struct {
	RequestID string               `json:"request_id"`
	Status    models.RequestStatus `json:"status"`
	Reason    string               `json:"reason,omitempty"`
	At        time.Time            `json:"at"`
}

// NewDatabase opens (or creates) a SQLite database at the provided path and
// ensures all required tables and indices exist. Caller should Close() it
// when finished.
func NewDatabase(dbPath string, logger *logrus.Logger) (*Database, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	conn, err := sql.Open("sqlite3", dbPath+"?cache=shared&mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works better with fewer connections
	conn.SetMaxOpenConns(5)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(15 * time.Minute)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=2000;",
		"PRAGMA temp_store=memory;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA auto_vacuum=INCREMENTAL;",
	}

	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			logger.WithError(err).WithField("pragma", pragma).Warn("Failed to set pragma")
		}
	}

	db := &Database{
		conn:   conn,
		logger: logger,
	}

	if err := db.createTables(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	if err := db.prepareStatements(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	logger.WithField("db_path", dbPath).Info("Database initialized successfully")
	return db, nil
}

// createTables creates tables and indices if they do not already exist, then
// executes any migrations. This is idempotent and safe to call multiple times.
func (db *Database) createTables() error {
	sessionsTable := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL,
		host_id TEXT NOT NULL,
		host_name TEXT NOT NULL,
		max_media_duration_ms INTEGER,
		created_at DATETIME NOT NULL,
		closed_at DATETIME
	);`

	eventsTable := `
	CREATE TABLE IF NOT EXISTS session_events (
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		type TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (session_id, seq),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);`

	requestsTable := `
	CREATE TABLE IF NOT EXISTS request_log (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		requester_id TEXT NOT NULL,
		requester TEXT,
		type TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL,
		reason TEXT,
		created_at DATETIME NOT NULL,
		decided_at DATETIME,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);`

	historyTable := `
	CREATE TABLE IF NOT EXISTS request_log_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		status TEXT NOT NULL,
		reason TEXT,
		at DATETIME NOT NULL,
		FOREIGN KEY (request_id) REFERENCES request_log(id) ON DELETE CASCADE
	);`

	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_sessions_code ON sessions(code);",
		"CREATE INDEX IF NOT EXISTS idx_session_events_type ON session_events(session_id, type);",
		"CREATE INDEX IF NOT EXISTS idx_request_log_session ON request_log(session_id, created_at);",
		"CREATE INDEX IF NOT EXISTS idx_request_log_status ON request_log(status);",
		"CREATE INDEX IF NOT EXISTS idx_request_log_history_session ON request_log_history(session_id, id);",
	}

	tables := []string{sessionsTable, eventsTable, requestsTable, historyTable}
	for _, table := range tables {
		if _, err := db.conn.Exec(table); err != nil {
			return err
		}
	}

	for _, index := range indices {
		if _, err := db.conn.Exec(index); err != nil {
			return err
		}
	}

	return db.runMigrations()
}

// runMigrations performs incremental schema updates in-place. Each migration
// should be idempotent and safe to re-run.
func (db *Database) runMigrations() error {
	// Migration 1: record why a session was closed
	var columnExists bool
	err := db.conn.QueryRow(`
		SELECT COUNT(*) > 0
		FROM pragma_table_info('sessions')
		WHERE name = 'close_reason'`).Scan(&columnExists)
	if err != nil {
		return err
	}

	if !columnExists {
		if _, err := db.conn.Exec("ALTER TABLE sessions ADD COLUMN close_reason TEXT"); err != nil {
			return err
		}
		db.logger.Info("Added close_reason column to sessions table")
	}

	return nil
}

// prepareStatements prepares the statements used on every write
func (db *Database) prepareStatements() error {
	var err error

	db.insertSessionStmt, err = db.conn.Prepare(`
		INSERT INTO sessions (id, code, host_id, host_name, max_media_duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert session statement: %w", err)
	}

	db.closeSessionStmt, err = db.conn.Prepare(`
		UPDATE sessions SET closed_at = ?, close_reason = ? WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare close session statement: %w", err)
	}

	db.insertEventStmt, err = db.conn.Prepare(`
		INSERT INTO session_events (session_id, seq, type, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id, seq) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert event statement: %w", err)
	}

	db.upsertRequestStmt, err = db.conn.Prepare(`
		INSERT INTO request_log (id, session_id, requester_id, requester, type, payload, status, reason, created_at, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status,
			reason=excluded.reason,
			decided_at=excluded.decided_at`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert request statement: %w", err)
	}

	db.insertHistoryStmt, err = db.conn.Prepare(`
		INSERT INTO request_log_history (request_id, session_id, status, reason, at)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert history statement: %w", err)
	}

	return nil
}

// SaveSession records a newly created session
func (db *Database) SaveSession(s models.Session) error {
	var maxDuration sql.NullInt64
	if s.MaxMediaDurationMs != nil {
		maxDuration = sql.NullInt64{Int64: *s.MaxMediaDurationMs, Valid: true}
	}
	_, err := db.insertSessionStmt.Exec(s.ID, s.Code, s.HostID, s.HostName, maxDuration, s.CreatedAt.UTC())
	if err != nil {
		db.logger.WithError(err).WithField("session_id", s.ID).Error("Failed to save session")
	}
	return err
}

// MarkSessionClosed stamps a session as closed
func (db *Database) MarkSessionClosed(sessionID, reason string, at time.Time) error {
	_, err := db.closeSessionStmt.Exec(at.UTC(), reason, sessionID)
	return err
}

// AppendEvent records one broadcast event
func (db *Database) AppendEvent(ev models.Event, at time.Time) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode event payload: %w", err)
	}
	_, err = db.insertEventStmt.Exec(ev.SessionID, ev.Seq, string(ev.Type), string(payload), at.UTC())
	return err
}

// UpsertRequest records a request's latest status and appends the
// transition to its history in one transaction
func (db *Database) UpsertRequest(r models.Request) error {
	payload, err := json.Marshal(r.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode request payload: %w", err)
	}
	var decidedAt *time.Time
	at := r.CreatedAt.UTC()
	if r.DecidedAt != nil {
		t := r.DecidedAt.UTC()
		decidedAt = &t
		at = t
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Stmt(db.upsertRequestStmt).Exec(r.ID, r.SessionID, r.RequesterID, r.Requester, string(r.Type),
		string(payload), string(r.Status), r.Reason, r.CreatedAt.UTC(), decidedAt); err != nil {
		return err
	}
	if _, err := tx.Stmt(db.insertHistoryStmt).Exec(r.ID, r.SessionID, string(r.Status), r.Reason, at); err != nil {
		return err
	}
	return tx.Commit()
}

// GetSession returns a persisted session, open or closed
func (db *Database) GetSession(sessionID string) (*SessionRecord, error) {
	var rec SessionRecord
	var maxDuration sql.NullInt64
	var closedAt sql.NullTime
	var closeReason sql.NullString

	err := db.conn.QueryRow(`
		SELECT id, code, host_id, host_name, max_media_duration_ms, created_at, closed_at, close_reason
		FROM sessions WHERE id = ?`, sessionID).Scan(
		&rec.ID, &rec.Code, &rec.HostID, &rec.HostName, &maxDuration, &rec.CreatedAt, &closedAt, &closeReason)
	if err == sql.ErrNoRows {
		return nil, models.Errorf(models.KindNotFound, "session %q not found", sessionID)
	}
	if err != nil {
		return nil, err
	}

	if maxDuration.Valid {
		v := maxDuration.Int64
		rec.MaxMediaDurationMs = &v
	}
	if closedAt.Valid {
		t := closedAt.Time
		rec.ClosedAt = &t
	}
	rec.CloseReason = closeReason.String
	return &rec, nil
}

// ListEvents returns up to limit events of a session with seq greater than
// afterSeq, in sequence order
func (db *Database) ListEvents(sessionID string, afterSeq uint64, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.conn.Query(`
		SELECT session_id, seq, type, payload, created_at
		FROM session_events
		WHERE session_id = ? AND seq > ?
		ORDER BY seq
		LIMIT ?`, sessionID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRecord
	for rows.Next() {
		var ev EventRecord
		var typ, payload string
		if err := rows.Scan(&ev.SessionID, &ev.Seq, &typ, &payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Type = models.EventType(typ)
		ev.Payload = json.RawMessage(payload)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ListRequests returns the request audit trail of a session in submission order
func (db *Database) ListRequests(sessionID string) ([]models.Request, error) {
	rows, err := db.conn.Query(`
		SELECT id, session_id, requester_id, COALESCE(requester, ''), type, payload, status, COALESCE(reason, ''), created_at, decided_at
		FROM request_log
		WHERE session_id = ?
		ORDER BY created_at, rowid`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRequestRows(rows)
}

// ListRequestHistory returns every request status change of a session in the
// order it was recorded
func (db *Database) ListRequestHistory(sessionID string) ([]RequestTransition, error) {
	rows, err := db.conn.Query(`
		SELECT request_id, status, COALESCE(reason, ''), at
		FROM request_log_history
		WHERE session_id = ?
		ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []RequestTransition
	for rows.Next() {
		var tr RequestTransition
		var status string
		if err := rows.Scan(&tr.RequestID, &status, &tr.Reason, &tr.At); err != nil {
			return nil, err
		}
		tr.Status = models.RequestStatus(status)
		history = append(history, tr)
	}
	return history, rows.Err()
}

// Close closes the underlying database connection and prepared statements.
func (db *Database) Close() error {
	statements := []*sql.Stmt{
		db.insertSessionStmt,
		db.closeSessionStmt,
		db.insertEventStmt,
		db.upsertRequestStmt,
		db.insertHistoryStmt,
	}

	for _, stmt := range statements {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				db.logger.WithError(err).Error("Failed to close prepared statement")
			}
		}
	}

	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// scanRequestRows scans request_log result sets. Callers must have already
// deferred rows.Close().
func scanRequestRows(rows *sql.Rows) ([]models.Request, error) {
	var requests []models.Request
	for rows.Next() {
		var r models.Request
		var typ, payload, status string
		var decidedAt sql.NullTime

		if err := rows.Scan(&r.ID, &r.SessionID, &r.RequesterID, &r.Requester, &typ, &payload,
			&status, &r.Reason, &r.CreatedAt, &decidedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &r.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode request %s payload: %w", r.ID, err)
		}
		r.Type = models.RequestType(typ)
		r.Status = models.RequestStatus(status)
		if decidedAt.Valid {
			t := decidedAt.Time
			r.DecidedAt = &t
		}
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

// Ping checks that the database is reachable
func (db *Database) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}
