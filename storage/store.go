package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"theftguard/agent/agent"
)

// Logger interface for storage operations
type Logger interface {
	Error(msg string, context ...interface{})
	Warn(msg string, context ...interface{})
	Info(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

var storageLogger Logger

// SetLogger sets the logger for the storage package
func SetLogger(logger Logger) {
	storageLogger = logger
}

// DefaultMaxLocationRows bounds the location history table.
const DefaultMaxLocationRows = 500

// Store is the agent's local SQLite state: location history (which backs
// the last-known-good cache across restarts), the wipe journal for
// exactly-once execution, and a small key/value table for agent state.
type Store struct {
	db              *sql.DB
	dbPath          string
	maxLocationRows int
}

// NewStore opens or creates the agent database. An empty path uses an
// in-memory database.
func NewStore(dbPath string) (*Store, error) {
	if dbPath == "" {
		dbPath = ":memory:"
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes internally; a small pool covers concurrent
	// reads under WAL.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 30000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	store := &Store{
		db:              db,
		dbPath:          dbPath,
		maxLocationRows: DefaultMaxLocationRows,
	}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS location_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		lat REAL NOT NULL,
		lng REAL NOT NULL,
		accuracy_m REAL,
		source TEXT NOT NULL,
		recorded_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_location_history_recorded ON location_history(recorded_at);

	CREATE TABLE IF NOT EXISTS wipe_journal (
		operation_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		items_deleted INTEGER DEFAULT 0,
		items_total INTEGER DEFAULT 0,
		error_message TEXT,
		started_at DATETIME NOT NULL,
		finished_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS agent_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordFix appends an accepted fix to the history and prunes old rows.
// IP-sourced fixes are not recorded; they never become the restart cache.
func (s *Store) RecordFix(fix *agent.Fix) error {
	if fix == nil || fix.Source == agent.SourceIP {
		return nil
	}
	_, err := s.db.Exec(
		`INSERT INTO location_history (lat, lng, accuracy_m, source, recorded_at) VALUES (?, ?, ?, ?, ?)`,
		fix.Latitude, fix.Longitude, fix.AccuracyM, string(fix.Source), fix.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record fix: %w", err)
	}

	_, err = s.db.Exec(
		`DELETE FROM location_history WHERE id NOT IN (
			SELECT id FROM location_history ORDER BY id DESC LIMIT ?)`,
		s.maxLocationRows,
	)
	if err != nil && storageLogger != nil {
		storageLogger.Warn("Failed to prune location history", "error", err)
	}
	return nil
}

// LastFix returns the most recent recorded fix, or nil with no error when
// the history is empty.
func (s *Store) LastFix() (*agent.Fix, error) {
	row := s.db.QueryRow(
		`SELECT lat, lng, accuracy_m, source, recorded_at FROM location_history ORDER BY id DESC LIMIT 1`)

	var fix agent.Fix
	var source string
	err := row.Scan(&fix.Latitude, &fix.Longitude, &fix.AccuracyM, &source, &fix.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load last fix: %w", err)
	}
	fix.Source = agent.FixSource(source)
	return &fix, nil
}

// LocationHistory returns up to limit recent fixes, newest first.
func (s *Store) LocationHistory(limit int) ([]*agent.Fix, error) {
	rows, err := s.db.Query(
		`SELECT lat, lng, accuracy_m, source, recorded_at FROM location_history ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query location history: %w", err)
	}
	defer rows.Close()

	var fixes []*agent.Fix
	for rows.Next() {
		var fix agent.Fix
		var source string
		if err := rows.Scan(&fix.Latitude, &fix.Longitude, &fix.AccuracyM, &source, &fix.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan fix: %w", err)
		}
		fix.Source = agent.FixSource(source)
		fixes = append(fixes, &fix)
	}
	return fixes, rows.Err()
}

// BeginWipe journals the start of a wipe operation. It returns false when
// the operation id was already journaled, which makes execution
// exactly-once across agent restarts.
func (s *Store) BeginWipe(operationID string) (bool, error) {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO wipe_journal (operation_id, status, started_at) VALUES (?, ?, ?)`,
		operationID, string(agent.WipeInProgress), time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to journal wipe start: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FinishWipe records the terminal outcome of a wipe operation.
func (s *Store) FinishWipe(operationID string, status agent.WipeStatus, deleted, total int, errMsg string) error {
	_, err := s.db.Exec(
		`UPDATE wipe_journal SET status = ?, items_deleted = ?, items_total = ?, error_message = ?, finished_at = ?
		 WHERE operation_id = ?`,
		string(status), deleted, total, errMsg, time.Now().UTC(), operationID,
	)
	if err != nil {
		return fmt.Errorf("failed to journal wipe finish: %w", err)
	}
	return nil
}

// WipeRecord returns the journaled job for an operation id, or nil.
func (s *Store) WipeRecord(operationID string) (*agent.WipeJob, error) {
	row := s.db.QueryRow(
		`SELECT operation_id, status, items_deleted, items_total, COALESCE(error_message, '')
		 FROM wipe_journal WHERE operation_id = ?`, operationID)

	var job agent.WipeJob
	var status string
	err := row.Scan(&job.OperationID, &status, &job.ItemsDeleted, &job.ItemsTotal, &job.Error)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load wipe record: %w", err)
	}
	job.Status = agent.WipeStatus(status)
	return &job, nil
}

// GetState reads one agent_state value. A missing key returns "".
func (s *Store) GetState(key string) (string, error) {
	row := s.db.QueryRow(`SELECT value FROM agent_state WHERE key = ?`, key)
	var value string
	err := row.Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read state %q: %w", key, err)
	}
	return value, nil
}

// SetState writes one agent_state value.
func (s *Store) SetState(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO agent_state (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to write state %q: %w", key, err)
	}
	return nil
}
