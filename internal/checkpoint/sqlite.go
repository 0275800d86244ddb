package checkpoint

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const memoryPath = ":memory:"

// ErrClosed is returned by every method after Close.
var ErrClosed = errors.New("checkpoint store is closed")

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db      *sql.DB
	closed  atomic.Bool
	writeMu sync.Mutex
}

// NewSQLiteStore opens (creating if needed) the store at dbPath. ":memory:"
// gives a private store that lives as long as the value.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(60000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dbPath == memoryPath {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(8)
		db.SetMaxIdleConns(4)
		db.SetConnMaxLifetime(10 * time.Minute)
	}

	store := &SQLiteStore{db: db}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		destination TEXT NOT NULL,
		path TEXT NOT NULL,
		size INTEGER NOT NULL,
		kind TEXT NOT NULL,
		token TEXT NOT NULL,
		bucket TEXT,
		object_key TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (destination, path, size)
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		job_id TEXT,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		database_name TEXT,
		path TEXT,
		location TEXT,
		size INTEGER NOT NULL DEFAULT 0,
		compressed INTEGER NOT NULL DEFAULT 0,
		encrypted INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		started_at DATETIME NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

	CREATE TABLE IF NOT EXISTS schedules (
		id TEXT PRIMARY KEY,
		spec TEXT NOT NULL,
		job BLOB NOT NULL,
		created_at DATETIME NOT NULL
	);
	`

	_, err := s.db.Exec(query)
	return err
}

func (s *SQLiteStore) checkOpen() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// GetSession returns the stored session or nil when there is none.
func (s *SQLiteStore) GetSession(destination, path string, size int64) (*SessionRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var result *SessionRecord
	err := s.retryOnBusy(func() error {
		row := s.db.QueryRow(`
		SELECT destination, path, size, kind, token, bucket, object_key, created_at, updated_at
		FROM sessions WHERE destination = ? AND path = ? AND size = ?
		`, destination, path, size)

		var record SessionRecord
		var bucket, objectKey sql.NullString
		err := row.Scan(
			&record.Destination,
			&record.Path,
			&record.Size,
			&record.Kind,
			&record.Token,
			&bucket,
			&objectKey,
			&record.CreatedAt,
			&record.UpdatedAt,
		)
		if errors.Is(err, sql.ErrNoRows) {
			result = nil
			return nil
		}
		if err != nil {
			return err
		}
		record.Bucket = bucket.String
		record.ObjectKey = objectKey.String
		result = &record
		return nil
	})
	return result, err
}

// SaveSession saves or replaces a session handle
func (s *SQLiteStore) SaveSession(record *SessionRecord) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	return s.write(`
	INSERT INTO sessions
	(destination, path, size, kind, token, bucket, object_key, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(destination, path, size) DO UPDATE SET
		kind = excluded.kind,
		token = excluded.token,
		bucket = excluded.bucket,
		object_key = excluded.object_key,
		updated_at = excluded.updated_at
	`,
		record.Destination,
		record.Path,
		record.Size,
		record.Kind,
		record.Token,
		record.Bucket,
		record.ObjectKey,
		record.CreatedAt,
		record.UpdatedAt,
	)
}

// DeleteSession forgets a session. Deleting a missing session is not an error.
func (s *SQLiteStore) DeleteSession(destination, path string, size int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.write(`DELETE FROM sessions WHERE destination = ? AND path = ? AND size = ?`, destination, path, size)
}

// RecordRun appends an outcome. An empty ID is filled in.
func (s *SQLiteStore) RecordRun(record *RunRecord) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = time.Now().UTC()
	}

	return s.write(`
	INSERT INTO runs
	(id, job_id, kind, status, database_name, path, location, size, compressed, encrypted, attempts, error, started_at, duration_ms)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		record.ID,
		record.JobID,
		record.Kind,
		record.Status,
		record.Database,
		record.Path,
		record.Location,
		record.Size,
		record.Compressed,
		record.Encrypted,
		record.Attempts,
		record.Error,
		record.StartedAt.UTC(),
		record.Duration.Milliseconds(),
	)
}

// ListRuns returns the most recently recorded runs first. limit <= 0 means
// all.
func (s *SQLiteStore) ListRuns(limit int) ([]*RunRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.Query(`
	SELECT id, job_id, kind, status, database_name, path, location, size, compressed, encrypted, attempts, error, started_at, duration_ms
	FROM runs ORDER BY rowid DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*RunRecord
	for rows.Next() {
		var (
			record                                    RunRecord
			jobID, database, path, location, errorMsg sql.NullString
			durationMs                                int64
		)
		err := rows.Scan(
			&record.ID,
			&jobID,
			&record.Kind,
			&record.Status,
			&database,
			&path,
			&location,
			&record.Size,
			&record.Compressed,
			&record.Encrypted,
			&record.Attempts,
			&errorMsg,
			&record.StartedAt,
			&durationMs,
		)
		if err != nil {
			return nil, err
		}
		record.JobID = jobID.String
		record.Database = database.String
		record.Path = path.String
		record.Location = location.String
		record.Error = errorMsg.String
		record.Duration = time.Duration(durationMs) * time.Millisecond
		records = append(records, &record)
	}

	return records, rows.Err()
}

// SaveSchedule inserts or replaces a schedule. An empty ID is filled in.
func (s *SQLiteStore) SaveSchedule(record *ScheduleRecord) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	return s.write(`
	INSERT INTO schedules (id, spec, job, created_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		spec = excluded.spec,
		job = excluded.job
	`, record.ID, record.Spec, record.Job, record.CreatedAt)
}

// ListSchedules returns schedules in creation order.
func (s *SQLiteStore) ListSchedules() ([]*ScheduleRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`SELECT id, spec, job, created_at FROM schedules ORDER BY rowid ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*ScheduleRecord
	for rows.Next() {
		var record ScheduleRecord
		if err := rows.Scan(&record.ID, &record.Spec, &record.Job, &record.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, &record)
	}
	return records, rows.Err()
}

// DeleteSchedule removes a schedule. Unknown ids are an error.
func (s *SQLiteStore) DeleteSchedule(id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		res, err := s.db.Exec(`DELETE FROM schedules WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("schedule %s not found", id)
		}
		return nil
	})
}

// write runs a single statement in a transaction, serialised with other
// writers.
func (s *SQLiteStore) write(query string, args ...any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		if _, err := tx.Exec(query, args...); err != nil {
			return fmt.Errorf("failed to execute statement: %w", err)
		}
		return tx.Commit()
	})
}

// retryOnBusy retries the operation if SQLite is busy
func (s *SQLiteStore) retryOnBusy(operation func() error) error {
	const (
		maxRetries = 10
		baseDelay  = 50 * time.Millisecond
	)

	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = operation()
		if err == nil || !isSQLiteBusyError(err) {
			return err
		}
		delay := baseDelay * time.Duration(1<<uint(attempt))
		jitter := time.Duration(attempt*10) * time.Millisecond
		time.Sleep(delay + jitter)
	}
	return err
}

// isSQLiteBusyError checks if the error is a SQLite busy error
func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	errorStr := err.Error()
	return strings.Contains(errorStr, "database is locked") ||
		strings.Contains(errorStr, "SQLITE_BUSY")
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
