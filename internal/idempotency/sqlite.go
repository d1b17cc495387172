package idempotency

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists idempotency records in SQLite so deduplication
// survives process restarts.
type SQLiteStore struct {
	db      *sql.DB
	closed  bool
	writeMu sync.Mutex
}

// NewSQLiteStore opens (or creates) the record database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// WAL and a long busy timeout for concurrent writers.
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=60000", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open idempotency database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(10 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS records (
		key_hash TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		batch_id TEXT NOT NULL,
		status TEXT NOT NULL,
		result TEXT,
		error TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_status ON records(status);
	CREATE INDEX IF NOT EXISTS idx_records_batch ON records(batch_id);
	`
	_, err := s.db.Exec(query)
	return err
}

func (s *SQLiteStore) Get(keyHash string) (*Record, error) {
	if s.closed {
		return nil, fmt.Errorf("idempotency store is closed")
	}

	var rec *Record
	err := s.retryOnBusy(func() error {
		var err error
		rec, err = s.getInternal(keyHash)
		return err
	})
	return rec, err
}

func (s *SQLiteStore) getInternal(keyHash string) (*Record, error) {
	query := `
	SELECT key_hash, task_id, batch_id, status, result, error, created_at, updated_at
	FROM records WHERE key_hash = ?
	`
	row := s.db.QueryRow(query, keyHash)

	var rec Record
	var result, errMsg sql.NullString
	err := row.Scan(
		&rec.KeyHash,
		&rec.TaskID,
		&rec.BatchID,
		&rec.Status,
		&result,
		&errMsg,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if result.Valid {
		rec.Result = result.String
	}
	if errMsg.Valid {
		rec.Error = errMsg.String
	}
	return &rec, nil
}

func (s *SQLiteStore) MarkPending(keyHash, taskID, batchID string) (*Record, error) {
	if s.closed {
		return nil, fmt.Errorf("idempotency store is closed")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if existing, err := s.getInternal(keyHash); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	now := time.Now()
	rec := &Record{
		KeyHash:   keyHash,
		TaskID:    taskID,
		BatchID:   batchID,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.retryOnBusy(func() error {
		query := `
		INSERT INTO records (key_hash, task_id, batch_id, status, result, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, NULL, NULL, ?, ?)
		ON CONFLICT(key_hash) DO NOTHING
		`
		_, err := s.db.Exec(query, rec.KeyHash, rec.TaskID, rec.BatchID, rec.Status, rec.CreatedAt, rec.UpdatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *SQLiteStore) MarkCompleted(keyHash, result string) error {
	if s.closed {
		return fmt.Errorf("idempotency store is closed")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		now := time.Now()
		query := `
		INSERT INTO records (key_hash, task_id, batch_id, status, result, error, created_at, updated_at)
		VALUES (?, '', '', ?, ?, NULL, ?, ?)
		ON CONFLICT(key_hash) DO UPDATE SET
			status = excluded.status,
			result = excluded.result,
			error = NULL,
			updated_at = excluded.updated_at
		`
		_, err := s.db.Exec(query, keyHash, StatusCompleted, result, now, now)
		return err
	})
}

func (s *SQLiteStore) MarkFailed(keyHash, errMsg string) error {
	if s.closed {
		return fmt.Errorf("idempotency store is closed")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		now := time.Now()
		// Completed records are authoritative and stay completed.
		query := `
		INSERT INTO records (key_hash, task_id, batch_id, status, result, error, created_at, updated_at)
		VALUES (?, '', '', ?, NULL, ?, ?, ?)
		ON CONFLICT(key_hash) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			updated_at = excluded.updated_at
		WHERE records.status != 'completed'
		`
		_, err := s.db.Exec(query, keyHash, StatusFailed, errMsg, now, now)
		return err
	})
}

// retryOnBusy retries an operation when SQLite reports lock contention.
func (s *SQLiteStore) retryOnBusy(operation func() error) error {
	const maxRetries = 10
	baseDelay := 50 * time.Millisecond

	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = operation()
		if err == nil {
			return nil
		}
		if !isBusyError(err) || attempt == maxRetries-1 {
			return err
		}
		time.Sleep(baseDelay * time.Duration(1<<uint(attempt)))
	}
	return err
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.closed = true
	return s.db.Close()
}
