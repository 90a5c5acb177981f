// Package store persists update history in SQLite. It is the system of
// record for what the service attempted and how each attempt ended; the
// in-memory pending registry only covers operations in flight.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/darthnorse/dockmon-update-service/internal/update"
)

// Update record statuses.
const (
	StatusInProgress  = "in_progress"
	StatusSuccess     = "success"
	StatusFailed      = "failed"
	StatusInterrupted = "interrupted" // Service restarted mid-update
)

// ErrRecordNotFound is returned when a tracking record id is unknown.
var ErrRecordNotFound = errors.New("update record not found")

// UpdateRecord is one row of update history.
type UpdateRecord struct {
	ID             int64     `json:"id"`
	HostID         string    `json:"host_id"`
	ContainerID    string    `json:"container_id"`
	ContainerName  string    `json:"container_name"`
	OldImage       string    `json:"old_image"`
	NewImage       string    `json:"new_image"`
	Status         string    `json:"status"`
	Error          string    `json:"error,omitempty"`
	NewContainerID string    `json:"new_container_id,omitempty"`
	RolledBack     bool      `json:"rolled_back,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at,omitempty"`
	DurationMS     int64     `json:"duration_ms,omitempty"`
}

// Store wraps the SQLite database holding update history.
type Store struct {
	db  *sql.DB
	log *logrus.Logger
}

// Open opens (creating if needed) the history database, bootstraps the
// schema, and re-marks records left in_progress by a previous run as
// interrupted.
func Open(dbPath string, log *logrus.Logger) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single-writer workload; WAL keeps readers off the write path
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, log: log}
	if n, err := s.markInterrupted(); err != nil {
		db.Close()
		return nil, err
	} else if n > 0 {
		log.WithField("count", n).Warn("Marked in-flight updates from a previous run as interrupted")
	}

	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS update_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			host_id TEXT NOT NULL,
			container_id TEXT NOT NULL,
			container_name TEXT NOT NULL,
			old_image TEXT NOT NULL,
			new_image TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'in_progress',
			error TEXT,
			new_container_id TEXT,
			rolled_back INTEGER NOT NULL DEFAULT 0,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			duration_ms INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_update_records_host ON update_records(host_id);
		CREATE INDEX IF NOT EXISTS idx_update_records_container ON update_records(host_id, container_id);
		CREATE INDEX IF NOT EXISTS idx_update_records_started ON update_records(started_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// markInterrupted reconciles records orphaned by a crash or restart.
func (s *Store) markInterrupted() (int64, error) {
	result, err := s.db.Exec(
		`UPDATE update_records SET status = ?, error = ?, finished_at = ? WHERE status = ?`,
		StatusInterrupted, "service restarted during update", time.Now().UTC().Format(time.RFC3339), StatusInProgress,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reconcile interrupted updates: %w", err)
	}
	return result.RowsAffected()
}

// CreateRecord inserts an in_progress record and fills in its id.
func (s *Store) CreateRecord(rec *UpdateRecord) error {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	rec.Status = StatusInProgress

	result, err := s.db.Exec(`
		INSERT INTO update_records (
			host_id, container_id, container_name, old_image, new_image, status, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.HostID,
		rec.ContainerID,
		rec.ContainerName,
		rec.OldImage,
		rec.NewImage,
		rec.Status,
		rec.StartedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create update record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get record id: %w", err)
	}
	rec.ID = id

	s.log.WithFields(logrus.Fields{
		"record_id": id,
		"host_id":   rec.HostID,
		"container": rec.ContainerName,
	}).Debug("Created update record")
	return nil
}

// CompleteRecord finalizes a record with the outcome of the update.
func (s *Store) CompleteRecord(id int64, result *update.UpdateResult) error {
	status := StatusFailed
	if result.Success {
		status = StatusSuccess
	}
	now := time.Now().UTC()

	res, err := s.db.Exec(`
		UPDATE update_records SET
			status = ?,
			error = ?,
			new_container_id = ?,
			rolled_back = ?,
			finished_at = ?,
			duration_ms = CAST((julianday(?) - julianday(started_at)) * 86400000 AS INTEGER)
		WHERE id = ?`,
		status,
		result.Error,
		result.NewContainerID,
		boolToInt(result.RolledBack),
		now.Format(time.RFC3339),
		now.Format(time.RFC3339),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to complete update record %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: id %d", ErrRecordNotFound, id)
	}
	return nil
}

// GetRecord loads one record by id.
func (s *Store) GetRecord(id int64) (*UpdateRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, host_id, container_id, container_name, old_image, new_image,
		       status, error, new_container_id, rolled_back, started_at, finished_at, duration_ms
		FROM update_records WHERE id = ?`, id)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: id %d", ErrRecordNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load update record %d: %w", id, err)
	}
	return rec, nil
}

// ListRecords returns the most recent records, newest first. An empty
// hostID lists across all hosts; limit <= 0 applies the default of 50.
func (s *Store) ListRecords(hostID string, limit int) ([]*UpdateRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, host_id, container_id, container_name, old_image, new_image,
		       status, error, new_container_id, rolled_back, started_at, finished_at, duration_ms
		FROM update_records`
	args := []interface{}{}
	if hostID != "" {
		query += ` WHERE host_id = ?`
		args = append(args, hostID)
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list update records: %w", err)
	}
	defer rows.Close()

	var records []*UpdateRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan update record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate update records: %w", err)
	}
	return records, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*UpdateRecord, error) {
	var rec UpdateRecord
	var errMsg, newContainerID, finishedAt sql.NullString
	var rolledBack int
	var durationMS sql.NullInt64
	var startedAt string

	err := row.Scan(
		&rec.ID,
		&rec.HostID,
		&rec.ContainerID,
		&rec.ContainerName,
		&rec.OldImage,
		&rec.NewImage,
		&rec.Status,
		&errMsg,
		&newContainerID,
		&rolledBack,
		&startedAt,
		&finishedAt,
		&durationMS,
	)
	if err != nil {
		return nil, err
	}

	rec.Error = errMsg.String
	rec.NewContainerID = newContainerID.String
	rec.RolledBack = rolledBack != 0
	rec.DurationMS = durationMS.Int64

	rec.StartedAt, err = time.Parse(time.RFC3339, startedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}
	if finishedAt.Valid && finishedAt.String != "" {
		rec.FinishedAt, err = time.Parse(time.RFC3339, finishedAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse finished_at: %w", err)
		}
	}
	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
