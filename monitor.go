package satextract

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
)

// StatusKind is one of the three lifecycle events a worker reports for
// a dispatched task (spec.md §6).
type StatusKind string

const (
	StatusStarted  StatusKind = "STARTED"
	StatusFinished StatusKind = "FINISHED"
	StatusFailed   StatusKind = "FAILED"
)

// StatusEvent is the payload a Monitor records, keyed by
// (job_id, task_id, storage_path, constellation, timestamp) per spec.md §6.
type StatusEvent struct {
	JobID         string
	TaskID        string
	StoragePath   string
	Constellation string
	Timestamp     time.Time
	Message       string // error detail for FAILED, empty otherwise
}

// Monitor is the pluggable status sink a worker posts lifecycle events
// to (spec.md §4.11).
type Monitor interface {
	Post(ctx context.Context, kind StatusKind, event StatusEvent) error
}

// PGMonitor writes one row per event to a Postgres table, matching the
// teacher's database.go connection-pool conventions.
type PGMonitor struct {
	db    *sql.DB
	table string
}

// NewPGMonitor opens a connection pool against dsn and targets table
// (created out of band; this type only inserts).
func NewPGMonitor(ctx context.Context, dsn, table string) (*PGMonitor, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open monitor database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("ping monitor database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &PGMonitor{db: db, table: table}, nil
}

func (m *PGMonitor) Close() error { return m.db.Close() }

func (m *PGMonitor) Post(ctx context.Context, kind StatusKind, event StatusEvent) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (job_id, task_id, storage_path, constellation, kind, message, posted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, m.table)
	_, err := m.db.ExecContext(ctx, query,
		event.JobID, event.TaskID, event.StoragePath, event.Constellation,
		string(kind), event.Message, event.Timestamp)
	if err != nil {
		return fmt.Errorf("post status event: %w", err)
	}
	return nil
}

// StdoutMonitor logs status events via log/slog, the teacher's default
// local-development logging idiom, for runs with no monitor database.
type StdoutMonitor struct{}

func (StdoutMonitor) Post(ctx context.Context, kind StatusKind, event StatusEvent) error {
	logger := slog.With(
		"kind", string(kind),
		"job_id", event.JobID,
		"task_id", event.TaskID,
		"storage_path", event.StoragePath,
		"constellation", event.Constellation,
	)
	if kind == StatusFailed {
		logger.Error("task status", "message", event.Message)
	} else {
		logger.Info("task status")
	}
	return nil
}
