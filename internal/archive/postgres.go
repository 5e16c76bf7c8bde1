// Package archive keeps a durable Postgres history of finished generations.
// The status store stays authoritative for live jobs; the archive only ever
// sees terminal records.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"generation-tracker/internal/models"
)

// DBTX is the subset of pgxpool.Pool the archive needs.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	db   DBTX
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{db: pool, pool: pool}, nil
}

// NewWithDB builds a store over an existing connection or transaction.
func NewWithDB(db DBTX) *Store {
	return &Store{db: db}
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	return s.pool.Ping(ctx)
}

// RecordTerminal upserts a finished job. Non-terminal jobs are ignored.
func (s *Store) RecordTerminal(ctx context.Context, job models.Job) error {
	if !job.Status.IsTerminal() {
		return nil
	}
	var resultJSON []byte
	if job.Result != nil {
		var err error
		if resultJSON, err = json.Marshal(job.Result); err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
	}
	finished := job.UpdatedAt
	if finished.IsZero() {
		finished = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO generation_history (id, kind, status, stage, result, error, external_ref, created_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, stage = EXCLUDED.stage, result = EXCLUDED.result,
		    error = EXCLUDED.error, external_ref = EXCLUDED.external_ref, finished_at = EXCLUDED.finished_at
	`, job.ID, job.Kind, string(job.Status), job.Stage, resultJSON, emptyToNil(job.Error), emptyToNil(job.ExternalRef), job.CreatedAt, finished)
	if err != nil {
		return fmt.Errorf("record job %s: %w", job.ID, err)
	}
	return nil
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// Recent lists the most recently finished jobs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]models.Job, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, kind, status, stage, result, error, created_at, finished_at
		FROM generation_history
		ORDER BY finished_at DESC
		LIMIT $1
	`, ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	out := []models.Job{}
	for rows.Next() {
		var (
			job        models.Job
			status     string
			resultJSON []byte
			errText    pgtype.Text
		)
		if err := rows.Scan(&job.ID, &job.Kind, &status, &job.Stage, &resultJSON, &errText, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		job.Status = models.Status(status)
		if len(resultJSON) > 0 {
			if err := json.Unmarshal(resultJSON, &job.Result); err != nil {
				return nil, fmt.Errorf("unmarshal result: %w", err)
			}
		}
		if errText.Valid {
			job.Error = errText.String
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// AuditTrail returns a job's audit events in order.
func (s *Store) AuditTrail(ctx context.Context, jobID string) ([]models.AuditLog, error) {
	rows, err := s.db.Query(ctx, `
		SELECT job_id, event, detail, ts FROM audit_logs WHERE job_id = $1 ORDER BY ts, id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	out := []models.AuditLog{}
	for rows.Next() {
		var a models.AuditLog
		if err := rows.Scan(&a.JobID, &a.Event, &a.Detail, &a.Recorded); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ClampLimit bounds list sizes to 1..200, defaulting to 20.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 20
	case limit > 200:
		return 200
	}
	return limit
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
