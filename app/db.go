package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ofirs1988/genwave-sub001/app/config"
	"github.com/ofirs1988/genwave-sub001/app/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

var db *sqlx.DB

var (
	ErrNotFound         = errors.New("not found")
	ErrDBNotInitialized = errors.New("db not initialized")
)

// InitDB opens the Postgres pool and checks connectivity.
func InitDB(ctx context.Context, cfg config.PostgresConfig) error {
	d, err := sqlx.Open("postgres", cfg.DSN())
	if err != nil {
		return fmt.Errorf("sql.Open: %w", err)
	}
	if err := d.PingContext(ctx); err != nil {
		_ = d.Close()
		return fmt.Errorf("db.Ping: %w", err)
	}
	zap.L().Info("connected to postgres", zap.String("host", cfg.URL), zap.String("db", cfg.Name))
	db = d
	return nil
}

// MustInitDB initializes the global db and exits fatally on error.
func MustInitDB(ctx context.Context, cfg config.PostgresConfig) {
	if err := InitDB(ctx, cfg); err != nil {
		zap.L().Fatal("failed to init db", zap.Error(err))
	}
}

// CloseDB releases the pool.
func CloseDB() error {
	if db == nil {
		return nil
	}
	return db.Close()
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// createJob records a new batch dispatch job inside tx.
func createJob(ctx context.Context, tx *sqlx.Tx, requestID int64, totalItems, batchSize, totalBatches int) (models.JobStatus, error) {
	js := models.JobStatus{
		ID:           uuid.NewString(),
		RequestID:    requestID,
		Status:       JobPending,
		TotalItems:   totalItems,
		BatchSize:    batchSize,
		TotalBatches: totalBatches,
	}
	const q = `
        INSERT INTO jobs (id, request_id, total_items, batch_size, total_batches, status)
        VALUES ($1, $2, $3, $4, $5, $6);
    `
	if _, err := tx.ExecContext(ctx, q, js.ID, requestID, totalItems, batchSize, totalBatches, js.Status); err != nil {
		return models.JobStatus{}, err
	}
	zap.L().Info("created job",
		zap.String("job_id", js.ID),
		zap.Int64("request_id", requestID),
		zap.Int("total_items", totalItems),
		zap.Int("total_batches", totalBatches),
	)
	return js, nil
}

// Job statuses.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// advanceJob counts one more finished batch. A job is 'running' until every
// batch has finished, then 'failed' if all of them failed and 'completed'
// otherwise. Cancelled jobs keep their status.
func advanceJob(js models.JobStatus, failed bool) models.JobStatus {
	if failed {
		js.FailedBatches++
	} else {
		js.CompletedBatches++
	}
	switch {
	case js.Status == JobCancelled:
	case js.CompletedBatches+js.FailedBatches < js.TotalBatches:
		js.Status = JobRunning
	case js.FailedBatches >= js.TotalBatches:
		js.Status = JobFailed
	default:
		js.Status = JobCompleted
	}
	return js
}

// UpdateJobProgress records one finished batch for a job.
func UpdateJobProgress(ctx context.Context, jobID string, failed bool) error {
	if db == nil {
		return ErrDBNotInitialized
	}
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var js models.JobStatus
	err = tx.GetContext(ctx, &js, `
        SELECT id, request_id, status, total_items, batch_size,
               completed_batches, failed_batches, total_batches
        FROM jobs
        WHERE id = $1
        FOR UPDATE`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		zap.L().Warn("UpdateJobProgress: no job row found", zap.String("job_id", jobID))
		return nil
	}
	if err != nil {
		return err
	}

	next := advanceJob(js, failed)
	const q = `
        UPDATE jobs
        SET completed_batches = $2, failed_batches = $3, status = $4, updated_at = now()
        WHERE id = $1;
    `
	if _, err := tx.ExecContext(ctx, q, jobID, next.CompletedBatches, next.FailedBatches, next.Status); err != nil {
		return err
	}
	return tx.Commit()
}

// FindJobStatus fetches status and batch counts for a job id.
func FindJobStatus(ctx context.Context, jobID string) (models.JobStatus, error) {
	if db == nil {
		return models.JobStatus{}, ErrDBNotInitialized
	}
	var js models.JobStatus

	const q = `
        SELECT id, request_id, status, total_items, batch_size,
               completed_batches, failed_batches, total_batches
        FROM jobs
        WHERE id = $1;
    `

	if err := db.GetContext(ctx, &js, q, jobID); err != nil {
		return models.JobStatus{}, notFound(err)
	}

	return js, nil
}
