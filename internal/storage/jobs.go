package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/spherical/doc-ocr/internal/domain"
)

// JobStatus is the lifecycle state of a queued document job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is one asynchronous document request.
type Job struct {
	ID         uuid.UUID `json:"id"`
	Status     JobStatus `json:"status"`
	Source     string    `json:"source"`
	Prompt     string    `json:"prompt"`
	RequestID  string    `json:"request_id,omitempty"`
	PageCount  int       `json:"page_count"`
	DocPages   int       `json:"images"`
	ResultPath string    `json:"mmd_path,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// JobRepository handles job ledger operations.
type JobRepository struct {
	db DB
}

// NewJobRepository creates a new job repository.
func NewJobRepository(db DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a queued job.
func (r *JobRepository) Create(ctx context.Context, job *Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = JobQueued
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	query := `
		INSERT INTO ocr_jobs (id, status, source, prompt, request_id, page_count, doc_pages, result_path, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := r.db.ExecContext(ctx, query,
		job.ID.String(), string(job.Status), job.Source, job.Prompt, job.RequestID,
		job.PageCount, job.DocPages, job.ResultPath, job.Error, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return domain.PersistenceError("create job", err)
	}
	return nil
}

// GetByID retrieves a job by ID.
func (r *JobRepository) GetByID(ctx context.Context, id uuid.UUID) (*Job, error) {
	query := `
		SELECT id, status, source, prompt, request_id, page_count, doc_pages, result_path, error, created_at, updated_at
		FROM ocr_jobs WHERE id = $1
	`
	var (
		job    Job
		rawID  string
		status string
	)
	err := r.db.QueryRowContext(ctx, query, id.String()).Scan(
		&rawID, &status, &job.Source, &job.Prompt, &job.RequestID,
		&job.PageCount, &job.DocPages, &job.ResultPath, &job.Error, &job.CreatedAt, &job.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, domain.PersistenceError("get job", err)
	}

	job.ID, err = uuid.Parse(rawID)
	if err != nil {
		return nil, domain.PersistenceError("corrupt job id", err)
	}
	job.Status = JobStatus(status)
	return &job, nil
}

// MarkRunning moves a job to running.
func (r *JobRepository) MarkRunning(ctx context.Context, id uuid.UUID) error {
	return r.update(ctx, id, `
		UPDATE ocr_jobs SET status = $1, error = '', updated_at = $2 WHERE id = $3
	`, string(JobRunning), time.Now().UTC(), id.String())
}

// MarkCompleted records the result of a finished job.
func (r *JobRepository) MarkCompleted(ctx context.Context, id uuid.UUID, bundle *domain.OutputBundle) error {
	return r.update(ctx, id, `
		UPDATE ocr_jobs
		SET status = $1, request_id = $2, page_count = $3, doc_pages = $4, result_path = $5, error = '', updated_at = $6
		WHERE id = $7
	`, string(JobCompleted), bundle.RequestID, bundle.PageCount, bundle.DocumentPages,
		bundle.Artifacts.CleanMarkdown, time.Now().UTC(), id.String())
}

// MarkFailed records a job failure.
func (r *JobRepository) MarkFailed(ctx context.Context, id uuid.UUID, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return r.update(ctx, id, `
		UPDATE ocr_jobs SET status = $1, error = $2, updated_at = $3 WHERE id = $4
	`, string(JobFailed), msg, time.Now().UTC(), id.String())
}

func (r *JobRepository) update(ctx context.Context, id uuid.UUID, query string, args ...interface{}) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return domain.PersistenceError("update job "+id.String(), err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return domain.PersistenceError("update job "+id.String(), err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
