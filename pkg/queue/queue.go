package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// QueueImports is the Redis list key for CSV import jobs.
	QueueImports = "worker:imports"
	// QueueDLQ is the dead-letter queue for failed jobs after retries.
	QueueDLQ = "worker:dlq"
	// MaxRetries is the number of times to retry a job before moving to DLQ.
	MaxRetries = 3
	// RetryBackoff is the delay between retries.
	RetryBackoff = 10 * time.Second
	// dequeueTimeout bounds BLPOP so the worker loop notices cancellation.
	dequeueTimeout = 5 * time.Second
)

// JobType identifies the job kind.
type JobType string

const (
	JobTypeCSVImport JobType = "csv_import"
)

// CSVImportPayload is the payload for CSV import jobs.
type CSVImportPayload struct {
	ImportJobID    uuid.UUID `json:"import_job_id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	EventID        uuid.UUID `json:"event_id"`
	ObjectKey      string    `json:"object_key"`
	// Resume point written back by the worker when an attempt stops part-way.
	ResumeAfterLine int `json:"resume_after_line,omitempty"`
	ImportedRows    int `json:"imported_rows,omitempty"`
	FailedRows      int `json:"failed_rows,omitempty"`
}

// Job is a generic job envelope.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`
}

// Queue enqueues and dequeues jobs via Redis lists.
type Queue struct {
	client *redis.Client
	logger *zap.Logger
}

// NewQueue creates a new Redis-backed job queue.
func NewQueue(client *redis.Client, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, logger: logger}
}

// EnqueueCSVImport enqueues a CSV import job.
func (q *Queue) EnqueueCSVImport(ctx context.Context, payload CSVImportPayload) error {
	job, err := q.enqueue(ctx, QueueImports, JobTypeCSVImport, payload)
	if err != nil {
		return err
	}
	q.logger.Debug("enqueued csv import job", zap.String("job_id", job.ID), zap.String("import_job_id", payload.ImportJobID.String()))
	return nil
}

func (q *Queue) enqueue(ctx context.Context, key string, typ JobType, payload any) (*Job, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	job := &Job{
		ID:        uuid.New().String(),
		Type:      typ,
		Payload:   body,
		CreatedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, key, raw).Err(); err != nil {
		return nil, fmt.Errorf("rpush: %w", err)
	}
	return job, nil
}

// Dequeue waits briefly for a job. A nil job with nil error means the wait timed out
// or the entry was malformed.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	result, err := q.client.BLPop(ctx, dequeueTimeout, QueueImports).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(result) < 2 {
		return nil, nil
	}
	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		q.logger.Warn("invalid job payload", zap.String("raw", result[1]), zap.Error(err))
		return nil, nil
	}
	return &job, nil
}

// Retry re-enqueues a job with incremented attempt. If attempt >= MaxRetries, pushes to DLQ instead.
func (q *Queue) Retry(ctx context.Context, job *Job) error {
	job.Attempt++
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if job.Attempt >= MaxRetries {
		if err := q.client.RPush(ctx, QueueDLQ, raw).Err(); err != nil {
			q.logger.Error("dlq push failed", zap.Error(err), zap.String("job_id", job.ID))
			return err
		}
		q.logger.Warn("job moved to DLQ", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
		return nil
	}
	if err := q.client.RPush(ctx, QueueImports, raw).Err(); err != nil {
		return err
	}
	q.logger.Info("job retried", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	return nil
}

// Requeue puts a job back on the imports queue without counting an attempt,
// e.g. when the worker was stopped mid-job.
func (q *Queue) Requeue(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if err := q.client.RPush(ctx, QueueImports, raw).Err(); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	q.logger.Info("job requeued", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	return nil
}

// SetCSVImport replaces a job's payload, keeping its id and attempt count.
func SetCSVImport(job *Job, p CSVImportPayload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	job.Payload = body
	return nil
}

// DecodeCSVImport unmarshals a CSV import job payload.
func DecodeCSVImport(job *Job) (CSVImportPayload, error) {
	var p CSVImportPayload
	if job.Type != JobTypeCSVImport {
		return p, fmt.Errorf("unexpected job type %q", job.Type)
	}
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return p, fmt.Errorf("unmarshal payload: %w", err)
	}
	return p, nil
}
