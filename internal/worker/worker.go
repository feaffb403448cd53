package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rally-crm/backend/internal/imports"
	"github.com/rally-crm/backend/internal/models"
	"github.com/rally-crm/backend/pkg/queue"
)

// errPermanent marks failures a retry cannot fix.
var errPermanent = errors.New("permanent job failure")

// requeueTimeout bounds the writes that hand a job back after the worker was cancelled.
const requeueTimeout = 5 * time.Second

// JobQueue is the Redis job queue.
type JobQueue interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
	Requeue(ctx context.Context, job *queue.Job) error
}

// ObjectStore reads uploaded CSV files.
type ObjectStore interface {
	OpenImport(ctx context.Context, key string) (io.ReadCloser, error)
}

// JobStore tracks import job status.
type JobStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.ImportJob, error)
	MarkProcessing(ctx context.Context, id uuid.UUID) error
	MarkPending(ctx context.Context, id uuid.UUID) error
	Complete(ctx context.Context, id uuid.UUID, res imports.Result) error
	Fail(ctx context.Context, id uuid.UUID, msg string) error
}

// EventLookup loads the event an import targets.
type EventLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Event, error)
}

// Runner imports CSV rows, resuming after lines an earlier attempt committed. *imports.Importer implements it.
type Runner interface {
	Resume(ctx context.Context, ev *models.Event, r io.Reader, from imports.Progress) (imports.Result, error)
}

// ImportProcessor processes CSV import jobs: read the upload from S3, run intake per row, record the result.
type ImportProcessor struct {
	queue    JobQueue
	files    ObjectStore
	jobs     JobStore
	events   EventLookup
	importer Runner
	backoff  time.Duration
	logger   *zap.Logger
}

// NewImportProcessor creates a CSV import processor.
func NewImportProcessor(q JobQueue, files ObjectStore, jobs JobStore, evs EventLookup, importer Runner, logger *zap.Logger) *ImportProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ImportProcessor{
		queue:    q,
		files:    files,
		jobs:     jobs,
		events:   evs,
		importer: importer,
		backoff:  queue.RetryBackoff,
		logger:   logger,
	}
}

// Process executes one import job.
func (p *ImportProcessor) Process(ctx context.Context, job *queue.Job) error {
	payload, err := queue.DecodeCSVImport(job)
	if err != nil {
		return fmt.Errorf("%w: %v", errPermanent, err)
	}

	ij, err := p.jobs.GetByID(ctx, payload.ImportJobID)
	if err != nil {
		if errors.Is(err, imports.ErrNotFound) {
			return fmt.Errorf("%w: import job %s not found", errPermanent, payload.ImportJobID)
		}
		return fmt.Errorf("load import job: %w", err)
	}
	if ij.Status == models.ImportStatusCompleted {
		p.logger.Info("import already completed", zap.String("import_job_id", ij.ID.String()))
		return nil
	}

	ev, err := p.events.GetByID(ctx, ij.EventID)
	if err != nil {
		return fmt.Errorf("%w: event %s: %v", errPermanent, ij.EventID, err)
	}
	if err := p.jobs.MarkProcessing(ctx, ij.ID); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	body, err := p.files.OpenImport(ctx, ij.ObjectKey)
	if err != nil {
		return fmt.Errorf("open upload: %w", err)
	}
	defer body.Close()

	from := imports.Progress{
		AfterLine: payload.ResumeAfterLine,
		Imported:  payload.ImportedRows,
		Failed:    payload.FailedRows,
	}
	res, err := p.importer.Resume(ctx, ev, body, from)
	if err != nil {
		if errors.Is(err, imports.ErrNoEmailColumn) {
			return fmt.Errorf("%w: %v", errPermanent, err)
		}
		p.checkpoint(job, payload, res)
		return fmt.Errorf("run import: %w", err)
	}
	if err := p.jobs.Complete(ctx, ij.ID, res); err != nil {
		// rows are committed; a retry only has to record the result
		p.checkpoint(job, payload, res)
		return fmt.Errorf("complete import: %w", err)
	}

	p.logger.Info("import completed",
		zap.String("import_job_id", ij.ID.String()),
		zap.Int("total", res.Total),
		zap.Int("imported", res.Imported),
		zap.Int("failed", res.Failed),
	)
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error. Jobs that exhaust their
// retries, or fail permanently, mark the import job failed.
func (p *ImportProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("import worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.wait(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		err = p.Process(ctx, job)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			p.handBack(ctx, job)
			continue
		}
		p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))

		if errors.Is(err, errPermanent) {
			p.fail(ctx, job, err)
			continue
		}
		if reErr := p.queue.Retry(ctx, job); reErr != nil {
			p.logger.Error("retry enqueue failed", zap.Error(reErr))
		}
		if job.Attempt >= queue.MaxRetries {
			p.fail(ctx, job, err)
			continue
		}
		p.wait(ctx)
	}
}

// checkpoint records in the job payload how far res got, so the next attempt skips committed rows.
func (p *ImportProcessor) checkpoint(job *queue.Job, payload queue.CSVImportPayload, res imports.Result) {
	if res.LastLine <= payload.ResumeAfterLine {
		return
	}
	payload.ResumeAfterLine = res.LastLine
	payload.ImportedRows = res.Imported
	payload.FailedRows = res.Failed
	if err := queue.SetCSVImport(job, payload); err != nil {
		p.logger.Warn("checkpoint import job", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// handBack returns a job interrupted by shutdown to the queue without counting an attempt.
func (p *ImportProcessor) handBack(ctx context.Context, job *queue.Job) {
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), requeueTimeout)
	defer cancel()
	if err := p.queue.Requeue(bg, job); err != nil {
		p.logger.Error("requeue interrupted job", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	payload, err := queue.DecodeCSVImport(job)
	if err != nil {
		return
	}
	if err := p.jobs.MarkPending(bg, payload.ImportJobID); err != nil {
		p.logger.Error("mark import pending", zap.Error(err), zap.String("import_job_id", payload.ImportJobID.String()))
	}
	p.logger.Info("interrupted import requeued", zap.String("job_id", job.ID), zap.String("import_job_id", payload.ImportJobID.String()))
}

func (p *ImportProcessor) fail(ctx context.Context, job *queue.Job, cause error) {
	payload, err := queue.DecodeCSVImport(job)
	if err != nil {
		return
	}
	if err := p.jobs.Fail(ctx, payload.ImportJobID, cause.Error()); err != nil {
		p.logger.Error("mark import failed", zap.Error(err), zap.String("import_job_id", payload.ImportJobID.String()))
	}
}

func (p *ImportProcessor) wait(ctx context.Context) {
	if p.backoff <= 0 {
		return
	}
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
