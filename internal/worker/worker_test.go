package worker

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rally-crm/backend/internal/imports"
	"github.com/rally-crm/backend/internal/memberships"
	"github.com/rally-crm/backend/internal/models"
	"github.com/rally-crm/backend/internal/pipeline"
	"github.com/rally-crm/backend/pkg/queue"
)

type memFiles map[string]string

func (m memFiles) OpenImport(_ context.Context, key string) (io.ReadCloser, error) {
	body, ok := m[key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

type memJobs struct {
	mu           sync.Mutex
	jobs         map[uuid.UUID]*models.ImportJob
	failComplete int
}

func (m *memJobs) GetByID(_ context.Context, id uuid.UUID) (*models.ImportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, imports.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *memJobs) MarkProcessing(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[id].Status = models.ImportStatusProcessing
	return nil
}

func (m *memJobs) MarkPending(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[id].Status = models.ImportStatusPending
	return nil
}

func (m *memJobs) Complete(_ context.Context, id uuid.UUID, res imports.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failComplete > 0 {
		m.failComplete--
		return errors.New("connection reset")
	}
	j := m.jobs[id]
	j.Status = models.ImportStatusCompleted
	j.TotalRows, j.ImportedRows, j.FailedRows = res.Total, res.Imported, res.Failed
	return nil
}

func (m *memJobs) Fail(_ context.Context, id uuid.UUID, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[id].Status = models.ImportStatusFailed
	m.jobs[id].Error = msg
	return nil
}

func (m *memJobs) status(id uuid.UUID) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[id].Status
}

type memEvents map[uuid.UUID]*models.Event

func (m memEvents) GetByID(_ context.Context, id uuid.UUID) (*models.Event, error) {
	ev, ok := m[id]
	if !ok {
		return nil, errors.New("event not found")
	}
	return ev, nil
}

// countingIntake records every contact taken in and can cancel the import context once
// cancelAfter calls have gone through.
type countingIntake struct {
	mu          sync.Mutex
	emails      []string
	cancelAfter int
	cancel      context.CancelFunc
}

func (c *countingIntake) Intake(_ context.Context, _ *models.Event, in memberships.ContactInput, _ string, _ *pipeline.FormPayload) (*memberships.IntakeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emails = append(c.emails, in.Email)
	if c.cancel != nil && len(c.emails) == c.cancelAfter {
		c.cancel()
		c.cancel = nil
	}
	return &memberships.IntakeResult{}, nil
}

func (c *countingIntake) taken() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.emails...)
}

type stubRunner struct {
	mu     sync.Mutex
	calls  int
	err    error
	intake *countingIntake
}

func (s *stubRunner) Resume(ctx context.Context, ev *models.Event, r io.Reader, from imports.Progress) (imports.Result, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return imports.Result{}, s.err
	}
	return imports.NewImporter(s.intake, nil).Resume(ctx, ev, r, from)
}

func (s *stubRunner) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fixture struct {
	q      *queue.Queue
	mr     *miniredis.Miniredis
	jobs   *memJobs
	runner *stubRunner
	files  memFiles
	proc   *ImportProcessor
	job    *models.ImportJob
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q := queue.NewQueue(client, nil)

	ev := &models.Event{ID: uuid.New(), OrganizationID: uuid.New()}
	job := &models.ImportJob{
		ID:             uuid.New(),
		OrganizationID: ev.OrganizationID,
		EventID:        ev.ID,
		ObjectKey:      "imports/a.csv",
		Status:         models.ImportStatusPending,
	}
	jobs := &memJobs{jobs: map[uuid.UUID]*models.ImportJob{job.ID: job}}
	files := memFiles{job.ObjectKey: "name,email\nAda,ada@example.org\nBob,not-an-email\n"}
	runner := &stubRunner{intake: &countingIntake{}}
	proc := NewImportProcessor(q, files, jobs, memEvents{ev.ID: ev}, runner, nil)
	proc.backoff = 0
	return &fixture{q: q, mr: mr, jobs: jobs, runner: runner, files: files, proc: proc, job: job}
}

func (f *fixture) enqueue(t *testing.T) {
	t.Helper()
	require.NoError(t, f.q.EnqueueCSVImport(context.Background(), queue.CSVImportPayload{
		ImportJobID:    f.job.ID,
		OrganizationID: f.job.OrganizationID,
		EventID:        f.job.EventID,
		ObjectKey:      f.job.ObjectKey,
	}))
}

func TestProcessCompletesJob(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t)
	ctx := context.Background()

	job, err := f.q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, f.proc.Process(ctx, job))

	got, _ := f.jobs.GetByID(ctx, f.job.ID)
	assert.Equal(t, models.ImportStatusCompleted, got.Status)
	assert.Equal(t, 2, got.TotalRows)
	assert.Equal(t, 1, got.ImportedRows)
	assert.Equal(t, 1, got.FailedRows)

	// a redelivered job for a completed import is skipped
	require.NoError(t, f.proc.Process(ctx, job))
	assert.Equal(t, 1, f.runner.calls)
}

func TestProcessUnknownImportJobIsPermanent(t *testing.T) {
	f := newFixture(t)
	f.job.ID = uuid.New()
	f.enqueue(t)
	job, err := f.q.Dequeue(context.Background())
	require.NoError(t, err)

	err = f.proc.Process(context.Background(), job)
	assert.ErrorIs(t, err, errPermanent)
}

func TestRunRetriesThenFailsJob(t *testing.T) {
	f := newFixture(t)
	f.runner.err = errors.New("database unavailable")
	f.enqueue(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.proc.Run(ctx)

	require.Eventually(t, func() bool {
		return f.jobs.status(f.job.ID) == models.ImportStatusFailed
	}, 5*time.Second, 20*time.Millisecond)
	cancel()

	f.runner.mu.Lock()
	calls := f.runner.calls
	f.runner.mu.Unlock()
	assert.Equal(t, queue.MaxRetries, calls)
	assert.Empty(t, f.runner.intake.taken())

	dlq, err := f.mr.List(queue.QueueDLQ)
	require.NoError(t, err)
	assert.Len(t, dlq, 1)
}

func runUntilStopped(t *testing.T, ctx context.Context, p *ImportProcessor) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestRunHandsBackJobInterruptedByShutdown(t *testing.T) {
	f := newFixture(t)
	f.files[f.job.ObjectKey] = "email\nada@example.org\ngrace@example.org\nalan@example.org\n"
	f.enqueue(t)

	ctx, cancel := context.WithCancel(context.Background())
	f.runner.intake.cancelAfter = 1
	f.runner.intake.cancel = cancel
	runUntilStopped(t, ctx, f.proc)

	assert.Equal(t, models.ImportStatusPending, f.jobs.status(f.job.ID))
	assert.False(t, f.mr.Exists(queue.QueueDLQ))
	pending, err := f.mr.List(queue.QueueImports)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	job, err := f.q.Dequeue(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 0, job.Attempt)
	payload, err := queue.DecodeCSVImport(job)
	require.NoError(t, err)
	assert.Equal(t, 2, payload.ResumeAfterLine)
	assert.Equal(t, 1, payload.ImportedRows)

	// the next worker picks up where the first stopped
	require.NoError(t, f.proc.Process(context.Background(), job))
	assert.Equal(t, []string{"ada@example.org", "grace@example.org", "alan@example.org"}, f.runner.intake.taken())
	got, _ := f.jobs.GetByID(context.Background(), f.job.ID)
	assert.Equal(t, models.ImportStatusCompleted, got.Status)
	assert.Equal(t, 3, got.ImportedRows)
}

func TestRunRetriesFailedCompleteWithoutReimporting(t *testing.T) {
	f := newFixture(t)
	f.jobs.failComplete = 1
	f.enqueue(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.proc.Run(ctx)

	require.Eventually(t, func() bool {
		return f.jobs.status(f.job.ID) == models.ImportStatusCompleted
	}, 5*time.Second, 20*time.Millisecond)
	cancel()

	assert.Equal(t, 2, f.runner.callCount())
	assert.Equal(t, []string{"ada@example.org"}, f.runner.intake.taken())
	got, _ := f.jobs.GetByID(context.Background(), f.job.ID)
	assert.Equal(t, 1, got.ImportedRows)
	assert.Equal(t, 1, got.FailedRows)
}
