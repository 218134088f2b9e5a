package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/relatecrm/relate-sdk/modules/crm/domain/entities/importjob"
	"github.com/relatecrm/relate-sdk/modules/crm/domain/entities/importschema"
	"github.com/relatecrm/relate-sdk/modules/crm/domain/sink"
	"github.com/relatecrm/relate-sdk/pkg/eventbus"
	"github.com/relatecrm/relate-sdk/pkg/tabular"
)

// ---- in-memory job repository ----

type jobState struct {
	job             importjob.ImportJob
	status          importjob.Status
	counters        importjob.Counters
	rowErrors       []importjob.RowError
	errorsTruncated bool
	cancelRequested bool
	startedAt       *time.Time
	completedAt     *time.Time
}

type memoryJobRepository struct {
	mu        sync.Mutex
	states    map[uuid.UUID]*jobState
	maxErrors int

	// cancelWhenProcessed flips the cancel flag once Processed reaches the
	// threshold, emulating a user cancelling mid-run.
	cancelWhenProcessed int

	progressLog []int
}

func newMemoryJobRepository() *memoryJobRepository {
	return &memoryJobRepository{states: map[uuid.UUID]*jobState{}, maxErrors: 1000}
}

func (r *memoryJobRepository) materialize(s *jobState) importjob.ImportJob {
	return importjob.Hydrate(
		s.job.ID(),
		s.job.TenantID(),
		s.job.Entity(),
		s.job.Filename(),
		s.job.FileSize(),
		s.job.ColumnMapping(),
		s.job.Settings(),
		s.status,
		s.counters,
		append([]importjob.RowError(nil), s.rowErrors...),
		s.errorsTruncated,
		s.cancelRequested,
		s.startedAt,
		s.completedAt,
		s.job.CreatedAt(),
	)
}

func (r *memoryJobRepository) Create(_ context.Context, job importjob.ImportJob) (importjob.ImportJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[job.ID()] = &jobState{job: job, status: job.Status(), counters: job.Counters()}
	return job, nil
}

func (r *memoryJobRepository) GetByID(_ context.Context, id uuid.UUID) (importjob.ImportJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[id]
	if !ok {
		return importjob.ImportJob{}, importjob.ErrNotFound
	}
	return r.materialize(s), nil
}

func (r *memoryJobRepository) ListRecent(_ context.Context, _ *importjob.FindParams) ([]importjob.ImportJob, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]importjob.ImportJob, 0, len(r.states))
	for _, s := range r.states {
		out = append(out, r.materialize(s))
	}
	return out, int64(len(out)), nil
}

func (r *memoryJobRepository) Start(_ context.Context, id uuid.UUID) (importjob.ImportJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[id]
	if !ok {
		return importjob.ImportJob{}, importjob.ErrNotFound
	}
	if !s.status.CanTransition(importjob.StatusProcessing) {
		return importjob.ImportJob{}, importjob.ErrInvalidTransition
	}
	now := time.Now()
	s.status = importjob.StatusProcessing
	s.startedAt = &now
	return r.materialize(s), nil
}

func (r *memoryJobRepository) ApplyBatch(_ context.Context, id uuid.UUID, delta importjob.BatchDelta, rowErrors []importjob.RowError) (importjob.Counters, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[id]
	if !ok {
		return importjob.Counters{}, importjob.ErrNotFound
	}
	s.counters.Processed += delta.Processed
	s.counters.Successful += delta.Successful
	s.counters.Failed += delta.Failed
	s.counters.Skipped += delta.Skipped
	if err := s.counters.Invariant(); err != nil {
		return importjob.Counters{}, err
	}
	for _, rowErr := range rowErrors {
		if len(s.rowErrors) >= r.maxErrors {
			s.errorsTruncated = true
			break
		}
		s.rowErrors = append(s.rowErrors, rowErr)
	}
	r.progressLog = append(r.progressLog, s.counters.Progress())
	if r.cancelWhenProcessed > 0 && s.counters.Processed >= r.cancelWhenProcessed {
		s.cancelRequested = true
	}
	return s.counters, nil
}

func (r *memoryJobRepository) Finish(_ context.Context, id uuid.UUID, status importjob.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[id]
	if !ok {
		return importjob.ErrNotFound
	}
	if !s.status.CanTransition(status) {
		return importjob.ErrInvalidTransition
	}
	now := time.Now()
	s.status = status
	s.completedAt = &now
	return nil
}

func (r *memoryJobRepository) RequestCancel(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[id]
	if !ok {
		return importjob.ErrNotFound
	}
	s.cancelRequested = true
	return nil
}

func (r *memoryJobRepository) CancelRequested(_ context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[id]
	if !ok {
		return false, importjob.ErrNotFound
	}
	return s.cancelRequested, nil
}

// ---- in-memory record sink ----

type memorySink struct {
	mu      sync.Mutex
	byKey   map[string]uuid.UUID
	inserts int
	updates int

	insertErr error
	lookupErr error
}

func newMemorySink() *memorySink {
	return &memorySink{byKey: map[string]uuid.UUID{}}
}

func (s *memorySink) key(schema importschema.Schema, record sink.Record) (string, bool) {
	for _, fieldID := range schema.NaturalKey {
		if !record.IsEmpty(fieldID) {
			return fieldID + "=" + record.Text(fieldID), true
		}
	}
	return "", false
}

func (s *memorySink) seed(schema importschema.Schema, record sink.Record) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	if k, ok := s.key(schema, record); ok {
		s.byKey[k] = id
	}
	return id
}

func (s *memorySink) LookupNaturalKey(_ context.Context, schema importschema.Schema, record sink.Record) (uuid.UUID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookupErr != nil {
		return uuid.Nil, false, s.lookupErr
	}
	k, ok := s.key(schema, record)
	if !ok {
		return uuid.Nil, false, nil
	}
	id, found := s.byKey[k]
	return id, found, nil
}

func (s *memorySink) Insert(_ context.Context, schema importschema.Schema, record sink.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	s.inserts++
	if k, ok := s.key(schema, record); ok {
		s.byKey[k] = uuid.New()
	}
	return nil
}

func (s *memorySink) Update(_ context.Context, _ importschema.Schema, _ uuid.UUID, _ sink.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates++
	return nil
}

// ---- helpers ----

func contactRow(email, firstName string) tabular.Row {
	row := tabular.Row{}
	if email != "" {
		row["Correo"] = tabular.String(email)
	}
	if firstName != "" {
		row["Nombre"] = tabular.String(firstName)
	}
	return row
}

func contactMapping() map[string]string {
	return map[string]string{"Correo": "email", "Nombre": "first_name"}
}

func createPendingJob(t *testing.T, repo *memoryJobRepository, settings importjob.Settings, total int) importjob.ImportJob {
	t.Helper()
	job := importjob.New(uuid.New(), importschema.EntityContact, "contacts.csv", 1024, contactMapping(), settings, total)
	created, err := repo.Create(context.Background(), job)
	require.NoError(t, err)
	return created
}

func newTestProcessor(repo *memoryJobRepository, records sink.RecordSink, cfg ProcessorConfig) *ImportProcessor {
	return NewImportProcessor(repo, records, eventbus.NewEventPublisher(nil), cfg)
}

// ---- tests ----

func TestProcess_RowFailureDoesNotAbortJob(t *testing.T) {
	repo := newMemoryJobRepository()
	records := newMemorySink()
	processor := newTestProcessor(repo, records, ProcessorConfig{BatchSize: 2, Workers: 2})

	rows := []tabular.Row{
		contactRow("ana@example.com", "Ana"),
		contactRow("", "Luis"), // required email missing
		contactRow("eva@example.com", "Eva"),
	}
	job := createPendingJob(t, repo, importjob.Settings{}, len(rows))

	require.NoError(t, processor.Process(context.Background(), job, rows))

	got, err := repo.GetByID(context.Background(), job.ID())
	require.NoError(t, err)
	require.Equal(t, importjob.StatusCompleted, got.Status())
	require.Equal(t, importjob.Counters{Total: 3, Processed: 3, Successful: 2, Failed: 1}, got.Counters())
	require.Equal(t, 100, got.Progress())
	require.NotNil(t, got.StartedAt())
	require.NotNil(t, got.CompletedAt())

	require.Len(t, got.RowErrors(), 1)
	require.Equal(t, 2, got.RowErrors()[0].RowIndex)
	require.Equal(t, "email", got.RowErrors()[0].Field)
	require.Contains(t, got.RowErrors()[0].Message, "email")
	require.Equal(t, 2, records.inserts)
}

func TestProcess_PartialFailuresTolerated(t *testing.T) {
	repo := newMemoryJobRepository()
	records := newMemorySink()
	processor := newTestProcessor(repo, records, ProcessorConfig{BatchSize: 4, Workers: 3})

	var rows []tabular.Row
	for i := 0; i < 9; i++ {
		rows = append(rows, contactRow(fmt.Sprintf("user%d@example.com", i), "User"))
	}
	rows = append(rows, contactRow("not-an-email", "Broken"))
	job := createPendingJob(t, repo, importjob.Settings{ValidateEmails: true}, len(rows))

	require.NoError(t, processor.Process(context.Background(), job, rows))

	got, err := repo.GetByID(context.Background(), job.ID())
	require.NoError(t, err)
	require.Equal(t, importjob.StatusCompleted, got.Status())
	require.Equal(t, 10, got.Counters().Processed)
	require.Equal(t, 9, got.Counters().Successful)
	require.Equal(t, 1, got.Counters().Failed)
	require.Len(t, got.RowErrors(), 1)
	require.Equal(t, 10, got.RowErrors()[0].RowIndex)
}

func TestProcess_ProgressIsMonotonic(t *testing.T) {
	repo := newMemoryJobRepository()
	processor := newTestProcessor(repo, newMemorySink(), ProcessorConfig{BatchSize: 3, Workers: 2})

	var rows []tabular.Row
	for i := 0; i < 10; i++ {
		rows = append(rows, contactRow(fmt.Sprintf("user%d@example.com", i), "User"))
	}
	job := createPendingJob(t, repo, importjob.Settings{}, len(rows))

	require.NoError(t, processor.Process(context.Background(), job, rows))

	require.NotEmpty(t, repo.progressLog)
	prev := 0
	for _, progress := range repo.progressLog {
		require.GreaterOrEqual(t, progress, prev)
		prev = progress
	}
	require.Equal(t, 100, prev)
}

func TestProcess_CancelHonoredAtBatchBoundary(t *testing.T) {
	repo := newMemoryJobRepository()
	repo.cancelWhenProcessed = 40
	processor := newTestProcessor(repo, newMemorySink(), ProcessorConfig{BatchSize: 20, Workers: 4})

	var rows []tabular.Row
	for i := 0; i < 100; i++ {
		rows = append(rows, contactRow(fmt.Sprintf("user%d@example.com", i), "User"))
	}
	job := createPendingJob(t, repo, importjob.Settings{}, len(rows))

	require.NoError(t, processor.Process(context.Background(), job, rows))

	got, err := repo.GetByID(context.Background(), job.ID())
	require.NoError(t, err)
	require.Equal(t, importjob.StatusCancelled, got.Status())
	// Rows processed before the cancel stay committed.
	require.Equal(t, 40, got.Counters().Processed)
	require.Equal(t, 40, got.Counters().Successful)
	require.NotNil(t, got.CompletedAt())
}

func TestProcess_SkipDuplicates(t *testing.T) {
	repo := newMemoryJobRepository()
	records := newMemorySink()
	records.seed(mustSchema(t), sink.Record{"email": tabular.String("ana@example.com")})
	processor := newTestProcessor(repo, records, ProcessorConfig{BatchSize: 10, Workers: 1})

	rows := []tabular.Row{
		contactRow("ana@example.com", "Ana"),
		contactRow("new@example.com", "Eva"),
	}
	job := createPendingJob(t, repo, importjob.Settings{SkipDuplicates: true}, len(rows))

	require.NoError(t, processor.Process(context.Background(), job, rows))

	got, err := repo.GetByID(context.Background(), job.ID())
	require.NoError(t, err)
	require.Equal(t, importjob.Counters{Total: 2, Processed: 2, Successful: 1, Skipped: 1}, got.Counters())
	require.Equal(t, 1, records.inserts)
	require.Equal(t, 0, records.updates)
}

func TestProcess_UpdateExisting(t *testing.T) {
	repo := newMemoryJobRepository()
	records := newMemorySink()
	records.seed(mustSchema(t), sink.Record{"email": tabular.String("ana@example.com")})
	processor := newTestProcessor(repo, records, ProcessorConfig{BatchSize: 10, Workers: 1})

	rows := []tabular.Row{contactRow("ana@example.com", "Ana María")}
	job := createPendingJob(t, repo, importjob.Settings{UpdateExisting: true}, len(rows))

	require.NoError(t, processor.Process(context.Background(), job, rows))

	got, err := repo.GetByID(context.Background(), job.ID())
	require.NoError(t, err)
	require.Equal(t, importjob.Counters{Total: 1, Processed: 1, Successful: 1}, got.Counters())
	require.Equal(t, 1, records.updates)
	require.Equal(t, 0, records.inserts)
}

func TestProcess_SustainedWriteFailuresFailThePipeline(t *testing.T) {
	repo := newMemoryJobRepository()
	records := newMemorySink()
	records.insertErr = fmt.Errorf("connection refused")
	processor := newTestProcessor(repo, records, ProcessorConfig{
		BatchSize:                 5,
		Workers:                   2,
		MaxConsecutiveWriteFaults: 5,
	})

	var rows []tabular.Row
	for i := 0; i < 8; i++ {
		rows = append(rows, contactRow(fmt.Sprintf("user%d@example.com", i), "User"))
	}
	job := createPendingJob(t, repo, importjob.Settings{}, len(rows))

	err := processor.Process(context.Background(), job, rows)
	require.Error(t, err)
	require.Contains(t, err.Error(), "consecutive")

	got, repoErr := repo.GetByID(context.Background(), job.ID())
	require.NoError(t, repoErr)
	require.Equal(t, importjob.StatusFailed, got.Status())
	// The first batch was accounted before escalation.
	require.Equal(t, 5, got.Counters().Processed)
	require.Equal(t, 5, got.Counters().Failed)
}

func TestProcess_FailureEventCarriesAppliedCounters(t *testing.T) {
	repo := newMemoryJobRepository()
	records := newMemorySink()
	records.insertErr = fmt.Errorf("connection refused")

	bus := eventbus.NewEventPublisher(nil)
	var finished *importjob.FinishedEvent
	bus.Subscribe(func(e *importjob.FinishedEvent) { finished = e })
	processor := NewImportProcessor(repo, records, bus, ProcessorConfig{
		BatchSize:                 5,
		Workers:                   2,
		MaxConsecutiveWriteFaults: 5,
	})

	var rows []tabular.Row
	for i := 0; i < 8; i++ {
		rows = append(rows, contactRow(fmt.Sprintf("user%d@example.com", i), "User"))
	}
	job := createPendingJob(t, repo, importjob.Settings{}, len(rows))

	require.Error(t, processor.Process(context.Background(), job, rows))

	// The event reflects the batches applied before escalation, not the
	// counters snapshot the job started with.
	require.NotNil(t, finished)
	require.Equal(t, importjob.StatusFailed, finished.Status)
	require.Equal(t, 5, finished.Counters.Processed)
	require.Equal(t, 5, finished.Counters.Failed)
}

func TestProcess_DuplicatesWithinOneBatch(t *testing.T) {
	repo := newMemoryJobRepository()
	records := newMemorySink()
	processor := newTestProcessor(repo, records, ProcessorConfig{BatchSize: 10, Workers: 4})

	// All four rows land in the same batch; the repeated email must not
	// slip past dedup just because another worker had not written it yet.
	rows := []tabular.Row{
		contactRow("ana@example.com", "Ana"),
		contactRow("ana@example.com", "Ana María"),
		contactRow("eva@example.com", "Eva"),
		contactRow("ana@example.com", "Ana Belén"),
	}
	job := createPendingJob(t, repo, importjob.Settings{SkipDuplicates: true}, len(rows))

	require.NoError(t, processor.Process(context.Background(), job, rows))

	got, err := repo.GetByID(context.Background(), job.ID())
	require.NoError(t, err)
	require.Equal(t, importjob.Counters{Total: 4, Processed: 4, Successful: 2, Skipped: 2}, got.Counters())
	require.Equal(t, 2, records.inserts)
	require.Equal(t, 0, records.updates)
}

func TestProcess_SingleWriteTimeoutIsARowFailure(t *testing.T) {
	repo := newMemoryJobRepository()
	records := newMemorySink()
	records.insertErr = context.DeadlineExceeded
	processor := newTestProcessor(repo, records, ProcessorConfig{
		BatchSize:                 10,
		Workers:                   1,
		MaxConsecutiveWriteFaults: 5,
	})

	rows := []tabular.Row{contactRow("ana@example.com", "Ana")}
	job := createPendingJob(t, repo, importjob.Settings{}, len(rows))

	require.NoError(t, processor.Process(context.Background(), job, rows))

	got, err := repo.GetByID(context.Background(), job.ID())
	require.NoError(t, err)
	require.Equal(t, importjob.StatusCompleted, got.Status())
	require.Equal(t, 1, got.Counters().Failed)
	require.Len(t, got.RowErrors(), 1)
	require.Equal(t, 1, got.RowErrors()[0].RowIndex)
}

func TestProcess_ErrorListIsCapped(t *testing.T) {
	repo := newMemoryJobRepository()
	repo.maxErrors = 3
	processor := newTestProcessor(repo, newMemorySink(), ProcessorConfig{BatchSize: 10, Workers: 1})

	var rows []tabular.Row
	for i := 0; i < 6; i++ {
		rows = append(rows, contactRow("", "NoEmail"))
	}
	job := createPendingJob(t, repo, importjob.Settings{}, len(rows))

	require.NoError(t, processor.Process(context.Background(), job, rows))

	got, err := repo.GetByID(context.Background(), job.ID())
	require.NoError(t, err)
	require.Equal(t, 6, got.Counters().Failed)
	require.Len(t, got.RowErrors(), 3)
	require.True(t, got.ErrorsTruncated())
}

func TestProcess_EmptySubmissionCompletesImmediately(t *testing.T) {
	repo := newMemoryJobRepository()
	processor := newTestProcessor(repo, newMemorySink(), ProcessorConfig{})

	job := createPendingJob(t, repo, importjob.Settings{}, 0)
	require.NoError(t, processor.Process(context.Background(), job, nil))

	got, err := repo.GetByID(context.Background(), job.ID())
	require.NoError(t, err)
	require.Equal(t, importjob.StatusCompleted, got.Status())
	require.Equal(t, 100, got.Progress())
}

func mustSchema(t *testing.T) importschema.Schema {
	t.Helper()
	schema, err := importschema.Get(importschema.EntityContact)
	require.NoError(t, err)
	return schema
}
