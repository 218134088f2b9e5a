package importjob

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/relatecrm/relate-sdk/modules/crm/domain/entities/importschema"
)

// Status is the job life cycle state. Transitions only move forward; the
// three terminal states are never left.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next is legal.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next.IsTerminal()
	default:
		return false
	}
}

func ParseStatus(raw string) (Status, error) {
	switch Status(raw) {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return Status(raw), nil
	default:
		return "", fmt.Errorf("unknown import job status %q", raw)
	}
}

// Settings is the per-job policy captured at submission and immutable once
// processing starts.
type Settings struct {
	UpdateExisting bool `json:"update_existing"`
	SkipDuplicates bool `json:"skip_duplicates"`
	ValidateEmails bool `json:"validate_emails"`
	ValidatePhones bool `json:"validate_phones"`
}

// Counters are the row accounting of a job. They only move together:
// processed always equals successful+failed+skipped at every observation
// point.
type Counters struct {
	Total      int `json:"total_rows"`
	Processed  int `json:"processed_rows"`
	Successful int `json:"successful_rows"`
	Failed     int `json:"failed_rows"`
	Skipped    int `json:"skipped_rows"`
}

func (c Counters) Invariant() error {
	if c.Processed != c.Successful+c.Failed+c.Skipped {
		return fmt.Errorf(
			"processed_rows %d != successful %d + failed %d + skipped %d",
			c.Processed, c.Successful, c.Failed, c.Skipped,
		)
	}
	if c.Processed > c.Total {
		return fmt.Errorf("processed_rows %d exceeds total_rows %d", c.Processed, c.Total)
	}
	return nil
}

// Progress derives the 0–100 completion percentage.
func (c Counters) Progress() int {
	if c.Total <= 0 {
		return 100
	}
	return int(math.Round(100 * float64(c.Processed) / float64(c.Total)))
}

// RowError records one row-level failure. The list is append-only while
// the job runs and retained afterwards for audit.
type RowError struct {
	RowIndex int    `json:"row_index"`
	Field    string `json:"field,omitempty"`
	Message  string `json:"message"`
}

// BatchDelta is one batch worth of counter movement. All four counters are
// applied in a single atomic store update so concurrent progress reads
// never observe a partially applied batch.
type BatchDelta struct {
	Processed  int
	Successful int
	Failed     int
	Skipped    int
}

// ImportJob is one submitted, trackable import attempt.
type ImportJob struct {
	id              uuid.UUID
	tenantID        uuid.UUID
	entity          importschema.EntityType
	filename        string
	fileSize        int64
	columnMapping   map[string]string
	settings        Settings
	status          Status
	counters        Counters
	rowErrors       []RowError
	errorsTruncated bool
	cancelRequested bool
	startedAt       *time.Time
	completedAt     *time.Time
	createdAt       time.Time
}

// New creates a pending job for a submission of totalRows rows.
func New(
	tenantID uuid.UUID,
	entity importschema.EntityType,
	filename string,
	fileSize int64,
	columnMapping map[string]string,
	settings Settings,
	totalRows int,
) ImportJob {
	return ImportJob{
		id:            uuid.New(),
		tenantID:      tenantID,
		entity:        entity,
		filename:      filename,
		fileSize:      fileSize,
		columnMapping: copyMapping(columnMapping),
		settings:      settings,
		status:        StatusPending,
		counters:      Counters{Total: totalRows},
	}
}

func Hydrate(
	id uuid.UUID,
	tenantID uuid.UUID,
	entity importschema.EntityType,
	filename string,
	fileSize int64,
	columnMapping map[string]string,
	settings Settings,
	status Status,
	counters Counters,
	rowErrors []RowError,
	errorsTruncated bool,
	cancelRequested bool,
	startedAt *time.Time,
	completedAt *time.Time,
	createdAt time.Time,
) ImportJob {
	return ImportJob{
		id:              id,
		tenantID:        tenantID,
		entity:          entity,
		filename:        filename,
		fileSize:        fileSize,
		columnMapping:   copyMapping(columnMapping),
		settings:        settings,
		status:          status,
		counters:        counters,
		rowErrors:       rowErrors,
		errorsTruncated: errorsTruncated,
		cancelRequested: cancelRequested,
		startedAt:       startedAt,
		completedAt:     completedAt,
		createdAt:       createdAt,
	}
}

func (j ImportJob) ID() uuid.UUID                   { return j.id }
func (j ImportJob) TenantID() uuid.UUID             { return j.tenantID }
func (j ImportJob) Entity() importschema.EntityType { return j.entity }
func (j ImportJob) Filename() string                { return j.filename }
func (j ImportJob) FileSize() int64                 { return j.fileSize }
func (j ImportJob) Settings() Settings              { return j.settings }
func (j ImportJob) Status() Status                  { return j.status }
func (j ImportJob) Counters() Counters              { return j.counters }
func (j ImportJob) Progress() int                   { return j.counters.Progress() }
func (j ImportJob) RowErrors() []RowError           { return j.rowErrors }
func (j ImportJob) ErrorsTruncated() bool           { return j.errorsTruncated }
func (j ImportJob) CancelRequested() bool           { return j.cancelRequested }
func (j ImportJob) StartedAt() *time.Time           { return j.startedAt }
func (j ImportJob) CompletedAt() *time.Time         { return j.completedAt }
func (j ImportJob) CreatedAt() time.Time            { return j.createdAt }
func (j ImportJob) IsZero() bool                    { return j.id == uuid.Nil }

// ColumnMapping returns a copy; the mapping is immutable once the job
// starts processing.
func (j ImportJob) ColumnMapping() map[string]string {
	return copyMapping(j.columnMapping)
}

func copyMapping(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
