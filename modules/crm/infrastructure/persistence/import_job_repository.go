package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/relatecrm/relate-sdk/modules/crm/domain/entities/importjob"
	"github.com/relatecrm/relate-sdk/modules/crm/infrastructure/persistence/models"
	"github.com/relatecrm/relate-sdk/pkg/composables"
	"github.com/relatecrm/relate-sdk/pkg/repo"
)

const importJobColumns = `
	id, tenant_id, entity_type, filename, file_size, column_mapping,
	import_settings, status, total_rows, processed_rows, successful_rows,
	failed_rows, skipped_rows, progress, row_errors, errors_truncated,
	cancel_requested, started_at, completed_at, created_at`

// ImportJobRepository is the pgx-backed import job store. Every query is
// tenant scoped; a job belonging to another tenant reads as not found.
type ImportJobRepository struct {
	maxErrors int
}

func NewImportJobRepository(maxErrors int) importjob.Repository {
	if maxErrors <= 0 {
		maxErrors = 1000
	}
	return &ImportJobRepository{maxErrors: maxErrors}
}

func (r *ImportJobRepository) Create(ctx context.Context, job importjob.ImportJob) (importjob.ImportJob, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return importjob.ImportJob{}, err
	}
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return importjob.ImportJob{}, err
	}

	dbJob, err := toDBImportJob(job)
	if err != nil {
		return importjob.ImportJob{}, err
	}
	dbJob.TenantID = tenantID.String()
	if dbJob.CreatedAt.IsZero() {
		dbJob.CreatedAt = time.Now()
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO import_jobs (
			id, tenant_id, entity_type, filename, file_size, column_mapping,
			import_settings, status, total_rows, progress, row_errors, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		dbJob.ID,
		dbJob.TenantID,
		dbJob.EntityType,
		dbJob.Filename,
		dbJob.FileSize,
		dbJob.ColumnMapping,
		dbJob.Settings,
		dbJob.Status,
		dbJob.TotalRows,
		dbJob.Progress,
		dbJob.RowErrors,
		dbJob.CreatedAt,
	); err != nil {
		return importjob.ImportJob{}, err
	}

	return toDomainImportJob(dbJob)
}

func (r *ImportJobRepository) GetByID(ctx context.Context, id uuid.UUID) (importjob.ImportJob, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return importjob.ImportJob{}, err
	}
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return importjob.ImportJob{}, err
	}

	row := tx.QueryRow(ctx, `
		SELECT `+importJobColumns+`
		FROM import_jobs
		WHERE id = $1 AND tenant_id = $2`,
		id, tenantID,
	)
	return scanImportJob(row)
}

func (r *ImportJobRepository) ListRecent(ctx context.Context, params *importjob.FindParams) ([]importjob.ImportJob, int64, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, 0, err
	}
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return nil, 0, err
	}

	var total int64
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM import_jobs WHERE tenant_id = $1`,
		tenantID,
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT ` + importJobColumns + `
		FROM import_jobs
		WHERE tenant_id = $1
		ORDER BY created_at DESC
	`
	if params != nil {
		query += " " + repo.FormatLimitOffset(params.Limit, params.Offset)
	}

	rows, err := tx.Query(ctx, query, tenantID)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var results []importjob.ImportJob
	for rows.Next() {
		job, err := scanImportJob(rows)
		if err != nil {
			return nil, 0, err
		}
		results = append(results, job)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return results, total, nil
}

func (r *ImportJobRepository) Start(ctx context.Context, id uuid.UUID) (importjob.ImportJob, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return importjob.ImportJob{}, err
	}
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return importjob.ImportJob{}, err
	}

	row := tx.QueryRow(ctx, `
		UPDATE import_jobs
		SET status = $3, started_at = now()
		WHERE id = $1 AND tenant_id = $2 AND status = $4
		RETURNING `+importJobColumns,
		id, tenantID, string(importjob.StatusProcessing), string(importjob.StatusPending),
	)
	job, err := scanImportJob(row)
	if errors.Is(err, importjob.ErrNotFound) {
		return importjob.ImportJob{}, r.transitionError(ctx, tx, id, tenantID)
	}
	return job, err
}

// ApplyBatch moves one batch's counters in a single UPDATE so concurrent
// progress reads always observe a consistent snapshot. The error list is
// trimmed to the cap before appending; the engine goroutine is the only
// writer while the job is processing, so the length read is stable.
func (r *ImportJobRepository) ApplyBatch(ctx context.Context, id uuid.UUID, delta importjob.BatchDelta, rowErrors []importjob.RowError) (importjob.Counters, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return importjob.Counters{}, err
	}
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return importjob.Counters{}, err
	}

	var stored int
	if err := tx.QueryRow(ctx, `
		SELECT jsonb_array_length(row_errors)
		FROM import_jobs
		WHERE id = $1 AND tenant_id = $2`,
		id, tenantID,
	).Scan(&stored); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return importjob.Counters{}, importjob.ErrNotFound
		}
		return importjob.Counters{}, err
	}

	truncated := false
	if room := r.maxErrors - stored; len(rowErrors) > room {
		if room < 0 {
			room = 0
		}
		rowErrors = rowErrors[:room]
		truncated = true
	}
	errorsJSON, err := json.Marshal(rowErrors)
	if err != nil {
		return importjob.Counters{}, err
	}

	var counters importjob.Counters
	err = tx.QueryRow(ctx, `
		UPDATE import_jobs
		SET processed_rows = processed_rows + $3,
			successful_rows = successful_rows + $4,
			failed_rows = failed_rows + $5,
			skipped_rows = skipped_rows + $6,
			row_errors = row_errors || $7::jsonb,
			errors_truncated = errors_truncated OR $8,
			progress = CASE
				WHEN total_rows <= 0 THEN 100
				ELSE round(100.0 * (processed_rows + $3) / total_rows)
			END
		WHERE id = $1 AND tenant_id = $2 AND status = $9
		RETURNING total_rows, processed_rows, successful_rows, failed_rows, skipped_rows`,
		id,
		tenantID,
		delta.Processed,
		delta.Successful,
		delta.Failed,
		delta.Skipped,
		errorsJSON,
		truncated,
		string(importjob.StatusProcessing),
	).Scan(&counters.Total, &counters.Processed, &counters.Successful, &counters.Failed, &counters.Skipped)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return importjob.Counters{}, importjob.ErrInvalidTransition
		}
		return importjob.Counters{}, err
	}
	return counters, nil
}

func (r *ImportJobRepository) Finish(ctx context.Context, id uuid.UUID, status importjob.Status) error {
	if !status.IsTerminal() {
		return importjob.ErrInvalidTransition
	}
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE import_jobs
		SET status = $3, completed_at = now()
		WHERE id = $1 AND tenant_id = $2 AND status = $4`,
		id, tenantID, string(status), string(importjob.StatusProcessing),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.transitionError(ctx, tx, id, tenantID)
	}
	return nil
}

func (r *ImportJobRepository) RequestCancel(ctx context.Context, id uuid.UUID) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return err
	}

	// Requesting cancel on a finished job is a harmless no-op; the flag only
	// matters while the engine is still between batches.
	tag, err := tx.Exec(ctx, `
		UPDATE import_jobs
		SET cancel_requested = TRUE
		WHERE id = $1 AND tenant_id = $2`,
		id, tenantID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return importjob.ErrNotFound
	}
	return nil
}

func (r *ImportJobRepository) CancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return false, err
	}
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return false, err
	}

	var requested bool
	if err := tx.QueryRow(ctx, `
		SELECT cancel_requested
		FROM import_jobs
		WHERE id = $1 AND tenant_id = $2`,
		id, tenantID,
	).Scan(&requested); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, importjob.ErrNotFound
		}
		return false, err
	}
	return requested, nil
}

// transitionError distinguishes a missing job from one in the wrong status
// after a guarded UPDATE matched no rows.
func (r *ImportJobRepository) transitionError(ctx context.Context, tx repo.Tx, id uuid.UUID, tenantID uuid.UUID) error {
	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM import_jobs WHERE id = $1 AND tenant_id = $2)`,
		id, tenantID,
	).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return importjob.ErrNotFound
	}
	return importjob.ErrInvalidTransition
}

func scanImportJob(row pgx.Row) (importjob.ImportJob, error) {
	var dbJob models.ImportJob
	err := row.Scan(
		&dbJob.ID,
		&dbJob.TenantID,
		&dbJob.EntityType,
		&dbJob.Filename,
		&dbJob.FileSize,
		&dbJob.ColumnMapping,
		&dbJob.Settings,
		&dbJob.Status,
		&dbJob.TotalRows,
		&dbJob.ProcessedRows,
		&dbJob.SuccessfulRows,
		&dbJob.FailedRows,
		&dbJob.SkippedRows,
		&dbJob.Progress,
		&dbJob.RowErrors,
		&dbJob.ErrorsTruncated,
		&dbJob.CancelRequested,
		&dbJob.StartedAt,
		&dbJob.CompletedAt,
		&dbJob.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return importjob.ImportJob{}, importjob.ErrNotFound
		}
		return importjob.ImportJob{}, err
	}
	return toDomainImportJob(&dbJob)
}
