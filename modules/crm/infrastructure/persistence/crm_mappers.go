package persistence

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/relatecrm/relate-sdk/modules/crm/domain/entities/importjob"
	"github.com/relatecrm/relate-sdk/modules/crm/domain/entities/importschema"
	"github.com/relatecrm/relate-sdk/modules/crm/infrastructure/persistence/models"
)

func toDBImportJob(job importjob.ImportJob) (*models.ImportJob, error) {
	mappingJSON, err := json.Marshal(job.ColumnMapping())
	if err != nil {
		return nil, err
	}
	settingsJSON, err := json.Marshal(job.Settings())
	if err != nil {
		return nil, err
	}
	rowErrors := job.RowErrors()
	if rowErrors == nil {
		rowErrors = []importjob.RowError{}
	}
	errorsJSON, err := json.Marshal(rowErrors)
	if err != nil {
		return nil, err
	}

	counters := job.Counters()
	return &models.ImportJob{
		ID:              job.ID().String(),
		TenantID:        job.TenantID().String(),
		EntityType:      string(job.Entity()),
		Filename:        job.Filename(),
		FileSize:        job.FileSize(),
		ColumnMapping:   mappingJSON,
		Settings:        settingsJSON,
		Status:          string(job.Status()),
		TotalRows:       counters.Total,
		ProcessedRows:   counters.Processed,
		SuccessfulRows:  counters.Successful,
		FailedRows:      counters.Failed,
		SkippedRows:     counters.Skipped,
		Progress:        counters.Progress(),
		RowErrors:       errorsJSON,
		ErrorsTruncated: job.ErrorsTruncated(),
		CancelRequested: job.CancelRequested(),
		StartedAt:       job.StartedAt(),
		CompletedAt:     job.CompletedAt(),
		CreatedAt:       job.CreatedAt(),
	}, nil
}

func toDomainImportJob(dbJob *models.ImportJob) (importjob.ImportJob, error) {
	id, err := uuid.Parse(dbJob.ID)
	if err != nil {
		return importjob.ImportJob{}, err
	}
	tenantID, err := uuid.Parse(dbJob.TenantID)
	if err != nil {
		return importjob.ImportJob{}, err
	}
	entity, err := importschema.ParseEntityType(dbJob.EntityType)
	if err != nil {
		return importjob.ImportJob{}, err
	}
	status, err := importjob.ParseStatus(dbJob.Status)
	if err != nil {
		return importjob.ImportJob{}, err
	}

	var columnMapping map[string]string
	if len(dbJob.ColumnMapping) > 0 {
		if err := json.Unmarshal(dbJob.ColumnMapping, &columnMapping); err != nil {
			return importjob.ImportJob{}, err
		}
	}
	var settings importjob.Settings
	if len(dbJob.Settings) > 0 {
		if err := json.Unmarshal(dbJob.Settings, &settings); err != nil {
			return importjob.ImportJob{}, err
		}
	}
	var rowErrors []importjob.RowError
	if len(dbJob.RowErrors) > 0 {
		if err := json.Unmarshal(dbJob.RowErrors, &rowErrors); err != nil {
			return importjob.ImportJob{}, err
		}
	}

	return importjob.Hydrate(
		id,
		tenantID,
		entity,
		dbJob.Filename,
		dbJob.FileSize,
		columnMapping,
		settings,
		status,
		importjob.Counters{
			Total:      dbJob.TotalRows,
			Processed:  dbJob.ProcessedRows,
			Successful: dbJob.SuccessfulRows,
			Failed:     dbJob.FailedRows,
			Skipped:    dbJob.SkippedRows,
		},
		rowErrors,
		dbJob.ErrorsTruncated,
		dbJob.CancelRequested,
		dbJob.StartedAt,
		dbJob.CompletedAt,
		dbJob.CreatedAt,
	), nil
}
