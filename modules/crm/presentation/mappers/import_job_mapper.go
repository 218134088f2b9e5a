package mappers

import (
	"time"

	"github.com/relatecrm/relate-sdk/modules/crm/domain/entities/importjob"
	"github.com/relatecrm/relate-sdk/modules/crm/domain/entities/importschema"
	"github.com/relatecrm/relate-sdk/modules/crm/presentation/viewmodels"
	"github.com/relatecrm/relate-sdk/modules/crm/services"
)

func ImportJobToViewModel(job importjob.ImportJob) viewmodels.ImportJob {
	counters := job.Counters()
	settings := job.Settings()

	rowErrors := make([]viewmodels.ImportRowError, 0, len(job.RowErrors()))
	for _, rowErr := range job.RowErrors() {
		rowErrors = append(rowErrors, viewmodels.ImportRowError{
			RowIndex: rowErr.RowIndex,
			Field:    rowErr.Field,
			Message:  rowErr.Message,
		})
	}

	return viewmodels.ImportJob{
		ID:            job.ID().String(),
		EntityType:    string(job.Entity()),
		Filename:      job.Filename(),
		FileSize:      job.FileSize(),
		ColumnMapping: job.ColumnMapping(),
		Settings: viewmodels.ImportSettings{
			UpdateExisting: settings.UpdateExisting,
			SkipDuplicates: settings.SkipDuplicates,
			ValidateEmails: settings.ValidateEmails,
			ValidatePhones: settings.ValidatePhones,
		},
		Status:          string(job.Status()),
		TotalRows:       counters.Total,
		ProcessedRows:   counters.Processed,
		SuccessfulRows:  counters.Successful,
		FailedRows:      counters.Failed,
		SkippedRows:     counters.Skipped,
		Progress:        counters.Progress(),
		RowErrors:       rowErrors,
		ErrorsTruncated: job.ErrorsTruncated(),
		StartedAt:       formatTime(job.StartedAt()),
		CompletedAt:     formatTime(job.CompletedAt()),
		CreatedAt:       job.CreatedAt().UTC().Format(time.RFC3339),
	}
}

func ImportPreviewToViewModel(preview *services.PreviewResult) viewmodels.ImportPreview {
	rows := make([]map[string]string, 0, len(preview.Rows))
	for _, row := range preview.Rows {
		rendered := make(map[string]string, len(row))
		for header, value := range row {
			rendered[header] = value.Text()
		}
		rows = append(rows, rendered)
	}

	return viewmodels.ImportPreview{
		Headers:    preview.Headers,
		Rows:       rows,
		Proposed:   preview.Proposed,
		EntityType: string(preview.Schema.Entity),
		Fields:     SchemaFieldsToViewModel(preview.Schema),
	}
}

func SchemaFieldsToViewModel(schema importschema.Schema) []viewmodels.ImportField {
	fields := make([]viewmodels.ImportField, 0, len(schema.Fields))
	for _, field := range schema.Fields {
		fields = append(fields, viewmodels.ImportField{
			ID:       field.ID,
			Label:    field.Label,
			Kind:     string(field.Kind),
			Required: field.Required,
		})
	}
	return fields
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
