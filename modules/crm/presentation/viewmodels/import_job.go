package viewmodels

// ImportJob is the wire shape clients poll for progress and final results.
type ImportJob struct {
	ID              string            `json:"id"`
	EntityType      string            `json:"entity_type"`
	Filename        string            `json:"filename"`
	FileSize        int64             `json:"file_size"`
	ColumnMapping   map[string]string `json:"column_mapping"`
	Settings        ImportSettings    `json:"import_settings"`
	Status          string            `json:"status"`
	TotalRows       int               `json:"total_rows"`
	ProcessedRows   int               `json:"processed_rows"`
	SuccessfulRows  int               `json:"successful_rows"`
	FailedRows      int               `json:"failed_rows"`
	SkippedRows     int               `json:"skipped_rows"`
	Progress        int               `json:"progress"`
	RowErrors       []ImportRowError  `json:"row_errors"`
	ErrorsTruncated bool              `json:"errors_truncated"`
	StartedAt       string            `json:"started_at,omitempty"`
	CompletedAt     string            `json:"completed_at,omitempty"`
	CreatedAt       string            `json:"created_at"`
}

type ImportSettings struct {
	UpdateExisting bool `json:"update_existing"`
	SkipDuplicates bool `json:"skip_duplicates"`
	ValidateEmails bool `json:"validate_emails"`
	ValidatePhones bool `json:"validate_phones"`
}

type ImportRowError struct {
	RowIndex int    `json:"row_index"`
	Field    string `json:"field,omitempty"`
	Message  string `json:"message"`
}

// ImportPreview is what the mapping screen renders before submission.
type ImportPreview struct {
	Headers    []string            `json:"headers"`
	Rows       []map[string]string `json:"rows"`
	Proposed   map[string]string   `json:"proposed_mapping"`
	EntityType string              `json:"entity_type"`
	Fields     []ImportField       `json:"fields"`
}

type ImportField struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Kind     string `json:"kind"`
	Required bool   `json:"required"`
}
