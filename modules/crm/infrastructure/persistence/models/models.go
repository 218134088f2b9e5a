package models

import "time"

type ImportJob struct {
	ID              string
	TenantID        string
	EntityType      string
	Filename        string
	FileSize        int64
	ColumnMapping   []byte
	Settings        []byte
	Status          string
	TotalRows       int
	ProcessedRows   int
	SuccessfulRows  int
	FailedRows      int
	SkippedRows     int
	Progress        int
	RowErrors       []byte
	ErrorsTruncated bool
	CancelRequested bool
	StartedAt       *time.Time
	CompletedAt     *time.Time
	CreatedAt       time.Time
}
