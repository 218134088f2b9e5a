package importjob

import (
	"github.com/google/uuid"

	"github.com/relatecrm/relate-sdk/modules/crm/domain/entities/importschema"
)

// CreatedEvent is published when a submission produced a pending job.
type CreatedEvent struct {
	TenantID uuid.UUID
	JobID    uuid.UUID
	Entity   importschema.EntityType
	Total    int
}

func NewCreatedEvent(job ImportJob) *CreatedEvent {
	return &CreatedEvent{
		TenantID: job.TenantID(),
		JobID:    job.ID(),
		Entity:   job.Entity(),
		Total:    job.Counters().Total,
	}
}

// FinishedEvent is published when a job reaches a terminal status.
type FinishedEvent struct {
	TenantID uuid.UUID
	JobID    uuid.UUID
	Entity   importschema.EntityType
	Status   Status
	Counters Counters
}

func NewFinishedEvent(job ImportJob, status Status, counters Counters) *FinishedEvent {
	return &FinishedEvent{
		TenantID: job.TenantID(),
		JobID:    job.ID(),
		Entity:   job.Entity(),
		Status:   status,
		Counters: counters,
	}
}
