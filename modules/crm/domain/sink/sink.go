package sink

import (
	"context"

	"github.com/google/uuid"

	"github.com/relatecrm/relate-sdk/modules/crm/domain/entities/importschema"
	"github.com/relatecrm/relate-sdk/pkg/tabular"
)

// Record is a canonical row: field id → resolved cell value. Fields the
// column mapping never assigned are simply absent.
type Record map[string]tabular.Value

// Get returns the value for the field; absent fields read as empty.
func (r Record) Get(fieldID string) tabular.Value {
	v, ok := r[fieldID]
	if !ok {
		return tabular.Empty()
	}
	return v
}

func (r Record) Text(fieldID string) string {
	return r.Get(fieldID).Text()
}

func (r Record) IsEmpty(fieldID string) bool {
	return r.Get(fieldID).IsEmpty()
}

// Verdict is the per-row decision of the validation & dedup engine.
type Verdict string

const (
	VerdictInsert Verdict = "insert"
	VerdictUpdate Verdict = "update"
	VerdictSkip   Verdict = "skip"
	VerdictReject Verdict = "reject"
)

// Decision carries a verdict plus its context: the record to merge into
// for update, and the offending field and message for reject.
type Decision struct {
	Verdict Verdict
	MatchID uuid.UUID
	Field   string
	Message string
}

// RecordSink is the tenant-scoped data store the pipeline writes accepted
// rows into. Lookups must observe writes committed earlier in the same
// job, so dedup never runs against a stale pre-job snapshot.
type RecordSink interface {
	// LookupNaturalKey searches existing records by the schema's natural
	// key fields, trying them in order until one is present on the record.
	LookupNaturalKey(ctx context.Context, schema importschema.Schema, record Record) (uuid.UUID, bool, error)

	Insert(ctx context.Context, schema importschema.Schema, record Record) error

	// Update merges the record into the existing row: only fields present
	// on the record overwrite, everything else is left untouched.
	Update(ctx context.Context, schema importschema.Schema, id uuid.UUID, record Record) error
}
