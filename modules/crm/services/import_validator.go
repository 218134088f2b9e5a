package services

import (
	"context"
	"fmt"
	"regexp"

	"github.com/relatecrm/relate-sdk/modules/crm/domain/entities/importjob"
	"github.com/relatecrm/relate-sdk/modules/crm/domain/entities/importschema"
	"github.com/relatecrm/relate-sdk/modules/crm/domain/sink"
)

var (
	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	// Permissive on purpose: digits with an optional leading + and common
	// separators. Import data is messy; strict E.164 would reject half of
	// every real spreadsheet.
	phonePattern = regexp.MustCompile(`^\+?[0-9][0-9\s().-]{4,}$`)
)

// importValidator applies the per-row validation & dedup policy of one
// job. Given a fixed existing-record set and fixed settings the same
// record always yields the same decision.
type importValidator struct {
	schema   importschema.Schema
	settings importjob.Settings
	records  sink.RecordSink
}

func newImportValidator(schema importschema.Schema, settings importjob.Settings, records sink.RecordSink) *importValidator {
	return &importValidator{schema: schema, settings: settings, records: records}
}

// Decide returns the verdict for one canonical record. A non-nil error
// means the dedup lookup itself failed at the store; the caller treats
// that as a row-level write failure, not a verdict.
func (v *importValidator) Decide(ctx context.Context, record sink.Record) (sink.Decision, error) {
	// Required fields are checked first and short-circuit everything else.
	for _, field := range v.schema.Fields {
		if field.Required && record.IsEmpty(field.ID) {
			return sink.Decision{
				Verdict: sink.VerdictReject,
				Field:   field.ID,
				Message: fmt.Sprintf("required field %q is missing or empty", field.ID),
			}, nil
		}
	}

	for _, field := range v.schema.Fields {
		if record.IsEmpty(field.ID) {
			continue
		}
		switch field.Kind {
		case importschema.KindEmail:
			if v.settings.ValidateEmails && !emailPattern.MatchString(record.Text(field.ID)) {
				return sink.Decision{
					Verdict: sink.VerdictReject,
					Field:   field.ID,
					Message: fmt.Sprintf("field %q is not a valid email address", field.ID),
				}, nil
			}
		case importschema.KindPhone:
			if v.settings.ValidatePhones && !phonePattern.MatchString(record.Text(field.ID)) {
				return sink.Decision{
					Verdict: sink.VerdictReject,
					Field:   field.ID,
					Message: fmt.Sprintf("field %q is not a valid phone number", field.ID),
				}, nil
			}
		}
	}

	matchID, found, err := v.records.LookupNaturalKey(ctx, v.schema, record)
	if err != nil {
		return sink.Decision{}, err
	}
	if !found {
		return sink.Decision{Verdict: sink.VerdictInsert}, nil
	}

	switch {
	case v.settings.UpdateExisting:
		return sink.Decision{Verdict: sink.VerdictUpdate, MatchID: matchID}, nil
	case v.settings.SkipDuplicates:
		return sink.Decision{Verdict: sink.VerdictSkip}, nil
	default:
		// Both policies off: the duplicate insert is the requested
		// behavior, not an accident.
		return sink.Decision{Verdict: sink.VerdictInsert}, nil
	}
}
