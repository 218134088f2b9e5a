package services

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relatecrm/relate-sdk/modules/crm/domain/entities/importjob"
	"github.com/relatecrm/relate-sdk/modules/crm/domain/sink"
	"github.com/relatecrm/relate-sdk/pkg/tabular"
)

func TestValidator_RequiredFieldShortCircuits(t *testing.T) {
	v := newImportValidator(mustSchema(t), importjob.Settings{ValidateEmails: true, ValidatePhones: true}, newMemorySink())

	// Email is missing and the phone is garbage; the missing required field
	// wins and the phone is never inspected.
	record := sink.Record{
		"first_name": tabular.String("Ana"),
		"phone":      tabular.String("not a phone"),
	}
	decision, err := v.Decide(context.Background(), record)
	require.NoError(t, err)
	require.Equal(t, sink.VerdictReject, decision.Verdict)
	require.Equal(t, "email", decision.Field)
	require.Contains(t, decision.Message, "required")
}

func TestValidator_EmailFormat(t *testing.T) {
	records := newMemorySink()

	strict := newImportValidator(mustSchema(t), importjob.Settings{ValidateEmails: true}, records)
	decision, err := strict.Decide(context.Background(), sink.Record{
		"email":      tabular.String("not-an-email"),
		"first_name": tabular.String("Ana"),
	})
	require.NoError(t, err)
	require.Equal(t, sink.VerdictReject, decision.Verdict)
	require.Equal(t, "email", decision.Field)

	// With validation off the same value sails through to insert.
	lax := newImportValidator(mustSchema(t), importjob.Settings{}, records)
	decision, err = lax.Decide(context.Background(), sink.Record{
		"email":      tabular.String("not-an-email"),
		"first_name": tabular.String("Ana"),
	})
	require.NoError(t, err)
	require.Equal(t, sink.VerdictInsert, decision.Verdict)
}

func TestValidator_PhoneFormat(t *testing.T) {
	v := newImportValidator(mustSchema(t), importjob.Settings{ValidatePhones: true}, newMemorySink())

	good := sink.Record{
		"email":      tabular.String("ana@example.com"),
		"first_name": tabular.String("Ana"),
		"phone":      tabular.String("+34 612 345 678"),
	}
	decision, err := v.Decide(context.Background(), good)
	require.NoError(t, err)
	require.Equal(t, sink.VerdictInsert, decision.Verdict)

	bad := sink.Record{
		"email":      tabular.String("ana@example.com"),
		"first_name": tabular.String("Ana"),
		"phone":      tabular.String("call me maybe"),
	}
	decision, err = v.Decide(context.Background(), bad)
	require.NoError(t, err)
	require.Equal(t, sink.VerdictReject, decision.Verdict)
	require.Equal(t, "phone", decision.Field)
}

func TestValidator_DuplicatePolicyMatrix(t *testing.T) {
	schema := mustSchema(t)
	existing := sink.Record{
		"email":      tabular.String("ana@example.com"),
		"first_name": tabular.String("Ana"),
	}

	cases := []struct {
		name     string
		settings importjob.Settings
		want     sink.Verdict
	}{
		{"update wins", importjob.Settings{UpdateExisting: true}, sink.VerdictUpdate},
		{"update wins over skip", importjob.Settings{UpdateExisting: true, SkipDuplicates: true}, sink.VerdictUpdate},
		{"skip", importjob.Settings{SkipDuplicates: true}, sink.VerdictSkip},
		// Both policies off means the caller asked for duplicate inserts.
		{"both off inserts", importjob.Settings{}, sink.VerdictInsert},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			records := newMemorySink()
			seededID := records.seed(schema, existing)

			v := newImportValidator(schema, tc.settings, records)
			decision, err := v.Decide(context.Background(), existing)
			require.NoError(t, err)
			require.Equal(t, tc.want, decision.Verdict)
			if tc.want == sink.VerdictUpdate {
				require.Equal(t, seededID, decision.MatchID)
			}
		})
	}
}

func TestValidator_NoMatchInserts(t *testing.T) {
	v := newImportValidator(mustSchema(t), importjob.Settings{UpdateExisting: true, SkipDuplicates: true}, newMemorySink())

	decision, err := v.Decide(context.Background(), sink.Record{
		"email":      tabular.String("new@example.com"),
		"first_name": tabular.String("Eva"),
	})
	require.NoError(t, err)
	require.Equal(t, sink.VerdictInsert, decision.Verdict)
}

func TestValidator_LookupFailureIsAnError(t *testing.T) {
	records := newMemorySink()
	records.lookupErr = fmt.Errorf("connection reset")
	v := newImportValidator(mustSchema(t), importjob.Settings{SkipDuplicates: true}, records)

	_, err := v.Decide(context.Background(), sink.Record{
		"email":      tabular.String("ana@example.com"),
		"first_name": tabular.String("Ana"),
	})
	require.Error(t, err)
}

func TestValidator_IsDeterministic(t *testing.T) {
	records := newMemorySink()
	records.seed(mustSchema(t), sink.Record{"email": tabular.String("ana@example.com")})
	v := newImportValidator(mustSchema(t), importjob.Settings{SkipDuplicates: true}, records)

	record := sink.Record{
		"email":      tabular.String("ana@example.com"),
		"first_name": tabular.String("Ana"),
	}
	first, err := v.Decide(context.Background(), record)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := v.Decide(context.Background(), record)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}
