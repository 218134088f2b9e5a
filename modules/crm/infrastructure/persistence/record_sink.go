package persistence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/relatecrm/relate-sdk/modules/crm/domain/entities/importschema"
	"github.com/relatecrm/relate-sdk/modules/crm/domain/sink"
	"github.com/relatecrm/relate-sdk/pkg/composables"
	"github.com/relatecrm/relate-sdk/pkg/tabular"
)

// entityTable binds an entity type to its table and whitelists which
// canonical fields may reach which columns. Identifiers in the generated
// SQL only ever come from this table, never from input.
type entityTable struct {
	table   string
	columns map[string]string
}

var entityTables = map[importschema.EntityType]entityTable{
	importschema.EntityContact: {
		table: "contacts",
		columns: map[string]string{
			"email":        "email",
			"first_name":   "first_name",
			"last_name":    "last_name",
			"phone":        "phone",
			"company_name": "company_name",
			"position":     "position",
			"address":      "address",
			"notes":        "notes",
		},
	},
	importschema.EntityCompany: {
		table: "companies",
		columns: map[string]string{
			"name":     "name",
			"domain":   "domain",
			"industry": "industry",
			"email":    "email",
			"phone":    "phone",
			"address":  "address",
			"notes":    "notes",
		},
	},
	importschema.EntityOpportunity: {
		table: "opportunities",
		columns: map[string]string{
			"name":          "name",
			"amount":        "amount",
			"stage":         "stage",
			"close_date":    "close_date",
			"contact_email": "contact_email",
			"notes":         "notes",
		},
	},
	importschema.EntityActivity: {
		table: "activities",
		columns: map[string]string{
			"subject":       "subject",
			"activity_type": "activity_type",
			"due_date":      "due_date",
			"contact_email": "contact_email",
			"notes":         "notes",
		},
	},
}

// PgRecordSink writes accepted import rows into the tenant's CRM tables.
// Reads go through the same connection as writes, so natural key lookups
// observe rows committed earlier in the same job.
type PgRecordSink struct{}

func NewPgRecordSink() sink.RecordSink {
	return &PgRecordSink{}
}

func (s *PgRecordSink) LookupNaturalKey(ctx context.Context, schema importschema.Schema, record sink.Record) (uuid.UUID, bool, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return uuid.Nil, false, err
	}
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return uuid.Nil, false, err
	}
	target, ok := entityTables[schema.Entity]
	if !ok {
		return uuid.Nil, false, fmt.Errorf("no table registered for entity type %q", schema.Entity)
	}

	for _, fieldID := range schema.NaturalKey {
		if record.IsEmpty(fieldID) {
			continue
		}
		column, ok := target.columns[fieldID]
		if !ok {
			continue
		}

		var id uuid.UUID
		err := tx.QueryRow(ctx,
			`SELECT id FROM `+target.table+`
			 WHERE tenant_id = $1 AND lower(`+column+`) = lower($2)
			 LIMIT 1`,
			tenantID, record.Text(fieldID),
		).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, false, nil
		}
		if err != nil {
			return uuid.Nil, false, err
		}
		return id, true, nil
	}
	return uuid.Nil, false, nil
}

func (s *PgRecordSink) Insert(ctx context.Context, schema importschema.Schema, record sink.Record) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return err
	}
	target, ok := entityTables[schema.Entity]
	if !ok {
		return fmt.Errorf("no table registered for entity type %q", schema.Entity)
	}

	columns := []string{"id", "tenant_id", "created_at", "updated_at"}
	now := time.Now()
	args := []interface{}{uuid.New(), tenantID, now, now}
	placeholders := []string{"$1", "$2", "$3", "$4"}

	for _, field := range schema.Fields {
		if record.IsEmpty(field.ID) {
			continue
		}
		column, ok := target.columns[field.ID]
		if !ok {
			continue
		}
		value, err := columnValue(field, record.Get(field.ID))
		if err != nil {
			return err
		}
		columns = append(columns, column)
		args = append(args, value)
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO `+target.table+` (`+strings.Join(columns, ", ")+`)
		 VALUES (`+strings.Join(placeholders, ", ")+`)`,
		args...,
	)
	return err
}

func (s *PgRecordSink) Update(ctx context.Context, schema importschema.Schema, id uuid.UUID, record sink.Record) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return err
	}
	target, ok := entityTables[schema.Entity]
	if !ok {
		return fmt.Errorf("no table registered for entity type %q", schema.Entity)
	}

	// Only fields present on the record overwrite; existing values for
	// absent fields stay untouched.
	assignments := []string{"updated_at = $3"}
	args := []interface{}{id, tenantID, time.Now()}
	for _, field := range schema.Fields {
		if record.IsEmpty(field.ID) {
			continue
		}
		column, ok := target.columns[field.ID]
		if !ok {
			continue
		}
		value, err := columnValue(field, record.Get(field.ID))
		if err != nil {
			return err
		}
		args = append(args, value)
		assignments = append(assignments, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	tag, err := tx.Exec(ctx,
		`UPDATE `+target.table+`
		 SET `+strings.Join(assignments, ", ")+`
		 WHERE id = $1 AND tenant_id = $2`,
		args...,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record %s not found in %s", id, target.table)
	}
	return nil
}

// columnValue coerces a cell into the column's native type. Text that
// cannot be coerced fails the write, which surfaces as a row error.
func columnValue(field importschema.Field, value tabular.Value) (interface{}, error) {
	switch field.Kind {
	case importschema.KindNumber:
		if f, ok := value.Float64(); ok {
			return f, nil
		}
		f, err := strconv.ParseFloat(value.Text(), 64)
		if err != nil {
			return nil, fmt.Errorf("field %q: %q is not a number", field.ID, value.Text())
		}
		return f, nil
	case importschema.KindDate:
		if t, ok := value.Time(); ok {
			return t, nil
		}
		t, err := time.Parse("2006-01-02", value.Text())
		if err != nil {
			return nil, fmt.Errorf("field %q: %q is not a date", field.ID, value.Text())
		}
		return t, nil
	default:
		return value.Text(), nil
	}
}
