package importschema

import (
	"fmt"
	"strings"
)

// EntityType names the CRM record kinds the import pipeline can target.
type EntityType string

const (
	EntityContact     EntityType = "contact"
	EntityCompany     EntityType = "company"
	EntityOpportunity EntityType = "opportunity"
	EntityActivity    EntityType = "activity"
)

func ParseEntityType(raw string) (EntityType, error) {
	switch EntityType(strings.ToLower(strings.TrimSpace(raw))) {
	case EntityContact:
		return EntityContact, nil
	case EntityCompany:
		return EntityCompany, nil
	case EntityOpportunity:
		return EntityOpportunity, nil
	case EntityActivity:
		return EntityActivity, nil
	default:
		return "", fmt.Errorf("unknown entity type %q", raw)
	}
}

// FieldKind drives format validation and storage typing of a canonical field.
type FieldKind string

const (
	KindText   FieldKind = "text"
	KindEmail  FieldKind = "email"
	KindPhone  FieldKind = "phone"
	KindNumber FieldKind = "number"
	KindDate   FieldKind = "date"
)

// Field is one canonical target attribute of an entity type.
type Field struct {
	ID       string
	Label    string
	Kind     FieldKind
	Required bool
}

// Schema is the ordered canonical field list for one entity type, plus the
// natural key used by dedup. Read-only at runtime.
type Schema struct {
	Entity EntityType
	Fields []Field
	// NaturalKey lists field ids tried in order when matching an incoming
	// row against existing records; the first non-empty one wins.
	NaturalKey []string
}

func (s Schema) Field(id string) (Field, bool) {
	for _, f := range s.Fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

func (s Schema) RequiredFields() []Field {
	out := make([]Field, 0, len(s.Fields))
	for _, f := range s.Fields {
		if f.Required {
			out = append(out, f)
		}
	}
	return out
}

var schemas = map[EntityType]Schema{
	EntityContact: {
		Entity: EntityContact,
		Fields: []Field{
			{ID: "email", Label: "Email", Kind: KindEmail, Required: true},
			{ID: "first_name", Label: "First Name", Kind: KindText, Required: true},
			{ID: "last_name", Label: "Last Name", Kind: KindText},
			{ID: "phone", Label: "Phone", Kind: KindPhone},
			{ID: "company_name", Label: "Company", Kind: KindText},
			{ID: "position", Label: "Position", Kind: KindText},
			{ID: "address", Label: "Address", Kind: KindText},
			{ID: "notes", Label: "Notes", Kind: KindText},
		},
		NaturalKey: []string{"email"},
	},
	EntityCompany: {
		Entity: EntityCompany,
		Fields: []Field{
			{ID: "name", Label: "Name", Kind: KindText, Required: true},
			{ID: "domain", Label: "Domain", Kind: KindText},
			{ID: "industry", Label: "Industry", Kind: KindText},
			{ID: "email", Label: "Email", Kind: KindEmail},
			{ID: "phone", Label: "Phone", Kind: KindPhone},
			{ID: "address", Label: "Address", Kind: KindText},
			{ID: "notes", Label: "Notes", Kind: KindText},
		},
		NaturalKey: []string{"domain", "name"},
	},
	EntityOpportunity: {
		Entity: EntityOpportunity,
		Fields: []Field{
			{ID: "name", Label: "Name", Kind: KindText, Required: true},
			{ID: "amount", Label: "Amount", Kind: KindNumber},
			{ID: "stage", Label: "Stage", Kind: KindText},
			{ID: "close_date", Label: "Close Date", Kind: KindDate},
			{ID: "contact_email", Label: "Contact Email", Kind: KindEmail},
			{ID: "notes", Label: "Notes", Kind: KindText},
		},
		NaturalKey: []string{"name"},
	},
	EntityActivity: {
		Entity: EntityActivity,
		Fields: []Field{
			{ID: "subject", Label: "Subject", Kind: KindText, Required: true},
			{ID: "activity_type", Label: "Type", Kind: KindText},
			{ID: "due_date", Label: "Due Date", Kind: KindDate},
			{ID: "contact_email", Label: "Contact Email", Kind: KindEmail},
			{ID: "notes", Label: "Notes", Kind: KindText},
		},
		NaturalKey: []string{"subject"},
	},
}

// Get returns the schema for the entity type. A missing schema is a
// pipeline-level fault for the caller, not a per-row error.
func Get(entity EntityType) (Schema, error) {
	s, ok := schemas[entity]
	if !ok {
		return Schema{}, fmt.Errorf("no field schema registered for entity type %q", entity)
	}
	return s, nil
}

func All() []Schema {
	out := make([]Schema, 0, len(schemas))
	for _, e := range []EntityType{EntityContact, EntityCompany, EntityOpportunity, EntityActivity} {
		out = append(out, schemas[e])
	}
	return out
}
