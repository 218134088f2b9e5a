package mapping

import (
	"encoding/json"
	"io"

	gerrors "github.com/go-faster/errors"

	"github.com/relatecrm/relate-sdk/modules/crm/domain/entities/importschema"
)

// Dictionary holds one normalized-header→field-id table per entity type.
// It is static configuration: extending the vocabulary never requires a
// code change to the resolver.
type Dictionary map[importschema.EntityType]map[string]string

// ForEntity returns the entity's synonym table, empty when none exists.
func (d Dictionary) ForEntity(entity importschema.EntityType) map[string]string {
	if table, ok := d[entity]; ok {
		return table
	}
	return map[string]string{}
}

// Merge overlays other on top of d, returning a new dictionary. Entries in
// other win on conflicts.
func (d Dictionary) Merge(other Dictionary) Dictionary {
	out := make(Dictionary, len(d))
	for entity, table := range d {
		copied := make(map[string]string, len(table))
		for k, v := range table {
			copied[k] = v
		}
		out[entity] = copied
	}
	for entity, table := range other {
		if _, ok := out[entity]; !ok {
			out[entity] = make(map[string]string, len(table))
		}
		for k, v := range table {
			out[entity][k] = v
		}
	}
	return out
}

// LoadDictionary reads a JSON dictionary of the shape
// {"contact": {"correo": "email", ...}, ...} and overlays it on the
// built-in one.
func LoadDictionary(r io.Reader) (Dictionary, error) {
	var raw map[string]map[string]string
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, gerrors.Wrap(err, "failed to decode synonym dictionary")
	}
	overlay := make(Dictionary, len(raw))
	for rawEntity, table := range raw {
		entity, err := importschema.ParseEntityType(rawEntity)
		if err != nil {
			return nil, gerrors.Wrap(err, "synonym dictionary")
		}
		normalized := make(map[string]string, len(table))
		for header, fieldID := range table {
			normalized[NormalizeHeader(header)] = fieldID
		}
		overlay[entity] = normalized
	}
	return DefaultDictionary().Merge(overlay), nil
}

// DefaultDictionary is the built-in vocabulary. Keys are already in
// normalized form.
func DefaultDictionary() Dictionary {
	return Dictionary{
		importschema.EntityContact: {
			"email":              "email",
			"e-mail":             "email",
			"email address":      "email",
			"correo":             "email",
			"correo electrónico": "email",
			"first name":         "first_name",
			"firstname":          "first_name",
			"nombre":             "first_name",
			"last name":          "last_name",
			"lastname":           "last_name",
			"surname":            "last_name",
			"apellido":           "last_name",
			"apellidos":          "last_name",
			"phone":              "phone",
			"phone number":       "phone",
			"tel":                "phone",
			"mobile":             "phone",
			"company":            "company_name",
			"company name":       "company_name",
			"empresa":            "company_name",
			"position":           "position",
			"job title":          "position",
			"cargo":              "position",
			"puesto":             "position",
			"address":            "address",
			"dirección":          "address",
			"direccion":          "address",
			"notes":              "notes",
			"notas":              "notes",
		},
		importschema.EntityCompany: {
			"name":         "name",
			"company":      "name",
			"company name": "name",
			"nombre":       "name",
			"empresa":      "name",
			"domain":       "domain",
			"website":      "domain",
			"web":          "domain",
			"dominio":      "domain",
			"industry":     "industry",
			"industria":    "industry",
			"sector":       "industry",
			"email":        "email",
			"correo":       "email",
			"phone":        "phone",
			"tel":          "phone",
			"address":      "address",
			"dirección":    "address",
			"notes":        "notes",
			"notas":        "notes",
		},
		importschema.EntityOpportunity: {
			"name":            "name",
			"opportunity":     "name",
			"deal":            "name",
			"nombre":          "name",
			"oportunidad":     "name",
			"amount":          "amount",
			"value":           "amount",
			"monto":           "amount",
			"importe":         "amount",
			"valor":           "amount",
			"stage":           "stage",
			"etapa":           "stage",
			"fase":            "stage",
			"close date":      "close_date",
			"closing date":    "close_date",
			"fecha de cierre": "close_date",
			"contact email":   "contact_email",
			"email":           "contact_email",
			"correo":          "contact_email",
			"notes":           "notes",
			"notas":           "notes",
		},
		importschema.EntityActivity: {
			"subject":       "subject",
			"title":         "subject",
			"asunto":        "subject",
			"título":        "subject",
			"titulo":        "subject",
			"type":          "activity_type",
			"tipo":          "activity_type",
			"due date":      "due_date",
			"date":          "due_date",
			"fecha":         "due_date",
			"contact email": "contact_email",
			"email":         "contact_email",
			"correo":        "contact_email",
			"notes":         "notes",
			"notas":         "notes",
		},
	}
}
