package mapping

import (
	"sort"
	"strings"

	gerrors "github.com/go-faster/errors"

	"github.com/relatecrm/relate-sdk/modules/crm/domain/entities/importschema"
)

// None is the explicit "leave this header unmapped" marker a client may
// send instead of omitting the entry.
const None = "none"

var (
	ErrDuplicateTarget = gerrors.New("two headers map to the same field")
	ErrUnknownField    = gerrors.New("mapped field is not part of the entity schema")
)

// Pair is one resolved header→field correspondence.
type Pair struct {
	Header  string
	FieldID string
}

// Mapping is the correspondence from raw source headers to canonical field
// ids. It maintains two invariants: a header maps to at most one field, and
// a field is claimed by at most one header. Header order is preserved so
// resolution stays deterministic.
type Mapping struct {
	order  []string
	fields map[string]string
}

func New() *Mapping {
	return &Mapping{fields: make(map[string]string)}
}

// FromMap builds a mapping from a submitted header→field table, rejecting
// duplicate targets outright: a payload that violates the resolver
// invariant is a submission error, never a job.
func FromMap(raw map[string]string) (*Mapping, error) {
	m := New()
	claimed := make(map[string]string, len(raw))

	// Iterate deterministically for stable error messages.
	headers := make([]string, 0, len(raw))
	for header := range raw {
		headers = append(headers, header)
	}
	sort.Strings(headers)

	for _, header := range headers {
		fieldID := strings.TrimSpace(raw[header])
		if fieldID == "" || fieldID == None {
			continue
		}
		if prev, ok := claimed[fieldID]; ok {
			return nil, gerrors.Wrapf(ErrDuplicateTarget, "%q and %q both map to %q", prev, header, fieldID)
		}
		claimed[fieldID] = header
		m.Set(header, fieldID)
	}
	return m, nil
}

func (m *Mapping) FieldFor(header string) (string, bool) {
	fieldID, ok := m.fields[header]
	return fieldID, ok
}

func (m *Mapping) HeaderFor(fieldID string) (string, bool) {
	for _, header := range m.order {
		if m.fields[header] == fieldID {
			return header, true
		}
	}
	return "", false
}

// Set maps header to fieldID. A field previously claimed by another header
// is un-mapped from it in the same step, so the one-header-per-field
// invariant can never be observed broken. An empty or "none" fieldID
// clears the header.
func (m *Mapping) Set(header, fieldID string) {
	if fieldID == "" || fieldID == None {
		m.Clear(header)
		return
	}
	if prev, ok := m.HeaderFor(fieldID); ok && prev != header {
		m.Clear(prev)
	}
	if _, exists := m.fields[header]; !exists {
		m.order = append(m.order, header)
	}
	m.fields[header] = fieldID
}

func (m *Mapping) Clear(header string) {
	if _, exists := m.fields[header]; !exists {
		return
	}
	delete(m.fields, header)
	for i, h := range m.order {
		if h == header {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

func (m *Mapping) Len() int {
	return len(m.fields)
}

// Pairs returns the mapped entries in header resolution order.
func (m *Mapping) Pairs() []Pair {
	out := make([]Pair, 0, len(m.order))
	for _, header := range m.order {
		out = append(out, Pair{Header: header, FieldID: m.fields[header]})
	}
	return out
}

// ToMap renders the mapping as a plain header→field table.
func (m *Mapping) ToMap() map[string]string {
	out := make(map[string]string, len(m.fields))
	for header, fieldID := range m.fields {
		out[header] = fieldID
	}
	return out
}

// Validate re-checks the resolver invariants against an entity schema:
// every mapped field must exist in the schema and no field may be claimed
// twice. Missing required fields are deliberately not an error here; they
// surface per row during validation.
func (m *Mapping) Validate(schema importschema.Schema) error {
	claimed := make(map[string]string, len(m.fields))
	for _, pair := range m.Pairs() {
		if _, ok := schema.Field(pair.FieldID); !ok {
			return gerrors.Wrapf(ErrUnknownField, "header %q maps to %q", pair.Header, pair.FieldID)
		}
		if prev, ok := claimed[pair.FieldID]; ok {
			return gerrors.Wrapf(ErrDuplicateTarget, "%q and %q both map to %q", prev, pair.Header, pair.FieldID)
		}
		claimed[pair.FieldID] = pair.Header
	}
	return nil
}

// NormalizeHeader is the lookup form of a raw header: trimmed and lowered.
func NormalizeHeader(header string) string {
	return strings.ToLower(strings.TrimSpace(header))
}

// Resolve proposes a default mapping for the given headers from the
// synonym dictionary. When two headers normalize to the same field the
// first one wins and later ones stay unmapped for manual resolution; this
// tie-break is a policy rule, not an artifact of iteration order.
func Resolve(headers []string, dict map[string]string) *Mapping {
	m := New()
	for _, header := range headers {
		if header == "" {
			continue
		}
		fieldID, ok := dict[NormalizeHeader(header)]
		if !ok {
			continue
		}
		if _, taken := m.HeaderFor(fieldID); taken {
			continue
		}
		m.Set(header, fieldID)
	}
	return m
}
