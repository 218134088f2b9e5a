package mapping

import (
	"strings"
	"testing"

	gerrors "github.com/go-faster/errors"
	"github.com/stretchr/testify/require"

	"github.com/relatecrm/relate-sdk/modules/crm/domain/entities/importschema"
)

func contactSchema(t *testing.T) importschema.Schema {
	t.Helper()
	schema, err := importschema.Get(importschema.EntityContact)
	require.NoError(t, err)
	return schema
}

func TestResolve_DictionaryAutoMapping(t *testing.T) {
	dict := DefaultDictionary().ForEntity(importschema.EntityContact)
	m := Resolve([]string{"email", "Teléfono", "Nombre"}, dict)

	fieldID, ok := m.FieldFor("email")
	require.True(t, ok, "header with a dictionary entry should auto-map")
	require.Equal(t, "email", fieldID)

	fieldID, ok = m.FieldFor("Nombre")
	require.True(t, ok)
	require.Equal(t, "first_name", fieldID)

	_, ok = m.FieldFor("Teléfono")
	require.False(t, ok, "header without a dictionary entry stays unmapped")
}

func TestResolve_FirstHeaderWins(t *testing.T) {
	dict := DefaultDictionary().ForEntity(importschema.EntityContact)
	m := Resolve([]string{"Email", "Correo"}, dict)

	fieldID, ok := m.FieldFor("Email")
	require.True(t, ok)
	require.Equal(t, "email", fieldID)

	_, ok = m.FieldFor("Correo")
	require.False(t, ok, "later duplicate should stay unmapped for manual resolution")
}

func TestSet_RemapUnmapsPriorHeaderAtomically(t *testing.T) {
	m := New()
	m.Set("Email", "email")
	m.Set("Correo", "email")

	_, ok := m.FieldFor("Email")
	require.False(t, ok, "prior header must lose the field when it is remapped")

	header, ok := m.HeaderFor("email")
	require.True(t, ok)
	require.Equal(t, "Correo", header)
	require.Equal(t, 1, m.Len())
}

func TestSet_NoneClearsHeader(t *testing.T) {
	m := New()
	m.Set("Email", "email")
	m.Set("Email", None)

	_, ok := m.FieldFor("Email")
	require.False(t, ok)
	require.Equal(t, 0, m.Len())
}

func TestFromMap_RejectsDuplicateTargets(t *testing.T) {
	_, err := FromMap(map[string]string{
		"Email":  "email",
		"Correo": "email",
	})
	require.Error(t, err)
	require.True(t, gerrors.Is(err, ErrDuplicateTarget))
}

func TestFromMap_SkipsNoneEntries(t *testing.T) {
	m, err := FromMap(map[string]string{
		"Correo":   "email",
		"Nombre":   "first_name",
		"Teléfono": None,
		"Extra":    "",
	})
	require.NoError(t, err)
	require.Equal(t, 2, m.Len())
}

func TestValidate_UnknownField(t *testing.T) {
	m := New()
	m.Set("Pet", "favourite_pet")

	err := m.Validate(contactSchema(t))
	require.Error(t, err)
	require.True(t, gerrors.Is(err, ErrUnknownField))
}

func TestValidate_OK(t *testing.T) {
	m, err := FromMap(map[string]string{
		"Correo": "email",
		"Nombre": "first_name",
	})
	require.NoError(t, err)
	require.NoError(t, m.Validate(contactSchema(t)))
}

func TestResolve_MappingIsPureFunctionOfInputs(t *testing.T) {
	dict := DefaultDictionary().ForEntity(importschema.EntityContact)
	headers := []string{"Correo", "Nombre", "Apellido", "Empresa"}

	first := Resolve(headers, dict).Pairs()
	for i := 0; i < 10; i++ {
		require.Equal(t, first, Resolve(headers, dict).Pairs())
	}
}

func TestLoadDictionary_OverlaysDefaults(t *testing.T) {
	payload := `{"contact": {"Celular": "phone"}}`
	dict, err := LoadDictionary(strings.NewReader(payload))
	require.NoError(t, err)

	table := dict.ForEntity(importschema.EntityContact)
	require.Equal(t, "phone", table["celular"], "custom entries are normalized and merged")
	require.Equal(t, "email", table["correo"], "built-in entries survive the overlay")
}

func TestLoadDictionary_UnknownEntity(t *testing.T) {
	_, err := LoadDictionary(strings.NewReader(`{"lead": {"x": "y"}}`))
	require.Error(t, err)
}
