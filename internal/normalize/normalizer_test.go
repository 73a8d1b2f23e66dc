package normalize

import (
	stdjson "encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrel-labs/gridharvest/internal/config"
)

func productFields() []config.FieldConfig {
	return []config.FieldConfig{
		{Name: "id", Index: 0, Type: "string", Required: true},
		{Name: "category", Index: 1, Type: "string"},
		{Name: "price", Index: 2, Type: "number"},
		{Name: "score", Index: 3, Type: "number", Required: true},
	}
}

func TestNewMapper(t *testing.T) {
	t.Run("should accept a valid schema", func(t *testing.T) {
		m, err := NewMapper(productFields())
		require.NoError(t, err)
		assert.NotNil(t, m)
	})

	t.Run("should default a missing type to string", func(t *testing.T) {
		m, err := NewMapper([]config.FieldConfig{{Name: "id", Index: 0}})
		require.NoError(t, err)

		rec, err := m.Normalize([]string{"P-001"})
		require.NoError(t, err)

		v, ok := rec.Get("id")
		require.True(t, ok)
		assert.Equal(t, "P-001", v)
	})

	t.Run("should reject duplicate field names", func(t *testing.T) {
		_, err := NewMapper([]config.FieldConfig{
			{Name: "id", Index: 0},
			{Name: "id", Index: 1},
		})
		assert.ErrorContains(t, err, "duplicate field name")
	})

	t.Run("should reject unknown types", func(t *testing.T) {
		_, err := NewMapper([]config.FieldConfig{{Name: "id", Index: 0, Type: "boolean"}})
		assert.ErrorContains(t, err, "unknown type")
	})

	t.Run("should reject negative column indexes", func(t *testing.T) {
		_, err := NewMapper([]config.FieldConfig{{Name: "id", Index: -1}})
		assert.ErrorContains(t, err, "negative column index")
	})

	t.Run("should reject an empty schema", func(t *testing.T) {
		_, err := NewMapper(nil)
		assert.Error(t, err)
	})
}

func TestNormalize(t *testing.T) {
	m, err := NewMapper(productFields())
	require.NoError(t, err)

	t.Run("should map and coerce a complete row", func(t *testing.T) {
		rec, err := m.Normalize([]string{" P-001 ", "Tools", "$1,234.50", "87.5"})
		require.NoError(t, err)

		id, _ := rec.Get("id")
		assert.Equal(t, "P-001", id)

		price, _ := rec.Get("price")
		assert.Equal(t, 1234.5, price)

		score, _ := rec.Get("score")
		assert.Equal(t, 87.5, score)
	})

	t.Run("should skip rows missing a required field", func(t *testing.T) {
		_, err := m.Normalize([]string{"", "Tools", "9.99", "80"})
		assert.ErrorIs(t, err, ErrRowSkipped)
	})

	t.Run("should skip rows whose required number does not parse", func(t *testing.T) {
		_, err := m.Normalize([]string{"P-001", "Tools", "9.99", "not-a-number"})
		assert.ErrorIs(t, err, ErrRowSkipped)
	})

	t.Run("should null out missing optional fields", func(t *testing.T) {
		rec, err := m.Normalize([]string{"P-001", "", "", "42"})
		require.NoError(t, err)

		category, ok := rec.Get("category")
		require.True(t, ok)
		assert.Nil(t, category)

		price, ok := rec.Get("price")
		require.True(t, ok)
		assert.Nil(t, price)
	})

	t.Run("should keep an unparseable optional number as text", func(t *testing.T) {
		rec, err := m.Normalize([]string{"P-001", "Tools", "call for price", "42"})
		require.NoError(t, err)

		price, _ := rec.Get("price")
		assert.Equal(t, "call for price", price)
	})

	t.Run("should tolerate rows shorter than the schema", func(t *testing.T) {
		_, err := m.Normalize([]string{"P-001", "Tools"})
		// score (required, index 3) is missing.
		assert.ErrorIs(t, err, ErrRowSkipped)
	})
}

func TestRecordMarshalJSON(t *testing.T) {
	t.Run("should preserve configured field order", func(t *testing.T) {
		m, err := NewMapper(productFields())
		require.NoError(t, err)

		rec, err := m.Normalize([]string{"P-001", "Tools", "$2,000.00", "87.5"})
		require.NoError(t, err)

		data, err := stdjson.Marshal(rec)
		require.NoError(t, err)

		s := string(data)
		assert.True(t, strings.Index(s, `"id"`) < strings.Index(s, `"category"`))
		assert.True(t, strings.Index(s, `"category"`) < strings.Index(s, `"price"`))
		assert.True(t, strings.Index(s, `"price"`) < strings.Index(s, `"score"`))
	})

	t.Run("should round-trip as a plain object", func(t *testing.T) {
		m, err := NewMapper(productFields())
		require.NoError(t, err)

		rec, err := m.Normalize([]string{"P-001", "Tools", "9.99", "87.5"})
		require.NoError(t, err)

		data, err := stdjson.Marshal(rec)
		require.NoError(t, err)

		var decoded map[string]any
		require.NoError(t, stdjson.Unmarshal(data, &decoded))
		assert.Equal(t, "P-001", decoded["id"])
		assert.Equal(t, 9.99, decoded["price"])
	})
}
