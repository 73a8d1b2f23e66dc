package normalize

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/petrel-labs/gridharvest/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrRowSkipped reports that a raw row was dropped because a required field
// was missing or unusable. Skipping is per-row; it never fails the run.
var ErrRowSkipped = errors.New("row skipped")

// FieldType is the coercion applied to a cell's text.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldNumber FieldType = "number"
)

// Field maps one table column to a named, typed output field.
type Field struct {
	Name     string
	Index    int
	Type     FieldType
	Required bool
}

// Record is one normalized product row. It preserves the configured field
// order, both in memory and when marshaled to JSON.
type Record struct {
	names  []string
	values []any
}

// Get returns the value for a field name, for tests and callers that inspect
// individual fields.
func (r Record) Get(name string) (any, bool) {
	for i, n := range r.names {
		if n == name {
			return r.values[i], true
		}
	}
	return nil, false
}

// MarshalJSON writes the record as a JSON object with fields in configured
// order. Plain map marshaling would sort keys alphabetically and lose the
// deployment's column order.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range r.names {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(r.values[i])
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Mapper turns raw cell slices into typed records using a fixed, configured
// schema. Column-to-field mapping is configuration, never discovery.
type Mapper struct {
	fields []Field
}

// NewMapper validates the configured schema and builds a mapper.
func NewMapper(cfgFields []config.FieldConfig) (*Mapper, error) {
	if len(cfgFields) == 0 {
		return nil, fmt.Errorf("field mapping must not be empty")
	}

	seen := make(map[string]struct{}, len(cfgFields))
	fields := make([]Field, 0, len(cfgFields))
	for _, fc := range cfgFields {
		if fc.Name == "" {
			return nil, fmt.Errorf("field at column %d has no name", fc.Index)
		}
		if _, dup := seen[fc.Name]; dup {
			return nil, fmt.Errorf("duplicate field name %q", fc.Name)
		}
		seen[fc.Name] = struct{}{}

		if fc.Index < 0 {
			return nil, fmt.Errorf("field %q has negative column index %d", fc.Name, fc.Index)
		}

		ftype := FieldType(fc.Type)
		if ftype == "" {
			ftype = FieldString
		}
		if ftype != FieldString && ftype != FieldNumber {
			return nil, fmt.Errorf("field %q has unknown type %q", fc.Name, fc.Type)
		}

		fields = append(fields, Field{
			Name:     fc.Name,
			Index:    fc.Index,
			Type:     ftype,
			Required: fc.Required,
		})
	}

	return &Mapper{fields: fields}, nil
}

// Normalize maps one raw row into a Record. A missing or empty required
// field yields ErrRowSkipped rather than failing the run.
func (m *Mapper) Normalize(cells []string) (Record, error) {
	rec := Record{
		names:  make([]string, 0, len(m.fields)),
		values: make([]any, 0, len(m.fields)),
	}

	for _, f := range m.fields {
		var raw string
		if f.Index < len(cells) {
			raw = strings.TrimSpace(cells[f.Index])
		}

		if raw == "" {
			if f.Required {
				return Record{}, fmt.Errorf("required field %q is empty: %w", f.Name, ErrRowSkipped)
			}
			rec.names = append(rec.names, f.Name)
			rec.values = append(rec.values, nil)
			continue
		}

		var value any = raw
		if f.Type == FieldNumber {
			num, ok := parseNumber(raw)
			if ok {
				value = num
			} else if f.Required {
				return Record{}, fmt.Errorf("required field %q is not numeric (%q): %w", f.Name, raw, ErrRowSkipped)
			}
			// A non-numeric optional value stays a string rather than being
			// silently dropped.
		}

		rec.names = append(rec.names, f.Name)
		rec.values = append(rec.values, value)
	}

	return rec, nil
}

// numberCleaner strips the decoration commonly found in rendered numeric
// cells (currency symbols, thousands separators, whitespace).
var numberCleaner = strings.NewReplacer("$", "", "€", "", "£", "", "¥", "", ",", "", " ", "", " ", "")

// parseNumber coerces numeric-looking cell text into a float64.
func parseNumber(raw string) (float64, bool) {
	cleaned := numberCleaner.Replace(raw)
	if cleaned == "" {
		return 0, false
	}
	num, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, false
	}
	return num, true
}
