// Package models provides the data model shared by source adapters, the
// sync orchestrator, and the warehouse client: typed column schemas and the
// transient row records that flow between fetch and load.
package models

import (
	"fmt"

	"cloud.google.com/go/bigquery"

	"github.com/driftdata/driftsync/pkg/errors"
)

// FieldType is the semantic type of a schema column.
type FieldType string

const (
	FieldTypeString    FieldType = "string"
	FieldTypeInteger   FieldType = "integer"
	FieldTypeFloat     FieldType = "float"
	FieldTypeBoolean   FieldType = "boolean"
	FieldTypeTimestamp FieldType = "timestamp"
	FieldTypeDate      FieldType = "date"
)

// Field is a single column in a table schema.
type Field struct {
	// Name is the column identifier
	Name string `json:"name"`

	// Type specifies the semantic type of the column
	Type FieldType `json:"type"`

	// Required indicates the column may not be null. All primary-key
	// columns are required.
	Required bool `json:"required"`
}

// Schema is the ordered column schema of a warehouse table.
type Schema struct {
	// Name is the target table name (e.g. raw_pull_requests)
	Name string `json:"name"`

	// Fields defines the ordered column set
	Fields []Field `json:"fields"`
}

// Field returns the field with the given name, or nil.
func (s *Schema) Field(name string) *Field {
	for i := range s.Fields {
		if s.Fields[i].Name == name {
			return &s.Fields[i]
		}
	}
	return nil
}

// ColumnNames returns the column names in schema order.
func (s *Schema) ColumnNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// ToBigQuery converts the schema to a BigQuery table schema.
func (s *Schema) ToBigQuery() bigquery.Schema {
	bq := make(bigquery.Schema, 0, len(s.Fields))
	for _, f := range s.Fields {
		field := &bigquery.FieldSchema{
			Name:     f.Name,
			Required: f.Required,
		}
		switch f.Type {
		case FieldTypeInteger:
			field.Type = bigquery.IntegerFieldType
		case FieldTypeFloat:
			field.Type = bigquery.FloatFieldType
		case FieldTypeBoolean:
			field.Type = bigquery.BooleanFieldType
		case FieldTypeTimestamp:
			field.Type = bigquery.TimestampFieldType
		case FieldTypeDate:
			field.Type = bigquery.DateFieldType
		default:
			field.Type = bigquery.StringFieldType
		}
		bq = append(bq, field)
	}
	return bq
}

// Record is a transformed row keyed by column name. It exists only in memory
// between transform and load.
type Record map[string]interface{}

// Validate checks that the record carries non-null values for every
// primary-key column.
func (r Record) Validate(primaryKey []string) error {
	for _, pk := range primaryKey {
		v, ok := r[pk]
		if !ok || v == nil {
			return errors.New(errors.ErrorTypeMalformedRecord,
				"record is missing primary key column").WithDetail("column", pk)
		}
	}
	return nil
}

// Key builds a composite primary-key string for the record, used for
// deduplication and job identity. Callers must Validate first.
func (r Record) Key(primaryKey []string) string {
	key := ""
	for i, pk := range primaryKey {
		if i > 0 {
			key += "|"
		}
		key += toString(r[pk])
	}
	return key
}

func toString(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
