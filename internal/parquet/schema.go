package parquet

import (
	"fmt"
	"strings"

	"github.com/vrx-tools/vrxetl/internal"
)

type Field struct {
	Name           string
	Type           string
	ConvertedType  string
	RepetitionType string
}

type Schema []Field

// SchemaForReport builds an all-optional UTF8 schema from a report
// header. Report values stay strings in the archive; typed reads happen
// in the warehouse, not here.
func SchemaForReport(header []string) Schema {
	s := make(Schema, len(header))
	for i, name := range header {
		s[i] = Field{
			Name:           sanitizeName(name),
			Type:           "BYTE_ARRAY",
			ConvertedType:  "UTF8",
			RepetitionType: "OPTIONAL",
		}
	}
	return s
}

// sanitizeName rewrites a CSV header cell into a parquet-safe column name.
func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

func (s Schema) ToGoParquetSchema() []string {
	schema := make([]string, len(s))
	for i, field := range s {
		parts := []string{
			fmt.Sprintf("name=%s", field.Name),
			fmt.Sprintf("type=%s", field.Type),
		}
		if field.ConvertedType != "" {
			parts = append(parts, fmt.Sprintf("convertedtype=%s", field.ConvertedType))
		}
		if field.RepetitionType != "" {
			parts = append(parts, fmt.Sprintf("repetitiontype=%s", field.RepetitionType))
		}
		schema[i] = strings.Join(parts, ", ")
	}

	return schema
}

// RecordToRow converts a report record into a nullable string row for the
// parquet writer. Empty fields become NULL.
func (s Schema) RecordToRow(r *internal.Record) ([]*string, error) {
	if len(s) != r.Len() {
		return nil, fmt.Errorf(
			"schema and record fields mismatch: schema has %d fields, record has %d fields",
			len(s),
			r.Len(),
		)
	}

	row := make([]*string, len(s))
	for i, value := range r.Values() {
		str, ok := value.(string)
		if !ok || str == "" {
			continue
		}
		v := str
		row[i] = &v
	}

	return row, nil
}
