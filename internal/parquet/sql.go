package parquet

import (
	"fmt"
	"strings"

	"github.com/xwb1989/sqlparser"
)

// SQLColumnToField maps one column of a parsed CREATE TABLE statement to
// a parquet field.
func SQLColumnToField(col *sqlparser.ColumnDefinition) (Field, error) {
	f := Field{
		Name: col.Name.String(),
	}

	switch strings.ToLower(col.Type.Type) {
	case "smallint", "int", "integer", "bigint":
		f.Type = "INT64"
	case "real", "float", "double", "numeric", "decimal":
		f.Type = "DOUBLE"
	case "char", "character", "varchar", "text":
		f.Type = "BYTE_ARRAY"
		f.ConvertedType = "UTF8"
	case "timestamp", "timestamptz", "datetime":
		f.Type = "INT64"
		f.ConvertedType = "TIMESTAMP_MILLIS"
	case "date":
		f.Type = "INT32"
		f.ConvertedType = "DATE"
	case "boolean", "bool":
		f.Type = "BOOLEAN"
	default:
		return Field{}, fmt.Errorf("unsupported data type: %q", col.Type.Type)
	}

	if !bool(col.Type.NotNull) {
		f.RepetitionType = "OPTIONAL"
	}

	return f, nil
}

// DDLToSchema parses a CREATE TABLE statement into a parquet schema.
func DDLToSchema(ddl string) (Schema, error) {
	stmt, err := sqlparser.Parse(ddl)
	if err != nil {
		return nil, fmt.Errorf("parse ddl: %w", err)
	}

	create, ok := stmt.(*sqlparser.DDL)
	if !ok || create.TableSpec == nil {
		return nil, fmt.Errorf("not a create table statement")
	}

	var s Schema
	for _, col := range create.TableSpec.Columns {
		f, err := SQLColumnToField(col)
		if err != nil {
			return nil, err
		}
		s = append(s, f)
	}
	return s, nil
}
