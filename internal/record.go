package internal

// Record is one row of a report: a set of column names and their values.
// Column order matters to the CSV and parquet serializers, so names and
// values are kept as parallel slices rather than a map.
type Record struct {
	columns []string
	values  []any
}

func NewRecord(columns []string, values []any) *Record {
	return &Record{
		columns: columns,
		values:  values,
	}
}

func (r *Record) Len() int {
	return len(r.columns)
}

func (r *Record) Columns() []string {
	return r.columns
}

func (r *Record) Values() []any {
	return r.values
}

// Get returns the value for a column, or nil when the column is absent.
func (r *Record) Get(column string) any {
	for i, c := range r.columns {
		if c == column {
			return r.values[i]
		}
	}
	return nil
}

func (r *Record) Map() map[string]any {
	m := make(map[string]any, len(r.columns))
	for i, c := range r.columns {
		m[c] = r.values[i]
	}
	return m
}
