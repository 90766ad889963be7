package schema

// Column pairs a destination column name with its value.
type Column struct {
	Name  string
	Value any
}

// Row is the explicit field-to-column mapping for one event. Mappings are
// written by hand per record type; the pipeline never derives columns by
// reflection.
type Row struct {
	Columns []Column
}

// ColumnNames returns the mapped column names in declaration order.
func (r Row) ColumnNames() []string {
	names := make([]string, len(r.Columns))
	for i, col := range r.Columns {
		names[i] = col.Name
	}
	return names
}

// Values returns the mapped column values in declaration order.
func (r Row) Values() []any {
	values := make([]any, len(r.Columns))
	for i, col := range r.Columns {
		values[i] = col.Value
	}
	return values
}
