package conn

// Column is one column definition as reported by information_schema.
type Column struct {
	Name string
	Type string
}

// TableSchema is the ordered column list of a table. It is derived by
// introspection and used transiently during reconciliation and copy;
// it is never persisted.
type TableSchema []Column

// Names returns the column names in order.
func (s TableSchema) Names() []string {
	names := make([]string, len(s))
	for i, c := range s {
		names[i] = c.Name
	}
	return names
}

// Has reports whether the schema contains a column with the given name.
func (s TableSchema) Has(name string) bool {
	for _, c := range s {
		if c.Name == name {
			return true
		}
	}
	return false
}
