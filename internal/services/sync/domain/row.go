package domain

// Row is one record destined for a table, keyed by column name.
type Row map[string]any

// MissingKeys returns the primary-key columns without a value.
func (r Row) MissingKeys(t Table) []string {
	var missing []string
	for _, key := range t.PrimaryKey {
		if v, ok := r[key]; !ok || v == nil {
			missing = append(missing, key)
		}
	}
	return missing
}

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Window is the set of provider keys one entity run targets.
type Window struct {
	Keys []string
	// Update marks capture-timestamped documents that never overwrite
	// earlier captures of the same key.
	Update bool
}

// Empty reports whether the window has no keys.
func (w Window) Empty() bool {
	return len(w.Keys) == 0
}
