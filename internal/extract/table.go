// Package extract provides the relational extract tables consumed by the cohort engine.
// Tables are read-only once built: every consumer derives new values instead of editing rows.
package extract

import (
	"strings"
)

// Warning represents a non-fatal issue encountered while reading an extract.
type Warning struct {
	Table   string `json:"table"`
	Row     int    `json:"row"`
	Message string `json:"message"`
}

// Table is an in-memory extract with upper-cased column names.
type Table struct {
	Name     string     `json:"name"`
	Columns  []string   `json:"columns"`
	Rows     [][]string `json:"rows"`
	Warnings []Warning  `json:"warnings,omitempty"`

	index map[string]int
}

// NewTable creates a table, normalizing the column names. Rows shorter than the header
// are padded so every row can be indexed by column position.
func NewTable(name string, columns []string, rows [][]string) *Table {
	t := &Table{
		Name:    name,
		Columns: make([]string, len(columns)),
		Rows:    make([][]string, 0, len(rows)),
		index:   make(map[string]int, len(columns)),
	}
	for i, c := range columns {
		n := NormalizeColumn(c)
		t.Columns[i] = n
		if _, dup := t.index[n]; !dup {
			t.index[n] = i
		}
	}
	for _, r := range rows {
		if len(r) < len(columns) {
			padded := make([]string, len(columns))
			copy(padded, r)
			r = padded
		}
		t.Rows = append(t.Rows, r)
	}
	return t
}

// NormalizeColumn upper-cases a header and replaces inner whitespace with underscores.
func NormalizeColumn(name string) string {
	name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
	return strings.ToUpper(strings.Join(strings.Fields(name), "_"))
}

// Len returns the number of data rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Has reports whether the table carries the column.
func (t *Table) Has(column string) bool {
	return t.Col(column) >= 0
}

// Col returns the position of a column, or -1.
func (t *Table) Col(column string) int {
	if t == nil {
		return -1
	}
	n := NormalizeColumn(column)
	if t.index == nil {
		for i, c := range t.Columns {
			if NormalizeColumn(c) == n {
				return i
			}
		}
		return -1
	}
	if i, ok := t.index[n]; ok {
		return i
	}
	return -1
}

// Missing returns the subset of columns the table does not carry.
func (t *Table) Missing(columns ...string) []string {
	var missing []string
	for _, c := range columns {
		if !t.Has(c) {
			missing = append(missing, NormalizeColumn(c))
		}
	}
	return missing
}

// Value returns the trimmed cell for a row and column; absent columns read as "".
func (t *Table) Value(row int, column string) string {
	i := t.Col(column)
	if i < 0 || row < 0 || row >= len(t.Rows) || i >= len(t.Rows[row]) {
		return ""
	}
	return strings.TrimSpace(t.Rows[row][i])
}

// Record returns a copy of a row keyed by column name.
func (t *Table) Record(row int) map[string]string {
	rec := make(map[string]string, len(t.Columns))
	for i, c := range t.Columns {
		if i < len(t.Rows[row]) {
			rec[c] = strings.TrimSpace(t.Rows[row][i])
		} else {
			rec[c] = ""
		}
	}
	return rec
}

// Normalize prepares a table received over the wire (JSON) for lookups.
func (t *Table) Normalize() *Table {
	if t == nil {
		return nil
	}
	return NewTable(t.Name, t.Columns, t.Rows)
}

// Concat appends the rows of b to a copy of a. The result carries the union of both
// headers in first-seen order; cells for columns a table lacks are empty.
func Concat(a, b *Table) *Table {
	switch {
	case a == nil:
		return b.Normalize()
	case b == nil:
		return a.Normalize()
	}
	columns := append([]string(nil), a.Normalize().Columns...)
	seen := make(map[string]bool, len(columns))
	for _, c := range columns {
		seen[c] = true
	}
	for _, c := range b.Normalize().Columns {
		if !seen[c] {
			seen[c] = true
			columns = append(columns, c)
		}
	}
	out := NewTable(a.Name, columns, nil)
	for _, src := range []*Table{a, b} {
		for r := range src.Rows {
			row := make([]string, len(columns))
			for i, c := range columns {
				row[i] = src.Value(r, c)
			}
			out.Rows = append(out.Rows, row)
		}
		out.Warnings = append(out.Warnings, src.Warnings...)
	}
	return out
}
