package store

import (
	"slices"
	"strconv"

	"github.com/parquet-go/jsonlite"

	"rmcopilot/internal/payload"
)

// ColumnType is the physical type chosen for a frame column.
type ColumnType int

const (
	// ColumnString holds text; it is also used for columns with no values.
	ColumnString ColumnType = iota
	// ColumnInt64 holds integral numbers that fit in 64 bits.
	ColumnInt64
	// ColumnDouble holds numbers with a fractional part or exponent.
	ColumnDouble
	// ColumnBool holds booleans.
	ColumnBool
	// ColumnJSON holds compact JSON text for nested or mixed-kind values.
	ColumnJSON
)

func (t ColumnType) String() string {
	switch t {
	case ColumnInt64:
		return "int64"
	case ColumnDouble:
		return "double"
	case ColumnBool:
		return "bool"
	case ColumnJSON:
		return "json"
	default:
		return "string"
	}
}

// Column describes one frame column.
type Column struct {
	Name string
	Type ColumnType
}

// Frame is a two-dimensional view of metric records: one row per record and
// one column per key seen in any record. A nil cell is a missing value.
type Frame struct {
	Columns []Column
	Rows    [][]*jsonlite.Value
}

// NewFrame builds a Frame from records. Columns are the union of object keys
// sorted by name; a record that is not an object becomes a row of nulls.
// When a record repeats a key the last occurrence wins.
func NewFrame(records []*jsonlite.Value) *Frame {
	seen := make(map[string]struct{})
	var names []string
	for _, rec := range records {
		if rec == nil || rec.Kind() != jsonlite.Object {
			continue
		}
		for key := range rec.Object {
			if _, ok := seen[key]; !ok {
				seen[key] = struct{}{}
				names = append(names, key)
			}
		}
	}
	slices.Sort(names)

	index := make(map[string]int, len(names))
	for i, name := range names {
		index[name] = i
	}

	rows := make([][]*jsonlite.Value, len(records))
	for r, rec := range records {
		row := make([]*jsonlite.Value, len(names))
		if rec != nil && rec.Kind() == jsonlite.Object {
			for key, val := range rec.Object {
				if val.Kind() == jsonlite.Null {
					row[index[key]] = nil
					continue
				}
				row[index[key]] = val
			}
		}
		rows[r] = row
	}

	columns := make([]Column, len(names))
	for i, name := range names {
		columns[i] = Column{Name: name, Type: inferType(rows, i)}
	}

	return &Frame{Columns: columns, Rows: rows}
}

// NumRows returns the number of records in the frame.
func (f *Frame) NumRows() int { return len(f.Rows) }

// ColumnNames returns the column names in storage order.
func (f *Frame) ColumnNames() []string {
	names := make([]string, len(f.Columns))
	for i, c := range f.Columns {
		names[i] = c.Name
	}
	return names
}

// inferType picks the narrowest type that represents every non-null cell of
// column col.
func inferType(rows [][]*jsonlite.Value, col int) ColumnType {
	seen := false
	allBool, allString, allNum, allInt := true, true, true, true
	for _, row := range rows {
		v := row[col]
		if v == nil {
			continue
		}
		seen = true
		switch v.Kind() {
		case jsonlite.True, jsonlite.False:
			allString, allNum = false, false
		case jsonlite.String:
			allBool, allNum = false, false
		case jsonlite.Number:
			allBool, allString = false, false
			if !isInt64(v) {
				allInt = false
			}
		default:
			return ColumnJSON
		}
	}

	switch {
	case !seen:
		return ColumnString
	case allBool:
		return ColumnBool
	case allString:
		return ColumnString
	case allNum && allInt:
		return ColumnInt64
	case allNum:
		return ColumnDouble
	default:
		return ColumnJSON
	}
}

func isInt64(v *jsonlite.Value) bool {
	if v.NumberType() == jsonlite.Float {
		return false
	}
	_, err := strconv.ParseInt(v.String(), 10, 64)
	return err == nil
}

// cellText renders a cell for string and JSON columns.
func cellText(t ColumnType, v *jsonlite.Value) string {
	if t == ColumnJSON {
		return string(v.Compact(nil))
	}
	return payload.Text(v)
}
