package sql

import (
	"fmt"
)

type IndexKind int

const (
	AutoIndex IndexKind = iota
	OrderedIndex
	EqualityIndex
	BitmapIndex
)

func (ik IndexKind) String() string {
	switch ik {
	case AutoIndex:
		return "auto"
	case OrderedIndex:
		return "ordered"
	case EqualityIndex:
		return "equality"
	case BitmapIndex:
		return "bitmap"
	}
	return fmt.Sprintf("IndexKind(%d)", int(ik))
}

// Column describes one physical slot of a row. Dropped columns keep their slot so that
// positions in stored versions are never reused.
type Column struct {
	Name    string
	Type    DataType
	NotNull bool
	Default Value
	Dropped bool
}

type ColumnUpdate struct {
	Column string
	Value  Value
}

type IndexDef struct {
	Name    string
	Columns []int // physical column numbers
	Kind    IndexKind
	Unique  bool
}

type Schema struct {
	Name    string
	ID      int64
	Columns []Column

	// Physical column number of the integer primary key or -1.
	PrimaryKey int
	Indexes    []IndexDef
}

func (s *Schema) Clone() *Schema {
	ns := *s
	ns.Columns = append([]Column(nil), s.Columns...)
	ns.Indexes = make([]IndexDef, 0, len(s.Indexes))
	for _, id := range s.Indexes {
		id.Columns = append([]int(nil), id.Columns...)
		ns.Indexes = append(ns.Indexes, id)
	}
	return &ns
}

// ColumnNum returns the physical column number of a live column.
func (s *Schema) ColumnNum(name string) (int, bool) {
	for num, col := range s.Columns {
		if !col.Dropped && col.Name == name {
			return num, true
		}
	}
	return -1, false
}

// Visible returns the physical column numbers of the live columns, in order.
func (s *Schema) Visible() []int {
	var cols []int
	for num, col := range s.Columns {
		if !col.Dropped {
			cols = append(cols, num)
		}
	}
	return cols
}

func (s *Schema) ColumnNames() []string {
	var names []string
	for _, col := range s.Columns {
		if !col.Dropped {
			names = append(names, col.Name)
		}
	}
	return names
}

func (s *Schema) LookupIndex(name string) (IndexDef, bool) {
	for _, id := range s.Indexes {
		if id.Name == name {
			return id, true
		}
	}
	return IndexDef{}, false
}

// Normalize pads a stored row to the physical width of the schema using column defaults (or
// NULL) and truncates extra trailing values. The argument is never modified.
func (s *Schema) Normalize(row []Value) []Value {
	if len(row) == len(s.Columns) {
		return row
	}
	if len(row) > len(s.Columns) {
		return row[:len(s.Columns):len(s.Columns)]
	}

	nrow := make([]Value, len(s.Columns))
	copy(nrow, row)
	for num := len(row); num < len(s.Columns); num++ {
		nrow[num] = s.Columns[num].Default
	}
	return nrow
}

// Project returns the live columns of a normalized row.
func (s *Schema) Project(row []Value) []Value {
	vals := make([]Value, 0, len(row))
	for num, col := range s.Columns {
		if !col.Dropped {
			vals = append(vals, row[num])
		}
	}
	return vals
}

func (s *Schema) String() string {
	return fmt.Sprintf("%s(%d columns, %d indexes)", s.Name, len(s.Columns), len(s.Indexes))
}
