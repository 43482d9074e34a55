// Package index implements the secondary indexes of a table: ordered, equality, bitmap and
// composite. An index maps keys, one value per indexed column, to sets of row ids. Keys whose
// leading value is NULL are not indexed. Indexes track the latest committed state of a table
// and are safe for concurrent use.
package index

import (
	"errors"
	"fmt"

	"github.com/leftmike/mvstore/sql"
)

var (
	ErrUnsupported = errors.New("index: operation not supported")
)

type Index interface {
	Def() sql.IndexDef
	Add(key []sql.Value, rowID int64)
	Remove(key []sql.Value, rowID int64)

	// Find methods return row ids sorted ascending.
	FindEqual(key []sql.Value) []int64
	FindIn(keys [][]sql.Value) []int64
	// FindRange returns the rows with keys between min and max; a nil bound is unbounded.
	FindRange(min, max []sql.Value, minInclusive, maxInclusive bool) ([]int64, error)
	// Ordered returns row ids in key order; rows with equal keys are in row id order.
	Ordered(ascending bool, limit, offset int) ([]int64, error)

	Min() []sql.Value
	Max() []sql.Value
	// Len returns the number of indexed rows.
	Len() int
}

// KindFor returns the kind of index automatically chosen for a column of type dt.
func KindFor(dt sql.DataType) sql.IndexKind {
	switch dt {
	case sql.StringType, sql.JSONType:
		return sql.EqualityIndex
	case sql.BooleanType:
		return sql.BitmapIndex
	default:
		return sql.OrderedIndex
	}
}

// New returns an empty index; types are the data types of the indexed columns. An automatic
// index on more than one column is always a composite index.
func New(def sql.IndexDef, types []sql.DataType) (Index, error) {
	if len(def.Columns) == 0 || len(def.Columns) != len(types) {
		return nil, fmt.Errorf("index: %s: expected at least one column", def.Name)
	}

	kind := def.Kind
	if len(def.Columns) > 1 {
		if kind == sql.AutoIndex || kind == sql.OrderedIndex {
			return newComposite(def), nil
		}
	} else if kind == sql.AutoIndex {
		kind = KindFor(types[0])
	}

	switch kind {
	case sql.OrderedIndex:
		return newOrdered(def), nil
	case sql.EqualityIndex:
		return newEquality(def), nil
	case sql.BitmapIndex:
		return newBitmap(def), nil
	}
	return nil, fmt.Errorf("index: %s: unexpected kind: %s", def.Name, kind)
}

func indexable(key []sql.Value) bool {
	return len(key) > 0 && key[0] != nil
}

// Successor returns the smallest string greater than every string with the given prefix; ok
// is false if there is no such string.
func Successor(prefix string) (string, bool) {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xFF {
			b[i] += 1
			return string(b[:i+1]), true
		}
	}
	return "", false
}
