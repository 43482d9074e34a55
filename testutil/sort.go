package testutil

import (
	"sort"

	"github.com/leftmike/mvstore/sql"
)

// SortRows sorts rows by the given columns, in order.
func SortRows(rows [][]sql.Value, cols ...int) {
	sort.SliceStable(rows,
		func(i, j int) bool {
			for _, col := range cols {
				cmp := sql.Compare(rows[i][col], rows[j][col])
				if cmp != 0 {
					return cmp < 0
				}
			}
			return false
		})
}
