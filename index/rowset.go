package index

import (
	"sort"
)

// rowSet is a sorted set of row ids.
type rowSet []int64

func (rs rowSet) search(rowID int64) int {
	return sort.Search(len(rs), func(i int) bool { return rs[i] >= rowID })
}

func (rs rowSet) add(rowID int64) rowSet {
	i := rs.search(rowID)
	if i < len(rs) && rs[i] == rowID {
		return rs
	}
	rs = append(rs, 0)
	copy(rs[i+1:], rs[i:])
	rs[i] = rowID
	return rs
}

func (rs rowSet) remove(rowID int64) rowSet {
	i := rs.search(rowID)
	if i == len(rs) || rs[i] != rowID {
		return rs
	}
	return append(rs[:i], rs[i+1:]...)
}

func (rs rowSet) clone() []int64 {
	if len(rs) == 0 {
		return nil
	}
	return append([]int64(nil), rs...)
}

func sortRows(rows []int64) []int64 {
	sort.Slice(rows, func(i, j int) bool { return rows[i] < rows[j] })
	return rows
}

// Intersect merges two sorted row id lists, keeping the ids present in both.
func Intersect(r1, r2 []int64) []int64 {
	var rows []int64
	for len(r1) > 0 && len(r2) > 0 {
		if r1[0] < r2[0] {
			r1 = r1[1:]
		} else if r1[0] > r2[0] {
			r2 = r2[1:]
		} else {
			rows = append(rows, r1[0])
			r1 = r1[1:]
			r2 = r2[1:]
		}
	}
	return rows
}

// Union merges two sorted row id lists without duplicates.
func Union(r1, r2 []int64) []int64 {
	rows := make([]int64, 0, len(r1)+len(r2))
	for len(r1) > 0 && len(r2) > 0 {
		if r1[0] < r2[0] {
			rows = append(rows, r1[0])
			r1 = r1[1:]
		} else if r1[0] > r2[0] {
			rows = append(rows, r2[0])
			r2 = r2[1:]
		} else {
			rows = append(rows, r1[0])
			r1 = r1[1:]
			r2 = r2[1:]
		}
	}
	rows = append(rows, r1...)
	return append(rows, r2...)
}

// window applies offset and limit (limit <= 0 means no limit) to a list of rows.
func window(rows []int64, limit, offset int) []int64 {
	if offset >= len(rows) {
		return nil
	}
	rows = rows[offset:]
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}
