package engine

import (
	"context"
	"io"

	"github.com/leftmike/mvstore/sql"
)

// Rows are the result of a read: the live columns of the matching rows, in row id order
// unless the read was ordered.
type Rows struct {
	columns []string
	rowIDs  []int64
	rows    [][]sql.Value
	next    int
}

func makeRows(schema *sql.Schema, rowIDs []int64, data [][]sql.Value) *Rows {
	rows := make([][]sql.Value, len(data))
	for n, row := range data {
		rows[n] = schema.Project(row)
	}
	return &Rows{
		columns: schema.ColumnNames(),
		rowIDs:  rowIDs,
		rows:    rows,
	}
}

func (r *Rows) Columns() []string {
	return r.columns
}

// Len returns the number of rows in the result.
func (r *Rows) Len() int {
	return len(r.rows)
}

// Next copies the next row into dest, which must have room for every column; it returns
// io.EOF when there are no more rows.
func (r *Rows) Next(ctx context.Context, dest []sql.Value) error {
	if r.next >= len(r.rows) {
		return io.EOF
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	copy(dest, r.rows[r.next])
	r.next += 1
	return nil
}

// RowID returns the id of the row most recently returned by Next.
func (r *Rows) RowID() int64 {
	if r.next == 0 {
		return 0
	}
	return r.rowIDs[r.next-1]
}

func (r *Rows) Close() error {
	r.next = len(r.rows)
	return nil
}
