package sql_test

import (
	"math"
	"testing"
	"time"

	"github.com/leftmike/mvstore/sql"
)

func TestCompare(t *testing.T) {
	ts1 := sql.MakeTimestamp(time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC))
	ts2 := sql.MakeTimestamp(time.Date(2024, 1, 2, 3, 4, 5, 7, time.UTC))

	cases := []struct {
		v1, v2 sql.Value
		cmp    int
	}{
		{nil, sql.BoolValue(true), -1},
		{nil, nil, 0},

		{sql.BoolValue(false), nil, 1},
		{sql.BoolValue(true), sql.BoolValue(true), 0},
		{sql.BoolValue(false), sql.BoolValue(false), 0},
		{sql.BoolValue(false), sql.BoolValue(true), -1},
		{sql.BoolValue(true), sql.BoolValue(false), 1},
		{sql.BoolValue(false), sql.Float64Value(1.23), -1},

		{sql.Float64Value(1.23), sql.BoolValue(false), 1},
		{sql.Float64Value(1.23), sql.Int64Value(123), -1},
		{sql.Float64Value(1.23), sql.StringValue("abc"), -1},
		{sql.Float64Value(1.23), sql.Float64Value(2.34), -1},
		{sql.Float64Value(1.23), sql.Float64Value(1.23), 0},
		{sql.Float64Value(1.23), sql.Float64Value(0.12), 1},

		{sql.Int64Value(123), sql.BoolValue(false), 1},
		{sql.Int64Value(123), sql.Float64Value(1.23), 1},
		{sql.Int64Value(123), sql.StringValue("abc"), -1},
		{sql.Int64Value(123), sql.Int64Value(234), -1},
		{sql.Int64Value(123), sql.Int64Value(123), 0},
		{sql.Int64Value(123), sql.Int64Value(12), 1},

		{sql.StringValue("abc"), sql.BoolValue(false), 1},
		{sql.StringValue("abc"), sql.Float64Value(1.23), 1},
		{sql.StringValue("abc"), sql.Int64Value(123), 1},
		{sql.StringValue("def"), sql.StringValue("ghi"), -1},
		{sql.StringValue("def"), sql.StringValue("def"), 0},
		{sql.StringValue("def"), sql.StringValue("abc"), 1},
		{sql.StringValue("def"), sql.JSONValue("abc"), -1},

		{sql.JSONValue(`{"a":1}`), sql.JSONValue(`{"a":1}`), 0},
		{sql.JSONValue(`{"a":1}`), ts1, -1},

		{ts1, ts2, -1},
		{ts2, ts1, 1},
		{ts1, ts1, 0},
		{ts1, sql.StringValue("abc"), 1},

		{sql.Float64Value(math.Copysign(0, -1)), sql.Float64Value(0), 0},
		{sql.Float64Value(0), sql.Float64Value(math.Copysign(0, -1)), 0},
		{sql.Float64Value(math.Copysign(0, -1)), sql.Int64Value(0), 0},
		{sql.Float64Value(math.NaN()), sql.Float64Value(math.NaN()), 0},
		{sql.Float64Value(math.NaN()), sql.Float64Value(math.Inf(-1)), -1},
		{sql.Float64Value(math.Inf(-1)), sql.Float64Value(math.NaN()), 1},
		{sql.Float64Value(math.NaN()), sql.Int64Value(math.MinInt64), -1},
		{sql.Int64Value(0), sql.Float64Value(math.NaN()), 1},
		{sql.Float64Value(math.NaN()), nil, 1},
		{sql.BoolValue(true), sql.Float64Value(math.NaN()), -1},
	}

	for _, c := range cases {
		cmp := sql.Compare(c.v1, c.v2)
		if cmp != c.cmp {
			t.Errorf("Compare(%v, %v) got %d want %d", c.v1, c.v2, cmp, c.cmp)
		}
	}
}

func TestCanonical(t *testing.T) {
	negZero := sql.Float64Value(math.Copysign(0, -1))
	otherNaN := sql.Float64Value(math.Float64frombits(0x7ff8000000000123))

	c := sql.Canonical(negZero).(sql.Float64Value)
	if c != 0 || math.Signbit(float64(c)) {
		t.Errorf("Canonical(-0) got %v want 0", c)
	}
	c1 := sql.Canonical(otherNaN).(sql.Float64Value)
	c2 := sql.Canonical(sql.Float64Value(math.NaN())).(sql.Float64Value)
	if math.Float64bits(float64(c1)) != math.Float64bits(float64(c2)) {
		t.Errorf("Canonical(NaN) got %x and %x", math.Float64bits(float64(c1)),
			math.Float64bits(float64(c2)))
	}
	if sql.Canonical(sql.Float64Value(1.5)) != sql.Float64Value(1.5) {
		t.Errorf("Canonical(1.5) changed the value")
	}
	if sql.Canonical(sql.StringValue("abc")) != sql.StringValue("abc") {
		t.Errorf("Canonical('abc') changed the value")
	}

	row := []sql.Value{sql.Int64Value(1), sql.StringValue("a")}
	if got := sql.CanonicalRow(row); &got[0] != &row[0] {
		t.Errorf("CanonicalRow(%v) copied a canonical row", row)
	}
	row = []sql.Value{sql.Int64Value(1), negZero, otherNaN}
	got := sql.CanonicalRow(row)
	if math.Signbit(float64(got[1].(sql.Float64Value))) {
		t.Errorf("CanonicalRow(%v)[1] got -0", row)
	}
	if math.Float64bits(float64(got[2].(sql.Float64Value))) != math.Float64bits(float64(c2)) {
		t.Errorf("CanonicalRow(%v)[2] got a different NaN", row)
	}
	if !math.Signbit(float64(row[1].(sql.Float64Value))) {
		t.Errorf("CanonicalRow modified its argument")
	}
}

func TestConvertValue(t *testing.T) {
	cases := []struct {
		dt   sql.DataType
		v    sql.Value
		want sql.Value
		fail bool
	}{
		{dt: sql.BooleanType, v: sql.StringValue("yes"), want: sql.BoolValue(true)},
		{dt: sql.BooleanType, v: sql.StringValue("off"), want: sql.BoolValue(false)},
		{dt: sql.BooleanType, v: sql.Int64Value(1), fail: true},
		{dt: sql.IntegerType, v: sql.StringValue(" 42 "), want: sql.Int64Value(42)},
		{dt: sql.IntegerType, v: sql.Float64Value(4.0), want: sql.Int64Value(4)},
		{dt: sql.FloatType, v: sql.Int64Value(3), want: sql.Float64Value(3)},
		{dt: sql.StringType, v: sql.Int64Value(7), want: sql.StringValue("7")},
		{dt: sql.JSONType, v: sql.StringValue(`[1]`), want: sql.JSONValue(`[1]`)},
		{dt: sql.TimestampType, v: sql.StringValue("2024-01-02T03:04:05Z"),
			want: sql.MakeTimestamp(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))},
		{dt: sql.TimestampType, v: sql.BoolValue(true), fail: true},
		{dt: sql.IntegerType, v: nil, want: nil},
	}

	for _, c := range cases {
		v, err := sql.ConvertValue(c.dt, c.v)
		if c.fail {
			if err == nil {
				t.Errorf("ConvertValue(%s, %v) did not fail", c.dt, c.v)
			}
			continue
		}
		if err != nil {
			t.Errorf("ConvertValue(%s, %v) failed with %s", c.dt, c.v, err)
		} else if sql.Compare(v, c.want) != 0 {
			t.Errorf("ConvertValue(%s, %v) got %v want %v", c.dt, c.v, v, c.want)
		}
	}
}

func TestNormalize(t *testing.T) {
	s := &sql.Schema{
		Name: "t",
		Columns: []sql.Column{
			{Name: "a", Type: sql.IntegerType},
			{Name: "b", Type: sql.StringType, Dropped: true},
			{Name: "c", Type: sql.IntegerType, Default: sql.Int64Value(7)},
			{Name: "d", Type: sql.BooleanType},
		},
		PrimaryKey: 0,
	}

	stored := []sql.Value{sql.Int64Value(1), sql.StringValue("x")}
	row := s.Normalize(stored)
	if len(stored) != 2 {
		t.Fatalf("Normalize modified the stored row: %v", stored)
	}
	want := []sql.Value{sql.Int64Value(1), sql.StringValue("x"), sql.Int64Value(7), nil}
	if sql.CompareRows(row, want) != 0 {
		t.Errorf("Normalize(%v) got %v want %v", stored, sql.FormatRow(row), sql.FormatRow(want))
	}

	long := []sql.Value{sql.Int64Value(1), nil, sql.Int64Value(2), sql.BoolValue(true),
		sql.StringValue("extra")}
	row = s.Normalize(long)
	if len(row) != 4 {
		t.Errorf("Normalize(%v) got %d values want 4", long, len(row))
	}

	vals := s.Project(row)
	want = []sql.Value{sql.Int64Value(1), sql.Int64Value(2), sql.BoolValue(true)}
	if sql.CompareRows(vals, want) != 0 {
		t.Errorf("Project got %v want %v", sql.FormatRow(vals), sql.FormatRow(want))
	}

	if names := s.ColumnNames(); len(names) != 3 || names[1] != "c" {
		t.Errorf("ColumnNames() got %v", names)
	}
	if _, ok := s.ColumnNum("b"); ok {
		t.Errorf("ColumnNum(b) found a dropped column")
	}
}
