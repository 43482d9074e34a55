package sql

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	NullString  = "NULL"
	TrueString  = "true"
	FalseString = "false"
)

type Value interface {
	fmt.Stringer

	// return -1 if v1 < v2
	// return 0 if v1 == v2
	// return 1 if v1 > v2
	Compare(v2 Value) (int, error)
}

type BoolValue bool

func (b BoolValue) String() string {
	if b {
		return TrueString
	}
	return FalseString
}

func (b1 BoolValue) Compare(v2 Value) (int, error) {
	if b2, ok := v2.(BoolValue); ok {
		if b1 {
			if b2 {
				return 0, nil
			}
			return 1, nil
		} else {
			if b2 {
				return -1, nil
			}
			return 0, nil
		}
	}
	return 0, fmt.Errorf("sql: want boolean got %v", v2)
}

type Int64Value int64

func (i Int64Value) String() string {
	return strconv.FormatInt(int64(i), 10)
}

func (i1 Int64Value) Compare(v2 Value) (int, error) {
	switch v2 := v2.(type) {
	case Int64Value:
		if i1 < v2 {
			return -1, nil
		} else if i1 > v2 {
			return 1, nil
		}
		return 0, nil
	case Float64Value:
		return compareFloat(float64(i1), float64(v2)), nil
	}
	return 0, fmt.Errorf("sql: want number got %v", v2)
}

type Float64Value float64

func (d Float64Value) String() string {
	return strconv.FormatFloat(float64(d), 'g', -1, 64)
}

func (d1 Float64Value) Compare(v2 Value) (int, error) {
	switch v2 := v2.(type) {
	case Int64Value:
		return compareFloat(float64(d1), float64(v2)), nil
	case Float64Value:
		return compareFloat(float64(d1), float64(v2)), nil
	}
	return 0, fmt.Errorf("sql: want number got %v", v2)
}

// compareFloat is a total order: -0 and 0 are equal, and NaN is equal to itself and less
// than every other number.
func compareFloat(f1, f2 float64) int {
	nan1 := math.IsNaN(f1)
	nan2 := math.IsNaN(f2)
	if nan1 || nan2 {
		if nan1 && nan2 {
			return 0
		} else if nan1 {
			return -1
		}
		return 1
	}

	if f1 < f2 {
		return -1
	} else if f1 > f2 {
		return 1
	}
	return 0
}

var canonicalNaN = Float64Value(math.NaN())

// Canonical returns the single representative of the values that compare equal to v: -0 is
// returned as 0, and every NaN as the same NaN. Keys built from canonical values are equal
// exactly when Compare says they are.
func Canonical(v Value) Value {
	if f, ok := v.(Float64Value); ok {
		if f == 0 {
			return Float64Value(0)
		} else if math.IsNaN(float64(f)) {
			return canonicalNaN
		}
	}
	return v
}

// CanonicalRow returns row with every value made canonical; row is returned unchanged when
// it has nothing to canonicalize.
func CanonicalRow(row []Value) []Value {
	for idx, v := range row {
		if !isCanonical(v) {
			ret := make([]Value, len(row))
			copy(ret, row[:idx])
			for cdx := idx; cdx < len(row); cdx++ {
				ret[cdx] = Canonical(row[cdx])
			}
			return ret
		}
	}
	return row
}

func isCanonical(v Value) bool {
	f, ok := v.(Float64Value)
	if !ok {
		return true
	}
	return !math.IsNaN(float64(f)) && !(f == 0 && math.Signbit(float64(f)))
}

type StringValue string

func (s StringValue) String() string {
	return fmt.Sprintf("'%s'", string(s))
}

func (s1 StringValue) Compare(v2 Value) (int, error) {
	if s2, ok := v2.(StringValue); ok {
		return strings.Compare(string(s1), string(s2)), nil
	}
	return 0, fmt.Errorf("sql: want string got %v", v2)
}

// JSONValue holds semi-structured text; it compares and indexes like text.
type JSONValue string

func (j JSONValue) String() string {
	return string(j)
}

func (j1 JSONValue) Compare(v2 Value) (int, error) {
	if j2, ok := v2.(JSONValue); ok {
		return strings.Compare(string(j1), string(j2)), nil
	}
	return 0, fmt.Errorf("sql: want json got %v", v2)
}

// TimestampValue is always kept in UTC with nanosecond precision.
type TimestampValue time.Time

func MakeTimestamp(t time.Time) TimestampValue {
	return TimestampValue(time.Unix(0, t.UnixNano()).UTC())
}

func (t TimestampValue) String() string {
	return time.Time(t).Format(time.RFC3339Nano)
}

func (t1 TimestampValue) Compare(v2 Value) (int, error) {
	if t2, ok := v2.(TimestampValue); ok {
		return time.Time(t1).Compare(time.Time(t2)), nil
	}
	return 0, fmt.Errorf("sql: want timestamp got %v", v2)
}

func typeRank(v Value) int {
	switch v.(type) {
	case BoolValue:
		return 1
	case Float64Value, Int64Value:
		return 2
	case StringValue:
		return 3
	case JSONValue:
		return 4
	case TimestampValue:
		return 5
	default:
		panic(fmt.Sprintf("unexpected type for sql.Value: %T: %v", v, v))
	}
}

// Compare orders NULL before everything else; values of different kinds are ordered by kind.
func Compare(v1, v2 Value) int {
	if v1 == nil {
		if v2 == nil {
			return 0
		}
		return -1
	}
	if v2 == nil {
		return 1
	}

	r1 := typeRank(v1)
	r2 := typeRank(v2)
	if r1 < r2 {
		return -1
	} else if r1 > r2 {
		return 1
	}
	cmp, _ := v1.Compare(v2)
	return cmp
}

func CompareRows(r1, r2 []Value) int {
	for idx := 0; idx < len(r1) && idx < len(r2); idx++ {
		cmp := Compare(r1[idx], r2[idx])
		if cmp != 0 {
			return cmp
		}
	}
	if len(r1) < len(r2) {
		return -1
	} else if len(r1) > len(r2) {
		return 1
	}
	return 0
}

func Format(v Value) string {
	if v == nil {
		return NullString
	}

	return v.String()
}

func FormatRow(row []Value) string {
	var sb strings.Builder
	sb.WriteRune('[')
	for idx, v := range row {
		if idx > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(Format(v))
	}
	sb.WriteRune(']')
	return sb.String()
}

func ConvertValue(dt DataType, v Value) (Value, error) {
	if v == nil {
		return nil, nil
	}

	switch dt {
	case BooleanType:
		if sv, ok := v.(StringValue); ok {
			s := strings.Trim(string(sv), " \t\n")
			if s == "t" || s == "true" || s == "y" || s == "yes" || s == "on" || s == "1" {
				return BoolValue(true), nil
			} else if s == "f" || s == "false" || s == "n" || s == "no" || s == "off" || s == "0" {
				return BoolValue(false), nil
			} else {
				return nil, fmt.Errorf("sql: expected a boolean value: %v", v)
			}
		} else if _, ok := v.(BoolValue); !ok {
			return nil, fmt.Errorf("sql: expected a boolean value: %v", v)
		}
	case StringType:
		if i, ok := v.(Int64Value); ok {
			return StringValue(strconv.FormatInt(int64(i), 10)), nil
		} else if f, ok := v.(Float64Value); ok {
			return StringValue(strconv.FormatFloat(float64(f), 'g', -1, 64)), nil
		} else if j, ok := v.(JSONValue); ok {
			return StringValue(j), nil
		} else if s, ok := v.(StringValue); !ok {
			return nil, fmt.Errorf("sql: expected a string value: %v", v)
		} else if !utf8.ValidString(string(s)) {
			return nil, fmt.Errorf("sql: expected a valid utf8 string: %v", v)
		}
	case JSONType:
		if s, ok := v.(StringValue); ok {
			return JSONValue(s), nil
		} else if _, ok := v.(JSONValue); !ok {
			return nil, fmt.Errorf("sql: expected a json value: %v", v)
		}
	case FloatType:
		if i, ok := v.(Int64Value); ok {
			return Float64Value(i), nil
		} else if s, ok := v.(StringValue); ok {
			d, err := strconv.ParseFloat(strings.Trim(string(s), " \t\n"), 64)
			if err != nil {
				return nil, fmt.Errorf("sql: expected a float: %v: %s", v, err)
			}
			return Float64Value(d), nil
		} else if _, ok := v.(Float64Value); !ok {
			return nil, fmt.Errorf("sql: expected a float value: %v", v)
		}
	case IntegerType:
		if f, ok := v.(Float64Value); ok {
			return Int64Value(f), nil
		} else if s, ok := v.(StringValue); ok {
			i, err := strconv.ParseInt(strings.Trim(string(s), " \t\n"), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("sql: expected an integer: %v: %s", v, err)
			}
			return Int64Value(i), nil
		} else if _, ok := v.(Int64Value); !ok {
			return nil, fmt.Errorf("sql: expected an integer value: %v", v)
		}
	case TimestampType:
		if s, ok := v.(StringValue); ok {
			t, err := time.Parse(time.RFC3339Nano, strings.Trim(string(s), " \t\n"))
			if err != nil {
				return nil, fmt.Errorf("sql: expected a timestamp: %v: %s", v, err)
			}
			return MakeTimestamp(t), nil
		} else if ts, ok := v.(TimestampValue); ok {
			return MakeTimestamp(time.Time(ts)), nil
		} else {
			return nil, fmt.Errorf("sql: expected a timestamp value: %v", v)
		}
	default:
		panic(fmt.Sprintf("expected a valid data type; got %v", dt))
	}

	return v, nil
}
