package encode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/leftmike/mvstore/sql"
)

// A value is encoded as a one byte tag followed by a tag specific payload; all fixed width
// fields are little endian.
const (
	NullValueTag      = 0
	BoolValueTag      = 1
	Int64ValueTag     = 2
	Float64ValueTag   = 3
	StringValueTag    = 4
	JSONValueTag      = 5
	TimestampValueTag = 6
)

var (
	errShortBuffer = errors.New("encode: short buffer")
)

func AppendValue(buf []byte, val sql.Value) []byte {
	switch val := val.(type) {
	case nil:
		buf = append(buf, NullValueTag)
	case sql.BoolValue:
		if val {
			buf = append(buf, BoolValueTag, 1)
		} else {
			buf = append(buf, BoolValueTag, 0)
		}
	case sql.Int64Value:
		buf = append(buf, Int64ValueTag)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(val))
	case sql.Float64Value:
		buf = append(buf, Float64ValueTag)
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(float64(val)))
	case sql.StringValue:
		buf = append(buf, StringValueTag)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(val)))
		buf = append(buf, val...)
	case sql.JSONValue:
		buf = append(buf, JSONValueTag)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(val)))
		buf = append(buf, val...)
	case sql.TimestampValue:
		buf = append(buf, TimestampValueTag)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(time.Time(val).UnixNano()))
	default:
		panic(fmt.Sprintf("unexpected type for sql.Value: %T: %v", val, val))
	}
	return buf
}

// DecodeValue returns the value and the remaining buffer.
func DecodeValue(buf []byte) (sql.Value, []byte, error) {
	if len(buf) < 1 {
		return nil, nil, errShortBuffer
	}
	tag := buf[0]
	buf = buf[1:]

	switch tag {
	case NullValueTag:
		return nil, buf, nil
	case BoolValueTag:
		if len(buf) < 1 {
			return nil, nil, errShortBuffer
		}
		return sql.BoolValue(buf[0] != 0), buf[1:], nil
	case Int64ValueTag:
		if len(buf) < 8 {
			return nil, nil, errShortBuffer
		}
		return sql.Int64Value(binary.LittleEndian.Uint64(buf)), buf[8:], nil
	case Float64ValueTag:
		if len(buf) < 8 {
			return nil, nil, errShortBuffer
		}
		return sql.Float64Value(math.Float64frombits(binary.LittleEndian.Uint64(buf))), buf[8:],
			nil
	case StringValueTag, JSONValueTag:
		if len(buf) < 4 {
			return nil, nil, errShortBuffer
		}
		n := binary.LittleEndian.Uint32(buf)
		buf = buf[4:]
		if uint64(len(buf)) < uint64(n) {
			return nil, nil, errShortBuffer
		}
		s := string(buf[:n])
		if tag == JSONValueTag {
			return sql.JSONValue(s), buf[n:], nil
		}
		return sql.StringValue(s), buf[n:], nil
	case TimestampValueTag:
		if len(buf) < 8 {
			return nil, nil, errShortBuffer
		}
		ns := int64(binary.LittleEndian.Uint64(buf))
		return sql.TimestampValue(time.Unix(0, ns).UTC()), buf[8:], nil
	}

	return nil, nil, fmt.Errorf("encode: bad value tag: %d", tag)
}

// AppendRow encodes a row as a four byte count followed by each value; a nil row (a
// tombstone) is encoded with a count of 0xFFFFFFFF.
func AppendRow(buf []byte, row []sql.Value) []byte {
	if row == nil {
		return binary.LittleEndian.AppendUint32(buf, math.MaxUint32)
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(row)))
	for _, val := range row {
		buf = AppendValue(buf, val)
	}
	return buf
}

func DecodeRow(buf []byte) ([]sql.Value, []byte, error) {
	if len(buf) < 4 {
		return nil, nil, errShortBuffer
	}
	cnt := binary.LittleEndian.Uint32(buf)
	buf = buf[4:]
	if cnt == math.MaxUint32 {
		return nil, buf, nil
	}
	if uint64(cnt) > uint64(len(buf)) {
		return nil, nil, fmt.Errorf("encode: bad row count: %d", cnt)
	}

	row := make([]sql.Value, cnt)
	for num := range row {
		var err error
		row[num], buf, err = DecodeValue(buf)
		if err != nil {
			return nil, nil, err
		}
	}
	return row, buf, nil
}

// MakeKey returns a comparable encoding of a list of values; keys have equal encodings
// exactly when sql.CompareRows says they are equal, so -0 and 0 share an encoding, as do all
// NaNs.
func MakeKey(vals []sql.Value) string {
	var buf []byte
	for _, val := range vals {
		buf = AppendValue(buf, sql.Canonical(val))
	}
	return string(buf)
}
