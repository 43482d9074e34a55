package encode

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/leftmike/mvstore/sql"
)

// Schemas are encoded with the protobuf wire format so that fields can be added without
// breaking existing WAL files and snapshots.
const (
	schemaName    protowire.Number = 1
	schemaID      protowire.Number = 2
	schemaColumn  protowire.Number = 3
	schemaPrimary protowire.Number = 4
	schemaIndex   protowire.Number = 5

	columnName    protowire.Number = 1
	columnType    protowire.Number = 2
	columnNotNull protowire.Number = 3
	columnDefault protowire.Number = 4
	columnDropped protowire.Number = 5

	indexName   protowire.Number = 1
	indexColumn protowire.Number = 2
	indexKind   protowire.Number = 3
	indexUnique protowire.Number = 4
)

func appendBool(buf []byte, num protowire.Number, b bool) []byte {
	if !b {
		return buf
	}
	buf = protowire.AppendTag(buf, num, protowire.VarintType)
	return protowire.AppendVarint(buf, 1)
}

func appendColumn(buf []byte, col sql.Column) []byte {
	buf = protowire.AppendTag(buf, columnName, protowire.BytesType)
	buf = protowire.AppendString(buf, col.Name)
	buf = protowire.AppendTag(buf, columnType, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(col.Type))
	buf = appendBool(buf, columnNotNull, col.NotNull)
	if col.Default != nil {
		buf = protowire.AppendTag(buf, columnDefault, protowire.BytesType)
		buf = protowire.AppendBytes(buf, AppendValue(nil, col.Default))
	}
	return appendBool(buf, columnDropped, col.Dropped)
}

func AppendIndexDef(buf []byte, id sql.IndexDef) []byte {
	buf = protowire.AppendTag(buf, indexName, protowire.BytesType)
	buf = protowire.AppendString(buf, id.Name)
	for _, num := range id.Columns {
		buf = protowire.AppendTag(buf, indexColumn, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(num))
	}
	buf = protowire.AppendTag(buf, indexKind, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(id.Kind))
	return appendBool(buf, indexUnique, id.Unique)
}

func AppendSchema(buf []byte, s *sql.Schema) []byte {
	buf = protowire.AppendTag(buf, schemaName, protowire.BytesType)
	buf = protowire.AppendString(buf, s.Name)
	buf = protowire.AppendTag(buf, schemaID, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(s.ID))
	for _, col := range s.Columns {
		buf = protowire.AppendTag(buf, schemaColumn, protowire.BytesType)
		buf = protowire.AppendBytes(buf, appendColumn(nil, col))
	}
	buf = protowire.AppendTag(buf, schemaPrimary, protowire.VarintType)
	buf = protowire.AppendVarint(buf, protowire.EncodeZigZag(int64(s.PrimaryKey)))
	for _, id := range s.Indexes {
		buf = protowire.AppendTag(buf, schemaIndex, protowire.BytesType)
		buf = protowire.AppendBytes(buf, AppendIndexDef(nil, id))
	}
	return buf
}

type fieldFunc func(num protowire.Number, typ protowire.Type, buf []byte) (int, error)

func consumeFields(buf []byte, fn fieldFunc) error {
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return protowire.ParseError(n)
		}
		buf = buf[n:]

		n, err := fn(num, typ, buf)
		if err != nil {
			return err
		}
		if n == 0 {
			n = protowire.ConsumeFieldValue(num, typ, buf)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		buf = buf[n:]
	}
	return nil
}

func consumeVarint(typ protowire.Type, buf []byte, v *uint64) (int, error) {
	if typ != protowire.VarintType {
		return 0, fmt.Errorf("encode: want varint got wire type %d", typ)
	}
	u, n := protowire.ConsumeVarint(buf)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*v = u
	return n, nil
}

func consumeBytes(typ protowire.Type, buf []byte, b *[]byte) (int, error) {
	if typ != protowire.BytesType {
		return 0, fmt.Errorf("encode: want bytes got wire type %d", typ)
	}
	v, n := protowire.ConsumeBytes(buf)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*b = v
	return n, nil
}

func decodeColumn(buf []byte) (sql.Column, error) {
	var col sql.Column
	err := consumeFields(buf,
		func(num protowire.Number, typ protowire.Type, buf []byte) (int, error) {
			var u uint64
			var b []byte
			switch num {
			case columnName:
				n, err := consumeBytes(typ, buf, &b)
				col.Name = string(b)
				return n, err
			case columnType:
				n, err := consumeVarint(typ, buf, &u)
				col.Type = sql.DataType(u)
				return n, err
			case columnNotNull:
				n, err := consumeVarint(typ, buf, &u)
				col.NotNull = u != 0
				return n, err
			case columnDefault:
				n, err := consumeBytes(typ, buf, &b)
				if err != nil {
					return n, err
				}
				col.Default, _, err = DecodeValue(b)
				return n, err
			case columnDropped:
				n, err := consumeVarint(typ, buf, &u)
				col.Dropped = u != 0
				return n, err
			}
			return 0, nil
		})
	if err != nil {
		return sql.Column{}, err
	}
	if !col.Type.Valid() {
		return sql.Column{}, fmt.Errorf("encode: column %s: bad type: %d", col.Name, col.Type)
	}
	return col, nil
}

func DecodeIndexDef(buf []byte) (sql.IndexDef, error) {
	var id sql.IndexDef
	err := consumeFields(buf,
		func(num protowire.Number, typ protowire.Type, buf []byte) (int, error) {
			var u uint64
			var b []byte
			switch num {
			case indexName:
				n, err := consumeBytes(typ, buf, &b)
				id.Name = string(b)
				return n, err
			case indexColumn:
				n, err := consumeVarint(typ, buf, &u)
				id.Columns = append(id.Columns, int(u))
				return n, err
			case indexKind:
				n, err := consumeVarint(typ, buf, &u)
				id.Kind = sql.IndexKind(u)
				return n, err
			case indexUnique:
				n, err := consumeVarint(typ, buf, &u)
				id.Unique = u != 0
				return n, err
			}
			return 0, nil
		})
	if err != nil {
		return sql.IndexDef{}, err
	}
	return id, nil
}

func DecodeSchema(buf []byte) (*sql.Schema, error) {
	s := &sql.Schema{
		PrimaryKey: -1,
	}
	err := consumeFields(buf,
		func(num protowire.Number, typ protowire.Type, buf []byte) (int, error) {
			var u uint64
			var b []byte
			switch num {
			case schemaName:
				n, err := consumeBytes(typ, buf, &b)
				s.Name = string(b)
				return n, err
			case schemaID:
				n, err := consumeVarint(typ, buf, &u)
				s.ID = int64(u)
				return n, err
			case schemaColumn:
				n, err := consumeBytes(typ, buf, &b)
				if err != nil {
					return n, err
				}
				col, err := decodeColumn(b)
				s.Columns = append(s.Columns, col)
				return n, err
			case schemaPrimary:
				n, err := consumeVarint(typ, buf, &u)
				s.PrimaryKey = int(protowire.DecodeZigZag(u))
				return n, err
			case schemaIndex:
				n, err := consumeBytes(typ, buf, &b)
				if err != nil {
					return n, err
				}
				id, err := DecodeIndexDef(b)
				s.Indexes = append(s.Indexes, id)
				return n, err
			}
			return 0, nil
		})
	if err != nil {
		return nil, err
	}
	if s.PrimaryKey >= len(s.Columns) {
		return nil, fmt.Errorf("encode: schema %s: bad primary key: %d", s.Name, s.PrimaryKey)
	}
	return s, nil
}
