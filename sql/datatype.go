package sql

type DataType int

const (
	BooleanType DataType = iota + 1
	IntegerType
	FloatType
	StringType
	JSONType
	TimestampType
)

func (dt DataType) String() string {
	switch dt {
	case BooleanType:
		return "BOOL"
	case IntegerType:
		return "INT"
	case FloatType:
		return "DOUBLE"
	case StringType:
		return "TEXT"
	case JSONType:
		return "JSON"
	case TimestampType:
		return "TIMESTAMP"
	}

	return ""
}

func (dt DataType) Valid() bool {
	return dt >= BooleanType && dt <= TimestampType
}
