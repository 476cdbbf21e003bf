// Package typemap is the bidirectional mapping between the query engine's
// columnar value types and PostgreSQL type OIDs with their binary/text wire
// encodings. Value codecs are delegated to pgtype so text renderings (t/f
// booleans, ISO 8601 timestamps) match what generic PostgreSQL clients expect.
package typemap

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// ErrTypeMismatch reports parameter bytes that are incompatible with their
// declared OID.
var ErrTypeMismatch = errors.New("typemap: parameter type mismatch")

// ErrUnsupportedType reports an engine column type with no wire mapping.
// Surfaced at table registration, before any session is accepted.
var ErrUnsupportedType = errors.New("typemap: unsupported column type")

// LogicalType enumerates the engine value types the server can put on the wire.
type LogicalType int

const (
	Bool LogicalType = iota
	Int16
	Int32
	Int64
	Float32
	Float64
	Text
	Bytea
	Date
	Time
	Timestamp
	TimestampTZ
	Numeric
	JSON
	UUID
)

func (lt LogicalType) String() string {
	switch lt {
	case Bool:
		return "bool"
	case Int16:
		return "int2"
	case Int32:
		return "int4"
	case Int64:
		return "int8"
	case Float32:
		return "float4"
	case Float64:
		return "float8"
	case Text:
		return "text"
	case Bytea:
		return "bytea"
	case Date:
		return "date"
	case Time:
		return "time"
	case Timestamp:
		return "timestamp"
	case TimestampTZ:
		return "timestamptz"
	case Numeric:
		return "numeric"
	case JSON:
		return "json"
	case UUID:
		return "uuid"
	}
	return fmt.Sprintf("LogicalType(%d)", int(lt))
}

// Column is one named, typed output column. Column order within a schema is
// fixed: RowDescription and DataRow fields are emitted in this order.
type Column struct {
	Name string
	Type LogicalType
}

// WireType returns the PostgreSQL OID and the fixed byte width (-1 for
// variable width) for a logical type. It is total over the declared constants.
func (lt LogicalType) WireType() (oid uint32, size int16) {
	switch lt {
	case Bool:
		return pgtype.BoolOID, 1
	case Int16:
		return pgtype.Int2OID, 2
	case Int32:
		return pgtype.Int4OID, 4
	case Int64:
		return pgtype.Int8OID, 8
	case Float32:
		return pgtype.Float4OID, 4
	case Float64:
		return pgtype.Float8OID, 8
	case Bytea:
		return pgtype.ByteaOID, -1
	case Date:
		return pgtype.DateOID, 4
	case Time:
		return pgtype.TimeOID, 8
	case Timestamp:
		return pgtype.TimestampOID, 8
	case TimestampTZ:
		return pgtype.TimestamptzOID, 8
	case Numeric:
		return pgtype.NumericOID, -1
	case JSON:
		return pgtype.JSONOID, -1
	case UUID:
		return pgtype.UUIDOID, 16
	default:
		return pgtype.TextOID, -1
	}
}

// FromEngineType maps an engine column type name (as reported by DuckDB's
// DESCRIBE / database/sql ColumnType.DatabaseTypeName) to a logical type.
// Unmapped types fail registration: a catalog schema must never reference a
// type the wire layer cannot encode.
func FromEngineType(name string) (LogicalType, error) {
	n := strings.ToUpper(strings.TrimSpace(name))
	switch {
	case strings.HasPrefix(n, "BOOL"):
		return Bool, nil
	case strings.HasPrefix(n, "TINYINT") || strings.HasPrefix(n, "INT1") || strings.HasPrefix(n, "SMALLINT") || strings.HasPrefix(n, "INT2"):
		return Int16, nil
	case strings.HasPrefix(n, "UTINYINT") || strings.HasPrefix(n, "USMALLINT"):
		return Int32, nil
	case strings.HasPrefix(n, "INTEGER") || strings.HasPrefix(n, "INT4") || n == "INT":
		return Int32, nil
	case strings.HasPrefix(n, "UINTEGER"):
		return Int64, nil
	case strings.HasPrefix(n, "BIGINT") || strings.HasPrefix(n, "INT8"):
		return Int64, nil
	case strings.HasPrefix(n, "UBIGINT") || strings.HasPrefix(n, "HUGEINT"):
		return Numeric, nil
	case strings.HasPrefix(n, "FLOAT4") || strings.HasPrefix(n, "REAL"):
		return Float32, nil
	case n == "FLOAT" || strings.HasPrefix(n, "FLOAT8") || strings.HasPrefix(n, "DOUBLE"):
		return Float64, nil
	case strings.HasPrefix(n, "DECIMAL") || strings.HasPrefix(n, "NUMERIC"):
		return Numeric, nil
	case strings.HasPrefix(n, "VARCHAR") || strings.HasPrefix(n, "CHAR") || strings.HasPrefix(n, "STRING") || strings.HasPrefix(n, "TEXT") || n == "ENUM":
		return Text, nil
	case strings.HasPrefix(n, "BLOB") || strings.HasPrefix(n, "BYTEA") || strings.HasPrefix(n, "BINARY") || strings.HasPrefix(n, "VARBINARY"):
		return Bytea, nil
	case strings.HasPrefix(n, "TIMESTAMP WITH TIME ZONE") || strings.HasPrefix(n, "TIMESTAMPTZ"):
		return TimestampTZ, nil
	case strings.HasPrefix(n, "TIMESTAMP") || strings.HasPrefix(n, "DATETIME"):
		return Timestamp, nil
	case strings.HasPrefix(n, "DATE"):
		return Date, nil
	case strings.HasPrefix(n, "TIME"):
		return Time, nil
	case strings.HasPrefix(n, "JSON"):
		return JSON, nil
	case strings.HasPrefix(n, "UUID"):
		return UUID, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedType, name)
	}
}

// Mapper encodes result values and decodes bound parameters for one session.
// It owns a pgtype.Map, which memoizes codec plans and is not safe for
// concurrent use, so each session creates its own Mapper.
type Mapper struct {
	m *pgtype.Map
}

// NewMapper creates a Mapper with the default pgtype codec registry.
func NewMapper() *Mapper {
	return &Mapper{m: pgtype.NewMap()}
}

// Encode renders one (possibly nil) value in the requested format code.
// A nil return with nil error is the SQL NULL; the DataRow layer writes it as
// a -1 length with no payload.
func (tm *Mapper) Encode(v any, lt LogicalType, format int16) ([]byte, error) {
	if v == nil {
		return nil, nil
	}

	// A few engine-native representations have no direct pgtype codec; lift
	// them into pgtype values first.
	switch lt {
	case Numeric:
		if s, ok := v.(string); ok {
			var n pgtype.Numeric
			if err := n.Scan(s); err != nil {
				return nil, fmt.Errorf("encode numeric %q: %w", s, err)
			}
			v = n
		}
	case Time:
		if t, ok := v.(time.Time); ok {
			v = pgtype.Time{Microseconds: microsSinceMidnight(t), Valid: true}
		}
	case UUID:
		if s, ok := v.(string); ok {
			var u pgtype.UUID
			if err := u.Scan(s); err != nil {
				return nil, fmt.Errorf("encode uuid %q: %w", s, err)
			}
			v = u
		}
	}

	oid, _ := lt.WireType()
	buf, err := tm.m.Encode(oid, format, v, nil)
	if err != nil {
		return nil, fmt.Errorf("encode %s (%T): %w", lt, v, err)
	}
	return buf, nil
}

// DecodeParam is the inverse of Encode, used for Bind messages. The returned
// value is a plain Go value suitable to hand to the query engine as a
// statement argument. A nil src is the SQL NULL.
func (tm *Mapper) DecodeParam(src []byte, oid uint32, format int16) (any, error) {
	if src == nil {
		return nil, nil
	}

	scan := func(dst any) (any, error) {
		if err := tm.m.Scan(oid, format, src, dst); err != nil {
			return nil, fmt.Errorf("%w: oid %d: %w", ErrTypeMismatch, oid, err)
		}
		return deref(dst), nil
	}

	switch oid {
	case pgtype.BoolOID:
		return scan(new(bool))
	case pgtype.Int2OID:
		return scan(new(int16))
	case pgtype.Int4OID:
		return scan(new(int32))
	case pgtype.Int8OID:
		return scan(new(int64))
	case pgtype.Float4OID:
		return scan(new(float32))
	case pgtype.Float8OID:
		return scan(new(float64))
	case pgtype.ByteaOID:
		return scan(new([]byte))
	case pgtype.DateOID, pgtype.TimestampOID, pgtype.TimestamptzOID:
		return scan(new(time.Time))
	case pgtype.TimeOID:
		var t pgtype.Time
		if err := tm.m.Scan(oid, format, src, &t); err != nil {
			return nil, fmt.Errorf("%w: oid %d: %w", ErrTypeMismatch, oid, err)
		}
		return formatMicros(t.Microseconds), nil
	case pgtype.NumericOID:
		var n pgtype.Numeric
		if err := tm.m.Scan(oid, format, src, &n); err != nil {
			return nil, fmt.Errorf("%w: oid %d: %w", ErrTypeMismatch, oid, err)
		}
		val, err := n.Value()
		if err != nil {
			return nil, fmt.Errorf("%w: oid %d: %w", ErrTypeMismatch, oid, err)
		}
		return val, nil
	case pgtype.UUIDOID:
		var u pgtype.UUID
		if err := tm.m.Scan(oid, format, src, &u); err != nil {
			return nil, fmt.Errorf("%w: oid %d: %w", ErrTypeMismatch, oid, err)
		}
		val, err := u.Value()
		if err != nil {
			return nil, fmt.Errorf("%w: oid %d: %w", ErrTypeMismatch, oid, err)
		}
		return val, nil
	case 0, pgtype.TextOID, pgtype.VarcharOID, pgtype.JSONOID, pgtype.UnknownOID:
		// Unspecified parameter types arrive as text.
		return string(src), nil
	default:
		if format == pgtype.TextFormatCode {
			return string(src), nil
		}
		return nil, fmt.Errorf("%w: no binary decoding for oid %d", ErrTypeMismatch, oid)
	}
}

func deref(v any) any {
	switch p := v.(type) {
	case *bool:
		return *p
	case *int16:
		return *p
	case *int32:
		return *p
	case *int64:
		return *p
	case *float32:
		return *p
	case *float64:
		return *p
	case *[]byte:
		return *p
	case *time.Time:
		return *p
	case *string:
		return *p
	}
	return v
}

func microsSinceMidnight(t time.Time) int64 {
	return int64(t.Hour())*3600_000_000 +
		int64(t.Minute())*60_000_000 +
		int64(t.Second())*1_000_000 +
		int64(t.Nanosecond())/1000
}

func formatMicros(us int64) string {
	sec := us / 1_000_000
	frac := us % 1_000_000
	s := fmt.Sprintf("%02d:%02d:%02d", sec/3600, sec/60%60, sec%60)
	if frac != 0 {
		s += strings.TrimRight(fmt.Sprintf(".%06d", frac), "0")
	}
	return s
}
