package typemap

import "github.com/jackc/pgx/v5/pgproto3"

// FormatFor resolves a Bind-style format code list for column i: an empty
// list means all-text, a single entry applies to every column, otherwise the
// list is per-column.
func FormatFor(formats []int16, i int) int16 {
	switch len(formats) {
	case 0:
		return pgproto3TextFormat
	case 1:
		return formats[0]
	default:
		if i < len(formats) {
			return formats[i]
		}
		return pgproto3TextFormat
	}
}

const (
	pgproto3TextFormat   = 0
	pgproto3BinaryFormat = 1
)

// FieldDescriptions builds the RowDescription fields for a schema, preserving
// column order. formats follows Bind semantics (see FormatFor).
func FieldDescriptions(cols []Column, formats []int16) []pgproto3.FieldDescription {
	fields := make([]pgproto3.FieldDescription, len(cols))
	for i, col := range cols {
		oid, size := col.Type.WireType()
		fields[i] = pgproto3.FieldDescription{
			Name:                 []byte(col.Name),
			TableOID:             0,
			TableAttributeNumber: 0,
			DataTypeOID:          oid,
			DataTypeSize:         size,
			TypeModifier:         -1,
			Format:               FormatFor(formats, i),
		}
	}
	return fields
}
