// Package mysqlsrc copies base tables from a MySQL source into the
// PostgreSQL destination, translating column types on the way.
package mysqlsrc

import (
	"fmt"
	"strings"
)

// Family is the destination type family a MySQL column maps to. It decides
// quoting when rows are rendered for COPY.
type Family int

const (
	FamilyText Family = iota
	FamilyTimestamp
	FamilyInt2
	FamilyInt4
	FamilyInt8
	FamilyFloat4
	FamilyFloat8
	FamilyNumeric
)

// Quoted reports whether values of this family are single-quote wrapped.
func (f Family) Quoted() bool {
	return f == FamilyText
}

// MapColumnType maps a MySQL column type name (as reported by the driver)
// to its destination family. Unmapped types fail the task.
func MapColumnType(name string) (Family, error) {
	switch strings.ToUpper(name) {
	case "VARCHAR", "VAR_STRING", "STRING", "CHAR", "BIT":
		return FamilyText, nil
	case "TIMESTAMP", "DATE", "TIME", "DATETIME", "YEAR", "NEWDATE":
		return FamilyTimestamp, nil
	case "SMALLINT":
		return FamilyInt2, nil
	case "TINYINT", "INT", "MEDIUMINT", "LONG":
		return FamilyInt4, nil
	case "BIGINT", "LONGLONG":
		return FamilyInt8, nil
	case "FLOAT":
		return FamilyFloat4, nil
	case "DOUBLE":
		return FamilyFloat8, nil
	case "DECIMAL":
		return FamilyNumeric, nil
	default:
		return 0, fmt.Errorf("unsupported mysql column type %q", name)
	}
}

// renderField appends one column value in COPY CSV form: quoted families
// are single-quote wrapped with interior quotes doubled, everything else
// is the raw token. A nil value renders as an empty field (NULL).
func renderField(sb *strings.Builder, value []byte, family Family) {
	if value == nil {
		return
	}
	if !family.Quoted() {
		sb.Write(value)
		return
	}
	sb.WriteByte('\'')
	for _, b := range value {
		if b == '\'' {
			sb.WriteString("''")
		} else {
			sb.WriteByte(b)
		}
	}
	sb.WriteByte('\'')
}

// renderRow renders one source row as a '|'-separated, newline-terminated
// COPY line.
func renderRow(sb *strings.Builder, values [][]byte, families []Family) {
	for i, v := range values {
		if i > 0 {
			sb.WriteByte('|')
		}
		renderField(sb, v, families[i])
	}
	sb.WriteByte('\n')
}
