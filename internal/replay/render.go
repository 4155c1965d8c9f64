// Package replay renders decoded change records into destination-side SQL
// and stages them into the local journal table.
package replay

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rdsync/rdsync/internal/stream"
)

// ErrNoKey is returned when an UPDATE or DELETE cannot form a WHERE clause:
// the record advertises no replica-identity key columns, or it carries no
// tuple to take the key values from (the old/key tuple, or for an UPDATE
// the new tuple).
var ErrNoKey = errors.New("record has no replica-identity key or old tuple")

// unquotedTypes lists the destination type families whose values are
// emitted without quoting.
var unquotedTypes = map[string]bool{
	"smallint":         true,
	"integer":          true,
	"bigint":           true,
	"oid":              true,
	"real":             true,
	"double precision": true,
	"numeric":          true,
}

// Render converts one decoded record into a single SQL statement.
func Render(r *stream.Record) (string, error) {
	switch r.Kind {
	case stream.KindBegin:
		return "begin;", nil
	case stream.KindCommit:
		return "commit;", nil
	case stream.KindInsert:
		return renderInsert(r)
	case stream.KindUpdate:
		return renderUpdate(r)
	case stream.KindDelete:
		return renderDelete(r)
	default:
		return "", fmt.Errorf("unknown record kind %q", byte(r.Kind))
	}
}

func renderInsert(r *stream.Record) (string, error) {
	if err := checkNewTuple(r); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s.%s (", r.Schema, r.Rel)
	first := true
	for _, c := range r.Columns {
		if c.Name == "" {
			continue // dropped column slot
		}
		if !first {
			sb.WriteByte(',')
		}
		first = false
		sb.WriteString(c.Name)
	}
	sb.WriteString(") VALUES(")
	first = true
	for i, c := range r.Columns {
		if c.Name == "" {
			continue
		}
		if !first {
			sb.WriteByte(',')
		}
		first = false
		sb.WriteString(renderValue(r.NewTuple.Fields[i], c.Type))
	}
	sb.WriteString(");")
	return sb.String(), nil
}

func renderUpdate(r *stream.Record) (string, error) {
	if err := checkNewTuple(r); err != nil {
		return "", err
	}
	where, err := renderWhere(r)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "UPDATE %s.%s SET ", r.Schema, r.Rel)
	first := true
	for i, c := range r.Columns {
		if c.Name == "" {
			continue
		}
		f := r.NewTuple.Fields[i]
		if f.Kind == stream.FieldUnchanged {
			continue // unchanged toast value is not rewritten
		}
		if !first {
			sb.WriteString(", ")
		}
		first = false
		fmt.Fprintf(&sb, "%s=%s", c.Name, renderValue(f, c.Type))
	}
	sb.WriteString(" WHERE ")
	sb.WriteString(where)
	sb.WriteByte(';')
	return sb.String(), nil
}

func renderDelete(r *stream.Record) (string, error) {
	where, err := renderWhere(r)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("DELETE FROM %s.%s WHERE %s;", r.Schema, r.Rel, where), nil
}

func checkNewTuple(r *stream.Record) error {
	if r.NewTuple == nil {
		return fmt.Errorf("%s on %s.%s has no new tuple", r.Kind, r.Schema, r.Rel)
	}
	if len(r.NewTuple.Fields) != len(r.Columns) {
		return fmt.Errorf("%s on %s.%s: tuple has %d attributes, metadata has %d",
			r.Kind, r.Schema, r.Rel, len(r.NewTuple.Fields), len(r.Columns))
	}
	return nil
}

// renderWhere assembles key_col=val AND … from the replica-identity key
// columns and the old (or key) tuple. A full-width old tuple is projected
// onto the key columns; a key-width tuple is consumed in order.
func renderWhere(r *stream.Record) (string, error) {
	if !r.HasKey || len(r.KeyColumns) == 0 {
		return "", ErrNoKey
	}
	source := r.OldTuple
	if source == nil {
		// UPDATE without old tuple: the replica identity did not change,
		// so the key values can be taken from the new tuple.
		source = r.NewTuple
	}
	if source == nil {
		return "", ErrNoKey
	}

	var clauses []string
	if len(source.Fields) == len(r.Columns) {
		for _, key := range r.KeyColumns {
			idx := columnIndex(r.Columns, key)
			if idx < 0 {
				return "", fmt.Errorf("key column %s not in column metadata", key)
			}
			f := source.Fields[idx]
			if f.Kind == stream.FieldNull || f.Kind == stream.FieldUnchanged {
				return "", fmt.Errorf("key column %s has no value", key)
			}
			clauses = append(clauses, fmt.Sprintf("%s=%s", key, renderValue(f, r.Columns[idx].Type)))
		}
	} else if len(source.Fields) == len(r.KeyColumns) {
		for i, key := range r.KeyColumns {
			f := source.Fields[i]
			if f.Kind == stream.FieldNull || f.Kind == stream.FieldUnchanged {
				return "", fmt.Errorf("key column %s has no value", key)
			}
			typ := ""
			if idx := columnIndex(r.Columns, key); idx >= 0 {
				typ = r.Columns[idx].Type
			}
			clauses = append(clauses, fmt.Sprintf("%s=%s", key, renderValue(f, typ)))
		}
	} else {
		return "", fmt.Errorf("old tuple has %d attributes, expected %d or %d",
			len(source.Fields), len(r.Columns), len(r.KeyColumns))
	}
	return strings.Join(clauses, " AND "), nil
}

// columnIndex finds a key column in the metadata. The plugin quotes
// metadata names when necessary but sends key names raw, so both forms
// are matched.
func columnIndex(cols []stream.Column, name string) int {
	quoted := `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
	for i, c := range cols {
		if c.Name == name || c.Name == quoted {
			return i
		}
	}
	return -1
}

func renderValue(f stream.Field, typ string) string {
	switch f.Kind {
	case stream.FieldNull, stream.FieldUnchanged:
		return "null"
	}
	v := string(f.Value)
	if unquotedTypes[typ] {
		return v
	}
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}
