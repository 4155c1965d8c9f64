// Package stream consumes the source's logical replication stream and
// decodes the plugin's binary change records into typed rows.
package stream

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/jackc/pgio"
	"github.com/jackc/pglogrepl"

	"github.com/rdsync/rdsync/pkg/lsn"
)

// Kind is the action byte of a change record.
type Kind byte

const (
	KindBegin  Kind = 'B'
	KindCommit Kind = 'C'
	KindInsert Kind = 'I'
	KindUpdate Kind = 'U'
	KindDelete Kind = 'D'
)

// String returns a human-readable name for a Kind.
func (k Kind) String() string {
	switch k {
	case KindBegin:
		return "BEGIN"
	case KindCommit:
		return "COMMIT"
	case KindInsert:
		return "INSERT"
	case KindUpdate:
		return "UPDATE"
	case KindDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// FieldKind is the per-attribute tag inside a tuple body.
type FieldKind byte

const (
	FieldNull      FieldKind = 'n' // null column
	FieldUnchanged FieldKind = 'u' // unchanged toast column
	FieldBinary    FieldKind = 'b' // raw binary, length-prefixed
	FieldSend      FieldKind = 's' // typsend format, length-prefixed
	FieldText      FieldKind = 't' // text output, NUL-terminated
)

// Field is one attribute of a tuple.
type Field struct {
	Kind  FieldKind
	Value []byte // nil for FieldNull and FieldUnchanged
}

// Tuple holds the attribute values of a row.
type Tuple struct {
	Fields []Field
}

// Column is one slot of the record's column metadata. A dropped or system
// column has an empty Name and carries no value slot semantics.
type Column struct {
	Name string
	Type string
}

// Record is a decoded change record.
type Record struct {
	Kind Kind

	// BEGIN
	XID      uint32
	FinalLSN pglogrepl.LSN

	// COMMIT
	CommitLSN pglogrepl.LSN
	EndLSN    pglogrepl.LSN

	// BEGIN and COMMIT
	CommitTime time.Time

	// INSERT, UPDATE, DELETE
	Schema      string
	Rel         string
	Columns     []Column
	KeyColumns  []string
	HasKey      bool // replica-identity key columns advertised
	HasOldOrKey bool // an old/key tuple was present
	OldTuple    *Tuple
	NewTuple    *Tuple
}

type decodeBuf struct {
	data []byte
	pos  int
}

func (b *decodeBuf) remaining() int { return len(b.data) - b.pos }

func (b *decodeBuf) byte() (byte, error) {
	if b.remaining() < 1 {
		return 0, fmt.Errorf("record truncated at offset %d", b.pos)
	}
	v := b.data[b.pos]
	b.pos++
	return v, nil
}

func (b *decodeBuf) int16() (int16, error) {
	if b.remaining() < 2 {
		return 0, fmt.Errorf("record truncated at offset %d", b.pos)
	}
	v := int16(binary.BigEndian.Uint16(b.data[b.pos:]))
	b.pos += 2
	return v, nil
}

func (b *decodeBuf) int32() (int32, error) {
	if b.remaining() < 4 {
		return 0, fmt.Errorf("record truncated at offset %d", b.pos)
	}
	v := int32(binary.BigEndian.Uint32(b.data[b.pos:]))
	b.pos += 4
	return v, nil
}

func (b *decodeBuf) int64() (int64, error) {
	if b.remaining() < 8 {
		return 0, fmt.Errorf("record truncated at offset %d", b.pos)
	}
	v := int64(binary.BigEndian.Uint64(b.data[b.pos:]))
	b.pos += 8
	return v, nil
}

func (b *decodeBuf) take(n int) ([]byte, error) {
	if n < 0 || b.remaining() < n {
		return nil, fmt.Errorf("record truncated: need %d bytes at offset %d", n, b.pos)
	}
	v := b.data[b.pos : b.pos+n]
	b.pos += n
	return v, nil
}

// name reads a length-prefixed NUL-terminated string; the length includes
// the terminator.
func (b *decodeBuf) name() (string, error) {
	n, err := b.int16()
	if err != nil {
		return "", err
	}
	if n < 1 {
		return "", fmt.Errorf("invalid name length %d at offset %d", n, b.pos)
	}
	raw, err := b.take(int(n))
	if err != nil {
		return "", err
	}
	if raw[n-1] != 0 {
		return "", fmt.Errorf("name not NUL-terminated at offset %d", b.pos)
	}
	return string(raw[:n-1]), nil
}

// Decode parses one binary change record as produced by the decoding plugin.
func Decode(data []byte) (*Record, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty record")
	}
	b := &decodeBuf{data: data}

	action, _ := b.byte()
	r := &Record{Kind: Kind(action)}

	switch r.Kind {
	case KindBegin:
		if _, err := b.int32(); err != nil { // flags
			return nil, err
		}
		final, err := b.int64()
		if err != nil {
			return nil, err
		}
		commitTime, err := b.int64()
		if err != nil {
			return nil, err
		}
		xid, err := b.int32()
		if err != nil {
			return nil, err
		}
		r.FinalLSN = pglogrepl.LSN(final)
		r.CommitTime = lsn.TimeFromPG(commitTime)
		r.XID = uint32(xid)
		return r, nil

	case KindCommit:
		if _, err := b.int32(); err != nil { // flags
			return nil, err
		}
		commit, err := b.int64()
		if err != nil {
			return nil, err
		}
		end, err := b.int64()
		if err != nil {
			return nil, err
		}
		commitTime, err := b.int64()
		if err != nil {
			return nil, err
		}
		r.CommitLSN = pglogrepl.LSN(commit)
		r.EndLSN = pglogrepl.LSN(end)
		r.CommitTime = lsn.TimeFromPG(commitTime)
		return r, nil

	case KindInsert, KindUpdate, KindDelete:
		if err := decodeRelation(b, r); err != nil {
			return nil, err
		}
		return r, decodeTuples(b, r)

	default:
		return nil, fmt.Errorf("unknown action byte %q", action)
	}
}

func decodeRelation(b *decodeBuf, r *Record) error {
	var err error
	if r.Schema, err = b.name(); err != nil {
		return fmt.Errorf("schema name: %w", err)
	}
	if r.Rel, err = b.name(); err != nil {
		return fmt.Errorf("relation name: %w", err)
	}

	marker, err := b.byte()
	if err != nil {
		return err
	}
	if marker != 'C' {
		return fmt.Errorf("expected column metadata marker 'C', got %q", marker)
	}

	natt, err := b.int16()
	if err != nil {
		return err
	}
	if natt < 0 {
		return fmt.Errorf("negative attribute count %d", natt)
	}
	r.Columns = make([]Column, natt)
	for i := range r.Columns {
		nameLen, err := b.int16()
		if err != nil {
			return err
		}
		if nameLen == 0 {
			continue // dropped or system column
		}
		raw, err := b.take(int(nameLen))
		if err != nil {
			return err
		}
		if raw[nameLen-1] != 0 {
			return fmt.Errorf("column name not NUL-terminated")
		}
		r.Columns[i].Name = string(raw[:nameLen-1])
		if r.Columns[i].Type, err = b.name(); err != nil {
			return fmt.Errorf("column type: %w", err)
		}
	}

	keyMarker, err := b.byte()
	if err != nil {
		return err
	}
	switch keyMarker {
	case 'P':
		// No replica-identity key available.
	case 'M':
		nkey, err := b.int16()
		if err != nil {
			return err
		}
		if nkey < 0 {
			return fmt.Errorf("negative key count %d", nkey)
		}
		r.HasKey = true
		r.KeyColumns = make([]string, nkey)
		for i := range r.KeyColumns {
			if r.KeyColumns[i], err = b.name(); err != nil {
				return fmt.Errorf("key column: %w", err)
			}
		}
	default:
		return fmt.Errorf("expected key marker 'M' or 'P', got %q", keyMarker)
	}
	return nil
}

func decodeTuples(b *decodeBuf, r *Record) error {
	switch r.Kind {
	case KindInsert:
		if err := expectByte(b, 'N'); err != nil {
			return err
		}
		nt, err := decodeTuple(b)
		if err != nil {
			return err
		}
		r.NewTuple = nt

	case KindUpdate:
		marker, err := b.byte()
		if err != nil {
			return err
		}
		if marker == 'K' {
			ot, err := decodeTuple(b)
			if err != nil {
				return err
			}
			r.OldTuple = ot
			r.HasOldOrKey = true
			marker, err = b.byte()
			if err != nil {
				return err
			}
		}
		if marker != 'N' {
			return fmt.Errorf("expected new tuple marker 'N', got %q", marker)
		}
		nt, err := decodeTuple(b)
		if err != nil {
			return err
		}
		r.NewTuple = nt

	case KindDelete:
		marker, err := b.byte()
		if err != nil {
			return err
		}
		switch marker {
		case 'K':
			ot, err := decodeTuple(b)
			if err != nil {
				return err
			}
			r.OldTuple = ot
			r.HasOldOrKey = true
		case 'E':
			// No old tuple available.
		default:
			return fmt.Errorf("expected old tuple marker 'K' or 'E', got %q", marker)
		}
	}

	if b.remaining() != 0 {
		return fmt.Errorf("%d trailing bytes after record", b.remaining())
	}
	if r.NewTuple != nil && len(r.NewTuple.Fields) != len(r.Columns) {
		return fmt.Errorf("new tuple has %d attributes, column metadata has %d",
			len(r.NewTuple.Fields), len(r.Columns))
	}
	if r.OldTuple != nil &&
		len(r.OldTuple.Fields) != len(r.Columns) &&
		len(r.OldTuple.Fields) != len(r.KeyColumns) {
		return fmt.Errorf("old tuple has %d attributes, expected %d or %d",
			len(r.OldTuple.Fields), len(r.Columns), len(r.KeyColumns))
	}
	return nil
}

func decodeTuple(b *decodeBuf) (*Tuple, error) {
	if err := expectByte(b, 'T'); err != nil {
		return nil, err
	}
	natt, err := b.int32()
	if err != nil {
		return nil, err
	}
	if natt < 0 {
		return nil, fmt.Errorf("negative tuple attribute count %d", natt)
	}

	t := &Tuple{Fields: make([]Field, natt)}
	for i := range t.Fields {
		kind, err := b.byte()
		if err != nil {
			return nil, err
		}
		t.Fields[i].Kind = FieldKind(kind)
		switch FieldKind(kind) {
		case FieldNull, FieldUnchanged:
			// no payload
		case FieldBinary, FieldSend:
			n, err := b.int32()
			if err != nil {
				return nil, err
			}
			v, err := b.take(int(n))
			if err != nil {
				return nil, err
			}
			t.Fields[i].Value = v
		case FieldText:
			n, err := b.int32()
			if err != nil {
				return nil, err
			}
			if n < 1 {
				return nil, fmt.Errorf("invalid text length %d", n)
			}
			v, err := b.take(int(n))
			if err != nil {
				return nil, err
			}
			if v[n-1] != 0 {
				return nil, fmt.Errorf("text value not NUL-terminated")
			}
			t.Fields[i].Value = v[:n-1]
		default:
			return nil, fmt.Errorf("unknown tuple field kind %q", kind)
		}
	}
	return t, nil
}

func expectByte(b *decodeBuf, want byte) error {
	got, err := b.byte()
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("expected %q, got %q", want, got)
	}
	return nil
}

// Encode renders a Record back into the plugin's wire format. The
// production client only decodes; Encode exists so the codec can be
// verified by round-trip.
func Encode(r *Record) []byte {
	var buf []byte

	buf = append(buf, byte(r.Kind))
	switch r.Kind {
	case KindBegin:
		buf = pgio.AppendInt32(buf, 0) // flags
		buf = pgio.AppendInt64(buf, int64(r.FinalLSN))
		buf = pgio.AppendInt64(buf, lsn.TimeToPG(r.CommitTime))
		buf = pgio.AppendInt32(buf, int32(r.XID))
		return buf

	case KindCommit:
		buf = pgio.AppendInt32(buf, 0) // flags
		buf = pgio.AppendInt64(buf, int64(r.CommitLSN))
		buf = pgio.AppendInt64(buf, int64(r.EndLSN))
		buf = pgio.AppendInt64(buf, lsn.TimeToPG(r.CommitTime))
		return buf
	}

	buf = appendName(buf, r.Schema)
	buf = appendName(buf, r.Rel)

	buf = append(buf, 'C')
	buf = pgio.AppendInt16(buf, int16(len(r.Columns)))
	for _, c := range r.Columns {
		if c.Name == "" {
			buf = pgio.AppendInt16(buf, 0)
			continue
		}
		buf = appendName(buf, c.Name)
		buf = appendName(buf, c.Type)
	}

	if r.HasKey {
		buf = append(buf, 'M')
		buf = pgio.AppendInt16(buf, int16(len(r.KeyColumns)))
		for _, k := range r.KeyColumns {
			buf = appendName(buf, k)
		}
	} else {
		buf = append(buf, 'P')
	}

	switch r.Kind {
	case KindInsert:
		buf = append(buf, 'N')
		buf = appendTuple(buf, r.NewTuple)
	case KindUpdate:
		if r.OldTuple != nil {
			buf = append(buf, 'K')
			buf = appendTuple(buf, r.OldTuple)
		}
		buf = append(buf, 'N')
		buf = appendTuple(buf, r.NewTuple)
	case KindDelete:
		if r.OldTuple != nil {
			buf = append(buf, 'K')
			buf = appendTuple(buf, r.OldTuple)
		} else {
			buf = append(buf, 'E')
		}
	}
	return buf
}

func appendName(buf []byte, s string) []byte {
	buf = pgio.AppendInt16(buf, int16(len(s)+1))
	buf = append(buf, s...)
	return append(buf, 0)
}

func appendTuple(buf []byte, t *Tuple) []byte {
	buf = append(buf, 'T')
	buf = pgio.AppendInt32(buf, int32(len(t.Fields)))
	for _, f := range t.Fields {
		buf = append(buf, byte(f.Kind))
		switch f.Kind {
		case FieldNull, FieldUnchanged:
		case FieldBinary, FieldSend:
			buf = pgio.AppendInt32(buf, int32(len(f.Value)))
			buf = append(buf, f.Value...)
		case FieldText:
			buf = pgio.AppendInt32(buf, int32(len(f.Value)+1))
			buf = append(buf, f.Value...)
			buf = append(buf, 0)
		}
	}
	return buf
}
