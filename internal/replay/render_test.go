package replay

import (
	"errors"
	"testing"
	"time"

	"github.com/rdsync/rdsync/internal/stream"
)

func TestRenderBeginCommit(t *testing.T) {
	got, err := Render(&stream.Record{Kind: stream.KindBegin, XID: 1, CommitTime: time.Now()})
	if err != nil || got != "begin;" {
		t.Errorf("begin = %q, %v", got, err)
	}
	got, err = Render(&stream.Record{Kind: stream.KindCommit})
	if err != nil || got != "commit;" {
		t.Errorf("commit = %q, %v", got, err)
	}
}

func TestRenderInsert(t *testing.T) {
	r := &stream.Record{
		Kind:   stream.KindInsert,
		Schema: "public",
		Rel:    "t1",
		Columns: []stream.Column{
			{Name: "id", Type: "integer"},
			{Name: "name", Type: "text"},
		},
		NewTuple: &stream.Tuple{Fields: []stream.Field{
			{Kind: stream.FieldText, Value: []byte("1")},
			{Kind: stream.FieldText, Value: []byte("o'brien")},
		}},
	}
	got, err := Render(r)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	want := "INSERT INTO public.t1 (id,name) VALUES(1,'o''brien');"
	if got != want {
		t.Errorf("insert = %q, want %q", got, want)
	}
}

func TestRenderInsertNullAndDropped(t *testing.T) {
	r := &stream.Record{
		Kind:   stream.KindInsert,
		Schema: "public",
		Rel:    "t1",
		Columns: []stream.Column{
			{Name: "id", Type: "integer"},
			{}, // dropped
			{Name: "v", Type: "text"},
		},
		NewTuple: &stream.Tuple{Fields: []stream.Field{
			{Kind: stream.FieldText, Value: []byte("2")},
			{Kind: stream.FieldNull},
			{Kind: stream.FieldNull},
		}},
	}
	got, err := Render(r)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	want := "INSERT INTO public.t1 (id,v) VALUES(2,null);"
	if got != want {
		t.Errorf("insert = %q, want %q", got, want)
	}
}

func TestRenderInsertUnquotedFamilies(t *testing.T) {
	r := &stream.Record{
		Kind:   stream.KindInsert,
		Schema: "s",
		Rel:    "r",
		Columns: []stream.Column{
			{Name: "a", Type: "smallint"},
			{Name: "b", Type: "double precision"},
			{Name: "c", Type: "numeric"},
			{Name: "d", Type: "timestamp without time zone"},
		},
		NewTuple: &stream.Tuple{Fields: []stream.Field{
			{Kind: stream.FieldText, Value: []byte("1")},
			{Kind: stream.FieldText, Value: []byte("2.5")},
			{Kind: stream.FieldText, Value: []byte("9.99")},
			{Kind: stream.FieldText, Value: []byte("2024-01-01 00:00:00")},
		}},
	}
	got, err := Render(r)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	want := "INSERT INTO s.r (a,b,c,d) VALUES(1,2.5,9.99,'2024-01-01 00:00:00');"
	if got != want {
		t.Errorf("insert = %q, want %q", got, want)
	}
}

func updateRecord() *stream.Record {
	return &stream.Record{
		Kind:   stream.KindUpdate,
		Schema: "public",
		Rel:    "accounts",
		Columns: []stream.Column{
			{Name: "id", Type: "bigint"},
			{Name: "balance", Type: "numeric"},
		},
		HasKey:     true,
		KeyColumns: []string{"id"},
		OldTuple: &stream.Tuple{Fields: []stream.Field{
			{Kind: stream.FieldText, Value: []byte("42")},
			{Kind: stream.FieldText, Value: []byte("10.00")},
		}},
		NewTuple: &stream.Tuple{Fields: []stream.Field{
			{Kind: stream.FieldText, Value: []byte("42")},
			{Kind: stream.FieldText, Value: []byte("99.50")},
		}},
		HasOldOrKey: true,
	}
}

func TestRenderUpdate(t *testing.T) {
	got, err := Render(updateRecord())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	want := "UPDATE public.accounts SET id=42, balance=99.50 WHERE id=42;"
	if got != want {
		t.Errorf("update = %q, want %q", got, want)
	}
}

func TestRenderUpdateKeyFromNewTuple(t *testing.T) {
	r := updateRecord()
	r.OldTuple = nil
	r.HasOldOrKey = false
	got, err := Render(r)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	want := "UPDATE public.accounts SET id=42, balance=99.50 WHERE id=42;"
	if got != want {
		t.Errorf("update = %q, want %q", got, want)
	}
}

func TestRenderUpdateSkipsUnchangedToast(t *testing.T) {
	r := updateRecord()
	r.NewTuple.Fields[1] = stream.Field{Kind: stream.FieldUnchanged}
	got, err := Render(r)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	want := "UPDATE public.accounts SET id=42 WHERE id=42;"
	if got != want {
		t.Errorf("update = %q, want %q", got, want)
	}
}

func TestRenderDelete(t *testing.T) {
	r := &stream.Record{
		Kind:   stream.KindDelete,
		Schema: "public",
		Rel:    "accounts",
		Columns: []stream.Column{
			{Name: "id", Type: "bigint"},
			{Name: "balance", Type: "numeric"},
		},
		HasKey:     true,
		KeyColumns: []string{"id"},
		OldTuple: &stream.Tuple{Fields: []stream.Field{
			{Kind: stream.FieldText, Value: []byte("42")},
			{Kind: stream.FieldNull},
		}},
		HasOldOrKey: true,
	}
	got, err := Render(r)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	want := "DELETE FROM public.accounts WHERE id=42;"
	if got != want {
		t.Errorf("delete = %q, want %q", got, want)
	}
}

func TestRenderDeleteKeyWidthTuple(t *testing.T) {
	r := &stream.Record{
		Kind:   stream.KindDelete,
		Schema: "public",
		Rel:    "pairs",
		Columns: []stream.Column{
			{Name: "a", Type: "integer"},
			{Name: "b", Type: "text"},
			{Name: "v", Type: "text"},
		},
		HasKey:     true,
		KeyColumns: []string{"a", "b"},
		OldTuple: &stream.Tuple{Fields: []stream.Field{
			{Kind: stream.FieldText, Value: []byte("7")},
			{Kind: stream.FieldText, Value: []byte("x'y")},
		}},
		HasOldOrKey: true,
	}
	got, err := Render(r)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	want := "DELETE FROM public.pairs WHERE a=7 AND b='x''y';"
	if got != want {
		t.Errorf("delete = %q, want %q", got, want)
	}
}

func TestRenderNoKey(t *testing.T) {
	r := &stream.Record{
		Kind:    stream.KindDelete,
		Schema:  "public",
		Rel:     "nokey",
		Columns: []stream.Column{{Name: "v", Type: "text"}},
	}
	if _, err := Render(r); !errors.Is(err, ErrNoKey) {
		t.Errorf("expected ErrNoKey, got %v", err)
	}
}
