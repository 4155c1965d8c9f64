package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"
)

func testCollector() *Collector {
	return NewCollector(zerolog.Nop())
}

func TestTableLifecycle(t *testing.T) {
	c := testCollector()
	defer c.Close()

	c.SetTables([]TableProgress{
		{Schema: "public", Name: "t1", Status: TablePending},
		{Schema: "public", Name: "t2", Status: TablePending},
	})
	c.TableStarted("public", "t1")
	c.TableDone("public", "t1", 100)
	c.TableFailed("public", "t2")

	snap := c.Snapshot()
	if snap.TablesTotal != 2 || snap.TablesCopied != 1 {
		t.Errorf("tables = %d/%d, want 1/2", snap.TablesCopied, snap.TablesTotal)
	}
	if snap.Tables[0].Status != TableCopied || snap.Tables[0].RowsCopied != 100 {
		t.Errorf("t1 = %+v", snap.Tables[0])
	}
	if snap.Tables[1].Status != TableFailed {
		t.Errorf("t2 = %+v", snap.Tables[1])
	}
	if snap.TotalRows != 100 {
		t.Errorf("TotalRows = %d", snap.TotalRows)
	}
}

func TestLSNTracking(t *testing.T) {
	c := testCollector()
	defer c.Close()

	c.RecordRecvLSN(pglogrepl.LSN(3000))
	c.RecordFlushLSN(pglogrepl.LSN(1000))
	c.RecordRecvLSN(pglogrepl.LSN(2000)) // must not regress

	snap := c.Snapshot()
	if snap.RecvLSN != pglogrepl.LSN(3000).String() {
		t.Errorf("RecvLSN = %s", snap.RecvLSN)
	}
	if snap.LagBytes != 2000 {
		t.Errorf("LagBytes = %d, want 2000", snap.LagBytes)
	}
}

func TestErrorTracking(t *testing.T) {
	c := testCollector()
	defer c.Close()

	c.RecordError(errors.New("boom"))
	c.RecordError(nil)

	snap := c.Snapshot()
	if snap.ErrorCount != 2 || snap.LastError != "boom" {
		t.Errorf("errors = %d %q", snap.ErrorCount, snap.LastError)
	}
}

func TestSubscribe(t *testing.T) {
	c := testCollector()
	defer c.Close()

	ch := c.Subscribe()
	defer c.Unsubscribe(ch)

	c.SetPhase("copy")
	select {
	case snap := <-ch:
		if snap.Phase != "copy" {
			t.Errorf("phase = %q", snap.Phase)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot broadcast within 2s")
	}
}
