package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/rdsync/rdsync/internal/metrics"
)

func TestStatusHandler(t *testing.T) {
	c := metrics.NewCollector(zerolog.Nop())
	defer c.Close()
	c.SetPhase("copy")
	c.SetTables([]metrics.TableProgress{{Schema: "public", Name: "t1", Status: metrics.TablePending}})

	s := New(c, zerolog.Nop())

	rr := httptest.NewRecorder()
	s.status(rr, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if snap.Phase != "copy" || snap.TablesTotal != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestTablesHandler(t *testing.T) {
	c := metrics.NewCollector(zerolog.Nop())
	defer c.Close()
	c.SetTables([]metrics.TableProgress{
		{Schema: "public", Name: "a", Status: metrics.TablePending},
		{Schema: "public", Name: "b", Status: metrics.TablePending},
	})

	s := New(c, zerolog.Nop())

	rr := httptest.NewRecorder()
	s.tables(rr, httptest.NewRequest(http.MethodGet, "/api/v1/tables", nil))

	var tables []metrics.TableProgress
	if err := json.Unmarshal(rr.Body.Bytes(), &tables); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(tables) != 2 || tables[0].Name != "a" {
		t.Errorf("tables = %+v", tables)
	}
}

func TestWebsocketPush(t *testing.T) {
	c := metrics.NewCollector(zerolog.Nop())
	defer c.Close()
	c.SetPhase("copy")

	s := New(c, zerolog.Nop())
	ts := httptest.NewServer(http.HandlerFunc(s.handleWS))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := strings.Replace(ts.URL, "http://", "ws://", 1)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// First frame arrives immediately with the current state.
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read initial snapshot: %v", err)
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if snap.Phase != "copy" {
		t.Errorf("initial phase = %q, want copy", snap.Phase)
	}

	// Subsequent frames follow the collector's broadcast cadence.
	c.SetPhase("streaming")
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, data, err = conn.Read(ctx); err != nil {
			t.Fatalf("read broadcast: %v", err)
		}
		if err := json.Unmarshal(data, &snap); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if snap.Phase == "streaming" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("phase never reached streaming, last = %q", snap.Phase)
		}
	}
}
