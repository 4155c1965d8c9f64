package stream

import (
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
)

func TestRecvLSNMonotonic(t *testing.T) {
	c := &Client{standbyTimeout: 10 * time.Second}

	c.advanceRecv(pglogrepl.LSN(100))
	c.advanceRecv(pglogrepl.LSN(300))
	c.advanceRecv(pglogrepl.LSN(200)) // must not regress

	if got := c.RecvLSN(); got != pglogrepl.LSN(300) {
		t.Errorf("RecvLSN() = %v, want 300", got)
	}
}

func TestConfirmFlushMonotonic(t *testing.T) {
	c := &Client{}

	c.ConfirmFlush(pglogrepl.LSN(50))
	c.ConfirmFlush(pglogrepl.LSN(40))

	if got := c.FlushLSN(); got != pglogrepl.LSN(50) {
		t.Errorf("FlushLSN() = %v, want 50", got)
	}
}

func TestRecvNeverBehindFlush(t *testing.T) {
	c := &Client{}
	c.advanceRecv(pglogrepl.LSN(500))
	c.ConfirmFlush(pglogrepl.LSN(500))

	// Every standby status must satisfy write >= flush; the write position
	// is clamped up to flush before sending.
	c.mu.Lock()
	write, flush := c.recvLSN, c.flushLSN
	if flush > write {
		write = flush
	}
	c.mu.Unlock()
	if write < flush {
		t.Errorf("write %v < flush %v", write, flush)
	}
}

func TestStatusDeadline(t *testing.T) {
	c := &Client{standbyTimeout: 10 * time.Second}
	c.mu.Lock()
	c.lastStatus = time.Now()
	c.mu.Unlock()

	d := c.statusDeadline()
	until := time.Until(d)
	if until <= 9*time.Second || until > 10*time.Second {
		t.Errorf("deadline %v from now, want ~10s", until)
	}
}
