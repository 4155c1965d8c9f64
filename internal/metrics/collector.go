// Package metrics aggregates migration progress and provides snapshots for
// the HTTP status API and the TUI.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"

	"github.com/rdsync/rdsync/pkg/lsn"
)

// TableStatus represents the current state of a table in the migration.
type TableStatus string

const (
	TablePending TableStatus = "pending"
	TableCopying TableStatus = "copying"
	TableCopied  TableStatus = "copied"
	TableFailed  TableStatus = "failed"
)

// TableProgress tracks per-table copy progress.
type TableProgress struct {
	Schema     string      `json:"schema,omitempty"`
	Name       string      `json:"name"`
	Status     TableStatus `json:"status"`
	RowsCopied int64       `json:"rows_copied"`
	ElapsedSec float64     `json:"elapsed_sec"`
	StartedAt  time.Time   `json:"-"`
}

// Snapshot is the complete metrics state at a point in time.
type Snapshot struct {
	Timestamp  time.Time `json:"timestamp"`
	Phase      string    `json:"phase"`
	ElapsedSec float64   `json:"elapsed_sec"`

	// Stream tracking
	RecvLSN      string `json:"recv_lsn"`
	FlushLSN     string `json:"flush_lsn"`
	LagBytes     uint64 `json:"lag_bytes"`
	LagFormatted string `json:"lag_formatted"`
	JournalRows  int64  `json:"journal_rows"`

	// Copy progress
	TablesTotal  int             `json:"tables_total"`
	TablesCopied int             `json:"tables_copied"`
	Tables       []TableProgress `json:"tables"`

	// Throughput
	RowsPerSec float64 `json:"rows_per_sec"`
	TotalRows  int64   `json:"total_rows"`

	// Errors
	ErrorCount int    `json:"error_count"`
	LastError  string `json:"last_error,omitempty"`
}

// Collector aggregates pipeline metrics.
type Collector struct {
	logger zerolog.Logger

	mu         sync.RWMutex
	phase      string
	startedAt  time.Time
	tables     map[string]*TableProgress
	tableOrder []string

	recvLSN  pglogrepl.LSN
	flushLSN pglogrepl.LSN

	totalRows   atomic.Int64
	journalRows atomic.Int64
	errorCount  atomic.Int64
	lastError   atomic.Value // string

	rowWindow *slidingWindow

	subMu       sync.Mutex
	subscribers map[chan Snapshot]struct{}

	done chan struct{}
}

// NewCollector creates a Collector and starts its broadcast loop.
func NewCollector(logger zerolog.Logger) *Collector {
	c := &Collector{
		logger:      logger.With().Str("component", "metrics").Logger(),
		tables:      make(map[string]*TableProgress),
		subscribers: make(map[chan Snapshot]struct{}),
		rowWindow:   newSlidingWindow(60 * time.Second),
		done:        make(chan struct{}),
	}
	go c.broadcastLoop()
	return c
}

// SetPhase updates the current pipeline phase.
func (c *Collector) SetPhase(phase string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phase = phase
	if c.startedAt.IsZero() {
		c.startedAt = time.Now()
	}
}

// SetTables initializes the table tracking list.
func (c *Collector) SetTables(tables []TableProgress) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables = make(map[string]*TableProgress, len(tables))
	c.tableOrder = make([]string, 0, len(tables))
	for i := range tables {
		key := tables[i].Schema + "." + tables[i].Name
		tp := tables[i]
		c.tables[key] = &tp
		c.tableOrder = append(c.tableOrder, key)
	}
}

// TableStarted marks a table as actively being copied.
func (c *Collector) TableStarted(schema, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tp, ok := c.tables[schema+"."+name]; ok {
		tp.Status = TableCopying
		tp.StartedAt = time.Now()
	}
}

// TableDone marks a table copy as complete.
func (c *Collector) TableDone(schema, name string, rowsCopied int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tp, ok := c.tables[schema+"."+name]; ok {
		tp.Status = TableCopied
		tp.RowsCopied = rowsCopied
		if !tp.StartedAt.IsZero() {
			tp.ElapsedSec = time.Since(tp.StartedAt).Seconds()
		}
	}
	c.totalRows.Add(rowsCopied)
	c.rowWindow.Add(time.Now(), float64(rowsCopied))
}

// TableFailed marks a table copy as failed.
func (c *Collector) TableFailed(schema, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tp, ok := c.tables[schema+"."+name]; ok {
		tp.Status = TableFailed
	}
}

// RecordRecvLSN updates the highest received WAL position.
func (c *Collector) RecordRecvLSN(v pglogrepl.LSN) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v > c.recvLSN {
		c.recvLSN = v
	}
}

// RecordFlushLSN updates the journaled (flushed) WAL position.
func (c *Collector) RecordFlushLSN(v pglogrepl.LSN) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v > c.flushLSN {
		c.flushLSN = v
	}
}

// RecordJournaled counts one statement appended to the journal.
func (c *Collector) RecordJournaled() {
	c.journalRows.Add(1)
}

// RecordError increments the error count and stores the last error message.
func (c *Collector) RecordError(err error) {
	c.errorCount.Add(1)
	if err != nil {
		c.lastError.Store(err.Error())
	}
}

// Snapshot returns the current metrics state.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	var elapsed float64
	if !c.startedAt.IsZero() {
		elapsed = now.Sub(c.startedAt).Seconds()
	}

	lagBytes := lsn.Lag(c.flushLSN, c.recvLSN)

	tables := make([]TableProgress, 0, len(c.tableOrder))
	tablesCopied := 0
	for _, key := range c.tableOrder {
		tp := *c.tables[key]
		tables = append(tables, tp)
		if tp.Status == TableCopied {
			tablesCopied++
		}
	}

	var lastErr string
	if v := c.lastError.Load(); v != nil {
		lastErr = v.(string)
	}

	return Snapshot{
		Timestamp:    now,
		Phase:        c.phase,
		ElapsedSec:   elapsed,
		RecvLSN:      c.recvLSN.String(),
		FlushLSN:     c.flushLSN.String(),
		LagBytes:     lagBytes,
		LagFormatted: lsn.FormatLag(lagBytes),
		JournalRows:  c.journalRows.Load(),
		TablesTotal:  len(c.tableOrder),
		TablesCopied: tablesCopied,
		Tables:       tables,
		RowsPerSec:   c.rowWindow.Rate(),
		TotalRows:    c.totalRows.Load(),
		ErrorCount:   int(c.errorCount.Load()),
		LastError:    lastErr,
	}
}

// Subscribe returns a channel that receives periodic Snapshot updates.
func (c *Collector) Subscribe() chan Snapshot {
	ch := make(chan Snapshot, 4)
	c.subMu.Lock()
	c.subscribers[ch] = struct{}{}
	c.subMu.Unlock()
	return ch
}

// Unsubscribe removes a subscription channel.
func (c *Collector) Unsubscribe(ch chan Snapshot) {
	c.subMu.Lock()
	delete(c.subscribers, ch)
	c.subMu.Unlock()
}

// Close stops the broadcast loop.
func (c *Collector) Close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

func (c *Collector) broadcastLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			snap := c.Snapshot()
			c.subMu.Lock()
			for ch := range c.subscribers {
				select {
				case ch <- snap:
				default:
					// Subscriber too slow, skip.
				}
			}
			c.subMu.Unlock()
		}
	}
}

// --- Sliding window for throughput calculation ---

type windowEntry struct {
	time  time.Time
	value float64
}

type slidingWindow struct {
	mu      sync.Mutex
	entries []windowEntry
	window  time.Duration
}

func newSlidingWindow(d time.Duration) *slidingWindow {
	return &slidingWindow{
		entries: make([]windowEntry, 0, 128),
		window:  d,
	}
}

func (w *slidingWindow) Add(t time.Time, val float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, windowEntry{time: t, value: val})
	w.evict(t)
}

func (w *slidingWindow) Rate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	w.evict(now)
	if len(w.entries) == 0 {
		return 0
	}
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	elapsed := now.Sub(w.entries[0].time).Seconds()
	if elapsed < 1 {
		elapsed = 1
	}
	return total / elapsed
}

func (w *slidingWindow) evict(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].time.Before(cutoff) {
		i++
	}
	if i > 0 {
		copy(w.entries, w.entries[i:])
		w.entries = w.entries[:len(w.entries)-i]
	}
}
