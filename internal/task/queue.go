// Package task holds the set of table-copy units and hands them out to
// workers one at a time under mutual exclusion.
package task

import (
	"context"
	"fmt"
	"sync"

	"github.com/rdsync/rdsync/internal/pgwire"
)

// Task is a single table-copy unit. Exactly one worker owns a Task between
// Pop and Complete=true; Rows and Complete are written only by that worker.
type Task struct {
	ID       int
	Schema   string // empty for a MySQL source
	Rel      string
	Rows     int64
	Complete bool

	next *Task
}

// QualifiedName returns schema.rel for logging.
func (t *Task) QualifiedName() string {
	if t.Schema == "" {
		return t.Rel
	}
	return t.Schema + "." + t.Rel
}

// Queue is a singly-linked list of tasks guarded by one mutex.
type Queue struct {
	mu    sync.Mutex
	head  *Task
	count int

	all []*Task
}

// NewQueue links the given tasks into a queue, preserving order.
func NewQueue(tasks []*Task) *Queue {
	q := &Queue{all: tasks, count: len(tasks)}
	for i := range tasks {
		if i+1 < len(tasks) {
			tasks[i].next = tasks[i+1]
		}
	}
	if len(tasks) > 0 {
		q.head = tasks[0]
	}
	return q
}

// Pop atomically removes and returns the head task, or nil when empty.
func (q *Queue) Pop() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	curr := q.head
	if curr == nil {
		return nil
	}
	q.head = curr.next
	q.count--
	curr.next = nil
	return curr
}

// Len returns the number of tasks not yet handed out.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Tasks returns every task ever enqueued, for final aggregation after the
// workers have been joined.
func (q *Queue) Tasks() []*Task {
	return q.all
}

// allTablesSQL enumerates ordinary user relations largest-first so long
// tables are picked up early and parallelism does not tail off at the end.
const allTablesSQL = `select n.nspname, c.relname from pg_class c, pg_namespace n ` +
	`where n.oid = c.relnamespace and c.relkind = 'r' ` +
	`and n.nspname not in ('pg_catalog','tiger','tiger_data','topology','postgis','information_schema') ` +
	`order by c.relpages desc`

// ListPGTables builds the task list from a PostgreSQL source. When only is
// non-empty the list is restricted to relations with that name.
func ListPGTables(ctx context.Context, sess *pgwire.Session, only string) ([]*Task, error) {
	rows, err := sess.Query(ctx, allTablesSQL)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}

	var tasks []*Task
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		schema, rel := string(row[0]), string(row[1])
		if only != "" && rel != only {
			continue
		}
		tasks = append(tasks, &Task{ID: len(tasks), Schema: schema, Rel: rel})
	}
	return tasks, nil
}
