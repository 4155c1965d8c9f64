// Package copier streams table contents between source and destination
// using server-side COPY, driven by a work-stealing pool of workers that
// all observe the same transactional snapshot.
package copier

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rdsync/rdsync/internal/pgwire"
	"github.com/rdsync/rdsync/internal/task"
)

// Progress is called as tables start and finish copying.
// event is "start" or "done".
type Progress func(t *task.Task, event string, rows int64)

// WorkerResult aggregates one worker's counters after join.
type WorkerResult struct {
	ID    int
	Rows  int64
	AllOK bool
}

// Pool copies tables from a PostgreSQL source in parallel. Each worker
// owns its own origin and destination sessions for its whole lifetime.
type Pool struct {
	SrcDSN   string
	DstDSN   string
	Workers  int
	Snapshot string // empty = no SET TRANSACTION SNAPSHOT
	Progress Progress

	logger zerolog.Logger
}

// NewPool creates a Pool.
func NewPool(srcDSN, dstDSN string, workers int, snapshot string, logger zerolog.Logger) *Pool {
	return &Pool{
		SrcDSN:   srcDSN,
		DstDSN:   dstDSN,
		Workers:  workers,
		Snapshot: snapshot,
		logger:   logger.With().Str("component", "copier").Logger(),
	}
}

// Run drains the queue with p.Workers workers and returns their results.
// A failed worker stops; remaining tasks continue on surviving workers.
func (p *Pool) Run(ctx context.Context, queue *task.Queue) []WorkerResult {
	results := make([]WorkerResult, p.Workers)
	var wg sync.WaitGroup
	for i := 0; i < p.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			results[id] = p.runWorker(ctx, id, queue)
		}(i)
	}
	wg.Wait()
	return results
}

func (p *Pool) runWorker(ctx context.Context, id int, queue *task.Queue) WorkerResult {
	result := WorkerResult{ID: id}
	log := p.logger.With().Int("worker", id).Logger()

	src, err := pgwire.Connect(ctx, p.SrcDSN, "_copy", log)
	if err != nil {
		log.Err(err).Msg("open origin session")
		return result
	}
	defer src.Close(ctx)

	dst, err := pgwire.Connect(ctx, p.DstDSN, "_copy", log)
	if err != nil {
		log.Err(err).Msg("open destination session")
		return result
	}
	defer dst.Close(ctx)

	for {
		t := queue.Pop()
		if t == nil {
			break
		}
		started := time.Now()
		p.report(t, "start", 0)
		if err := p.copyTable(ctx, src, dst, t, &result.Rows); err != nil {
			log.Err(err).Str("table", t.QualifiedName()).Msg("table copy failed")
			return result // all_ok stays false; task left incomplete
		}
		t.Complete = true
		p.report(t, "done", t.Rows)
		log.Info().
			Int("task", t.ID).
			Str("table", t.QualifiedName()).
			Int64("rows", t.Rows).
			Dur("elapsed", time.Since(started)).
			Msg("table copy complete")
	}

	result.AllOK = true
	return result
}

func (p *Pool) copyTable(ctx context.Context, src, dst *pgwire.Session, t *task.Task, workerRows *int64) error {
	if err := src.Exec(ctx, "BEGIN TRANSACTION ISOLATION LEVEL REPEATABLE READ, READ ONLY"); err != nil {
		return fmt.Errorf("begin on origin: %w", err)
	}
	// The origin transaction is rolled back in every path: snapshot
	// transactions must not mutate the origin.
	defer src.Exec(context.WithoutCancel(ctx), "ROLLBACK") //nolint:errcheck

	if p.Snapshot != "" {
		if err := src.Exec(ctx, fmt.Sprintf("SET TRANSACTION SNAPSHOT %s", pgwire.QuoteLiteral(p.Snapshot))); err != nil {
			return fmt.Errorf("bind snapshot: %w", err)
		}
	}
	if err := src.Setup(ctx); err != nil {
		return err
	}

	if err := dst.Exec(ctx, "BEGIN TRANSACTION ISOLATION LEVEL READ COMMITTED"); err != nil {
		return fmt.Errorf("begin on target: %w", err)
	}
	if err := dst.Setup(ctx); err != nil {
		_ = dst.Exec(context.WithoutCancel(ctx), "ROLLBACK")
		return err
	}
	if err := dst.SetupCopyTarget(ctx, false); err != nil {
		_ = dst.Exec(context.WithoutCancel(ctx), "ROLLBACK")
		return err
	}

	qn := pgwire.QualifiedName(t.Schema, t.Rel)
	if err := p.relay(ctx, src, dst, qn, t, workerRows); err != nil {
		_ = dst.Exec(context.WithoutCancel(ctx), "ROLLBACK")
		return err
	}

	if err := dst.Exec(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("commit on target: %w", err)
	}
	return nil
}

// relay pipes COPY TO stdout chunks straight into COPY FROM stdin. The
// chunk count approximates rows.
func (p *Pool) relay(ctx context.Context, src, dst *pgwire.Session, qn string, t *task.Task, workerRows *int64) error {
	pr, pw := io.Pipe()
	cw := &chunkWriter{w: pw, taskRows: &t.Rows, workerRows: workerRows}

	srcErrCh := make(chan error, 1)
	go func() {
		_, err := src.Raw().CopyTo(ctx, cw, fmt.Sprintf("COPY %s TO stdout", qn))
		pw.CloseWithError(err) //nolint:errcheck
		srcErrCh <- err
	}()

	_, dstErr := dst.Raw().CopyFrom(ctx, pr, fmt.Sprintf("COPY %s FROM stdin", qn))
	pr.CloseWithError(dstErr) //nolint:errcheck
	srcErr := <-srcErrCh

	if srcErr != nil {
		return fmt.Errorf("reading from origin %s: %w", qn, srcErr)
	}
	if dstErr != nil {
		return fmt.Errorf("writing to target %s: %w", qn, dstErr)
	}
	return nil
}

func (p *Pool) report(t *task.Task, event string, rows int64) {
	if p.Progress != nil {
		p.Progress(t, event, rows)
	}
}

// chunkWriter counts CopyData chunks while relaying them.
type chunkWriter struct {
	w          io.Writer
	taskRows   *int64
	workerRows *int64
}

func (c *chunkWriter) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	if err == nil {
		*c.taskRows++
		*c.workerRows++
	}
	return n, err
}
