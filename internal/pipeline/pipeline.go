// Package pipeline orchestrates the full migration lifecycle: snapshot
// coordination, the parallel copy phase, the change-stream tail, and final
// reporting.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"

	"github.com/rdsync/rdsync/internal/config"
	"github.com/rdsync/rdsync/internal/copier"
	"github.com/rdsync/rdsync/internal/metrics"
	"github.com/rdsync/rdsync/internal/mysqlsrc"
	"github.com/rdsync/rdsync/internal/pgwire"
	"github.com/rdsync/rdsync/internal/replay"
	"github.com/rdsync/rdsync/internal/snapshot"
	"github.com/rdsync/rdsync/internal/stream"
	"github.com/rdsync/rdsync/internal/task"
)

const reconnectSleep = 5 * time.Second

// Pipeline runs one migration job.
type Pipeline struct {
	cfg    *config.Config
	logger zerolog.Logger

	// Metrics feeds the status API and the TUI.
	Metrics *metrics.Collector

	// Status is where the final job report lines are written.
	Status io.Writer

	timeToAbort      atomic.Bool
	fullSyncComplete atomic.Bool

	decoderCancel context.CancelFunc
}

// New creates a Pipeline from the given configuration.
func New(cfg *config.Config, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		cfg:     cfg,
		logger:  logger.With().Str("component", "pipeline").Logger(),
		Metrics: metrics.NewCollector(logger),
		Status:  os.Stderr,
	}
}

// SetLogger replaces the pipeline logger (e.g. to redirect output into the
// TUI instead of stderr).
func (p *Pipeline) SetLogger(logger zerolog.Logger) {
	p.logger = logger.With().Str("component", "pipeline").Logger()
}

// Abort sets the process-wide abort latch. The decoder observes it between
// messages; copy workers intentionally do not.
func (p *Pipeline) Abort() {
	p.timeToAbort.Store(true)
	if p.decoderCancel != nil {
		p.decoderCancel()
	}
}

// watchSignals wires SIGINT/SIGTERM to the abort latch for the lifetime of
// the returned stop function.
func (p *Pipeline) watchSignals() func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			p.logger.Info().Msg("interrupt received, shutting down")
			p.Abort()
		case <-done:
		}
	}()
	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

// RunSync copies a PostgreSQL source into the destination and, when the
// source supports logical decoding, tails its change stream afterwards.
func (p *Pipeline) RunSync(ctx context.Context) error {
	// The decoder context must exist before the signal watcher starts so an
	// early SIGINT still reaches the decoder.
	decoderCtx, cancel := context.WithCancel(context.Background())
	p.decoderCancel = cancel
	defer cancel()

	stop := p.watchSignals()
	defer stop()

	started := time.Now()
	p.setPhase("connecting")

	srcMain, err := pgwire.Connect(ctx, p.cfg.Source.DSN(), "_main", p.logger)
	if err != nil {
		return fmt.Errorf("source connection: %w", err)
	}
	defer srcMain.Close(ctx)

	dstMain, err := pgwire.Connect(ctx, p.cfg.Dest.DSN(), "_main", p.logger)
	if err != nil {
		return fmt.Errorf("destination connection: %w", err)
	}
	p.logger.Info().
		Int("src_version", srcMain.ServerVersion()).
		Int("dst_version", dstMain.ServerVersion()).
		Bool("dst_is_greenplum", dstMain.IsGreenplum()).
		Msg("sessions established")
	dstMain.Close(ctx)

	p.setPhase("snapshot")
	coord, err := snapshot.Prepare(ctx, srcMain,
		p.cfg.Source.DSN(), p.cfg.Source.ReplicationDSN(),
		p.cfg.Replication.SlotName, p.cfg.Replication.Plugin, p.logger)
	if err != nil {
		return err
	}
	defer coord.Release(ctx)

	p.setPhase("copy")
	tasks, err := task.ListPGTables(ctx, srcMain, p.cfg.Snapshot.Table)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		p.logger.Warn().Msg("no tables to copy")
	}
	queue := task.NewQueue(tasks)
	p.initTableMetrics(tasks)

	p.logger.Info().
		Int("tables", len(tasks)).
		Int("workers", p.cfg.Snapshot.Workers).
		Str("snapshot", coord.SnapshotName).
		Msg("starting parallel copy")

	var decoderDone chan error
	if coord.ReplicationTail {
		decoderDone = make(chan error, 1)
		go func() {
			decoderDone <- p.runDecoder(decoderCtx, coord.ConsistentPoint)
		}()
	}

	pool := copier.NewPool(p.cfg.Source.DSN(), p.cfg.Dest.DSN(),
		p.cfg.Snapshot.Workers, coord.SnapshotName, p.logger)
	pool.Progress = p.copyProgress
	results := pool.Run(ctx, queue)

	coord.Release(ctx)
	p.fullSyncComplete.Store(true)
	p.report(results, queue.Tasks(), time.Since(started))

	if decoderDone == nil {
		p.setPhase("done")
		return nil
	}

	p.setPhase("streaming")
	err = <-decoderDone
	p.setPhase("done")
	return err
}

// RunMySQL copies a MySQL source into the destination. There is no
// snapshot handle and no change-stream tail on this path.
func (p *Pipeline) RunMySQL(ctx context.Context) error {
	stop := p.watchSignals()
	defer stop()

	started := time.Now()
	p.setPhase("connecting")

	dstMain, err := pgwire.Connect(ctx, p.cfg.Dest.DSN(), "_main", p.logger)
	if err != nil {
		return fmt.Errorf("destination connection: %w", err)
	}
	p.logger.Info().
		Int("dst_version", dstMain.ServerVersion()).
		Bool("dst_is_greenplum", dstMain.IsGreenplum()).
		Msg("destination session established")
	dstMain.Close(ctx)

	src, err := mysqlsrc.Open(ctx, p.cfg.MySQL, p.logger)
	if err != nil {
		return err
	}

	p.setPhase("copy")
	tasks, err := src.ListTables(ctx, p.cfg.Snapshot.Table)
	src.Close()
	if err != nil {
		return err
	}
	if p.cfg.Snapshot.Table != "" && len(tasks) == 0 {
		return fmt.Errorf("table %q not found in %s", p.cfg.Snapshot.Table, p.cfg.MySQL.DB)
	}
	queue := task.NewQueue(tasks)
	p.initTableMetrics(tasks)

	p.logger.Info().
		Int("tables", len(tasks)).
		Int("workers", p.cfg.Snapshot.Workers).
		Msg("starting full sync")

	pool := mysqlsrc.NewPool(p.cfg.MySQL, p.cfg.Dest.DSN(), p.cfg.Snapshot.Workers, p.logger)
	pool.Progress = p.copyProgress
	results := pool.Run(ctx, queue)

	p.fullSyncComplete.Store(true)
	p.report(results, queue.Tasks(), time.Since(started))
	p.setPhase("done")
	return nil
}

// localDSN is where the change journal lives; the destination doubles as
// the bookkeeping database when no local one is configured.
func (p *Pipeline) localDSN() string {
	if !p.cfg.Local.Empty() {
		return p.cfg.Local.DSN()
	}
	return p.cfg.Dest.DSN()
}

// runDecoder is the single long-lived consumer of the logical stream. It
// converts records to SQL and appends them to the journal table, retrying
// stream interruptions indefinitely until the abort latch is set.
func (p *Pipeline) runDecoder(ctx context.Context, startLSN pglogrepl.LSN) error {
	log := p.logger.With().Str("component", "decoder").Logger()

	journal, err := replay.OpenJournal(ctx, p.localDSN(), log)
	if err != nil {
		p.Abort()
		return err
	}
	defer journal.Close(context.WithoutCancel(ctx))

	standbyTimeout := time.Duration(p.cfg.Replication.StandbyTimeoutSec) * time.Second

	for {
		if ctx.Err() != nil || p.timeToAbort.Load() {
			return nil
		}

		client, err := stream.Connect(ctx, p.cfg.Source.ReplicationDSN(),
			p.cfg.Replication.SlotName, p.cfg.Replication.Plugin, standbyTimeout, log)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Err(err).Msg("replication connection failed, retrying")
			if !p.sleep(ctx, reconnectSleep) {
				return nil
			}
			continue
		}

		if err := client.StartStreaming(ctx, startLSN); err != nil {
			client.Close(context.WithoutCancel(ctx))
			if ctx.Err() != nil {
				return nil
			}
			log.Err(err).Msg("start streaming failed, retrying")
			if !p.sleep(ctx, reconnectSleep) {
				return nil
			}
			continue
		}

		err = p.consumeStream(ctx, client, journal, log)
		startLSN = client.RecvLSN()
		client.Close(context.WithoutCancel(ctx))

		switch {
		case err == nil || ctx.Err() != nil:
			return nil
		case isProtocolError(err):
			// Malformed frames are fatal: reconnecting would replay them.
			log.Err(err).Msg("decoder protocol error")
			p.Abort()
			return err
		default:
			log.Err(err).Stringer("resume_lsn", startLSN).Msg("stream interrupted, reconnecting")
			if !p.sleep(ctx, reconnectSleep) {
				return nil
			}
		}
	}
}

func (p *Pipeline) consumeStream(ctx context.Context, client *stream.Client, journal *replay.Journal, log zerolog.Logger) error {
	for {
		if p.timeToAbort.Load() {
			return nil
		}

		record, recvLSN, err := client.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		p.Metrics.RecordRecvLSN(recvLSN)

		sql, err := replay.Render(record)
		if err != nil {
			if errors.Is(err, replay.ErrNoKey) {
				log.Warn().
					Str("kind", record.Kind.String()).
					Str("table", record.Schema+"."+record.Rel).
					Msg("no replica identity, change skipped")
				client.ConfirmFlush(recvLSN)
				continue
			}
			p.Abort()
			return err
		}

		if err := journal.Append(ctx, sql); err != nil {
			// Journal failures are fatal to the decoder thread.
			p.Abort()
			return err
		}
		client.ConfirmFlush(recvLSN)
		p.Metrics.RecordFlushLSN(recvLSN)
		p.Metrics.RecordJournaled()
	}
}

func isProtocolError(err error) bool {
	var pe *stream.ProtocolError
	return errors.As(err, &pe)
}

// sleep waits d unless the context is cancelled; it reports whether the
// caller should keep going.
func (p *Pipeline) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return !p.timeToAbort.Load()
	}
}

func (p *Pipeline) copyProgress(t *task.Task, event string, rows int64) {
	switch event {
	case "start":
		p.Metrics.TableStarted(t.Schema, t.Rel)
	case "done":
		p.Metrics.TableDone(t.Schema, t.Rel, rows)
	}
}

// report sums the per-worker and per-task counters and writes the job
// summary to the status sink.
func (p *Pipeline) report(results []copier.WorkerResult, tasks []*task.Task, elapsed time.Duration) {
	var workerRows, taskRows int64
	haveErr := false
	for _, r := range results {
		if r.AllOK {
			workerRows += r.Rows
		} else {
			haveErr = true
		}
	}
	for _, t := range tasks {
		taskRows += t.Rows
		if !t.Complete {
			p.Metrics.TableFailed(t.Schema, t.Rel)
		}
	}
	if haveErr {
		p.Metrics.RecordError(errors.New("one or more workers failed"))
	}

	fmt.Fprintf(p.Status, "job migrate row %d task row %d\n", workerRows, taskRows)
	fmt.Fprintf(p.Status, "all time cost %.3f ms\n", float64(elapsed.Microseconds())/1000.0)
	if haveErr {
		fmt.Fprintln(p.Status, "migration process with errors")
	}
}

// Errored reports whether any worker failed during the copy phase.
func (p *Pipeline) Errored() bool {
	return p.Metrics.Snapshot().ErrorCount > 0
}

// Close releases pipeline resources.
func (p *Pipeline) Close() {
	if p.Metrics != nil {
		p.Metrics.Close()
	}
}

func (p *Pipeline) setPhase(phase string) {
	p.logger.Info().Str("phase", phase).Msg("phase transition")
	p.Metrics.SetPhase(phase)
}

func (p *Pipeline) initTableMetrics(tasks []*task.Task) {
	tps := make([]metrics.TableProgress, len(tasks))
	for i, t := range tasks {
		tps[i] = metrics.TableProgress{
			Schema: t.Schema,
			Name:   t.Rel,
			Status: metrics.TablePending,
		}
	}
	p.Metrics.SetTables(tps)
}
