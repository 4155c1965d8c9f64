package mysqlsrc

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rdsync/rdsync/internal/config"
	"github.com/rdsync/rdsync/internal/copier"
	"github.com/rdsync/rdsync/internal/pgwire"
	"github.com/rdsync/rdsync/internal/task"
)

// Pool copies MySQL base tables into the destination in parallel. Each
// worker owns one MySQL session and one destination session.
type Pool struct {
	SrcCfg   config.MySQLConfig
	DstDSN   string
	Workers  int
	Progress copier.Progress

	logger zerolog.Logger
}

// NewPool creates a Pool.
func NewPool(srcCfg config.MySQLConfig, dstDSN string, workers int, logger zerolog.Logger) *Pool {
	return &Pool{
		SrcCfg:  srcCfg,
		DstDSN:  dstDSN,
		Workers: workers,
		logger:  logger.With().Str("component", "mysql-copier").Logger(),
	}
}

// Run drains the queue with p.Workers workers and returns their results.
func (p *Pool) Run(ctx context.Context, queue *task.Queue) []copier.WorkerResult {
	results := make([]copier.WorkerResult, p.Workers)
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

func (p *Pool) runWorker(ctx context.Context, id int, queue *task.Queue) copier.WorkerResult {
	result := copier.WorkerResult{ID: id}
	log := p.logger.With().Int("worker", id).Logger()

	src, err := Open(ctx, p.SrcCfg, log)
	if err != nil {
		log.Err(err).Msg("open mysql origin session")
		return result
	}
	defer src.Close()

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
			log.Err(err).Str("table", t.Rel).Msg("table copy failed")
			return result
		}
		t.Complete = true
		p.report(t, "done", t.Rows)
		log.Info().
			Int("task", t.ID).
			Str("table", fmt.Sprintf("%s.%s", p.SrcCfg.DB, t.Rel)).
			Int64("rows", t.Rows).
			Dur("elapsed", time.Since(started)).
			Msg("table copy complete")
	}

	result.AllOK = true
	return result
}

func (p *Pool) copyTable(ctx context.Context, src *Source, dst *pgwire.Session, t *task.Task, workerRows *int64) error {
	rows, err := src.db.QueryContext(ctx,
		fmt.Sprintf("select * from `%s`.`%s`", p.SrcCfg.DB, t.Rel))
	if err != nil {
		return fmt.Errorf("select from %s: %w", t.Rel, err)
	}
	defer rows.Close() //nolint:errcheck

	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return fmt.Errorf("column types for %s: %w", t.Rel, err)
	}
	families := make([]Family, len(colTypes))
	for i, ct := range colTypes {
		if families[i], err = MapColumnType(ct.DatabaseTypeName()); err != nil {
			return fmt.Errorf("table %s column %s: %w", t.Rel, ct.Name(), err)
		}
	}

	if err := dst.Exec(ctx, "BEGIN TRANSACTION ISOLATION LEVEL READ COMMITTED"); err != nil {
		return fmt.Errorf("begin on target: %w", err)
	}
	if err := dst.Setup(ctx); err != nil {
		_ = dst.Exec(context.WithoutCancel(ctx), "ROLLBACK")
		return err
	}
	if err := dst.SetupCopyTarget(ctx, true); err != nil {
		_ = dst.Exec(context.WithoutCancel(ctx), "ROLLBACK")
		return err
	}

	if err := p.stream(ctx, rows, families, dst, t, workerRows); err != nil {
		_ = dst.Exec(context.WithoutCancel(ctx), "ROLLBACK")
		return err
	}

	if err := dst.Exec(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("commit on target: %w", err)
	}
	return nil
}

// stream renders each source row as one COPY line and feeds the lines into
// COPY FROM stdin. Row count is exact on this path.
func (p *Pool) stream(ctx context.Context, rows *sql.Rows, families []Family, dst *pgwire.Session, t *task.Task, workerRows *int64) error {
	pr, pw := io.Pipe()

	renderErrCh := make(chan error, 1)
	go func() {
		renderErrCh <- func() error {
			defer pw.Close() //nolint:errcheck

			raw := make([]sql.RawBytes, len(families))
			ptrs := make([]any, len(families))
			for i := range raw {
				ptrs[i] = &raw[i]
			}

			var sb strings.Builder
			for rows.Next() {
				if err := rows.Scan(ptrs...); err != nil {
					pw.CloseWithError(err) //nolint:errcheck
					return fmt.Errorf("scan row: %w", err)
				}
				sb.Reset()
				values := make([][]byte, len(raw))
				for i, r := range raw {
					if r != nil {
						values[i] = r
					}
				}
				renderRow(&sb, values, families)
				if _, err := io.WriteString(pw, sb.String()); err != nil {
					return fmt.Errorf("relay row: %w", err)
				}
				t.Rows++
				*workerRows++
			}
			if err := rows.Err(); err != nil {
				pw.CloseWithError(err) //nolint:errcheck
				return fmt.Errorf("read origin rows: %w", err)
			}
			return nil
		}()
	}()

	copySQL := fmt.Sprintf("COPY %s FROM stdin WITH CSV DELIMITER '|' QUOTE ''''",
		pgwire.QuoteIdent(t.Rel))
	_, copyErr := dst.Raw().CopyFrom(ctx, pr, copySQL)
	pr.CloseWithError(copyErr) //nolint:errcheck
	renderErr := <-renderErrCh

	if renderErr != nil {
		return renderErr
	}
	if copyErr != nil {
		return fmt.Errorf("copy into %s: %w", t.Rel, copyErr)
	}
	return nil
}

func (p *Pool) report(t *task.Task, event string, rows int64) {
	if p.Progress != nil {
		p.Progress(t, event, rows)
	}
}
