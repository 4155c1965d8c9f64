package replay

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/rdsync/rdsync/internal/pgwire"
)

const (
	createJournalSQL = "CREATE TABLE IF NOT EXISTS sync_sqls(id bigserial, sql text)"
	insertStmtName   = "insert_sqls"
	textOID          = 25
)

// Journal appends rendered SQL statements to the sync_sqls table on the
// local bookkeeping database via a named prepared statement.
type Journal struct {
	sess   *pgwire.Session
	logger zerolog.Logger
}

// OpenJournal connects to the bookkeeping database, ensures the journal
// table exists, and prepares the insert statement.
func OpenJournal(ctx context.Context, dsn string, logger zerolog.Logger) (*Journal, error) {
	sess, err := pgwire.Connect(ctx, dsn, "_decoding", logger)
	if err != nil {
		return nil, fmt.Errorf("journal connection: %w", err)
	}
	if err := sess.Setup(ctx); err != nil {
		sess.Close(ctx)
		return nil, err
	}
	if err := sess.Exec(ctx, createJournalSQL); err != nil {
		sess.Close(ctx)
		return nil, fmt.Errorf("create journal table: %w", err)
	}
	if _, err := sess.Raw().Prepare(ctx, insertStmtName,
		"INSERT INTO sync_sqls (sql) VALUES($1)", []uint32{textOID}); err != nil {
		sess.Close(ctx)
		return nil, fmt.Errorf("prepare journal insert: %w", err)
	}

	return &Journal{
		sess:   sess,
		logger: logger.With().Str("component", "journal").Logger(),
	}, nil
}

// Append inserts one rendered statement. Failure is fatal to the decoder
// thread; the caller aborts.
func (j *Journal) Append(ctx context.Context, sql string) error {
	rr := j.sess.Raw().ExecPrepared(ctx, insertStmtName,
		[][]byte{[]byte(sql)}, nil, nil)
	if _, err := rr.Close(); err != nil {
		return fmt.Errorf("journal insert: %w", err)
	}
	return nil
}

// Close tears down the journal session.
func (j *Journal) Close(ctx context.Context) {
	j.sess.Close(ctx)
}
