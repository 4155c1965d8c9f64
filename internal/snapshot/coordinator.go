// Package snapshot obtains the consistent snapshot handle (or creates the
// replication slot) on the source and publishes it to the copy workers.
package snapshot

import (
	"context"
	"fmt"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"

	"github.com/rdsync/rdsync/internal/pgwire"
	"github.com/rdsync/rdsync/internal/stream"
)

// Mode describes how the snapshot handle was obtained.
type Mode int

const (
	// ModeNone means workers run without a bound snapshot (MySQL source,
	// old servers, or slot reuse).
	ModeNone Mode = iota
	// ModeExported means the handle came from pg_export_snapshot().
	ModeExported
	// ModeSlot means the handle was exported by logical slot creation.
	ModeSlot
)

// Coordinator holds the snapshot state shared by all workers. It must be
// fully prepared before the first worker starts, and Released only after
// the last worker has finished.
type Coordinator struct {
	logger zerolog.Logger

	SlotName        string
	SnapshotName    string
	ConsistentPoint pglogrepl.LSN
	Mode            Mode
	ReplicationTail bool

	// The exported snapshot stays valid only while its origin session is
	// undisturbed, so the coordinator pins one of these until Release.
	slotClient *stream.Client
	holdSess   *pgwire.Session
}

// Prepare inspects the source version and obtains the snapshot handle.
//
// On 9.4+ a logical replication slot is created (or reused if present);
// slot creation atomically exports a snapshot and enables the change-stream
// tail. On 9.2–9.3 a transaction-scoped pg_export_snapshot() is used and
// the tail stays disabled. Anything older runs without a snapshot.
func Prepare(ctx context.Context, main *pgwire.Session, srcDSN, replDSN, slotName, plugin string, logger zerolog.Logger) (*Coordinator, error) {
	c := &Coordinator{
		logger:   logger.With().Str("component", "snapshot").Logger(),
		SlotName: slotName,
	}

	version := main.ServerVersion()
	switch {
	case version >= 90400:
		exists, err := slotExists(ctx, main, slotName)
		if err != nil {
			return nil, err
		}
		c.ReplicationTail = true
		if exists {
			// Reusing a slot exports no new snapshot; workers run unbound
			// and may see rows newer than the slot's consistent point.
			c.Mode = ModeNone
			c.logger.Warn().Str("slot", slotName).
				Msg("replication slot already exists, copying without bound snapshot")
			return c, nil
		}

		client, err := stream.Connect(ctx, replDSN, slotName, plugin, 0, c.logger)
		if err != nil {
			return nil, fmt.Errorf("replication connection for slot creation: %w", err)
		}
		snapName, err := client.CreateSlot(ctx)
		if err != nil {
			client.Close(ctx)
			return nil, err
		}
		c.Mode = ModeSlot
		c.SnapshotName = snapName
		c.ConsistentPoint = client.StartLSN()
		c.slotClient = client
		return c, nil

	case version >= 90200:
		hold, err := pgwire.Connect(ctx, srcDSN, "_main", c.logger)
		if err != nil {
			return nil, fmt.Errorf("snapshot export connection: %w", err)
		}
		if err := hold.Exec(ctx, "BEGIN TRANSACTION ISOLATION LEVEL REPEATABLE READ"); err != nil {
			hold.Close(ctx)
			return nil, err
		}
		snapName, err := hold.QueryValue(ctx, "SELECT pg_export_snapshot()")
		if err != nil {
			hold.Close(ctx)
			return nil, fmt.Errorf("pg_export_snapshot: %w", err)
		}
		c.Mode = ModeExported
		c.SnapshotName = snapName
		c.holdSess = hold
		c.logger.Info().Str("snapshot", snapName).Msg("exported synchronized snapshot")
		return c, nil

	default:
		c.logger.Warn().Int("version", version).
			Msg("source too old for synchronized snapshots, copying without one")
		return c, nil
	}
}

// Release tears down the session pinning the exported snapshot. Call it
// after every worker has bound its transaction (in practice: after join).
func (c *Coordinator) Release(ctx context.Context) {
	if c.slotClient != nil {
		c.slotClient.Close(ctx)
		c.slotClient = nil
	}
	if c.holdSess != nil {
		_ = c.holdSess.Exec(ctx, "ROLLBACK")
		c.holdSess.Close(ctx)
		c.holdSess = nil
	}
}

func slotExists(ctx context.Context, sess *pgwire.Session, slotName string) (bool, error) {
	rows, err := sess.Query(ctx, fmt.Sprintf(
		"select slot_name from pg_replication_slots where slot_name = %s",
		pgwire.QuoteLiteral(slotName)))
	if err != nil {
		return false, fmt.Errorf("check replication slot: %w", err)
	}
	return len(rows) == 1, nil
}
