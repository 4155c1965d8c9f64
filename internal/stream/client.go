package stream

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/rs/zerolog"
)

// pluginVersion is the protocol version advertised to the decoding plugin.
const pluginVersion = 90400

// ProtocolError marks a malformed frame or change record. It is fatal to
// the decoder thread, unlike stream interruptions, which are reconnectable.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Err.Error() }
func (e *ProtocolError) Unwrap() error { return e.Err }

// Client owns the replication session: it creates or reuses the logical
// slot, consumes the CopyBoth stream, and drives keepalive feedback.
type Client struct {
	conn   *pgconn.PgConn
	logger zerolog.Logger

	slotName       string
	plugin         string
	standbyTimeout time.Duration

	startLSN pglogrepl.LSN

	mu         sync.Mutex
	recvLSN    pglogrepl.LSN
	flushLSN   pglogrepl.LSN
	lastStatus time.Time
}

// Connect opens a replication-mode session and verifies it with
// IDENTIFY_SYSTEM.
func Connect(ctx context.Context, replDSN, slotName, plugin string, standbyTimeout time.Duration, logger zerolog.Logger) (*Client, error) {
	conn, err := pgconn.Connect(ctx, replDSN)
	if err != nil {
		return nil, fmt.Errorf("replication connection: %w", err)
	}

	if _, err := pglogrepl.IdentifySystem(ctx, conn); err != nil {
		conn.Close(ctx) //nolint:errcheck
		return nil, fmt.Errorf("IDENTIFY_SYSTEM: %w", err)
	}

	return &Client{
		conn:           conn,
		logger:         logger.With().Str("component", "stream").Logger(),
		slotName:       strings.ReplaceAll(slotName, "-", "_"),
		plugin:         plugin,
		standbyTimeout: standbyTimeout,
	}, nil
}

// CreateSlot creates the logical replication slot and returns the exported
// snapshot name. The snapshot stays valid until StartStreaming is called,
// so the COPY phase must complete in between.
func (c *Client) CreateSlot(ctx context.Context) (string, error) {
	sql := fmt.Sprintf("CREATE_REPLICATION_SLOT %s LOGICAL %s", c.slotName, c.plugin)
	result, err := pglogrepl.ParseCreateReplicationSlot(c.conn.Exec(ctx, sql))
	if err != nil {
		return "", fmt.Errorf("create replication slot: %w", err)
	}
	point, err := pglogrepl.ParseLSN(result.ConsistentPoint)
	if err != nil {
		return "", fmt.Errorf("parse consistent point: %w", err)
	}
	c.startLSN = point
	c.logger.Info().
		Str("slot", c.slotName).
		Str("snapshot", result.SnapshotName).
		Stringer("lsn", point).
		Msg("created replication slot")
	return result.SnapshotName, nil
}

// DropSlot removes the replication slot.
func (c *Client) DropSlot(ctx context.Context) error {
	if err := pglogrepl.DropReplicationSlot(ctx, c.conn, c.slotName,
		pglogrepl.DropReplicationSlotOptions{Wait: true}); err != nil {
		return fmt.Errorf("drop replication slot %s: %w", c.slotName, err)
	}
	return nil
}

// StartLSN returns the consistent point of the created slot.
func (c *Client) StartLSN() pglogrepl.LSN {
	return c.startLSN
}

// StartStreaming initiates the CopyBoth stream from startLSN. This
// invalidates the snapshot exported by CreateSlot.
func (c *Client) StartStreaming(ctx context.Context, startLSN pglogrepl.LSN) error {
	err := pglogrepl.StartReplication(ctx, c.conn, c.slotName, startLSN,
		pglogrepl.StartReplicationOptions{
			PluginArgs: []string{
				fmt.Sprintf("version '%d'", pluginVersion),
				"encoding 'UTF8'",
			},
		})
	if err != nil {
		return fmt.Errorf("start replication: %w", err)
	}

	c.mu.Lock()
	c.startLSN = startLSN
	c.recvLSN = startLSN
	c.flushLSN = startLSN
	c.lastStatus = time.Now()
	c.mu.Unlock()

	c.logger.Info().Str("slot", c.slotName).Stringer("lsn", startLSN).Msg("streaming initiated")
	return nil
}

// Recv blocks until the next change record arrives, sending standby status
// updates as needed. It returns the record together with the WAL position
// it was received at. Keepalives are consumed internally. The returned
// error is terminal for this session; the caller reconnects from RecvLSN.
func (c *Client) Recv(ctx context.Context) (*Record, pglogrepl.LSN, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}

		deadline := c.statusDeadline()
		if !time.Now().Before(deadline) {
			if err := c.sendStandbyStatus(ctx); err != nil {
				return nil, 0, fmt.Errorf("send standby status: %w", err)
			}
			deadline = c.statusDeadline()
		}

		recvCtx, cancel := context.WithDeadline(ctx, deadline)
		rawMsg, err := c.conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) && ctx.Err() == nil {
				continue
			}
			return nil, 0, fmt.Errorf("receive message: %w", err)
		}

		switch msg := rawMsg.(type) {
		case *pgproto3.ErrorResponse:
			return nil, 0, fmt.Errorf("server error: %s: %s (SQLSTATE %s)",
				msg.Severity, msg.Message, msg.Code)

		case *pgproto3.CopyData:
			if len(msg.Data) == 0 {
				continue
			}
			switch msg.Data[0] {
			case pglogrepl.PrimaryKeepaliveMessageByteID:
				pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(msg.Data[1:])
				if err != nil {
					return nil, 0, &ProtocolError{Err: fmt.Errorf("parse keepalive: %w", err)}
				}
				c.advanceRecv(pkm.ServerWALEnd)
				if pkm.ReplyRequested {
					if err := c.sendStandbyStatus(ctx); err != nil {
						return nil, 0, fmt.Errorf("keepalive reply: %w", err)
					}
				}

			case pglogrepl.XLogDataByteID:
				xld, err := pglogrepl.ParseXLogData(msg.Data[1:])
				if err != nil {
					return nil, 0, &ProtocolError{Err: fmt.Errorf("parse xlogdata: %w", err)}
				}
				c.advanceRecv(xld.WALStart)
				c.advanceRecv(xld.ServerWALEnd)

				record, err := Decode(xld.WALData)
				if err != nil {
					return nil, 0, &ProtocolError{Err: fmt.Errorf("decode change record at %s: %w",
						pglogrepl.LSN(xld.WALStart), err)}
				}
				return record, c.RecvLSN(), nil
			}

		default:
			// CopyDone and friends during shutdown; ignore.
		}
	}
}

// ConfirmFlush marks everything up to lsn as durably journaled; the next
// standby status reports it as flushed.
func (c *Client) ConfirmFlush(lsn pglogrepl.LSN) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if lsn > c.flushLSN {
		c.flushLSN = lsn
	}
}

// RecvLSN returns the highest WAL position received so far.
func (c *Client) RecvLSN() pglogrepl.LSN {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recvLSN
}

// FlushLSN returns the last confirmed flush position.
func (c *Client) FlushLSN() pglogrepl.LSN {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLSN
}

// Close tears down the replication session.
func (c *Client) Close(ctx context.Context) {
	if c.conn != nil {
		c.conn.Close(ctx) //nolint:errcheck
	}
}

func (c *Client) advanceRecv(lsn pglogrepl.LSN) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if lsn > c.recvLSN {
		c.recvLSN = lsn
	}
}

func (c *Client) statusDeadline() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastStatus.Add(c.standbyTimeout)
}

func (c *Client) sendStandbyStatus(ctx context.Context) error {
	c.mu.Lock()
	write, flush := c.recvLSN, c.flushLSN
	if flush > write {
		write = flush
	}
	c.lastStatus = time.Now()
	c.mu.Unlock()

	err := pglogrepl.SendStandbyStatusUpdate(ctx, c.conn,
		pglogrepl.StandbyStatusUpdate{
			WALWritePosition: write,
			WALFlushPosition: flush,
			WALApplyPosition: flush,
		})
	if err != nil {
		return err
	}
	c.logger.Debug().
		Stringer("write", write).
		Stringer("flush", flush).
		Str("slot", c.slotName).
		Msg("standby status sent")
	return nil
}
