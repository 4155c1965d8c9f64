// Package pgwire wraps pgconn sessions with the connection and
// per-transaction setup shared by every rdsync component.
package pgwire

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

// ExtensionName tags every session's application_name, suffixed with the
// session purpose (_main, _copy, _decoding).
const ExtensionName = "rds_logical_sync"

// Session is an ordinary (non-replication) database session.
type Session struct {
	conn   *pgconn.PgConn
	logger zerolog.Logger

	version   int
	greenplum bool
}

// Connect opens a session against dsn with the application name set to
// ExtensionName + purpose, and probes the server version and flavor.
func Connect(ctx context.Context, dsn, purpose string, logger zerolog.Logger) (*Session, error) {
	cfg, err := pgconn.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.RuntimeParams == nil {
		cfg.RuntimeParams = map[string]string{}
	}
	cfg.RuntimeParams["application_name"] = ExtensionName + purpose

	conn, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect %s@%s: %w", cfg.User, cfg.Host, err)
	}

	s := &Session{
		conn:   conn,
		logger: logger.With().Str("component", "pgwire").Logger(),
	}
	s.version = parseServerVersion(conn.ParameterStatus("server_version"))

	gp, err := s.QueryValue(ctx, "select version()")
	if err != nil {
		conn.Close(ctx) //nolint:errcheck
		return nil, fmt.Errorf("probe server version: %w", err)
	}
	s.greenplum = strings.Contains(gp, "Greenplum")

	return s, nil
}

// Raw returns the underlying pgconn.PgConn.
func (s *Session) Raw() *pgconn.PgConn {
	return s.conn
}

// ServerVersion returns the server version in PQserverVersion form
// (e.g. 90400 for 9.4, 140005 for 14.5).
func (s *Session) ServerVersion() int {
	return s.version
}

// IsGreenplum reports whether the server identified itself as Greenplum.
func (s *Session) IsGreenplum() bool {
	return s.greenplum
}

// Exec runs a statement and fails on any non-OK result.
func (s *Session) Exec(ctx context.Context, sql string) error {
	_, err := s.conn.Exec(ctx, sql).ReadAll()
	if err != nil {
		return fmt.Errorf("exec %q: %w", sql, err)
	}
	return nil
}

// Query runs a statement and returns the rows of its single result set.
func (s *Session) Query(ctx context.Context, sql string) ([][][]byte, error) {
	results, err := s.conn.Exec(ctx, sql).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", sql, err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("query %q: no result", sql)
	}
	return results[0].Rows, nil
}

// QueryValue runs a statement expected to return a single value.
// It returns an error when the result is empty or NULL.
func (s *Session) QueryValue(ctx context.Context, sql string) (string, error) {
	rows, err := s.Query(ctx, sql)
	if err != nil {
		return "", err
	}
	if len(rows) == 0 || len(rows[0]) == 0 || rows[0][0] == nil {
		return "", fmt.Errorf("query %q: empty result", sql)
	}
	return string(rows[0][0]), nil
}

// Setup applies the session configuration shared by dump-style sessions.
// Run it once after the transaction has been started.
func (s *Session) Setup(ctx context.Context) error {
	stmts := []string{"SET client_encoding TO 'UTF8'", "SET DATESTYLE = ISO"}
	if s.version >= 80400 {
		stmts = append(stmts, "SET INTERVALSTYLE = POSTGRES")
	}
	if s.version >= 90000 {
		stmts = append(stmts, "SET extra_float_digits TO 3")
	} else if s.version >= 70400 {
		stmts = append(stmts, "SET extra_float_digits TO 2")
	}
	// Prevent unpredictable changes in row ordering across a dump and reload.
	if s.version >= 80300 && !s.greenplum {
		stmts = append(stmts, "SET synchronize_seqscans TO off")
	}
	if s.version >= 70300 {
		stmts = append(stmts, "SET statement_timeout = 0")
	}
	if s.version >= 90300 {
		stmts = append(stmts, "SET lock_timeout = 0")
	}

	for _, stmt := range stmts {
		if err := s.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// SetupCopyTarget applies the additional settings for destination bulk-copy
// sessions: triggers are suppressed, and when the upstream is MySQL
// standard_conforming_strings is turned off and backslash_quote on.
func (s *Session) SetupCopyTarget(ctx context.Context, fromMySQL bool) error {
	if err := s.Exec(ctx, "SET session_replication_role = 'replica'"); err != nil {
		return err
	}
	if fromMySQL {
		if err := s.Exec(ctx, "SET standard_conforming_strings TO off"); err != nil {
			return err
		}
		if err := s.Exec(ctx, "SET backslash_quote TO on"); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying connection.
func (s *Session) Close(ctx context.Context) {
	if s.conn != nil {
		s.conn.Close(ctx) //nolint:errcheck
	}
}

// QuoteIdent quotes an SQL identifier.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QualifiedName returns a quoted schema.rel pair, or just the quoted
// relation when no schema applies.
func QualifiedName(schema, rel string) string {
	if schema == "" {
		return QuoteIdent(rel)
	}
	return QuoteIdent(schema) + "." + QuoteIdent(rel)
}

// QuoteLiteral single-quotes a value, doubling interior quotes.
func QuoteLiteral(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

// parseServerVersion converts a server_version parameter ("9.4.26",
// "14.5", "12beta1") to the integer form used for feature gates.
func parseServerVersion(v string) int {
	if v == "" {
		return 0
	}
	parts := strings.FieldsFunc(v, func(r rune) bool { return r == '.' || r == ' ' })
	nums := make([]int, 0, 3)
	for _, p := range parts {
		end := 0
		for end < len(p) && p[end] >= '0' && p[end] <= '9' {
			end++
		}
		if end == 0 {
			break
		}
		n, _ := strconv.Atoi(p[:end])
		nums = append(nums, n)
		if end != len(p) {
			break
		}
	}
	if len(nums) == 0 {
		return 0
	}
	if nums[0] >= 10 {
		patch := 0
		if len(nums) > 1 {
			patch = nums[1]
		}
		return nums[0]*10000 + patch
	}
	minor, patch := 0, 0
	if len(nums) > 1 {
		minor = nums[1]
	}
	if len(nums) > 2 {
		patch = nums[2]
	}
	return nums[0]*10000 + minor*100 + patch
}
