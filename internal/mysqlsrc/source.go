package mysqlsrc

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql" // mysql driver
	"github.com/rs/zerolog"

	"github.com/rdsync/rdsync/internal/config"
	"github.com/rdsync/rdsync/internal/task"
)

// Source is one MySQL session. Every worker opens its own.
type Source struct {
	db  *sql.DB
	cfg config.MySQLConfig
}

// Open connects to the MySQL source and applies session settings.
func Open(ctx context.Context, cfg config.MySQLConfig, logger zerolog.Logger) (*Source, error) {
	db, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open mysql source: %w", err)
	}
	// One session per Source; workers own their connections outright.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("connect mysql source %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	if _, err := db.ExecContext(ctx, "set unique_checks = 0"); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("set unique_checks: %w", err)
	}

	logger.Debug().Str("host", cfg.Host).Str("db", cfg.DB).Msg("mysql source session open")
	return &Source{db: db, cfg: cfg}, nil
}

// ListTables builds the task list from SHOW FULL TABLES. When only is
// non-empty the list is restricted to that table.
func (s *Source) ListTables(ctx context.Context, only string) ([]*task.Task, error) {
	query := fmt.Sprintf("show full tables in `%s` where table_type='BASE TABLE'", s.cfg.DB)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list mysql tables: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var tasks []*task.Task
	for rows.Next() {
		var name, tableType string
		if err := rows.Scan(&name, &tableType); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		if only != "" && name != only {
			continue
		}
		tasks = append(tasks, &task.Task{ID: len(tasks), Rel: name})
	}
	return tasks, rows.Err()
}

// Close closes the session.
func (s *Source) Close() {
	s.db.Close() //nolint:errcheck
}
