package main

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rdsync/rdsync/internal/pipeline"
	"github.com/rdsync/rdsync/internal/server"
	"github.com/rdsync/rdsync/internal/tui"
)

var (
	syncAPIPort int
	syncTUI     bool
)

var syncCmd = &cobra.Command{
	Use:   "sync [table]",
	Short: "Copy a PostgreSQL source and tail its change stream",
	Long: `Sync performs a full parallel copy of the source database:
1. Creates the replication slot (9.4+) for a consistent snapshot,
   or exports one with pg_export_snapshot() on 9.2/9.3
2. Copies all ordinary tables in parallel, bound to the snapshot
3. On 9.4+ sources, tails the logical change stream into the
   sync_sqls journal until interrupted

With a table argument only that table is copied, on a single worker.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			cfg.Snapshot.Table = args[0]
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		p := pipeline.New(&cfg, logger)
		defer p.Close()

		if syncTUI {
			p.SetLogger(zerolog.Nop())
		}
		if syncAPIPort > 0 {
			srv := server.New(p.Metrics, logger)
			srv.StartBackground(cmd.Context(), syncAPIPort)
		}

		if syncTUI {
			errCh := make(chan error, 1)
			go func() {
				errCh <- p.RunSync(cmd.Context())
			}()
			return tui.Run(p.Metrics, errCh)
		}
		return p.RunSync(cmd.Context())
	},
}

func init() {
	syncCmd.Flags().IntVar(&syncAPIPort, "api-port", 0, "Enable HTTP status API on this port (0 = disabled)")
	syncCmd.Flags().BoolVar(&syncTUI, "tui", false, "Show terminal dashboard during migration")
	rootCmd.AddCommand(syncCmd)
}
