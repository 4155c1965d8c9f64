package main

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rdsync/rdsync/internal/pipeline"
	"github.com/rdsync/rdsync/internal/server"
	"github.com/rdsync/rdsync/internal/tui"
)

var (
	mysqlAPIPort int
	mysqlTUI     bool
)

var mysqlCmd = &cobra.Command{
	Use:   "mysql [table]",
	Short: "Copy a MySQL source with type translation",
	Long: `Mysql copies every base table of the MySQL source configured in the
[src.mysql] section of my.cfg into the destination, translating column
types and rendering rows through COPY ... WITH CSV.

With a table argument only that table is copied, on a single worker.
There is no snapshot handle and no change-stream tail on this path.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			cfg.Snapshot.Table = args[0]
		}
		if err := cfg.ValidateMySQL(); err != nil {
			return err
		}

		p := pipeline.New(&cfg, logger)
		defer p.Close()

		if mysqlTUI {
			p.SetLogger(zerolog.Nop())
		}
		if mysqlAPIPort > 0 {
			srv := server.New(p.Metrics, logger)
			srv.StartBackground(cmd.Context(), mysqlAPIPort)
		}

		if mysqlTUI {
			errCh := make(chan error, 1)
			go func() {
				errCh <- p.RunMySQL(cmd.Context())
			}()
			return tui.Run(p.Metrics, errCh)
		}
		return p.RunMySQL(cmd.Context())
	},
}

func init() {
	mysqlCmd.Flags().IntVar(&mysqlAPIPort, "api-port", 0, "Enable HTTP status API on this port (0 = disabled)")
	mysqlCmd.Flags().BoolVar(&mysqlTUI, "tui", false, "Show terminal dashboard during migration")
	rootCmd.AddCommand(mysqlCmd)
}
