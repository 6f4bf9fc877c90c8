// Command durabased runs the durabase daemon and operator commands.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kartikbazzad/durabase"
	"github.com/kartikbazzad/durabase/internal/config"
	"github.com/kartikbazzad/durabase/internal/logger"
	"github.com/kartikbazzad/durabase/server"
	"github.com/kartikbazzad/durabase/wire"
)

func main() {
	root := &cobra.Command{
		Use:   "durabased",
		Short: "Single-writer, schema-strict document database",
	}
	root.AddCommand(serveCmd(), promoteCmd(), restoreCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg := config.Defaults()
	if err := config.Load("DURABASE_", &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	var dataDir, listenAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Open the database, run recovery, and serve the wire protocol",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if dataDir != "" {
				cfg.DataDir = dataDir
			}
			if listenAddr != "" {
				cfg.ListenAddr = listenAddr
			}
			logger.Init(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

			opts := durabase.DefaultOptions(cfg.DataDir)
			opts.Replication = cfg.Replication

			db, err := durabase.Open(opts)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}

			srv := server.New(db)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				srv.Close()
			}()

			if err := srv.ListenAndServe(cfg.ListenAddr); err != nil {
				db.Close()
				return err
			}
			return db.Close()
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "", "data directory (overrides DURABASE_DATADIR)")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (overrides DURABASE_LISTENADDR)")
	return cmd
}

func promoteCmd() *cobra.Command {
	var addr string
	var force, confirmDualPrimary bool

	cmd := &cobra.Command{
		Use:   "promote",
		Short: "Promote a running replica to primary",
		RunE: func(cmd *cobra.Command, args []string) error {
			if force && !confirmDualPrimary {
				return fmt.Errorf("--force relaxes the single-writer guarantee; it requires --confirm-dual-primary-risk")
			}

			conn, err := net.Dial("tcp", addr)
			if err != nil {
				return fmt.Errorf("dial replica: %w", err)
			}
			defer conn.Close()

			req := wire.PromoteRequest{Force: force, ConfirmDualPrimaryRisk: confirmDualPrimary}
			if err := wire.WriteMessage(conn, wire.OpPromote, req); err != nil {
				return err
			}

			hdr, err := wire.ReadHeader(conn)
			if err != nil {
				return err
			}
			var resp wire.Response
			if err := wire.ReadBody(conn, hdr.Length, &resp); err != nil {
				return err
			}
			if resp.Status != "ok" {
				return fmt.Errorf("promotion denied: %s %s", resp.Code, resp.Message)
			}
			fmt.Println("promotion complete")
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:7421", "replica address")
	cmd.Flags().BoolVar(&force, "force", false, "promote even if the primary is reachable")
	cmd.Flags().BoolVar(&confirmDualPrimary, "confirm-dual-primary-risk", false, "acknowledge that force promotion can produce dual primaries")
	return cmd
}

func restoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore <archive.tar> <data-dir>",
		Short: "Restore a backup archive into an empty data directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := durabase.Restore(args[0], args[1]); err != nil {
				return fmt.Errorf("restore: %w", err)
			}
			fmt.Println("restore complete")
			return nil
		},
	}
	return cmd
}
