// Command tshctl is the administrative CLI for a tshgo store: applying
// migrations, running an ad hoc reclaim sweep, and inspecting a series'
// registry entry and span.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"tshgo/internal/batch"
	"tshgo/internal/db"
	"tshgo/internal/engine"
)

var version = "dev"

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	rootCmd := &cobra.Command{
		Use:   "tshctl",
		Short: "Administer a tshgo time-series store",
	}
	rootCmd.PersistentFlags().String("dsn", os.Getenv("TSHGO_DSN"), "Postgres connection string (or TSHGO_DSN)")

	rootCmd.AddCommand(
		newMigrateCmd(logger),
		newReclaimSweepCmd(logger),
		newInfoCmd(logger),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

// newMigrateCmd brings a store's schema up to date. db.Open already
// applies pending migrations on connect, so this subcommand is just
// that connect-and-verify step exposed standalone.
func newMigrateCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, _ := cmd.Flags().GetString("dsn")
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			database, err := db.Open(ctx, db.Config{DSN: dsn, Logger: logger})
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer database.Close()

			logger.Info("migrations applied")
			return nil
		},
	}
}

// newReclaimSweepCmd runs an immediate reclaim sweep over every
// registered series, bounded by --workers concurrent series at a time.
func newReclaimSweepCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reclaim-sweep",
		Short: "Reclaim unreachable chunks across every registered series",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, _ := cmd.Flags().GetString("dsn")
			workers, _ := cmd.Flags().GetInt("workers")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			database, err := db.Open(ctx, db.Config{DSN: dsn, Logger: logger})
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer database.Close()

			eng := engine.New(database)

			var names []string
			err = database.WithTx(ctx, func(txCtx context.Context, tx db.Tx) error {
				var listErr error
				names, listErr = eng.ListSeries(txCtx, tx)
				return listErr
			})
			if err != nil {
				return fmt.Errorf("list series: %w", err)
			}

			pool := batch.NewPool(workers)
			result, err := batch.ReclaimSweep(ctx, database, eng, pool, names)
			if err != nil {
				return fmt.Errorf("reclaim sweep: %w", err)
			}

			p := newPrinter()
			rows := make([][]string, 0, len(names))
			for _, name := range names {
				status := fmt.Sprintf("%d chunks reclaimed", result.Reclaimed[name])
				if sweepErr, failed := result.Errors[name]; failed {
					status = "error: " + sweepErr.Error()
				}
				rows = append(rows, []string{name, status})
			}
			p.table([]string{"SERIES", "RESULT"}, rows)
			return nil
		},
	}
	cmd.Flags().Int("workers", 4, "maximum number of series reclaimed concurrently")
	return cmd
}

// newInfoCmd prints a series' registry metadata and logical span.
func newInfoCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "info <series>",
		Short: "Show a series' table name, metadata, and span",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, _ := cmd.Flags().GetString("dsn")
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			database, err := db.Open(ctx, db.Config{DSN: dsn, Logger: logger})
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer database.Close()

			eng := engine.New(database)

			var info engine.Info
			err = database.WithTx(ctx, func(txCtx context.Context, tx db.Tx) error {
				var infoErr error
				info, infoErr = eng.Info(txCtx, tx, args[0])
				return infoErr
			})
			if err != nil {
				return fmt.Errorf("info: %w", err)
			}

			p := newPrinter()
			p.kv([][2]string{
				{"name", info.Name},
				{"table", info.TableName},
				{"value_type", info.Metadata.ValueType},
				{"tzaware", fmt.Sprintf("%v", info.Metadata.TZAware)},
				{"tsstart", fmt.Sprintf("%d", info.TSStart)},
				{"tsend", fmt.Sprintf("%d", info.TSEnd)},
			})
			return nil
		},
	}
}
