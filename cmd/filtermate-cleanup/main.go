// Command filtermate-cleanup lists and drops session-scoped materialized
// views left behind by crashed filter sessions. Views are recognized by the
// naming contract <prefix><session>_<logical-name> inside the managed schema.
package main

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sducournau/filtermate-go/matview"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "filtermate-cleanup",
		Short:        "Clean up orphaned filter-session views",
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.String("dsn", "", "PostgreSQL DSN (or FILTERMATE_DSN)")
	flags.String("schema", matview.DefaultSchema, "schema holding derived views")
	flags.String("prefix", matview.DefaultPrefix, "view name prefix")

	viper.SetEnvPrefix("filtermate")
	viper.AutomaticEnv()
	_ = viper.BindPFlag("dsn", flags.Lookup("dsn"))
	_ = viper.BindPFlag("schema", flags.Lookup("schema"))
	_ = viper.BindPFlag("prefix", flags.Lookup("prefix"))

	root.AddCommand(newListCmd(), newDropCmd())
	return root
}

func connect() (*sql.DB, error) {
	dsn := viper.GetString("dsn")
	if dsn == "" {
		return nil, fmt.Errorf("no DSN: set --dsn or FILTERMATE_DSN")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List session views in the managed schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := connect()
			if err != nil {
				return err
			}
			defer db.Close()

			schema := viper.GetString("schema")
			prefix := viper.GetString("prefix")

			query, qargs, err := sq.Select("matviewname").
				From("pg_matviews").
				Where(sq.Eq{"schemaname": schema}).
				Where(sq.Like{"matviewname": prefix + "%"}).
				OrderBy("matviewname").
				PlaceholderFormat(sq.Dollar).
				ToSql()
			if err != nil {
				return err
			}

			rows, err := db.QueryContext(cmd.Context(), query, qargs...)
			if err != nil {
				return fmt.Errorf("list views: %w", err)
			}
			defer rows.Close()

			n := 0
			for rows.Next() {
				var name string
				if err := rows.Scan(&name); err != nil {
					return err
				}
				session, logical, ok := matview.ParseViewName(prefix, name)
				if !ok {
					continue
				}
				fmt.Printf("%s.%s\tsession=%s\tlogical=%s\n", schema, name, session, logical)
				n++
			}
			if err := rows.Err(); err != nil {
				return err
			}
			fmt.Printf("%d session view(s)\n", n)
			return nil
		},
	}
}

func newDropCmd() *cobra.Command {
	var (
		keepSessions []string
		maxAge       time.Duration
		dropSchema   bool
	)
	cmd := &cobra.Command{
		Use:   "drop",
		Short: "Drop orphaned session views",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := connect()
			if err != nil {
				return err
			}
			defer db.Close()

			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
			mgr, err := matview.NewManager(matview.Config{
				DB:     db,
				Schema: viper.GetString("schema"),
				Prefix: viper.GetString("prefix"),
				Logger: logger,
			})
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			dropped, err := mgr.CleanupOrphaned(ctx, keepSessions, maxAge)
			if err != nil {
				return err
			}
			fmt.Printf("dropped %d view(s)\n", dropped)

			if dropSchema {
				ok, err := mgr.DropSchemaIfEmpty(ctx, false)
				if err != nil {
					return err
				}
				if ok {
					fmt.Printf("dropped schema %s\n", mgr.Schema())
				}
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&keepSessions, "keep-session", nil, "session ids to spare")
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "spare views younger than this")
	cmd.Flags().BoolVar(&dropSchema, "drop-schema", false, "drop the managed schema if empty afterwards")
	return cmd
}
