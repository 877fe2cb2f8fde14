package main

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	// PostgreSQL driver for database/sql.
	_ "github.com/jackc/pgx/v5/stdlib"

	goutils "github.com/jkaninda/go-utils"
)

var (
	activityDSN   string
	activityKind  string
	activityLimit int
)

var activityCmd = &cobra.Command{
	Use:   "activity",
	Short: "Read the activity journal from a PostgreSQL database",
	Long: `Reads recent entries from a PostgreSQL-backed activity journal and prints
them to stdout. Useful for inspecting what a remote agent has been doing
without going through its operator API.`,
	RunE: runActivity,
}

func init() {
	activityCmd.Flags().StringVar(&activityDSN, "dsn", "", "PostgreSQL DSN (or set NOOKPLOT_JOURNAL_DSN)")
	activityCmd.Flags().StringVar(&activityKind, "kind", "", "filter by activity kind")
	activityCmd.Flags().IntVar(&activityLimit, "limit", 50, "maximum entries to print")
}

func runActivity(cmd *cobra.Command, _ []string) error {
	dsn := goutils.Env("NOOKPLOT_JOURNAL_DSN", activityDSN)
	if dsn == "" {
		return fmt.Errorf("a DSN is required (--dsn or NOOKPLOT_JOURNAL_DSN)")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	ctx := cmd.Context()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}

	limit := activityLimit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	query := `SELECT kind, summary, created_at FROM activity_journal ORDER BY created_at DESC LIMIT $1`
	args := []any{limit}
	if activityKind != "" {
		query = `SELECT kind, summary, created_at FROM activity_journal WHERE kind = $1 ORDER BY created_at DESC LIMIT $2`
		args = []any{activityKind, limit}
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("querying journal: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var kind, summary string
		var createdAt time.Time
		if err := rows.Scan(&kind, &summary, &createdAt); err != nil {
			return fmt.Errorf("scanning row: %w", err)
		}
		fmt.Printf("%s  %-20s %s\n", createdAt.UTC().Format(time.RFC3339), kind, summary)
		count++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("reading rows: %w", err)
	}
	if count == 0 {
		fmt.Println("no activity recorded")
	}
	return nil
}
