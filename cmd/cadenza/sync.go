package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cadenzadev/cadenza/internal/config"
	"github.com/cadenzadev/cadenza/internal/engine"
	"github.com/cadenzadev/cadenza/internal/remote"
	"github.com/cadenzadev/cadenza/internal/store"
	"github.com/cadenzadev/cadenza/internal/types"
)

var (
	syncDownFull   bool
	syncJSONOutput bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one-shot sync operations",
	Long:  "Push pending local changes, pull remote changes, or inspect the sync queue without running the daemon.",
}

func init() {
	syncCmd.PersistentFlags().BoolVar(&syncJSONOutput, "json", false,
		"Output in JSON format")

	syncDownCmd.Flags().BoolVar(&syncDownFull, "full", false,
		"Discard the cursor and reconcile against the complete remote state")

	syncCmd.AddCommand(syncUpCmd)
	syncCmd.AddCommand(syncDownCmd)
	syncCmd.AddCommand(syncStatusCmd)
}

var syncUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Push pending local changes to the remote",
	RunE:  runSyncUp,
}

var syncDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Pull remote changes into the local store",
	RunE:  runSyncDown,
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync queue and cursor state",
	RunE:  runSyncStatus,
}

// openEngine opens the local store and builds a one-shot engine around it.
// The caller owns closing the returned store.
func openEngine() (*store.SQLiteStore, *engine.Engine, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	initLogger(cfg)

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, nil, nil, err
	}

	client := remote.New(cfg.Remote.URL, cfg.Remote.Token,
		time.Duration(cfg.Remote.RequestTimeout))
	eng := engine.New(db, client, engineConfig(cfg))
	return db, eng, cfg, nil
}

func runSyncUp(cmd *cobra.Command, args []string) error {
	db, eng, _, err := openEngine()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	if err := eng.ForceSyncUp(ctx); err != nil {
		return err
	}

	pending, err := db.PendingCount(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Push complete, %d entries still pending\n", pending)
	return nil
}

func runSyncDown(cmd *cobra.Command, args []string) error {
	db, eng, _, err := openEngine()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := eng.ForceSyncDown(context.Background(), syncDownFull); err != nil {
		return err
	}

	if syncDownFull {
		fmt.Fprintln(cmd.OutOrStdout(), "Full reconciliation complete")
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), "Pull complete")
	}
	return nil
}

func runSyncStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	initLogger(cfg)

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()

	pending, err := db.PendingCount(ctx)
	if err != nil {
		return err
	}
	failed, err := db.FailedEntries(ctx)
	if err != nil {
		return err
	}
	held, err := db.HeldEntries(ctx)
	if err != nil {
		return err
	}

	cursors := make(map[string]string)
	for _, table := range types.AllTables() {
		cursor, err := db.GetCursor(ctx, table)
		if err != nil {
			return err
		}
		cursors[string(table)] = cursor
	}

	if syncJSONOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"source_id": db.SourceID(),
			"pending":   pending,
			"failed":    failed,
			"held":      held,
			"cursors":   cursors,
		})
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Source:  %s\n", db.SourceID())
	fmt.Fprintf(out, "Pending: %d\n", pending)
	for _, table := range types.AllTables() {
		fmt.Fprintf(out, "Cursor %s: %s\n", table, orNone(cursors[string(table)]))
	}

	if len(failed) > 0 {
		fmt.Fprintf(out, "\nFailed entries (%d):\n", len(failed))
		printEntries(out, failed)
	}
	if len(held) > 0 {
		fmt.Fprintf(out, "\nHeld for review (%d):\n", len(held))
		printEntries(out, held)
	}
	return nil
}

func printEntries(w io.Writer, entries []store.QueueEntry) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ENTRY\tTABLE\tRECORD\tOP\tATTEMPTS\tLAST ERROR")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\n",
			e.EntryID, e.Table, e.RecordID, e.Operation, e.AttemptCount, e.LastError)
	}
	tw.Flush()
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
