package main

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cadenzadev/cadenza/internal/store"
)

var (
	conflictsJSONOutput bool
	resolveKeepLocal    bool
	resolveKeepRemote   bool
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Inspect and resolve sync conflicts",
	Long:  "List records held for review after a concurrent edit on another device, and resolve them by keeping either side.",
}

func init() {
	conflictsCmd.PersistentFlags().BoolVar(&conflictsJSONOutput, "json", false,
		"Output in JSON format")

	conflictsResolveCmd.Flags().BoolVar(&resolveKeepLocal, "keep-local", false,
		"Keep the local version and re-queue it for push")
	conflictsResolveCmd.Flags().BoolVar(&resolveKeepRemote, "keep-remote", false,
		"Accept the remote version and discard the local change")

	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conflicts awaiting review",
	RunE:  runConflictsList,
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <conflict-id>",
	Short: "Resolve a conflict by keeping one side",
	Args:  cobra.ExactArgs(1),
	RunE:  runConflictsResolve,
}

func runConflictsList(cmd *cobra.Command, args []string) error {
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

	conflicts, err := db.ListConflicts(context.Background(), true)
	if err != nil {
		return err
	}

	if conflictsJSONOutput {
		return printJSON(cmd.OutOrStdout(), conflicts)
	}

	if len(conflicts) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No conflicts awaiting review")
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTABLE\tRECORD\tDETECTED")
	for _, c := range conflicts {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n",
			c.ConflictID, c.Table, c.RecordID, c.DetectedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func runConflictsResolve(cmd *cobra.Command, args []string) error {
	if resolveKeepLocal == resolveKeepRemote {
		return fmt.Errorf("exactly one of --keep-local or --keep-remote is required")
	}

	conflictID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid conflict id %q", args[0])
	}

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

	if err := db.ResolveConflict(context.Background(), conflictID, resolveKeepLocal, time.Now()); err != nil {
		return err
	}

	if resolveKeepLocal {
		fmt.Fprintf(cmd.OutOrStdout(), "Conflict %d resolved: local version re-queued for push\n", conflictID)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Conflict %d resolved: remote version accepted\n", conflictID)
	}
	return nil
}
