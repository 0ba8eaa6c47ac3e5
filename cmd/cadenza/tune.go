package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	"github.com/cadenzadev/cadenza/internal/store"
	"github.com/cadenzadev/cadenza/internal/types"
)

var (
	tuneJSONOutput bool
	tuneType       string
	tuneKey        string
	tuneStructure  string
)

var tuneCmd = &cobra.Command{
	Use:   "tune",
	Short: "Manage tunes in the local store",
}

func init() {
	tuneCmd.PersistentFlags().BoolVar(&tuneJSONOutput, "json", false,
		"Output in JSON format")

	tuneAddCmd.Flags().StringVar(&tuneType, "type", "",
		"Tune type: reel, jig, waltz, ...")
	tuneAddCmd.Flags().StringVar(&tuneKey, "key", "",
		"Musical key, e.g. Dmaj")
	tuneAddCmd.Flags().StringVar(&tuneStructure, "structure", "",
		"Part structure, e.g. AABB")

	tuneCmd.AddCommand(tuneAddCmd)
	tuneCmd.AddCommand(tuneListCmd)
	tuneCmd.AddCommand(tuneDeleteCmd)
}

var tuneAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Add a tune",
	Args:  cobra.ExactArgs(1),
	RunE:  runTuneAdd,
}

var tuneListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tunes",
	RunE:  runTuneList,
}

var tuneDeleteCmd = &cobra.Command{
	Use:   "delete <tune-id>",
	Short: "Delete a tune",
	Args:  cobra.ExactArgs(1),
	RunE:  runTuneDelete,
}

// openStore opens the local store for a one-shot CLI command.
func openStore() (*store.SQLiteStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	initLogger(cfg)
	return store.Open(cfg.Database.Path)
}

// ownerID resolves the account owner recorded in the local store,
// falling back to the device source ID on a fresh database.
func ownerID(ctx context.Context, db *store.SQLiteStore) string {
	if v, err := db.GetMeta(ctx, "owner_id"); err == nil && v != "" {
		return v
	}
	return db.SourceID()
}

func runTuneAdd(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	payload, err := json.Marshal(types.Tune{
		Title:     args[0],
		TuneType:  tuneType,
		Key:       tuneKey,
		Structure: tuneStructure,
	})
	if err != nil {
		return err
	}

	rec, err := db.ApplyLocalMutation(ctx, store.Mutation{
		Table:     types.TableTunes,
		RecordID:  ulid.Make().String(),
		Operation: types.OpCreate,
		OwnerID:   ownerID(ctx, db),
		Payload:   payload,
	}, time.Now().UTC())
	if err != nil {
		return err
	}

	if tuneJSONOutput {
		return printJSON(cmd.OutOrStdout(), rec)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added tune %q (%s)\n", args[0], rec.ID)
	return nil
}

func runTuneList(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	records, err := db.ListRecords(context.Background(), types.TableTunes)
	if err != nil {
		return err
	}

	if tuneJSONOutput {
		return printJSON(cmd.OutOrStdout(), records)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tTYPE\tKEY")
	for _, rec := range records {
		var tune types.Tune
		if err := json.Unmarshal(rec.Payload, &tune); err != nil {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", rec.ID, tune.Title, tune.TuneType, tune.Key)
	}
	return tw.Flush()
}

func runTuneDelete(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	_, err = db.ApplyLocalMutation(ctx, store.Mutation{
		Table:     types.TableTunes,
		RecordID:  args[0],
		Operation: types.OpDelete,
		OwnerID:   ownerID(ctx, db),
	}, time.Now().UTC())
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Deleted tune %s\n", args[0])
	return nil
}
