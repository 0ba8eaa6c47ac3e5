package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	"github.com/cadenzadev/cadenza/internal/schedule"
	"github.com/cadenzadev/cadenza/internal/store"
	"github.com/cadenzadev/cadenza/internal/types"
)

var practiceJSONOutput bool

var practiceCmd = &cobra.Command{
	Use:   "practice",
	Short: "Log practice sessions and see what is due",
}

func init() {
	practiceCmd.PersistentFlags().BoolVar(&practiceJSONOutput, "json", false,
		"Output in JSON format")

	practiceCmd.AddCommand(practiceLogCmd)
	practiceCmd.AddCommand(practiceDueCmd)
}

var practiceLogCmd = &cobra.Command{
	Use:   "log <tune-id> <quality>",
	Short: "Record a practice session",
	Long:  "Record a practice session for a tune with a 0-5 recall quality. The next review date is computed from the tune's review history.",
	Args:  cobra.ExactArgs(2),
	RunE:  runPracticeLog,
}

var practiceDueCmd = &cobra.Command{
	Use:   "due",
	Short: "List tunes due for review",
	RunE:  runPracticeDue,
}

func runPracticeLog(cmd *cobra.Command, args []string) error {
	tuneID := args[0]
	quality, err := strconv.Atoi(args[1])
	if err != nil || quality < 0 || quality > 5 {
		return fmt.Errorf("quality must be an integer between 0 and 5")
	}

	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()

	// The tune must exist before practice can be logged against it.
	if _, err := db.GetRecord(ctx, types.TableTunes, tuneID); err != nil {
		return fmt.Errorf("tune %s: %w", tuneID, err)
	}

	now := time.Now().UTC()
	prev := latestReviewState(ctx, db, tuneID)
	nextDue, state := schedule.ComputeNextReview(prev, quality, now)

	payload, err := json.Marshal(types.PracticeRecord{
		TuneID:      tuneID,
		Quality:     quality,
		PracticedAt: now,
		NextDue:     nextDue,
		ReviewState: state,
	})
	if err != nil {
		return err
	}

	rec, err := db.ApplyLocalMutation(ctx, store.Mutation{
		Table:     types.TablePracticeRecords,
		RecordID:  ulid.Make().String(),
		Operation: types.OpCreate,
		OwnerID:   ownerID(ctx, db),
		Payload:   payload,
	}, now)
	if err != nil {
		return err
	}

	if practiceJSONOutput {
		return printJSON(cmd.OutOrStdout(), rec)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Logged practice for %s (quality %d), next review %s\n",
		tuneID, quality, nextDue.Format("2006-01-02"))
	return nil
}

// latestReviewState returns the review state of the most recent practice
// record for a tune, or a fresh state if none exists.
func latestReviewState(ctx context.Context, db *store.SQLiteStore, tuneID string) types.ReviewState {
	records, err := db.ListRecords(ctx, types.TablePracticeRecords)
	if err != nil {
		return schedule.NewState()
	}

	state := schedule.NewState()
	var latest time.Time
	for _, rec := range records {
		var pr types.PracticeRecord
		if err := json.Unmarshal(rec.Payload, &pr); err != nil {
			continue
		}
		if pr.TuneID == tuneID && pr.PracticedAt.After(latest) {
			latest = pr.PracticedAt
			state = pr.ReviewState
		}
	}
	return state
}

func runPracticeDue(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	records, err := db.ListRecords(ctx, types.TablePracticeRecords)
	if err != nil {
		return err
	}

	// Keep only the most recent practice record per tune.
	type dueEntry struct {
		TuneID      string    `json:"tune_id"`
		NextDue     time.Time `json:"next_due"`
		PracticedAt time.Time `json:"practiced_at"`
	}
	latest := make(map[string]dueEntry)
	for _, rec := range records {
		var pr types.PracticeRecord
		if err := json.Unmarshal(rec.Payload, &pr); err != nil {
			continue
		}
		if cur, ok := latest[pr.TuneID]; !ok || pr.PracticedAt.After(cur.PracticedAt) {
			latest[pr.TuneID] = dueEntry{
				TuneID:      pr.TuneID,
				NextDue:     pr.NextDue,
				PracticedAt: pr.PracticedAt,
			}
		}
	}

	now := time.Now().UTC()
	var due []dueEntry
	for _, e := range latest {
		if !e.NextDue.After(now) {
			due = append(due, e)
		}
	}

	if practiceJSONOutput {
		return printJSON(cmd.OutOrStdout(), due)
	}

	if len(due) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Nothing due for review")
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TUNE\tDUE\tLAST PRACTICED")
	for _, e := range due {
		fmt.Fprintf(tw, "%s\t%s\t%s\n",
			e.TuneID, e.NextDue.Format("2006-01-02"), e.PracticedAt.Format("2006-01-02"))
	}
	return tw.Flush()
}
