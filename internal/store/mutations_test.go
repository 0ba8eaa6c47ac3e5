package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/cadenzadev/cadenza/internal/types"
)

func TestApplyLocalMutation_CreateWritesRowAndEntry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// When: a tune is created
	rec := createTune(t, s, "tune-1", "The Banshee", now)

	// Then: the record exists with version 1 and no remote version
	if rec.LocalVersion != 1 {
		t.Errorf("expected local_version 1, got %d", rec.LocalVersion)
	}
	if rec.RemoteVersion != nil {
		t.Errorf("expected nil remote_version, got %d", *rec.RemoteVersion)
	}

	// And: exactly one pending create entry exists for it
	batch, err := s.NextBatch(ctx, 10, now)
	if err != nil {
		t.Fatalf("NextBatch failed: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(batch))
	}
	if batch[0].Operation != types.OpCreate {
		t.Errorf("expected create entry, got %s", batch[0].Operation)
	}
	if batch[0].OwnerID != "owner-1" {
		t.Errorf("expected owner-1, got %q", batch[0].OwnerID)
	}
}

func TestApplyLocalMutation_CreateExistingFails(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	createTune(t, s, "tune-1", "The Banshee", now)

	_, err := s.ApplyLocalMutation(context.Background(), Mutation{
		Table:     types.TableTunes,
		RecordID:  "tune-1",
		Operation: types.OpCreate,
		Payload:   tunePayload(t, "Duplicate"),
	}, now)
	if !errors.Is(err, ErrExists) {
		t.Errorf("expected ErrExists, got %v", err)
	}
}

func TestApplyLocalMutation_UpdateMissingFails(t *testing.T) {
	s := newTestStore(t)

	_, err := s.ApplyLocalMutation(context.Background(), Mutation{
		Table:     types.TableTunes,
		RecordID:  "ghost",
		Operation: types.OpUpdate,
		Payload:   tunePayload(t, "Ghost"),
	}, time.Now().UTC())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestApplyLocalMutation_UpdateDeletedFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Given: a synced record that was then deleted locally
	createTune(t, s, "tune-1", "The Banshee", now)
	batch, _ := s.NextBatch(ctx, 10, now)
	if err := s.MarkSynced(ctx, batch[0], 1); err != nil {
		t.Fatalf("MarkSynced failed: %v", err)
	}
	mustApply(t, s, Mutation{
		Table:     types.TableTunes,
		RecordID:  "tune-1",
		Operation: types.OpDelete,
	}, now)

	// Then: updates against the tombstone are rejected
	_, err := s.ApplyLocalMutation(ctx, Mutation{
		Table:     types.TableTunes,
		RecordID:  "tune-1",
		Operation: types.OpUpdate,
		Payload:   tunePayload(t, "Raised"),
	}, now)
	if !errors.Is(err, ErrDeleted) {
		t.Errorf("expected ErrDeleted, got %v", err)
	}
}

func TestApplyLocalMutation_VersionMonotonic(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	rec := createTune(t, s, "tune-1", "The Banshee", now)
	for i := 0; i < 3; i++ {
		rec = mustApply(t, s, Mutation{
			Table:     types.TableTunes,
			RecordID:  "tune-1",
			Operation: types.OpUpdate,
			Payload:   tunePayload(t, "Edit"),
		}, now.Add(time.Duration(i)*time.Second))
	}

	if rec.LocalVersion != 4 {
		t.Errorf("expected local_version 4 after create + 3 updates, got %d", rec.LocalVersion)
	}
}

func TestCoalesce_CreateThenUpdateStaysCreate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Given: a created record not yet pushed
	createTune(t, s, "tune-1", "First Title", now)

	// When: it is updated before any push
	mustApply(t, s, Mutation{
		Table:     types.TableTunes,
		RecordID:  "tune-1",
		Operation: types.OpUpdate,
		Payload:   tunePayload(t, "Second Title"),
	}, now.Add(time.Second))

	// Then: a single entry remains, still a create, with the new payload
	batch, err := s.NextBatch(ctx, 10, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("NextBatch failed: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("expected 1 coalesced entry, got %d", len(batch))
	}
	if batch[0].Operation != types.OpCreate {
		t.Errorf("expected coalesced entry to stay a create, got %s", batch[0].Operation)
	}
	var tune types.Tune
	if err := json.Unmarshal(batch[0].Payload, &tune); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if tune.Title != "Second Title" {
		t.Errorf("expected coalesced payload, got title %q", tune.Title)
	}
}

func TestCoalesce_CreateThenDeleteCancelsBoth(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Given: a created record not yet pushed
	createTune(t, s, "tune-1", "Ephemeral", now)

	// When: it is deleted before any push
	rec := mustApply(t, s, Mutation{
		Table:     types.TableTunes,
		RecordID:  "tune-1",
		Operation: types.OpDelete,
	}, now.Add(time.Second))

	// Then: nothing remains, neither entry nor row
	if rec != nil {
		t.Errorf("expected nil record for an annihilated create, got %+v", rec)
	}
	batch, err := s.NextBatch(ctx, 10, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("NextBatch failed: %v", err)
	}
	if len(batch) != 0 {
		t.Errorf("expected empty queue, got %d entries", len(batch))
	}
	if _, err := s.GetRecord(ctx, types.TableTunes, "tune-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected record gone, got %v", err)
	}
}

func TestCoalesce_UpdateResetsAttemptCounter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Given: a synced record with an update that has failed once
	createTune(t, s, "tune-1", "The Banshee", now)
	batch, _ := s.NextBatch(ctx, 10, now)
	if err := s.MarkSynced(ctx, batch[0], 1); err != nil {
		t.Fatalf("MarkSynced failed: %v", err)
	}
	mustApply(t, s, Mutation{
		Table:     types.TableTunes,
		RecordID:  "tune-1",
		Operation: types.OpUpdate,
		Payload:   tunePayload(t, "Edit 1"),
	}, now)
	batch, _ = s.NextBatch(ctx, 10, now)
	if _, err := s.MarkFailedAttempt(ctx, batch[0].EntryID, "boom", 10, time.Second, time.Minute, now); err != nil {
		t.Fatalf("MarkFailedAttempt failed: %v", err)
	}

	// When: a second update coalesces into the entry
	mustApply(t, s, Mutation{
		Table:     types.TableTunes,
		RecordID:  "tune-1",
		Operation: types.OpUpdate,
		Payload:   tunePayload(t, "Edit 2"),
	}, now.Add(time.Second))

	// Then: the entry is immediately eligible with a fresh attempt counter
	entry, err := s.GetQueueEntry(ctx, batch[0].EntryID)
	if err != nil {
		t.Fatalf("GetQueueEntry failed: %v", err)
	}
	if entry.AttemptCount != 0 {
		t.Errorf("expected attempt counter reset, got %d", entry.AttemptCount)
	}
	if entry.Status != StatusPending {
		t.Errorf("expected pending, got %s", entry.Status)
	}
}

func TestCoalesce_WriteSupersedesFailedEntry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Given: an entry that failed terminally
	createTune(t, s, "tune-1", "The Banshee", now)
	batch, _ := s.NextBatch(ctx, 10, now)
	if err := s.MarkFailedTerminal(ctx, batch[0].EntryID, "rejected"); err != nil {
		t.Fatalf("MarkFailedTerminal failed: %v", err)
	}

	// When: the user edits the record again
	mustApply(t, s, Mutation{
		Table:     types.TableTunes,
		RecordID:  "tune-1",
		Operation: types.OpUpdate,
		Payload:   tunePayload(t, "Fixed"),
	}, now.Add(time.Second))

	// Then: the failed entry is gone and one fresh pending entry exists
	failed, err := s.FailedEntries(ctx)
	if err != nil {
		t.Fatalf("FailedEntries failed: %v", err)
	}
	if len(failed) != 0 {
		t.Errorf("expected failed entry superseded, got %d", len(failed))
	}
	pending, err := s.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount failed: %v", err)
	}
	if pending != 1 {
		t.Errorf("expected 1 pending entry, got %d", pending)
	}
}

func TestApplyLocalMutation_NewEntryWhilePreviousInFlight(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Given: an entry mid-transmission
	createTune(t, s, "tune-1", "The Banshee", now)
	batch, _ := s.NextBatch(ctx, 10, now)
	if len(batch) != 1 {
		t.Fatalf("expected 1 entry in flight, got %d", len(batch))
	}

	// When: the record is edited during the push
	mustApply(t, s, Mutation{
		Table:     types.TableTunes,
		RecordID:  "tune-1",
		Operation: types.OpUpdate,
		Payload:   tunePayload(t, "Mid-flight edit"),
	}, now.Add(time.Second))

	// Then: a second, separate entry exists; the in-flight one is untouched
	inFlight, err := s.GetQueueEntry(ctx, batch[0].EntryID)
	if err != nil {
		t.Fatalf("GetQueueEntry failed: %v", err)
	}
	if inFlight.Status != StatusInFlight {
		t.Errorf("expected original entry still in flight, got %s", inFlight.Status)
	}
	pending, _ := s.PendingCount(ctx)
	if pending != 2 {
		t.Errorf("expected 2 active entries, got %d", pending)
	}

	// And: the pending one is not drained while its sibling is in flight
	next, err := s.NextBatch(ctx, 10, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("NextBatch failed: %v", err)
	}
	if len(next) != 0 {
		t.Errorf("expected per-record serialization to skip the entry, got %d", len(next))
	}
}

func TestApplyLocalMutation_RecreateOverTombstone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Given: a synced, then deleted-but-unpushed record
	createTune(t, s, "tune-1", "The Banshee", now)
	batch, _ := s.NextBatch(ctx, 10, now)
	if err := s.MarkSynced(ctx, batch[0], 1); err != nil {
		t.Fatalf("MarkSynced failed: %v", err)
	}
	mustApply(t, s, Mutation{
		Table:     types.TableTunes,
		RecordID:  "tune-1",
		Operation: types.OpDelete,
	}, now.Add(time.Second))

	// When: the record is re-created before the delete pushed
	rec := mustApply(t, s, Mutation{
		Table:     types.TableTunes,
		RecordID:  "tune-1",
		Operation: types.OpCreate,
		Payload:   tunePayload(t, "Back again"),
	}, now.Add(2*time.Second))

	// Then: the version keeps increasing and the row is live again
	if rec.Deleted {
		t.Error("expected live record after re-create")
	}
	if rec.LocalVersion != 3 {
		t.Errorf("expected local_version 3, got %d", rec.LocalVersion)
	}
	got, err := s.GetRecord(ctx, types.TableTunes, "tune-1")
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if got.Deleted {
		t.Error("expected stored row live after re-create")
	}
}
