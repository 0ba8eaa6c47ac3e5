package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/cadenzadev/cadenza/internal/store"
	syncwire "github.com/cadenzadev/cadenza/internal/sync"
	"github.com/cadenzadev/cadenza/internal/types"
)

// pushCycle drains one bounded batch of the sync queue to the remote
// store. Entries are grouped into one request per table; requests run
// concurrently up to the configured bound. Per-record exclusivity is
// already guaranteed by the queue: a record has at most one in-flight
// entry, and a record appears in exactly one request.
func (e *Engine) pushCycle(ctx context.Context) error {
	batch, err := e.store.NextBatch(ctx, e.cfg.BatchSize, e.now())
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	start := e.now()
	byTable := make(map[types.Table][]store.QueueEntry)
	for _, entry := range batch {
		byTable[entry.Table] = append(byTable[entry.Table], entry)
	}

	var (
		wg       sync.WaitGroup
		sem      = make(chan struct{}, e.cfg.Concurrency)
		mu       sync.Mutex
		synced   int
		rejected int
		failed   int
	)

	for table, entries := range byTable {
		wg.Add(1)
		sem <- struct{}{}
		go func(table types.Table, entries []store.QueueEntry) {
			defer wg.Done()
			defer func() { <-sem }()

			s, r, f := e.pushTable(ctx, table, entries)
			mu.Lock()
			synced += s
			rejected += r
			failed += f
			mu.Unlock()
		}(table, entries)
	}
	wg.Wait()

	if synced > 0 || rejected > 0 {
		// One bump per committed push-result batch.
		e.bumpVersion()
	}

	slog.Info("push cycle completed",
		"component", "engine",
		"action", "push_cycle",
		"entries", len(batch),
		"synced", synced,
		"rejected", rejected,
		"failed", failed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// pushTable sends one table's entries and applies the per-item outcomes.
func (e *Engine) pushTable(ctx context.Context, table types.Table, entries []store.QueueEntry) (synced, rejected, failed int) {
	req := syncwire.PushRequest{
		PushID:   ulid.Make().String(),
		SourceID: e.store.SourceID(),
		Table:    string(table),
		Records:  make([]syncwire.Record, 0, len(entries)),
	}
	byID := make(map[string]store.QueueEntry, len(entries))
	for _, entry := range entries {
		byID[entry.RecordID] = entry
		req.Records = append(req.Records, syncwire.Record{
			ID:          entry.RecordID,
			Table:       string(table),
			OwnerID:     entry.OwnerID,
			Payload:     entry.Payload,
			BaseVersion: entry.BaseRemoteVersion,
			UpdatedAt:   entry.MutatedAt,
			Deleted:     entry.Operation == types.OpDelete,
		})
	}

	resp, err := e.remote.Push(ctx, req)
	if err != nil {
		// Transport failure, including timeouts: the true remote state is
		// unknown, so every entry backs off and retries.
		for _, entry := range entries {
			e.recordFailure(ctx, entry, err.Error())
		}
		return 0, 0, len(entries)
	}

	for _, ack := range resp.Accepted {
		entry, ok := byID[ack.ID]
		if !ok {
			continue
		}
		if err := e.store.MarkSynced(ctx, entry, ack.RemoteVersion); err != nil {
			slog.Error("failed to finalize synced entry",
				"component", "engine",
				"action", "mark_synced_failed",
				"entry_id", entry.EntryID,
				"error", err,
			)
			continue
		}
		synced++
	}

	for _, rej := range resp.Rejected {
		entry, ok := byID[rej.ID]
		if !ok {
			continue
		}
		e.handleReject(ctx, entry, rej)
		rejected++
	}
	return synced, rejected, 0
}

// handleReject routes a per-record rejection. A version mismatch is a
// conflict and goes through the resolver; retrying it unchanged would
// fail identically. Anything else is terminal.
func (e *Engine) handleReject(ctx context.Context, entry store.QueueEntry, rej syncwire.PushReject) {
	if rej.Reason != syncwire.RejectVersionMismatch || rej.Remote == nil {
		if err := e.store.MarkFailedTerminal(ctx, entry.EntryID, rej.Reason); err != nil {
			slog.Error("failed to mark entry terminal",
				"component", "engine",
				"action", "mark_failed_failed",
				"entry_id", entry.EntryID,
				"error", err,
			)
		}
		return
	}

	remote := *rej.Remote
	var err error
	switch resolve(entry.Operation, entry.MutatedAt, entry.Payload, remote) {
	case store.DecisionKeepLocal:
		err = e.store.RequeueWithBase(ctx, entry.EntryID, rej.RemoteVersion)
	case store.DecisionAcceptRemote:
		err = e.store.AcceptRemoteOverwrite(ctx, entry, remote, e.now())
	case store.DecisionNeedsReview:
		err = e.store.HoldForReview(ctx, entry, remote, e.now())
	}
	if err != nil {
		slog.Error("failed to apply conflict resolution",
			"component", "engine",
			"action", "resolve_failed",
			"entry_id", entry.EntryID,
			"record_id", entry.RecordID,
			"error", err,
		)
	}
}

func (e *Engine) recordFailure(ctx context.Context, entry store.QueueEntry, cause string) {
	status, err := e.store.MarkFailedAttempt(ctx, entry.EntryID, cause,
		e.cfg.MaxAttempts, e.cfg.BackoffBase, e.cfg.BackoffMax, e.now())
	if err != nil {
		slog.Error("failed to record push failure",
			"component", "engine",
			"action", "mark_failure_failed",
			"entry_id", entry.EntryID,
			"error", err,
		)
		return
	}
	if status == store.StatusFailed {
		slog.Warn("change exhausted retries",
			"component", "engine",
			"action", "entry_failed",
			"entry_id", entry.EntryID,
			"table", string(entry.Table),
			"record_id", entry.RecordID,
			"error", cause,
		)
	}
}
