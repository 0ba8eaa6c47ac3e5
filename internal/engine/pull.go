package engine

import (
	"context"
	"log/slog"

	syncwire "github.com/cadenzadev/cadenza/internal/sync"
	"github.com/cadenzadev/cadenza/internal/types"
)

// incrementalPull fetches remote changes for one table since the stored
// cursor and applies them page by page. Each page and its new cursor
// commit in one transaction, so a crash mid-pull replays at most one
// page. Replaying is harmless because application is a full-state
// overwrite keyed by id.
func (e *Engine) incrementalPull(ctx context.Context, table types.Table) error {
	cursor, err := e.store.GetCursor(ctx, table)
	if err != nil {
		return err
	}

	for {
		resp, err := e.remote.Pull(ctx, string(table), cursor, e.cfg.PullLimit)
		if err != nil {
			return err
		}
		if len(resp.Records) == 0 {
			return nil
		}

		res, err := e.store.ApplyRemoteBatch(ctx, table, resp.Records, resp.NextCursor, resolvePull, e.now())
		if err != nil {
			return err
		}
		if res.Applied > 0 || res.NeedsReview > 0 {
			e.bumpVersion()
		}

		slog.Info("pull batch applied",
			"component", "engine",
			"action", "pull_batch",
			"table", string(table),
			"records", len(resp.Records),
			"applied", res.Applied,
			"conflicts", res.Conflicts,
			"needs_review", res.NeedsReview,
			"skipped", res.Skipped,
			"cursor", resp.NextCursor,
		)

		cursor = resp.NextCursor
		if len(resp.Records) < e.cfg.PullLimit {
			return nil
		}
	}
}

// fullPull fetches the complete remote table and reconciles the local
// copy against it: records absent remotely and never queued for push are
// deleted, everything else is overwritten or conflict-checked. Recovery
// and explicit user request only; its overwrite semantics are stronger
// than an incremental pull.
func (e *Engine) fullPull(ctx context.Context, table types.Table) error {
	var (
		all    []syncwire.Record
		cursor string
	)
	for {
		resp, err := e.remote.Pull(ctx, string(table), cursor, e.cfg.PullLimit)
		if err != nil {
			return err
		}
		all = append(all, resp.Records...)
		cursor = resp.NextCursor
		if len(resp.Records) < e.cfg.PullLimit {
			break
		}
	}

	res, err := e.store.ReconcileFull(ctx, table, all, cursor, resolvePull, e.now())
	if err != nil {
		return err
	}
	e.bumpVersion()

	slog.Info("full pull reconciled",
		"component", "engine",
		"action", "full_pull",
		"table", string(table),
		"records", len(all),
		"applied", res.Applied,
		"conflicts", res.Conflicts,
		"needs_review", res.NeedsReview,
		"cursor", cursor,
	)
	return nil
}
