package engine

import (
	"bytes"
	"time"

	"github.com/cadenzadev/cadenza/internal/store"
	syncwire "github.com/cadenzadev/cadenza/internal/sync"
	"github.com/cadenzadev/cadenza/internal/types"
)

// resolve decides the winner when a record carries both an unsynced local
// mutation and a newer remote version.
//
// Policy: last-write-wins by mutation timestamp, with one asymmetry:
// a local delete always beats a remote update, because an
// explicit user deletion is never silently resurrected. Equal timestamps
// with different payloads (clock skew across devices) cannot be decided
// automatically and go to review.
func resolve(op types.Operation, localMutatedAt time.Time, localPayload []byte, remote syncwire.Record) store.Decision {
	if op == types.OpDelete {
		if remote.Deleted {
			// Both sides deleted; the remote tombstone settles it.
			return store.DecisionAcceptRemote
		}
		return store.DecisionKeepLocal
	}

	switch {
	case localMutatedAt.After(remote.UpdatedAt):
		return store.DecisionKeepLocal
	case localMutatedAt.Before(remote.UpdatedAt):
		return store.DecisionAcceptRemote
	}

	// Identical timestamps: only convergent payloads are safe to accept.
	if !remote.Deleted && bytes.Equal(localPayload, remote.Payload) {
		return store.DecisionAcceptRemote
	}
	return store.DecisionNeedsReview
}

// resolvePull adapts resolve to the pull synchronizer's callback shape.
func resolvePull(local *types.Record, entry *store.QueueEntry, remote syncwire.Record) store.Decision {
	return resolve(entry.Operation, entry.MutatedAt, entry.Payload, remote)
}
