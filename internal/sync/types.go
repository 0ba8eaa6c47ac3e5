// Package sync defines the wire types of the remote store API, shared by
// the sync engine, the HTTP client, and the reference server.
package sync

import (
	"encoding/json"
	"time"
)

// Record is one synchronized row as it travels over the wire.
type Record struct {
	ID      string          `json:"id"`
	Table   string          `json:"table"`
	OwnerID string          `json:"owner_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// RemoteVersion is server-assigned: on pull it is the current revision
	// of the row, on push rejects it is the revision the client lost to.
	RemoteVersion int64 `json:"remote_version,omitempty"`

	// BaseVersion is the remote revision this push is based on, nil for
	// rows the server has never seen. A push whose base is older than the
	// server's current revision is rejected as a conflict.
	BaseVersion *int64 `json:"base_version,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
	Deleted   bool      `json:"deleted,omitempty"`
}

// PushRequest carries one batch of local mutations for a single table.
type PushRequest struct {
	// PushID makes the request idempotent: the server caches the response
	// keyed by it and replays on retry.
	PushID   string   `json:"push_id"`
	SourceID string   `json:"source_id"`
	Table    string   `json:"table"`
	Records  []Record `json:"records"`
}

// PushAck reports one accepted record and its new server revision.
type PushAck struct {
	ID            string `json:"id"`
	RemoteVersion int64  `json:"remote_version"`
}

// Reject reasons.
const (
	RejectVersionMismatch = "version_mismatch"
	RejectInvalid         = "invalid"
)

// PushReject reports one rejected record. For version mismatches the
// server includes its current copy so the client can resolve the conflict
// without another round trip.
type PushReject struct {
	ID            string  `json:"id"`
	Reason        string  `json:"reason"`
	RemoteVersion int64   `json:"remote_version,omitempty"`
	Remote        *Record `json:"remote,omitempty"`
}

// PushResponse is the per-item outcome of a push.
type PushResponse struct {
	Accepted []PushAck    `json:"accepted"`
	Rejected []PushReject `json:"rejected"`
}

// PullResponse is one page of remote changes since a cursor.
type PullResponse struct {
	Records    []Record `json:"records"`
	NextCursor string   `json:"next_cursor"`
}

// MaxPushRecords bounds the records accepted in one push request.
const MaxPushRecords = 500
