package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Table identifies one of the synchronized record tables.
// The set is closed: dispatch over tables is a switch, never reflection.
type Table string

const (
	TableTunes           Table = "tunes"
	TablePlaylists       Table = "playlists"
	TablePracticeRecords Table = "practice_records"
	TableNotes           Table = "notes"
)

// AllTables returns every synchronized table in pull order.
func AllTables() []Table {
	return []Table{TableTunes, TablePlaylists, TablePracticeRecords, TableNotes}
}

// ParseTable validates a table name received over the wire.
func ParseTable(s string) (Table, error) {
	switch Table(s) {
	case TableTunes, TablePlaylists, TablePracticeRecords, TableNotes:
		return Table(s), nil
	}
	return "", fmt.Errorf("unknown table %q", s)
}

// Operation is the kind of local mutation recorded in the sync queue.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Record is the local envelope around one synchronized row.
// Payload holds the domain fields; the rest is sync bookkeeping.
type Record struct {
	Table   Table           `json:"table"`
	ID      string          `json:"id"`
	OwnerID string          `json:"owner_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// LocalVersion strictly increases on every local mutation of this row.
	LocalVersion int64 `json:"local_version"`

	// RemoteVersion is the last server revision acknowledged for this row,
	// nil if the row has never been synced.
	RemoteVersion *int64 `json:"remote_version,omitempty"`

	UpdatedAtLocal time.Time `json:"updated_at_local"`

	// Deleted marks a tombstone. The row survives locally until the
	// deletion itself has been pushed.
	Deleted bool `json:"deleted,omitempty"`
}

// Tune is the domain payload for the tunes table.
type Tune struct {
	Title     string `json:"title"`
	TuneType  string `json:"tune_type,omitempty"` // reel, jig, waltz, ...
	Key       string `json:"key,omitempty"`
	Structure string `json:"structure,omitempty"` // e.g. AABB
	Incipit   string `json:"incipit,omitempty"`
	Learned   string `json:"learned,omitempty"` // ISO date the tune was learned
}

// Playlist is the domain payload for the playlists table.
type Playlist struct {
	Name       string   `json:"name"`
	Instrument string   `json:"instrument,omitempty"`
	TuneIDs    []string `json:"tune_ids,omitempty"`
}

// PracticeRecord is the domain payload for the practice_records table.
// ReviewState is owned by the scheduling collaborator; the sync engine
// persists it untouched.
type PracticeRecord struct {
	TuneID      string      `json:"tune_id"`
	PlaylistID  string      `json:"playlist_id,omitempty"`
	Quality     int         `json:"quality"` // 0..5 recall rating
	PracticedAt time.Time   `json:"practiced_at"`
	NextDue     time.Time   `json:"next_due"`
	ReviewState ReviewState `json:"review_state"`
}

// ReviewState is the spaced-repetition state carried between reviews.
type ReviewState struct {
	Easiness    float64 `json:"easiness"`
	Interval    int     `json:"interval"` // days
	Repetitions int     `json:"repetitions"`
	Lapses      int     `json:"lapses"`
}

// Note is the domain payload for the notes table.
type Note struct {
	TuneID    string    `json:"tune_id"`
	Text      string    `json:"text"`
	Public    bool      `json:"public,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
