package store

import "errors"

var (
	ErrNotFound = errors.New("record not found")
	ErrExists   = errors.New("record already exists")
	ErrDeleted  = errors.New("record is deleted")

	// ErrCorrupted means the queue references data that does not exist.
	// The only recovery is a full pull plus queue rebuild.
	ErrCorrupted = errors.New("sync queue references missing records")
)
