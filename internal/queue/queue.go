// Package queue provides the compile job stream interfaces and implementations.
package queue

import (
	"context"
	"errors"
)

// Common errors returned by queue operations.
var (
	// ErrNoEntries is returned when a blocking read timed out without an entry.
	ErrNoEntries = errors.New("no entries available")
	// ErrAlreadyClaimed is returned by Delete when the entry was no longer in
	// the stream, meaning another consumer deleted it first.
	ErrAlreadyClaimed = errors.New("entry already claimed")
)

// Entry is one raw stream entry.
type Entry struct {
	// ID is the stream-assigned entry id, e.g. "1700000000000-0".
	ID string
	// Values is the entry's field map. Values are strings or byte slices.
	Values map[string]interface{}
}

// Queue defines the interface for compile job stream operations.
//
// Entries are read without acknowledgement. A consumer that wants exclusive
// ownership of an entry deletes it while holding the distributed lock.
type Queue interface {
	// Read blocks until at most one entry is available or the configured
	// block timeout elapses. Returns ErrNoEntries on timeout.
	Read(ctx context.Context) (*Entry, error)

	// Delete removes an entry from the stream so no other consumer sees it.
	// Returns ErrAlreadyClaimed when the entry was already gone.
	Delete(ctx context.Context, id string) error

	// Ping checks connectivity to the stream store.
	Ping(ctx context.Context) error
}
