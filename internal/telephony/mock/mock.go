// Package mock provides an in-memory mock of [telephony.Directory] for use
// in unit tests.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/voxbridge/bridge/internal/telephony"
)

// ResolveCall records the arguments of a single [Directory.Resolve] invocation.
type ResolveCall struct {
	CallerID     string
	AsteriskPort string
}

// Directory is a mock implementation of [telephony.Directory] backed by a
// static map keyed by caller id. Safe for concurrent use.
type Directory struct {
	mu sync.Mutex

	// Entries maps caller id to the DirectoryEntry returned for it.
	Entries map[string]telephony.DirectoryEntry

	// ResolveError, if non-nil, is returned by every Resolve call instead of
	// looking up Entries.
	ResolveError error

	// Calls records every Resolve invocation in order.
	Calls []ResolveCall
}

// New creates a Directory with the given caller-id → entry mapping.
func New(entries map[string]telephony.DirectoryEntry) *Directory {
	return &Directory{Entries: entries}
}

// Resolve implements [telephony.Directory].
func (d *Directory) Resolve(ctx context.Context, callerID, asteriskPort string) (telephony.DirectoryEntry, error) {
	d.mu.Lock()
	d.Calls = append(d.Calls, ResolveCall{CallerID: callerID, AsteriskPort: asteriskPort})
	d.mu.Unlock()

	if d.ResolveError != nil {
		return telephony.DirectoryEntry{}, d.ResolveError
	}
	entry, ok := d.Entries[callerID]
	if !ok {
		return telephony.DirectoryEntry{}, fmt.Errorf("mock directory: no entry for caller %q", callerID)
	}
	return entry, nil
}
