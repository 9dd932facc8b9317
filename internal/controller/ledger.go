package controller

import (
	"sync"
	"time"

	"github.com/one-d-wide/yggdrasil-jumper/internal/types"
)

// FailureLedger counts consecutive traversal failures per overlay
// address, decaying an entry once it has been quiet for TTL (spec §9,
// Open Question 3: not specified by the source; an hour is a reasonable
// default since a peer's NAT/network situation rarely changes faster
// than that).
type FailureLedger struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[types.OverlayAddress]*ledgerEntry
}

type ledgerEntry struct {
	count      int
	lastUpdate time.Time
}

// NewFailureLedger builds a FailureLedger with the given decay TTL.
func NewFailureLedger(ttl time.Duration) *FailureLedger {
	return &FailureLedger{ttl: ttl, entries: make(map[types.OverlayAddress]*ledgerEntry)}
}

// RecordFailure increments addr's failure count and returns the new
// total. An entry older than the ledger's TTL is reset to zero first.
func (l *FailureLedger) RecordFailure(addr types.OverlayAddress) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.entries[addr]
	now := time.Now()
	if e == nil || now.Sub(e.lastUpdate) > l.ttl {
		e = &ledgerEntry{}
		l.entries[addr] = e
	}
	e.count++
	e.lastUpdate = now
	return e.count
}

// RecordSuccess clears addr's failure count, used when a traversal
// finally succeeds.
func (l *FailureLedger) RecordSuccess(addr types.OverlayAddress) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, addr)
}

// Count returns addr's current failure count, treating an expired entry
// as zero without mutating the ledger.
func (l *FailureLedger) Count(addr types.OverlayAddress) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[addr]
	if !ok || time.Since(e.lastUpdate) > l.ttl {
		return 0
	}
	return e.count
}
