package controller

import (
	"testing"
	"time"

	"github.com/one-d-wide/yggdrasil-jumper/internal/types"
)

func TestFailureLedgerIncrementsAndResets(t *testing.T) {
	l := NewFailureLedger(time.Hour)
	addr := types.OverlayAddress("200:a::1")

	if got := l.Count(addr); got != 0 {
		t.Fatalf("Count before any failure = %d, want 0", got)
	}
	if got := l.RecordFailure(addr); got != 1 {
		t.Fatalf("RecordFailure #1 = %d, want 1", got)
	}
	if got := l.RecordFailure(addr); got != 2 {
		t.Fatalf("RecordFailure #2 = %d, want 2", got)
	}

	l.RecordSuccess(addr)
	if got := l.Count(addr); got != 0 {
		t.Fatalf("Count after success = %d, want 0", got)
	}
}

func TestFailureLedgerTTLDecay(t *testing.T) {
	l := NewFailureLedger(20 * time.Millisecond)
	addr := types.OverlayAddress("200:a::1")

	l.RecordFailure(addr)
	l.RecordFailure(addr)
	if got := l.Count(addr); got != 2 {
		t.Fatalf("Count = %d, want 2", got)
	}

	time.Sleep(40 * time.Millisecond)
	if got := l.Count(addr); got != 0 {
		t.Fatalf("Count after TTL expiry = %d, want 0", got)
	}
}

func TestBlacklistDoesNotResetOnOtherPeerSuccess(t *testing.T) {
	l := NewFailureLedger(time.Hour)
	blacklisted := types.OverlayAddress("200:a::1")
	other := types.OverlayAddress("200:a::2")

	for i := 0; i < 4; i++ {
		l.RecordFailure(blacklisted)
	}
	l.RecordSuccess(other)

	if got := l.Count(blacklisted); got != 4 {
		t.Fatalf("Count(blacklisted) = %d, want 4 (unaffected by unrelated peer's success)", got)
	}
}
