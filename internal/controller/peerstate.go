package controller

import (
	"fmt"
	"sync"
	"time"

	"github.com/one-d-wide/yggdrasil-jumper/internal/types"
)

// State is a peer's position in the per-peer traversal state machine
// (spec §4.5, property 1): Idle -> Discovering -> Rendezvous ->
// Traversing -> Spliced -> Cooldown -> Idle, with a terminal Blacklisted
// state reachable from Cooldown once the failure limit is exceeded.
type State int

const (
	StateIdle State = iota
	StateDiscovering
	StateRendezvous
	StateTraversing
	StateSpliced
	StateCooldown
	StateBlacklisted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiscovering:
		return "discovering"
	case StateRendezvous:
		return "rendezvous"
	case StateTraversing:
		return "traversing"
	case StateSpliced:
		return "spliced"
	case StateCooldown:
		return "cooldown"
	case StateBlacklisted:
		return "blacklisted"
	default:
		return "unknown"
	}
}

// validTransitions enumerates the state machine's edges; anything not
// listed here is rejected by PeerState.Transition.
var validTransitions = map[State][]State{
	StateIdle:         {StateDiscovering},
	StateDiscovering:  {StateRendezvous, StateCooldown},
	StateRendezvous:   {StateTraversing, StateCooldown},
	StateTraversing:   {StateSpliced, StateCooldown},
	StateSpliced:      {StateCooldown},
	StateCooldown:     {StateIdle, StateBlacklisted},
	StateBlacklisted:  {},
}

// ErrInvalidTransition is returned when Transition is asked to move a
// peer along an edge the state machine doesn't allow.
type ErrInvalidTransition struct {
	From, To State
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("controller: invalid transition %s -> %s", e.From, e.To)
}

// PeerState tracks one overlay peer's traversal lifecycle and session
// statistics.
type PeerState struct {
	Address types.OverlayAddress

	mu              sync.Mutex
	state           State
	enteredAt       time.Time
	traversalAttempt int
	bytesSent       uint64
	bytesReceived   uint64
	splicedSince    time.Time
}

// NewPeerState creates a peer tracker starting in StateIdle.
func NewPeerState(addr types.OverlayAddress) *PeerState {
	return &PeerState{Address: addr, state: StateIdle, enteredAt: time.Now()}
}

// State returns the peer's current state.
func (p *PeerState) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Transition moves the peer to to, rejecting edges the state machine
// does not allow.
func (p *PeerState) Transition(to State) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	allowed := false
	for _, candidate := range validTransitions[p.state] {
		if candidate == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return &ErrInvalidTransition{From: p.state, To: to}
	}

	if to == StateTraversing {
		p.traversalAttempt++
	}
	if to == StateSpliced {
		p.splicedSince = time.Now()
	}
	if to == StateIdle {
		p.traversalAttempt = 0
	}

	p.state = to
	p.enteredAt = time.Now()
	return nil
}

// TraversalAttempt returns how many traversal attempts have been made
// since the peer last left StateIdle.
func (p *PeerState) TraversalAttempt() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.traversalAttempt
}

// TimeInState reports how long the peer has been in its current state.
func (p *PeerState) TimeInState() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.enteredAt)
}

// RecordBytes updates the running byte counters reported by the Admin
// Channel's getPeers() for a Spliced session.
func (p *PeerState) RecordBytes(sent, received uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bytesSent = sent
	p.bytesReceived = received
}

// Stats returns the peer's current session byte counters and the
// duration it has been Spliced.
func (p *PeerState) Stats() (sent, received uint64, uptime time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.splicedSince.IsZero() {
		return p.bytesSent, p.bytesReceived, 0
	}
	return p.bytesSent, p.bytesReceived, time.Since(p.splicedSince)
}
