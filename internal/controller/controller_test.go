package controller

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/one-d-wide/yggdrasil-jumper/internal/admin"
	"github.com/one-d-wide/yggdrasil-jumper/internal/config"
	"github.com/one-d-wide/yggdrasil-jumper/internal/types"
)

func newTestController(t *testing.T, cfg *config.Config) *Controller {
	t.Helper()
	c, err := New(cfg, admin.NewClient(nil, false, admin.DefaultReconnectConfig()))
	require.NoError(t, err)
	return c
}

func TestWhitelistRejectsAddressOutsideSubnet(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Whitelist = []string{"300::/8"}
	c := newTestController(t, cfg)

	if c.whitelisted("200:abcd::1") {
		t.Fatal("expected 200:abcd::1 to be rejected by whitelist 300::/8")
	}
	if !c.whitelisted("300:abcd::1") {
		t.Fatal("expected 300:abcd::1 to be allowed by whitelist 300::/8")
	}
}

func TestEmptyWhitelistAllowsEverything(t *testing.T) {
	cfg := config.DefaultConfig()
	c := newTestController(t, cfg)

	if !c.whitelisted("200:abcd::1") {
		t.Fatal("expected empty whitelist to allow all addresses")
	}
}

func TestOnlyPeersAdvertisingJumperFilter(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.OnlyPeersAdvertisingJumper = true
	c := newTestController(t, cfg)

	withJumper := types.PeerRecord{Address: "200:a::1", NodeInfo: &types.NodeInfo{Jumper: true}}
	withoutJumper := types.PeerRecord{Address: "200:a::2"}

	if !c.eligibleLocked(withJumper.Address, withJumper) {
		t.Error("expected peer advertising jumper to be eligible")
	}
	if c.eligibleLocked(withoutJumper.Address, withoutJumper) {
		t.Error("expected peer not advertising jumper to be ineligible when only_peers_advertising_jumper is set")
	}
}

func TestBlacklistedByFailureLimitIsIneligible(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.FailedTraversalLimit = 2
	c := newTestController(t, cfg)

	addr := types.OverlayAddress("200:a::1")
	rec := types.PeerRecord{Address: addr}

	c.ledger.RecordFailure(addr)
	c.ledger.RecordFailure(addr)
	c.ledger.RecordFailure(addr)

	if c.eligibleLocked(addr, rec) {
		t.Error("expected peer past the failure limit to be ineligible")
	}
}

func TestParseWhitelistRejectsGarbage(t *testing.T) {
	_, err := parseWhitelist([]string{"not-an-address"})
	require.Error(t, err)
}

func TestParseWhitelistAcceptsPlainAddress(t *testing.T) {
	nets, err := parseWhitelist([]string{"200:a::1"})
	require.NoError(t, err)
	require.Len(t, nets, 1)
	require.True(t, nets[0].Contains(net.ParseIP("200:a::1")))
}

func TestAdmitResponderRefusesConcurrentActiveSession(t *testing.T) {
	cfg := config.DefaultConfig()
	c := newTestController(t, cfg)
	addr := types.OverlayAddress("200:a::1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, _, ok := c.admitResponder(ctx, addr)
	require.True(t, ok)
	require.NoError(t, sess.state.Transition(StateDiscovering))

	_, _, ok = c.admitResponder(ctx, addr)
	require.False(t, ok, "admitResponder must refuse a second session while the first is not Idle")
}

func TestAdmitResponderReplacesIdleSessionAndCancelsOld(t *testing.T) {
	cfg := config.DefaultConfig()
	c := newTestController(t, cfg)
	addr := types.OverlayAddress("200:a::1")

	ctx := context.Background()

	firstSess, firstCtx, ok := c.admitResponder(ctx, addr)
	require.True(t, ok)
	require.Equal(t, StateIdle, firstSess.state.State())

	secondSess, secondCtx, ok := c.admitResponder(ctx, addr)
	require.True(t, ok, "admitResponder must replace an Idle session rather than refuse it")
	require.NotSame(t, firstSess, secondSess)

	select {
	case <-firstCtx.Done():
	default:
		t.Fatal("expected the replaced session's context to be canceled")
	}
	select {
	case <-secondCtx.Done():
		t.Fatal("new session's context must not be canceled")
	default:
	}

	c.mu.Lock()
	got := c.peers[addr]
	c.mu.Unlock()
	require.Same(t, secondSess, got, "peer table must hold the new session after replacement")
}

func TestEndSessionLockedRemovesResponderSplicedPeering(t *testing.T) {
	cfg := config.DefaultConfig()
	c := newTestController(t, cfg)
	addr := types.OverlayAddress("200:a::1")

	ctx, cancel := context.WithCancel(context.Background())
	sess, sctx, ok := c.admitResponder(ctx, addr)
	require.True(t, ok)
	sess.traversalURL = "tcp://203.0.113.9:54321"

	c.mu.Lock()
	c.peers[addr] = sess
	c.endSessionLocked(addr, sess, "overlay session disappeared")
	_, stillPresent := c.peers[addr]
	c.mu.Unlock()

	require.False(t, stillPresent, "endSessionLocked must drop the table entry for a responder-spliced peer")
	select {
	case <-sctx.Done():
	default:
		t.Fatal("endSessionLocked must cancel the session's context")
	}
	cancel()
}

func TestPollCancelsPriorSessionBeforeReplacing(t *testing.T) {
	cfg := config.DefaultConfig()
	c := newTestController(t, cfg)
	addr := types.OverlayAddress("200:a::1")

	ctx := context.Background()
	oldSctx, oldCancel := context.WithCancel(ctx)
	defer oldCancel()
	oldSess := &peerSession{state: NewPeerState(addr), cancel: oldCancel}

	// poll itself needs a live admin channel for GetPeers, so this replays
	// poll's per-peer admission block against the peer table directly.
	c.mu.Lock()
	c.peers[addr] = oldSess
	rec := types.PeerRecord{Address: addr}
	if c.eligibleLocked(addr, rec) {
		if existing, ok := c.peers[addr]; ok {
			existing.cancel()
		}
		newSess := &peerSession{state: NewPeerState(addr), cancel: func() {}}
		c.peers[addr] = newSess
	}
	c.mu.Unlock()

	select {
	case <-oldSctx.Done():
	default:
		t.Fatal("poll's admission path must cancel a prior Idle session before replacing it")
	}
}
