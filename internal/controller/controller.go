// Package controller implements the Session Watcher & Controller (C5):
// the poll loop that discovers peers also running a jumper, drives each
// one's PeerState machine through discovery, rendezvous and traversal,
// and splices the result back into the router via the Admin Channel.
package controller

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"math/big"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/one-d-wide/yggdrasil-jumper/internal/admin"
	"github.com/one-d-wide/yggdrasil-jumper/internal/config"
	"github.com/one-d-wide/yggdrasil-jumper/internal/nat/stun"
	"github.com/one-d-wide/yggdrasil-jumper/internal/nat/traversal"
	"github.com/one-d-wide/yggdrasil-jumper/internal/rendezvous"
	"github.com/one-d-wide/yggdrasil-jumper/internal/types"
	"github.com/one-d-wide/yggdrasil-jumper/internal/util/logger"
)

var log = logger.Logger("controller")

// SpliceHook is invoked with the peer's address and the traversal
// connection right before the traversal URL is handed to the router via
// addPeer. It exists
// solely so an external packet-inspection path can observe spliced
// connections; this module implements no inspection of its own (spec §9,
// Open Question 1).
type SpliceHook func(peer types.OverlayAddress, conn net.Conn)

// Controller owns every PeerState and drives the jumper's main loop.
type Controller struct {
	cfg    *config.Config
	admin  *admin.Client
	stun   *stun.Resolver
	ledger *FailureLedger

	whitelist []*net.IPNet
	selfAddr  types.OverlayAddress

	// identityCert and quicTLS authenticate our side of a stream-over-tls
	// or datagram traversal attempt. The admin channel only ever reports
	// peers' public keys, never the router's own private key, so this is
	// a jumper-local identity rather than the overlay node's literal key
	// (see the TLS identity entry in DESIGN.md).
	identityCert tls.Certificate
	quicTLS      *tls.Config

	SpliceHook SpliceHook

	mu    sync.Mutex
	peers map[types.OverlayAddress]*peerSession
}

type peerSession struct {
	state      *PeerState
	cancel     context.CancelFunc
	traversalURL string
}

// New builds a Controller over an already-dialed admin Client.
func New(cfg *config.Config, adminClient *admin.Client) (*Controller, error) {
	whitelist, err := parseWhitelist(cfg.Whitelist)
	if err != nil {
		return nil, fmt.Errorf("parse whitelist: %w", err)
	}
	cert, err := generateIdentity()
	if err != nil {
		return nil, fmt.Errorf("generate tls identity: %w", err)
	}
	resolver := stun.NewResolver(cfg.StunServers, cfg.StunTimeout)
	resolver.NoCheck = cfg.StunNoCheck
	return &Controller{
		cfg:          cfg,
		admin:        adminClient,
		stun:         resolver,
		ledger:       NewFailureLedger(cfg.FailureLedgerTTL),
		whitelist:    whitelist,
		identityCert: cert,
		quicTLS: &tls.Config{
			Certificates:       []tls.Certificate{cert},
			InsecureSkipVerify: true,
			NextProtos:         []string{"yggdrasil-jumper"},
			MinVersion:         tls.VersionTLS13,
		},
		peers: make(map[types.OverlayAddress]*peerSession),
	}, nil
}

// generateIdentity creates the self-signed ed25519 certificate used to
// authenticate the stream-over-tls and datagram traversal variants. It is
// jumper-local rather than the router's own overlay key, since the admin
// channel exposes peers' public keys but never the router's private key.
func generateIdentity() (tls.Certificate, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "yggdrasil-jumper"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour),
	}
	return traversal.SelfSignedCert(template, priv)
}

func parseWhitelist(entries []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(entries))
	for _, e := range entries {
		if _, ipnet, err := net.ParseCIDR(e); err == nil {
			nets = append(nets, ipnet)
			continue
		}
		ip := net.ParseIP(e)
		if ip == nil {
			return nil, fmt.Errorf("invalid whitelist entry %q", e)
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(128, 128)})
	}
	return nets, nil
}

func (c *Controller) whitelisted(addr types.OverlayAddress) bool {
	if len(c.whitelist) == 0 {
		return true
	}
	ip := net.ParseIP(string(addr))
	if ip == nil {
		return false
	}
	for _, n := range c.whitelist {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Run starts the rendezvous listener and the poll loop; it blocks until
// ctx is canceled.
func (c *Controller) Run(ctx context.Context) error {
	self, err := c.admin.GetSelf()
	if err != nil {
		return fmt.Errorf("getSelf: %w", err)
	}
	c.selfAddr = self.Address
	log.Info("controller started", "self", self.Address, "build_version", self.ProtocolVersion)
	if c.cfg.StunPrintServers {
		log.Info("stun servers configured", "servers", c.cfg.StunServers, "no_check", c.cfg.StunNoCheck)
	}

	listener, err := net.Listen("tcp", net.JoinHostPort(string(self.Address), strconv.Itoa(c.cfg.ListenPort)))
	if err != nil {
		log.Warn("rendezvous listen failed, continuing as initiator-only", "err", err)
	} else {
		go c.acceptLoop(ctx, listener)
		defer listener.Close()
	}

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	if err := c.poll(ctx); err != nil {
		log.Warn("initial poll failed", "err", err)
	}

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case <-ticker.C:
			if err := c.poll(ctx); err != nil {
				log.Warn("poll failed", "err", err)
			}
		}
	}
}

func (c *Controller) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sess := range c.peers {
		sess.cancel()
	}
}

// poll implements spec §4.5's diff step: it fetches the router's current
// session snapshot, ends sessions for peers that disappeared, and starts
// the state machine for newly eligible ones.
func (c *Controller) poll(ctx context.Context) error {
	records, err := c.admin.GetPeers()
	if err != nil {
		return fmt.Errorf("getPeers: %w", err)
	}
	snapshot := types.NewSessionSnapshot(records)

	c.mu.Lock()
	defer c.mu.Unlock()

	for addr, sess := range c.peers {
		if _, present := snapshot.Peers[addr]; !present {
			c.endSessionLocked(addr, sess, "overlay session disappeared")
		}
	}

	for addr, rec := range snapshot.Peers {
		if !c.eligibleLocked(addr, rec) {
			continue
		}
		if existing, ok := c.peers[addr]; ok {
			existing.cancel()
		}
		ps := NewPeerState(addr)
		sctx, cancel := context.WithCancel(ctx)
		sess := &peerSession{state: ps, cancel: cancel}
		c.peers[addr] = sess
		go c.driveSession(sctx, sess, rec)
	}

	return nil
}

// admitResponder registers (or replaces an idle) peerSession for an
// incoming rendezvous peer under the same table driveSession's admission
// uses, so a responder-spliced session is torn down and removePeer'd by
// endSessionLocked exactly like an initiator-spliced one. It refuses a
// second concurrent session for a peer that isn't Idle (one active
// session per peer).
func (c *Controller) admitResponder(ctx context.Context, addr types.OverlayAddress) (*peerSession, context.Context, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.peers[addr]; ok {
		if existing.state.State() != StateIdle {
			return nil, nil, false
		}
		existing.cancel()
	}

	ps := NewPeerState(addr)
	sctx, cancel := context.WithCancel(ctx)
	sess := &peerSession{state: ps, cancel: cancel}
	c.peers[addr] = sess
	return sess, sctx, true
}

func (c *Controller) eligibleLocked(addr types.OverlayAddress, rec types.PeerRecord) bool {
	if existing, ok := c.peers[addr]; ok {
		return existing.state.State() == StateIdle
	}
	if !c.whitelisted(addr) {
		return false
	}
	if c.cfg.OnlyPeersAdvertisingJumper && !rec.AdvertisesJumper() {
		return false
	}
	if c.cfg.FailedTraversalLimit != config.FailedTraversalLimitUnlimited &&
		c.ledger.Count(addr) > c.cfg.FailedTraversalLimit {
		return false
	}
	return true
}

// endSessionLocked tears down a peer's active session: best-effort
// removePeer, cancel child tasks, drop the table entry so the address
// can be re-admitted to Idle on a later poll tick (spec property 2).
func (c *Controller) endSessionLocked(addr types.OverlayAddress, sess *peerSession, reason string) {
	if sess.traversalURL != "" {
		if err := c.admin.RemovePeer(sess.traversalURL); err != nil {
			log.Warn("removePeer failed", "peer", addr, "err", err)
		}
	}
	sess.cancel()
	delete(c.peers, addr)
	log.Info("session ended", "peer", addr, "reason", reason)
}

// driveSession runs one peer through Discovering -> Rendezvous ->
// Traversing -> Spliced as the initiator; a failed step moves it to
// Cooldown and then Idle (or Blacklisted). A Spliced session does not go
// through Cooldown: it holds the traversal connection until its context
// is canceled, and endSessionLocked drops its table entry. Incoming
// rendezvous connections (the responder role) are handled separately by
// acceptLoop.
func (c *Controller) driveSession(ctx context.Context, sess *peerSession, rec types.PeerRecord) {
	ps := sess.state
	addr := ps.Address

	if !rendezvous.Role(c.selfAddr, addr) {
		// We are the responder for this pair; wait passively for the
		// peer to dial us, driven by acceptLoop instead.
		return
	}

	if err := ps.Transition(StateDiscovering); err != nil {
		log.Warn("transition failed", "peer", addr, "err", err)
		return
	}

	endpoints, err := c.discoverSelf(ctx)
	if err != nil {
		log.Warn("stun discovery failed", "peer", addr, "err", err)
		c.cooldown(ctx, sess, "stun discovery failed")
		return
	}

	if err := ps.Transition(StateRendezvous); err != nil {
		log.Warn("transition failed", "peer", addr, "err", err)
		return
	}

	conn, err := net.Dial("tcp", net.JoinHostPort(string(addr), strconv.Itoa(c.cfg.ListenPort)))
	if err != nil {
		log.Debug("rendezvous dial failed", "peer", addr, "err", err)
		c.recordFailureAndCooldown(ctx, sess, "rendezvous dial failed")
		return
	}
	rsess := rendezvous.NewSession(conn, c.cfg.RendezvousReadTimeout)
	defer rsess.Close()

	accept, start, err := rsess.InitiatorHandshake(ctx, c.selfAddr, rendezvous.OfferPayload{Endpoints: endpoints}, c.cfg.RendezvousDelta)
	if err != nil {
		log.Warn("rendezvous handshake failed", "peer", addr, "err", err)
		c.recordFailureAndCooldown(ctx, sess, "rendezvous handshake failed")
		return
	}
	if accept.Transport == "" {
		c.recordFailureAndCooldown(ctx, sess, "no common transport")
		return
	}

	if err := ps.Transition(StateTraversing); err != nil {
		log.Warn("transition failed", "peer", addr, "err", err)
		return
	}

	waitUntil(ctx, start)

	kind := accept.Transport
	remoteEndpoint := accept.Endpoint
	traversalConn, err := c.traverse(ctx, kind, c.cfg.ListenPort, remoteEndpoint, rec.PublicKey)
	if err != nil {
		_ = rsess.ReportResult(false, err.Error())
		log.Warn("traversal failed", "peer", addr, "transport", kind, "err", err)
		c.recordFailureAndCooldown(ctx, sess, "traversal failed")
		return
	}
	_ = rsess.ReportResult(true, "")

	if c.SpliceHook != nil {
		c.SpliceHook(addr, traversalConn)
	}

	traversalURL := remoteEndpoint.TraversalURL(kind)
	if err := c.admin.AddPeer(traversalURL); err != nil {
		traversalConn.Close()
		log.Warn("addPeer failed", "peer", addr, "err", err)
		c.recordFailureAndCooldown(ctx, sess, "addPeer failed")
		return
	}

	c.ledger.RecordSuccess(addr)
	if err := ps.Transition(StateSpliced); err != nil {
		log.Warn("transition failed", "peer", addr, "err", err)
		traversalConn.Close()
		return
	}

	c.mu.Lock()
	sess.traversalURL = traversalURL
	c.mu.Unlock()

	log.Info("peer spliced", "peer", addr, "url", traversalURL)

	<-ctx.Done()
	traversalConn.Close()
}

// discoverSelf runs the STUN resolver once per enabled protocol (spec
// §4.5 step 1).
func (c *Controller) discoverSelf(ctx context.Context) (map[types.TransportKind]types.ExternalEndpoint, error) {
	endpoints := make(map[types.TransportKind]types.ExternalEndpoint)
	var errs error
	for _, proto := range c.cfg.YggdrasilProtocols {
		kind := protocolToTransportKind(proto)
		ep, err := c.stun.Resolve(ctx, kind)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", kind, err))
			continue
		}
		endpoints[kind] = ep
	}
	if len(endpoints) == 0 {
		return nil, multierr.Append(stun.ErrAllServersFailed, errs)
	}
	return endpoints, nil
}

func protocolToTransportKind(proto string) types.TransportKind {
	switch proto {
	case "quic":
		return types.TransportDatagram
	case "tls":
		return types.TransportStreamTLS
	default:
		return types.TransportStream
	}
}

func (c *Controller) traverse(ctx context.Context, kind types.TransportKind, localPort int, remote types.ExternalEndpoint, peerKeyHex string) (net.Conn, error) {
	tcpCfg := traversal.TCPConfig{
		MaxAttempts:  c.cfg.TraversalMaxAttempts,
		AttemptDelay: c.cfg.TraversalAttemptDelay,
	}
	switch kind {
	case types.TransportDatagram:
		qt, err := traversal.NewQUICTraverser(traversal.QUICConfig{
			ProbeInterval: c.cfg.TraversalProbeInterval,
			ProbeWindow:   c.cfg.TraversalProbeWindow,
			TLSConfig:     c.quicTLS,
		})
		if err != nil {
			return nil, err
		}
		return qt.Punch(ctx, localPort, remote.String())
	case types.TransportStreamTLS:
		peerKey, err := decodePeerKey(peerKeyHex)
		if err != nil {
			return nil, fmt.Errorf("decode peer key: %w", err)
		}
		tr := traversal.NewTLSTraverser(tcpCfg)
		return tr.Punch(ctx, localPort, remote.String(), c.identityCert, peerKey)
	default:
		tr := traversal.NewTCPTraverser(tcpCfg)
		return tr.Punch(ctx, localPort, remote.String())
	}
}

// peerKey looks up the public key the admin channel currently reports
// for addr, used to authenticate a stream-over-tls traversal initiated by
// the peer rather than by us (where we don't already have its PeerRecord
// in hand from poll()).
func (c *Controller) peerKey(addr types.OverlayAddress) string {
	records, err := c.admin.GetPeers()
	if err != nil {
		log.Warn("getPeers for peer key lookup failed", "peer", addr, "err", err)
		return ""
	}
	for _, rec := range records {
		if rec.Address == addr {
			return rec.PublicKey
		}
	}
	return ""
}

// decodePeerKey parses the hex-encoded ed25519 public key the admin
// channel reports for a peer (spec §4.1's "key" field).
func decodePeerKey(s string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("unexpected key length %d", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

func waitUntil(ctx context.Context, t time.Time) {
	d := time.Until(t)
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (c *Controller) recordFailureAndCooldown(ctx context.Context, sess *peerSession, reason string) {
	count := c.ledger.RecordFailure(sess.state.Address)
	log.Info("traversal attempt failed", "peer", sess.state.Address, "reason", reason, "failures", count)

	if c.cfg.FailedTraversalLimit != config.FailedTraversalLimitUnlimited && count > c.cfg.FailedTraversalLimit {
		if err := sess.state.Transition(StateCooldown); err != nil {
			log.Debug("cooldown transition rejected", "peer", sess.state.Address, "err", err)
			return
		}
		if err := sess.state.Transition(StateBlacklisted); err != nil {
			log.Debug("blacklist transition rejected", "peer", sess.state.Address, "err", err)
		} else {
			log.Warn("peer blacklisted", "peer", sess.state.Address, "failures", count)
		}
		return
	}
	c.cooldown(ctx, sess, reason)
}

func (c *Controller) cooldown(ctx context.Context, sess *peerSession, reason string) {
	if err := sess.state.Transition(StateCooldown); err != nil {
		log.Debug("cooldown transition rejected", "peer", sess.state.Address, "err", err)
		return
	}
	log.Debug("peer entering cooldown", "peer", sess.state.Address, "reason", reason)

	timer := time.NewTimer(c.cfg.CooldownInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	if err := sess.state.Transition(StateIdle); err != nil {
		log.Debug("idle transition rejected", "peer", sess.state.Address, "err", err)
	}
}

// acceptLoop handles the responder side of the Rendezvous channel: it
// accepts inbound connections on listen_port and runs the responder
// handshake, then drives the same Traversing/Spliced states as the
// initiator path.
func (c *Controller) acceptLoop(ctx context.Context, listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			log.Warn("rendezvous accept failed", "err", err)
			return
		}
		go c.handleIncoming(ctx, conn)
	}
}

func (c *Controller) handleIncoming(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	rsess := rendezvous.NewSession(conn, c.cfg.RendezvousReadTimeout)
	supported := make([]types.TransportKind, 0, len(c.cfg.YggdrasilProtocols))
	for _, proto := range c.cfg.YggdrasilProtocols {
		supported = append(supported, protocolToTransportKind(proto))
	}

	selfEndpoints, err := c.discoverSelf(ctx)
	if err != nil {
		log.Warn("stun discovery failed for incoming rendezvous peer", "err", err)
		return
	}

	peerAddr, accept, start, err := rsess.ResponderHandshake(ctx, c.selfAddr, supported, selfEndpoints)
	if err != nil {
		log.Warn("rendezvous responder handshake failed", "err", err)
		return
	}
	if accept.Transport == "" {
		log.Warn("no common transport with incoming rendezvous peer", "peer", peerAddr)
		return
	}

	sess, sctx, ok := c.admitResponder(ctx, peerAddr)
	if !ok {
		log.Debug("incoming rendezvous peer already has an active session", "peer", peerAddr)
		return
	}
	ps := sess.state

	if err := ps.Transition(StateDiscovering); err != nil {
		log.Warn("transition failed", "peer", peerAddr, "err", err)
		return
	}
	if err := ps.Transition(StateRendezvous); err != nil {
		log.Warn("transition failed", "peer", peerAddr, "err", err)
		return
	}
	if err := ps.Transition(StateTraversing); err != nil {
		log.Warn("transition failed", "peer", peerAddr, "err", err)
		return
	}

	waitUntil(sctx, start)

	kind := accept.Transport
	remote := accept.Endpoint
	traversalConn, err := c.traverse(sctx, kind, c.cfg.ListenPort, remote, c.peerKey(peerAddr))
	if err != nil {
		_ = rsess.ReportResult(false, err.Error())
		log.Warn("responder traversal failed", "peer", peerAddr, "transport", kind, "err", err)
		c.recordFailureAndCooldown(sctx, sess, "responder traversal failed")
		return
	}
	_ = rsess.ReportResult(true, "")

	if c.SpliceHook != nil {
		c.SpliceHook(peerAddr, traversalConn)
	}

	traversalURL := remote.TraversalURL(kind)
	if err := c.admin.AddPeer(traversalURL); err != nil {
		traversalConn.Close()
		log.Warn("addPeer failed for incoming peer", "peer", peerAddr, "err", err)
		c.recordFailureAndCooldown(sctx, sess, "addPeer failed")
		return
	}

	c.ledger.RecordSuccess(peerAddr)
	if err := ps.Transition(StateSpliced); err != nil {
		log.Warn("transition failed", "peer", peerAddr, "err", err)
		traversalConn.Close()
		return
	}

	c.mu.Lock()
	sess.traversalURL = traversalURL
	c.mu.Unlock()

	log.Info("incoming peer spliced", "peer", peerAddr, "url", traversalURL)
	<-sctx.Done()
	traversalConn.Close()
}
