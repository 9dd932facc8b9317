// Package rendezvous implements the Rendezvous Channel (spec §4.3): a
// newline-framed JSON protocol exchanged directly between two jumpers
// over the overlay, used to agree on an initiator/responder role and
// swap externally-mapped endpoints before either side attempts a NAT
// traversal.
package rendezvous

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/one-d-wide/yggdrasil-jumper/internal/types"
	"github.com/one-d-wide/yggdrasil-jumper/internal/util/logger"
)

var log = logger.Logger("rendezvous")

// MaxFrameSize bounds a single rendezvous message; anything larger is
// treated as a protocol violation, not a slow peer (spec §4.3 edge case).
const MaxFrameSize = 4096

// ErrFrameTooLarge is returned when a peer sends more than MaxFrameSize
// bytes before a newline.
var ErrFrameTooLarge = errors.New("rendezvous: frame exceeds maximum size")

// ErrMalformedFrame is returned for anything that fails to decode as the
// expected frame type; malformed frames are fatal to the session, not
// retried (spec §4.3 edge case: "malformed frame is fatal").
var ErrMalformedFrame = errors.New("rendezvous: malformed frame")

// ProtocolVersion is the rendezvous wire version this jumper speaks,
// carried in every hello frame (spec §4.3 frame 1).
const ProtocolVersion = 1

// ErrVersionMismatch is returned when a peer's hello carries a different
// ProtocolVersion; the contract requires aborting with a clear reason
// rather than attempting to interoperate (spec §4.3).
var ErrVersionMismatch = errors.New("rendezvous: protocol version mismatch")

// Frame is the envelope every rendezvous message is wrapped in, tagged by
// Kind so the reader can dispatch before decoding the payload.
type Frame struct {
	Kind  string          `json:"kind"`
	Nonce string          `json:"nonce,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

const (
	KindHello = "hello"
	KindOffer = "offer"
	KindAccept = "accept"
	KindGo     = "go"
	KindResult = "result"
)

// HelloPayload opens the session, each side stating its own overlay
// address and protocol version so both can compute the initiator/responder
// role the same way and abort on a version mismatch (spec §4.3 frame 1).
type HelloPayload struct {
	Address types.OverlayAddress `json:"address"`
	Version int                  `json:"version"`
}

// OfferPayload carries the sender's candidate endpoints for each
// transport it supports, learned from the STUN resolver.
type OfferPayload struct {
	Endpoints map[types.TransportKind]types.ExternalEndpoint `json:"endpoints"`
}

// AcceptPayload carries the single transport the responder chose out of
// the offer's candidates, together with the responder's own externally
// mapped endpoint for it — the endpoint the initiator must traverse to
// (spec §4.3 frame 3). Transport is empty when no common transport with a
// discovered self endpoint exists.
type AcceptPayload struct {
	Transport types.TransportKind    `json:"transport"`
	Endpoint  types.ExternalEndpoint `json:"endpoint"`
	EchoNonce string                 `json:"echo_nonce"`
}

// GoPayload signals "start punching now", synchronized so both sides
// dial within the same small window (spec §4.3's rendezvous delta).
type GoPayload struct {
	StartAt time.Time `json:"start_at"`
}

// ResultPayload reports whether the traversal that followed succeeded.
// It is sent best-effort by ReportResult; this package never reads a
// result frame back.
type ResultPayload struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// Session wraps one rendezvous connection to a single peer.
type Session struct {
	conn        net.Conn
	reader      *bufio.Reader
	readTimeout time.Duration
	nonce       string
}

// NewSession wraps conn with the given per-frame read timeout.
func NewSession(conn net.Conn, readTimeout time.Duration) *Session {
	return &Session{
		conn:        conn,
		reader:      bufio.NewReaderSize(conn, MaxFrameSize),
		readTimeout: readTimeout,
		nonce:       uuid.NewString(),
	}
}

// Close closes the underlying connection.
func (s *Session) Close() error { return s.conn.Close() }

// send marshals payload into a Frame of the given kind and writes it as
// one newline-terminated JSON line.
func (s *Session) send(kind string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	frame := Frame{Kind: kind, Nonce: s.nonce, Data: data}
	line, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", kind, err)
	}
	line = append(line, '\n')
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.readTimeout)); err != nil {
		return err
	}
	_, err = s.conn.Write(line)
	return err
}

// recv reads one frame, enforcing MaxFrameSize and the session's read
// timeout, and verifies its kind matches wantKind.
func (s *Session) recv(ctx context.Context, wantKind string) (Frame, error) {
	deadline := time.Now().Add(s.readTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return Frame{}, err
	}

	line, err := s.reader.ReadBytes('\n')
	if err != nil {
		if len(line) >= MaxFrameSize {
			return Frame{}, ErrFrameTooLarge
		}
		return Frame{}, fmt.Errorf("read frame: %w", err)
	}
	if len(line) > MaxFrameSize {
		return Frame{}, ErrFrameTooLarge
	}

	var frame Frame
	if err := json.Unmarshal(bytes.TrimSpace(line), &frame); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if frame.Kind != wantKind {
		return Frame{}, fmt.Errorf("%w: expected %q, got %q", ErrMalformedFrame, wantKind, frame.Kind)
	}
	return frame, nil
}

// Role reports whether self is the initiator of the rendezvous exchange
// with peer, using the numerically-smaller-overlay-address-wins rule
// (spec §4.3, property 4) so both sides agree without further
// negotiation.
func Role(self, peer types.OverlayAddress) (initiator bool) {
	return self.Less(peer)
}

// InitiatorHandshake runs the hello/offer/accept/go exchange from the
// initiating side and returns the responder's chosen transport/endpoint
// and the synchronized start time.
func (s *Session) InitiatorHandshake(ctx context.Context, self types.OverlayAddress, offer OfferPayload, delta time.Duration) (AcceptPayload, time.Time, error) {
	if err := s.send(KindHello, HelloPayload{Address: self, Version: ProtocolVersion}); err != nil {
		return AcceptPayload{}, time.Time{}, err
	}
	helloFrame, err := s.recv(ctx, KindHello)
	if err != nil {
		return AcceptPayload{}, time.Time{}, err
	}
	var peerHello HelloPayload
	if err := json.Unmarshal(helloFrame.Data, &peerHello); err != nil {
		return AcceptPayload{}, time.Time{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if peerHello.Version != ProtocolVersion {
		return AcceptPayload{}, time.Time{}, fmt.Errorf("%w: peer speaks version %d, want %d", ErrVersionMismatch, peerHello.Version, ProtocolVersion)
	}

	if err := s.send(KindOffer, offer); err != nil {
		return AcceptPayload{}, time.Time{}, err
	}
	acceptFrame, err := s.recv(ctx, KindAccept)
	if err != nil {
		return AcceptPayload{}, time.Time{}, err
	}
	var accept AcceptPayload
	if err := json.Unmarshal(acceptFrame.Data, &accept); err != nil {
		return AcceptPayload{}, time.Time{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if accept.Transport != "" && accept.EchoNonce != s.nonce {
		return AcceptPayload{}, time.Time{}, fmt.Errorf("%w: accept echo_nonce does not match our offer", ErrMalformedFrame)
	}

	start := time.Now().Add(delta)
	if err := s.send(KindGo, GoPayload{StartAt: start}); err != nil {
		return AcceptPayload{}, time.Time{}, err
	}

	log.Debug("rendezvous initiator handshake complete", "peer_self", self, "start_at", start)
	return accept, start, nil
}

// ResponderHandshake runs the same exchange from the responding side: it
// waits for hello/offer, picks the first transport (in supported's order)
// both sides can attempt and for which selfEndpoints has an entry, and
// echoes that single choice plus its own endpoint back in the accept frame
// so the initiator knows where to punch. It returns the peer's overlay
// address, the accept sent, and the synchronized start time carried by the
// final "go" frame.
func (s *Session) ResponderHandshake(ctx context.Context, self types.OverlayAddress, supported []types.TransportKind, selfEndpoints map[types.TransportKind]types.ExternalEndpoint) (types.OverlayAddress, AcceptPayload, time.Time, error) {
	helloFrame, err := s.recv(ctx, KindHello)
	if err != nil {
		return "", AcceptPayload{}, time.Time{}, err
	}
	var hello HelloPayload
	if err := json.Unmarshal(helloFrame.Data, &hello); err != nil {
		return "", AcceptPayload{}, time.Time{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if hello.Version != ProtocolVersion {
		return "", AcceptPayload{}, time.Time{}, fmt.Errorf("%w: peer speaks version %d, want %d", ErrVersionMismatch, hello.Version, ProtocolVersion)
	}
	if err := s.send(KindHello, HelloPayload{Address: self, Version: ProtocolVersion}); err != nil {
		return "", AcceptPayload{}, time.Time{}, err
	}

	offerFrame, err := s.recv(ctx, KindOffer)
	if err != nil {
		return "", AcceptPayload{}, time.Time{}, err
	}
	var offer OfferPayload
	if err := json.Unmarshal(offerFrame.Data, &offer); err != nil {
		return "", AcceptPayload{}, time.Time{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	accept := AcceptPayload{EchoNonce: offerFrame.Nonce}
	for _, kind := range intersectTransports(supported, offer.Endpoints) {
		if ep, ok := selfEndpoints[kind]; ok {
			accept.Transport = kind
			accept.Endpoint = ep
			break
		}
	}
	if err := s.send(KindAccept, accept); err != nil {
		return "", AcceptPayload{}, time.Time{}, err
	}

	goFrame, err := s.recv(ctx, KindGo)
	if err != nil {
		return "", AcceptPayload{}, time.Time{}, err
	}
	var goMsg GoPayload
	if err := json.Unmarshal(goFrame.Data, &goMsg); err != nil {
		return "", AcceptPayload{}, time.Time{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	log.Debug("rendezvous responder handshake complete", "peer", hello.Address, "transport", accept.Transport, "start_at", goMsg.StartAt)
	return hello.Address, accept, goMsg.StartAt, nil
}

// ReportResult sends the outcome of the traversal attempt that followed
// this handshake, best-effort; callers should not fail the session over
// a failed send here.
func (s *Session) ReportResult(success bool, reason string) error {
	return s.send(KindResult, ResultPayload{Success: success, Reason: reason})
}

func intersectTransports(supported []types.TransportKind, offered map[types.TransportKind]types.ExternalEndpoint) []types.TransportKind {
	var out []types.TransportKind
	for _, kind := range supported {
		if _, ok := offered[kind]; ok {
			out = append(out, kind)
		}
	}
	return out
}
