package rendezvous

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/one-d-wide/yggdrasil-jumper/internal/types"
)

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func TestRoleAssignment(t *testing.T) {
	a := types.OverlayAddress("200:a::1")
	b := types.OverlayAddress("200:a::2")

	if !Role(a, b) {
		t.Error("expected a to be initiator (smaller address)")
	}
	if Role(b, a) {
		t.Error("expected b to not be initiator (larger address)")
	}
}

func TestFrameRoundTrip(t *testing.T) {
	initConn, respConn := net.Pipe()
	defer initConn.Close()
	defer respConn.Close()

	initSess := NewSession(initConn, 2*time.Second)
	respSess := NewSession(respConn, 2*time.Second)

	offer := OfferPayload{Endpoints: map[types.TransportKind]types.ExternalEndpoint{
		types.TransportStream: {IP: net.IPv4(203, 0, 113, 9), Port: 4701},
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	type initResult struct {
		accept AcceptPayload
		start  time.Time
		err    error
	}
	initCh := make(chan initResult, 1)
	go func() {
		accept, start, err := initSess.InitiatorHandshake(ctx, "200:a::1", offer, 100*time.Millisecond)
		initCh <- initResult{accept, start, err}
	}()

	selfEndpoints := map[types.TransportKind]types.ExternalEndpoint{
		types.TransportStream: {IP: net.IPv4(198, 51, 100, 4), Port: 4701},
	}
	gotPeer, gotAccept, _, err := respSess.ResponderHandshake(ctx, "200:a::2", []types.TransportKind{types.TransportStream, types.TransportDatagram}, selfEndpoints)
	if err != nil {
		t.Fatalf("ResponderHandshake: %v", err)
	}
	if gotAccept.Transport != types.TransportStream {
		t.Fatalf("responder chose transport %q, want %q", gotAccept.Transport, types.TransportStream)
	}
	if !gotAccept.Endpoint.Equal(selfEndpoints[types.TransportStream]) {
		t.Fatalf("responder echoed endpoint %+v, want %+v", gotAccept.Endpoint, selfEndpoints[types.TransportStream])
	}
	if gotPeer != types.OverlayAddress("200:a::1") {
		t.Fatalf("responder saw peer address %q, want 200:a::1", gotPeer)
	}

	res := <-initCh
	if res.err != nil {
		t.Fatalf("InitiatorHandshake: %v", res.err)
	}
	if res.accept.Transport != types.TransportStream {
		t.Fatalf("unexpected accepted transport: %+v", res.accept.Transport)
	}
	if !res.accept.Endpoint.Equal(selfEndpoints[types.TransportStream]) {
		t.Fatalf("initiator saw endpoint %+v, want %+v", res.accept.Endpoint, selfEndpoints[types.TransportStream])
	}
}

func TestResponderHandshakeRejectsVersionMismatch(t *testing.T) {
	initConn, respConn := net.Pipe()
	defer initConn.Close()
	defer respConn.Close()

	respSess := NewSession(respConn, 2*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		frame := Frame{Kind: KindHello, Nonce: "init-nonce", Data: mustMarshal(HelloPayload{Address: "200:a::1", Version: ProtocolVersion + 1})}
		line, _ := json.Marshal(frame)
		line = append(line, '\n')
		_, _ = initConn.Write(line)
	}()

	_, _, _, err := respSess.ResponderHandshake(ctx, "200:a::2", []types.TransportKind{types.TransportStream}, nil)
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
}

func TestResponderHandshakeEmptyTransportWithNoUsableSelfEndpoint(t *testing.T) {
	initConn, respConn := net.Pipe()
	defer initConn.Close()
	defer respConn.Close()

	initSess := NewSession(initConn, 2*time.Second)
	respSess := NewSession(respConn, 2*time.Second)

	offer := OfferPayload{Endpoints: map[types.TransportKind]types.ExternalEndpoint{
		types.TransportStream: {IP: net.IPv4(203, 0, 113, 9), Port: 4701},
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	go func() {
		_, _, _ = initSess.InitiatorHandshake(ctx, "200:a::1", offer, 100*time.Millisecond)
	}()

	// selfEndpoints is empty: the responder has no usable endpoint for
	// any transport it shares with the initiator's offer.
	_, accept, _, err := respSess.ResponderHandshake(ctx, "200:a::2", []types.TransportKind{types.TransportStream}, nil)
	if err != nil {
		t.Fatalf("ResponderHandshake: %v", err)
	}
	if accept.Transport != "" {
		t.Fatalf("expected empty Transport, got %q", accept.Transport)
	}
}

func TestOversizedFrameCloses(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	sess := NewSession(a, time.Second)

	go func() {
		oversized := append([]byte(`{"kind":"hello","data":`), bytes.Repeat([]byte("x"), MaxFrameSize+100)...)
		oversized = append(oversized, '}', '\n')
		_, _ = b.Write(oversized)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := sess.recv(ctx, KindHello)
	if err == nil {
		t.Fatal("expected an error for an oversized frame")
	}
}

func TestMalformedFrameIsFatal(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	sess := NewSession(a, time.Second)

	go func() {
		_, _ = b.Write([]byte("not json at all\n"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := sess.recv(ctx, KindHello)
	if err == nil {
		t.Fatal("expected malformed frame error")
	}
}
