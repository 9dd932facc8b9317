package traversal

import (
	"context"
	"crypto/tls"
	"net"
	"testing"
	"time"
)

func insecureQUICConfig(t *testing.T) *tls.Config {
	t.Helper()
	cert, _ := testIdentity(t)
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true,
		NextProtos:         []string{"yggdrasil-jumper-test"},
	}
}

// TestQUICTraverserPunchBothSides exercises the listen-and-dial race over
// loopback: both sides call Punch concurrently against each other, as the
// Controller does once Rendezvous exchanges endpoints.
func TestQUICTraverserPunchBothSides(t *testing.T) {
	portA := freePort(t)
	portB := freePort(t)

	cfg := QUICConfig{ProbeInterval: 50 * time.Millisecond, ProbeWindow: 5 * time.Second, TLSConfig: insecureQUICConfig(t)}
	a, err := NewQUICTraverser(cfg)
	if err != nil {
		t.Fatalf("new traverser: %v", err)
	}
	cfgB := QUICConfig{ProbeInterval: 50 * time.Millisecond, ProbeWindow: 5 * time.Second, TLSConfig: insecureQUICConfig(t)}
	b, err := NewQUICTraverser(cfgB)
	if err != nil {
		t.Fatalf("new traverser: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type res struct {
		conn net.Conn
		err  error
	}
	chA := make(chan res, 1)
	chB := make(chan res, 1)

	go func() {
		conn, err := a.Punch(ctx, portA, loopback(portB))
		chA <- res{conn, err}
	}()
	go func() {
		conn, err := b.Punch(ctx, portB, loopback(portA))
		chB <- res{conn, err}
	}()

	resA := <-chA
	resB := <-chB

	if resA.err != nil {
		t.Fatalf("side A punch failed: %v", resA.err)
	}
	if resB.err != nil {
		t.Fatalf("side B punch failed: %v", resB.err)
	}
	resA.conn.Close()
	resB.conn.Close()
}

func TestNewQUICTraverserRejectsNilTLSConfig(t *testing.T) {
	if _, err := NewQUICTraverser(QUICConfig{}); err == nil {
		t.Fatal("expected error for nil TLSConfig")
	}
}
