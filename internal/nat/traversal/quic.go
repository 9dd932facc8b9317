package traversal

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// QUICConfig controls the probe cadence used while racing the dial against
// the peer's own punch attempt (spec §4.4 datagram variant).
type QUICConfig struct {
	ProbeInterval time.Duration
	ProbeWindow   time.Duration
	TLSConfig     *tls.Config
}

// QUICTraverser punches a hole for the QUIC/datagram transport by sharing
// a single UDP socket between the listener and the dialer, so both use
// the same externally-mapped port learned from STUN.
type QUICTraverser struct {
	cfg QUICConfig
}

// NewQUICTraverser builds a QUICTraverser, normalizing zero-value cadence
// fields and requiring a non-nil TLS config (QUIC has no cleartext mode).
func NewQUICTraverser(cfg QUICConfig) (*QUICTraverser, error) {
	if cfg.TLSConfig == nil {
		return nil, errors.New("traversal: quic requires a TLS config")
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 200 * time.Millisecond
	}
	if cfg.ProbeWindow <= 0 {
		cfg.ProbeWindow = 5 * time.Second
	}
	return &QUICTraverser{cfg: cfg}, nil
}

// quicStreamConn adapts a quic.Connection plus its single data stream to
// net.Conn, so the controller can treat every transport kind uniformly
// once a traversal attempt succeeds.
type quicStreamConn struct {
	quic.Stream
	conn quic.Connection
}

func (c *quicStreamConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *quicStreamConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *quicStreamConn) Close() error {
	err := c.Stream.Close()
	c.conn.CloseWithError(0, "")
	return err
}

// Punch dials remote repeatedly over a shared UDP socket bound to
// localPort, while concurrently accepting inbound sessions on the same
// socket, until one side succeeds or the probe window elapses.
func (q *QUICTraverser) Punch(ctx context.Context, localPort int, remote string) (net.Conn, error) {
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: localPort})
	if err != nil {
		return nil, fmt.Errorf("listen udp on port %d: %w", localPort, err)
	}
	defer udpConn.Close()

	qt := &quic.Transport{Conn: udpConn}
	defer qt.Close()

	remoteAddr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", remote, err)
	}

	listener, err := qt.Listen(q.cfg.TLSConfig, &quic.Config{EnableDatagrams: true})
	if err != nil {
		return nil, fmt.Errorf("quic listen: %w", err)
	}
	defer listener.Close()

	ctx, cancel := context.WithTimeout(ctx, q.cfg.ProbeWindow)
	defer cancel()

	type result struct {
		conn net.Conn
		err  error
	}
	results := make(chan result, 2)

	go func() {
		conn, err := acceptStream(ctx, listener)
		results <- result{conn, err}
	}()

	go func() {
		conn, err := q.dialProbing(ctx, qt, remoteAddr)
		results <- result{conn, err}
	}()

	var lastErr error
	for i := 0; i < 2; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-results:
			if res.err == nil && res.conn != nil {
				cancel()
				log.Info("quic traversal succeeded", "remote", remote, "local_port", localPort)
				return res.conn, nil
			}
			lastErr = res.err
		}
	}
	if lastErr == nil {
		lastErr = ErrNoAttemptSucceeded
	}
	return nil, fmt.Errorf("%w: %v", ErrNoAttemptSucceeded, lastErr)
}

// acceptStream accepts one connection from listener and then its first
// stream, opened by the dialing side once the session handshake
// completes.
func acceptStream(ctx context.Context, listener *quic.Listener) (net.Conn, error) {
	conn, err := listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}
	return &quicStreamConn{Stream: stream, conn: conn}, nil
}

// dialProbing redials remoteAddr every ProbeInterval until ctx is done,
// since the first few datagrams sent before the peer's own socket opens
// are simply dropped by its NAT and must be retried.
func (q *QUICTraverser) dialProbing(ctx context.Context, qt *quic.Transport, remoteAddr *net.UDPAddr) (net.Conn, error) {
	ticker := time.NewTicker(q.cfg.ProbeInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		dialCtx, cancel := context.WithTimeout(ctx, q.cfg.ProbeInterval)
		conn, err := qt.Dial(dialCtx, remoteAddr, q.cfg.TLSConfig, &quic.Config{EnableDatagrams: true})
		cancel()
		if err == nil {
			stream, serr := conn.OpenStreamSync(ctx)
			if serr != nil {
				conn.CloseWithError(0, "")
				lastErr = serr
			} else {
				return &quicStreamConn{Stream: stream, conn: conn}, nil
			}
		} else {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return nil, lastErr
		case <-ticker.C:
		}
	}
}
