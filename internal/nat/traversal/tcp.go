// Package traversal implements the NAT Traversal Engine: simultaneous-open
// hole punching over the transports the jumper is configured to use
// (spec §4.4). Each transport gets its own dial/listen strategy sharing a
// single local port, since punching requires the outbound attempt to use
// the exact port the peer was told about over Rendezvous.
package traversal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/one-d-wide/yggdrasil-jumper/internal/util/logger"
)

var log = logger.Logger("nat.traversal")

// ErrNoAttemptSucceeded is returned when every dial/listen race against a
// remote endpoint timed out or was refused.
var ErrNoAttemptSucceeded = errors.New("traversal: no attempt succeeded")

// TCPConfig controls the simultaneous-open retry loop.
type TCPConfig struct {
	MaxAttempts    int
	AttemptDelay   time.Duration
	ConnectTimeout time.Duration
}

// TCPTraverser punches a TCP hole using simultaneous open: it listens and
// dials from the same local port at once, accepting whichever side wins
// the race.
type TCPTraverser struct {
	cfg TCPConfig
}

// NewTCPTraverser builds a TCPTraverser with cfg, normalizing zero values.
func NewTCPTraverser(cfg TCPConfig) *TCPTraverser {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.AttemptDelay <= 0 {
		cfg.AttemptDelay = 500 * time.Millisecond
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 2 * time.Second
	}
	return &TCPTraverser{cfg: cfg}
}

// Punch attempts to establish a TCP connection to remote, reusing
// localPort for both the listening and dialing sockets so the NAT
// mapping created by one serves the other. It returns the first
// connection obtained, whichever direction it came from.
func (t *TCPTraverser) Punch(ctx context.Context, localPort int, remote string) (net.Conn, error) {
	listener, err := listenReusable(localPort)
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", localPort, err)
	}
	defer listener.Close()

	type result struct {
		conn net.Conn
		err  error
	}
	results := make(chan result, 2)

	acceptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		conn, err := acceptOnce(acceptCtx, listener)
		results <- result{conn, err}
	}()

	go func() {
		conn, err := t.dialRetrying(acceptCtx, localPort, remote)
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
				log.Info("tcp traversal succeeded", "remote", remote, "local_port", localPort)
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

func acceptOnce(ctx context.Context, l net.Listener) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.Accept()
		ch <- result{conn, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.conn, res.err
	}
}

func (t *TCPTraverser) dialRetrying(ctx context.Context, localPort int, remote string) (net.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < t.cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		conn, err := dialReusable(ctx, localPort, remote, t.cfg.ConnectTimeout)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		log.Debug("tcp dial attempt failed", "remote", remote, "attempt", attempt+1, "err", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(t.cfg.AttemptDelay):
		}
	}
	return nil, lastErr
}

func listenReusable(localPort int) (net.Listener, error) {
	lc := net.ListenConfig{Control: reuseControl}
	return lc.Listen(context.Background(), "tcp", fmt.Sprintf(":%d", localPort))
}

func dialReusable(ctx context.Context, localPort int, remote string, timeout time.Duration) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d := net.Dialer{
		Control:   reuseControl,
		LocalAddr: &net.TCPAddr{Port: localPort},
	}
	return d.DialContext(dialCtx, "tcp", remote)
}

// reuseControl sets SO_REUSEADDR and (best-effort) SO_REUSEPORT so the
// same local port can be both listened on and dialed from concurrently,
// which is what a simultaneous TCP open requires.
func reuseControl(_, _ string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			opErr = fmt.Errorf("set SO_REUSEADDR: %w", err)
			return
		}
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			log.Debug("SO_REUSEPORT unavailable, continuing with SO_REUSEADDR only", "err", err)
		}
	})
	if err != nil {
		return err
	}
	return opErr
}
