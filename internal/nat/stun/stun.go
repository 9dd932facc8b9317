// Package stun implements a minimal RFC 5389 Binding client used to learn
// a jumper's externally-mapped IP:port before it advertises itself over
// the Rendezvous channel. Unlike a generic STUN helper, it queries every
// configured server and cross-validates the answers, since an attacker- or
// NAT-confused single server is a traversal hazard, not just an
// inconvenience.
package stun

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/one-d-wide/yggdrasil-jumper/internal/types"
	"github.com/one-d-wide/yggdrasil-jumper/internal/util/logger"
)

var log = logger.Logger("nat.stun")

const (
	bindingRequest  uint16 = 0x0001
	bindingResponse uint16 = 0x0101

	attrMappedAddress    uint16 = 0x0001
	attrXORMappedAddress uint16 = 0x0020

	magicCookie uint32 = 0x2112A442

	transactionIDLen = 12

	family4 = 0x01
	family6 = 0x02
)

var (
	// ErrNoResponse is returned when a single server's query times out or
	// fails at the transport layer.
	ErrNoResponse = errors.New("stun: no response from server")
	// ErrInvalidResponse is returned when a server's reply is malformed.
	ErrInvalidResponse = errors.New("stun: invalid response")
	// ErrAllServersFailed is returned when every configured server failed.
	ErrAllServersFailed = errors.New("stun: all servers failed")
	// ErrCrossValidationFailed is returned when at least two servers
	// responded but disagreed on the mapped endpoint.
	ErrCrossValidationFailed = errors.New("stun: servers disagree on mapped endpoint")
	// ErrTooFewServers is returned when cross-validation is required but
	// fewer than two servers are configured or fewer than two answered.
	ErrTooFewServers = errors.New("stun: at least two servers required for cross-validation")
)

// Resolver queries a fixed set of STUN servers to discover the caller's
// externally mapped endpoint.
type Resolver struct {
	servers []string
	timeout time.Duration
	// NoCheck disables cross-validation, trusting the first server, in
	// configured order, that answered. Only meant for single-server
	// deployments (spec §4.2).
	NoCheck bool
}

// NewResolver builds a Resolver over servers, each formatted "host:port".
func NewResolver(servers []string, timeout time.Duration) *Resolver {
	return &Resolver{servers: servers, timeout: timeout}
}

// queryResult is one server's successful reply.
type queryResult struct {
	server   string
	endpoint types.ExternalEndpoint
}

// Resolve queries every configured server concurrently over the given
// transport kind and returns the cross-validated external endpoint.
// kind selects "stream" (TCP, 2-byte length-prefixed) or "datagram" (UDP).
func (r *Resolver) Resolve(ctx context.Context, kind types.TransportKind) (types.ExternalEndpoint, error) {
	if !r.NoCheck && len(r.servers) < 2 {
		return types.ExternalEndpoint{}, ErrTooFewServers
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	results := make([]queryResult, len(r.servers))
	errs := make([]error, len(r.servers))

	g, gctx := errgroup.WithContext(ctx)
	for i, server := range r.servers {
		i, server := i, server
		g.Go(func() error {
			ep, err := query(gctx, server, kind, r.timeout)
			if err != nil {
				errs[i] = err
				log.Debug("stun query failed", "server", server, "err", err)
				return nil
			}
			results[i] = queryResult{server: server, endpoint: ep}
			return nil
		})
	}
	_ = g.Wait()

	var ok []queryResult
	for _, res := range results {
		if res.server != "" {
			ok = append(ok, res)
		}
	}

	if len(ok) == 0 {
		return types.ExternalEndpoint{}, fmt.Errorf("%w: %v", ErrAllServersFailed, firstNonNil(errs))
	}

	if r.NoCheck {
		log.Info("stun resolved (no-check)", "server", ok[0].server, "endpoint", ok[0].endpoint)
		return ok[0].endpoint, nil
	}

	if len(ok) < 2 {
		return types.ExternalEndpoint{}, fmt.Errorf("%w: only %d of %d servers answered", ErrTooFewServers, len(ok), len(r.servers))
	}

	first := ok[0].endpoint
	for _, res := range ok[1:] {
		if !res.endpoint.Equal(first) {
			return types.ExternalEndpoint{}, fmt.Errorf("%w: %s says %s, %s says %s",
				ErrCrossValidationFailed, ok[0].server, first, res.server, res.endpoint)
		}
	}

	log.Info("stun resolved (cross-validated)", "servers", len(ok), "endpoint", first)
	return first, nil
}

func firstNonNil(errs []error) error {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return ErrNoResponse
}

// query performs a single Binding transaction against server over kind.
func query(ctx context.Context, server string, kind types.TransportKind, timeout time.Duration) (types.ExternalEndpoint, error) {
	txID := make([]byte, transactionIDLen)
	if _, err := rand.Read(txID); err != nil {
		return types.ExternalEndpoint{}, fmt.Errorf("generate transaction id: %w", err)
	}
	request := buildBindingRequest(txID)

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(timeout)
	}

	switch kind {
	case types.TransportDatagram:
		return queryUDP(ctx, server, request, txID, deadline)
	default:
		return queryTCP(ctx, server, request, txID, deadline)
	}
}

func queryUDP(ctx context.Context, server string, request, txID []byte, deadline time.Time) (types.ExternalEndpoint, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "udp", server)
	if err != nil {
		return types.ExternalEndpoint{}, fmt.Errorf("dial %s: %w", server, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(deadline)

	if _, err := conn.Write(request); err != nil {
		return types.ExternalEndpoint{}, fmt.Errorf("write request: %w", err)
	}

	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	if err != nil {
		return types.ExternalEndpoint{}, fmt.Errorf("%w: %v", ErrNoResponse, err)
	}
	return parseBindingResponse(buf[:n], txID)
}

// queryTCP dials server over TCP and frames the request with a 2-byte
// big-endian length prefix, since STUN's UDP framing has no length
// delimiter a stream transport can rely on.
func queryTCP(ctx context.Context, server string, request, txID []byte, deadline time.Time) (types.ExternalEndpoint, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", server)
	if err != nil {
		return types.ExternalEndpoint{}, fmt.Errorf("dial %s: %w", server, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(deadline)

	framed := make([]byte, 2+len(request))
	binary.BigEndian.PutUint16(framed[:2], uint16(len(request)))
	copy(framed[2:], request)
	if _, err := conn.Write(framed); err != nil {
		return types.ExternalEndpoint{}, fmt.Errorf("write request: %w", err)
	}

	var lenBuf [2]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return types.ExternalEndpoint{}, fmt.Errorf("%w: %v", ErrNoResponse, err)
	}
	msgLen := binary.BigEndian.Uint16(lenBuf[:])
	body := make([]byte, msgLen)
	if _, err := io.ReadFull(conn, body); err != nil {
		return types.ExternalEndpoint{}, fmt.Errorf("%w: %v", ErrNoResponse, err)
	}
	return parseBindingResponse(body, txID)
}

func buildBindingRequest(txID []byte) []byte {
	msg := make([]byte, 20)
	binary.BigEndian.PutUint16(msg[0:2], bindingRequest)
	binary.BigEndian.PutUint16(msg[2:4], 0)
	binary.BigEndian.PutUint32(msg[4:8], magicCookie)
	copy(msg[8:20], txID)
	return msg
}

func parseBindingResponse(data, expectedTxID []byte) (types.ExternalEndpoint, error) {
	if len(data) < 20 {
		return types.ExternalEndpoint{}, ErrInvalidResponse
	}

	msgType := binary.BigEndian.Uint16(data[0:2])
	if msgType != bindingResponse {
		return types.ExternalEndpoint{}, fmt.Errorf("%w: unexpected message type 0x%04x", ErrInvalidResponse, msgType)
	}

	if binary.BigEndian.Uint32(data[4:8]) != magicCookie {
		return types.ExternalEndpoint{}, fmt.Errorf("%w: bad magic cookie", ErrInvalidResponse)
	}

	txID := data[8:20]
	for i := range expectedTxID {
		if txID[i] != expectedTxID[i] {
			return types.ExternalEndpoint{}, fmt.Errorf("%w: transaction id mismatch", ErrInvalidResponse)
		}
	}

	msgLen := int(binary.BigEndian.Uint16(data[2:4]))
	if len(data) < 20+msgLen {
		return types.ExternalEndpoint{}, ErrInvalidResponse
	}

	var mapped *types.ExternalEndpoint
	offset := 20
	for offset+4 <= 20+msgLen {
		attrType := binary.BigEndian.Uint16(data[offset : offset+2])
		attrLen := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		offset += 4
		if offset+attrLen > len(data) {
			break
		}
		value := data[offset : offset+attrLen]

		switch attrType {
		case attrXORMappedAddress:
			if ep, err := parseXORMappedAddress(value, data[4:8], txID); err == nil {
				mapped = &ep
			}
		case attrMappedAddress:
			if mapped == nil {
				if ep, err := parseMappedAddress(value); err == nil {
					mapped = &ep
				}
			}
		default:
			// Unknown attribute: skip over its (aligned) value, per
			// RFC 5389's comprehension-optional rule.
		}

		offset += attrLen
		if pad := attrLen % 4; pad != 0 {
			offset += 4 - pad
		}
	}

	if mapped == nil {
		return types.ExternalEndpoint{}, fmt.Errorf("%w: no mapped address attribute", ErrInvalidResponse)
	}
	return *mapped, nil
}

func parseXORMappedAddress(value, cookieBytes, txID []byte) (types.ExternalEndpoint, error) {
	if len(value) < 4 {
		return types.ExternalEndpoint{}, ErrInvalidResponse
	}
	family := value[1]
	port := binary.BigEndian.Uint16(value[2:4]) ^ uint16(magicCookie>>16)

	var ip net.IP
	switch family {
	case family4:
		if len(value) < 8 {
			return types.ExternalEndpoint{}, ErrInvalidResponse
		}
		ip = make(net.IP, 4)
		for i := 0; i < 4; i++ {
			ip[i] = value[4+i] ^ cookieBytes[i]
		}
	case family6:
		if len(value) < 20 {
			return types.ExternalEndpoint{}, ErrInvalidResponse
		}
		xorBytes := make([]byte, 16)
		copy(xorBytes[0:4], cookieBytes)
		copy(xorBytes[4:16], txID)
		ip = make(net.IP, 16)
		for i := 0; i < 16; i++ {
			ip[i] = value[4+i] ^ xorBytes[i]
		}
	default:
		return types.ExternalEndpoint{}, fmt.Errorf("%w: unknown address family %d", ErrInvalidResponse, family)
	}
	return types.ExternalEndpoint{IP: ip, Port: int(port)}, nil
}

func parseMappedAddress(value []byte) (types.ExternalEndpoint, error) {
	if len(value) < 4 {
		return types.ExternalEndpoint{}, ErrInvalidResponse
	}
	family := value[1]
	port := binary.BigEndian.Uint16(value[2:4])

	var ip net.IP
	switch family {
	case family4:
		if len(value) < 8 {
			return types.ExternalEndpoint{}, ErrInvalidResponse
		}
		ip = make(net.IP, 4)
		copy(ip, value[4:8])
	case family6:
		if len(value) < 20 {
			return types.ExternalEndpoint{}, ErrInvalidResponse
		}
		ip = make(net.IP, 16)
		copy(ip, value[4:20])
	default:
		return types.ExternalEndpoint{}, fmt.Errorf("%w: unknown address family %d", ErrInvalidResponse, family)
	}
	return types.ExternalEndpoint{IP: ip, Port: int(port)}, nil
}
