// Package admin implements the Admin Channel Client (spec §4.1): a
// newline-framed JSON-RPC connection to the local router, used to learn
// the router's own overlay address and peer table, and to add/remove
// peers as traversal sessions succeed or end.
package admin

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/one-d-wide/yggdrasil-jumper/internal/types"
	"github.com/one-d-wide/yggdrasil-jumper/internal/util/logger"
)

var log = logger.Logger("admin")

// ErrNotConnected is returned by any request issued before Dial succeeds
// or after the connection drops.
var ErrNotConnected = errors.New("admin: not connected")

// ErrRequestFailed wraps a non-empty "error" field in a router response.
var ErrRequestFailed = errors.New("admin: request failed")

// ReconnectConfig controls the capped exponential backoff Dial waits
// between rounds of candidates when autoRedial is set. A connection that
// drops after Dial succeeded is not reopened: later requests return
// ErrNotConnected.
type ReconnectConfig struct {
	BaseInterval time.Duration
	Multiplier   float64
	MaxInterval  time.Duration
	Jitter       float64
}

// DefaultReconnectConfig mirrors common router-client defaults: start at
// one second, double each failure, cap at 30 seconds.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		BaseInterval: time.Second,
		Multiplier:   2.0,
		MaxInterval:  30 * time.Second,
		Jitter:       0.2,
	}
}

func (c ReconnectConfig) backoff(failCount int) time.Duration {
	backoff := float64(c.BaseInterval)
	for i := 0; i < failCount; i++ {
		backoff *= c.Multiplier
		if time.Duration(backoff) >= c.MaxInterval {
			backoff = float64(c.MaxInterval)
			break
		}
	}
	if c.Jitter > 0 {
		span := backoff * c.Jitter
		backoff += (rand.Float64()*2 - 1) * span
	}
	if backoff < 0 {
		backoff = 0
	}
	return time.Duration(backoff)
}

// rawRequest/rawResponse model the router's newline-delimited JSON
// protocol: one object per line, "request" naming the operation and
// its arguments flattened alongside it, "response" carrying the result
// fields, and a top-level non-empty "error" string marking a failure.
type rawRequest struct {
	Request string `json:"request"`
	Keys    bool   `json:"keys,omitempty"`
	Address string `json:"address,omitempty"`
	Port    string `json:"port,omitempty"`
}

type rawResponse struct {
	Status string          `json:"status"`
	Error  string          `json:"error,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
}

// Client holds a single, serialized connection to the router's admin
// socket: the protocol allows only one outstanding request at a time.
type Client struct {
	candidates []string
	reconnect  ReconnectConfig
	autoRedial bool

	mu      sync.Mutex
	conn    net.Conn
	reader  *bufio.Reader
}

// NewClient builds a Client that will try each of candidates (URLs like
// "unix:///var/run/yggdrasil.sock" or "tcp://localhost:9001") in order
// until one accepts a connection.
func NewClient(candidates []string, autoRedial bool, reconnect ReconnectConfig) *Client {
	return &Client{candidates: candidates, autoRedial: autoRedial, reconnect: reconnect}
}

// Dial connects to the first reachable candidate address. If autoRedial
// is set and every candidate fails, Dial retries with exponential backoff
// until ctx is canceled.
func (c *Client) Dial(ctx context.Context) error {
	failCount := 0
	for {
		for _, candidate := range c.candidates {
			conn, err := dialCandidate(ctx, candidate)
			if err != nil {
				log.Debug("admin candidate unreachable", "candidate", candidate, "err", err)
				continue
			}
			c.mu.Lock()
			c.conn = conn
			c.reader = bufio.NewReader(conn)
			c.mu.Unlock()
			log.Info("admin channel connected", "candidate", candidate)
			return nil
		}

		if !c.autoRedial {
			return fmt.Errorf("admin: no candidate reachable out of %d", len(c.candidates))
		}

		wait := c.reconnect.backoff(failCount)
		failCount++
		log.Warn("admin channel connect failed, retrying", "wait", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func dialCandidate(ctx context.Context, candidate string) (net.Conn, error) {
	u, err := url.Parse(candidate)
	if err != nil {
		return nil, fmt.Errorf("parse candidate %q: %w", candidate, err)
	}
	d := net.Dialer{}
	switch u.Scheme {
	case "unix":
		return d.DialContext(ctx, "unix", u.Path)
	case "tcp":
		return d.DialContext(ctx, "tcp", u.Host)
	default:
		return nil, fmt.Errorf("unsupported admin scheme %q", u.Scheme)
	}
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	return err
}

// call sends req and waits for one response line. The admin protocol is
// strictly request/response with no pipelining, so the whole exchange
// happens under the client's single mutex.
func (c *Client) call(req rawRequest) (*rawResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, ErrNotConnected
	}

	line, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	line = append(line, '\n')

	if _, err := c.conn.Write(line); err != nil {
		c.invalidateLocked()
		return nil, fmt.Errorf("write request: %w", err)
	}

	respLine, err := c.reader.ReadBytes('\n')
	if err != nil {
		c.invalidateLocked()
		return nil, fmt.Errorf("read response: %w", err)
	}

	var resp rawResponse
	if err := json.Unmarshal(respLine, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrRequestFailed, resp.Error)
	}
	return &resp, nil
}

func (c *Client) invalidateLocked() {
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = nil
	c.reader = nil
}

// GetSelf returns the router's own overlay address and public key.
func (c *Client) GetSelf() (types.SelfInfo, error) {
	resp, err := c.call(rawRequest{Request: "getself"})
	if err != nil {
		return types.SelfInfo{}, err
	}
	var self types.SelfInfo
	if err := json.Unmarshal(resp.Response, &self); err != nil {
		return types.SelfInfo{}, fmt.Errorf("decode getself response: %w", err)
	}
	return self, nil
}

// GetPeers returns every peer currently in the router's session table.
func (c *Client) GetPeers() ([]types.PeerRecord, error) {
	resp, err := c.call(rawRequest{Request: "getpeers"})
	if err != nil {
		return nil, err
	}
	var wrapper struct {
		Peers map[string]types.PeerRecord `json:"peers"`
	}
	if err := json.Unmarshal(resp.Response, &wrapper); err != nil {
		return nil, fmt.Errorf("decode getpeers response: %w", err)
	}
	peers := make([]types.PeerRecord, 0, len(wrapper.Peers))
	for addr, rec := range wrapper.Peers {
		if rec.Address == "" {
			rec.Address = types.OverlayAddress(addr)
		}
		peers = append(peers, rec)
	}
	return peers, nil
}

// AddPeer instructs the router to dial traversalURL (e.g.
// "tcp://203.0.113.9:54321") as a new peer connection.
func (c *Client) AddPeer(traversalURL string) error {
	uri := strings.TrimSpace(traversalURL)
	_, err := c.call(rawRequest{Request: "addpeer", Address: uri})
	return err
}

// RemovePeer instructs the router to drop the connection it opened for
// traversalURL, used when a Spliced session moves to Cooldown.
func (c *Client) RemovePeer(traversalURL string) error {
	uri := strings.TrimSpace(traversalURL)
	_, err := c.call(rawRequest{Request: "removepeer", Address: uri})
	return err
}
