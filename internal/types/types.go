// Package types holds the data model shared by every jumper component:
// overlay addresses, transport kinds, external endpoints and the
// admin-channel session snapshot.
package types

import (
	"bytes"
	"fmt"
	"net"
)

// OverlayAddress is the 128-bit overlay identifier of a peer, as reported
// by the router's admin channel (an IPv6-literal string in Yggdrasil's own
// 0200::/7 address space).
type OverlayAddress string

// String returns the address in its canonical textual form.
func (a OverlayAddress) String() string { return string(a) }

// Less reports whether a sorts before b under the numerically-smaller-wins
// rule used to assign the Rendezvous initiator/responder role (spec §4.3,
// property 4). Comparison is done on the parsed IPv6 bytes, not the
// string, so equivalent textual forms ("::1" vs "0:0:...:1") compare
// correctly.
func (a OverlayAddress) Less(b OverlayAddress) bool {
	ipA := net.ParseIP(string(a))
	ipB := net.ParseIP(string(b))
	if ipA == nil || ipB == nil {
		return string(a) < string(b)
	}
	return bytes.Compare(ipA.To16(), ipB.To16()) < 0
}

// TransportKind tags a traversal attempt's wire transport.
type TransportKind string

const (
	TransportStream        TransportKind = "stream"
	TransportDatagram      TransportKind = "datagram"
	TransportStreamTLS     TransportKind = "stream-over-tls"
)

// Valid reports whether k is one of the three recognized transport kinds.
func (k TransportKind) Valid() bool {
	switch k {
	case TransportStream, TransportDatagram, TransportStreamTLS:
		return true
	default:
		return false
	}
}

// URLScheme returns the traversal_url scheme for this transport kind
// (spec §4.4/§6): tcp, quic or tls.
func (k TransportKind) URLScheme() string {
	switch k {
	case TransportStream:
		return "tcp"
	case TransportDatagram:
		return "quic"
	case TransportStreamTLS:
		return "tls"
	default:
		return ""
	}
}

// ExternalEndpoint is a (IP, port) pair as observed by a STUN server.
type ExternalEndpoint struct {
	IP   net.IP
	Port int
}

// String renders the endpoint as "ip:port".
func (e ExternalEndpoint) String() string {
	return net.JoinHostPort(e.IP.String(), fmt.Sprintf("%d", e.Port))
}

// Equal compares two endpoints by IP and port.
func (e ExternalEndpoint) Equal(o ExternalEndpoint) bool {
	return e.IP.Equal(o.IP) && e.Port == o.Port
}

// TraversalURL formats the endpoint as the traversal_url handed to
// addPeer, e.g. "tcp://203.0.113.9:54321".
func (e ExternalEndpoint) TraversalURL(kind TransportKind) string {
	return fmt.Sprintf("%s://%s", kind.URLScheme(), e.String())
}

// NodeInfo is the optional nodeinfo blob a peer may advertise over the
// overlay; only the jumper flag matters to this implementation.
type NodeInfo struct {
	Jumper bool `json:"jumper"`
}

// PeerRecord is one entry of a getPeers() response (spec §4.1).
type PeerRecord struct {
	Address        OverlayAddress `json:"address"`
	PublicKey      string         `json:"key"`
	Uptime         float64        `json:"uptime"`
	BytesSent      uint64         `json:"bytes_sent"`
	BytesReceived  uint64         `json:"bytes_recvd"`
	RemoteEndpoint string         `json:"remote"`
	Protocol       string         `json:"protocol,omitempty"`
	NodeInfo       *NodeInfo      `json:"nodeinfo,omitempty"`
}

// AdvertisesJumper reports whether this peer's nodeinfo claims to run a
// jumper of its own.
func (p PeerRecord) AdvertisesJumper() bool {
	return p.NodeInfo != nil && p.NodeInfo.Jumper
}

// SelfInfo is the getSelf() response (spec §4.1).
type SelfInfo struct {
	Address         OverlayAddress `json:"address"`
	PublicKey       string         `json:"key"`
	ProtocolVersion string         `json:"build_version"`
}

// SessionSnapshot is the set of overlay peers the router reported on the
// most recent poll tick (spec §3).
type SessionSnapshot struct {
	Peers map[OverlayAddress]PeerRecord
}

// NewSessionSnapshot builds a snapshot indexed by overlay address.
func NewSessionSnapshot(peers []PeerRecord) SessionSnapshot {
	m := make(map[OverlayAddress]PeerRecord, len(peers))
	for _, p := range peers {
		m[p.Address] = p
	}
	return SessionSnapshot{Peers: m}
}
