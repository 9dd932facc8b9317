package stun

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/one-d-wide/yggdrasil-jumper/internal/types"
)

// fakeUDPServer answers every Binding Request with a fixed mapped endpoint,
// so Resolve can be tested without touching the network.
func fakeUDPServer(t *testing.T, mapped types.ExternalEndpoint) string {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 1500)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if n < 20 {
				continue
			}
			txID := buf[8:20]
			resp := buildFakeResponse(txID, mapped)
			_, _ = conn.WriteToUDP(resp, addr)
		}
	}()

	return conn.LocalAddr().String()
}

func buildFakeResponse(txID []byte, ep types.ExternalEndpoint) []byte {
	ip4 := ep.IP.To4()
	value := make([]byte, 8)
	value[1] = family4
	xorPort := uint16(ep.Port) ^ uint16(magicCookie>>16)
	binary.BigEndian.PutUint16(value[2:4], xorPort)
	cookie := make([]byte, 4)
	binary.BigEndian.PutUint32(cookie, magicCookie)
	for i := 0; i < 4; i++ {
		value[4+i] = ip4[i] ^ cookie[i]
	}

	attr := make([]byte, 4+len(value))
	binary.BigEndian.PutUint16(attr[0:2], attrXORMappedAddress)
	binary.BigEndian.PutUint16(attr[2:4], uint16(len(value)))
	copy(attr[4:], value)

	msg := make([]byte, 20+len(attr))
	binary.BigEndian.PutUint16(msg[0:2], bindingResponse)
	binary.BigEndian.PutUint16(msg[2:4], uint16(len(attr)))
	binary.BigEndian.PutUint32(msg[4:8], magicCookie)
	copy(msg[8:20], txID)
	copy(msg[20:], attr)
	return msg
}

func TestCrossValidationRequiresTwoServers(t *testing.T) {
	want := types.ExternalEndpoint{IP: net.IPv4(203, 0, 113, 9), Port: 54321}
	s1 := fakeUDPServer(t, want)

	r := NewResolver([]string{s1}, time.Second)
	if _, err := r.Resolve(context.Background(), types.TransportDatagram); err == nil {
		t.Fatal("expected error with a single server and cross-validation enabled")
	}
}

func TestCrossValidationAgreement(t *testing.T) {
	want := types.ExternalEndpoint{IP: net.IPv4(203, 0, 113, 9), Port: 54321}
	s1 := fakeUDPServer(t, want)
	s2 := fakeUDPServer(t, want)

	r := NewResolver([]string{s1, s2}, time.Second)
	got, err := r.Resolve(context.Background(), types.TransportDatagram)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !got.Equal(want) {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestCrossValidationDisagreement(t *testing.T) {
	s1 := fakeUDPServer(t, types.ExternalEndpoint{IP: net.IPv4(203, 0, 113, 9), Port: 1111})
	s2 := fakeUDPServer(t, types.ExternalEndpoint{IP: net.IPv4(203, 0, 113, 9), Port: 2222})

	r := NewResolver([]string{s1, s2}, time.Second)
	if _, err := r.Resolve(context.Background(), types.TransportDatagram); err == nil {
		t.Fatal("expected cross-validation failure on disagreeing servers")
	}
}

func TestNoCheckAcceptsSingleServer(t *testing.T) {
	want := types.ExternalEndpoint{IP: net.IPv4(203, 0, 113, 9), Port: 54321}
	s1 := fakeUDPServer(t, want)

	r := NewResolver([]string{s1}, time.Second)
	r.NoCheck = true
	got, err := r.Resolve(context.Background(), types.TransportDatagram)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !got.Equal(want) {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestUnknownAttributeSkipped(t *testing.T) {
	want := types.ExternalEndpoint{IP: net.IPv4(198, 51, 100, 7), Port: 4444}
	txID := make([]byte, transactionIDLen)

	// Build a response with an unknown attribute before the mapped address.
	unknown := make([]byte, 4+4)
	binary.BigEndian.PutUint16(unknown[0:2], 0x9999)
	binary.BigEndian.PutUint16(unknown[2:4], 4)

	mappedAttr := buildFakeResponse(txID, want)[20:]

	body := append(unknown, mappedAttr...)
	msg := make([]byte, 20+len(body))
	binary.BigEndian.PutUint16(msg[0:2], bindingResponse)
	binary.BigEndian.PutUint16(msg[2:4], uint16(len(body)))
	binary.BigEndian.PutUint32(msg[4:8], magicCookie)
	copy(msg[8:20], txID)
	copy(msg[20:], body)

	got, err := parseBindingResponse(msg, txID)
	if err != nil {
		t.Fatalf("parseBindingResponse: %v", err)
	}
	if !got.Equal(want) {
		t.Fatalf("got %s, want %s", got, want)
	}
}
