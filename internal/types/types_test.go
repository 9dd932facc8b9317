package types

import "testing"

func TestOverlayAddressLess(t *testing.T) {
	a := OverlayAddress("200:a::1")
	b := OverlayAddress("200:a::2")

	if !a.Less(b) {
		t.Fatalf("expected %s < %s", a, b)
	}
	if b.Less(a) {
		t.Fatalf("expected %s to not be < %s", b, a)
	}
	if a.Less(a) {
		t.Fatalf("address must not be less than itself")
	}
}

func TestTransportKindURLScheme(t *testing.T) {
	cases := map[TransportKind]string{
		TransportStream:    "tcp",
		TransportDatagram:  "quic",
		TransportStreamTLS: "tls",
	}
	for kind, want := range cases {
		if got := kind.URLScheme(); got != want {
			t.Errorf("%s.URLScheme() = %q, want %q", kind, got, want)
		}
		if !kind.Valid() {
			t.Errorf("%s should be Valid", kind)
		}
	}
	if TransportKind("bogus").Valid() {
		t.Error("bogus transport kind should not be valid")
	}
}

func TestPeerRecordAdvertisesJumper(t *testing.T) {
	withJumper := PeerRecord{NodeInfo: &NodeInfo{Jumper: true}}
	withoutJumper := PeerRecord{NodeInfo: &NodeInfo{Jumper: false}}
	noInfo := PeerRecord{}

	if !withJumper.AdvertisesJumper() {
		t.Error("expected AdvertisesJumper to be true")
	}
	if withoutJumper.AdvertisesJumper() {
		t.Error("expected AdvertisesJumper to be false")
	}
	if noInfo.AdvertisesJumper() {
		t.Error("expected AdvertisesJumper to be false when nodeinfo absent")
	}
}
