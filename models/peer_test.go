package models

import (
	"net/netip"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestAddressAddrPortRoundTrip(t *testing.T) {
	want := netip.MustParseAddrPort("192.168.1.20:7420")

	addr := AddressFromAddrPort(want)
	got, err := addr.AddrPort()
	if err != nil {
		t.Fatalf("AddrPort failed: %v", err)
	}
	if got != want {
		t.Fatalf("unexpected addr port: got %s want %s", got, want)
	}
}

func TestEncodeNodeUsesHexAddress(t *testing.T) {
	node := PeerNode{
		ID:          uuid.MustParse("6f1c2d9e-0d4a-4d8c-9a0e-3f5b2a7c1e11"),
		DisplayName: "Ward Tablet",
		Address:     Address{0xde, 0xad, 0xbe, 0xef},
	}

	encoded, err := EncodeNode(node)
	if err != nil {
		t.Fatalf("EncodeNode failed: %v", err)
	}
	if !strings.Contains(encoded, `"address":"deadbeef"`) {
		t.Fatalf("expected hex address in %s", encoded)
	}

	decoded, err := DecodeNode(encoded)
	if err != nil {
		t.Fatalf("DecodeNode failed: %v", err)
	}
	if decoded.ID != node.ID || decoded.DisplayName != node.DisplayName || !decoded.Address.Equal(node.Address) {
		t.Fatalf("decoded node mismatch: got %+v want %+v", decoded, node)
	}
}

func TestSameAsMatchesByAddressOrID(t *testing.T) {
	id := uuid.New()
	a := PeerNode{ID: id, DisplayName: "A", Address: Address("addr-a")}

	if !a.SameAs(PeerNode{DisplayName: "other", Address: Address("addr-a")}) {
		t.Fatalf("expected address match")
	}
	if !a.SameAs(PeerNode{ID: id, DisplayName: "moved", Address: Address("addr-b")}) {
		t.Fatalf("expected id match")
	}
	if a.SameAs(PeerNode{DisplayName: "B", Address: Address("addr-b")}) {
		t.Fatalf("expected unbound node with different address not to match")
	}
}
