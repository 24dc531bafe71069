package models

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"

	"github.com/google/uuid"
)

// Address is an opaque transport address held in its native binary form.
type Address []byte

// ParseAddress decodes the hex public representation of an address.
func ParseAddress(text string) (Address, error) {
	raw, err := hex.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("decode address hex: %w", err)
	}
	return Address(raw), nil
}

// AddressFromAddrPort encodes an IP endpoint as 16 address bytes plus a big-endian port.
func AddressFromAddrPort(ap netip.AddrPort) Address {
	out := make([]byte, 18)
	ip := ap.Addr().As16()
	copy(out, ip[:])
	binary.BigEndian.PutUint16(out[16:], ap.Port())
	return out
}

// AddrPort decodes an address produced by AddressFromAddrPort.
func (a Address) AddrPort() (netip.AddrPort, error) {
	if len(a) != 18 {
		return netip.AddrPort{}, fmt.Errorf("address is %d bytes, want 18", len(a))
	}
	var ip [16]byte
	copy(ip[:], a[:16])
	return netip.AddrPortFrom(netip.AddrFrom16(ip).Unmap(), binary.BigEndian.Uint16(a[16:])), nil
}

// String returns the hex public representation.
func (a Address) String() string {
	return hex.EncodeToString(a)
}

// Equal reports whether both addresses hold the same bytes.
func (a Address) Equal(other Address) bool {
	return bytes.Equal(a, other)
}

// MarshalJSON renders the address as a hex string.
func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON parses a hex string address.
func (a *Address) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return fmt.Errorf("decode address: %w", err)
	}
	parsed, err := ParseAddress(text)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// PeerNode identifies a local or remote participant.
//
// A node with a nil ID is unbound: it was found by discovery and has not been
// tied to a persisted trust claim yet.
type PeerNode struct {
	ID          uuid.UUID `json:"id"`
	DisplayName string    `json:"display_name"`
	Address     Address   `json:"address"`
}

// Bound reports whether the node is tied to a persisted identity.
func (n PeerNode) Bound() bool {
	return n.ID != uuid.Nil
}

// SameAs matches nodes by transport address or, for bound nodes, by ID.
func (n PeerNode) SameAs(other PeerNode) bool {
	if len(n.Address) > 0 && n.Address.Equal(other.Address) {
		return true
	}
	return n.Bound() && n.ID == other.ID
}

// String returns a short log-friendly form.
func (n PeerNode) String() string {
	if n.Bound() {
		return fmt.Sprintf("%s (%s)", n.DisplayName, n.ID)
	}
	return fmt.Sprintf("%s [%s]", n.DisplayName, n.Address)
}

// EncodeNode returns the JSON public representation of a node.
func EncodeNode(node PeerNode) (string, error) {
	raw, err := json.Marshal(node)
	if err != nil {
		return "", fmt.Errorf("marshal peer node: %w", err)
	}
	return string(raw), nil
}

// DecodeNode parses a node produced by EncodeNode.
func DecodeNode(text string) (PeerNode, error) {
	var node PeerNode
	if err := json.Unmarshal([]byte(text), &node); err != nil {
		return PeerNode{}, fmt.Errorf("unmarshal peer node: %w", err)
	}
	if node.DisplayName == "" {
		return PeerNode{}, errors.New("peer node display name is required")
	}
	return node, nil
}
