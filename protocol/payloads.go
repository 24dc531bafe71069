package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"peerlink/models"
)

// Structure identifiers of the built-in payload variants.
const (
	StructurePairingRequest      = "peerlink.pairing-request"
	StructurePairingResponse     = "peerlink.pairing-response"
	StructurePairingConfirmation = "peerlink.pairing-confirmation"
	StructureAcknowledgement     = "peerlink.ack"
	StructureUnpairRequest       = "peerlink.unpair-request"
)

// Acknowledgement outcomes.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Acknowledgement severities.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// PairingRequest asks the remote node to establish trust.
type PairingRequest struct {
	User     string         `json:"user"`
	Password string         `json:"password"`
	NodeID   uuid.UUID      `json:"node_id"`
	NodeName string         `json:"node_name"`
	Address  models.Address `json:"address,omitempty"`
}

func (p *PairingRequest) StructureID() string        { return StructurePairingRequest }
func (p *PairingRequest) Serialize() ([]byte, error) { return marshalPayload(p) }
func (p *PairingRequest) Populate(data []byte) error { return unmarshalPayload(data, p) }

// PairingResponse accepts a pairing request and issues the shared secret.
type PairingResponse struct {
	NodeID   uuid.UUID `json:"node_id"`
	NodeName string    `json:"node_name"`
	Secret   string    `json:"secret"`
}

func (p *PairingResponse) StructureID() string        { return StructurePairingResponse }
func (p *PairingResponse) Serialize() ([]byte, error) { return marshalPayload(p) }
func (p *PairingResponse) Populate(data []byte) error { return unmarshalPayload(data, p) }

// PairingConfirmation proves possession of the issued secret.
type PairingConfirmation struct {
	NodeID uuid.UUID `json:"node_id"`
	Code   string    `json:"code"`
}

func (p *PairingConfirmation) StructureID() string        { return StructurePairingConfirmation }
func (p *PairingConfirmation) Serialize() ([]byte, error) { return marshalPayload(p) }
func (p *PairingConfirmation) Populate(data []byte) error { return unmarshalPayload(data, p) }

// UnpairRequest asks the remote node to drop its trust in the sender.
type UnpairRequest struct {
	NodeID uuid.UUID `json:"node_id"`
	Reason string    `json:"reason,omitempty"`
}

func (p *UnpairRequest) StructureID() string        { return StructureUnpairRequest }
func (p *UnpairRequest) Serialize() ([]byte, error) { return marshalPayload(p) }
func (p *UnpairRequest) Populate(data []byte) error { return unmarshalPayload(data, p) }

// Acknowledgement reports the outcome of a request.
type Acknowledgement struct {
	Outcome  string `json:"outcome"`
	Severity string `json:"severity"`
	Detail   string `json:"detail,omitempty"`
}

func (p *Acknowledgement) StructureID() string        { return StructureAcknowledgement }
func (p *Acknowledgement) Serialize() ([]byte, error) { return marshalPayload(p) }
func (p *Acknowledgement) Populate(data []byte) error { return unmarshalPayload(data, p) }

// OK reports whether the acknowledgement is positive.
func (p *Acknowledgement) OK() bool {
	return p != nil && p.Outcome == OutcomeOK
}

func marshalPayload(p Payload) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", p.StructureID(), err)
	}
	return raw, nil
}

func unmarshalPayload(data []byte, p Payload) error {
	if err := json.Unmarshal(data, p); err != nil {
		return fmt.Errorf("%w: decode %s payload: %v", ErrFormat, p.StructureID(), err)
	}
	return nil
}
