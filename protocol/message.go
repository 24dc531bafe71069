package protocol

import (
	"time"

	"github.com/google/uuid"
)

// Trigger events understood by every node.
const (
	TriggerPair        = "peerlink:pair"
	TriggerPairConfirm = "peerlink:pair-confirm"
	TriggerUnpair      = "peerlink:unpair"
	TriggerPing        = "peerlink:ping"
	TriggerAck         = "peerlink:ack"
)

// Payload is one message body variant, tagged by its structure identifier.
type Payload interface {
	StructureID() string
	Serialize() ([]byte, error)
	Populate(data []byte) error
}

// Message is the envelope exchanged between two nodes.
//
// Origin and Destination are stamped by the sender immediately before
// transmission. OriginationTime survives the wire with whole-second precision.
type Message struct {
	ID              uuid.UUID
	Origin          uuid.UUID
	Destination     uuid.UUID
	OriginationTime time.Time
	Trigger         string
	Payload         Payload
}

// NewMessage builds an outbound message with a fresh ID.
func NewMessage(trigger string, payload Payload) *Message {
	return &Message{
		ID:              uuid.New(),
		OriginationTime: time.Now().UTC(),
		Trigger:         trigger,
		Payload:         payload,
	}
}

// NewResponse builds a reply addressed back to the request's origin.
func NewResponse(request *Message, trigger string, payload Payload) *Message {
	msg := NewMessage(trigger, payload)
	msg.Origin = request.Destination
	msg.Destination = request.Origin
	return msg
}

// NewAck builds a positive acknowledgement for request.
func NewAck(request *Message, detail string) *Message {
	return NewResponse(request, TriggerAck, &Acknowledgement{
		Outcome:  OutcomeOK,
		Severity: SeverityInfo,
		Detail:   detail,
	})
}

// NewNack builds a negative acknowledgement for request.
func NewNack(request *Message, severity, detail string) *Message {
	if severity == "" {
		severity = SeverityError
	}
	return NewResponse(request, TriggerAck, &Acknowledgement{
		Outcome:  OutcomeError,
		Severity: severity,
		Detail:   detail,
	})
}

// AckOf returns the acknowledgement carried by msg, if any.
func AckOf(msg *Message) (*Acknowledgement, bool) {
	if msg == nil {
		return nil, false
	}
	ack, ok := msg.Payload.(*Acknowledgement)
	return ack, ok
}
