package network

import (
	"context"
	"errors"
	"fmt"
	"time"

	"peerlink/models"
	"peerlink/protocol"
)

// Discover lists transport-visible devices of the configured service class
// that are not paired yet, as unbound nodes.
func (m *PeerManager) Discover(ctx context.Context) ([]models.PeerNode, error) {
	devices, err := m.options.Transport.Devices(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}

	nodes := make([]models.PeerNode, 0, len(devices))
	for _, device := range devices {
		if m.options.ServiceClass != "" && device.ServiceClass != m.options.ServiceClass {
			continue
		}
		candidate := models.PeerNode{DisplayName: device.Name, Address: device.Address}
		if _, paired, err := m.pairedMatch(candidate); err != nil {
			return nil, err
		} else if paired {
			continue
		}
		if device.NodeID != "" {
			if _, paired, err := m.trust.find(func(n models.PeerNode) bool { return n.ID.String() == device.NodeID }); err != nil {
				return nil, err
			} else if paired {
				continue
			}
		}
		nodes = append(nodes, candidate)
	}
	return nodes, nil
}

// Send delivers msg to a paired node and returns its reply.
//
// A cancelled OnSending notification returns a nil reply and nil error.
// Transport and codec failures come back as *PeerToPeerError.
func (m *PeerManager) Send(ctx context.Context, node models.PeerNode, msg *protocol.Message) (*protocol.Message, error) {
	if msg == nil || msg.Payload == nil {
		return nil, protocol.ErrMissingPayload
	}
	paired, ok, err := m.pairedMatch(node)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPeerUnknown, node)
	}

	if m.options.OnSending != nil && m.options.OnSending(paired, msg) {
		m.log.Debug().Str("trigger", msg.Trigger).Str("remote", paired.DisplayName).Msg("send cancelled")
		return nil, nil
	}

	secret, err := m.secretFor(paired.ID)
	if err != nil {
		return nil, err
	}
	return m.exchangeSigned(ctx, paired, msg, secret)
}

// exchangeSigned stamps msg for node and runs one exchange signed with the
// one-time key derived from secret for the recipient.
func (m *PeerManager) exchangeSigned(ctx context.Context, node models.PeerNode, msg *protocol.Message, secret string) (*protocol.Message, error) {
	if msg.OriginationTime.IsZero() {
		msg.OriginationTime = time.Now().UTC()
	}
	msg.Origin = m.options.LocalNode.ID
	msg.Destination = node.ID

	key, err := m.options.Codes.SessionKey(secret, node.ID, msg.OriginationTime)
	if err != nil {
		return nil, m.exchangeError(msg, err)
	}
	reply, err := m.exchange(ctx, node.Address, msg, key, true)
	if err != nil {
		return nil, err
	}
	if reply.Destination != m.options.LocalNode.ID {
		return nil, fmt.Errorf("%w: reply to %s addressed to %s", ErrAssertionMismatch, msg.ID, reply.Destination)
	}
	return reply, nil
}

// exchange writes msg on a fresh connection and reads the single reply.
func (m *PeerManager) exchange(ctx context.Context, address models.Address, msg *protocol.Message, key []byte, validate bool) (*protocol.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, m.options.ExchangeTimeout)
	defer cancel()

	conn, err := m.options.Transport.Dial(ctx, address)
	if err != nil {
		return nil, m.exchangeError(msg, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := protocol.WriteMessage(conn, msg, m.exchangeFlags(), key); err != nil {
		return nil, m.exchangeError(msg, err)
	}
	reply, err := protocol.ReadMessage(conn, m.options.Registry, key, validate)
	if errors.Is(err, protocol.ErrUnsignedMessage) {
		// A remote that cannot derive the key rejects unsigned. Only a
		// rejection is taken at face value.
		if ack, ok := protocol.AckOf(reply); ok && !ack.OK() {
			return nil, ackError(msg.Trigger, reply)
		}
	}
	if err != nil {
		return nil, m.exchangeError(msg, err)
	}
	return reply, nil
}

func (m *PeerManager) exchangeError(msg *protocol.Message, err error) error {
	return &PeerToPeerError{
		Origin:      msg.Origin,
		Destination: msg.Destination,
		Trigger:     msg.Trigger,
		Err:         err,
	}
}

// Ping sends a ping to a paired node and returns the round-trip time.
func (m *PeerManager) Ping(ctx context.Context, node models.PeerNode) (time.Duration, error) {
	started := time.Now()
	reply, err := m.Send(ctx, node, protocol.NewMessage(protocol.TriggerPing, &protocol.Acknowledgement{
		Outcome:  protocol.OutcomeOK,
		Severity: protocol.SeverityInfo,
		Detail:   "ping",
	}))
	if err != nil {
		return 0, err
	}
	if reply == nil {
		return 0, context.Canceled
	}
	if err := ackError(protocol.TriggerPing, reply); err != nil {
		return 0, err
	}
	return time.Since(started), nil
}

// ackError converts a negative or missing acknowledgement into a DetectedIssueError.
func ackError(trigger string, reply *protocol.Message) error {
	ack, ok := protocol.AckOf(reply)
	if !ok {
		return &DetectedIssueError{
			Trigger:  trigger,
			Outcome:  protocol.OutcomeError,
			Severity: protocol.SeverityError,
			Detail:   fmt.Sprintf("unexpected %s reply", reply.Payload.StructureID()),
		}
	}
	if ack.OK() {
		return nil
	}
	return &DetectedIssueError{
		Trigger:  trigger,
		Outcome:  ack.Outcome,
		Severity: ack.Severity,
		Detail:   ack.Detail,
	}
}
