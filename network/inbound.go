package network

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"peerlink/models"
	"peerlink/protocol"
	"peerlink/storage"
	"peerlink/transport"
)

// Remote describes the sender of an inbound request.
type Remote struct {
	// Name and Address are reported by the transport.
	Name    string
	Address models.Address
	// Node is the paired node the remote was matched to, if any.
	Node *models.PeerNode
}

type remoteKey struct{}

// RemoteFromContext returns the sender of the request being handled.
func RemoteFromContext(ctx context.Context) (Remote, bool) {
	remote, ok := ctx.Value(remoteKey{}).(Remote)
	return remote, ok
}

func isPairingTrigger(trigger string) bool {
	return trigger == protocol.TriggerPair || trigger == protocol.TriggerPairConfirm
}

func (m *PeerManager) handleConn(ctx context.Context, conn transport.Conn) {
	defer m.wg.Done()
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if !m.running.Load() {
		return
	}
	_ = conn.SetDeadline(time.Now().Add(m.options.ExchangeTimeout))

	remote := Remote{Name: conn.RemoteName(), Address: conn.RemoteAddress()}
	if node, ok, err := m.pairedByName(remote.Name); err != nil {
		m.log.Error().Err(err).Msg("load paired nodes")
		return
	} else if ok {
		remote.Node = &node
	}
	log := m.log.With().Str("remote", remote.Name).Logger()

	var (
		key     []byte
		header  *protocol.Message
		pairing bool
	)
	request, err := protocol.ReadMessageFunc(conn, m.options.Registry, func(h *protocol.Message) ([]byte, bool, error) {
		header = h
		pairing = isPairingTrigger(h.Trigger)
		k, validate, err := m.inboundKey(remote, h)
		key = k
		return k, validate, err
	})
	if err != nil {
		if errors.Is(err, errUnknownRemote) || (remote.Node == nil && !pairing) {
			log.Debug().Err(err).Msg("dropped connection from unrecognized remote")
			return
		}
		if errors.Is(err, protocol.ErrSignatureValidation) {
			m.securityEvent("signature_verification_failed", storage.SecuritySeverityCritical, originOf(header, remote), map[string]any{
				"remote": remote.Name,
			})
		}
		log.Warn().Err(err).Msg("rejecting unreadable request")
		m.writeNack(conn, m.stubRequest(header, remote), protocol.SeverityError, err.Error(), key)
		return
	}
	log = log.With().Str("trigger", request.Trigger).Str("message_id", request.ID.String()).Logger()

	if err := m.checkReplay(request); err != nil {
		log.Warn().Err(err).Msg("rejecting replayed request")
		m.writeNack(conn, request, protocol.SeverityWarning, err.Error(), key)
		return
	}

	if m.options.OnReceiving != nil {
		sender := models.PeerNode{DisplayName: remote.Name, Address: remote.Address}
		if remote.Node != nil {
			sender = *remote.Node
		}
		if m.options.OnReceiving(sender, request) {
			log.Debug().Msg("receive cancelled")
			m.writeNack(conn, request, protocol.SeverityInfo, "receive cancelled", key)
			return
		}
	}

	response, err := m.dispatcher.Execute(context.WithValue(ctx, remoteKey{}, remote), request)
	if err != nil {
		log.Warn().Err(err).Msg("request failed")
		m.writeNack(conn, request, protocol.SeverityError, err.Error(), key)
		return
	}
	if response == nil {
		response = protocol.NewAck(request, "")
	}
	response.Origin = m.options.LocalNode.ID
	response.Destination = request.Origin

	if err := protocol.WriteMessage(conn, response, m.exchangeFlags(), key); err != nil {
		log.Warn().Err(err).Msg("write response")
	}
}

// inboundKey picks the verification key for a request from its header.
//
// Pairing requests travel unsigned. Confirmations are signed with a key from
// the pending secret. Everything else must come from a paired node whose name
// the transport reported.
func (m *PeerManager) inboundKey(remote Remote, header *protocol.Message) ([]byte, bool, error) {
	if header.Trigger == protocol.TriggerPair {
		return nil, false, nil
	}

	var secret string
	if header.Trigger == protocol.TriggerPairConfirm {
		pending, ok := m.pendingFor(header.Origin)
		if !ok {
			return nil, false, fmt.Errorf("%w: no pending pairing for %s", ErrPeerUnknown, header.Origin)
		}
		secret = pending.secret
	} else {
		if remote.Node == nil {
			return nil, false, errUnknownRemote
		}
		if header.Origin != remote.Node.ID {
			return nil, false, fmt.Errorf("%w: origin %s does not match %s", ErrAssertionMismatch, header.Origin, remote.Node.ID)
		}
		s, err := m.secretFor(remote.Node.ID)
		if err != nil {
			return nil, false, err
		}
		secret = s
	}

	key, err := m.options.Codes.SessionKey(secret, m.options.LocalNode.ID, header.OriginationTime)
	if err != nil {
		return nil, false, err
	}

	// The key is still returned with these errors so the NACK is verifiable.
	if header.Destination != m.options.LocalNode.ID {
		return key, true, fmt.Errorf("%w: addressed to %s", ErrAssertionMismatch, header.Destination)
	}
	if skew := time.Since(header.OriginationTime); skew > m.options.MaxClockSkew || skew < -m.options.MaxClockSkew {
		return key, true, fmt.Errorf("%w: %s", ErrStaleMessage, header.OriginationTime.Format(time.RFC3339))
	}
	return key, true, nil
}

func (m *PeerManager) checkReplay(request *protocol.Message) error {
	if m.options.Seen == nil || request.Trigger == protocol.TriggerPair {
		return nil
	}
	fresh, err := m.options.Seen.MarkSeen(request.ID.String(), request.Origin.String(), 0)
	if err != nil {
		return fmt.Errorf("record message id: %w", err)
	}
	if !fresh {
		m.securityEvent("replay_rejected", storage.SecuritySeverityWarning, request.Origin, map[string]any{
			"message_id": request.ID.String(),
			"trigger":    request.Trigger,
		})
		return fmt.Errorf("%w: %s", ErrReplayedMessage, request.ID)
	}
	return nil
}

// stubRequest stands in for a request that could not be fully read so a NACK
// can still be routed back.
func (m *PeerManager) stubRequest(header *protocol.Message, remote Remote) *protocol.Message {
	if header != nil {
		return header
	}
	return &protocol.Message{Origin: originOf(nil, remote), Destination: m.options.LocalNode.ID}
}

func originOf(header *protocol.Message, remote Remote) uuid.UUID {
	if header != nil {
		return header.Origin
	}
	if remote.Node != nil {
		return remote.Node.ID
	}
	return uuid.Nil
}

func (m *PeerManager) writeNack(conn transport.Conn, request *protocol.Message, severity, detail string, key []byte) {
	nack := protocol.NewNack(request, severity, detail)
	nack.Origin = m.options.LocalNode.ID
	if err := protocol.WriteMessage(conn, nack, m.exchangeFlags(), key); err != nil {
		m.log.Debug().Err(err).Msg("write nack")
	}
}
