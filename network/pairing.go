package network

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	appcrypto "peerlink/crypto"
	"peerlink/models"
	"peerlink/protocol"
	"peerlink/storage"
)

// PairNode establishes trust with node using the remote account credentials.
//
// The remote answers the request with a shared secret, which is persisted
// before the confirmation is sent. If the confirmation is not acknowledged
// both claims are removed again and the node leaves the cache.
func (m *PeerManager) PairNode(ctx context.Context, node models.PeerNode, user, password string) (models.PeerNode, error) {
	if err := m.options.Policy.Demand(ctx, PermissionPair); err != nil {
		return models.PeerNode{}, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	if len(node.Address) == 0 {
		return models.PeerNode{}, errors.New("pair node: address is required")
	}
	// The remote stores the advertised listening address for later requests.
	if !m.Running() {
		return models.PeerNode{}, ErrNotStarted
	}
	if existing, ok, err := m.pairedMatch(node); err != nil {
		return models.PeerNode{}, err
	} else if ok {
		return existing, fmt.Errorf("%w: %s", ErrAlreadyPaired, existing)
	}

	local := m.LocalNode()
	log := m.log.With().Str("remote", node.String()).Logger()

	request := protocol.NewMessage(protocol.TriggerPair, &protocol.PairingRequest{
		User:     user,
		Password: password,
		NodeID:   local.ID,
		NodeName: local.DisplayName,
		Address:  local.Address,
	})
	request.Origin = local.ID
	request.Destination = node.ID

	reply, err := m.exchange(ctx, node.Address, request, nil, false)
	if err != nil {
		return models.PeerNode{}, err
	}
	accepted, ok := reply.Payload.(*protocol.PairingResponse)
	if !ok {
		if err := ackError(protocol.TriggerPair, reply); err != nil {
			log.Warn().Err(err).Msg("pairing request rejected")
			return models.PeerNode{}, err
		}
		return models.PeerNode{}, m.exchangeError(request, fmt.Errorf("%w: expected pairing response", protocol.ErrUnknownPayloadType))
	}
	if reply.Destination != local.ID {
		return models.PeerNode{}, fmt.Errorf("%w: pairing response addressed to %s", ErrAssertionMismatch, reply.Destination)
	}
	if accepted.NodeID == local.ID || accepted.NodeID == uuid.Nil || accepted.NodeName == "" || accepted.Secret == "" {
		return models.PeerNode{}, m.exchangeError(request, fmt.Errorf("%w: incomplete pairing response", protocol.ErrFormat))
	}

	paired := models.PeerNode{
		ID:          accepted.NodeID,
		DisplayName: accepted.NodeName,
		Address:     node.Address,
	}
	if err := m.persistTrust(paired, accepted.Secret); err != nil {
		m.rollbackPairing(paired)
		return models.PeerNode{}, fmt.Errorf("persist trust for %s: %w", paired, err)
	}
	log.Debug().Str("node_id", paired.ID.String()).Msg("trust provisioned")

	code, err := m.options.Codes.Code(accepted.Secret, time.Now())
	if err != nil {
		m.rollbackPairing(paired)
		return models.PeerNode{}, err
	}
	confirmation := protocol.NewMessage(protocol.TriggerPairConfirm, &protocol.PairingConfirmation{
		NodeID: local.ID,
		Code:   code,
	})
	confirmed, err := m.exchangeSigned(ctx, paired, confirmation, accepted.Secret)
	if err == nil {
		err = ackError(protocol.TriggerPairConfirm, confirmed)
	}
	if err != nil {
		m.rollbackPairing(paired)
		log.Warn().Err(err).Msg("pairing confirmation failed")
		m.securityEvent("pairing_confirmation_failed", storage.SecuritySeverityWarning, paired.ID, map[string]any{
			"error": err.Error(),
		})
		return models.PeerNode{}, err
	}

	log.Info().Str("node_id", paired.ID.String()).Msg("paired")
	m.securityEvent("pairing_completed", storage.SecuritySeverityInfo, paired.ID, map[string]any{
		"display_name": paired.DisplayName,
		"initiator":    true,
	})
	return paired, nil
}

func (m *PeerManager) rollbackPairing(node models.PeerNode) {
	if err := m.dropTrust(node.ID); err != nil {
		m.log.Error().Err(err).Str("node_id", node.ID.String()).Msg("roll back pairing")
	}
}

// UnpairNode asks a paired node to drop its trust and, once it acknowledges,
// removes the local claims.
func (m *PeerManager) UnpairNode(ctx context.Context, node models.PeerNode) error {
	if err := m.options.Policy.Demand(ctx, PermissionUnpair); err != nil {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	paired, ok, err := m.pairedMatch(node)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerUnknown, node)
	}
	secret, err := m.secretFor(paired.ID)
	if err != nil {
		return err
	}

	request := protocol.NewMessage(protocol.TriggerUnpair, &protocol.UnpairRequest{
		NodeID: m.options.LocalNode.ID,
	})
	reply, err := m.exchangeSigned(ctx, paired, request, secret)
	if err != nil {
		return err
	}
	if err := ackError(protocol.TriggerUnpair, reply); err != nil {
		return err
	}

	if err := m.dropTrust(paired.ID); err != nil {
		return fmt.Errorf("remove trust for %s: %w", paired, err)
	}
	m.log.Info().Str("node_id", paired.ID.String()).Msg("unpaired")
	m.securityEvent("peer_unpaired", storage.SecuritySeverityInfo, paired.ID, map[string]any{
		"initiator": true,
	})
	return nil
}

func (m *PeerManager) handlePair(ctx context.Context, request *protocol.Message) (*protocol.Message, error) {
	req, ok := request.Payload.(*protocol.PairingRequest)
	if !ok {
		return nil, fmt.Errorf("%w: expected pairing request", protocol.ErrUnknownPayloadType)
	}
	if req.NodeID != request.Origin || req.NodeID == uuid.Nil {
		return nil, fmt.Errorf("%w: pairing request for %s sent by %s", ErrAssertionMismatch, req.NodeID, request.Origin)
	}
	remote, _ := RemoteFromContext(ctx)

	if err := m.options.Authenticator.Authenticate(req.User, req.Password); err != nil {
		m.securityEvent("pairing_rejected", storage.SecuritySeverityWarning, req.NodeID, map[string]any{
			"remote": remote.Name,
			"user":   req.User,
		})
		if errors.Is(err, appcrypto.ErrInvalidCredentials) {
			return nil, appcrypto.ErrInvalidCredentials
		}
		return nil, fmt.Errorf("authenticate pairing request: %w", err)
	}

	secret, err := appcrypto.NewSharedSecret()
	if err != nil {
		return nil, err
	}

	node := models.PeerNode{ID: req.NodeID, DisplayName: remote.Name, Address: req.Address}
	if node.DisplayName == "" {
		node.DisplayName = req.NodeName
	}
	if len(node.Address) == 0 {
		node.Address = remote.Address
	}
	m.addPending(node, secret)
	m.log.Debug().Str("node_id", node.ID.String()).Str("remote", remote.Name).Msg("pairing request accepted, awaiting confirmation")

	local := m.options.LocalNode
	return protocol.NewResponse(request, protocol.TriggerAck, &protocol.PairingResponse{
		NodeID:   local.ID,
		NodeName: local.DisplayName,
		Secret:   secret,
	}), nil
}

func (m *PeerManager) handlePairConfirm(ctx context.Context, request *protocol.Message) (*protocol.Message, error) {
	confirmation, ok := request.Payload.(*protocol.PairingConfirmation)
	if !ok {
		return nil, fmt.Errorf("%w: expected pairing confirmation", protocol.ErrUnknownPayloadType)
	}
	if confirmation.NodeID != request.Origin {
		return nil, fmt.Errorf("%w: confirmation for %s sent by %s", ErrAssertionMismatch, confirmation.NodeID, request.Origin)
	}
	pending, ok := m.takePending(request.Origin)
	if !ok {
		return nil, fmt.Errorf("%w: no pending pairing for %s", ErrPeerUnknown, request.Origin)
	}

	valid, err := m.options.Codes.Validate(confirmation.Code, pending.secret, time.Now())
	if err != nil {
		return nil, err
	}
	if !valid {
		m.securityEvent("pairing_confirmation_failed", storage.SecuritySeverityWarning, pending.node.ID, map[string]any{
			"display_name": pending.node.DisplayName,
		})
		return nil, errors.New("pairing confirmation code is not valid")
	}

	if err := m.persistTrust(pending.node, pending.secret); err != nil {
		m.rollbackPairing(pending.node)
		return nil, fmt.Errorf("persist trust for %s: %w", pending.node, err)
	}
	m.log.Info().Str("node_id", pending.node.ID.String()).Msg("paired")
	m.securityEvent("pairing_completed", storage.SecuritySeverityInfo, pending.node.ID, map[string]any{
		"display_name": pending.node.DisplayName,
		"initiator":    false,
	})
	return protocol.NewAck(request, "paired"), nil
}

func (m *PeerManager) handleUnpair(ctx context.Context, request *protocol.Message) (*protocol.Message, error) {
	remote, _ := RemoteFromContext(ctx)
	if remote.Node == nil {
		return nil, fmt.Errorf("%w: %s", ErrPeerUnknown, remote.Name)
	}
	if req, ok := request.Payload.(*protocol.UnpairRequest); ok && req.NodeID != remote.Node.ID {
		return nil, fmt.Errorf("%w: unpair request for %s sent by %s", ErrAssertionMismatch, req.NodeID, remote.Node.ID)
	}

	if err := m.dropTrust(remote.Node.ID); err != nil {
		return nil, fmt.Errorf("remove trust for %s: %w", remote.Node, err)
	}
	m.log.Info().Str("node_id", remote.Node.ID.String()).Msg("unpaired by remote")
	m.securityEvent("peer_unpaired", storage.SecuritySeverityInfo, remote.Node.ID, map[string]any{
		"initiator": false,
	})
	return protocol.NewAck(request, "unpaired"), nil
}

func (m *PeerManager) handlePing(_ context.Context, request *protocol.Message) (*protocol.Message, error) {
	return protocol.NewAck(request, "pong"), nil
}
