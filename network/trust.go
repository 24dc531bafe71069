package network

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"peerlink/models"
	"peerlink/storage"
)

// Claim types written for every paired node. The identity holding them is
// named by the node ID.
const (
	ClaimNode   = "peerlink.node"
	ClaimSecret = "peerlink.secret"
)

// trustCache is the in-memory view of paired nodes, loaded from claims on
// first use.
type trustCache struct {
	claims ClaimsStore

	mu     sync.RWMutex
	loaded bool
	nodes  []models.PeerNode
}

func (c *trustCache) load() error {
	c.mu.RLock()
	loaded := c.loaded
	c.mu.RUnlock()
	if loaded {
		return nil
	}

	claims, err := c.claims.ListClaims(ClaimNode)
	if err != nil {
		return fmt.Errorf("load paired nodes: %w", err)
	}
	nodes := make([]models.PeerNode, 0, len(claims))
	for _, claim := range claims {
		node, err := models.DecodeNode(claim.Value)
		if err != nil {
			return fmt.Errorf("decode paired node %q: %w", claim.IdentityName, err)
		}
		nodes = append(nodes, node)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loaded {
		c.nodes = nodes
		c.loaded = true
	}
	return nil
}

func (c *trustCache) snapshot() ([]models.PeerNode, error) {
	if err := c.load(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]models.PeerNode(nil), c.nodes...), nil
}

func (c *trustCache) find(match func(models.PeerNode) bool) (models.PeerNode, bool, error) {
	if err := c.load(); err != nil {
		return models.PeerNode{}, false, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, node := range c.nodes {
		if match(node) {
			return node, true, nil
		}
	}
	return models.PeerNode{}, false, nil
}

func (c *trustCache) add(node models.PeerNode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.nodes {
		if existing.ID == node.ID {
			c.nodes[i] = node
			return
		}
	}
	c.nodes = append(c.nodes, node)
}

func (c *trustCache) remove(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.nodes[:0]
	for _, existing := range c.nodes {
		if existing.ID != id {
			kept = append(kept, existing)
		}
	}
	c.nodes = kept
}

func identityName(id uuid.UUID) string {
	return id.String()
}

func (m *PeerManager) ensureIdentity(id uuid.UUID) (int64, error) {
	identityID, err := m.options.Claims.IdentityID(identityName(id))
	if err == nil {
		return identityID, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return 0, err
	}
	return m.options.Claims.CreateIdentity(identityName(id))
}

// persistTrust writes both claims for node and caches it.
func (m *PeerManager) persistTrust(node models.PeerNode, secret string) error {
	identityID, err := m.ensureIdentity(node.ID)
	if err != nil {
		return fmt.Errorf("ensure identity for %s: %w", node.ID, err)
	}
	encoded, err := models.EncodeNode(node)
	if err != nil {
		return err
	}
	if err := m.options.Claims.AddClaim(identityID, ClaimNode, encoded); err != nil {
		return err
	}
	if err := m.options.Claims.AddClaim(identityID, ClaimSecret, secret); err != nil {
		_ = m.options.Claims.RemoveClaim(identityID, ClaimNode)
		return err
	}
	if err := m.trust.load(); err != nil {
		return err
	}
	m.trust.add(node)
	return nil
}

// dropTrust removes the node from the cache and deletes both claims.
func (m *PeerManager) dropTrust(id uuid.UUID) error {
	m.trust.remove(id)

	identityID, err := m.options.Claims.IdentityID(identityName(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var errs []error
	for _, claimType := range []string{ClaimNode, ClaimSecret} {
		if err := m.options.Claims.RemoveClaim(identityID, claimType); err != nil && !errors.Is(err, storage.ErrNotFound) {
			errs = append(errs, fmt.Errorf("remove %s claim: %w", claimType, err))
		}
	}
	return errors.Join(errs...)
}

func (m *PeerManager) secretFor(id uuid.UUID) (string, error) {
	identityID, err := m.options.Claims.IdentityID(identityName(id))
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrPeerUnknown, id)
	}
	claim, err := m.options.Claims.GetClaim(identityID, ClaimSecret)
	if err != nil {
		return "", fmt.Errorf("%w: no shared secret for %s", ErrPeerUnknown, id)
	}
	return claim.Value, nil
}

// PairedNodes returns a snapshot of the paired-node cache.
func (m *PeerManager) PairedNodes() ([]models.PeerNode, error) {
	return m.trust.snapshot()
}

// LookupNode returns the paired node with the given ID.
func (m *PeerManager) LookupNode(id uuid.UUID) (models.PeerNode, bool) {
	node, ok, err := m.trust.find(func(n models.PeerNode) bool { return n.ID == id })
	if err != nil {
		m.log.Warn().Err(err).Msg("load paired nodes")
		return models.PeerNode{}, false
	}
	return node, ok
}

func (m *PeerManager) pairedMatch(target models.PeerNode) (models.PeerNode, bool, error) {
	return m.trust.find(target.SameAs)
}

func (m *PeerManager) pairedByName(name string) (models.PeerNode, bool, error) {
	if name == "" {
		return models.PeerNode{}, false, nil
	}
	return m.trust.find(func(n models.PeerNode) bool { return n.DisplayName == name })
}
