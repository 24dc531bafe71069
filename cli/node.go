package cli

import (
	"crypto/ed25519"
	"fmt"
	"net/netip"
	"path/filepath"

	"github.com/google/uuid"

	"peerlink/config"
	appcrypto "peerlink/crypto"
	"peerlink/discovery"
	"peerlink/models"
	"peerlink/network"
	"peerlink/storage"
	"peerlink/transport"
)

// node bundles everything a command needs to talk to other nodes.
type node struct {
	cfg       *config.NodeConfig
	cfgPath   string
	dataDir   string
	id        uuid.UUID
	store     *storage.Store
	transport *transport.QUICTransport
	manager   *network.PeerManager
}

// loadConfig loads config.json and makes sure the node key exists and its
// fingerprint is recorded.
func loadConfig() (*config.NodeConfig, string, ed25519.PrivateKey, error) {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return nil, "", nil, fmt.Errorf("load config: %w", err)
	}
	key, err := appcrypto.EnsureNodeKey(cfg.Ed25519PrivateKeyPath)
	if err != nil {
		return nil, "", nil, fmt.Errorf("prepare node key: %w", err)
	}
	fingerprint := appcrypto.KeyFingerprint(key.Public().(ed25519.PublicKey))
	if cfg.KeyFingerprint != fingerprint {
		cfg.KeyFingerprint = fingerprint
		if err := config.Save(cfgPath, cfg); err != nil {
			return nil, "", nil, fmt.Errorf("persist key fingerprint: %w", err)
		}
	}
	return cfg, cfgPath, key, nil
}

func openNode() (*node, error) {
	cfg, cfgPath, key, err := loadConfig()
	if err != nil {
		return nil, err
	}
	id, err := cfg.ParsedNodeID()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(cfgPath)
	store, dbPath, err := storage.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	logger.Debug().Str("path", dbPath).Msg("database opened")

	quicTransport, err := transport.NewQUIC(transport.QUICOptions{
		Key:           key,
		NodeName:      cfg.NodeName,
		ListenAddress: cfg.ListenAddress(),
		Discovery: discovery.Config{
			Service:        cfg.ServiceType,
			NodeID:         cfg.NodeID,
			NodeName:       cfg.NodeName,
			KeyFingerprint: cfg.KeyFingerprint,
		},
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	manager, err := network.NewPeerManager(network.PeerManagerOptions{
		LocalNode:     models.PeerNode{ID: id, DisplayName: cfg.NodeName},
		Transport:     quicTransport,
		Claims:        store,
		Codes:         appcrypto.CodeGenerator{Period: cfg.CodePeriod(), Skew: 1},
		Authenticator: appcrypto.StaticCredentials{User: cfg.PairingUser, PasswordHash: cfg.PairingPasswordHash},
		Seen:          store,
		Security:      store,
		Logger:        &logger,
		ServiceClass:  cfg.ServiceType,

		DisableCompression: !cfg.Compression(),
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &node{
		cfg:       cfg,
		cfgPath:   cfgPath,
		dataDir:   dir,
		id:        id,
		store:     store,
		transport: quicTransport,
		manager:   manager,
	}, nil
}

func (n *node) Close() {
	n.manager.Stop()
	if err := n.store.Close(); err != nil {
		logger.Warn().Err(err).Msg("close database")
	}
}

// pairedNode resolves a node ID argument against the paired-node cache.
func (n *node) pairedNode(arg string) (models.PeerNode, error) {
	id, err := uuid.Parse(arg)
	if err != nil {
		return models.PeerNode{}, fmt.Errorf("parse node id: %w", err)
	}
	paired, ok := n.manager.LookupNode(id)
	if !ok {
		return models.PeerNode{}, fmt.Errorf("%w: %s", network.ErrPeerUnknown, id)
	}
	return paired, nil
}

// parseTarget accepts either the hex address form or host:port.
func parseTarget(arg string) (models.Address, error) {
	if ap, err := netip.ParseAddrPort(arg); err == nil {
		return models.AddressFromAddrPort(ap), nil
	}
	address, err := models.ParseAddress(arg)
	if err != nil {
		return nil, fmt.Errorf("target must be ip:port or a hex address: %w", err)
	}
	if _, err := address.AddrPort(); err != nil {
		return nil, err
	}
	return address, nil
}

