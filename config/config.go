package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "peerlink"
	// DataDirEnv overrides the resolved data directory when set.
	DataDirEnv = "PEERLINK_DATA_DIR"
	// DefaultListeningPort is the UDP port used in fixed mode when none is set.
	DefaultListeningPort = 7946
	// DefaultServiceType is the mDNS service class nodes advertise and browse.
	DefaultServiceType = "_peerlink._udp"
	// DefaultCodePeriodSeconds is the verification code window length.
	DefaultCodePeriodSeconds = 30
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
	defaultNodeName = "PeerLink Node"
)

// NodeConfig contains persistent local-node settings.
type NodeConfig struct {
	NodeID                string `json:"node_id"`
	NodeName              string `json:"node_name"`
	PortMode              string `json:"port_mode"`
	ListeningPort         int    `json:"listening_port"`
	Ed25519PrivateKeyPath string `json:"ed25519_private_key_path"`
	KeyFingerprint        string `json:"key_fingerprint"`
	ServiceType           string `json:"service_type"`
	CompressMessages      *bool  `json:"compress_messages,omitempty"`
	CodePeriodSeconds     int    `json:"code_period_seconds"`
	PairingUser           string `json:"pairing_user,omitempty"`
	PairingPasswordHash   string `json:"pairing_password_hash,omitempty"`
}

// Compression reports whether outbound messages should be DEFLATE-compressed.
func (c *NodeConfig) Compression() bool {
	return c.CompressMessages == nil || *c.CompressMessages
}

// CodePeriod returns the verification code window as a duration.
func (c *NodeConfig) CodePeriod() time.Duration {
	if c.CodePeriodSeconds <= 0 {
		return DefaultCodePeriodSeconds * time.Second
	}
	return time.Duration(c.CodePeriodSeconds) * time.Second
}

// ParsedNodeID returns the node ID as a UUID.
func (c *NodeConfig) ParsedNodeID() (uuid.UUID, error) {
	id, err := uuid.Parse(c.NodeID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse node_id: %w", err)
	}
	return id, nil
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If PEERLINK_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the data directory and its keys folder.
func EnsureDataDirectories(dataDir string) error {
	for _, dir := range []string{dataDir, filepath.Join(dataDir, "keys")} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*NodeConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg NodeConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *NodeConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*NodeConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = &NodeConfig{}
		normalizeDefaults(cfg, dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

// ListenAddress returns the host:port the node should listen on.
func (c *NodeConfig) ListenAddress() string {
	port := 0
	if c.PortMode == PortModeFixed {
		port = c.ListeningPort
	}
	return fmt.Sprintf(":%d", port)
}

func hostNodeName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return defaultNodeName
}

func normalizeDefaults(cfg *NodeConfig, dataDir string) bool {
	updated := false

	if _, err := uuid.Parse(cfg.NodeID); err != nil {
		cfg.NodeID = uuid.NewString()
		updated = true
	}

	if cfg.NodeName == "" {
		cfg.NodeName = hostNodeName()
		updated = true
	}

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.ListeningPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}

	if cfg.PortMode == PortModeFixed && cfg.ListeningPort == 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.ListeningPort < 0 {
		cfg.ListeningPort = 0
		updated = true
	}

	if cfg.Ed25519PrivateKeyPath == "" {
		cfg.Ed25519PrivateKeyPath = filepath.Join(dataDir, "keys", "ed25519_private.pem")
		updated = true
	}

	if cfg.ServiceType == "" {
		cfg.ServiceType = DefaultServiceType
		updated = true
	}

	if cfg.CompressMessages == nil {
		compress := true
		cfg.CompressMessages = &compress
		updated = true
	}

	if cfg.CodePeriodSeconds <= 0 {
		cfg.CodePeriodSeconds = DefaultCodePeriodSeconds
		updated = true
	}

	return updated
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}
